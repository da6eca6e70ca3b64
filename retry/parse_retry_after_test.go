package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"try again in 28ms", 28 * time.Millisecond, true},
		{"rate limit exceeded, try again in 1.898s.", 1898 * time.Millisecond, true},
		{"please try again in 35 seconds", 35 * time.Second, true},
		{"TRY AGAIN IN 2 SECOND", 2 * time.Second, true},
		{"30", 30 * time.Second, true},
		{"no hint here", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		got, ok := ParseRetryAfter(c.in)
		assert.Equal(t, c.ok, ok, c.in)
		if c.ok {
			assert.Equal(t, c.want, got, c.in)
		}
	}
}
