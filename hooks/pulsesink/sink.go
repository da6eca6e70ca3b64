// Package pulsesink fans hooks.Bus events out to a goa.design/pulse stream so
// a second process (a UI server, a notifier) can subscribe to a session's
// events without sharing memory with the turn driver.
//
// Grounded on features/stream/pulse/sink.go's envelope-over-Pulse-stream
// pattern, simplified to publish directly against
// goa.design/pulse/streaming.Stream (the library the teacher's own
// clients/pulse wrapper is built on) since this engine has no codegen layer
// that needs the teacher's extra Client/Stream indirection.
package pulsesink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"

	"goa.design/turnkit/hooks"
)

// Envelope is the JSON payload written to the Pulse stream for each event.
type Envelope struct {
	Type      hooks.EventType `json:"type"`
	SubID     string          `json:"sub_id"`
	Timestamp time.Time       `json:"timestamp"`
	Event     hooks.Event     `json:"event"`
}

// Sink publishes hooks.Event values to a Pulse stream keyed by conversation
// ID. It implements hooks.Subscriber so it can be registered directly on a
// session's Bus.
type Sink struct {
	stream *streaming.Stream
}

// New opens (creating if needed) the Pulse stream "session/<conversationID>"
// backed by redisClient.
func New(conversationID string, redisClient *redis.Client) (*Sink, error) {
	s, err := streaming.NewStream("session/"+conversationID, redisClient)
	if err != nil {
		return nil, fmt.Errorf("pulsesink: open stream: %w", err)
	}
	return &Sink{stream: s}, nil
}

// HandleEvent implements hooks.Subscriber.
func (s *Sink) HandleEvent(ctx context.Context, event hooks.Event) error {
	env := Envelope{Type: event.Type, SubID: event.SubID, Timestamp: time.Now().UTC(), Event: event}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pulsesink: marshal envelope: %w", err)
	}
	if _, err := s.stream.Add(ctx, string(event.Type), payload); err != nil {
		return fmt.Errorf("pulsesink: publish: %w", err)
	}
	return nil
}
