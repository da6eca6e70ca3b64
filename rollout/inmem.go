package rollout

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Writer+Reader, used for tests and for the
// "no durable rollout configured" case. Not a rollout file format per se;
// the core only requires total ordering and durable flush on shutdown (spec
// §6), which MemoryStore trivially satisfies by construction.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
	closed  bool
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Record(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryStore) Flush(ctx context.Context) error { return nil }

func (s *MemoryStore) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) Replay(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out, nil
}

// Fork copies every record from src into a new MemoryStore, matching spec
// §4.6.7's "fork re-persists the entire source rollout into a new rollout
// file" contract.
func Fork(ctx context.Context, src Reader) (*MemoryStore, error) {
	records, err := src.Replay(ctx)
	if err != nil {
		return nil, err
	}
	dst := NewMemoryStore()
	dst.records = append(dst.records, records...)
	return dst, nil
}
