package rollout

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// FileStore is the default durable Writer+Reader: an append-only JSONL file,
// matching spec §6's "the core does not dictate file framing; it only
// requires total ordering and durable flush on shutdown."
type FileStore struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
}

type fileRecord struct {
	Kind    RecordKind `json:"kind"`
	Payload []byte     `json:"payload"`
}

// OpenFileStore opens (creating if needed) an append-only rollout file at
// path.
func OpenFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("rollout: open %q: %w", path, err)
	}
	return &FileStore{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

func (s *FileStore) Record(ctx context.Context, rec Record) error {
	payload, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	line, err := json.Marshal(fileRecord{Kind: rec.Kind, Payload: payload})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	return s.w.WriteByte('\n')
}

func (s *FileStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Sync()
}

func (s *FileStore) Shutdown(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// ReplayFile reads every record from the file in append order. It opens path
// read-only so it can be called against a live (or prior) rollout file
// independent of a FileStore's own open handle.
func ReplayFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rollout: open %q: %w", path, err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var fr fileRecord
		if err := json.Unmarshal(sc.Bytes(), &fr); err != nil {
			return nil, fmt.Errorf("rollout: decode line: %w", err)
		}
		rec, err := decodeRecord(fr.Kind, time.Time{}, fr.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Replay implements Reader by delegating to ReplayFile.
func (s *FileStore) Replay(ctx context.Context) ([]Record, error) { return ReplayFile(s.path) }
