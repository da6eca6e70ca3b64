package turn

import (
	"bufio"
	"context"
	"os"
	"strings"
	"sync"
)

// FileMessageHistory is a MessageHistory backed by an append-only text file,
// one entry per line. The file path doubles as the log_id callers present on
// lookup, so a lookup against a stale or foreign log id misses cleanly
// rather than returning an entry from a different log.
type FileMessageHistory struct {
	path string
	mu   sync.Mutex
}

// NewFileMessageHistory opens (creating if needed) the history file at path.
func NewFileMessageHistory(path string) (*FileMessageHistory, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &FileMessageHistory{path: path}, nil
}

// LogID identifies this history log for GetHistoryEntryRequest lookups.
func (h *FileMessageHistory) LogID() string { return h.path }

// Append writes text as one entry. Newlines inside text are flattened so the
// line-per-entry framing survives.
func (h *FileMessageHistory) Append(_ context.Context, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	line := strings.ReplaceAll(text, "\n", " ")
	if _, err := f.WriteString(line + "\n"); err != nil {
		return err
	}
	return f.Sync()
}

// Lookup returns the entry at offset (0-based, oldest first) when logID names
// this log, and ok=false otherwise.
func (h *FileMessageHistory) Lookup(_ context.Context, logID string, offset int) (string, bool, error) {
	if logID != h.path || offset < 0 {
		return "", false, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	f, err := os.Open(h.path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for i := 0; scanner.Scan(); i++ {
		if i == offset {
			return scanner.Text(), true, nil
		}
	}
	return "", false, scanner.Err()
}
