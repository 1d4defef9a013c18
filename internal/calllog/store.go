// Package calllog keeps a call detail record for every finished call. Records
// are stored as append-only JSON lines in a local file, one object per line,
// so they can be tailed or shipped by any log collector.
package calllog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Record is a single call detail entry.
type Record struct {
	Timestamp         time.Time `json:"timestamp"`
	SessionID         string    `json:"session_id"`
	StartedAt         time.Time `json:"started_at"`
	DurationMS        int64     `json:"duration_ms"`
	Result            string    `json:"result"`
	Endpoint          string    `json:"endpoint,omitempty"`
	FramesToAI        int       `json:"frames_to_ai"`
	FramesToTelephony int       `json:"frames_to_telephony"`
	DroppedMessages   int       `json:"dropped_messages"`
}

// FileStore persists records as JSON lines in a local file.
// Thread-safe for concurrent use.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a FileStore that writes to the given path.
// The file is created on the first write if it does not exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Save appends r to the file. A zero Timestamp is set to the current time.
func (fs *FileStore) Save(r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("calllog: marshal: %w", err)
	}
	data = append(data, '\n')

	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("calllog: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("calllog: write: %w", err)
	}
	return nil
}
