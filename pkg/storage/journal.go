package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Journal is an append-only, human-readable log of applied operations. It
// is an audit trail next to the Pebble records, never read back on startup.
type Journal interface {
	Append(rec JournalRecord)
}

// JournalRecord is one applied operation.
type JournalRecord struct {
	Time   time.Time         `json:"time"`
	Op     string            `json:"op"`
	Caller string            `json:"caller"`
	Fields map[string]string `json:"fields,omitempty"`
}

type NopJournal struct{}

func NewNopJournal() *NopJournal             { return &NopJournal{} }
func (j *NopJournal) Append(_ JournalRecord) {}

// FileJournal writes one JSON object per line.
type FileJournal struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f}, nil
}

func (j *FileJournal) Append(rec JournalRecord) {
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	fmt.Fprintln(j.f, string(line))
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

var _ Journal = (*NopJournal)(nil)
var _ Journal = (*FileJournal)(nil)
