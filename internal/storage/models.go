package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// TaskRecord is one row of the ingest task ledger.
type TaskRecord struct {
	TaskID       string
	Name         string
	Kind         string // "file", "remote"
	Ingestor     string
	Phase        string
	Percentage   int
	TokenLimited bool
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Terminal reports whether the recorded phase is final.
func (r TaskRecord) Terminal() bool {
	switch r.Phase {
	case "succeeded", "failed", "upload_failed":
		return true
	}
	return false
}
