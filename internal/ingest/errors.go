package ingest

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrJobActive is returned when submitting while a job is in flight.
	ErrJobActive = errors.New("an ingestion job is already in progress")
	// ErrJobTerminal is returned when submitting on a finished job. Call Reset first.
	ErrJobTerminal = errors.New("ingestion job already finished")
	// ErrDetached is returned by Wait when the orchestrator was closed before
	// the job finished. The backend keeps processing.
	ErrDetached = errors.New("detached from ingestion job")
	// ErrTooManyFaults stops polling after the configured number of
	// consecutive transient faults.
	ErrTooManyFaults = errors.New("too many consecutive task status faults")
)

// FieldError is one rejected field.
type FieldError struct {
	Field  string
	Reason string
}

// ValidationError lists every field that blocks a submission.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + " " + f.Reason
	}
	return "invalid ingest config: " + strings.Join(parts, "; ")
}

// PreflightError reports the first local file that cannot be uploaded.
type PreflightError struct {
	Path   string
	Reason string
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("cannot upload %s: %s", e.Path, e.Reason)
}
