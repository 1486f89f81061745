package conversation

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when an ask is already in flight.
	ErrBusy = errors.New("a request is already in flight")
	// ErrEmptyPrompt is returned for prompts that are blank after trimming.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrNotRetryable is returned by Retry for a query that has not failed.
	ErrNotRetryable = errors.New("query has not failed")
	// ErrIndexOutOfRange matches every *IndexError.
	ErrIndexOutOfRange = errors.New("query index out of range")
)

// IndexError reports an index outside the query sequence.
type IndexError struct {
	Index int
	Len   int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("query index %d out of range [0,%d)", e.Index, e.Len)
}

func (e *IndexError) Is(target error) bool {
	return target == ErrIndexOutOfRange
}
