package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrStreamTruncated is returned by Stream.Next when the connection ends
// before the end marker.
var ErrStreamTruncated = errors.New("stream ended before completion")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// IsStatus reports whether err is a *StatusError with the given status code.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

func isRateLimit(err error) bool {
	return IsStatus(err, http.StatusTooManyRequests)
}
