package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds surfaced by the resolver and page crawler.
var (
	ErrNotFound   = errors.New("sitemap not found")
	ErrNetwork    = errors.New("network error")
	ErrNavigation = errors.New("navigation error")
	ErrTimeout    = errors.New("timeout")
	ErrProcessing = errors.New("processing error")
)

// ErrRecordNotFound is returned by stores when a record does not exist.
var ErrRecordNotFound = errors.New("record not found")

// ErrQueueClosed is returned by a Queue after shutdown.
var ErrQueueClosed = errors.New("queue closed")

// StatusError reports a non-success HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Unwrap lets errors.Is(err, ErrNetwork) match status failures.
func (e *StatusError) Unwrap() error { return ErrNetwork }

// ProcessingError is an orchestration failure carrying the message written
// to the site record.
type ProcessingError struct {
	Message string
	Err     error
}

// NewProcessingError wraps err with a user-facing message.
func NewProcessingError(message string, err error) *ProcessingError {
	return &ProcessingError{Message: message, Err: err}
}

func (e *ProcessingError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ProcessingError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProcessing}
	}
	return []error{ErrProcessing, e.Err}
}

// FailureMessage maps an orchestration error to the text stored on the
// site. Errors that are not a *ProcessingError never leak their text.
func FailureMessage(err error) string {
	var procErr *ProcessingError
	if errors.As(err, &procErr) && procErr.Message != "" {
		return procErr.Message
	}
	return MessageUnknownError
}
