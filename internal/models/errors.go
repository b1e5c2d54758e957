package models

import (
	"errors"
	"fmt"
)

// Pipeline-wide standard errors
var (
	// Directory errors
	ErrAccountNotFound = errors.New("account not found")

	// Push transport errors
	ErrEndpointGone        = errors.New("push endpoint is gone") // Permanent: the endpoint must be pruned
	ErrUnsupportedPlatform = errors.New("unsupported push platform")

	// Queue errors
	ErrReceiptHandleInvalid = errors.New("receipt handle is invalid or expired")
	ErrReceiverClosed       = errors.New("queue receiver is closed")
)

// PermanentError marks a message that can never be processed (poison message).
// Such messages are removed from the queue, never retried.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent error: %s: %v", e.Reason, e.Err)
	}
	return "permanent error: " + e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps err as a permanent (non-retryable) failure.
func NewPermanentError(reason string, err error) *PermanentError {
	return &PermanentError{Reason: reason, Err: err}
}

// IsPermanent reports whether err is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
