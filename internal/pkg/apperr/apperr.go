// Package apperr holds the error taxonomy shared by the pipeline services.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrInvalidState rejects an operation on a terminal or wrong-status entity.
	ErrInvalidState = errors.New("invalid state")
	// ErrInsufficientData marks input that can never be processed; retrying cannot help.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrMissingTranscript is returned when an analysis has no transcript to read.
	ErrMissingTranscript = fmt.Errorf("%w: missing transcript", ErrInsufficientData)
	// ErrEmptyTranscript is returned when a transcript has no usable segments.
	ErrEmptyTranscript = fmt.Errorf("%w: empty transcript", ErrInsufficientData)
	// ErrNotFound is returned when an entity or blob cannot be resolved.
	ErrNotFound = errors.New("not found")
	// ErrUnsupportedLanguage is returned by language normalization.
	ErrUnsupportedLanguage = errors.New("unsupported language")
	// ErrExpiredResource marks audio past its retention deadline.
	ErrExpiredResource = errors.New("expired resource")
)

// TransientError wraps a failure of an external capability that may succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Op == "" {
		return "transient: " + e.Err.Error()
	}
	return e.Op + ": transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is worth retrying: explicit transient errors,
// deadlines and network timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// IsPermanent reports whether err can never resolve by retrying.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInsufficientData) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrUnsupportedLanguage)
}

// HTTPStatus classifies an upstream HTTP status code: 408, 429 and 5xx are transient.
func HTTPStatus(op string, status int, body string) error {
	err := fmt.Errorf("status=%d body=%s", status, body)
	if status == 408 || status == 429 || status >= 500 {
		return Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
