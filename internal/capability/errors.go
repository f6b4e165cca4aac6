package capability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Class splits external failures into the two kinds the loops care about:
// transient failures are worth retrying with backoff, permanent failures
// fail the attempt immediately.
type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

// ErrBudgetExhausted wraps the last transient failure once a call's retry
// budget is spent. It stays internal to the loops: callers of the batch
// runner only ever see it reflected as a degraded or failed scene status.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// Error is an external-call failure tagged with its retry class.
type Error struct {
	Op    string
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure of op.
func Transient(op string, err error) error {
	return &Error{Op: op, Class: ClassTransient, Err: err}
}

// Permanent wraps err as a non-retryable failure of op.
func Permanent(op string, err error) error {
	return &Error{Op: op, Class: ClassPermanent, Err: err}
}

// IsTransient reports whether err is a retryable external failure.
// Context cancellation is never transient: a cancelled batch must not be
// retried into.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var ce *Error
	return errors.As(err, &ce) && ce.Class == ClassTransient
}

// IsPermanent reports whether err is a classified non-retryable failure.
func IsPermanent(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Class == ClassPermanent
}

// ErrorClass returns the classification of err, or "" if unclassified.
func ErrorClass(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ""
}

// ClassifyStatus wraps an HTTP failure by status code. Rate limits,
// timeouts and server errors are transient; other non-2xx codes are
// permanent.
func ClassifyStatus(op string, status int, body string) error {
	if len(body) > 512 {
		body = body[:512] + "...[truncated]"
	}
	err := fmt.Errorf("status %d: %s", status, body)
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500 {
		return Transient(op, err)
	}
	return Permanent(op, err)
}
