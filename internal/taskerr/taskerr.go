// Package taskerr defines the error taxonomy shared by the scraping
// pipeline and the worker pool. Handlers wrap failures in one of these
// kinds so the worker can decide between retrying, recording a scraping
// error, or triggering block recovery.
package taskerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	// InvalidInput means payload validation failed; no retry, nothing persisted.
	InvalidInput Kind = "invalid_input"
	// TransientRemote means a network error, 5xx or timeout; retried with backoff.
	TransientRemote Kind = "transient_remote"
	// Blocked means the target site refused us (429/403/captcha).
	Blocked Kind = "blocked"
	// ParsingFailed means HTML was fetched but required fields were missing.
	ParsingFailed Kind = "parsing_failed"
	// NotProductPage means the page is a search or listing page.
	NotProductPage Kind = "not_product_page"
	// DependencyUnavailable means KV, SQL or the broker is unreachable.
	DependencyUnavailable Kind = "dependency_unavailable"
	// ChannelDeliveryFailed means one notification channel failed.
	ChannelDeliveryFailed Kind = "channel_delivery_failed"
)

// Error is a classified pipeline failure. StatusCode is set for HTTP
// originated failures, zero otherwise. RetryAfter carries an honored
// Retry-After delay and takes precedence over the default backoff.
type Error struct {
	Kind       Kind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithStatus wraps err with a kind and the originating HTTP status.
func WithStatus(kind Kind, status int, err error) *Error {
	return &Error{Kind: kind, StatusCode: status, Err: err}
}

// RetryAfterOf extracts an honored Retry-After delay, or zero.
func RetryAfterOf(err error) time.Duration {
	var te *Error
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// KindOf extracts the kind of err, or empty string when err is not a
// classified error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// IsRetryable reports whether the worker should retry the task.
// Only transient remote failures and unavailable dependencies are
// worth retrying; everything else is deterministic.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case TransientRemote, DependencyUnavailable:
		return true
	default:
		return false
	}
}
