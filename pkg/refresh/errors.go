package refresh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
)

// FailureKind classifies a refresh failure for the selector.
type FailureKind int

const (
	// KindTransient failures (network errors, timeouts, 5xx) warrant a short
	// backoff and a retry later.
	KindTransient FailureKind = iota
	// KindDefinitive failures (revoked or invalid refresh tokens) mean the
	// credential will never succeed again and should be removed.
	KindDefinitive
	// KindCancelled propagates caller cancellation.
	KindCancelled
)

// String returns the kind's wire-friendly name.
func (k FailureKind) String() string {
	switch k {
	case KindDefinitive:
		return "definitive"
	case KindCancelled:
		return "cancelled"
	default:
		return "transient"
	}
}

// Error is the typed failure a Refresher returns. Refreshers built into this
// package always return *Error so callers never need to guess from message
// text; Classify keeps a pattern-matching fallback for errors raised outside
// the typed path.
type Error struct {
	Kind     FailureKind
	Provider string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s refresh failed (%s): %v", e.Provider, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

var (
	definitivePattern = regexp.MustCompile(`(?i)invalid_grant|invalid_token|revoked|unauthorized|expired refresh`)
	transientPattern  = regexp.MustCompile(`(?i)connection refused|connection reset|no such host|timeout|timed out|fetch failed|temporarily unavailable|status 5\d\d`)
)

// Classify determines the failure kind of an arbitrary refresh error. Typed
// errors carry their own kind; everything else falls back to message
// patterns, with unknown messages treated as transient so a flaky proxy
// never destroys a working credential.
func Classify(err error) FailureKind {
	if err == nil {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	msg := err.Error()
	if transientPattern.MatchString(msg) {
		return KindTransient
	}
	if definitivePattern.MatchString(msg) {
		return KindDefinitive
	}
	return KindTransient
}

// classifyStatus maps an HTTP status from a token endpoint to a failure kind.
// 401/403 are definitive; a 400 is definitive only when the body carries a
// recognizable OAuth error code, since some proxies return 400 for transient
// faults.
func classifyStatus(status int, body string) FailureKind {
	switch {
	case status >= 500:
		return KindTransient
	case status == 401 || status == 403 || status == 400:
		if definitivePattern.MatchString(body) {
			return KindDefinitive
		}
		if status == 400 {
			return KindTransient
		}
		return KindDefinitive
	default:
		return KindTransient
	}
}
