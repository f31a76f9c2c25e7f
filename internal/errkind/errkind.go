// Package errkind classifies errors into the fixed categories shared by
// crawl jobs, ingestion runs, background tasks, and telemetry problems.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is the category of a failure. Control operations return
// InvalidInput and PreconditionFailed synchronously; every other kind
// is reported as a telemetry problem and handled in-band.
type Kind string

const (
	// InvalidInput marks malformed caller input: bad URLs, unknown
	// crawl types, unknown session or task IDs.
	InvalidInput Kind = "invalid-input"

	// PreconditionFailed marks operations that arrived in the wrong
	// state: confirming an expired session, resuming a running job,
	// re-ingesting a completed source without force.
	PreconditionFailed Kind = "precondition-failed"

	// TransientNetwork marks timeouts, resets, and HTTP 429/5xx.
	// Recovered by pacer backoff or stale-cache fallback.
	TransientNetwork Kind = "transient-network"

	// PermanentHTTP marks 4xx responses (except 429). Recorded, never
	// retried.
	PermanentHTTP Kind = "permanent-http"

	// ParseFailure marks malformed HTML or undecodable API payloads.
	// The raw response is kept; analysis is skipped.
	ParseFailure Kind = "parse-failure"

	// PolicyBlocked marks robots disallows and allow/deny list hits.
	// Recorded as skipped, not as a failure.
	PolicyBlocked Kind = "policy-blocked"

	// StorageFailure marks write errors and integrity violations.
	StorageFailure Kind = "storage-failure"

	// ResourceExhausted marks budget ceilings (max pages, max
	// downloads). Jobs end gracefully as completed with a reason.
	ResourceExhausted Kind = "resource-exhausted"

	// Internal marks invariant violations and planner bugs. Jobs pause
	// and surface a high-severity problem.
	Internal Kind = "internal"
)

// Error attaches a Kind to a message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with no cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil err returns nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Wrapf classifies an existing error with a formatted message.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Of reports the Kind of err, walking the wrap chain. Unclassified
// errors are Internal.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return Of(err) == kind
}

// Retryable reports whether the pacer may retry the request that
// produced err.
func Retryable(err error) bool {
	return Is(err, TransientNetwork)
}
