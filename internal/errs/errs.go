// Package errs defines the classified error kinds shared across every
// component, per the error handling design: tagged variants rather than an
// exception class hierarchy.
package errs

import (
	"errors"
	"fmt"
)

// Kind tags a classified error so callers (and eventually the façade) can
// decide retry/status-code behavior without string-matching messages.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindAuthentication     Kind = "authentication"
	KindAuthorization      Kind = "authorization"
	KindNotFound           Kind = "not_found"
	KindProviderTransient  Kind = "provider_transient"
	KindProviderFatal      Kind = "provider_fatal"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindOfferUnavailable   Kind = "offer_unavailable"
	KindServiceUnavailable Kind = "service_unavailable"
	KindSnapshotFailed     Kind = "snapshot_failed"
	KindShellFailed        Kind = "shell_failed"
	KindRepositoryFailed   Kind = "repository_failed"
	KindCheckpointFailed   Kind = "checkpoint_failed"
	KindCancelled          Kind = "cancelled"
)

// Error is the concrete error type produced by every component. It carries
// enough structure for the (external, out-of-scope) façade to map it onto an
// HTTP status without inspecting the message string.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an existing error under kind, preserving it via Unwrap.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDetail attaches a key/value to the error's Details map, creating it on
// first use, and returns the same error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, otherwise
// reports false.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Retryable reports whether the error kind is one the provider adapter retry
// loop (§4.1) should attempt again: Transient or RateLimited-shaped errors.
// RateLimited is folded into ProviderTransient with a Details["rate_limited"]
// marker rather than its own Kind, since the retry/backoff treatment is
// identical except for the cap.
func Retryable(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindProviderTransient
}

// RateLimited reports whether a ProviderTransient error was specifically a
// 429, which callers use to apply the 60s backoff cap instead of the plain
// three-attempt schedule.
func RateLimited(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Kind != KindProviderTransient {
		return false
	}
	v, ok := e.Details["rate_limited"]
	return ok && v == true
}
