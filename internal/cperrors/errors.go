// Package cperrors defines the error taxonomy shared by every control-plane
// component. Components never return bare errors for anything an operator
// might need to branch on; they wrap a Kind.
package cperrors

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind string

const (
	// InvalidArgument is raised synchronously, before any side effect,
	// when a caller-supplied parameter is malformed.
	InvalidArgument Kind = "InvalidArgument"
	// InvalidState is raised synchronously when an InstanceConfiguration
	// precondition is violated (e.g. a load balancer already exists).
	InvalidState Kind = "InvalidState"
	// Timeout is returned by a wait primitive on expiry.
	Timeout Kind = "Timeout"
	// OrchestratorError wraps a transport/remote failure from C1.
	OrchestratorError Kind = "OrchestratorError"
	// StorageError wraps a failure from C2 or the shard configuration store.
	StorageError Kind = "StorageError"
	// DownstreamError wraps a failed node admin call (C8), including the
	// HTTP status-code mapping.
	DownstreamError Kind = "DownstreamError"
	// TemplateError is raised when a node template lacks a required path,
	// detected before any side effect.
	TemplateError Kind = "TemplateError"
	// ServiceUnavailable marks a downstream shard or router as refusing
	// work under backpressure (e.g. paused during a split). Callers that
	// fan a request out to many shards short-circuit on this Kind rather
	// than retrying, since retrying a paused shard just extends the hold.
	ServiceUnavailable Kind = "ServiceUnavailable"
)

// Error is the concrete error type every exported operation returns. Entity
// and Namespace name what was being operated on, for log/alert correlation;
// Cause is the originating error (possibly nil for purely synchronous
// validation failures).
type Error struct {
	Kind      Kind
	Entity    string
	Namespace string
	Message   string
	Cause     error

	// NotFound additionally marks an Error of any Kind (e.g. OrchestratorError,
	// DownstreamError) as "the entity does not exist" rather than some other
	// failure,
	// so idempotent tear-down can tell the two apart without string-matching.
	NotFound bool
}

func (e *Error) Error() string {
	loc := e.Entity
	if e.Namespace != "" {
		loc = fmt.Sprintf("%s/%s", e.Namespace, e.Entity)
	}
	msg := e.Message
	if loc != "" {
		msg = fmt.Sprintf("%s: %s", loc, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, cperrors.Timeout) style comparisons against a
// bare Kind wrapped as an error via New(kind, "", "", "", nil).
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// New constructs a tagged Error.
func New(kind Kind, entity, namespace, message string, cause error) *Error {
	return &Error{Kind: kind, Entity: entity, Namespace: namespace, Message: message, Cause: cause}
}

// NewNotFound constructs a tagged, not-found Error.
func NewNotFound(kind Kind, entity, namespace, message string, cause error) *Error {
	return &Error{Kind: kind, Entity: entity, Namespace: namespace, Message: message, Cause: cause, NotFound: true}
}

// KindOf extracts the Kind from err, if any.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsNotFound reports whether err is a cperrors.Error marked NotFound.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.NotFound
	}
	return false
}
