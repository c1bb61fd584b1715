package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure. Tool responses always carry one;
// callers branch on the kind, humans read the message + recommendation.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindValidation       Kind = "validation"
	KindTimeout          Kind = "timeout"
	KindExternal         Kind = "external"
	KindUnreachable      Kind = "unreachable"
	KindPermissionDenied Kind = "permission_denied"
	KindInternal         Kind = "internal"
)

// Error is the structured failure object carried across the dispatch
// surface. Recommendation is set only when the caller can act on it.
type Error struct {
	Kind           Kind   `json:"kind"`
	Message        string `json:"message"`
	Recommendation string `json:"recommendation,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds a kinded error.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithRecommendation attaches a remediation hint and returns the error.
func (e *Error) WithRecommendation(r string) *Error {
	e.Recommendation = r
	return e
}

// KindOf extracts the kind from an error chain. Unclassified errors are
// internal: they indicate a layer that forgot to translate.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// AsError normalizes any error into a protocol error.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: KindInternal, Message: err.Error()}
}
