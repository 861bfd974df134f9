package core

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers: control-plane handlers map it
// to a status code, the signaling relay to an error reason.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindInvalidState       Kind = "invalid_state"
	KindUnauthorized       Kind = "unauthorized"
	KindCapabilityMismatch Kind = "capability_mismatch"
	KindEngineFailure      Kind = "engine_failure"
	KindFeatureDisabled    Kind = "feature_disabled"
)

// Error is the typed result returned at the registry boundary.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error, keeping it for Unwrap.
func Wrap(kind Kind, err error, msg string) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain; unknown errors report
// engine failure so they are never silently treated as client faults.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindEngineFailure
}

func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
