// Package errs provides the typed error taxonomy shared across the
// redaction core. Library functions return these instead of panicking on
// operational failures; only Kind Fatal is meant to abort a process.
package errs

import "fmt"

// Kind classifies an Error so callers can branch on failure category
// without string-matching messages.
type Kind string

const (
	InvalidInput         Kind = "invalid_input"
	NotFound             Kind = "not_found"
	Unauthorized         Kind = "unauthorized"
	PolicyViolation      Kind = "policy_violation"
	ProofInvalid         Kind = "proof_invalid"
	ConsistencyViolation Kind = "consistency_violation"
	Replay               Kind = "replay"
	StorageError         Kind = "storage_error"
	TransientStorage     Kind = "transient_storage_error"
	Fatal                Kind = "fatal"
)

// Error is the typed error carried across package boundaries.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is lets errors.Is(err, errs.New(kind, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error that carries an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	for err != nil {
		if as, ok := err.(*Error); ok {
			e = as
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return "", false
	}
	return e.Kind, true
}

// IsTransient reports whether err is (or wraps) a TransientStorage error,
// i.e. one that a bounded retry is expected to recover from.
func IsTransient(err error) bool {
	k, ok := KindOf(err)
	return ok && k == TransientStorage
}
