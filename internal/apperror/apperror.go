// Package apperror classifies failures from external adapters so the
// conversation state machine can apply a uniform retry/surface policy
// instead of re-deriving it per adapter.
package apperror

import "errors"

// Class is the taxonomy from the error handling design: transient adapter
// failures are retried once, malformed input is logged and dropped, invariant
// violations are fatal to the session.
type Class int

const (
	// Transient covers ASR/LLM/TTS network or rate-limit failures.
	Transient Class = iota
	// Malformed covers zero-length or non-multiple-of-2-byte chunks.
	Malformed
	// Invariant covers session state drift detected in the store.
	Invariant
	// Fatal covers anything that must close the session immediately.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Malformed:
		return "malformed"
	case Invariant:
		return "invariant"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps a cause with a Class so callers can branch on it with As/Is.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with a class and the operation that produced it.
func Wrap(class Class, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Op: op, Err: err}
}

// ClassOf returns the Class of err, defaulting to Fatal for unclassified errors.
func ClassOf(err error) Class {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Class
	}
	return Fatal
}

// IsTransient reports whether err should be retried once before surfacing.
func IsTransient(err error) bool { return ClassOf(err) == Transient }
