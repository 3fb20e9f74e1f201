package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures that callers must be able to tell apart.
type ErrorKind string

const (
	KindDependencyUnavailable ErrorKind = "dependency_unavailable"
	KindMalformedCorpus       ErrorKind = "malformed_corpus"
	KindStreamingInterrupted  ErrorKind = "streaming_interrupted"
	KindInvalidConfig         ErrorKind = "invalid_config"
)

// Error is a classified failure. Two errors match under errors.Is when their
// kinds are equal.
type Error struct {
	Kind      ErrorKind
	Op        string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is implements errors.Is by comparing kinds.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrDependencyUnavailable = &Error{Kind: KindDependencyUnavailable}
	ErrMalformedCorpus       = &Error{Kind: KindMalformedCorpus}
	ErrStreamingInterrupted  = &Error{Kind: KindStreamingInterrupted}
	ErrInvalidConfig         = &Error{Kind: KindInvalidConfig}
)

// Unavailable wraps err as a DependencyUnavailable failure of op.
func Unavailable(op string, err error) *Error {
	return &Error{Kind: KindDependencyUnavailable, Op: op, Err: err}
}

// MalformedCorpus wraps err as a corpus construction failure.
func MalformedCorpus(op string, err error) *Error {
	return &Error{Kind: KindMalformedCorpus, Op: op, Err: err}
}

// Interrupted reports a fragment stream that ended before its end marker.
func Interrupted(op string, err error) *Error {
	return &Error{Kind: KindStreamingInterrupted, Op: op, Err: err}
}

// IsRetryable reports whether err is a classified failure marked retryable.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}
