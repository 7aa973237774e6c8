package models

import "errors"

// ErrorKind classifies pipeline failures.
type ErrorKind int

const (
	KindInvalidRequest ErrorKind = iota + 1
	KindRetrievalUnavailable
	KindInferenceUnavailable
	KindInferenceTimeout
	KindLogWriteFailure
)

var kindNames = map[ErrorKind]string{
	KindInvalidRequest:       "invalid_request",
	KindRetrievalUnavailable: "retrieval_unavailable",
	KindInferenceUnavailable: "inference_unavailable",
	KindInferenceTimeout:     "inference_timeout",
	KindLogWriteFailure:      "log_write_failure",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Sentinels for errors.Is checks against a kind.
var (
	ErrInvalidRequest       = &Error{Kind: KindInvalidRequest, Message: "invalid request"}
	ErrRetrievalUnavailable = &Error{Kind: KindRetrievalUnavailable, Message: "retrieval unavailable"}
	ErrInferenceUnavailable = &Error{Kind: KindInferenceUnavailable, Message: "inference engine unavailable"}
	ErrInferenceTimeout     = &Error{Kind: KindInferenceTimeout, Message: "inference timed out"}
	ErrLogWriteFailure      = &Error{Kind: KindLogWriteFailure, Message: "conversation log write failed"}
)

// Error is a classified pipeline error.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewError builds a classified error wrapping cause.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrInferenceTimeout) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
