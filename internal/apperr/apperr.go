// Package apperr defines the error kinds surfaced by the face endpoints.
// Kinds are attached where an error originates and translated into HTTP
// responses only by the handlers.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for response mapping.
type Kind int

const (
	KindUnknown Kind = iota
	KindInputMissing
	KindValidation
	KindUnsupportedFormat
	KindEngineDetection
	KindEngineValidation
	KindEngineInternal
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindInputMissing:
		return "input_missing"
	case KindValidation:
		return "validation"
	case KindUnsupportedFormat:
		return "unsupported_format"
	case KindEngineDetection:
		return "engine_detection"
	case KindEngineValidation:
		return "engine_validation"
	case KindEngineInternal:
		return "engine_internal"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is an error tagged with a Kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New builds a kind-tagged error with a message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf reports the kind of the first tagged error in err's chain.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
