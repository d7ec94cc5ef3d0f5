// Package gatewayerr carries the error taxonomy shared by gateway operations.
package gatewayerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindAuth          Kind = "auth_error"
	KindStateConflict Kind = "state_conflict"
	KindNotFound      Kind = "not_found"
	KindValidation    Kind = "validation_error"
	KindForbidden     Kind = "forbidden"
	KindDelivery      Kind = "delivery_error"
	KindConfiguration Kind = "configuration_warning"
)

// Error is a classified failure. Message is the human-readable text returned
// to callers; Code is a stable machine identifier.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Gone marks a state conflict caused by expiry rather than prior use.
	Gone bool
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind and code so sentinel values can be compared with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Auth(code, message string) *Error {
	return New(KindAuth, code, message)
}

func Conflict(code, message string) *Error {
	return New(KindStateConflict, code, message)
}

func Gone(code, message string) *Error {
	e := New(KindStateConflict, code, message)
	e.Gone = true
	return e
}

func NotFound(code, message string) *Error {
	return New(KindNotFound, code, message)
}

func Validation(code, message string) *Error {
	return New(KindValidation, code, message)
}

func Forbidden(code, message string) *Error {
	return New(KindForbidden, code, message)
}

func Configuration(code, message string) *Error {
	return New(KindConfiguration, code, message)
}

func Delivery(code, message string, err error) *Error {
	e := New(KindDelivery, code, message)
	e.Err = err
	return e
}

// As extracts the classified error from err's chain.
func As(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

func KindOf(err error) Kind {
	if ge, ok := As(err); ok {
		return ge.Kind
	}
	return ""
}
