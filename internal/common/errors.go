package common

import (
	"errors"
	"fmt"
)

// Kind classifies failures so every transport can map them the same way
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindPersistence    Kind = "persistence"
	KindTransport      Kind = "transport"
	KindNotFound       Kind = "not_found"
	KindForbidden      Kind = "forbidden"
	KindRateLimited    Kind = "rate_limited"
	KindInternal       Kind = "internal"
)

var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrPersistence    = &Error{Kind: KindPersistence}
	ErrTransport      = &Error{Kind: KindTransport}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrForbidden      = &Error{Kind: KindForbidden}
	ErrRateLimited    = &Error{Kind: KindRateLimited}
)

type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind so errors.Is(err, ErrValidation) works for any validation error
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, op string, err error, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func Validation(op, format string, args ...any) error {
	return newError(KindValidation, op, nil, format, args...)
}

func Authentication(op, format string, args ...any) error {
	return newError(KindAuthentication, op, nil, format, args...)
}

func NotFound(op, format string, args ...any) error {
	return newError(KindNotFound, op, nil, format, args...)
}

func Forbidden(op, format string, args ...any) error {
	return newError(KindForbidden, op, nil, format, args...)
}

func RateLimited(op string) error {
	return newError(KindRateLimited, op, nil, "too many events")
}

// Persistence wraps a storage failure; a nil err yields nil
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return newError(KindPersistence, op, err, "store unavailable")
}

func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return newError(KindTransport, op, err, "connection lost")
}

// KindOf reports the kind of the first *Error in the chain, or KindInternal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message is the human readable part without op and cause, safe to send to clients
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		return string(e.Kind)
	}
	return "internal error"
}
