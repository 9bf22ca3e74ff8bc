// Package apperr defines the single error type returned by every checkout
// operation. Callers switch on Kind, never on message text.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the closed set of failure categories.
type Kind string

const (
	KindNetwork          Kind = "network"
	KindTimeout          Kind = "timeout"
	KindAuth             Kind = "auth"
	KindServer           Kind = "server"
	KindValidation       Kind = "validation"
	KindRequest          Kind = "request"
	KindSeatsUnavailable Kind = "seats_unavailable"
	KindPaymentFailed    Kind = "payment_failed"
	KindNotFound         Kind = "not_found"
)

// Error is the application error. Status is the HTTP status when the failure
// came from a backend response; Code is the backend's machine code if any.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Code    string
	Data    json.RawMessage
	Err     error
}

// Sentinels usable with errors.Is; they match any *Error of the same kind.
var (
	ErrNetwork          = &Error{Kind: KindNetwork}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrAuth             = &Error{Kind: KindAuth}
	ErrServer           = &Error{Kind: KindServer}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrRequest          = &Error{Kind: KindRequest}
	ErrSeatsUnavailable = &Error{Kind: KindSeatsUnavailable}
	ErrPaymentFailed    = &Error{Kind: KindPaymentFailed}
	ErrNotFound         = &Error{Kind: KindNotFound}
)

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation is shorthand for the local pre-flight rejections.
func Validation(format string, args ...interface{}) *Error {
	return Newf(KindValidation, format, args...)
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, apperr.ErrAuth) works on any
// wrapped *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// UserMessage is safe to show to an end user. Server-side and connectivity
// failures never echo backend text.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindNetwork:
		return "Unable to reach the server. Check your connection and try again."
	case KindTimeout:
		return "The request took too long. Please try again."
	case KindServer:
		return "Something went wrong on our side. Please try again."
	case KindAuth:
		return "Your session has expired. Please sign in again."
	case KindSeatsUnavailable:
		if e.Message != "" {
			return e.Message
		}
		return "Some of the selected seats are no longer available."
	case KindPaymentFailed:
		if e.Message != "" {
			return e.Message
		}
		return "The payment could not be completed."
	case KindNotFound:
		if e.Message != "" {
			return e.Message
		}
		return "The requested item could not be found."
	}
	if e.Message != "" {
		return e.Message
	}
	return "The request could not be completed."
}

// Retryable reports whether repeating the same call may succeed without the
// user changing anything. It does not mean the call is safe to auto-retry.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindServer:
		return true
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or "" when err
// is not an application error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// OutcomeUnknown reports whether a write that failed with err may still have
// been applied by the backend.
func OutcomeUnknown(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout, KindServer:
		return true
	}
	return false
}
