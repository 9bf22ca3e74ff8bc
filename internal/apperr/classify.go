package apperr

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
)

// Backend machine codes recognised by Translate.
const (
	CodeSeatsUnavailable = "SEATS_UNAVAILABLE"
	CodePaymentFailed    = "PAYMENT_FAILED"
	CodeNotFound         = "NOT_FOUND"
	CodeValidation       = "VALIDATION_ERROR"
)

// errorBody is the subset of a backend error payload we read.
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// Classify turns a failure that produced no HTTP response into an *Error.
// Existing application errors pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, "request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(KindTimeout, "request timed out", err)
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return Wrap(KindServer, "malformed response payload", err)
	}
	return Wrap(KindNetwork, "no response from server", err)
}

// FromResponse classifies a non-2xx backend response. The 401 side effects are
// the transport's job; this only builds the error value.
func FromResponse(status int, body []byte) *Error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)

	switch {
	case status == http.StatusUnauthorized:
		return &Error{Kind: KindAuth, Message: "session expired", Status: status, Code: eb.Code}
	case status >= http.StatusInternalServerError:
		return &Error{Kind: KindServer, Message: "server error", Status: status}
	}

	msg := eb.Message
	if msg == "" {
		msg = eb.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	e := &Error{Kind: KindRequest, Message: msg, Status: status, Code: eb.Code}
	if json.Valid(body) {
		e.Data = json.RawMessage(body)
	}
	return e
}

// Translate maps a generic request error onto the named domain errors.
// Transport-level kinds and already-specific kinds are returned as is.
func Translate(err error) error {
	e, ok := As(err)
	if !ok || e.Kind != KindRequest {
		return err
	}
	out := *e
	switch code := strings.ToUpper(e.Code); {
	case code == CodeSeatsUnavailable || e.Status == http.StatusConflict:
		out.Kind = KindSeatsUnavailable
	case code == CodePaymentFailed || e.Status == http.StatusPaymentRequired:
		out.Kind = KindPaymentFailed
	case code == CodeNotFound || e.Status == http.StatusNotFound:
		out.Kind = KindNotFound
	case code == CodeValidation || e.Status == http.StatusBadRequest || e.Status == http.StatusUnprocessableEntity:
		out.Kind = KindValidation
	default:
		return err
	}
	return &out
}
