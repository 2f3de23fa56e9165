// Package transport issues authenticated request/response calls against the
// Aviary platform and normalizes every failure into a typed *APIError.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// Sentinel errors classifying client core failures.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrAuth indicates an authorization failure. Recoverable once via token
	// refresh; fatal on a second occurrence within the same operation.
	ErrAuth = errors.New("authorization failed")

	// ErrNetwork indicates a connection or transport failure. Never retried
	// automatically by the core.
	ErrNetwork = errors.New("network error")

	// ErrDecode indicates a malformed response or stream envelope. Fatal for
	// the affected operation.
	ErrDecode = errors.New("decode error")

	// ErrServer indicates a well-formed error response from the server.
	// Terminal for the current operation, not fatal to the session.
	ErrServer = errors.New("server error")

	// ErrTimeout indicates the poller attempt budget was exceeded.
	ErrTimeout = errors.New("timed out")

	// ErrCanceled indicates the operation was aborted by the caller. Must not
	// surface as a user-visible failure.
	ErrCanceled = errors.New("canceled")
)

// APIError is the normalized failure carried by every transport error path.
type APIError struct {
	// Kind is the sentinel classifying this failure.
	Kind error
	// Status is the HTTP status code, 0 when no response was received.
	Status int
	// Code is the opaque server error code, if the body carried one.
	Code string
	// Message is the human-readable failure description.
	Message string
	// Body is the raw response body, if any.
	Body []byte
	// RequestID is the correlation id from the X-Request-Id header, if present.
	RequestID string
	// Err is the underlying error, if any.
	Err error
}

func (e *APIError) Error() string {
	switch {
	case e.Status != 0 && e.RequestID != "":
		return fmt.Sprintf("%s (HTTP %d, request %s)", e.Message, e.Status, e.RequestID)
	case e.Status != 0:
		return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	default:
		return e.Message
	}
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *APIError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// newStatusError normalizes a non-success HTTP response.
func newStatusError(resp *http.Response, body []byte) *APIError {
	kind := ErrServer
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		kind = ErrAuth
	}

	message := fmt.Sprintf("HTTP %d", resp.StatusCode)
	code := ""
	if gjson.ValidBytes(body) {
		if m := gjson.GetBytes(body, "message"); m.Exists() {
			message = m.String()
		} else if m := gjson.GetBytes(body, "error"); m.Exists() {
			message = m.String()
		}
		code = gjson.GetBytes(body, "code").String()
	}

	return &APIError{
		Kind:      kind,
		Status:    resp.StatusCode,
		Code:      code,
		Message:   message,
		Body:      body,
		RequestID: resp.Header.Get("X-Request-Id"),
	}
}

// wrapTransportError normalizes a failure that produced no response.
func wrapTransportError(err error, op string) *APIError {
	kind := ErrNetwork
	switch {
	case errors.Is(err, context.Canceled):
		kind = ErrCanceled
	case errors.Is(err, context.DeadlineExceeded):
		kind = ErrTimeout
	}
	return &APIError{
		Kind:    kind,
		Message: op + " failed",
		Err:     err,
	}
}

// NewStreamStatusError normalizes a non-success status on a stream connect.
func NewStreamStatusError(resp *http.Response, body []byte) *APIError {
	return newStatusError(resp, body)
}

// WrapStreamError normalizes a stream transport failure that produced no
// usable response.
func WrapStreamError(err error, op string) *APIError {
	return wrapTransportError(err, op)
}

// IsAuthFailure reports whether err is an authorization failure eligible for
// a refresh-and-replay cycle.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuth)
}
