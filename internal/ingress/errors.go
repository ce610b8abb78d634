package ingress

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
)

// Code is the closed set of error kinds the Router ever returns to a
// caller. Handlers never write ad-hoc error strings; they construct a
// *Error with one of these codes and let writeError do the mapping.
type Code string

const (
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeBadRequest   Code = "bad_request"
	CodeConflict     Code = "conflict"
	CodeTimeout      Code = "timeout"
	CodeUnavailable  Code = "unavailable"
	CodeInternal     Code = "internal"
)

var statusByCode = map[Code]int{
	CodeUnauthorized: http.StatusUnauthorized,
	CodeForbidden:    http.StatusForbidden,
	CodeBadRequest:   http.StatusBadRequest,
	CodeConflict:     http.StatusConflict,
	CodeTimeout:      http.StatusGatewayTimeout,
	CodeUnavailable:  http.StatusServiceUnavailable,
	CodeInternal:     http.StatusInternalServerError,
}

// Error is the one error type Router handlers return. It carries enough
// to pick an HTTP status and a caller-safe body, and nothing more —
// internal causes never leave the process.
type Error struct {
	Code       Code
	Message    string // safe to show the caller; empty for unauthorized
	Field      string // set for bad_request field-level causes
	RetryAfter int    // seconds; set for unavailable
	cause      error  // logged, never serialized
}

func (e *Error) Error() string {
	if e.cause != nil {
		return string(e.Code) + ": " + e.cause.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Unauthorized yields a 401 with no detail about which credential check
// failed (spec.md §4.2's resolver never explains why it rejected).
func Unauthorized() *Error {
	return &Error{Code: CodeUnauthorized}
}

// Forbidden is for an authenticated identity whose scope doesn't match
// what the endpoint requires (e.g. a "tool" key on a web endpoint).
func Forbidden(message string) *Error {
	return &Error{Code: CodeForbidden, Message: message}
}

// BadRequest reports a schema violation or unknown kind, naming the
// offending field when there is one.
func BadRequest(field, message string) *Error {
	return &Error{Code: CodeBadRequest, Field: field, Message: message}
}

// Conflict reports a turn already in flight on the session.
func Conflict(message string) *Error {
	return &Error{Code: CodeConflict, Message: message}
}

// Timeout reports a deadline exceeded awaiting response.ready. Only
// meaningful on synchronous surfaces.
func Timeout(message string) *Error {
	return &Error{Code: CodeTimeout, Message: message}
}

// Unavailable reports a transient dependency failure, with an optional
// hint for how long the caller should wait before retrying.
func Unavailable(message string, retryAfterSeconds int) *Error {
	return &Error{Code: CodeUnavailable, Message: message, RetryAfter: retryAfterSeconds}
}

// Internal wraps an unexpected error. The cause is logged with a
// correlation id but never serialized to the caller.
func Internal(cause error) *Error {
	return &Error{Code: CodeInternal, cause: cause}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"`
}

// writeError maps an *Error (or any error, wrapped as internal) onto the
// HTTP response per the taxonomy in spec.md §7. No stack traces or
// internal identifiers cross the boundary.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ie, ok := err.(*Error)
	if !ok {
		ie = Internal(err)
	}

	status, known := statusByCode[ie.Code]
	if !known {
		status = http.StatusInternalServerError
	}

	if ie.Code == CodeInternal {
		corrID := correlationID(r)
		log.Error().Err(ie.cause).Str("correlation_id", corrID).Str("path", r.URL.Path).Msg("internal error")
	}

	if ie.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ie.RetryAfter))
	}

	body := errorBody{Error: string(ie.Code)}
	// unauthorized never discloses a message, per spec.md §4.2.
	if ie.Code != CodeUnauthorized && ie.Code != CodeInternal {
		body.Message = ie.Message
		body.Field = ie.Field
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func correlationID(r *http.Request) string {
	if v := r.Header.Get("X-Request-Id"); v != "" {
		return v
	}
	return "-"
}

