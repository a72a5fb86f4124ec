package domain

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind categorizes a tracking error.
type ErrorKind string

const (
	// ErrorKindNotFound indicates an unknown message identifier.
	ErrorKindNotFound ErrorKind = "not_found"

	// ErrorKindDuplicateMessage indicates an external id that is already tracked.
	ErrorKindDuplicateMessage ErrorKind = "duplicate_message"

	// ErrorKindInvalidTransition indicates a state change the lifecycle forbids.
	ErrorKindInvalidTransition ErrorKind = "invalid_transition"

	// ErrorKindEmptyWindow indicates a statistics window with no messages.
	ErrorKindEmptyWindow ErrorKind = "empty_window"

	// ErrorKindInvalidRequest indicates malformed input.
	ErrorKindInvalidRequest ErrorKind = "invalid_request"
)

// Sentinels for errors.Is matching. Any TrackingError matches the sentinel
// of its kind.
var (
	ErrNotFound          = &TrackingError{Kind: ErrorKindNotFound}
	ErrDuplicateMessage  = &TrackingError{Kind: ErrorKindDuplicateMessage}
	ErrInvalidTransition = &TrackingError{Kind: ErrorKindInvalidTransition}
	ErrEmptyWindow       = &TrackingError{Kind: ErrorKindEmptyWindow}
	ErrInvalidRequest    = &TrackingError{Kind: ErrorKindInvalidRequest}
)

// TrackingError is the error type returned by the ledger, matcher and
// aggregator. Expected races such as a reply losing to a deadline surface as
// ErrorKindInvalidTransition and are not faults.
type TrackingError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	MessageID  int64     `json:"message_id,omitempty,string"`
	ExternalID string    `json:"external_id,omitempty"`
	From       State     `json:"from,omitempty"`
	To         State     `json:"to,omitempty"`

	// Err is an optional underlying cause.
	Err error `json:"-"`
}

func (e *TrackingError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.From != "" || e.To != "" {
		fmt.Fprintf(&b, " (%s -> %s)", e.From, e.To)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Is matches any TrackingError of the same kind.
func (e *TrackingError) Is(target error) bool {
	t, ok := target.(*TrackingError)
	return ok && t.Kind == e.Kind
}

func (e *TrackingError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode maps the error kind to an HTTP status.
func (e *TrackingError) HTTPStatusCode() int {
	switch e.Kind {
	case ErrorKindNotFound:
		return http.StatusNotFound
	case ErrorKindDuplicateMessage, ErrorKindInvalidTransition:
		return http.StatusConflict
	case ErrorKindEmptyWindow:
		return http.StatusUnprocessableEntity
	case ErrorKindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WithCause attaches an underlying cause.
func (e *TrackingError) WithCause(err error) *TrackingError {
	e.Err = err
	return e
}

// NotFound creates an error for an unknown message id.
func NotFound(id int64) *TrackingError {
	return &TrackingError{
		Kind:      ErrorKindNotFound,
		Message:   fmt.Sprintf("message %d not found", id),
		MessageID: id,
	}
}

// DuplicateMessage creates an error for an external id that is already tracked.
func DuplicateMessage(externalID string, existing int64) *TrackingError {
	return &TrackingError{
		Kind:       ErrorKindDuplicateMessage,
		Message:    fmt.Sprintf("external id %q already tracked as message %d", externalID, existing),
		MessageID:  existing,
		ExternalID: externalID,
	}
}

// InvalidTransition creates an error for a forbidden state change.
func InvalidTransition(id int64, from, to State, reason string) *TrackingError {
	return &TrackingError{
		Kind:      ErrorKindInvalidTransition,
		Message:   reason,
		MessageID: id,
		From:      from,
		To:        to,
	}
}

// EmptyWindow creates an error for a statistics query that matched nothing.
func EmptyWindow(employeeID string, w Window) *TrackingError {
	return &TrackingError{
		Kind: ErrorKindEmptyWindow,
		Message: fmt.Sprintf("no messages for %s in [%s, %s)", employeeID,
			w.Start.Format("2006-01-02T15:04:05Z07:00"), w.End.Format("2006-01-02T15:04:05Z07:00")),
	}
}

// InvalidRequest creates an error for malformed input.
func InvalidRequest(message string) *TrackingError {
	return &TrackingError{Kind: ErrorKindInvalidRequest, Message: message}
}
