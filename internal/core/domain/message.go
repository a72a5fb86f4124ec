// Package domain defines the tracked message model, response statistics,
// notification payloads and the error taxonomy shared by every layer.
package domain

import (
	"time"
)

// State is the lifecycle state of a tracked message.
type State string

const (
	StateOpen      State = "open"
	StateDeferred  State = "deferred"
	StateResponded State = "responded"
	StateMissed    State = "missed"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateOpen, StateDeferred, StateResponded, StateMissed:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateResponded || s == StateMissed
}

// Awaiting reports whether a message in s still waits for a reply.
func (s State) Awaiting() bool {
	return s == StateOpen || s == StateDeferred
}

// TrackedMessage is one inbound client message awaiting an employee reply.
//
// It is a plain value: copying it yields an independent snapshot. Zero
// timestamps mean "not set".
type TrackedMessage struct {
	ID               int64     `json:"id,string"`
	ExternalID       string    `json:"external_id"`
	ClientRef        string    `json:"client_ref"`
	EmployeeID       string    `json:"employee_id"`
	ArrivedAt        time.Time `json:"arrived_at"`
	State            State     `json:"state"`
	RespondedAt      time.Time `json:"responded_at,omitzero"`
	RespondedBy      string    `json:"responded_by,omitempty"`
	DeferredAt       time.Time `json:"deferred_at,omitzero"`
	MissedAt         time.Time `json:"missed_at,omitzero"`
	MissedNotifiedAt time.Time `json:"missed_notified_at,omitzero"`
	RemindersSent    int       `json:"reminders_sent"`
	Version          int64     `json:"version"`
}

// ResponseLatency returns RespondedAt - ArrivedAt for responded messages.
func (m TrackedMessage) ResponseLatency() (time.Duration, bool) {
	if m.State != StateResponded || m.RespondedAt.IsZero() {
		return 0, false
	}
	d := m.RespondedAt.Sub(m.ArrivedAt)
	if d < 0 {
		d = 0
	}
	return d, true
}

// NewMessage carries the fields required to start tracking a message.
type NewMessage struct {
	ExternalID string
	ClientRef  string
	EmployeeID string
	ArrivedAt  time.Time
}

// Validate checks that every identifying field is present.
func (n NewMessage) Validate() error {
	switch {
	case n.ExternalID == "":
		return InvalidRequest("external_id is required")
	case n.ClientRef == "":
		return InvalidRequest("client_ref is required")
	case n.EmployeeID == "":
		return InvalidRequest("employee_id is required")
	case n.ArrivedAt.IsZero():
		return InvalidRequest("arrived_at is required")
	}
	return nil
}

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Validate rejects unset or inverted windows. A zero-length window is valid
// and contains nothing.
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return InvalidRequest("window start and end are required")
	}
	if w.End.Before(w.Start) {
		return InvalidRequest("window end must not be before start")
	}
	return nil
}
