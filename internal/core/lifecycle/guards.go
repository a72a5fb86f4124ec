// Package lifecycle contains the tracked message state machine.
// Guards are pure functions that evaluate preconditions without side effects.
//
//	Open ──respond──▶ Responded
//	Open ──defer────▶ Deferred ──respond──▶ Responded
//	Open ──miss─────▶ Missed
//	Deferred ──miss─▶ Missed
//
// Responded and Missed are terminal.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/tjfontaine/replywatch/internal/core/domain"
)

// ErrDeadlineNotReached is the cause attached when a miss is attempted before
// the message's deadline.
var ErrDeadlineNotReached = errors.New("deadline not reached")

// GuardResult represents the outcome of a guard evaluation.
type GuardResult struct {
	Allowed bool
	Reason  string

	// Cause optionally classifies a rejection.
	Cause error
}

// Error converts the guard result to an error if not allowed.
func (r GuardResult) Error() error {
	if r.Allowed {
		return nil
	}
	return fmt.Errorf("%s", r.Reason)
}

func allow() GuardResult { return GuardResult{Allowed: true} }

func deny(format string, args ...any) GuardResult {
	return GuardResult{Reason: fmt.Sprintf(format, args...)}
}

// RespondContext provides context for the respond guard.
type RespondContext struct {
	MessageID   int64
	State       domain.State
	ArrivedAt   time.Time
	RespondedAt time.Time
}

// CanRespond evaluates whether a message can be marked responded.
// Rules:
// - State must be open or deferred
// - The reply must not precede the message
func CanRespond(ctx RespondContext) GuardResult {
	if !ctx.State.Awaiting() {
		return deny("message %d is already %s", ctx.MessageID, ctx.State)
	}
	if ctx.RespondedAt.Before(ctx.ArrivedAt) {
		return deny("reply at %s precedes arrival at %s",
			ctx.RespondedAt.Format(time.RFC3339), ctx.ArrivedAt.Format(time.RFC3339))
	}
	return allow()
}

// DeferContext provides context for the defer guard.
type DeferContext struct {
	MessageID int64
	State     domain.State
}

// CanDefer evaluates whether a message can be deferred.
// Rules:
// - State must be open
func CanDefer(ctx DeferContext) GuardResult {
	if ctx.State != domain.StateOpen {
		return deny("can only defer open messages (message %d is %s)", ctx.MessageID, ctx.State)
	}
	return allow()
}

// MissContext provides context for the miss guard.
type MissContext struct {
	MessageID int64
	State     domain.State
	Deadline  time.Time
	At        time.Time
}

// CanMarkMissed evaluates whether a message can be marked missed.
// Rules:
// - State must be open or deferred
// - The deadline, when known, must have elapsed at At
func CanMarkMissed(ctx MissContext) GuardResult {
	if !ctx.State.Awaiting() {
		return deny("message %d is already %s", ctx.MessageID, ctx.State)
	}
	if !ctx.Deadline.IsZero() && ctx.At.Before(ctx.Deadline) {
		r := deny("deadline %s not reached at %s",
			ctx.Deadline.Format(time.RFC3339), ctx.At.Format(time.RFC3339))
		r.Cause = ErrDeadlineNotReached
		return r
	}
	return allow()
}

// ReassignContext provides context for the reassign guard.
type ReassignContext struct {
	MessageID  int64
	State      domain.State
	EmployeeID string
}

// CanReassign evaluates whether a message can move to another employee.
// Rules:
// - State must be open or deferred
// - The new employee must be named
func CanReassign(ctx ReassignContext) GuardResult {
	if ctx.EmployeeID == "" {
		return deny("employee id is required")
	}
	if !ctx.State.Awaiting() {
		return deny("cannot reassign %s message %d", ctx.State, ctx.MessageID)
	}
	return allow()
}

// ReminderContext provides context for the reminder guard.
type ReminderContext struct {
	State         domain.State
	RemindersSent int
	Stage         int
}

// CanRemind evaluates whether a reminder stage may be sent.
// Rules:
// - State must be open
// - Each stage is sent at most once, in order
func CanRemind(ctx ReminderContext) GuardResult {
	if ctx.State != domain.StateOpen {
		return deny("reminders only apply to open messages (state: %s)", ctx.State)
	}
	if ctx.Stage <= ctx.RemindersSent {
		return deny("reminder stage %d already sent", ctx.Stage)
	}
	return allow()
}

// NotifyMissedContext provides context for the missed notification claim.
type NotifyMissedContext struct {
	State            domain.State
	MissedNotifiedAt time.Time
}

// CanNotifyMissed evaluates whether a missed notification may be sent.
// Rules:
// - State must be missed
// - At most one notification per message
func CanNotifyMissed(ctx NotifyMissedContext) GuardResult {
	if ctx.State != domain.StateMissed {
		return deny("message is %s, not missed", ctx.State)
	}
	if !ctx.MissedNotifiedAt.IsZero() {
		return deny("missed notification already sent at %s", ctx.MissedNotifiedAt.Format(time.RFC3339))
	}
	return allow()
}
