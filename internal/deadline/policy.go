package deadline

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tjfontaine/replywatch/internal/core/domain"
)

// Policy holds the escalation timing rules.
type Policy struct {
	// MissedThreshold is the time an open message may wait before escalation.
	MissedThreshold time.Duration
	// DeferredGracePeriod is the extra time granted after the first deadline.
	// Zero sends open messages straight to Missed.
	DeferredGracePeriod time.Duration
	// Reminders are warning offsets measured from the SLA start, each below
	// MissedThreshold.
	Reminders []time.Duration
	// WorkingHours, when set, delays the SLA start of messages that arrive
	// outside business hours.
	WorkingHours *WorkingHours
}

// DefaultPolicy is five minutes with no grace period.
func DefaultPolicy() Policy {
	return Policy{MissedThreshold: 5 * time.Minute}
}

// Validate checks the policy for impossible values.
func (p Policy) Validate() error {
	if p.MissedThreshold <= 0 {
		return errors.New("missed threshold must be positive")
	}
	if p.DeferredGracePeriod < 0 {
		return errors.New("deferred grace period must not be negative")
	}
	for _, r := range p.Reminders {
		if r <= 0 {
			return fmt.Errorf("reminder offset %s must be positive", r)
		}
		if r >= p.MissedThreshold {
			return fmt.Errorf("reminder offset %s must be below the missed threshold %s", r, p.MissedThreshold)
		}
	}
	if p.WorkingHours != nil {
		if err := p.WorkingHours.Validate(); err != nil {
			return fmt.Errorf("working hours: %w", err)
		}
	}
	return nil
}

// SLAStart returns the instant the response clock starts for a message
// arriving at arrivedAt.
func (p Policy) SLAStart(arrivedAt time.Time) time.Time {
	if p.WorkingHours == nil {
		return arrivedAt
	}
	return p.WorkingHours.NextOpen(arrivedAt)
}

// deferredWindow is how long a deferred message may wait before it is missed.
// Messages deferred by hand under a policy without a grace period get the
// full threshold again.
func (p Policy) deferredWindow() time.Duration {
	if p.DeferredGracePeriod > 0 {
		return p.DeferredGracePeriod
	}
	return p.MissedThreshold
}

// FirstDeadline is when an open message is first escalated.
func (p Policy) FirstDeadline(arrivedAt time.Time) time.Time {
	return p.SLAStart(arrivedAt).Add(p.MissedThreshold)
}

// MissedDeadline returns the earliest instant m may be marked missed.
func (p Policy) MissedDeadline(m domain.TrackedMessage) time.Time {
	if m.State == domain.StateDeferred && !m.DeferredAt.IsZero() {
		return m.DeferredAt.Add(p.deferredWindow())
	}
	return p.FirstDeadline(m.ArrivedAt)
}

// ReminderOffsets returns the reminder offsets in ascending order.
func (p Policy) ReminderOffsets() []time.Duration {
	out := append([]time.Duration(nil), p.Reminders...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// WorkingHours is a daily business window in a fixed location.
type WorkingHours struct {
	// Start and End are offsets from local midnight.
	Start    time.Duration
	End      time.Duration
	Location *time.Location
}

// ParseWorkingHours builds a window from "HH:MM" strings and an IANA zone.
func ParseWorkingHours(start, end, zone string) (*WorkingHours, error) {
	s, err := parseClock(start)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}
	loc := time.UTC
	if zone != "" {
		loc, err = time.LoadLocation(zone)
		if err != nil {
			return nil, fmt.Errorf("timezone: %w", err)
		}
	}
	w := &WorkingHours{Start: s, End: e, Location: loc}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Validate rejects empty and overnight windows.
func (w WorkingHours) Validate() error {
	if w.Start < 0 || w.End > 24*time.Hour || w.Start >= w.End {
		return fmt.Errorf("window %s-%s must be within one day and non-empty", w.Start, w.End)
	}
	return nil
}

// NextOpen returns t if it falls inside the window, else the next opening.
func (w WorkingHours) NextOpen(t time.Time) time.Time {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	y, m, d := lt.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)
	open := midnight.Add(w.Start)
	closing := midnight.Add(w.End)

	switch {
	case lt.Before(open):
		return open
	case lt.Before(closing):
		return t
	default:
		return time.Date(y, m, d+1, 0, 0, 0, 0, loc).Add(w.Start)
	}
}
