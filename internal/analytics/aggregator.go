// Package analytics derives response statistics from ledger snapshots. It
// never mutates messages and tolerates reading while transitions commit.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tjfontaine/replywatch/internal/core/domain"
)

// Source supplies message snapshots.
type Source interface {
	QueryWindow(ctx context.Context, w domain.Window) ([]domain.TrackedMessage, error)
	QueryByEmployee(ctx context.Context, employeeID string, w domain.Window) ([]domain.TrackedMessage, error)
}

// DefaultExceededThresholds are the latency buckets reported per employee.
var DefaultExceededThresholds = []time.Duration{15 * time.Minute, 30 * time.Minute, 60 * time.Minute}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithRequireNonEmpty makes single-employee and fleet queries fail with
// ErrEmptyWindow when no message arrived in the window.
func WithRequireNonEmpty(on bool) Option {
	return func(a *Aggregator) { a.requireNonEmpty = on }
}

// WithExceededThresholds sets the latency thresholds counted in stats.
func WithExceededThresholds(ts []time.Duration) Option {
	return func(a *Aggregator) {
		a.thresholds = append([]time.Duration(nil), ts...)
		sort.Slice(a.thresholds, func(i, j int) bool { return a.thresholds[i] < a.thresholds[j] })
	}
}

// Aggregator computes statistics on demand.
type Aggregator struct {
	src             Source
	requireNonEmpty bool
	thresholds      []time.Duration
}

func New(src Source, opts ...Option) *Aggregator {
	a := &Aggregator{src: src, thresholds: DefaultExceededThresholds}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// InProgress is total minus responded and missed, floored at zero so that
// counts read across concurrent transitions never go negative.
func InProgress(total, responded, missed int) int {
	if n := total - responded - missed; n > 0 {
		return n
	}
	return 0
}

// tally accumulates counts over a set of messages.
type tally struct {
	total, responded, missed, deferred int
	latencySum                         time.Duration
	clients                            map[string]struct{}
	exceeded                           []int
}

func newTally(thresholds int) *tally {
	return &tally{clients: make(map[string]struct{}), exceeded: make([]int, thresholds)}
}

func (t *tally) add(m domain.TrackedMessage, thresholds []time.Duration) {
	t.total++
	t.clients[m.ClientRef] = struct{}{}
	switch m.State {
	case domain.StateResponded:
		t.responded++
		if d, ok := m.ResponseLatency(); ok {
			t.latencySum += d
			for i, th := range thresholds {
				if d > th {
					t.exceeded[i]++
				}
			}
		}
	case domain.StateMissed:
		t.missed++
	case domain.StateDeferred:
		t.deferred++
	}
}

func (t *tally) average() (time.Duration, bool) {
	if t.responded == 0 {
		return 0, false
	}
	return t.latencySum / time.Duration(t.responded), true
}

func (a *Aggregator) employeeStats(employeeID string, w domain.Window, t *tally) domain.EmployeeResponseStats {
	avg, ok := t.average()
	s := domain.EmployeeResponseStats{
		EmployeeID:     employeeID,
		Window:         w,
		Total:          t.total,
		Responded:      t.responded,
		Missed:         t.missed,
		InProgress:     InProgress(t.total, t.responded, t.missed),
		DeferredCount:  t.deferred,
		UniqueClients:  len(t.clients),
		AverageLatency: avg,
		HasLatency:     ok,
	}
	if t.total > 0 {
		s.ResponseRate = float64(t.responded) * 100 / float64(t.total)
	}
	for i, th := range a.thresholds {
		s.ExceededCounts = append(s.ExceededCounts, domain.ThresholdCount{Threshold: th, Count: t.exceeded[i]})
	}
	return s
}

// ComputeStats summarizes one employee's messages that arrived in [start, end).
func (a *Aggregator) ComputeStats(ctx context.Context, employeeID string, start, end time.Time) (domain.EmployeeResponseStats, error) {
	w := domain.Window{Start: start, End: end}
	if err := w.Validate(); err != nil {
		return domain.EmployeeResponseStats{}, err
	}
	if employeeID == "" {
		return domain.EmployeeResponseStats{}, domain.InvalidRequest("employee_id is required")
	}

	msgs, err := a.src.QueryByEmployee(ctx, employeeID, w)
	if err != nil {
		return domain.EmployeeResponseStats{}, fmt.Errorf("failed to query messages: %w", err)
	}
	if len(msgs) == 0 && a.requireNonEmpty {
		return domain.EmployeeResponseStats{}, domain.EmptyWindow(employeeID, w)
	}

	t := newTally(len(a.thresholds))
	for _, m := range msgs {
		t.add(m, a.thresholds)
	}
	return a.employeeStats(employeeID, w, t), nil
}

// ComputeAllStats summarizes several employees with one window scan. A nil
// employeeIDs reports every employee with messages in the window. Employees
// without messages get zeroed stats; the non-empty policy does not apply.
func (a *Aggregator) ComputeAllStats(ctx context.Context, employeeIDs []string, start, end time.Time) ([]domain.EmployeeResponseStats, error) {
	w := domain.Window{Start: start, End: end}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	msgs, err := a.src.QueryWindow(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	tallies := make(map[string]*tally)
	for _, m := range msgs {
		t, ok := tallies[m.EmployeeID]
		if !ok {
			t = newTally(len(a.thresholds))
			tallies[m.EmployeeID] = t
		}
		t.add(m, a.thresholds)
	}

	ids := employeeIDs
	if ids == nil {
		for id := range tallies {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	out := make([]domain.EmployeeResponseStats, 0, len(ids))
	for _, id := range ids {
		t, ok := tallies[id]
		if !ok {
			t = newTally(len(a.thresholds))
		}
		out = append(out, a.employeeStats(id, w, t))
	}
	return out, nil
}

// ComputeFleetSummary summarizes every message that arrived in [start, end).
func (a *Aggregator) ComputeFleetSummary(ctx context.Context, start, end time.Time) (domain.FleetSummary, error) {
	w := domain.Window{Start: start, End: end}
	if err := w.Validate(); err != nil {
		return domain.FleetSummary{}, err
	}

	msgs, err := a.src.QueryWindow(ctx, w)
	if err != nil {
		return domain.FleetSummary{}, fmt.Errorf("failed to query messages: %w", err)
	}
	if len(msgs) == 0 && a.requireNonEmpty {
		return domain.FleetSummary{}, domain.EmptyWindow("fleet", w)
	}

	t := newTally(0)
	employees := make(map[string]struct{})
	for _, m := range msgs {
		t.add(m, nil)
		employees[m.EmployeeID] = struct{}{}
	}
	avg, ok := t.average()
	return domain.FleetSummary{
		Window:         w,
		Total:          t.total,
		Responded:      t.responded,
		Missed:         t.missed,
		InProgress:     InProgress(t.total, t.responded, t.missed),
		DeferredCount:  t.deferred,
		UniqueClients:  len(t.clients),
		Employees:      len(employees),
		AverageLatency: avg,
		HasLatency:     ok,
	}, nil
}
