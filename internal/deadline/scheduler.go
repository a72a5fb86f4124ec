// Package deadline arms per-message timers and escalates messages that are
// not answered in time.
//
// Timers never mutate state directly. A firing timer asks the ledger to
// perform a compare-and-act transition, so a callback that lost a race with
// a reply, a cancel or a re-arm finds nothing to do.
package deadline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/replywatch/internal/clock"
	"github.com/tjfontaine/replywatch/internal/core/domain"
	"github.com/tjfontaine/replywatch/internal/core/lifecycle"
	"github.com/tjfontaine/replywatch/internal/ledger"
	"github.com/tjfontaine/replywatch/internal/notify"
)

// Ledger is the subset of the message ledger the scheduler drives.
type Ledger interface {
	Get(ctx context.Context, id int64) (domain.TrackedMessage, error)
	MarkDeferred(ctx context.Context, id int64, at time.Time) (domain.TrackedMessage, error)
	MarkMissedBy(ctx context.Context, id int64, deadline, at time.Time) (domain.TrackedMessage, bool, error)
	ClaimMissedNotification(ctx context.Context, id int64, at time.Time) (domain.TrackedMessage, bool, error)
	RecordReminder(ctx context.Context, id int64, stage int, at time.Time) (domain.TrackedMessage, bool, error)
}

// Scheduler arms deadline and reminder timers for awaiting messages.
type Scheduler struct {
	clock  clock.Clock
	ledger Ledger
	queue  *notify.Queue
	logger *slog.Logger
	policy atomic.Pointer[Policy]

	mu      sync.Mutex
	armed   map[int64]*armedTimers
	gen     uint64
	stopped bool
}

// armedTimers are the live timers of one message. Every timer armed together
// shares a generation; a callback whose generation is no longer current was
// cancelled or superseded.
type armedTimers struct {
	gen    uint64
	timers []clock.Timer
}

var _ ledger.Observer = (*Scheduler)(nil)

// New creates a scheduler. Subscribe it to the ledger so it arms and cancels
// timers as messages change.
func New(clk clock.Clock, l Ledger, queue *notify.Queue, policy Policy, logger *slog.Logger) (*Scheduler, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		clock:  clk,
		ledger: l,
		queue:  queue,
		logger: logger,
		armed:  make(map[int64]*armedTimers),
	}
	s.policy.Store(&policy)
	return s, nil
}

// Policy returns the active policy.
func (s *Scheduler) Policy() Policy {
	return *s.policy.Load()
}

// SetPolicy swaps the policy. Timers armed afterwards use it; already armed
// timers keep the deadline and grace period they were armed with.
func (s *Scheduler) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.policy.Store(&p)
	s.logger.Info("escalation policy updated",
		slog.Duration("missed_threshold", p.MissedThreshold),
		slog.Duration("deferred_grace_period", p.DeferredGracePeriod),
		slog.Int("reminders", len(p.ReminderOffsets())))
	return nil
}

// MissedDeadline reports when m may be marked missed under the active policy.
func (s *Scheduler) MissedDeadline(m domain.TrackedMessage) time.Time {
	return s.Policy().MissedDeadline(m)
}

// OnChange keeps timers in step with the ledger.
func (s *Scheduler) OnChange(ctx context.Context, c ledger.Change) {
	m := c.Message
	switch c.Type {
	case ledger.ChangeCreated, ledger.ChangeRestored:
		switch m.State {
		case domain.StateOpen:
			s.Arm(m.ID, m.ArrivedAt)
		case domain.StateDeferred:
			s.armDeferred(m)
		}
	case ledger.ChangeDeferred:
		s.armDeferred(m)
	case ledger.ChangeResponded, ledger.ChangeMissed:
		s.Cancel(m.ID)
	case ledger.ChangeUnnotified:
		s.notifyMissed(ctx, m.ID, s.clock.Now())
	}
}

// plan is the schedule of one message, fixed when it is armed. Later policy
// changes do not touch it.
type plan struct {
	deadline  time.Time
	grace     time.Duration
	reminders []reminder
}

type reminder struct {
	at    time.Time
	stage int
}

// Arm schedules the first deadline and the reminders of an open message.
// Re-arming replaces any earlier timers for id.
func (s *Scheduler) Arm(id int64, arrivedAt time.Time) {
	p := s.Policy()
	start := p.SLAStart(arrivedAt)
	now := s.clock.Now()

	pl := plan{deadline: start.Add(p.MissedThreshold), grace: p.DeferredGracePeriod}
	for i, off := range p.ReminderOffsets() {
		if at := start.Add(off); at.After(now) {
			pl.reminders = append(pl.reminders, reminder{at: at, stage: i + 1})
		}
	}
	s.arm(id, now, pl)
}

func (s *Scheduler) armDeferred(m domain.TrackedMessage) {
	p := s.Policy()
	s.arm(m.ID, s.clock.Now(), plan{deadline: p.MissedDeadline(m), grace: p.DeferredGracePeriod})
}

func (s *Scheduler) arm(id int64, now time.Time, pl plan) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	// A terminal change committed before this point has already run Cancel,
	// so arming now would leave timers nothing will clear.
	if m, err := s.ledger.Get(context.Background(), id); err == nil && !m.State.Awaiting() {
		return
	}
	if prev, ok := s.armed[id]; ok {
		prev.stop()
	}

	s.gen++
	gen := s.gen
	entry := &armedTimers{gen: gen}
	entry.timers = append(entry.timers, s.clock.AfterFunc(delayUntil(now, pl.deadline), func() {
		s.onDeadline(id, gen, pl)
	}))
	for _, r := range pl.reminders {
		stage := r.stage
		entry.timers = append(entry.timers, s.clock.AfterFunc(delayUntil(now, r.at), func() {
			s.onReminder(id, gen, stage)
		}))
	}
	s.armed[id] = entry
}

func delayUntil(now, at time.Time) time.Duration {
	if d := at.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Cancel stops every pending timer for id. It is idempotent.
func (s *Scheduler) Cancel(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.armed[id]; ok {
		prev.stop()
		delete(s.armed, id)
	}
}

// Armed returns the number of messages with live timers.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.armed)
}

// Stop cancels every timer and ignores later arming.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for id, entry := range s.armed {
		entry.stop()
		delete(s.armed, id)
	}
}

func (a *armedTimers) stop() {
	for _, t := range a.timers {
		t.Stop()
	}
}

func (s *Scheduler) current(id int64, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.armed[id]
	return ok && entry.gen == gen
}

func (s *Scheduler) forget(id int64, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.armed[id]; ok && entry.gen == gen {
		delete(s.armed, id)
	}
}

func (s *Scheduler) onDeadline(id int64, gen uint64, pl plan) {
	if !s.current(id, gen) {
		return
	}
	ctx := context.Background()
	now := s.clock.Now()

	msg, err := s.ledger.Get(ctx, id)
	if err != nil {
		s.forget(id, gen)
		s.logger.Warn("deadline fired for unreadable message",
			slog.Int64("message_id", id),
			slog.String("error", err.Error()))
		return
	}

	switch msg.State {
	case domain.StateOpen:
		if pl.grace > 0 {
			s.deferMessage(ctx, id, now)
			return
		}
		s.miss(ctx, id, now, pl)
	case domain.StateDeferred:
		s.miss(ctx, id, now, pl)
	default:
		s.forget(id, gen)
	}
}

// deferMessage grants the grace period. The ledger's deferred change re-arms
// the deadline through OnChange.
func (s *Scheduler) deferMessage(ctx context.Context, id int64, now time.Time) {
	_, err := s.ledger.MarkDeferred(ctx, id, now)
	switch {
	case err == nil:
		s.logger.Debug("message deferred", slog.Int64("message_id", id))
	case errors.Is(err, domain.ErrInvalidTransition):
		s.logger.Debug("deferral lost race", slog.Int64("message_id", id), slog.String("error", err.Error()))
	default:
		s.logger.Error("failed to defer message", slog.Int64("message_id", id), slog.String("error", err.Error()))
	}
}

func (s *Scheduler) miss(ctx context.Context, id int64, now time.Time, pl plan) {
	_, _, err := s.ledger.MarkMissedBy(ctx, id, pl.deadline, now)
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrDeadlineNotReached):
			// The timer ran ahead of the clock; try again when due.
			s.arm(id, now, plan{deadline: pl.deadline, grace: pl.grace})
		case errors.Is(err, domain.ErrInvalidTransition):
			s.logger.Debug("deadline lost race", slog.Int64("message_id", id), slog.String("error", err.Error()))
		default:
			s.logger.Error("failed to mark message missed", slog.Int64("message_id", id), slog.String("error", err.Error()))
		}
		return
	}

	s.notifyMissed(ctx, id, now)
}

// notifyMissed claims and enqueues the missed notification of id. Only the
// first claim enqueues.
func (s *Scheduler) notifyMissed(ctx context.Context, id int64, now time.Time) {
	msg, claimed, err := s.ledger.ClaimMissedNotification(ctx, id, now)
	if err != nil {
		s.logger.Error("failed to claim missed notification", slog.Int64("message_id", id), slog.String("error", err.Error()))
		return
	}
	if !claimed {
		return
	}

	s.logger.Info("message missed",
		slog.Int64("message_id", id),
		slog.String("employee_id", msg.EmployeeID),
		slog.String("client_ref", msg.ClientRef),
		slog.Duration("elapsed", now.Sub(msg.ArrivedAt)))
	s.enqueue(domain.Notification{
		ID:          uuid.NewString(),
		Kind:        domain.NotificationMissed,
		EmployeeID:  msg.EmployeeID,
		MessageID:   msg.ID,
		ClientRef:   msg.ClientRef,
		ArrivedAt:   msg.ArrivedAt,
		Elapsed:     now.Sub(msg.ArrivedAt),
		RequestedAt: now,
	})
}

func (s *Scheduler) onReminder(id int64, gen uint64, stage int) {
	if !s.current(id, gen) {
		return
	}
	ctx := context.Background()
	now := s.clock.Now()

	msg, ok, err := s.ledger.RecordReminder(ctx, id, stage, now)
	if err != nil {
		s.logger.Warn("failed to record reminder",
			slog.Int64("message_id", id),
			slog.Int("stage", stage),
			slog.String("error", err.Error()))
		return
	}
	if !ok {
		return
	}

	s.enqueue(domain.Notification{
		ID:          uuid.NewString(),
		Kind:        domain.NotificationReminder,
		EmployeeID:  msg.EmployeeID,
		MessageID:   msg.ID,
		ClientRef:   msg.ClientRef,
		ArrivedAt:   msg.ArrivedAt,
		Elapsed:     now.Sub(msg.ArrivedAt),
		Stage:       stage,
		RequestedAt: now,
	})
}

func (s *Scheduler) enqueue(n domain.Notification) {
	if !s.queue.Enqueue(n) {
		s.logger.Warn("notification dropped",
			slog.String("kind", string(n.Kind)),
			slog.String("employee_id", n.EmployeeID),
			slog.Int64("message_id", n.MessageID))
	}
}
