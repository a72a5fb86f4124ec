// Package ledger is the authoritative store of tracked messages and the only
// place their state changes.
//
// Every mutation of a message runs under that message's own lock, so
// transitions on one message are linearizable while unrelated messages
// proceed in parallel. Records are copy-on-write values: a transition builds
// the next version and swaps it in, and readers always receive copies.
// Persistence and observer callbacks run after the message lock is released.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/replywatch/internal/core/domain"
	"github.com/tjfontaine/replywatch/internal/core/lifecycle"
	"github.com/tjfontaine/replywatch/internal/core/ports"
)

// ChangeType names a committed ledger change.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeRestored ChangeType = "restored"
	// ChangeUnnotified announces, on restore, a missed message whose missed
	// notification was never claimed.
	ChangeUnnotified     ChangeType = "unnotified"
	ChangeResponded      ChangeType = "responded"
	ChangeDeferred       ChangeType = "deferred"
	ChangeMissed         ChangeType = "missed"
	ChangeReassigned     ChangeType = "reassigned"
	ChangeReminded       ChangeType = "reminded"
	ChangeMissedNotified ChangeType = "missed_notified"
)

// Change describes one committed mutation. Message is the record after the
// change and From the state before it.
type Change struct {
	Type    ChangeType
	From    domain.State
	Message domain.TrackedMessage
	At      time.Time
}

// Observer receives committed changes. Callbacks run synchronously on the
// goroutine that made the change, after the message lock is released, and
// must not block.
type Observer interface {
	OnChange(ctx context.Context, c Change)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, c Change)

func (f ObserverFunc) OnChange(ctx context.Context, c Change) { f(ctx, c) }

// DeadlineFunc returns the instant after which m may be marked missed.
type DeadlineFunc func(m domain.TrackedMessage) time.Time

// Option configures a Ledger.
type Option func(*Ledger)

// WithStore persists every committed version to store.
func WithStore(store ports.MessageStore) Option {
	return func(l *Ledger) { l.store = store }
}

// WithIDs overrides the id generator.
func WithIDs(ids IDGenerator) Option {
	return func(l *Ledger) { l.ids = ids }
}

// WithDeadlines makes MarkMissed reject calls made before the deadline.
func WithDeadlines(fn DeadlineFunc) Option {
	return func(l *Ledger) { l.deadline = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// errNoop signals that a mutation found nothing to do.
var errNoop = errors.New("noop")

type convKey struct {
	employeeID string
	clientRef  string
}

// Ledger owns every TrackedMessage.
type Ledger struct {
	store    ports.MessageStore
	ids      IDGenerator
	deadline DeadlineFunc
	logger   *slog.Logger
	locks    *keyedMutex

	mu         sync.RWMutex
	records    map[int64]domain.TrackedMessage
	byExternal map[string]int64
	awaiting   map[convKey]map[int64]struct{}
	// horizon is the earliest arrival time guaranteed to be held in memory.
	horizon time.Time

	obsMu     sync.RWMutex
	observers []Observer
}

// New creates a ledger. Without WithIDs it uses snowflake node 0.
func New(opts ...Option) (*Ledger, error) {
	l := &Ledger{
		logger:     slog.Default(),
		locks:      newKeyedMutex(),
		records:    make(map[int64]domain.TrackedMessage),
		byExternal: make(map[string]int64),
		awaiting:   make(map[convKey]map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.ids == nil {
		ids, err := NewSnowflakeIDs(0)
		if err != nil {
			return nil, err
		}
		l.ids = ids
	}
	return l, nil
}

// Subscribe registers an observer for committed changes.
func (l *Ledger) Subscribe(obs Observer) {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()
	l.observers = append(l.observers, obs)
}

// Create starts tracking a message in the Open state.
func (l *Ledger) Create(ctx context.Context, nm domain.NewMessage) (domain.TrackedMessage, error) {
	if err := nm.Validate(); err != nil {
		return domain.TrackedMessage{}, err
	}

	l.mu.RLock()
	existing, dup := l.byExternal[nm.ExternalID]
	l.mu.RUnlock()
	if dup {
		return domain.TrackedMessage{}, domain.DuplicateMessage(nm.ExternalID, existing)
	}

	if l.store != nil {
		stored, err := l.store.GetByExternalID(ctx, nm.ExternalID)
		switch {
		case err == nil:
			return domain.TrackedMessage{}, domain.DuplicateMessage(nm.ExternalID, stored.ID)
		case !errors.Is(err, domain.ErrNotFound):
			return domain.TrackedMessage{}, fmt.Errorf("failed to check external id: %w", err)
		}
	}

	msg := domain.TrackedMessage{
		ID:         l.ids.Next(),
		ExternalID: nm.ExternalID,
		ClientRef:  nm.ClientRef,
		EmployeeID: nm.EmployeeID,
		ArrivedAt:  nm.ArrivedAt,
		State:      domain.StateOpen,
		Version:    1,
	}

	l.mu.Lock()
	if existing, dup := l.byExternal[nm.ExternalID]; dup {
		l.mu.Unlock()
		return domain.TrackedMessage{}, domain.DuplicateMessage(nm.ExternalID, existing)
	}
	l.byExternal[msg.ExternalID] = msg.ID
	l.swapLocked(domain.TrackedMessage{}, msg)
	l.mu.Unlock()

	l.persist(ctx, msg)
	l.emit(ctx, Change{Type: ChangeCreated, Message: msg, At: msg.ArrivedAt})
	return msg, nil
}

// MarkResponded records the first reply to a message. It fails with
// ErrInvalidTransition when the message is already terminal, which is the
// expected outcome of a reply racing a deadline.
func (l *Ledger) MarkResponded(ctx context.Context, id int64, at time.Time) (domain.TrackedMessage, error) {
	msg, _, err := l.mutate(ctx, id, ChangeResponded, at, func(m *domain.TrackedMessage) error {
		g := lifecycle.CanRespond(lifecycle.RespondContext{
			MessageID: m.ID, State: m.State, ArrivedAt: m.ArrivedAt, RespondedAt: at,
		})
		if !g.Allowed {
			return domain.InvalidTransition(m.ID, m.State, domain.StateResponded, g.Reason)
		}
		m.State = domain.StateResponded
		m.RespondedAt = at
		m.RespondedBy = m.EmployeeID
		return nil
	})
	return msg, err
}

// MarkDeferred moves an open message to Deferred.
func (l *Ledger) MarkDeferred(ctx context.Context, id int64, at time.Time) (domain.TrackedMessage, error) {
	msg, _, err := l.mutate(ctx, id, ChangeDeferred, at, func(m *domain.TrackedMessage) error {
		g := lifecycle.CanDefer(lifecycle.DeferContext{MessageID: m.ID, State: m.State})
		if !g.Allowed {
			return domain.InvalidTransition(m.ID, m.State, domain.StateDeferred, g.Reason)
		}
		m.State = domain.StateDeferred
		m.DeferredAt = at
		return nil
	})
	return msg, err
}

// MarkMissed moves an open or deferred message to Missed once its deadline
// has elapsed. It is a no-op returning committed=false when the message is
// already missed. A premature call fails with ErrInvalidTransition wrapping
// lifecycle.ErrDeadlineNotReached.
func (l *Ledger) MarkMissed(ctx context.Context, id int64, at time.Time) (domain.TrackedMessage, bool, error) {
	return l.markMissed(ctx, id, at, l.deadline)
}

// MarkMissedBy is MarkMissed against a deadline the caller fixed earlier,
// typically when the timer that triggers it was armed.
func (l *Ledger) MarkMissedBy(ctx context.Context, id int64, deadline, at time.Time) (domain.TrackedMessage, bool, error) {
	return l.markMissed(ctx, id, at, func(domain.TrackedMessage) time.Time { return deadline })
}

func (l *Ledger) markMissed(ctx context.Context, id int64, at time.Time, deadlineFn DeadlineFunc) (domain.TrackedMessage, bool, error) {
	return l.mutate(ctx, id, ChangeMissed, at, func(m *domain.TrackedMessage) error {
		if m.State == domain.StateMissed {
			return errNoop
		}
		var deadline time.Time
		if deadlineFn != nil && m.State.Awaiting() {
			deadline = deadlineFn(*m)
		}
		g := lifecycle.CanMarkMissed(lifecycle.MissContext{
			MessageID: m.ID, State: m.State, Deadline: deadline, At: at,
		})
		if !g.Allowed {
			return domain.InvalidTransition(m.ID, m.State, domain.StateMissed, g.Reason).WithCause(g.Cause)
		}
		m.State = domain.StateMissed
		m.MissedAt = at
		return nil
	})
}

// ClaimMissedNotification stamps MissedNotifiedAt on a missed message. Only
// the first claim succeeds, which makes the missed notification at-most-once.
func (l *Ledger) ClaimMissedNotification(ctx context.Context, id int64, at time.Time) (domain.TrackedMessage, bool, error) {
	return l.mutate(ctx, id, ChangeMissedNotified, at, func(m *domain.TrackedMessage) error {
		g := lifecycle.CanNotifyMissed(lifecycle.NotifyMissedContext{
			State: m.State, MissedNotifiedAt: m.MissedNotifiedAt,
		})
		if !g.Allowed {
			return errNoop
		}
		m.MissedNotifiedAt = at
		return nil
	})
}

// RecordReminder marks reminder stage (1-based) as sent. It reports false
// when the stage was already sent or the message is no longer open.
func (l *Ledger) RecordReminder(ctx context.Context, id int64, stage int, at time.Time) (domain.TrackedMessage, bool, error) {
	return l.mutate(ctx, id, ChangeReminded, at, func(m *domain.TrackedMessage) error {
		g := lifecycle.CanRemind(lifecycle.ReminderContext{
			State: m.State, RemindersSent: m.RemindersSent, Stage: stage,
		})
		if !g.Allowed {
			return errNoop
		}
		m.RemindersSent = stage
		return nil
	})
}

// Reassign hands an awaiting message to another employee. The deadline is
// unchanged; later notifications go to the new employee.
func (l *Ledger) Reassign(ctx context.Context, id int64, employeeID string, at time.Time) (domain.TrackedMessage, error) {
	if employeeID == "" {
		return domain.TrackedMessage{}, domain.InvalidRequest("employee_id is required")
	}
	msg, _, err := l.mutate(ctx, id, ChangeReassigned, at, func(m *domain.TrackedMessage) error {
		g := lifecycle.CanReassign(lifecycle.ReassignContext{
			MessageID: m.ID, State: m.State, EmployeeID: employeeID,
		})
		if !g.Allowed {
			return domain.InvalidTransition(m.ID, m.State, m.State, g.Reason)
		}
		if m.EmployeeID == employeeID {
			return errNoop
		}
		m.EmployeeID = employeeID
		return nil
	})
	return msg, err
}

// mutate applies fn to a copy of the record under the record's lock and
// swaps the result in. fn returning errNoop leaves the record untouched.
func (l *Ledger) mutate(ctx context.Context, id int64, ct ChangeType, at time.Time, fn func(m *domain.TrackedMessage) error) (domain.TrackedMessage, bool, error) {
	unlock := l.locks.Lock(id)

	l.mu.RLock()
	cur, ok := l.records[id]
	l.mu.RUnlock()
	if !ok {
		var err error
		cur, err = l.load(ctx, id)
		if err != nil {
			unlock()
			return domain.TrackedMessage{}, false, err
		}
	}

	next := cur
	if err := fn(&next); err != nil {
		unlock()
		if errors.Is(err, errNoop) {
			return cur, false, nil
		}
		return cur, false, err
	}
	next.Version = cur.Version + 1

	prev := cur
	l.mu.Lock()
	if _, held := l.records[id]; !held {
		l.byExternal[cur.ExternalID] = id
		prev = domain.TrackedMessage{}
	}
	l.swapLocked(prev, next)
	l.mu.Unlock()
	unlock()

	l.persist(ctx, next)
	l.emit(ctx, Change{Type: ct, From: cur.State, Message: next, At: at})
	return next, true, nil
}

// load reads an evicted record back from the store.
func (l *Ledger) load(ctx context.Context, id int64) (domain.TrackedMessage, error) {
	if l.store == nil {
		return domain.TrackedMessage{}, domain.NotFound(id)
	}
	m, err := l.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.TrackedMessage{}, domain.NotFound(id)
		}
		return domain.TrackedMessage{}, fmt.Errorf("failed to load message %d: %w", id, err)
	}
	return m, nil
}

// swapLocked replaces prev with next and maintains the awaiting index.
// l.mu must be held for writing.
func (l *Ledger) swapLocked(prev, next domain.TrackedMessage) {
	if prev.ID != 0 && prev.State.Awaiting() {
		k := convKey{prev.EmployeeID, prev.ClientRef}
		if set, ok := l.awaiting[k]; ok {
			delete(set, prev.ID)
			if len(set) == 0 {
				delete(l.awaiting, k)
			}
		}
	}
	if next.State.Awaiting() {
		k := convKey{next.EmployeeID, next.ClientRef}
		set, ok := l.awaiting[k]
		if !ok {
			set = make(map[int64]struct{})
			l.awaiting[k] = set
		}
		set[next.ID] = struct{}{}
	}
	l.records[next.ID] = next
}

func (l *Ledger) persist(ctx context.Context, m domain.TrackedMessage) {
	if l.store == nil {
		return
	}
	if err := l.store.Save(context.WithoutCancel(ctx), m); err != nil {
		l.logger.Error("failed to persist message",
			slog.Int64("message_id", m.ID),
			slog.Int64("version", m.Version),
			slog.String("state", string(m.State)),
			slog.String("error", err.Error()))
	}
}

func (l *Ledger) emit(ctx context.Context, c Change) {
	l.obsMu.RLock()
	observers := l.observers
	l.obsMu.RUnlock()

	for _, obs := range observers {
		obs.OnChange(ctx, c)
	}
}

// sortMessages orders by arrival time, then id.
func sortMessages(ms []domain.TrackedMessage) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].ArrivedAt.Equal(ms[j].ArrivedAt) {
			return ms[i].ID < ms[j].ID
		}
		return ms[i].ArrivedAt.Before(ms[j].ArrivedAt)
	})
}
