// Package tracker wires the message ledger, response matcher, deadline
// scheduler, analytics aggregator and notification dispatch into one engine.
//
// A Tracker is the single entry point used by the HTTP API, the AMQP
// consumer and the exporter. Every operation takes its "now" from the
// injected clock, so a clock.Virtual makes the whole engine deterministic.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjfontaine/replywatch/internal/analytics"
	"github.com/tjfontaine/replywatch/internal/clock"
	"github.com/tjfontaine/replywatch/internal/core/domain"
	"github.com/tjfontaine/replywatch/internal/core/ports"
	"github.com/tjfontaine/replywatch/internal/deadline"
	"github.com/tjfontaine/replywatch/internal/ledger"
	"github.com/tjfontaine/replywatch/internal/logging"
	"github.com/tjfontaine/replywatch/internal/matcher"
	"github.com/tjfontaine/replywatch/internal/metrics"
	"github.com/tjfontaine/replywatch/internal/notify"
)

const tracerName = "github.com/tjfontaine/replywatch/internal/tracker"

// maxCompactInterval bounds how often retention is enforced.
const maxCompactInterval = time.Hour

type Tracker struct {
	// Dependencies (injected via options)
	clock    clock.Clock
	store    ports.MessageStore
	notifier ports.Notifier
	logger   *slog.Logger
	ids      ledger.IDGenerator

	policy          deadline.Policy
	queueSize       int
	overflow        notify.OverflowPolicy
	dispatch        notify.DispatcherConfig
	resolveAll      bool
	requireNonEmpty bool
	thresholds      []time.Duration
	location        *time.Location
	restoreWindow   time.Duration
	retention       time.Duration
	registerer      prometheus.Registerer

	// Engine
	ledger     *ledger.Ledger
	sched      *deadline.Scheduler
	matcher    *matcher.Matcher
	aggregator *analytics.Aggregator
	queue      *notify.Queue
	dispatcher *notify.Dispatcher
	metrics    *metrics.Metrics
	tracer     trace.Tracer

	// Lifecycle management
	mu         sync.Mutex
	cancel     context.CancelFunc
	dispatched chan struct{}
	compactor  clock.Timer
	started    bool
	stopped    bool
}

// New builds a tracker. Without options it keeps messages in memory, uses
// the wall clock and the default policy, and logs notifications.
func New(opts ...Option) (*Tracker, error) {
	t := &Tracker{
		clock:     clock.Real{},
		logger:    slog.Default(),
		policy:    deadline.DefaultPolicy(),
		queueSize: 1024,
		overflow:  notify.DropNewest,
		location:  time.UTC,
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if t.notifier == nil {
		t.notifier = notify.NewLogNotifier(t.logger)
	}

	ledgerOpts := []ledger.Option{
		ledger.WithLogger(t.logger),
		ledger.WithDeadlines(func(m domain.TrackedMessage) time.Time { return t.sched.MissedDeadline(m) }),
	}
	if t.store != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithStore(t.store))
	}
	if t.ids != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithIDs(t.ids))
	}
	l, err := ledger.New(ledgerOpts...)
	if err != nil {
		return nil, fmt.Errorf("create ledger: %w", err)
	}
	t.ledger = l

	t.queue = notify.NewQueue(t.queueSize, t.overflow)
	t.sched, err = deadline.New(t.clock, t.ledger, t.queue, t.policy, t.logger)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	t.ledger.Subscribe(t.sched)

	var recorder notify.Recorder
	if t.registerer != nil {
		t.metrics, err = metrics.New(t.registerer)
		if err != nil {
			return nil, err
		}
		if err := metrics.WatchQueue(t.registerer, t.queue); err != nil {
			return nil, err
		}
		t.ledger.Subscribe(t.metrics)
		t.queue.OnDrop(t.metrics.QueueDrop)
		recorder = t.metrics
	}
	t.dispatcher = notify.NewDispatcher(t.queue, t.notifier, t.dispatch, recorder, t.logger)

	t.matcher = matcher.New(t.ledger, matcher.WithResolveAll(t.resolveAll), matcher.WithLogger(t.logger))

	aggOpts := []analytics.Option{analytics.WithRequireNonEmpty(t.requireNonEmpty)}
	if len(t.thresholds) > 0 {
		aggOpts = append(aggOpts, analytics.WithExceededThresholds(t.thresholds))
	}
	t.aggregator = analytics.New(t.ledger, aggOpts...)
	t.tracer = otel.Tracer(tracerName)

	return t, nil
}

// Start restores awaiting messages from the store, re-arming their
// deadlines, and starts notification delivery. Deadlines that passed while
// the service was down fire immediately.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return fmt.Errorf("tracker already started")
	}

	var since time.Time
	if t.restoreWindow > 0 {
		since = t.clock.Now().Add(-t.restoreWindow)
	}
	restored, err := t.ledger.Restore(ctx, since)
	if err != nil {
		return fmt.Errorf("restore messages: %w", err)
	}

	// Delivery outlives the caller's context until Shutdown drains the queue.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.dispatched = make(chan struct{})
	go func() {
		defer close(t.dispatched)
		t.dispatcher.Run(runCtx)
	}()

	if t.retention > 0 {
		t.scheduleCompactLocked()
	}
	t.started = true

	t.logger.Info("tracker started",
		slog.Int("restored", restored),
		slog.Int("armed", t.sched.Armed()),
		slog.Duration("missed_threshold", t.policy.MissedThreshold))
	return nil
}

func (t *Tracker) compactInterval() time.Duration {
	if t.retention < maxCompactInterval {
		return t.retention
	}
	return maxCompactInterval
}

func (t *Tracker) scheduleCompactLocked() {
	t.compactor = t.clock.AfterFunc(t.compactInterval(), func() {
		n := t.ledger.Compact(t.clock.Now().Add(-t.retention))
		if n > 0 {
			t.logger.Debug("compacted terminal messages", slog.Int("evicted", n))
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.stopped {
			t.scheduleCompactLocked()
		}
	})
}

// Shutdown stops every timer, delivers what is already queued while ctx
// allows, and closes the store.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	if t.compactor != nil {
		t.compactor.Stop()
	}
	started := t.started
	t.mu.Unlock()

	t.logger.Info("shutting down tracker")
	t.sched.Stop()
	t.queue.Close()

	var err error
	if started {
		select {
		case <-t.dispatched:
		case <-ctx.Done():
			err = fmt.Errorf("notification queue not drained: %w", ctx.Err())
			t.logger.Warn("abandoning queued notifications", slog.Int("pending", t.queue.Len()))
		}
		t.cancel()
	}

	if t.store != nil {
		if cerr := t.store.Close(); cerr != nil {
			t.logger.Error("failed to close storage", slog.String("error", cerr.Error()))
			if err == nil {
				err = cerr
			}
		}
	}
	t.logger.Info("tracker shutdown complete")
	return err
}

func (t *Tracker) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TrackMessage starts tracking an inbound client message. A zero ArrivedAt
// means now.
func (t *Tracker) TrackMessage(ctx context.Context, nm domain.NewMessage) (_ domain.TrackedMessage, err error) {
	ctx, span := t.startSpan(ctx, "tracker.track_message",
		attribute.String("message.external_id", nm.ExternalID),
		attribute.String("employee.id", nm.EmployeeID))
	defer func() { endSpan(span, err) }()

	if nm.ArrivedAt.IsZero() {
		nm.ArrivedAt = t.clock.Now()
	}
	m, err := t.ledger.Create(ctx, nm)
	if err != nil {
		return domain.TrackedMessage{}, err
	}
	span.SetAttributes(attribute.Int64("message.id", m.ID))

	ctx = logging.WithFields(ctx, logging.Fields{MessageID: m.ID, EmployeeID: m.EmployeeID, Component: "tracker"})
	t.logger.DebugContext(ctx, "tracking message",
		slog.String("external_id", m.ExternalID),
		slog.String("client_ref", m.ClientRef),
		slog.Time("deadline", t.sched.MissedDeadline(m)))
	return m, nil
}

// RecordReply resolves the messages an employee reply answers. A zero
// repliedAt means now. A reply that answers nothing is not an error.
func (t *Tracker) RecordReply(ctx context.Context, employeeID, clientRef string, repliedAt time.Time) (_ matcher.Result, err error) {
	ctx, span := t.startSpan(ctx, "tracker.record_reply",
		attribute.String("employee.id", employeeID),
		attribute.String("client.ref", clientRef))
	defer func() { endSpan(span, err) }()

	if repliedAt.IsZero() {
		repliedAt = t.clock.Now()
	}
	res, err := t.matcher.OnEmployeeReply(ctx, employeeID, clientRef, repliedAt)
	if err != nil {
		return matcher.Result{}, err
	}
	span.SetAttributes(attribute.Int("resolved", len(res.Resolved)))
	return res, nil
}

// Defer manually moves an open message to Deferred, granting the grace
// period from now.
func (t *Tracker) Defer(ctx context.Context, id int64) (_ domain.TrackedMessage, err error) {
	ctx, span := t.startSpan(ctx, "tracker.defer", attribute.Int64("message.id", id))
	defer func() { endSpan(span, err) }()

	m, err := t.ledger.MarkDeferred(ctx, id, t.clock.Now())
	if err != nil {
		return domain.TrackedMessage{}, err
	}
	t.logger.InfoContext(logging.WithFields(ctx, logging.Fields{MessageID: id, EmployeeID: m.EmployeeID}),
		"message deferred", slog.Time("deadline", t.sched.MissedDeadline(m)))
	return m, nil
}

// Reassign hands an awaiting message to another employee.
func (t *Tracker) Reassign(ctx context.Context, id int64, employeeID string) (_ domain.TrackedMessage, err error) {
	ctx, span := t.startSpan(ctx, "tracker.reassign",
		attribute.Int64("message.id", id),
		attribute.String("employee.id", employeeID))
	defer func() { endSpan(span, err) }()

	m, err := t.ledger.Reassign(ctx, id, employeeID, t.clock.Now())
	if err != nil {
		return domain.TrackedMessage{}, err
	}
	t.logger.InfoContext(logging.WithFields(ctx, logging.Fields{MessageID: id, EmployeeID: employeeID}),
		"message reassigned")
	return m, nil
}

// Get returns one message.
func (t *Tracker) Get(ctx context.Context, id int64) (domain.TrackedMessage, error) {
	return t.ledger.Get(ctx, id)
}

// Open returns every awaiting message, oldest first.
func (t *Tracker) Open(ctx context.Context) ([]domain.TrackedMessage, error) {
	return t.ledger.QueryOpen(ctx)
}

// Messages lists messages passing f, oldest first.
func (t *Tracker) Messages(ctx context.Context, f ports.MessageFilter) ([]domain.TrackedMessage, error) {
	for _, s := range f.States {
		if !s.Valid() {
			return nil, domain.InvalidRequest(fmt.Sprintf("unknown state %q", s))
		}
	}
	return t.ledger.List(ctx, f)
}

// ComputeStats summarizes one employee over [start, end).
func (t *Tracker) ComputeStats(ctx context.Context, employeeID string, start, end time.Time) (_ domain.EmployeeResponseStats, err error) {
	ctx, span := t.startSpan(ctx, "tracker.compute_stats", attribute.String("employee.id", employeeID))
	defer func() { endSpan(span, err) }()
	return t.aggregator.ComputeStats(ctx, employeeID, start, end)
}

// ComputeAllStats summarizes several employees, or all of them for nil ids.
func (t *Tracker) ComputeAllStats(ctx context.Context, employeeIDs []string, start, end time.Time) (_ []domain.EmployeeResponseStats, err error) {
	ctx, span := t.startSpan(ctx, "tracker.compute_all_stats", attribute.Int("employees", len(employeeIDs)))
	defer func() { endSpan(span, err) }()
	return t.aggregator.ComputeAllStats(ctx, employeeIDs, start, end)
}

// ComputeFleetSummary summarizes every employee over [start, end).
func (t *Tracker) ComputeFleetSummary(ctx context.Context, start, end time.Time) (_ domain.FleetSummary, err error) {
	ctx, span := t.startSpan(ctx, "tracker.compute_fleet_summary")
	defer func() { endSpan(span, err) }()
	return t.aggregator.ComputeFleetSummary(ctx, start, end)
}

// Period resolves a named reporting period around the current time in the
// analytics time zone.
func (t *Tracker) Period(name string) (domain.Window, error) {
	return analytics.Period(name, t.clock.Now(), t.location)
}

// Policy returns the active escalation policy.
func (t *Tracker) Policy() deadline.Policy {
	return t.sched.Policy()
}

// SetPolicy swaps the escalation policy for messages armed from now on.
func (t *Tracker) SetPolicy(p deadline.Policy) error {
	return t.sched.SetPolicy(p)
}

// Queue is the notification queue shared with the exporter.
func (t *Tracker) Queue() *notify.Queue { return t.queue }

// Clock returns the engine clock.
func (t *Tracker) Clock() clock.Clock { return t.clock }

// Location returns the analytics time zone.
func (t *Tracker) Location() *time.Location { return t.location }

// Armed returns the number of messages with live deadline timers.
func (t *Tracker) Armed() int { return t.sched.Armed() }
