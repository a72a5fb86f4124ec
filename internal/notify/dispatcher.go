package notify

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/tjfontaine/replywatch/internal/core/domain"
	"github.com/tjfontaine/replywatch/internal/core/ports"
)

// Recorder observes delivery outcomes.
type Recorder interface {
	NotificationSent(kind domain.NotificationKind)
	NotificationFailed(kind domain.NotificationKind)
}

// DispatcherConfig tunes delivery.
type DispatcherConfig struct {
	// RatePerSecond caps deliveries per second. Zero means unlimited.
	RatePerSecond float64
	Burst         int
	// Timeout bounds a single Notify call.
	Timeout time.Duration
}

// Dispatcher drains a Queue into a Notifier. Failures are logged and
// dropped; they never reach the ledger.
type Dispatcher struct {
	queue    *Queue
	notifier ports.Notifier
	limiter  *rate.Limiter
	timeout  time.Duration
	recorder Recorder
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. recorder may be nil.
func NewDispatcher(queue *Queue, notifier ports.Notifier, cfg DispatcherConfig, recorder Recorder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		queue:    queue,
		notifier: notifier,
		limiter:  rate.NewLimiter(limit, burst),
		timeout:  timeout,
		recorder: recorder,
		logger:   logger,
	}
}

// Run delivers notifications until ctx is done or the queue is closed and
// drained.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-d.queue.C():
			if !ok {
				return
			}
			if err := d.limiter.Wait(ctx); err != nil {
				return
			}
			d.deliver(ctx, n)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n domain.Notification) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.notifier.Notify(ctx, n); err != nil {
		d.logger.Warn("notification delivery failed",
			slog.String("notification_id", n.ID),
			slog.String("kind", string(n.Kind)),
			slog.String("employee_id", n.EmployeeID),
			slog.Int64("message_id", n.MessageID),
			slog.String("error", err.Error()))
		if d.recorder != nil {
			d.recorder.NotificationFailed(n.Kind)
		}
		return
	}
	if d.recorder != nil {
		d.recorder.NotificationSent(n.Kind)
	}
}
