package tracker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjfontaine/replywatch/internal/clock"
	"github.com/tjfontaine/replywatch/internal/config"
	"github.com/tjfontaine/replywatch/internal/core/ports"
	"github.com/tjfontaine/replywatch/internal/deadline"
	"github.com/tjfontaine/replywatch/internal/ledger"
	"github.com/tjfontaine/replywatch/internal/notify"
)

// Option is a functional option for configuring a Tracker.
type Option func(*Tracker) error

// FromConfig applies the tracking, matcher, analytics, notify and storage
// retention sections of cfg. Options given after it override single values.
func FromConfig(cfg *config.Config) Option {
	return func(t *Tracker) error {
		policy, err := cfg.TrackingPolicy()
		if err != nil {
			return err
		}
		overflow, err := notify.ParseOverflowPolicy(cfg.Notify.Overflow)
		if err != nil {
			return err
		}
		loc, err := cfg.AnalyticsLocation()
		if err != nil {
			return err
		}
		ids, err := ledger.NewSnowflakeIDs(cfg.NodeID)
		if err != nil {
			return fmt.Errorf("create id generator: %w", err)
		}

		t.policy = policy
		t.ids = ids
		t.queueSize = cfg.Notify.QueueSize
		t.overflow = overflow
		t.dispatch = notify.DispatcherConfig{
			RatePerSecond: cfg.Notify.RatePerSecond,
			Burst:         cfg.Notify.Burst,
			Timeout:       cfg.Notify.Timeout,
		}
		t.resolveAll = cfg.Matcher.ResolveAll
		t.requireNonEmpty = cfg.Analytics.RequireNonEmpty
		t.thresholds = cfg.Analytics.ExceededThresholds
		t.location = loc
		t.restoreWindow = cfg.Storage.RestoreWindow
		t.retention = cfg.Storage.Retention
		return nil
	}
}

// WithClock replaces the wall clock, typically with a clock.Virtual in tests.
func WithClock(clk clock.Clock) Option {
	return func(t *Tracker) error {
		if clk == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		t.clock = clk
		return nil
	}
}

// WithStore persists messages to store. The tracker closes it on Shutdown.
func WithStore(store ports.MessageStore) Option {
	return func(t *Tracker) error {
		t.store = store
		return nil
	}
}

// WithNotifier sets where escalations and reports are delivered. Without
// one they are logged.
func WithNotifier(n ports.Notifier) Option {
	return func(t *Tracker) error {
		t.notifier = n
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) error {
		if logger != nil {
			t.logger = logger
		}
		return nil
	}
}

// WithPolicy sets the escalation policy.
func WithPolicy(p deadline.Policy) Option {
	return func(t *Tracker) error {
		if err := p.Validate(); err != nil {
			return err
		}
		t.policy = p
		return nil
	}
}

// WithQueue sizes the notification queue and picks its overflow policy.
func WithQueue(size int, overflow notify.OverflowPolicy) Option {
	return func(t *Tracker) error {
		if size < 1 {
			return fmt.Errorf("queue size must be positive")
		}
		t.queueSize = size
		t.overflow = overflow
		return nil
	}
}

// WithDispatch tunes notification delivery.
func WithDispatch(cfg notify.DispatcherConfig) Option {
	return func(t *Tracker) error {
		t.dispatch = cfg
		return nil
	}
}

// WithResolveAll makes one reply resolve every awaiting message of the
// conversation.
func WithResolveAll(on bool) Option {
	return func(t *Tracker) error {
		t.resolveAll = on
		return nil
	}
}

// WithAnalytics configures statistics.
func WithAnalytics(requireNonEmpty bool, thresholds []time.Duration, loc *time.Location) Option {
	return func(t *Tracker) error {
		t.requireNonEmpty = requireNonEmpty
		t.thresholds = thresholds
		if loc != nil {
			t.location = loc
		}
		return nil
	}
}

// WithIDs overrides the message id generator.
func WithIDs(ids ledger.IDGenerator) Option {
	return func(t *Tracker) error {
		t.ids = ids
		return nil
	}
}

// WithRetention controls what Start restores and how long terminal messages
// stay in memory. Zero retention keeps everything.
func WithRetention(restoreWindow, retention time.Duration) Option {
	return func(t *Tracker) error {
		t.restoreWindow = restoreWindow
		t.retention = retention
		return nil
	}
}

// WithMetrics registers Prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(t *Tracker) error {
		t.registerer = reg
		return nil
	}
}
