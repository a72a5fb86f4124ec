// Package metrics exposes Prometheus collectors for the tracking engine.
package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjfontaine/replywatch/internal/core/domain"
	"github.com/tjfontaine/replywatch/internal/ledger"
	"github.com/tjfontaine/replywatch/internal/notify"
)

const namespace = "replywatch"

// Metrics records ledger transitions and notification outcomes.
type Metrics struct {
	Transitions   *prometheus.CounterVec
	Awaiting      prometheus.Gauge
	Latency       prometheus.Histogram
	Notifications *prometheus.CounterVec
	QueueDropped  prometheus.Counter
}

var (
	_ ledger.Observer = (*Metrics)(nil)
	_ notify.Recorder = (*Metrics)(nil)
)

// New creates the collectors and registers them with reg. Collectors that
// are already registered are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_transitions_total",
			Help:      "Committed ledger changes by type.",
		}, []string{"type"}),
		Awaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "messages_awaiting",
			Help:      "Messages in the open or deferred state.",
		}),
		Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_latency_seconds",
			Help:      "Time from arrival to employee reply.",
			Buckets:   prometheus.ExponentialBuckets(15, 2, 10), // 15s to ~2h
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification delivery attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_queue_dropped_total",
			Help:      "Notifications dropped because the queue was full.",
		}),
	}

	var err error
	if m.Transitions, err = register(reg, m.Transitions); err != nil {
		return nil, err
	}
	if m.Awaiting, err = register(reg, m.Awaiting); err != nil {
		return nil, err
	}
	if m.Latency, err = register(reg, m.Latency); err != nil {
		return nil, err
	}
	if m.Notifications, err = register(reg, m.Notifications); err != nil {
		return nil, err
	}
	if m.QueueDropped, err = register(reg, m.QueueDropped); err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// OnChange implements ledger.Observer.
func (m *Metrics) OnChange(ctx context.Context, c ledger.Change) {
	m.Transitions.WithLabelValues(string(c.Type)).Inc()
	switch c.Type {
	case ledger.ChangeCreated, ledger.ChangeRestored:
		m.Awaiting.Inc()
	case ledger.ChangeResponded:
		m.Awaiting.Dec()
		if d, ok := c.Message.ResponseLatency(); ok {
			m.Latency.Observe(d.Seconds())
		}
	case ledger.ChangeMissed:
		m.Awaiting.Dec()
	}
}

func (m *Metrics) NotificationSent(kind domain.NotificationKind) {
	m.Notifications.WithLabelValues(string(kind), "sent").Inc()
}

func (m *Metrics) NotificationFailed(kind domain.NotificationKind) {
	m.Notifications.WithLabelValues(string(kind), "failed").Inc()
}

// QueueDrop is suitable for notify.Queue.OnDrop.
func (m *Metrics) QueueDrop(domain.Notification) {
	m.QueueDropped.Inc()
}

// WatchQueue registers a gauge reporting the queue depth.
func WatchQueue(reg prometheus.Registerer, q *notify.Queue) error {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "notification_queue_depth",
		Help:      "Notifications waiting for delivery.",
	}, func() float64 { return float64(q.Len()) })
	_, err := register[prometheus.Collector](reg, g)
	return err
}
