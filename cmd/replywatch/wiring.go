package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/replywatch/internal/adapters/export/csvfile"
	ingestamqp "github.com/tjfontaine/replywatch/internal/adapters/ingest/amqp"
	notifyamqp "github.com/tjfontaine/replywatch/internal/adapters/notify/amqp"
	"github.com/tjfontaine/replywatch/internal/adapters/notify/redisstream"
	"github.com/tjfontaine/replywatch/internal/adapters/notify/webhook"
	"github.com/tjfontaine/replywatch/internal/config"
	"github.com/tjfontaine/replywatch/internal/core/ports"
	"github.com/tjfontaine/replywatch/internal/export"
	"github.com/tjfontaine/replywatch/internal/notify"
	"github.com/tjfontaine/replywatch/internal/tracker"
)

// notifierSet is the fan-out of configured sinks plus the connections
// they hold open.
type notifierSet struct {
	notifier ports.Notifier
	closers  []io.Closer
}

func (s *notifierSet) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*notifierSet, error) {
	set := &notifierSet{}
	var fanout notify.Fanout

	for _, sink := range cfg.Notify.Sinks {
		switch sink {
		case "log":
			fanout = append(fanout, notify.NewLogNotifier(logger))

		case "webhook":
			wh := cfg.Notify.Webhook
			n, err := webhook.New(webhook.Config{
				URL:     wh.URL,
				Timeout: wh.Timeout,
				Retries: wh.Retries,
				Backoff: wh.Backoff,
				Headers: wh.Headers,
			})
			if err != nil {
				set.Close()
				return nil, fmt.Errorf("failed to create webhook notifier: %w", err)
			}
			fanout = append(fanout, n)

		case "amqp":
			conn, ch, err := notifyamqp.Dial(cfg.Notify.AMQP.URL, cfg.Notify.AMQP.Exchange)
			if err != nil {
				set.Close()
				return nil, fmt.Errorf("failed to connect notification exchange: %w", err)
			}
			set.closers = append(set.closers, conn, ch)
			fanout = append(fanout, notifyamqp.New(ch, notifyamqp.Config{
				Exchange:   cfg.Notify.AMQP.Exchange,
				RoutingKey: cfg.Notify.AMQP.RoutingKey,
			}))

		case "redis":
			rc := cfg.Notify.Redis
			client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
			if err := client.Ping(ctx).Err(); err != nil {
				_ = client.Close()
				set.Close()
				return nil, fmt.Errorf("failed to connect redis %s: %w", rc.Addr, err)
			}
			set.closers = append(set.closers, client)
			fanout = append(fanout, redisstream.New(client, rc.Stream, rc.MaxLen, logger))
		}
	}

	switch len(fanout) {
	case 0:
		set.notifier = notify.NewLogNotifier(logger)
	case 1:
		set.notifier = fanout[0]
	default:
		set.notifier = fanout
	}
	return set, nil
}

// startExporter schedules the CSV export when enabled. It returns nil when
// export is off.
func startExporter(ctx context.Context, cfg *config.Config, t *tracker.Tracker, logger *slog.Logger) (*export.Exporter, error) {
	if !cfg.Export.Enabled {
		return nil, nil
	}
	appender, err := csvfile.New(cfg.Export.CSVDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	var queue *notify.Queue
	if cfg.Export.Reports {
		queue = t.Queue()
	}
	exp, err := export.New(t, appender, queue, t.Clock(), export.Config{
		Cron:     cfg.Export.Cron,
		Period:   cfg.Export.Period,
		Location: t.Location(),
		Reports:  cfg.Export.Reports,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}
	if err := exp.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to schedule export: %w", err)
	}
	return exp, nil
}

// startIngest consumes message and reply events from AMQP when enabled. The
// returned channel closes once the consumer has stopped.
func startIngest(ctx context.Context, cfg *config.Config, t *tracker.Tracker, logger *slog.Logger) (<-chan struct{}, error) {
	ic := cfg.Ingest.AMQP
	if !ic.Enabled {
		return nil, nil
	}
	conn, ch, err := notifyamqp.Dial(ic.URL, ic.Exchange)
	if err != nil {
		return nil, fmt.Errorf("failed to connect ingest broker: %w", err)
	}

	consumer := ingestamqp.New(ch, ingestamqp.Config{
		Exchange:    ic.Exchange,
		Queue:       ic.Queue,
		BindingKeys: ic.BindingKeys,
		Prefetch:    ic.Prefetch,
	}, t, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer conn.Close()
		defer ch.Close()
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("ingest consumer stopped", slog.String("error", err.Error()))
		}
	}()
	return done, nil
}
