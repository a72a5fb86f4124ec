// Command replywatch runs the response tracking service: the HTTP API, the
// deadline scheduler, notification delivery and the scheduled export.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/replywatch/internal/adapters/config/file"
	"github.com/tjfontaine/replywatch/internal/api"
	"github.com/tjfontaine/replywatch/internal/config"
	"github.com/tjfontaine/replywatch/internal/logging"
	"github.com/tjfontaine/replywatch/internal/server"
	"github.com/tjfontaine/replywatch/internal/storage"
	"github.com/tjfontaine/replywatch/internal/telemetry"
	"github.com/tjfontaine/replywatch/internal/tracker"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	configPath := os.Getenv("REPLYWATCH_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cmd := &cobra.Command{
		Use:           "replywatch",
		Short:         "Track client messages and escalate the ones nobody answers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := run(ctx, configPath); err != nil {
				slog.Error("replywatch failed", slog.String("error", err.Error()))
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", configPath, "path to the YAML config file")
	return cmd
}

func run(ctx context.Context, configPath string) error {
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	provider, err := file.NewProvider(configPath, nil)
	if err != nil {
		return err
	}
	cfg, err := provider.Load()
	if err != nil {
		return err
	}

	logger := logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})

	shutdownTracer, err := telemetry.InitTracer(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	store, err := storage.New(storageConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	sinks, err := buildNotifier(ctx, cfg, logger)
	if err != nil {
		_ = store.Close()
		return err
	}
	defer sinks.Close()

	t, err := tracker.New(
		tracker.FromConfig(cfg),
		tracker.WithStore(store),
		tracker.WithNotifier(sinks.notifier),
		tracker.WithLogger(logger),
		tracker.WithMetrics(prometheus.DefaultRegisterer),
	)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to create tracker: %w", err)
	}
	if err := t.Start(ctx); err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to start tracker: %w", err)
	}

	// Policy edits apply to messages armed after the reload.
	if err := provider.Watch(ctx, func(next *config.Config) {
		p, err := next.TrackingPolicy()
		if err == nil {
			err = t.SetPolicy(p)
		}
		if err != nil {
			logger.Error("ignoring reloaded tracking policy", slog.String("error", err.Error()))
			return
		}
		logger.Info("tracking policy reloaded", slog.Duration("missed_threshold", p.MissedThreshold))
	}); err != nil {
		logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
	}
	defer provider.Close()

	handlerOpts := []api.Option{
		api.WithLogger(logger),
		api.WithMetrics(prometheus.DefaultGatherer),
	}
	exp, err := startExporter(ctx, cfg, t, logger)
	if err != nil {
		shutdownTracker(t, cfg, logger)
		return err
	}
	if exp != nil {
		defer exp.Stop()
		handlerOpts = append(handlerOpts, api.WithExporter(exp))
	}

	ingestDone, err := startIngest(ctx, cfg, t, logger)
	if err != nil {
		shutdownTracker(t, cfg, logger)
		return err
	}

	srv := server.New(server.Config{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		IdentityHeader: cfg.Server.IdentityHeader,
		RatePerSecond:  cfg.Server.RatePerSecond,
		Burst:          cfg.Server.Burst,
	}, logger)
	api.NewHandler(t, handlerOpts...).Register(srv.Router)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	logger.Info("replywatch started",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Type),
		slog.Any("sinks", cfg.Notify.Sinks),
		slog.Bool("export", exp != nil),
		slog.Bool("ingest", cfg.Ingest.AMQP.Enabled))

	var serveFailure error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping replywatch")
	case serveFailure = <-serveErr:
		if serveFailure != nil {
			logger.Error("server stopped", slog.String("error", serveFailure.Error()))
		}
	}

	cancelRun()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown server: %w", err))
	}
	if ingestDone != nil {
		select {
		case <-ingestDone:
		case <-shutdownCtx.Done():
		}
	}
	if err := t.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracker: %w", err))
	}
	if serveFailure != nil {
		errs = append(errs, serveFailure)
	}

	logger.Info("replywatch shutdown complete")
	return errors.Join(errs...)
}

func storageConfig(cfg *config.Config) storage.Config {
	sc := storage.Config{Type: cfg.Storage.Type, DSN: cfg.Storage.DSN}
	sc.SQLite.Path = cfg.Storage.SQLite.Path
	return sc
}

func shutdownTracker(t *tracker.Tracker, cfg *config.Config, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := t.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown tracker", slog.String("error", err.Error()))
	}
}
