// Package export periodically writes employee statistics to a RowAppender
// and sends each employee a daily report notification.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/tjfontaine/replywatch/internal/analytics"
	"github.com/tjfontaine/replywatch/internal/clock"
	"github.com/tjfontaine/replywatch/internal/core/domain"
	"github.com/tjfontaine/replywatch/internal/core/ports"
	"github.com/tjfontaine/replywatch/internal/notify"
)

// DefaultCron runs the export every evening.
const DefaultCron = "0 19 * * *"

// StatsSource computes per-employee statistics.
type StatsSource interface {
	ComputeAllStats(ctx context.Context, employeeIDs []string, start, end time.Time) ([]domain.EmployeeResponseStats, error)
}

// Config controls what is exported and when.
type Config struct {
	Cron     string
	Period   string
	Location *time.Location
	// Reports enqueues a daily_report notification per employee.
	Reports bool
}

// Result summarizes one export run.
type Result struct {
	Window    domain.Window `json:"window"`
	Sheet     string        `json:"sheet"`
	Rows      int           `json:"rows"`
	Reports   int           `json:"reports"`
	Completed time.Time     `json:"completed_at"`
}

type Exporter struct {
	stats    StatsSource
	appender ports.RowAppender
	queue    *notify.Queue
	clk      clock.Clock
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	timer   clock.Timer
	stopped bool
}

// New validates cfg and creates an exporter. appender and queue may be nil to
// skip rows or reports.
func New(stats StatsSource, appender ports.RowAppender, queue *notify.Queue, clk clock.Clock, cfg Config, logger *slog.Logger) (*Exporter, error) {
	if cfg.Cron == "" {
		cfg.Cron = DefaultCron
	}
	if !gronx.IsValid(cfg.Cron) {
		return nil, fmt.Errorf("invalid export cron expression: %s", cfg.Cron)
	}
	if cfg.Period == "" {
		cfg.Period = analytics.PeriodToday
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if _, err := analytics.Period(cfg.Period, time.Now(), cfg.Location); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		stats:    stats,
		appender: appender,
		queue:    queue,
		clk:      clk,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Header is the column layout of exported rows. Threshold columns follow the
// aggregator's configured latency thresholds.
func Header(thresholds []domain.ThresholdCount) []string {
	h := []string{
		"date", "employee_id", "total", "responded", "missed", "in_progress",
		"deferred", "unique_clients", "response_rate", "avg_response_seconds",
	}
	for _, th := range thresholds {
		h = append(h, "over_"+th.Threshold.String())
	}
	return h
}

func row(date string, s domain.EmployeeResponseStats) []string {
	avg := ""
	if s.HasLatency {
		avg = strconv.FormatFloat(s.AverageLatency.Seconds(), 'f', 1, 64)
	}
	r := []string{
		date,
		s.EmployeeID,
		strconv.Itoa(s.Total),
		strconv.Itoa(s.Responded),
		strconv.Itoa(s.Missed),
		strconv.Itoa(s.InProgress),
		strconv.Itoa(s.DeferredCount),
		strconv.Itoa(s.UniqueClients),
		strconv.FormatFloat(s.ResponseRate, 'f', 1, 64),
		avg,
	}
	for _, c := range s.ExceededCounts {
		r = append(r, strconv.Itoa(c.Count))
	}
	return r
}

// Export computes stats for the configured period ending at now, appends one
// row per employee and enqueues reports.
func (e *Exporter) Export(ctx context.Context, now time.Time) (Result, error) {
	w, err := analytics.Period(e.cfg.Period, now, e.cfg.Location)
	if err != nil {
		return Result{}, err
	}

	stats, err := e.stats.ComputeAllStats(ctx, nil, w.Start, w.End)
	if err != nil {
		return Result{}, fmt.Errorf("failed to compute stats: %w", err)
	}

	res := Result{Window: w, Sheet: e.cfg.Period + "-" + w.Start.Format("2006-01-02")}
	if e.appender != nil && len(stats) > 0 {
		date := w.Start.Format("2006-01-02")
		rows := make([][]string, len(stats))
		for i, s := range stats {
			rows[i] = row(date, s)
		}
		if err := e.appender.AppendRows(ctx, res.Sheet, Header(stats[0].ExceededCounts), rows); err != nil {
			return Result{}, fmt.Errorf("failed to append rows: %w", err)
		}
		res.Rows = len(rows)
	}

	if e.cfg.Reports && e.queue != nil {
		for i := range stats {
			report := stats[i]
			ok := e.queue.Enqueue(domain.Notification{
				ID:          uuid.NewString(),
				Kind:        domain.NotificationDailyReport,
				EmployeeID:  report.EmployeeID,
				RequestedAt: now,
				Report:      &report,
			})
			if ok {
				res.Reports++
			}
		}
	}

	res.Completed = now
	e.logger.Info("stats exported",
		slog.String("sheet", res.Sheet),
		slog.Int("rows", res.Rows),
		slog.Int("reports", res.Reports))
	return res, nil
}

// ExportNow runs an export for the period containing the current time.
func (e *Exporter) ExportNow(ctx context.Context) (Result, error) {
	return e.Export(ctx, e.clk.Now())
}

// Start schedules exports on the cron expression until Stop or ctx is done.
func (e *Exporter) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = false
	return e.scheduleLocked(ctx)
}

func (e *Exporter) scheduleLocked(ctx context.Context) error {
	if e.stopped || ctx.Err() != nil {
		return nil
	}
	now := e.clk.Now()
	next, err := gronx.NextTickAfter(e.cfg.Cron, now.In(e.cfg.Location), false)
	if err != nil {
		return fmt.Errorf("failed to compute next export tick: %w", err)
	}
	e.timer = e.clk.AfterFunc(next.Sub(now), func() { e.fire(ctx) })
	return nil
}

func (e *Exporter) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := e.Export(ctx, e.clk.Now()); err != nil {
		e.logger.Error("scheduled export failed", slog.String("error", err.Error()))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.scheduleLocked(ctx); err != nil {
		e.logger.Error("export scheduling stopped", slog.String("error", err.Error()))
	}
}

// Stop cancels the next scheduled export.
func (e *Exporter) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}
