// Package api exposes the tracking engine over HTTP: message and reply
// ingress, the manual lifecycle operations of the admin surface, statistics
// and on-demand export.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tjfontaine/replywatch/internal/core/domain"
	"github.com/tjfontaine/replywatch/internal/core/ports"
	"github.com/tjfontaine/replywatch/internal/export"
	"github.com/tjfontaine/replywatch/internal/matcher"
)

// Engine is the tracking engine as seen by HTTP handlers.
type Engine interface {
	TrackMessage(ctx context.Context, nm domain.NewMessage) (domain.TrackedMessage, error)
	RecordReply(ctx context.Context, employeeID, clientRef string, repliedAt time.Time) (matcher.Result, error)
	Defer(ctx context.Context, id int64) (domain.TrackedMessage, error)
	Reassign(ctx context.Context, id int64, employeeID string) (domain.TrackedMessage, error)
	Get(ctx context.Context, id int64) (domain.TrackedMessage, error)
	Messages(ctx context.Context, f ports.MessageFilter) ([]domain.TrackedMessage, error)
	ComputeStats(ctx context.Context, employeeID string, start, end time.Time) (domain.EmployeeResponseStats, error)
	ComputeAllStats(ctx context.Context, employeeIDs []string, start, end time.Time) ([]domain.EmployeeResponseStats, error)
	ComputeFleetSummary(ctx context.Context, start, end time.Time) (domain.FleetSummary, error)
	Period(name string) (domain.Window, error)
}

// Exporter runs an export on demand.
type Exporter interface {
	ExportNow(ctx context.Context) (export.Result, error)
}

// Option configures a Handler.
type Option func(*Handler)

// WithExporter enables POST /v1/export.
func WithExporter(e Exporter) Option {
	return func(h *Handler) { h.exporter = e }
}

// WithMetrics serves g on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = g }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

type Handler struct {
	engine   Engine
	exporter Exporter
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

func NewHandler(engine Engine, opts ...Option) *Handler {
	h := &Handler{engine: engine, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts every route on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", h.handleTrackMessage)
		r.Get("/messages", h.handleListMessages)
		r.Get("/messages/{id}", h.handleGetMessage)
		r.Post("/messages/{id}/defer", h.handleDefer)
		r.Post("/messages/{id}/reassign", h.handleReassign)
		r.Post("/replies", h.handleReply)

		r.Get("/stats/employees", h.handleAllEmployeeStats)
		r.Get("/stats/employees/{employeeID}", h.handleEmployeeStats)
		r.Get("/stats/fleet", h.handleFleetSummary)

		r.Post("/export", h.handleExport)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		writeError(w, r, &apiError{status: http.StatusServiceUnavailable, kind: "unavailable", message: "export is not configured"})
		return
	}
	res, err := h.exporter.ExportNow(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ExportView{
		WindowStart: res.Window.Start,
		WindowEnd:   res.Window.End,
		Sheet:       res.Sheet,
		Rows:        res.Rows,
		Reports:     res.Reports,
		CompletedAt: res.Completed,
	})
}
