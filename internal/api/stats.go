package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/replywatch/internal/core/domain"
)

// window resolves ?from=&to= (RFC 3339, half-open) or ?period=today|week|month.
// With neither, today is used.
func (h *Handler) window(r *http.Request) (domain.Window, error) {
	q := r.URL.Query()
	from, to, period := q.Get("from"), q.Get("to"), q.Get("period")

	if from == "" && to == "" {
		return h.engine.Period(period)
	}
	if period != "" {
		return domain.Window{}, domain.InvalidRequest("use either period or from/to, not both")
	}

	start, err := parseTime(from, "from")
	if err != nil {
		return domain.Window{}, err
	}
	end, err := parseTime(to, "to")
	if err != nil {
		return domain.Window{}, err
	}
	w := domain.Window{Start: start, End: end}
	if err := w.Validate(); err != nil {
		return domain.Window{}, err
	}
	return w, nil
}

func (h *Handler) handleEmployeeStats(w http.ResponseWriter, r *http.Request) {
	employeeID := chi.URLParam(r, "employeeID")
	win, err := h.window(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	stats, err := h.engine.ComputeStats(r.Context(), employeeID, win.Start, win.End)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeStatsView(stats))
}

// handleAllEmployeeStats serves GET /v1/stats/employees. Without ids every
// employee with messages in the window is reported.
func (h *Handler) handleAllEmployeeStats(w http.ResponseWriter, r *http.Request) {
	win, err := h.window(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	stats, err := h.engine.ComputeAllStats(r.Context(), ids, win.Start, win.End)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := EmployeeStatsList{Employees: make([]EmployeeStatsView, len(stats))}
	for i, s := range stats {
		out.Employees[i] = toEmployeeStatsView(s)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleFleetSummary(w http.ResponseWriter, r *http.Request) {
	win, err := h.window(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	summary, err := h.engine.ComputeFleetSummary(r.Context(), win.Start, win.End)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFleetView(summary))
}
