package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/replywatch/internal/core/domain"
	"github.com/tjfontaine/replywatch/internal/core/ports"
	"github.com/tjfontaine/replywatch/internal/server"
)

// maxBodyBytes caps request bodies; every payload here is a handful of ids.
const maxBodyBytes = 64 << 10

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return domain.InvalidRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

func messageID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.InvalidRequest(fmt.Sprintf("invalid message id %q", raw))
	}
	server.AddLogField(r.Context(), "message_id", raw)
	return id, nil
}

func (h *Handler) handleTrackMessage(w http.ResponseWriter, r *http.Request) {
	var req TrackMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	m, err := h.engine.TrackMessage(r.Context(), domain.NewMessage{
		ExternalID: req.ExternalID,
		ClientRef:  req.ClientRef,
		EmployeeID: req.EmployeeID,
		ArrivedAt:  req.ArrivedAt,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "message_id", strconv.FormatInt(m.ID, 10))
	writeJSON(w, http.StatusCreated, toMessageView(m))
}

func (h *Handler) handleReply(w http.ResponseWriter, r *http.Request) {
	var req ReplyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.engine.RecordReply(r.Context(), req.EmployeeID, req.ClientRef, req.RepliedAt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "resolved", strconv.Itoa(len(res.Resolved)))
	writeJSON(w, http.StatusOK, ReplyView{Matched: res.Matched(), Resolved: toMessageViews(res.Resolved)})
}

func (h *Handler) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := messageID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	m, err := h.engine.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageView(m))
}

func (h *Handler) handleDefer(w http.ResponseWriter, r *http.Request) {
	id, err := messageID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	m, err := h.engine.Defer(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "manual defer",
		slog.Int64("message_id", id),
		slog.String("actor", server.GetActor(r.Context())))
	writeJSON(w, http.StatusOK, toMessageView(m))
}

func (h *Handler) handleReassign(w http.ResponseWriter, r *http.Request) {
	id, err := messageID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req ReassignRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	m, err := h.engine.Reassign(r.Context(), id, req.EmployeeID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "manual reassign",
		slog.Int64("message_id", id),
		slog.String("employee_id", req.EmployeeID),
		slog.String("actor", server.GetActor(r.Context())))
	writeJSON(w, http.StatusOK, toMessageView(m))
}

// handleListMessages serves GET /v1/messages. state takes a comma-separated
// list; "awaiting" stands for open and deferred. from and to bound arrival.
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ports.MessageFilter{EmployeeID: q.Get("employee_id")}

	for _, s := range strings.Split(q.Get("state"), ",") {
		switch s = strings.TrimSpace(s); s {
		case "":
		case "awaiting":
			f.States = append(f.States, domain.StateOpen, domain.StateDeferred)
		default:
			f.States = append(f.States, domain.State(s))
		}
	}

	var err error
	if f.ArrivedFrom, err = parseTime(q.Get("from"), "from"); err != nil {
		writeError(w, r, err)
		return
	}
	if f.ArrivedTo, err = parseTime(q.Get("to"), "to"); err != nil {
		writeError(w, r, err)
		return
	}

	msgs, err := h.engine.Messages(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageList{Messages: toMessageViews(msgs)})
}

func parseTime(raw, name string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, domain.InvalidRequest(fmt.Sprintf("%s must be an RFC 3339 timestamp", name))
	}
	return t, nil
}
