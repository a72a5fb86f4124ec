package api

import (
	"strconv"
	"time"

	"github.com/tjfontaine/replywatch/internal/core/domain"
)

// TrackMessageRequest is the body of POST /v1/messages.
type TrackMessageRequest struct {
	ExternalID string    `json:"external_id"`
	ClientRef  string    `json:"client_ref"`
	EmployeeID string    `json:"employee_id"`
	ArrivedAt  time.Time `json:"arrived_at,omitzero"`
}

// ReplyRequest is the body of POST /v1/replies.
type ReplyRequest struct {
	EmployeeID string    `json:"employee_id"`
	ClientRef  string    `json:"client_ref"`
	RepliedAt  time.Time `json:"replied_at,omitzero"`
}

// ReassignRequest is the body of POST /v1/messages/{id}/reassign.
type ReassignRequest struct {
	EmployeeID string `json:"employee_id"`
}

// MessageView renders a tracked message. Durations are in seconds.
type MessageView struct {
	ID               string     `json:"id"`
	ExternalID       string     `json:"external_id"`
	ClientRef        string     `json:"client_ref"`
	EmployeeID       string     `json:"employee_id"`
	State            string     `json:"state"`
	ArrivedAt        time.Time  `json:"arrived_at"`
	RespondedAt      *time.Time `json:"responded_at,omitempty"`
	RespondedBy      string     `json:"responded_by,omitempty"`
	DeferredAt       *time.Time `json:"deferred_at,omitempty"`
	MissedAt         *time.Time `json:"missed_at,omitempty"`
	MissedNotifiedAt *time.Time `json:"missed_notified_at,omitempty"`
	RemindersSent    int        `json:"reminders_sent"`
	LatencySeconds   *float64   `json:"latency_seconds,omitempty"`
}

// ReplyView lists what a reply resolved.
type ReplyView struct {
	Matched  bool          `json:"matched"`
	Resolved []MessageView `json:"resolved"`
}

// MessageList wraps list responses.
type MessageList struct {
	Messages []MessageView `json:"messages"`
}

// ThresholdView counts replies slower than a threshold.
type ThresholdView struct {
	ThresholdSeconds float64 `json:"threshold_seconds"`
	Count            int     `json:"count"`
}

// EmployeeStatsView renders domain.EmployeeResponseStats.
type EmployeeStatsView struct {
	EmployeeID            string          `json:"employee_id"`
	WindowStart           time.Time       `json:"window_start"`
	WindowEnd             time.Time       `json:"window_end"`
	Total                 int             `json:"total"`
	Responded             int             `json:"responded"`
	Missed                int             `json:"missed"`
	InProgress            int             `json:"in_progress"`
	Deferred              int             `json:"deferred"`
	UniqueClients         int             `json:"unique_clients"`
	ResponseRate          float64         `json:"response_rate"`
	AverageLatencySeconds *float64        `json:"average_latency_seconds"`
	Exceeded              []ThresholdView `json:"exceeded"`
}

// EmployeeStatsList wraps multi-employee statistics.
type EmployeeStatsList struct {
	Employees []EmployeeStatsView `json:"employees"`
}

// FleetView renders domain.FleetSummary.
type FleetView struct {
	WindowStart           time.Time `json:"window_start"`
	WindowEnd             time.Time `json:"window_end"`
	Total                 int       `json:"total"`
	Responded             int       `json:"responded"`
	Missed                int       `json:"missed"`
	InProgress            int       `json:"in_progress"`
	Deferred              int       `json:"deferred"`
	UniqueClients         int       `json:"unique_clients"`
	Employees             int       `json:"employees"`
	AverageLatencySeconds *float64  `json:"average_latency_seconds"`
}

// ExportView summarizes an on-demand export.
type ExportView struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Sheet       string    `json:"sheet"`
	Rows        int       `json:"rows"`
	Reports     int       `json:"reports"`
	CompletedAt time.Time `json:"completed_at"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func seconds(d time.Duration) *float64 {
	s := d.Seconds()
	return &s
}

func toMessageView(m domain.TrackedMessage) MessageView {
	v := MessageView{
		ID:               strconv.FormatInt(m.ID, 10),
		ExternalID:       m.ExternalID,
		ClientRef:        m.ClientRef,
		EmployeeID:       m.EmployeeID,
		State:            string(m.State),
		ArrivedAt:        m.ArrivedAt,
		RespondedAt:      optionalTime(m.RespondedAt),
		RespondedBy:      m.RespondedBy,
		DeferredAt:       optionalTime(m.DeferredAt),
		MissedAt:         optionalTime(m.MissedAt),
		MissedNotifiedAt: optionalTime(m.MissedNotifiedAt),
		RemindersSent:    m.RemindersSent,
	}
	if d, ok := m.ResponseLatency(); ok {
		v.LatencySeconds = seconds(d)
	}
	return v
}

func toMessageViews(ms []domain.TrackedMessage) []MessageView {
	out := make([]MessageView, len(ms))
	for i, m := range ms {
		out[i] = toMessageView(m)
	}
	return out
}

func toEmployeeStatsView(s domain.EmployeeResponseStats) EmployeeStatsView {
	v := EmployeeStatsView{
		EmployeeID:    s.EmployeeID,
		WindowStart:   s.Window.Start,
		WindowEnd:     s.Window.End,
		Total:         s.Total,
		Responded:     s.Responded,
		Missed:        s.Missed,
		InProgress:    s.InProgress,
		Deferred:      s.DeferredCount,
		UniqueClients: s.UniqueClients,
		ResponseRate:  s.ResponseRate,
		Exceeded:      make([]ThresholdView, len(s.ExceededCounts)),
	}
	if s.HasLatency {
		v.AverageLatencySeconds = seconds(s.AverageLatency)
	}
	for i, c := range s.ExceededCounts {
		v.Exceeded[i] = ThresholdView{ThresholdSeconds: c.Threshold.Seconds(), Count: c.Count}
	}
	return v
}

func toFleetView(f domain.FleetSummary) FleetView {
	v := FleetView{
		WindowStart:   f.Window.Start,
		WindowEnd:     f.Window.End,
		Total:         f.Total,
		Responded:     f.Responded,
		Missed:        f.Missed,
		InProgress:    f.InProgress,
		Deferred:      f.DeferredCount,
		UniqueClients: f.UniqueClients,
		Employees:     f.Employees,
	}
	if f.HasLatency {
		v.AverageLatencySeconds = seconds(f.AverageLatency)
	}
	return v
}
