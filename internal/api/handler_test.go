package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjfontaine/replywatch/internal/clock"
	"github.com/tjfontaine/replywatch/internal/export"
	"github.com/tjfontaine/replywatch/internal/tracker"
)

var t0 = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) Next() int64 { return s.n.Add(1) }

type fakeExporter struct {
	res export.Result
	err error
}

func (f *fakeExporter) ExportNow(context.Context) (export.Result, error) { return f.res, f.err }

type fixture struct {
	clock   *clock.Virtual
	tracker *tracker.Tracker
	router  chi.Router
}

func newFixture(t *testing.T, handlerOpts []Option, trackerOpts ...tracker.Option) *fixture {
	t.Helper()
	f := &fixture{clock: clock.NewVirtual(t0)}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	var err error
	f.tracker, err = tracker.New(append([]tracker.Option{
		tracker.WithClock(f.clock),
		tracker.WithIDs(&seqIDs{}),
		tracker.WithLogger(quiet),
	}, trackerOpts...)...)
	if err != nil {
		t.Fatalf("tracker.New() error = %v", err)
	}

	r := chi.NewRouter()
	NewHandler(f.tracker, append([]Option{WithLogger(quiet)}, handlerOpts...)...).Register(r)
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		buf = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		buf = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHandler_MessageLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, "POST", "/v1/messages", TrackMessageRequest{
		ExternalID: "tg-1", ClientRef: "client-1", EmployeeID: "alice",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /v1/messages = %d %s", rec.Code, rec.Body)
	}
	created := decode[MessageView](t, rec)
	if created.ID != "1" || created.State != "open" || !created.ArrivedAt.Equal(t0) {
		t.Errorf("created = %+v", created)
	}

	f.clock.Advance(45 * time.Second)
	rec = f.do(t, "POST", "/v1/replies", ReplyRequest{EmployeeID: "alice", ClientRef: "client-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /v1/replies = %d %s", rec.Code, rec.Body)
	}
	reply := decode[ReplyView](t, rec)
	if !reply.Matched || len(reply.Resolved) != 1 {
		t.Fatalf("reply = %+v", reply)
	}
	if got := reply.Resolved[0].LatencySeconds; got == nil || *got != 45 {
		t.Errorf("latency_seconds = %v, want 45", got)
	}

	rec = f.do(t, "GET", "/v1/messages/1", nil)
	got := decode[MessageView](t, rec)
	if got.State != "responded" || got.RespondedBy != "alice" || got.RespondedAt == nil {
		t.Errorf("GET /v1/messages/1 = %+v", got)
	}
}

func TestHandler_Errors(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, "POST", "/v1/messages", TrackMessageRequest{ExternalID: "tg-1", ClientRef: "c", EmployeeID: "alice"})

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
		wantType string
	}{
		{"duplicate external id", "POST", "/v1/messages", TrackMessageRequest{ExternalID: "tg-1", ClientRef: "c", EmployeeID: "bob"}, http.StatusConflict, "duplicate_message"},
		{"missing field", "POST", "/v1/messages", TrackMessageRequest{ExternalID: "tg-2", ClientRef: "c"}, http.StatusBadRequest, "invalid_request"},
		{"malformed body", "POST", "/v1/messages", "{", http.StatusBadRequest, "invalid_request"},
		{"bad id", "GET", "/v1/messages/abc", nil, http.StatusBadRequest, "invalid_request"},
		{"unknown id", "GET", "/v1/messages/42", nil, http.StatusNotFound, "not_found"},
		{"defer unknown", "POST", "/v1/messages/42/defer", nil, http.StatusNotFound, "not_found"},
		{"reassign without employee", "POST", "/v1/messages/1/reassign", ReassignRequest{}, http.StatusBadRequest, "invalid_request"},
		{"unknown state", "GET", "/v1/messages?state=closed", nil, http.StatusBadRequest, "invalid_request"},
		{"bad period", "GET", "/v1/stats/fleet?period=decade", nil, http.StatusBadRequest, "invalid_request"},
		{"period and range", "GET", "/v1/stats/fleet?period=today&from=2024-06-03T00:00:00Z&to=2024-06-04T00:00:00Z", nil, http.StatusBadRequest, "invalid_request"},
		{"inverted range", "GET", "/v1/stats/fleet?from=2024-06-04T00:00:00Z&to=2024-06-03T00:00:00Z", nil, http.StatusBadRequest, "invalid_request"},
		{"export unconfigured", "POST", "/v1/export", nil, http.StatusServiceUnavailable, "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body)
			}
			body := decode[ErrorBody](t, rec)
			if body.Error.Type != tt.wantType {
				t.Errorf("error type = %q, want %q", body.Error.Type, tt.wantType)
			}
		})
	}
}

func TestHandler_DeferAndReassign(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, "POST", "/v1/messages", TrackMessageRequest{ExternalID: "tg-1", ClientRef: "c", EmployeeID: "alice"})

	rec := f.do(t, "POST", "/v1/messages/1/reassign", ReassignRequest{EmployeeID: "bob"})
	if rec.Code != http.StatusOK || decode[MessageView](t, rec).EmployeeID != "bob" {
		t.Fatalf("reassign = %d %s", rec.Code, rec.Body)
	}

	rec = f.do(t, "POST", "/v1/messages/1/defer", nil)
	if rec.Code != http.StatusOK || decode[MessageView](t, rec).State != "deferred" {
		t.Fatalf("defer = %d %s", rec.Code, rec.Body)
	}

	rec = f.do(t, "POST", "/v1/messages/1/defer", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second defer = %d, want 409", rec.Code)
	}
}

func TestHandler_ListMessages(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, "POST", "/v1/messages", TrackMessageRequest{ExternalID: "tg-1", ClientRef: "c1", EmployeeID: "alice"})
	f.do(t, "POST", "/v1/messages", TrackMessageRequest{ExternalID: "tg-2", ClientRef: "c2", EmployeeID: "bob"})
	f.do(t, "POST", "/v1/messages/2/defer", nil)
	f.do(t, "POST", "/v1/messages", TrackMessageRequest{ExternalID: "tg-3", ClientRef: "c3", EmployeeID: "bob"})
	f.do(t, "POST", "/v1/replies", ReplyRequest{EmployeeID: "bob", ClientRef: "c3"})

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"1", "2", "3"}},
		{"?state=open", []string{"1"}},
		{"?state=awaiting", []string{"1", "2"}},
		{"?state=responded,deferred", []string{"2", "3"}},
		{"?employee_id=bob", []string{"2", "3"}},
		{"?from=2024-06-03T10:00:01Z", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := f.do(t, "GET", "/v1/messages"+tt.query, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d %s", rec.Code, rec.Body)
			}
			list := decode[MessageList](t, rec)
			var ids []string
			for _, m := range list.Messages {
				ids = append(ids, m.ID)
			}
			if strings.Join(ids, ",") != strings.Join(tt.want, ",") {
				t.Errorf("ids = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestHandler_Stats(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, "POST", "/v1/messages", TrackMessageRequest{ExternalID: "tg-1", ClientRef: "c1", EmployeeID: "alice"})
	f.do(t, "POST", "/v1/messages", TrackMessageRequest{ExternalID: "tg-2", ClientRef: "c2", EmployeeID: "alice"})
	f.do(t, "POST", "/v1/messages", TrackMessageRequest{ExternalID: "tg-3", ClientRef: "c3", EmployeeID: "bob"})
	f.clock.Advance(90 * time.Second)
	f.do(t, "POST", "/v1/replies", ReplyRequest{EmployeeID: "alice", ClientRef: "c1"})

	rec := f.do(t, "GET", "/v1/stats/employees/alice?period=today", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("employee stats = %d %s", rec.Code, rec.Body)
	}
	alice := decode[EmployeeStatsView](t, rec)
	if alice.Total != 2 || alice.Responded != 1 || alice.InProgress != 1 || alice.ResponseRate != 50 {
		t.Errorf("alice = %+v", alice)
	}
	if alice.AverageLatencySeconds == nil || *alice.AverageLatencySeconds != 90 {
		t.Errorf("average_latency_seconds = %v, want 90", alice.AverageLatencySeconds)
	}
	if len(alice.Exceeded) != 3 || alice.Exceeded[0].ThresholdSeconds != 900 {
		t.Errorf("exceeded = %+v", alice.Exceeded)
	}

	rec = f.do(t, "GET", "/v1/stats/employees/carol?from=2024-06-03T00:00:00Z&to=2024-06-04T00:00:00Z", nil)
	carol := decode[EmployeeStatsView](t, rec)
	if rec.Code != http.StatusOK || carol.Total != 0 || carol.AverageLatencySeconds != nil {
		t.Errorf("empty window = %d %+v", rec.Code, carol)
	}

	rec = f.do(t, "GET", "/v1/stats/employees/alice?from=2024-06-03T10:00:00Z&to=2024-06-03T10:00:00Z", nil)
	zero := decode[EmployeeStatsView](t, rec)
	if rec.Code != http.StatusOK || zero.Total != 0 {
		t.Errorf("zero-length window = %d %+v", rec.Code, zero)
	}

	rec = f.do(t, "GET", "/v1/stats/employees?ids=bob,carol", nil)
	list := decode[EmployeeStatsList](t, rec)
	if len(list.Employees) != 2 || list.Employees[0].EmployeeID != "bob" || list.Employees[0].Total != 1 {
		t.Errorf("employees = %+v", list.Employees)
	}

	rec = f.do(t, "GET", "/v1/stats/fleet", nil)
	fleet := decode[FleetView](t, rec)
	if fleet.Total != 3 || fleet.Responded != 1 || fleet.InProgress != 2 || fleet.Employees != 2 {
		t.Errorf("fleet = %+v", fleet)
	}
}

func TestHandler_StrictEmptyWindow(t *testing.T) {
	f := newFixture(t, nil, tracker.WithAnalytics(true, nil, nil))

	rec := f.do(t, "GET", "/v1/stats/employees/alice", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 (%s)", rec.Code, rec.Body)
	}
	if decode[ErrorBody](t, rec).Error.Type != "empty_window" {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestHandler_Export(t *testing.T) {
	exp := &fakeExporter{res: export.Result{Sheet: "today-2024-06-03", Rows: 2, Reports: 2, Completed: t0}}
	f := newFixture(t, []Option{WithExporter(exp)})

	rec := f.do(t, "POST", "/v1/export", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export = %d %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"sheet":"today-2024-06-03"`) {
		t.Errorf("body = %s", rec.Body)
	}

	exp.err = errors.New("disk full")
	rec = f.do(t, "POST", "/v1/export", nil)
	if rec.Code != http.StatusInternalServerError || strings.Contains(rec.Body.String(), "disk full") {
		t.Errorf("failed export = %d %s", rec.Code, rec.Body)
	}
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, []Option{WithMetrics(reg)}, tracker.WithMetrics(reg))
	f.do(t, "POST", "/v1/messages", TrackMessageRequest{ExternalID: "tg-1", ClientRef: "c1", EmployeeID: "alice"})

	if rec := f.do(t, "GET", "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}

	rec := f.do(t, "GET", "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "replywatch_messages_awaiting 1") {
		t.Errorf("metrics = %d %s", rec.Code, rec.Body)
	}
}
