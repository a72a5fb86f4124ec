package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/replywatch/internal/api"
	"github.com/tjfontaine/replywatch/internal/clock"
	"github.com/tjfontaine/replywatch/internal/core/domain"
	"github.com/tjfontaine/replywatch/internal/server"
	"github.com/tjfontaine/replywatch/internal/tracker"
)

var t0 = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) Next() int64 { return s.n.Add(1) }

func setup(t *testing.T) (string, *tracker.Tracker, *clock.Virtual) {
	t.Helper()
	color.NoColor = true
	now = func() time.Time { return t0.Add(10 * time.Minute) }
	t.Cleanup(func() { now = time.Now })

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewVirtual(t0)
	tr, err := tracker.New(tracker.WithClock(clk), tracker.WithIDs(&seqIDs{}), tracker.WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}

	r := chi.NewRouter()
	r.Use(server.IdentityMiddleware(server.DefaultIdentityHeader))
	api.NewHandler(tr, api.WithLogger(quiet)).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL, tr, clk
}

func run(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	cmd := RootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", url, "--as", "ops"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func track(t *testing.T, tr *tracker.Tracker, ext, client, employee string) {
	t.Helper()
	if _, err := tr.TrackMessage(context.Background(), domain.NewMessage{ExternalID: ext, ClientRef: client, EmployeeID: employee}); err != nil {
		t.Fatal(err)
	}
}

func TestMessagesCommands(t *testing.T) {
	url, tr, clk := setup(t)
	track(t, tr, "tg-1", "c1", "alice")
	track(t, tr, "tg-2", "c2", "bob")
	clk.Advance(2 * time.Minute)
	if _, err := tr.RecordReply(context.Background(), "alice", "c1", time.Time{}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		args    []string
		want    []string
		notWant []string
	}{
		{
			name: "list all",
			args: []string{"messages", "list"},
			want: []string{"ID", "responded", "alice", "2m0s", "10 minutes ago"},
		},
		{
			name:    "list awaiting",
			args:    []string{"messages", "list", "--state", "awaiting"},
			want:    []string{"bob", "open"},
			notWant: []string{"alice"},
		},
		{
			name: "list empty",
			args: []string{"messages", "list", "--state", "missed"},
			want: []string{"No messages found."},
		},
		{
			name: "get",
			args: []string{"msg", "get", "1"},
			want: []string{"Message 1 (tg-1)", "State:    responded", "by alice after 2m0s"},
		},
		{
			name: "reassign",
			args: []string{"messages", "reassign", "2", "carol"},
			want: []string{"✓ Message 2 reassigned to carol"},
		},
		{
			name: "defer",
			args: []string{"messages", "defer", "2"},
			want: []string{"✓ Message 2 is now deferred"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, url, tt.args...)
			if err != nil {
				t.Fatalf("run() error = %v\n%s", err, out)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("output unexpectedly contains %q:\n%s", w, out)
				}
			}
		})
	}
}

func TestMessagesCommands_Errors(t *testing.T) {
	url, _, _ := setup(t)

	if _, err := run(t, url, "messages", "get", "abc"); err == nil || !strings.Contains(err.Error(), "invalid message id") {
		t.Errorf("get abc error = %v", err)
	}
	if _, err := run(t, url, "messages", "get", "7"); err == nil || !strings.Contains(err.Error(), "not_found") {
		t.Errorf("get 7 error = %v", err)
	}
	if _, err := run(t, url, "stats", "fleet", "--period", "week", "--from", "2024-06-01T00:00:00Z"); err == nil {
		t.Error("expected error for --period with --from")
	}
}

func TestStatsCommands(t *testing.T) {
	url, tr, clk := setup(t)
	track(t, tr, "tg-1", "c1", "alice")
	track(t, tr, "tg-2", "c2", "alice")
	track(t, tr, "tg-3", "c3", "bob")
	clk.Advance(30 * time.Second)
	if _, err := tr.RecordReply(context.Background(), "alice", "c1", time.Time{}); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, url, "stats", "employee", "alice", "--period", "today")
	if err != nil {
		t.Fatal(err)
	}
	for _, w := range []string{"📊 alice", "Messages:       2 (2 clients)", "Response rate:  50.0%", "Avg latency:    30s", "Slower than 15m0s: 0"} {
		if !strings.Contains(out, w) {
			t.Errorf("employee output missing %q:\n%s", w, out)
		}
	}

	out, err = run(t, url, "stats", "employees", "--from", "2024-06-03T00:00:00Z", "--to", "2024-06-04T00:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "EMPLOYEE") || !strings.Contains(out, "alice") || !strings.Contains(out, "bob") {
		t.Errorf("employees output:\n%s", out)
	}

	out, err = run(t, url, "stats", "fleet")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Employees:    2") || !strings.Contains(out, "Messages:     3 (3 clients)") {
		t.Errorf("fleet output:\n%s", out)
	}
}

func TestExportCommand_Unconfigured(t *testing.T) {
	url, _, _ := setup(t)
	_, err := run(t, url, "export")
	if err == nil || !strings.Contains(err.Error(), "unavailable") {
		t.Errorf("export error = %v, want unavailable", err)
	}
}
