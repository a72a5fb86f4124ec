package export

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/replywatch/internal/clock"
	"github.com/tjfontaine/replywatch/internal/core/domain"
	"github.com/tjfontaine/replywatch/internal/notify"
)

type fakeStats struct {
	calls   []domain.Window
	results []domain.EmployeeResponseStats
	err     error
}

func (f *fakeStats) ComputeAllStats(ctx context.Context, ids []string, start, end time.Time) ([]domain.EmployeeResponseStats, error) {
	f.calls = append(f.calls, domain.Window{Start: start, End: end})
	return f.results, f.err
}

type fakeAppender struct {
	mu     sync.Mutex
	sheets []string
	header []string
	rows   [][]string
}

func (f *fakeAppender) AppendRows(ctx context.Context, sheet string, header []string, rows [][]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sheets = append(f.sheets, sheet)
	f.header = header
	f.rows = append(f.rows, rows...)
	return nil
}

var start = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func sampleStats() []domain.EmployeeResponseStats {
	return []domain.EmployeeResponseStats{
		{
			EmployeeID: "e1", Total: 4, Responded: 3, Missed: 1, ResponseRate: 75,
			AverageLatency: 90 * time.Second, HasLatency: true,
			ExceededCounts: []domain.ThresholdCount{{Threshold: 15 * time.Minute, Count: 1}},
		},
		{
			EmployeeID: "e2", Total: 1, InProgress: 1,
			ExceededCounts: []domain.ThresholdCount{{Threshold: 15 * time.Minute}},
		},
	}
}

func TestExporter_Export(t *testing.T) {
	stats := &fakeStats{results: sampleStats()}
	app := &fakeAppender{}
	q := notify.NewQueue(10, notify.DropNewest)

	e, err := New(stats, app, q, clock.NewVirtual(start), Config{Reports: true}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := e.Export(context.Background(), start)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.Rows != 2 || res.Reports != 2 || res.Sheet != "today-2024-06-03" {
		t.Errorf("Export() = %+v", res)
	}
	wantWindow := domain.Window{Start: time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC)}
	if stats.calls[0] != wantWindow {
		t.Errorf("window = %+v", stats.calls[0])
	}

	if got := app.header[len(app.header)-1]; got != "over_15m0s" {
		t.Errorf("last header column = %q", got)
	}
	first := app.rows[0]
	if first[1] != "e1" || first[8] != "75.0" || first[9] != "90.0" || first[10] != "1" {
		t.Errorf("row = %v", first)
	}
	if app.rows[1][9] != "" {
		t.Errorf("average for employee without replies = %q, want empty", app.rows[1][9])
	}

	if q.Len() != 2 {
		t.Fatalf("queued reports = %d", q.Len())
	}
	n := <-q.C()
	if n.Kind != domain.NotificationDailyReport || n.Report == nil || n.Report.EmployeeID != "e1" || n.ID == "" {
		t.Errorf("report notification = %+v", n)
	}
}

func TestExporter_NoReportsWhenDisabled(t *testing.T) {
	q := notify.NewQueue(10, notify.DropNewest)
	e, _ := New(&fakeStats{results: sampleStats()}, nil, q, clock.NewVirtual(start), Config{}, nil)
	res, err := e.Export(context.Background(), start)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.Rows != 0 || res.Reports != 0 || q.Len() != 0 {
		t.Errorf("Export() = %+v, queued %d", res, q.Len())
	}
}

func TestExporter_StatsError(t *testing.T) {
	boom := errors.New("store down")
	e, _ := New(&fakeStats{err: boom}, &fakeAppender{}, nil, clock.NewVirtual(start), Config{}, nil)
	if _, err := e.Export(context.Background(), start); !errors.Is(err, boom) {
		t.Errorf("Export() error = %v, want %v", err, boom)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad cron", Config{Cron: "every day"}},
		{"bad period", Config{Period: "year"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(&fakeStats{}, nil, nil, clock.NewVirtual(start), tt.cfg, nil); err == nil {
				t.Error("New() expected error")
			}
		})
	}
}

func TestExporter_CronSchedule(t *testing.T) {
	stats := &fakeStats{results: sampleStats()}
	app := &fakeAppender{}
	clk := clock.NewVirtual(start)

	e, err := New(stats, app, nil, clk, Config{Cron: "0 19 * * *"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	clk.Advance(9*time.Hour + 59*time.Minute)
	if len(stats.calls) != 0 {
		t.Fatalf("exported before 19:00")
	}
	clk.Advance(time.Minute)
	if len(stats.calls) != 1 {
		t.Fatalf("exports at 19:00 = %d, want 1", len(stats.calls))
	}

	clk.Advance(24 * time.Hour)
	if len(stats.calls) != 2 {
		t.Fatalf("exports after a day = %d, want 2", len(stats.calls))
	}
	if !stats.calls[1].Start.Equal(time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("second export window = %+v", stats.calls[1])
	}

	e.Stop()
	clk.Advance(48 * time.Hour)
	if len(stats.calls) != 2 {
		t.Errorf("exports after Stop = %d, want 2", len(stats.calls))
	}
}
