package matcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/replywatch/internal/core/domain"
	"github.com/tjfontaine/replywatch/internal/ledger"
)

var t0 = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) Next() int64 { return s.n.Add(1) }

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(ledger.WithIDs(&seqIDs{}))
	if err != nil {
		t.Fatalf("ledger.New() error = %v", err)
	}
	return l
}

func create(t *testing.T, l *ledger.Ledger, ext, employee, client string, at time.Duration) domain.TrackedMessage {
	t.Helper()
	m, err := l.Create(context.Background(), domain.NewMessage{
		ExternalID: ext, ClientRef: client, EmployeeID: employee, ArrivedAt: t0.Add(at),
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return m
}

func TestOnEmployeeReply_ResolvesOldest(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	first := create(t, l, "a", "e1", "c1", 0)
	second := create(t, l, "b", "e1", "c1", 10*time.Second)

	res, err := New(l).OnEmployeeReply(ctx, "e1", "c1", t0.Add(20*time.Second))
	if err != nil {
		t.Fatalf("OnEmployeeReply() error = %v", err)
	}
	if len(res.Resolved) != 1 || res.Resolved[0].ID != first.ID {
		t.Fatalf("resolved = %+v, want message %d", res.Resolved, first.ID)
	}

	got, _ := l.Get(ctx, second.ID)
	if got.State != domain.StateOpen {
		t.Errorf("second message = %s, want open", got.State)
	}
}

func TestOnEmployeeReply_TieBreaksByID(t *testing.T) {
	l := newLedger(t)
	a := create(t, l, "a", "e1", "c1", 0)
	create(t, l, "b", "e1", "c1", 0)

	res, _ := New(l).OnEmployeeReply(context.Background(), "e1", "c1", t0.Add(time.Second))
	if len(res.Resolved) != 1 || res.Resolved[0].ID != a.ID {
		t.Errorf("resolved = %+v, want lowest id", res.Resolved)
	}
}

func TestOnEmployeeReply_NoMatch(t *testing.T) {
	l := newLedger(t)
	create(t, l, "a", "e1", "c1", 0)
	create(t, l, "b", "e2", "c2", 0)

	tests := []struct {
		name     string
		employee string
		client   string
	}{
		{"other employee", "e2", "c1"},
		{"other client", "e1", "c2"},
		{"nobody", "e9", "c9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := New(l).OnEmployeeReply(context.Background(), tt.employee, tt.client, t0.Add(time.Minute))
			if err != nil {
				t.Fatalf("OnEmployeeReply() error = %v", err)
			}
			if res.Matched() {
				t.Errorf("resolved %+v", res.Resolved)
			}
		})
	}
}

func TestOnEmployeeReply_SkipsLostRace(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	oldest := create(t, l, "a", "e1", "c1", 0)
	next := create(t, l, "b", "e1", "c1", time.Second)

	racy := &raceLedger{Ledger: l, missBefore: oldest.ID}
	res, err := New(racy).OnEmployeeReply(ctx, "e1", "c1", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("OnEmployeeReply() error = %v", err)
	}
	if len(res.Resolved) != 1 || res.Resolved[0].ID != next.ID {
		t.Errorf("resolved = %+v, want fallback to %d", res.Resolved, next.ID)
	}
}

// raceLedger marks a candidate missed between the snapshot and the reply.
type raceLedger struct {
	*ledger.Ledger
	missBefore int64
}

func (r *raceLedger) MarkResponded(ctx context.Context, id int64, at time.Time) (domain.TrackedMessage, error) {
	if id == r.missBefore {
		r.Ledger.MarkMissed(ctx, id, at)
	}
	return r.Ledger.MarkResponded(ctx, id, at)
}

func TestOnEmployeeReply_IgnoresLaterArrivals(t *testing.T) {
	l := newLedger(t)
	create(t, l, "a", "e1", "c1", time.Hour)

	res, _ := New(l).OnEmployeeReply(context.Background(), "e1", "c1", t0)
	if res.Matched() {
		t.Errorf("reply resolved a message that arrived after it")
	}
}

func TestOnEmployeeReply_ResolveAll(t *testing.T) {
	l := newLedger(t)
	for _, ext := range []string{"a", "b", "c"} {
		create(t, l, ext, "e1", "c1", 0)
	}

	res, err := New(l, WithResolveAll(true)).OnEmployeeReply(context.Background(), "e1", "c1", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("OnEmployeeReply() error = %v", err)
	}
	if len(res.Resolved) != 3 {
		t.Errorf("resolved %d, want 3", len(res.Resolved))
	}
}

func TestOnEmployeeReply_Validation(t *testing.T) {
	m := New(newLedger(t))
	if _, err := m.OnEmployeeReply(context.Background(), "", "c1", t0); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("missing employee error = %v", err)
	}
	if _, err := m.OnEmployeeReply(context.Background(), "e1", "c1", time.Time{}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("missing time error = %v", err)
	}
}
