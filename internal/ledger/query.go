package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tjfontaine/replywatch/internal/core/domain"
	"github.com/tjfontaine/replywatch/internal/core/ports"
)

// Get returns a snapshot of one message.
func (l *Ledger) Get(ctx context.Context, id int64) (domain.TrackedMessage, error) {
	l.mu.RLock()
	m, ok := l.records[id]
	l.mu.RUnlock()
	if ok {
		return m, nil
	}
	return l.load(ctx, id)
}

// QueryOpen returns every open or deferred message, oldest first.
func (l *Ledger) QueryOpen(ctx context.Context) ([]domain.TrackedMessage, error) {
	l.mu.RLock()
	var out []domain.TrackedMessage
	for _, set := range l.awaiting {
		for id := range set {
			out = append(out, l.records[id])
		}
	}
	l.mu.RUnlock()

	sortMessages(out)
	return out, nil
}

// OpenForClient returns the open and deferred messages in one employee's
// conversation with a client, oldest first.
func (l *Ledger) OpenForClient(ctx context.Context, employeeID, clientRef string) ([]domain.TrackedMessage, error) {
	l.mu.RLock()
	set := l.awaiting[convKey{employeeID, clientRef}]
	out := make([]domain.TrackedMessage, 0, len(set))
	for id := range set {
		out = append(out, l.records[id])
	}
	l.mu.RUnlock()

	sortMessages(out)
	return out, nil
}

// QueryWindow returns all messages that arrived in w, oldest first.
func (l *Ledger) QueryWindow(ctx context.Context, w domain.Window) ([]domain.TrackedMessage, error) {
	return l.query(ctx, ports.MessageFilter{ArrivedFrom: w.Start, ArrivedTo: w.End})
}

// QueryByEmployee returns one employee's messages that arrived in w.
func (l *Ledger) QueryByEmployee(ctx context.Context, employeeID string, w domain.Window) ([]domain.TrackedMessage, error) {
	return l.query(ctx, ports.MessageFilter{EmployeeID: employeeID, ArrivedFrom: w.Start, ArrivedTo: w.End})
}

// List returns the messages passing f, oldest first.
func (l *Ledger) List(ctx context.Context, f ports.MessageFilter) ([]domain.TrackedMessage, error) {
	return l.query(ctx, f)
}

// Employees returns the distinct employees with messages arriving in w.
func (l *Ledger) Employees(ctx context.Context, w domain.Window) ([]string, error) {
	msgs, err := l.QueryWindow(ctx, w)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, m := range msgs {
		if _, ok := seen[m.EmployeeID]; ok {
			continue
		}
		seen[m.EmployeeID] = struct{}{}
		out = append(out, m.EmployeeID)
	}
	sort.Strings(out)
	return out, nil
}

// query scans memory and, for the part of the range older than the
// in-memory horizon, the store.
func (l *Ledger) query(ctx context.Context, f ports.MessageFilter) ([]domain.TrackedMessage, error) {
	l.mu.RLock()
	horizon := l.horizon
	var out []domain.TrackedMessage
	seen := make(map[int64]struct{})
	for _, m := range l.records {
		if f.Matches(m) {
			out = append(out, m)
			seen[m.ID] = struct{}{}
		}
	}
	l.mu.RUnlock()

	if l.store != nil && !horizon.IsZero() && (f.ArrivedFrom.IsZero() || f.ArrivedFrom.Before(horizon)) {
		older := f
		if older.ArrivedTo.IsZero() || older.ArrivedTo.After(horizon) {
			older.ArrivedTo = horizon
		}
		stored, err := l.store.List(ctx, older)
		if err != nil {
			return nil, fmt.Errorf("failed to list stored messages: %w", err)
		}
		for _, m := range stored {
			if _, dup := seen[m.ID]; !dup {
				out = append(out, m)
			}
		}
	}

	sortMessages(out)
	return out, nil
}

// Restore loads messages from the store: everything that arrived at or after
// since, plus every message still awaiting a reply. Awaiting messages are
// announced with ChangeRestored so the scheduler can re-arm them; those
// already past their deadline fire immediately. Restored missed messages that
// were never notified are announced with ChangeUnnotified.
func (l *Ledger) Restore(ctx context.Context, since time.Time) (int, error) {
	if l.store == nil {
		return 0, nil
	}

	recent, err := l.store.List(ctx, ports.MessageFilter{ArrivedFrom: since})
	if err != nil {
		return 0, fmt.Errorf("failed to restore recent messages: %w", err)
	}
	open, err := l.store.List(ctx, ports.MessageFilter{
		States: []domain.State{domain.StateOpen, domain.StateDeferred},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to restore open messages: %w", err)
	}

	var restored []domain.TrackedMessage
	l.mu.Lock()
	for _, m := range append(recent, open...) {
		if cur, ok := l.records[m.ID]; ok && cur.Version >= m.Version {
			continue
		}
		prev := l.records[m.ID]
		l.byExternal[m.ExternalID] = m.ID
		l.swapLocked(prev, m)
		restored = append(restored, m)
	}
	if l.horizon.IsZero() || since.After(l.horizon) {
		l.horizon = since
	}
	l.mu.Unlock()

	sortMessages(restored)
	for _, m := range restored {
		switch {
		case m.State.Awaiting():
			l.emit(ctx, Change{Type: ChangeRestored, From: m.State, Message: m, At: m.ArrivedAt})
		case m.State == domain.StateMissed && m.MissedNotifiedAt.IsZero():
			l.emit(ctx, Change{Type: ChangeUnnotified, From: m.State, Message: m, At: m.MissedAt})
		}
	}

	l.logger.Info("restored messages from store",
		slog.Int("count", len(restored)),
		slog.Time("since", since))
	return len(restored), nil
}

// Compact evicts terminal messages that arrived before cutoff from memory.
// They stay readable through the store. Without a store nothing is evicted.
func (l *Ledger) Compact(cutoff time.Time) int {
	if l.store == nil {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for id, m := range l.records {
		if m.State.Terminal() && m.ArrivedAt.Before(cutoff) {
			delete(l.records, id)
			delete(l.byExternal, m.ExternalID)
			n++
		}
	}
	if cutoff.After(l.horizon) {
		l.horizon = cutoff
	}
	return n
}

// Len returns the number of messages held in memory.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
