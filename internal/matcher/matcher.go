// Package matcher resolves employee replies to the tracked messages they
// answer.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/replywatch/internal/core/domain"
)

// Ledger is the subset of the message ledger the matcher needs.
type Ledger interface {
	OpenForClient(ctx context.Context, employeeID, clientRef string) ([]domain.TrackedMessage, error)
	MarkResponded(ctx context.Context, id int64, at time.Time) (domain.TrackedMessage, error)
}

// Result lists the messages a reply resolved. It is empty for proactive
// replies that answer nothing.
type Result struct {
	Resolved []domain.TrackedMessage `json:"resolved"`
}

// Matched reports whether the reply resolved anything.
func (r Result) Matched() bool { return len(r.Resolved) > 0 }

// Option configures a Matcher.
type Option func(*Matcher)

// WithResolveAll makes one reply resolve every awaiting message in the
// conversation instead of only the oldest.
func WithResolveAll(on bool) Option {
	return func(m *Matcher) { m.resolveAll = on }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Matcher) { m.logger = logger }
}

// Matcher keeps no state of its own.
type Matcher struct {
	ledger     Ledger
	resolveAll bool
	logger     *slog.Logger
}

func New(l Ledger, opts ...Option) *Matcher {
	m := &Matcher{ledger: l, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnEmployeeReply resolves the oldest awaiting message from clientRef that
// is assigned to employeeID. A candidate that is concurrently missed is
// skipped in favor of the next oldest, so the reply still lands while any
// obligation remains. Messages that arrived after repliedAt are never
// resolved by it.
func (m *Matcher) OnEmployeeReply(ctx context.Context, employeeID, clientRef string, repliedAt time.Time) (Result, error) {
	if employeeID == "" || clientRef == "" {
		return Result{}, domain.InvalidRequest("employee_id and client_ref are required")
	}
	if repliedAt.IsZero() {
		return Result{}, domain.InvalidRequest("replied_at is required")
	}

	candidates, err := m.ledger.OpenForClient(ctx, employeeID, clientRef)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load open messages: %w", err)
	}

	var res Result
	for _, c := range candidates {
		if c.ArrivedAt.After(repliedAt) {
			break
		}
		resolved, err := m.ledger.MarkResponded(ctx, c.ID, repliedAt)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
				m.logger.Debug("reply candidate no longer open",
					slog.Int64("message_id", c.ID),
					slog.String("error", err.Error()))
				continue
			}
			return res, fmt.Errorf("failed to resolve message %d: %w", c.ID, err)
		}
		res.Resolved = append(res.Resolved, resolved)
		if !m.resolveAll {
			break
		}
	}

	if !res.Matched() {
		m.logger.Debug("reply matched no open message",
			slog.String("employee_id", employeeID),
			slog.String("client_ref", clientRef))
	}
	return res, nil
}
