// Package redisstream appends notifications to a Redis stream.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/replywatch/internal/core/domain"
	"github.com/tjfontaine/replywatch/internal/core/ports"
)

// Streamer is the subset of *redis.Client the producer uses.
type Streamer interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

type Producer struct {
	client Streamer
	stream string
	maxLen int64
	logger *slog.Logger
}

var _ ports.Notifier = (*Producer)(nil)

// New creates a producer. maxLen > 0 trims the stream approximately.
func New(client Streamer, stream string, maxLen int64, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{client: client, stream: stream, maxLen: maxLen, logger: logger}
}

func (p *Producer) Notify(ctx context.Context, n domain.Notification) error {
	fields := map[string]any{
		"notification_id": n.ID,
		"kind":            string(n.Kind),
		"employee_id":     n.EmployeeID,
		"requested_at":    n.RequestedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if n.MessageID != 0 {
		fields["message_id"] = n.MessageID
		fields["client_ref"] = n.ClientRef
		fields["elapsed_ms"] = n.Elapsed.Milliseconds()
	}
	if n.Stage > 0 {
		fields["stage"] = n.Stage
	}
	if n.Report != nil {
		report, err := json.Marshal(n.Report)
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		fields["report"] = string(report)
	}

	args := &redis.XAddArgs{Stream: p.stream, Values: fields}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}

	p.logger.DebugContext(ctx, "appended notification to stream",
		slog.String("stream", p.stream),
		slog.String("entry_id", id),
		slog.String("notification_id", n.ID))
	return nil
}
