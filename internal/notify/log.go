package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tjfontaine/replywatch/internal/core/domain"
	"github.com/tjfontaine/replywatch/internal/core/ports"
)

// LogNotifier writes notifications to the log. It is the default sink when
// no transport is configured.
type LogNotifier struct {
	logger *slog.Logger
}

var _ ports.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, note domain.Notification) error {
	attrs := []slog.Attr{
		slog.String("notification_id", note.ID),
		slog.String("kind", string(note.Kind)),
		slog.String("employee_id", note.EmployeeID),
	}
	if note.MessageID != 0 {
		attrs = append(attrs,
			slog.Int64("message_id", note.MessageID),
			slog.String("client_ref", note.ClientRef),
			slog.Duration("elapsed", note.Elapsed))
	}
	if note.Report != nil {
		attrs = append(attrs,
			slog.Int("total", note.Report.Total),
			slog.Int("responded", note.Report.Responded),
			slog.Int("missed", note.Report.Missed))
	}
	n.logger.LogAttrs(ctx, slog.LevelInfo, "employee notification", attrs...)
	return nil
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []ports.Notifier

var _ ports.Notifier = Fanout(nil)

func (f Fanout) Notify(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, notifier := range f {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
