package ports

import (
	"context"
	"time"

	"github.com/tjfontaine/replywatch/internal/core/domain"
)

// MessageStore is the durable backing for the message ledger.
type MessageStore interface {
	// Save upserts a message. A row with a Version greater than or equal to
	// m.Version is left untouched, so out-of-order writes cannot regress state.
	Save(ctx context.Context, m domain.TrackedMessage) error

	// Get retrieves a message by id.
	Get(ctx context.Context, id int64) (domain.TrackedMessage, error)

	// GetByExternalID retrieves a message by its transport id.
	GetByExternalID(ctx context.Context, externalID string) (domain.TrackedMessage, error)

	// List returns messages matching the filter ordered by arrival then id.
	List(ctx context.Context, filter MessageFilter) ([]domain.TrackedMessage, error)

	// Close closes the storage connection
	Close() error
}

// MessageFilter narrows a List call. Zero fields do not filter.
type MessageFilter struct {
	States      []domain.State
	EmployeeID  string
	ArrivedFrom time.Time
	ArrivedTo   time.Time
}

// Matches reports whether m passes the filter.
func (f MessageFilter) Matches(m domain.TrackedMessage) bool {
	if f.EmployeeID != "" && m.EmployeeID != f.EmployeeID {
		return false
	}
	if !f.ArrivedFrom.IsZero() && m.ArrivedAt.Before(f.ArrivedFrom) {
		return false
	}
	if !f.ArrivedTo.IsZero() && !m.ArrivedAt.Before(f.ArrivedTo) {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if m.State == s {
			return true
		}
	}
	return false
}

// Notifier delivers notifications to employees.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// RowAppender appends tabular rows to a named sheet.
type RowAppender interface {
	AppendRows(ctx context.Context, sheet string, header []string, rows [][]string) error
}
