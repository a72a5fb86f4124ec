package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/replywatch/internal/core/domain"
	"github.com/tjfontaine/replywatch/internal/core/ports"
	"github.com/tjfontaine/replywatch/internal/storage/dialect"
)

// Store is a SQL implementation of MessageStore that supports multiple
// database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ ports.MessageStore = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	ts := s.dialect.TimestampType()
	text := s.dialect.TextType()
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tracked_messages (
id %[1]s PRIMARY KEY,
external_id %[2]s NOT NULL UNIQUE,
client_ref %[2]s NOT NULL,
employee_id %[2]s NOT NULL,
arrived_at %[3]s NOT NULL,
state %[2]s NOT NULL,
responded_at %[3]s,
responded_by %[2]s,
deferred_at %[3]s,
missed_at %[3]s,
missed_notified_at %[3]s,
reminders_sent INTEGER NOT NULL DEFAULT 0,
version %[1]s NOT NULL,
updated_at %[3]s NOT NULL
)`, s.dialect.BigIntType(), text, ts),
		`CREATE INDEX IF NOT EXISTS idx_tracked_messages_employee ON tracked_messages(employee_id, arrived_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tracked_messages_arrived ON tracked_messages(arrived_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tracked_messages_state ON tracked_messages(state)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(s.dialect.Rebind(stmt)); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return s.runMigrations()
}

func (s *Store) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"tracked_messages", "reminders_sent", "ALTER TABLE tracked_messages ADD COLUMN reminders_sent INTEGER NOT NULL DEFAULT 0"},
		{"tracked_messages", "responded_by", "ALTER TABLE tracked_messages ADD COLUMN responded_by " + s.dialect.TextType()},
	}

	for _, m := range migrations {
		exists, err := s.columnExists(m.table, m.column)
		if err != nil {
			return fmt.Errorf("failed to check column %s.%s: %w", m.table, m.column, err)
		}
		if !exists {
			if _, err := s.db.Exec(s.dialect.Rebind(m.ddl)); err != nil {
				return fmt.Errorf("failed to add column %s.%s: %w", m.table, m.column, err)
			}
		}
	}

	return nil
}

func (s *Store) columnExists(table, column string) (bool, error) {
	var count int
	query := s.dialect.ColumnExistsQuery()
	err := s.db.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// messageRow is the database shape of a TrackedMessage.
type messageRow struct {
	ID               int64          `db:"id"`
	ExternalID       string         `db:"external_id"`
	ClientRef        string         `db:"client_ref"`
	EmployeeID       string         `db:"employee_id"`
	ArrivedAt        time.Time      `db:"arrived_at"`
	State            string         `db:"state"`
	RespondedAt      sql.NullTime   `db:"responded_at"`
	RespondedBy      sql.NullString `db:"responded_by"`
	DeferredAt       sql.NullTime   `db:"deferred_at"`
	MissedAt         sql.NullTime   `db:"missed_at"`
	MissedNotifiedAt sql.NullTime   `db:"missed_notified_at"`
	RemindersSent    int            `db:"reminders_sent"`
	Version          int64          `db:"version"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

const selectColumns = `id, external_id, client_ref, employee_id, arrived_at, state,
responded_at, responded_by, deferred_at, missed_at, missed_notified_at,
reminders_sent, version, updated_at`

var mutableColumns = []string{
	"employee_id", "state", "responded_at", "responded_by", "deferred_at",
	"missed_at", "missed_notified_at", "reminders_sent", "version", "updated_at",
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func timeOf(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time.UTC()
}

func (r messageRow) toDomain() domain.TrackedMessage {
	return domain.TrackedMessage{
		ID:               r.ID,
		ExternalID:       r.ExternalID,
		ClientRef:        r.ClientRef,
		EmployeeID:       r.EmployeeID,
		ArrivedAt:        r.ArrivedAt.UTC(),
		State:            domain.State(r.State),
		RespondedAt:      timeOf(r.RespondedAt),
		RespondedBy:      r.RespondedBy.String,
		DeferredAt:       timeOf(r.DeferredAt),
		MissedAt:         timeOf(r.MissedAt),
		MissedNotifiedAt: timeOf(r.MissedNotifiedAt),
		RemindersSent:    r.RemindersSent,
		Version:          r.Version,
	}
}

func (s *Store) Save(ctx context.Context, m domain.TrackedMessage) error {
	query := s.dialect.Rebind(`INSERT INTO tracked_messages (` + selectColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ` +
		s.dialect.VersionedUpsertClause("tracked_messages", "id", "version", mutableColumns))

	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.ExternalID, m.ClientRef, m.EmployeeID, m.ArrivedAt.UTC(), string(m.State),
		nullTime(m.RespondedAt), sql.NullString{String: m.RespondedBy, Valid: m.RespondedBy != ""},
		nullTime(m.DeferredAt), nullTime(m.MissedAt), nullTime(m.MissedNotifiedAt),
		m.RemindersSent, m.Version, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save message %d: %w", m.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id int64) (domain.TrackedMessage, error) {
	query := s.dialect.Rebind(`SELECT ` + selectColumns + ` FROM tracked_messages WHERE id = ?`)

	var row messageRow
	err := s.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TrackedMessage{}, domain.NotFound(id)
	}
	if err != nil {
		return domain.TrackedMessage{}, fmt.Errorf("failed to get message %d: %w", id, err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetByExternalID(ctx context.Context, externalID string) (domain.TrackedMessage, error) {
	query := s.dialect.Rebind(`SELECT ` + selectColumns + ` FROM tracked_messages WHERE external_id = ?`)

	var row messageRow
	err := s.db.GetContext(ctx, &row, query, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TrackedMessage{}, &domain.TrackingError{
			Kind:       domain.ErrorKindNotFound,
			Message:    "external id " + externalID + " not found",
			ExternalID: externalID,
		}
	}
	if err != nil {
		return domain.TrackedMessage{}, fmt.Errorf("failed to get message by external id: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) List(ctx context.Context, filter ports.MessageFilter) ([]domain.TrackedMessage, error) {
	var (
		where []string
		args  []any
	)
	if filter.EmployeeID != "" {
		where = append(where, "employee_id = ?")
		args = append(args, filter.EmployeeID)
	}
	if !filter.ArrivedFrom.IsZero() {
		where = append(where, "arrived_at >= ?")
		args = append(args, filter.ArrivedFrom.UTC())
	}
	if !filter.ArrivedTo.IsZero() {
		where = append(where, "arrived_at < ?")
		args = append(args, filter.ArrivedTo.UTC())
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		where = append(where, "state IN (?)")
		args = append(args, states)
	}

	query := `SELECT ` + selectColumns + ` FROM tracked_messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY arrived_at, id"

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to expand query: %w", err)
	}

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	out := make([]domain.TrackedMessage, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
