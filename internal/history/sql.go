package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var ErrEmptyDSN = errors.New("history: empty DSN")

// Dialect describes a database/sql backend for SQLSink.
type Dialect struct {
	Driver string
	// Schema is run once on open; statements must be idempotent.
	Schema []string
	// Bind returns the n-th (1-based) bind parameter.
	Bind func(n int) string
	// MaxOpenConns limits the pool when non-zero.
	MaxOpenConns int
}

// Question binds with "?".
func Question(int) string { return "?" }

// Dollar binds with "$n".
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

var columns = []string{"occurred_at", "event", "pool", "slot", "pid", "status", "uptime_ms"}

// SQLSink stores events in the Table of a database/sql database.
type SQLSink struct {
	db      *sql.DB
	insert  string
	byExits string
}

// OpenSQL opens dsn with the dialect's driver and ensures the schema.
func OpenSQL(ctx context.Context, d Dialect, dsn string) (*SQLSink, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%w (%s)", ErrEmptyDSN, d.Driver)
	}
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, err
	}
	if d.MaxOpenConns > 0 {
		db.SetMaxOpenConns(d.MaxOpenConns)
	}
	for _, q := range d.Schema {
		if _, err := db.ExecContext(ctx, q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("history: %s schema: %w", d.Driver, err)
		}
	}
	binds := make([]string, len(columns))
	for i := range binds {
		binds[i] = d.Bind(i + 1)
	}
	return &SQLSink{
		db: db,
		insert: "INSERT INTO " + Table + "(" + strings.Join(columns, ", ") + ") VALUES(" +
			strings.Join(binds, ", ") + ")",
		byExits: "SELECT status, COUNT(*) FROM " + Table + " WHERE event = " + d.Bind(1) +
			" AND pool = " + d.Bind(2) + " GROUP BY status",
	}, nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx, s.insert,
		e.OccurredAt.UTC(), string(e.Type), e.Pool, e.Slot, e.PID, e.Status, e.UptimeMS)
	return err
}

// ExitCounts aggregates the exit events of a pool by status.
func (s *SQLSink) ExitCounts(ctx context.Context, pool string) (map[int]int, error) {
	rows, err := s.db.QueryContext(ctx, s.byExits, string(EventExit), pool)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[int]int)
	for rows.Next() {
		var status, n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// DB exposes the handle for ad hoc queries.
func (s *SQLSink) DB() *sql.DB { return s.db }

func (s *SQLSink) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
