// Package sqlite stores worker history in a SQLite file through the pure Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/workerd/internal/history"
)

var dialect = history.Dialect{
	Driver: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS ` + history.Table + `(
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			event TEXT NOT NULL,
			pool TEXT NOT NULL,
			slot INTEGER NOT NULL,
			pid INTEGER NOT NULL,
			status INTEGER NOT NULL,
			uptime_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_worker_history_pool ON ` + history.Table + `(pool, occurred_at)`,
	},
	Bind: history.Question,
	// :memory: databases are per connection
	MaxOpenConns: 1,
}

// New opens a sink. Accepted forms: "sqlite:///path/to/file.db",
// "sqlite://:memory:", a bare path or ":memory:".
func New(dsn string) (*history.SQLSink, error) {
	dsn = strings.TrimSpace(dsn)
	if len(dsn) >= len("sqlite://") && strings.EqualFold(dsn[:len("sqlite://")], "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	return history.OpenSQL(context.Background(), dialect, dsn)
}
