package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/username/cryptotaxreports/src/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS report_requests (
	id TEXT PRIMARY KEY,
	data_source TEXT NOT NULL,
	source_data TEXT NOT NULL DEFAULT '{}',
	linked_sources TEXT NOT NULL DEFAULT '[]',
	report_type TEXT NOT NULL,
	fiscal_year INTEGER NOT NULL,
	method TEXT NOT NULL DEFAULT 'fifo',
	formats TEXT NOT NULL DEFAULT '[]',
	taxpayer TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'draft',
	progress INTEGER NOT NULL DEFAULT 0,
	progress_message TEXT NOT NULL DEFAULT '',
	error_code TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	generated_report TEXT NOT NULL DEFAULT '',
	artifacts TEXT NOT NULL DEFAULT '{}',
	totals TEXT,
	warnings TEXT NOT NULL DEFAULT '[]',
	attempt INTEGER NOT NULL DEFAULT 0,
	started_at TEXT,
	completed_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_report_requests_status ON report_requests(status, started_at);

CREATE TABLE IF NOT EXISTS report_transactions (
	report_id TEXT NOT NULL,
	id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	timestamp TEXT NOT NULL,
	asset TEXT NOT NULL,
	type TEXT NOT NULL,
	amount TEXT NOT NULL,
	fiat_value TEXT,
	fee_amount TEXT,
	source_ref TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	PRIMARY KEY (report_id, id),
	FOREIGN KEY (report_id) REFERENCES report_requests(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS price_overrides (
	report_id TEXT NOT NULL,
	asset TEXT NOT NULL,
	day TEXT NOT NULL,
	price TEXT NOT NULL,
	PRIMARY KEY (report_id, asset, day),
	FOREIGN KEY (report_id) REFERENCES report_requests(id) ON DELETE CASCADE
);
`

// columns added after the first release of report_requests.
var reportRequestColumns = []struct{ name, ddl string }{
	{"linked_sources", "ALTER TABLE report_requests ADD COLUMN linked_sources TEXT NOT NULL DEFAULT '[]'"},
	{"method", "ALTER TABLE report_requests ADD COLUMN method TEXT NOT NULL DEFAULT 'fifo'"},
	{"error_code", "ALTER TABLE report_requests ADD COLUMN error_code TEXT NOT NULL DEFAULT ''"},
	{"warnings", "ALTER TABLE report_requests ADD COLUMN warnings TEXT NOT NULL DEFAULT '[]'"},
	{"attempt", "ALTER TABLE report_requests ADD COLUMN attempt INTEGER NOT NULL DEFAULT 0"},
}

// Open opens the SQLite database at path and brings its schema up to date.
// The pool holds one connection: SQLite serialises writers anyway and a
// single connection keeps ":memory:" databases shared.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates missing tables and adds columns introduced since a table was
// first created.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	existing, err := tableColumns(ctx, db, "report_requests")
	if err != nil {
		return err
	}
	for _, col := range reportRequestColumns {
		if existing[col.name] {
			continue
		}
		if _, err := db.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("failed to add column %s to report_requests: %w", col.name, err)
		}
		logger.L.Info("Added column to report_requests", "column", col.name)
	}
	return nil
}

func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return nil, fmt.Errorf("failed to query table schema for %s: %w", table, err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var cid, notnull, pk int
		var name, dataType string
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &dataType, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info for %s: %w", table, err)
		}
		columns[name] = true
	}
	return columns, rows.Err()
}
