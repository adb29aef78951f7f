package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026083101)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS workflow_executions (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	current_stage TEXT NOT NULL,
	stages JSONB NOT NULL DEFAULT '{}'::jsonb,
	progress INT NOT NULL DEFAULT 0,
	payload JSONB NOT NULL DEFAULT '{}'::jsonb,
	error JSONB,
	started_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	failed_at TIMESTAMPTZ,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflow_executions_status ON workflow_executions(status);
CREATE INDEX IF NOT EXISTS idx_workflow_executions_expires_at ON workflow_executions(expires_at);

CREATE TABLE IF NOT EXISTS purchase_orders (
	id TEXT PRIMARY KEY,
	merchant_id TEXT NOT NULL,
	status TEXT NOT NULL,
	job_status TEXT,
	processing_notes TEXT,
	supplier_name TEXT,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
	currency TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_purchase_orders_merchant ON purchase_orders(merchant_id);

CREATE TABLE IF NOT EXISTS line_items (
	id TEXT PRIMARY KEY,
	purchase_order_id TEXT NOT NULL REFERENCES purchase_orders(id),
	sku TEXT,
	description TEXT NOT NULL,
	quantity INT NOT NULL,
	unit_cost DOUBLE PRECISION NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_line_items_po ON line_items(purchase_order_id);

CREATE TABLE IF NOT EXISTS product_drafts (
	id TEXT PRIMARY KEY,
	merchant_id TEXT NOT NULL,
	line_item_id TEXT NOT NULL,
	title TEXT NOT NULL,
	sku TEXT,
	price DOUBLE PRECISION NOT NULL,
	applied_rules JSONB NOT NULL DEFAULT '[]'::jsonb,
	image_urls JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_product_drafts_line_item ON product_drafts(line_item_id);

CREATE TABLE IF NOT EXISTS merchant_sessions (
	id TEXT PRIMARY KEY,
	merchant_id TEXT NOT NULL,
	temporary BOOLEAN NOT NULL DEFAULT FALSE,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_merchant_sessions_merchant ON merchant_sessions(merchant_id, expires_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
