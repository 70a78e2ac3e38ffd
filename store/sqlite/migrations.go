package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Almoner store (SQLite).
var Migrations = migrate.NewGroup("almoner")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_almoner_requests",
			Version: "20250301000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS almoner_requests (
    id                  TEXT PRIMARY KEY,
    kind                TEXT NOT NULL,
    status              TEXT NOT NULL DEFAULT 'pending',
    version             INTEGER NOT NULL DEFAULT 0,
    submitter_id        TEXT NOT NULL DEFAULT '',
    payload             TEXT NOT NULL DEFAULT '{}',
    admin_notes         TEXT NOT NULL DEFAULT '',
    assigned_teacher_id TEXT NOT NULL DEFAULT '',
    decided_at          TEXT,
    decided_by          TEXT NOT NULL DEFAULT '',
    created_at          TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at          TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_almoner_requests_status ON almoner_requests (status);
CREATE INDEX IF NOT EXISTS idx_almoner_requests_kind ON almoner_requests (kind);
CREATE INDEX IF NOT EXISTS idx_almoner_requests_submitter ON almoner_requests (submitter_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS almoner_requests`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_almoner_accounts",
			Version: "20250301000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS almoner_accounts (
    id         TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL DEFAULT '',
    credits    INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
    version    INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS almoner_accounts`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_almoner_features",
			Version: "20250301000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS almoner_features (
    id              TEXT PRIMARY KEY,
    kind            TEXT NOT NULL,
    name            TEXT NOT NULL DEFAULT '',
    enabled         INTEGER NOT NULL DEFAULT 0,
    credit_required INTEGER NOT NULL DEFAULT 0 CHECK (credit_required >= 0),
    usage_count     INTEGER NOT NULL DEFAULT 0,
    last_used_at    TEXT,
    created_at      TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at      TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS almoner_usage_events (
    id         TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    feature_id TEXT NOT NULL,
    receipt_id TEXT NOT NULL DEFAULT '',
    quantity   INTEGER NOT NULL DEFAULT 1,
    timestamp  TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_almoner_usage_feature ON almoner_usage_events (feature_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TABLE IF EXISTS almoner_usage_events;
DROP TABLE IF EXISTS almoner_features;
`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_almoner_receipts",
			Version: "20250301000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS almoner_receipts (
    id              TEXT PRIMARY KEY,
    account_id      TEXT NOT NULL,
    feature_id      TEXT NOT NULL,
    amount          INTEGER NOT NULL DEFAULT 0,
    balance_after   INTEGER NOT NULL DEFAULT 0,
    account_version INTEGER NOT NULL DEFAULT 0,
    idempotency_key TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'pending',
    settled_at      TEXT,
    created_at      TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at      TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_almoner_receipts_key ON almoner_receipts (account_id, idempotency_key) WHERE idempotency_key != '';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS almoner_receipts`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_almoner_deliveries",
			Version: "20250301000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS almoner_deliveries (
    id           TEXT PRIMARY KEY,
    request_id   TEXT NOT NULL,
    audience     TEXT NOT NULL,
    channels     TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL DEFAULT 'pending',
    reference    TEXT NOT NULL DEFAULT '',
    attempts     INTEGER NOT NULL DEFAULT 1,
    last_error   TEXT NOT NULL DEFAULT '',
    delivered_at TEXT,
    created_at   TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at   TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_almoner_deliveries_key ON almoner_deliveries (request_id, audience);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS almoner_deliveries`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_almoner_audit",
			Version: "20250301000006",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS almoner_audit (
    id         TEXT PRIMARY KEY,
    timestamp  INTEGER NOT NULL,
    actor      TEXT NOT NULL DEFAULT '',
    action     TEXT NOT NULL,
    subject_id TEXT NOT NULL DEFAULT '',
    details    TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_almoner_audit_order ON almoner_audit (timestamp, id);
CREATE INDEX IF NOT EXISTS idx_almoner_audit_subject ON almoner_audit (subject_id, timestamp, id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS almoner_audit`)
				return err
			},
		},
	)
}
