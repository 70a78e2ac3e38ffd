package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Almoner store.
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
    version             BIGINT NOT NULL DEFAULT 0,
    submitter_id        TEXT NOT NULL DEFAULT '',
    payload             JSONB NOT NULL DEFAULT '{}',
    admin_notes         TEXT NOT NULL DEFAULT '',
    assigned_teacher_id TEXT NOT NULL DEFAULT '',
    decided_at          TIMESTAMPTZ,
    decided_by          TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_almoner_requests_status ON almoner_requests (status, created_at);
CREATE INDEX IF NOT EXISTS idx_almoner_requests_kind ON almoner_requests (kind, created_at);
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
    credits    BIGINT NOT NULL DEFAULT 0 CHECK (credits >= 0),
    version    BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_almoner_accounts_subject ON almoner_accounts (subject_id);
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
    enabled         BOOLEAN NOT NULL DEFAULT FALSE,
    credit_required BIGINT NOT NULL DEFAULT 0 CHECK (credit_required >= 0),
    usage_count     BIGINT NOT NULL DEFAULT 0,
    last_used_at    TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS almoner_usage_events (
    id         TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    feature_id TEXT NOT NULL,
    receipt_id TEXT NOT NULL DEFAULT '',
    quantity   BIGINT NOT NULL DEFAULT 1,
    timestamp  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_almoner_usage_feature_ts ON almoner_usage_events (feature_id, timestamp);
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
    amount          BIGINT NOT NULL DEFAULT 0,
    balance_after   BIGINT NOT NULL DEFAULT 0,
    account_version BIGINT NOT NULL DEFAULT 0,
    idempotency_key TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'pending',
    settled_at      TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_almoner_receipts_key ON almoner_receipts (account_id, idempotency_key) WHERE idempotency_key != '';
CREATE INDEX IF NOT EXISTS idx_almoner_receipts_account ON almoner_receipts (account_id, created_at);
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
    attempts     INT NOT NULL DEFAULT 1,
    last_error   TEXT NOT NULL DEFAULT '',
    delivered_at TIMESTAMPTZ,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
    timestamp  TIMESTAMPTZ NOT NULL,
    actor      TEXT NOT NULL DEFAULT '',
    action     TEXT NOT NULL,
    subject_id TEXT NOT NULL DEFAULT '',
    details    JSONB NOT NULL DEFAULT '{}'
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
