package database

import (
	"context"
	"fmt"
	"time"

	"github.com/crosslogic/credit-engine/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Database wraps the PostgreSQL connection pool
type Database struct {
	Pool *pgxpool.Pool
}

// NewDatabase creates a new database connection
func NewDatabase(cfg config.DatabaseConfig) (*Database, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Database,
		cfg.SSLMode,
		cfg.MaxOpenConns,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Database{Pool: pool}, nil
}

// EnsureSchema creates the tables the credit engine owns if they are missing
func (db *Database) EnsureSchema(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection pool
func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Health checks database health
func (db *Database) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Schema is idempotent DDL for accounts, usage entries and file metadata.
// Sealed columns hold vault ciphertext; everything else is cleartext.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id                                  TEXT PRIMARY KEY,
	vault_key_id                        TEXT NOT NULL,
	encrypted_credit_balance            TEXT NOT NULL DEFAULT '',
	auto_topup_enabled                  BOOLEAN NOT NULL DEFAULT false,
	auto_topup_threshold                BIGINT NOT NULL DEFAULT 100,
	auto_topup_amount                   BIGINT NOT NULL DEFAULT 0,
	auto_topup_currency                 TEXT NOT NULL DEFAULT 'eur',
	encrypted_auto_topup_last_triggered TEXT NOT NULL DEFAULT '',
	stripe_customer_id                  TEXT NOT NULL DEFAULT '',
	encrypted_payment_method_id         TEXT NOT NULL DEFAULT '',
	encrypted_auto_topup_email          TEXT NOT NULL DEFAULT '',
	encrypted_email                     TEXT NOT NULL DEFAULT '',
	storage_used_bytes                  BIGINT NOT NULL DEFAULT 0,
	storage_last_billed_at              TIMESTAMPTZ,
	updated_at                          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS usage_entries (
	id                       UUID PRIMARY KEY,
	user_id_hash             TEXT NOT NULL,
	app_id                   TEXT NOT NULL,
	skill_id                 TEXT NOT NULL,
	usage_type               TEXT NOT NULL,
	source                   TEXT NOT NULL,
	chat_id                  TEXT,
	message_id               TEXT,
	created_at               TIMESTAMPTZ NOT NULL,
	encrypted_credits_costs  TEXT NOT NULL,
	encrypted_details        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS usage_entries_user_idx ON usage_entries (user_id_hash, created_at);
CREATE INDEX IF NOT EXISTS usage_entries_chat_idx ON usage_entries (chat_id) WHERE chat_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS upload_files (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	size_bytes  BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS upload_files_user_idx ON upload_files (user_id);
`
