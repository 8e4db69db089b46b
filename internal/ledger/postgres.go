package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/crosslogic/credit-engine/pkg/database"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// updatableColumns are the account columns the engine is allowed to write
var updatableColumns = map[string]bool{
	ColEncryptedCredits:       true,
	ColAutoTopUpThreshold:     true,
	ColEncryptedLastTriggered: true,
	ColStorageUsedBytes:       true,
	ColStorageLastBilledAt:    true,
}

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps accounts in the accounts table
type PostgresStore struct {
	db     pgQuerier
	health func(ctx context.Context) error
}

// NewPostgresStore creates a durable store over a connection pool
func NewPostgresStore(db *database.Database) *PostgresStore {
	return &PostgresStore{db: db.Pool, health: db.Health}
}

// FetchAccount loads one account row
func (p *PostgresStore) FetchAccount(ctx context.Context, userID string) (*Record, error) {
	var rec Record
	err := p.db.QueryRow(ctx, `
		SELECT id, vault_key_id, COALESCE(encrypted_credit_balance, ''),
		       auto_topup_enabled, auto_topup_threshold, auto_topup_amount,
		       COALESCE(auto_topup_currency, ''),
		       COALESCE(encrypted_auto_topup_last_triggered, ''),
		       COALESCE(stripe_customer_id, ''),
		       COALESCE(encrypted_payment_method_id, ''),
		       COALESCE(encrypted_auto_topup_email, ''),
		       COALESCE(encrypted_email, ''),
		       storage_used_bytes, storage_last_billed_at
		FROM accounts
		WHERE id = $1
	`, userID).Scan(
		&rec.UserID, &rec.VaultKeyID, &rec.EncryptedCredits,
		&rec.AutoTopUpEnabled, &rec.AutoTopUpThreshold, &rec.AutoTopUpAmount,
		&rec.AutoTopUpCurrency,
		&rec.EncryptedAutoTopUpLastTriggered,
		&rec.StripeCustomerID,
		&rec.EncryptedPaymentMethodID,
		&rec.EncryptedAutoTopUpEmail,
		&rec.EncryptedEmail,
		&rec.StorageUsedBytes, &rec.StorageLastBilledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// UpdateAccount applies a partial update to one account row
func (p *PostgresStore) UpdateAccount(ctx context.Context, userID string, fields map[string]interface{}) error {
	query, args, err := buildAccountUpdate(userID, fields)
	if err != nil {
		return err
	}

	tag, err := p.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// Health pings the database
func (p *PostgresStore) Health(ctx context.Context) error {
	return p.health(ctx)
}

func buildAccountUpdate(userID string, fields map[string]interface{}) (string, []interface{}, error) {
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("no fields to update")
	}

	columns := make([]string, 0, len(fields))
	for col := range fields {
		if !updatableColumns[col] {
			return "", nil, fmt.Errorf("column %q is not updatable", col)
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)

	sets := make([]string, 0, len(columns)+1)
	args := make([]interface{}, 0, len(columns)+1)
	for i, col := range columns {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i+1))
		args = append(args, fields[col])
	}
	sets = append(sets, "updated_at = NOW()")
	args = append(args, userID)

	query := fmt.Sprintf("UPDATE accounts SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	return query, args, nil
}
