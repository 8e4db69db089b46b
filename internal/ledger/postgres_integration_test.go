package ledger_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/crosslogic/credit-engine/internal/config"
	"github.com/crosslogic/credit-engine/internal/ledger"
	"github.com/crosslogic/credit-engine/internal/vault"
	"github.com/crosslogic/credit-engine/pkg/database"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("Skipping integration test; set INTEGRATION_TEST=1 to run")
	}

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	db, err := database.NewDatabase(cfg.Database)
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, db.EnsureSchema(ctx))

	sealer, err := vault.NewService(cfg.Vault.MasterKey)
	require.NoError(t, err)

	userID := "it-" + uuid.NewString()
	keyID := "key-" + userID
	sealed, err := sealer.Seal(ctx, keyID, "250")
	require.NoError(t, err)

	_, err = db.Pool.Exec(ctx,
		`INSERT INTO accounts (id, vault_key_id, encrypted_credit_balance) VALUES ($1, $2, $3)`,
		userID, keyID, sealed,
	)
	require.NoError(t, err)
	defer db.Pool.Exec(context.Background(), `DELETE FROM accounts WHERE id = $1`, userID)

	durable := ledger.NewPostgresStore(db)
	rec, err := durable.FetchAccount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, keyID, rec.VaultKeyID)
	assert.Equal(t, ledger.FixedTopUpThreshold, rec.AutoTopUpThreshold)
	assert.Nil(t, rec.StorageLastBilledAt)

	billedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, durable.UpdateAccount(ctx, userID, map[string]interface{}{
		ledger.ColStorageUsedBytes:    int64(2 << 30),
		ledger.ColStorageLastBilledAt: billedAt,
	}))

	rec, err = durable.FetchAccount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(2<<30), rec.StorageUsedBytes)
	require.NotNil(t, rec.StorageLastBilledAt)
	assert.True(t, billedAt.Equal(*rec.StorageLastBilledAt))

	_, err = durable.FetchAccount(ctx, "it-missing-"+uuid.NewString())
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	err = durable.UpdateAccount(ctx, "it-missing-"+uuid.NewString(), map[string]interface{}{ledger.ColStorageUsedBytes: int64(1)})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	require.NoError(t, durable.Health(ctx))
}
