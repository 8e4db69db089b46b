package ledger

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAccountUpdate(t *testing.T) {
	query, args, err := buildAccountUpdate("user-1", map[string]interface{}{
		ColStorageUsedBytes:   int64(42),
		ColEncryptedCredits:   "sealed",
		ColAutoTopUpThreshold: int64(100),
	})
	require.NoError(t, err)

	assert.Equal(t,
		"UPDATE accounts SET auto_topup_threshold = $1, encrypted_credit_balance = $2, storage_used_bytes = $3, updated_at = NOW() WHERE id = $4",
		query,
	)
	assert.Equal(t, []interface{}{int64(100), "sealed", int64(42), "user-1"}, args)

	_, _, err = buildAccountUpdate("user-1", map[string]interface{}{"id": "x"})
	assert.Error(t, err)

	_, _, err = buildAccountUpdate("user-1", nil)
	assert.Error(t, err)
}

func TestDecodeAccountRejectsPartialHash(t *testing.T) {
	_, err := decodeAccount("u", map[string]string{FieldAutoTopUpThreshold: "100"})
	assert.Error(t, err)

	acct, err := decodeAccount("u", encodeStrings(encodeAccount(&Account{UserID: "u", VaultKeyID: "k", Credits: 7})))
	require.NoError(t, err)
	assert.Equal(t, int64(7), acct.Credits)
	assert.Nil(t, acct.AutoTopUpLastTriggered)
	assert.Nil(t, acct.StorageLastBilledAt)
}

func encodeStrings(fields map[string]interface{}) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		switch x := v.(type) {
		case string:
			out[k] = x
		case int64:
			out[k] = strconv.FormatInt(x, 10)
		}
	}
	return out
}
