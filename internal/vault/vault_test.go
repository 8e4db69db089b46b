package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService(t *testing.T) {
	ctx := context.Background()

	t.Run("seal and open", func(t *testing.T) {
		v, err := NewService("test-master-key-32-characters-long!")
		require.NoError(t, err)

		sealed, err := v.Seal(ctx, "user-key-1", "970")
		require.NoError(t, err)
		assert.NotEqual(t, "970", sealed)

		opened, err := v.Open(ctx, "user-key-1", sealed)
		require.NoError(t, err)
		assert.Equal(t, "970", opened)
	})

	t.Run("same plaintext seals differently", func(t *testing.T) {
		v, err := NewService("test-master-key")
		require.NoError(t, err)

		a, err := v.Seal(ctx, "k", "100")
		require.NoError(t, err)
		b, err := v.Seal(ctx, "k", "100")
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("wrong key id fails", func(t *testing.T) {
		v, err := NewService("test-master-key")
		require.NoError(t, err)

		sealed, err := v.Seal(ctx, "key-a", "secret")
		require.NoError(t, err)

		_, err = v.Open(ctx, "key-b", sealed)
		assert.Error(t, err)
	})

	t.Run("empty inputs", func(t *testing.T) {
		v, err := NewService("test-master-key")
		require.NoError(t, err)

		_, err = v.Open(ctx, "k", "")
		assert.ErrorIs(t, err, ErrEmptyCiphertext)

		_, err = v.Seal(ctx, "", "x")
		assert.ErrorIs(t, err, ErrMissingKeyID)

		_, err = NewService("")
		assert.Error(t, err)
	})
}
