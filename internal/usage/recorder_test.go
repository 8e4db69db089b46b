package usage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/crosslogic/credit-engine/internal/vault"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

type captureExecer struct {
	sql  string
	args []any
	err  error
}

func (c *captureExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.sql = sql
	c.args = args
	return pgconn.NewCommandTag("INSERT 0 1"), c.err
}

func TestSourceFor(t *testing.T) {
	assert.Equal(t, SourceAPIKey, SourceFor("hash", "chat-1"))
	assert.Equal(t, SourceChat, SourceFor("", "chat-1"))
	assert.Equal(t, SourceDirect, SourceFor("", ""))
}

func TestChatIDFor(t *testing.T) {
	assert.Equal(t, "chat-1", ChatIDFor("chat-1", false))
	assert.Equal(t, IncognitoChatID, ChatIDFor("chat-1", true))
	assert.Equal(t, "", ChatIDFor("", true))
}

func TestHashUserID(t *testing.T) {
	a := HashUserID("user-1")
	assert.Len(t, a, 64)
	assert.Equal(t, a, HashUserID("user-1"))
	assert.NotEqual(t, a, HashUserID("user-2"))
}

func TestRecorderWrite(t *testing.T) {
	ctx := context.Background()
	v, err := vault.NewService("test-master-key")
	require.NoError(t, err)

	t.Run("seals sensitive fields", func(t *testing.T) {
		db := &captureExecer{}
		r := &Recorder{db: db, vault: v, logger: zap.NewNop()}

		err := r.Write(ctx, Entry{
			UserIDHash:     HashUserID("user-1"),
			AppID:          "web",
			SkillID:        "search",
			CreditsCharged: 30,
			VaultKeyID:     "key-1",
			Source:         SourceChat,
			ChatID:         "chat-1",
			ModelUsed:      "large-model",
			APIKeyHash:     "",
			ServerRegion:   "eu",
		})
		require.NoError(t, err)
		require.Len(t, db.args, 11)

		_, err = uuid.Parse(db.args[0].(string))
		assert.NoError(t, err)
		assert.Equal(t, "web", db.args[2])
		assert.Equal(t, "search", db.args[3])
		assert.Equal(t, DefaultUsageType, db.args[4])
		assert.Equal(t, "chat", db.args[5])
		assert.Equal(t, "chat-1", *db.args[6].(*string))
		assert.Nil(t, db.args[7].(*string))

		credits, err := v.Open(ctx, "key-1", db.args[9].(string))
		require.NoError(t, err)
		assert.Equal(t, "30", credits)

		raw, err := v.Open(ctx, "key-1", db.args[10].(string))
		require.NoError(t, err)
		var details map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(raw), &details))
		assert.Equal(t, "large-model", details["model_used"])
		assert.Equal(t, "eu", details["server_region"])
	})

	t.Run("insert failure is returned", func(t *testing.T) {
		db := &captureExecer{err: errors.New("connection refused")}
		r := &Recorder{db: db, vault: v, logger: zap.NewNop()}

		err := r.Write(ctx, Entry{AppID: "a", SkillID: "s", VaultKeyID: "k"})
		assert.Error(t, err)
	})

	t.Run("missing key id fails before insert", func(t *testing.T) {
		db := &captureExecer{}
		r := &Recorder{db: db, vault: v, logger: zap.NewNop()}

		err := r.Write(ctx, Entry{AppID: "a", SkillID: "s"})
		assert.ErrorIs(t, err, vault.ErrMissingKeyID)
		assert.Empty(t, db.sql)
	})
}

type captureInserter struct {
	docs []interface{}
}

func (c *captureInserter) InsertOne(_ context.Context, document interface{}, _ ...options.Lister[options.InsertOneOptions]) (*mongo.InsertOneResult, error) {
	c.docs = append(c.docs, document)
	return &mongo.InsertOneResult{}, nil
}

func TestRecorderWriteDocument(t *testing.T) {
	ctx := context.Background()
	v, err := vault.NewService("test-master-key")
	require.NoError(t, err)

	docs := &captureInserter{}
	r := &Recorder{docs: docs, vault: v, logger: zap.NewNop()}

	require.NoError(t, r.Write(ctx, Entry{
		UserIDHash:     HashUserID("user-1"),
		AppID:          "web",
		SkillID:        "search",
		CreditsCharged: 12,
		VaultKeyID:     "key-1",
		Source:         SourceAPIKey,
		ChatID:         IncognitoChatID,
	}))
	require.Len(t, docs.docs, 1)

	row := docs.docs[0].(sealedRow)
	assert.Equal(t, "api_key", row.Source)
	assert.Equal(t, IncognitoChatID, *row.ChatID)
	assert.Nil(t, row.MessageID)

	credits, err := v.Open(ctx, "key-1", row.EncryptedCredit)
	require.NoError(t, err)
	assert.Equal(t, "12", credits)
}
