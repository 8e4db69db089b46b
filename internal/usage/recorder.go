package usage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/crosslogic/credit-engine/internal/vault"
	"github.com/crosslogic/credit-engine/pkg/database"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Source identifies how a charge reached the engine
type Source string

const (
	SourceAPIKey Source = "api_key"
	SourceChat   Source = "chat"
	SourceDirect Source = "direct"
)

// IncognitoChatID replaces the chat id of incognito chats so they aggregate together
const IncognitoChatID = "incognito"

// DefaultUsageType is used when the caller does not name one
const DefaultUsageType = "skill_execution"

// Entry is one immutable audit record of a charge
type Entry struct {
	ID             uuid.UUID
	UserIDHash     string
	AppID          string
	SkillID        string
	UsageType      string
	Timestamp      time.Time
	CreditsCharged int64
	VaultKeyID     string
	Source         Source
	ChatID         string
	MessageID      string

	// sealed
	ModelUsed      string
	InputTokens    int64
	OutputTokens   int64
	APIKeyHash     string
	DeviceHash     string
	ServerProvider string
	ServerRegion   string
	Details        map[string]interface{}
}

// Writer persists usage entries
type Writer interface {
	Write(ctx context.Context, entry Entry) error
}

// SourceFor picks the source of a charge: api key first, then chat, else direct
func SourceFor(apiKeyHash, chatID string) Source {
	switch {
	case apiKeyHash != "":
		return SourceAPIKey
	case chatID != "":
		return SourceChat
	default:
		return SourceDirect
	}
}

// ChatIDFor maps incognito chats to the shared incognito id
func ChatIDFor(chatID string, incognito bool) string {
	if incognito && chatID != "" {
		return IncognitoChatID
	}
	return chatID
}

// HashUserID returns the stable hash stored on usage entries instead of the user id
func HashUserID(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Recorder writes usage entries to the usage_entries table or collection
type Recorder struct {
	db     execer
	docs   docInserter
	vault  vault.Sealer
	logger *zap.Logger
}

// NewRecorder creates a usage recorder
func NewRecorder(db *database.Database, sealer vault.Sealer, logger *zap.Logger) *Recorder {
	return &Recorder{
		db:     db.Pool,
		vault:  sealer,
		logger: logger,
	}
}

type sealedDetails struct {
	ModelUsed      string                 `json:"model_used,omitempty"`
	InputTokens    int64                  `json:"input_tokens,omitempty"`
	OutputTokens   int64                  `json:"output_tokens,omitempty"`
	APIKeyHash     string                 `json:"api_key_hash,omitempty"`
	DeviceHash     string                 `json:"device_hash,omitempty"`
	ServerProvider string                 `json:"server_provider,omitempty"`
	ServerRegion   string                 `json:"server_region,omitempty"`
	Extra          map[string]interface{} `json:"extra,omitempty"`
}

// Write seals the sensitive fields and inserts the entry
func (r *Recorder) Write(ctx context.Context, entry Entry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.UsageType == "" {
		entry.UsageType = DefaultUsageType
	}

	sealedCredits, err := r.vault.Seal(ctx, entry.VaultKeyID, strconv.FormatInt(entry.CreditsCharged, 10))
	if err != nil {
		return fmt.Errorf("seal credits: %w", err)
	}

	details, err := json.Marshal(sealedDetails{
		ModelUsed:      entry.ModelUsed,
		InputTokens:    entry.InputTokens,
		OutputTokens:   entry.OutputTokens,
		APIKeyHash:     entry.APIKeyHash,
		DeviceHash:     entry.DeviceHash,
		ServerProvider: entry.ServerProvider,
		ServerRegion:   entry.ServerRegion,
		Extra:          entry.Details,
	})
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	sealedDetailsText, err := r.vault.Seal(ctx, entry.VaultKeyID, string(details))
	if err != nil {
		return fmt.Errorf("seal details: %w", err)
	}

	row := sealedRow{
		ID:              entry.ID.String(),
		UserIDHash:      entry.UserIDHash,
		AppID:           entry.AppID,
		SkillID:         entry.SkillID,
		UsageType:       entry.UsageType,
		Source:          string(entry.Source),
		ChatID:          nullable(entry.ChatID),
		MessageID:       nullable(entry.MessageID),
		CreatedAt:       entry.Timestamp,
		EncryptedCredit: sealedCredits,
		EncryptedDetail: sealedDetailsText,
	}
	if r.docs != nil {
		err = r.insertDocument(ctx, row)
	} else {
		err = r.insertRow(ctx, row)
	}
	if err != nil {
		return fmt.Errorf("failed to insert usage entry: %w", err)
	}

	r.logger.Debug("usage entry recorded",
		zap.String("entry_id", entry.ID.String()),
		zap.String("app_id", entry.AppID),
		zap.String("skill_id", entry.SkillID),
		zap.String("source", string(entry.Source)),
	)

	return nil
}

// sealedRow is the stored shape of an entry in both backends
type sealedRow struct {
	ID              string    `bson:"_id"`
	UserIDHash      string    `bson:"user_id_hash"`
	AppID           string    `bson:"app_id"`
	SkillID         string    `bson:"skill_id"`
	UsageType       string    `bson:"usage_type"`
	Source          string    `bson:"source"`
	ChatID          *string   `bson:"chat_id,omitempty"`
	MessageID       *string   `bson:"message_id,omitempty"`
	CreatedAt       time.Time `bson:"created_at"`
	EncryptedCredit string    `bson:"encrypted_credits_costs"`
	EncryptedDetail string    `bson:"encrypted_details"`
}

func (r *Recorder) insertRow(ctx context.Context, row sealedRow) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO usage_entries (
			id, user_id_hash, app_id, skill_id, usage_type, source,
			chat_id, message_id, created_at, encrypted_credits_costs, encrypted_details
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
	`,
		row.ID,
		row.UserIDHash,
		row.AppID,
		row.SkillID,
		row.UsageType,
		row.Source,
		row.ChatID,
		row.MessageID,
		row.CreatedAt,
		row.EncryptedCredit,
		row.EncryptedDetail,
	)
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
