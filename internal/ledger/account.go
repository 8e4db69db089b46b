package ledger

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// FixedTopUpThreshold is the balance at or below which auto top-up fires.
// Stored thresholds that differ are reset to this value.
const FixedTopUpThreshold int64 = 100

// Durable column / document field names
const (
	ColEncryptedCredits       = "encrypted_credit_balance"
	ColAutoTopUpThreshold     = "auto_topup_threshold"
	ColEncryptedLastTriggered = "encrypted_auto_topup_last_triggered"
	ColStorageUsedBytes       = "storage_used_bytes"
	ColStorageLastBilledAt    = "storage_last_billed_at"
)

// Cache hash field names
const (
	FieldCredits             = "credits"
	FieldVaultKeyID          = "vault_key_id"
	FieldAutoTopUpEnabled    = "auto_topup_enabled"
	FieldAutoTopUpThreshold  = "auto_topup_threshold"
	FieldAutoTopUpAmount     = "auto_topup_amount"
	FieldAutoTopUpCurrency   = "auto_topup_currency"
	FieldLastTriggered       = "auto_topup_last_triggered"
	FieldStripeCustomerID    = "stripe_customer_id"
	FieldPaymentMethodSealed = "encrypted_payment_method_id"
	FieldTopUpEmailSealed    = "encrypted_auto_topup_email"
	FieldEmailSealed         = "encrypted_email"
	FieldStorageUsedBytes    = "storage_used_bytes"
	FieldStorageLastBilledAt = "storage_last_billed_at"
)

// Account is the cached, unsealed view of a tenant user's billing state.
// Payment method and email stay sealed; they are opened on demand.
type Account struct {
	UserID     string
	Credits    int64
	VaultKeyID string

	AutoTopUpEnabled       bool
	AutoTopUpThreshold     int64
	AutoTopUpAmount        int64
	AutoTopUpCurrency      string
	AutoTopUpLastTriggered *float64

	StripeCustomerID         string
	EncryptedPaymentMethodID string
	EncryptedAutoTopUpEmail  string
	EncryptedEmail           string

	StorageUsedBytes    int64
	StorageLastBilledAt *time.Time
}

// LastTriggeredAt returns the last auto top-up time, if any
func (a *Account) LastTriggeredAt() (time.Time, bool) {
	if a.AutoTopUpLastTriggered == nil {
		return time.Time{}, false
	}
	sec, frac := math.Modf(*a.AutoTopUpLastTriggered)
	return time.Unix(int64(sec), int64(frac*1e9)), true
}

// Record is the durable representation of an account; sensitive values are sealed.
type Record struct {
	UserID                          string     `bson:"_id"`
	VaultKeyID                      string     `bson:"vault_key_id"`
	EncryptedCredits                string     `bson:"encrypted_credit_balance"`
	AutoTopUpEnabled                bool       `bson:"auto_topup_enabled"`
	AutoTopUpThreshold              int64      `bson:"auto_topup_threshold"`
	AutoTopUpAmount                 int64      `bson:"auto_topup_amount"`
	AutoTopUpCurrency               string     `bson:"auto_topup_currency"`
	EncryptedAutoTopUpLastTriggered string     `bson:"encrypted_auto_topup_last_triggered"`
	StripeCustomerID                string     `bson:"stripe_customer_id"`
	EncryptedPaymentMethodID        string     `bson:"encrypted_payment_method_id"`
	EncryptedAutoTopUpEmail         string     `bson:"encrypted_auto_topup_email"`
	EncryptedEmail                  string     `bson:"encrypted_email"`
	StorageUsedBytes                int64      `bson:"storage_used_bytes"`
	StorageLastBilledAt             *time.Time `bson:"storage_last_billed_at,omitempty"`
}

// FormatTimestamp renders a unix timestamp the way it is cached
func FormatTimestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

func encodeAccount(a *Account) map[string]interface{} {
	fields := map[string]interface{}{
		FieldCredits:             a.Credits,
		FieldVaultKeyID:          a.VaultKeyID,
		FieldAutoTopUpEnabled:    boolToField(a.AutoTopUpEnabled),
		FieldAutoTopUpThreshold:  a.AutoTopUpThreshold,
		FieldAutoTopUpAmount:     a.AutoTopUpAmount,
		FieldAutoTopUpCurrency:   a.AutoTopUpCurrency,
		FieldLastTriggered:       "",
		FieldStripeCustomerID:    a.StripeCustomerID,
		FieldPaymentMethodSealed: a.EncryptedPaymentMethodID,
		FieldTopUpEmailSealed:    a.EncryptedAutoTopUpEmail,
		FieldEmailSealed:         a.EncryptedEmail,
		FieldStorageUsedBytes:    a.StorageUsedBytes,
		FieldStorageLastBilledAt: "",
	}
	if a.AutoTopUpLastTriggered != nil {
		fields[FieldLastTriggered] = strconv.FormatFloat(*a.AutoTopUpLastTriggered, 'f', 6, 64)
	}
	if a.StorageLastBilledAt != nil {
		fields[FieldStorageLastBilledAt] = a.StorageLastBilledAt.Unix()
	}
	return fields
}

func decodeAccount(userID string, fields map[string]string) (*Account, error) {
	a := &Account{
		UserID:                   userID,
		VaultKeyID:               fields[FieldVaultKeyID],
		AutoTopUpEnabled:         fields[FieldAutoTopUpEnabled] == "1",
		AutoTopUpCurrency:        fields[FieldAutoTopUpCurrency],
		StripeCustomerID:         fields[FieldStripeCustomerID],
		EncryptedPaymentMethodID: fields[FieldPaymentMethodSealed],
		EncryptedAutoTopUpEmail:  fields[FieldTopUpEmailSealed],
		EncryptedEmail:           fields[FieldEmailSealed],
	}

	var err error
	if a.Credits, err = parseIntField(fields, FieldCredits); err != nil {
		return nil, err
	}
	if a.AutoTopUpThreshold, err = parseIntField(fields, FieldAutoTopUpThreshold); err != nil {
		return nil, err
	}
	if a.AutoTopUpAmount, err = parseIntField(fields, FieldAutoTopUpAmount); err != nil {
		return nil, err
	}
	if a.StorageUsedBytes, err = parseIntField(fields, FieldStorageUsedBytes); err != nil {
		return nil, err
	}

	if raw := fields[FieldLastTriggered]; raw != "" {
		ts, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", FieldLastTriggered, err)
		}
		a.AutoTopUpLastTriggered = &ts
	}

	if raw := fields[FieldStorageLastBilledAt]; raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", FieldStorageLastBilledAt, err)
		}
		t := time.Unix(sec, 0).UTC()
		a.StorageLastBilledAt = &t
	}

	if _, ok := fields[FieldCredits]; !ok || a.VaultKeyID == "" {
		return nil, fmt.Errorf("incomplete cached account")
	}

	return a, nil
}

func parseIntField(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func boolToField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
