package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crosslogic/credit-engine/internal/ledger"
	"github.com/crosslogic/credit-engine/internal/realtime"
	"github.com/crosslogic/credit-engine/internal/tasks"
	"github.com/crosslogic/credit-engine/internal/usage"
	"github.com/crosslogic/credit-engine/pkg/events"
	"github.com/crosslogic/credit-engine/pkg/metrics"
	"go.uber.org/zap"
)

// Detached task names
const (
	TaskAutoTopUp = "auto_topup"
	TaskBroadcast = "broadcast"
	TaskUsage     = "usage_entry"
)

// ChargeContext describes what is being charged for
type ChargeContext struct {
	AppID     string
	SkillID   string
	UsageType string

	ChatID      string
	MessageID   string
	IsIncognito bool

	ModelUsed    string
	InputTokens  int64
	OutputTokens int64

	APIKeyHash     string
	DeviceHash     string
	ServerProvider string
	ServerRegion   string

	// UserIDHash overrides the hash computed from the user id
	UserIDHash string
	Details    map[string]interface{}
}

func (c ChargeContext) validate() error {
	if strings.TrimSpace(c.AppID) == "" || strings.TrimSpace(c.SkillID) == "" {
		return ErrInvalidContext
	}
	return nil
}

// TopUpTrigger evaluates auto top-up after a balance change
type TopUpTrigger interface {
	MaybeTriggerTopUp(ctx context.Context, acct *ledger.Account, newBalance int64) error
}

// Charger charges credits against an account
type Charger interface {
	ChargeCredits(ctx context.Context, userID string, credits int64, cc ChargeContext) Outcome
}

// EngineDeps are the collaborators of the charging engine
type EngineDeps struct {
	Ledger      *ledger.Store
	Usage       usage.Writer
	Broadcaster realtime.Broadcaster
	// TopUps may be nil when payments are disabled
	TopUps TopUpTrigger
	Tasks  *tasks.Pool
	Events events.Publisher
	// PaymentEnabled turns balance enforcement on
	PaymentEnabled bool
}

// Engine is the charging engine
type Engine struct {
	ledger         *ledger.Store
	usage          usage.Writer
	broadcaster    realtime.Broadcaster
	topups         TopUpTrigger
	tasks          *tasks.Pool
	events         events.Publisher
	paymentEnabled bool
	logger         *zap.Logger
}

// NewEngine creates a charging engine
func NewEngine(deps EngineDeps, logger *zap.Logger) *Engine {
	return &Engine{
		ledger:         deps.Ledger,
		usage:          deps.Usage,
		broadcaster:    deps.Broadcaster,
		topups:         deps.TopUps,
		tasks:          deps.Tasks,
		events:         deps.Events,
		paymentEnabled: deps.PaymentEnabled,
		logger:         logger,
	}
}

// PaymentEnabled reports whether balances are enforced
func (e *Engine) PaymentEnabled() bool {
	return e.paymentEnabled
}

// ChargeCredits deducts credits from a user's balance. The deduction is
// clamped to the available balance. Top-up evaluation, the balance
// broadcast and the usage entry run as detached tasks.
func (e *Engine) ChargeCredits(ctx context.Context, userID string, credits int64, cc ChargeContext) Outcome {
	start := time.Now()
	outcome := e.charge(ctx, userID, credits, cc)

	metrics.ChargesTotal.WithLabelValues(outcome.Kind.String()).Inc()
	metrics.ChargeDuration.Observe(time.Since(start).Seconds())
	if outcome.Kind != OutcomeRejected {
		metrics.CreditsCharged.WithLabelValues(cc.AppID, cc.SkillID).Add(float64(outcome.Result.CreditsCharged))
	}

	return outcome
}

func (e *Engine) charge(ctx context.Context, userID string, credits int64, cc ChargeContext) Outcome {
	if credits < 0 {
		return rejected(ErrInvalidAmount)
	}
	if err := cc.validate(); err != nil {
		return rejected(err)
	}

	acct, err := e.ledger.GetAccount(ctx, userID)
	if err != nil {
		return rejected(fmt.Errorf("resolve account %s: %w", userID, err))
	}

	// Usage is tracked even when nothing moves.
	if !e.paymentEnabled || credits == 0 {
		result := ChargeResult{CreditsCharged: credits, NewBalance: acct.Credits}
		e.recordUsage(acct, credits, cc)
		return ok(result)
	}

	d, err := e.deduct(ctx, userID, credits)
	if err != nil {
		return rejected(err)
	}

	result := ChargeResult{
		CreditsCharged: d.Charged,
		NewBalance:     d.Balance,
		Clamped:        d.Clamped,
	}

	if d.Clamped {
		e.logger.Info("charge clamped to available balance",
			zap.String("user_id", userID),
			zap.Int64("requested", credits),
			zap.Int64("charged", d.Charged),
		)
	}

	if e.topups != nil {
		topups := e.topups
		e.tasks.Go(TaskAutoTopUp, userID, func(ctx context.Context) error {
			return topups.MaybeTriggerTopUp(ctx, acct, d.Balance)
		})
	}

	// The deduction is committed, so the durable write and the
	// reconciliation marker must not die with the caller's context.
	persistCtx := context.WithoutCancel(ctx)
	if err := e.ledger.PersistCredits(persistCtx, acct, d.Balance); err != nil {
		return e.persistenceLagged(persistCtx, userID, result, err)
	}

	e.tasks.Go(TaskBroadcast, userID, func(ctx context.Context) error {
		return e.broadcaster.BroadcastToUser(ctx, userID, realtime.CreditsUpdated(d.Balance))
	})
	e.recordUsage(acct, d.Charged, cc)

	e.logger.Debug("credits charged",
		zap.String("user_id", userID),
		zap.String("app_id", cc.AppID),
		zap.String("skill_id", cc.SkillID),
		zap.Int64("credits", d.Charged),
		zap.Int64("balance", d.Balance),
	)

	return ok(result)
}

// deduct runs the atomic decrement, reloading the account once if it was
// evicted from the cache in between.
func (e *Engine) deduct(ctx context.Context, userID string, credits int64) (ledger.Deduction, error) {
	d, err := e.ledger.Deduct(ctx, userID, credits)
	if errors.Is(err, ledger.ErrCacheMiss) {
		if _, err = e.ledger.GetAccount(ctx, userID); err != nil {
			return ledger.Deduction{}, err
		}
		d, err = e.ledger.Deduct(ctx, userID, credits)
	}
	return d, err
}

func (e *Engine) persistenceLagged(ctx context.Context, userID string, result ChargeResult, cause error) Outcome {
	metrics.DurableWriteFailures.Inc()
	e.logger.Error("charge not persisted to durable store",
		zap.String("user_id", userID),
		zap.Int64("balance", result.NewBalance),
		zap.Error(cause),
	)

	if err := e.ledger.MarkUnpersisted(ctx, userID); err != nil {
		e.logger.Error("failed to queue account for reconciliation", zap.String("user_id", userID), zap.Error(err))
	}
	if e.events != nil {
		_ = e.events.Publish(ctx, events.NewEvent(events.EventPersistenceLagged, userID, map[string]interface{}{
			"balance":         result.NewBalance,
			"credits_charged": result.CreditsCharged,
			"error":           cause.Error(),
		}))
	}

	return persistedLate(result, fmt.Errorf("%w: %v", ErrPersistenceLagged, cause))
}

func (e *Engine) recordUsage(acct *ledger.Account, credits int64, cc ChargeContext) {
	entry := buildUsageEntry(acct, credits, cc)
	e.tasks.Go(TaskUsage, acct.UserID, func(ctx context.Context) error {
		return e.usage.Write(ctx, entry)
	})
}

func buildUsageEntry(acct *ledger.Account, credits int64, cc ChargeContext) usage.Entry {
	userHash := cc.UserIDHash
	if userHash == "" {
		userHash = usage.HashUserID(acct.UserID)
	}
	usageType := cc.UsageType
	if usageType == "" {
		usageType = usage.DefaultUsageType
	}
	chatID := usage.ChatIDFor(cc.ChatID, cc.IsIncognito)

	return usage.Entry{
		UserIDHash:     userHash,
		AppID:          cc.AppID,
		SkillID:        cc.SkillID,
		UsageType:      usageType,
		Timestamp:      time.Now().UTC(),
		CreditsCharged: credits,
		VaultKeyID:     acct.VaultKeyID,
		Source:         usage.SourceFor(cc.APIKeyHash, chatID),
		ChatID:         chatID,
		MessageID:      cc.MessageID,
		ModelUsed:      cc.ModelUsed,
		InputTokens:    cc.InputTokens,
		OutputTokens:   cc.OutputTokens,
		APIKeyHash:     cc.APIKeyHash,
		DeviceHash:     cc.DeviceHash,
		ServerProvider: cc.ServerProvider,
		ServerRegion:   cc.ServerRegion,
		Details:        cc.Details,
	}
}
