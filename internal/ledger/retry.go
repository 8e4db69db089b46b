package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.uber.org/zap"
)

// RetryPolicy bounds durable writes to a fixed number of attempts with a
// fixed delay between them. Missing accounts are not retried.
type RetryPolicy struct {
	attempts int
	delay    time.Duration
	policy   retrypolicy.RetryPolicy[any]
	logger   *zap.Logger
}

// NewRetryPolicy builds a policy that makes at most attempts calls
func NewRetryPolicy(attempts int, delay time.Duration, logger *zap.Logger) *RetryPolicy {
	if attempts < 1 {
		attempts = 1
	}
	if delay < 0 {
		delay = 0
	}

	policy := retrypolicy.NewBuilder[any]().
		WithMaxRetries(attempts - 1).
		WithDelay(delay).
		HandleIf(func(_ any, err error) bool {
			return err != nil && !errors.Is(err, ErrAccountNotFound)
		}).
		Build()

	return &RetryPolicy{
		attempts: attempts,
		delay:    delay,
		policy:   policy,
		logger:   logger,
	}
}

// Attempts returns the configured attempt budget
func (p *RetryPolicy) Attempts() int {
	return p.attempts
}

// Run executes fn until it succeeds or the attempt budget is spent
func (p *RetryPolicy) Run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var calls int32

	err := failsafe.With[any](p.policy).WithContext(ctx).Run(func() error {
		attempt := atomic.AddInt32(&calls, 1)
		err := fn(ctx)
		if err != nil {
			p.logger.Warn("durable write attempt failed",
				zap.String("op", op),
				zap.Int32("attempt", attempt),
				zap.Int("max_attempts", p.attempts),
				zap.Error(err),
			)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAccountNotFound) {
		return err
	}

	return fmt.Errorf("%w: %s after %d attempts: %v", ErrDurableWrite, op, atomic.LoadInt32(&calls), err)
}
