package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAmount is returned for negative charges
	ErrInvalidAmount = errors.New("billing: credits to deduct must not be negative")
	// ErrInvalidContext is returned when app_id or skill_id is blank
	ErrInvalidContext = errors.New("billing: app_id and skill_id are required")
	// ErrPersistenceLagged marks a charge that is applied in the cache but not yet durable
	ErrPersistenceLagged = errors.New("billing: charge applied but not durably persisted")
)

// topUpAbort is the swallowed failure of one auto top-up step
type topUpAbort struct {
	step string
	err  error
}

func (e *topUpAbort) Error() string {
	return fmt.Sprintf("auto top-up aborted at %s: %v", e.step, e.err)
}

func (e *topUpAbort) Unwrap() error {
	return e.err
}

func abort(step string, err error) error {
	return &topUpAbort{step: step, err: err}
}
