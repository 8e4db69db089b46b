package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handler is a function that handles an event
type Handler func(ctx context.Context, event Event) error

// Publisher is the publishing side of the bus
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Bus is an in-memory event bus for pub/sub messaging
type Bus struct {
	handlers map[EventType][]Handler
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewBus creates a new event bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for a specific event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.logger.Info("event handler subscribed",
		zap.String("event_type", string(eventType)),
		zap.Int("total_handlers", len(b.handlers[eventType])),
	)
}

// Publish hands the event to every handler on its own goroutine.
// Handler errors and panics are logged; the publisher never waits.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	handlers := b.handlersFor(event)
	if len(handlers) == 0 {
		return nil
	}

	// handlers must outlive the request that published the event
	ctx = context.WithoutCancel(ctx)

	for _, handler := range handlers {
		go b.dispatch(ctx, handler, event)
	}
	return nil
}

// PublishAndWait runs every handler and returns the first error
func (b *Bus) PublishAndWait(ctx context.Context, event Event) error {
	handlers := b.handlersFor(event)
	if len(handlers) == 0 {
		return nil
	}

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		errOut error
	)

	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := b.dispatch(ctx, h, event); err != nil {
				errMu.Lock()
				if errOut == nil {
					errOut = err
				}
				errMu.Unlock()
			}
		}(handler)
	}

	wg.Wait()
	return errOut
}

func (b *Bus) handlersFor(event Event) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	handlers := b.handlers[event.Type]
	if len(handlers) == 0 {
		b.logger.Debug("no handlers registered for event type",
			zap.String("event_type", string(event.Type)),
			zap.String("event_id", event.ID),
		)
	}
	return handlers
}

func (b *Bus) dispatch(ctx context.Context, h Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", string(event.Type)),
				zap.String("event_id", event.ID),
				zap.Any("panic", r),
			)
		}
	}()

	if err = h(ctx, event); err != nil {
		b.logger.Error("event handler failed",
			zap.String("event_type", string(event.Type)),
			zap.String("event_id", event.ID),
			zap.String("user_id", event.UserID),
			zap.Error(err),
		)
	}
	return err
}
