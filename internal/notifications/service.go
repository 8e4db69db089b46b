package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crosslogic/credit-engine/pkg/cache"
	"github.com/crosslogic/credit-engine/pkg/events"
	"go.uber.org/zap"
)

const processedTTL = 24 * time.Hour

// AlertEvents are the bus events forwarded to operators
var AlertEvents = []events.EventType{
	events.EventPersistenceLagged,
	events.EventTopUpFailed,
	events.EventStorageBillingCompleted,
}

// Sender delivers one event to one channel
type Sender interface {
	Send(ctx context.Context, event events.Event) error
}

// Service forwards billing events to operator channels
type Service struct {
	config  *Config
	cache   *cache.Cache
	logger  *zap.Logger
	senders map[string]Sender

	retryQueue chan *DeliveryTask
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	metrics *Metrics
}

// DeliveryTask is one event bound for one channel
type DeliveryTask struct {
	ID          string
	Channel     string
	Event       events.Event
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	LastAttempt time.Time
}

// NewService creates the alerting service. It returns nil when no channel is configured.
func NewService(cfg *Config, c *cache.Cache, logger *zap.Logger) (*Service, error) {
	if !cfg.Enabled() {
		logger.Info("operator alerts disabled")
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid notification config: %w", err)
	}

	senders := make(map[string]Sender)
	if cfg.SlackWebhookURL != "" {
		senders[ChannelSlack] = NewSlackAdapter(cfg.SlackWebhookURL, cfg.SlackChannel, logger)
		logger.Info("slack alerts enabled", zap.String("webhook_url", maskURL(cfg.SlackWebhookURL)))
	}
	if cfg.WebhookURL != "" {
		senders[ChannelWebhook] = NewWebhookAdapter(cfg.WebhookURL, cfg.WebhookSecret, logger)
		logger.Info("webhook alerts enabled", zap.String("url", maskURL(cfg.WebhookURL)))
	}

	return newService(cfg, c, senders, logger), nil
}

func newService(cfg *Config, c *cache.Cache, senders map[string]Sender, logger *zap.Logger) *Service {
	return &Service{
		config:     cfg,
		cache:      c,
		logger:     logger,
		senders:    senders,
		retryQueue: make(chan *DeliveryTask, cfg.RetryQueueSize),
		stopChan:   make(chan struct{}),
		metrics:    NewMetrics(),
	}
}

// Start subscribes to the bus and starts the retry workers
func (s *Service) Start(ctx context.Context, bus *events.Bus) {
	names := make([]string, 0, len(AlertEvents))
	for _, t := range AlertEvents {
		bus.Subscribe(t, s.handleEvent)
		names = append(names, string(t))
	}

	for i := 0; i < s.config.RetryWorkers; i++ {
		s.wg.Add(1)
		go s.retryWorker(ctx, i)
	}

	s.logger.Info("operator alerts started",
		zap.Strings("events", names),
		zap.Int("retry_workers", s.config.RetryWorkers),
	)
}

// Stop stops the retry workers
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	s.logger.Info("operator alerts stopped")
}

func (s *Service) handleEvent(ctx context.Context, event events.Event) error {
	// Check if this event was already processed (idempotency)
	first, err := s.cache.SetNX(ctx, processedKey(event.ID), "1", processedTTL)
	if err != nil {
		s.logger.Warn("failed to check duplicate alert", zap.String("event_id", event.ID), zap.Error(err))
	} else if !first {
		s.logger.Debug("duplicate event, skipping", zap.String("event_id", event.ID))
		return nil
	}

	for _, channel := range s.config.ChannelsFor(string(event.Type)) {
		now := time.Now()
		task := &DeliveryTask{
			ID:          fmt.Sprintf("%s-%s", event.ID, channel),
			Channel:     channel,
			Event:       event,
			MaxRetries:  s.config.MaxRetries,
			CreatedAt:   now,
			LastAttempt: now,
		}

		if err := s.deliver(ctx, task); err != nil {
			s.enqueueRetry(task)
		}
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, task *DeliveryTask) error {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	defer cancel()

	var err error
	sender, ok := s.senders[task.Channel]
	if ok {
		err = sender.Send(ctx, task.Event)
	} else {
		err = fmt.Errorf("unknown channel: %s", task.Channel)
	}

	duration := time.Since(start)
	eventType := string(task.Event.Type)

	if err != nil {
		s.metrics.RecordDelivery(task.Channel, eventType, "failed", duration)
		s.logger.Error("alert delivery failed",
			zap.String("event_id", task.Event.ID),
			zap.String("channel", task.Channel),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return err
	}

	s.metrics.RecordDelivery(task.Channel, eventType, "success", duration)
	s.logger.Info("alert delivered",
		zap.String("event_id", task.Event.ID),
		zap.String("event_type", eventType),
		zap.String("channel", task.Channel),
		zap.Duration("duration", duration),
	)
	return nil
}

func (s *Service) enqueueRetry(task *DeliveryTask) {
	task.RetryCount++
	task.LastAttempt = time.Now()

	if task.RetryCount > task.MaxRetries {
		s.logger.Error("max retries exceeded, giving up",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
			zap.Int("retry_count", task.RetryCount),
		)
		return
	}

	select {
	case s.retryQueue <- task:
		s.metrics.RecordRetry(task.Channel, task.RetryCount)
		s.metrics.SetQueueDepth(len(s.retryQueue))
	default:
		s.logger.Error("retry queue full, dropping alert",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
		)
	}
}

func (s *Service) retryWorker(ctx context.Context, workerID int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case task := <-s.retryQueue:
			s.metrics.SetQueueDepth(len(s.retryQueue))

			timer := time.NewTimer(s.calculateBackoff(task.RetryCount))
			select {
			case <-s.stopChan:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if err := s.deliver(ctx, task); err != nil {
				s.logger.Warn("retry failed",
					zap.Int("worker_id", workerID),
					zap.String("task_id", task.ID),
					zap.Int("retry_count", task.RetryCount),
				)
				s.enqueueRetry(task)
			}
		}
	}
}

// calculateBackoff is base * 2^retryCount, capped at five minutes
func (s *Service) calculateBackoff(retryCount int) time.Duration {
	backoff := s.config.RetryBackoffBase * time.Duration(1<<uint(retryCount))
	if maxBackoff := 5 * time.Minute; backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

func processedKey(eventID string) string {
	return "notification:processed:" + eventID
}

// maskURL masks sensitive parts of a URL for logging
func maskURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}
