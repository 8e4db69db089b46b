package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/credit-engine/internal/config"
	"github.com/crosslogic/credit-engine/pkg/cache"
	"github.com/crosslogic/credit-engine/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	c, err := cache.NewCache(config.RedisConfig{Host: mr.Host(), Port: port, PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type flakySender struct {
	mu       sync.Mutex
	failures int
	sent     []events.Event
	attempts int
}

func (f *flakySender) Send(_ context.Context, e events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures > 0 {
		f.failures--
		return errors.New("channel unavailable")
	}
	f.sent = append(f.sent, e)
	return nil
}

func (f *flakySender) delivered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testConfig() *Config {
	return &Config{
		SlackWebhookURL:  "https://hooks.slack.test/services/T000/B000/XXX",
		MaxRetries:       3,
		RetryBackoffBase: time.Millisecond,
		RetryQueueSize:   10,
		RetryWorkers:     1,
		DeliveryTimeout:  time.Second,
	}
}

func TestServiceDeliversAlertEventsOnce(t *testing.T) {
	ctx := context.Background()
	sender := &flakySender{}
	svc := newService(testConfig(), newTestCache(t), map[string]Sender{ChannelSlack: sender}, zap.NewNop())

	bus := events.NewBus(zap.NewNop())
	svc.Start(ctx, bus)
	t.Cleanup(svc.Stop)

	event := events.NewEvent(events.EventPersistenceLagged, "u", map[string]interface{}{"balance": int64(970)})
	require.NoError(t, bus.PublishAndWait(ctx, event))
	require.NoError(t, bus.PublishAndWait(ctx, event))

	assert.Equal(t, 1, sender.delivered())
}

func TestServiceRetriesFailedDelivery(t *testing.T) {
	ctx := context.Background()
	sender := &flakySender{failures: 2}
	svc := newService(testConfig(), newTestCache(t), map[string]Sender{ChannelSlack: sender}, zap.NewNop())

	bus := events.NewBus(zap.NewNop())
	svc.Start(ctx, bus)
	t.Cleanup(svc.Stop)

	require.NoError(t, bus.PublishAndWait(ctx, events.NewEvent(events.EventTopUpFailed, "u", nil)))

	assert.Eventually(t, func() bool { return sender.delivered() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestServiceGivesUpAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxRetries = 1
	sender := &flakySender{failures: 100}
	svc := newService(cfg, newTestCache(t), map[string]Sender{ChannelSlack: sender}, zap.NewNop())

	bus := events.NewBus(zap.NewNop())
	svc.Start(ctx, bus)
	t.Cleanup(svc.Stop)

	require.NoError(t, bus.PublishAndWait(ctx, events.NewEvent(events.EventTopUpFailed, "u", nil)))

	assert.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return sender.attempts == 2
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, 2, sender.attempts)
}

func TestServiceIgnoresOtherEvents(t *testing.T) {
	ctx := context.Background()
	sender := &flakySender{}
	svc := newService(testConfig(), newTestCache(t), map[string]Sender{ChannelSlack: sender}, zap.NewNop())

	bus := events.NewBus(zap.NewNop())
	svc.Start(ctx, bus)
	t.Cleanup(svc.Stop)

	require.NoError(t, bus.PublishAndWait(ctx, events.NewEvent(events.EventTopUpConfirmed, "u", nil)))
	assert.Equal(t, 0, sender.delivered())
}

func TestNewServiceDisabled(t *testing.T) {
	svc, err := NewService(&Config{}, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, svc)
}

func TestConfigChannelsFor(t *testing.T) {
	cfg := &Config{
		SlackWebhookURL: "https://hooks.slack.test/x",
		WebhookURL:      "https://ops.example.com/alerts",
		EventRouting: map[string][]string{
			string(events.EventStorageBillingCompleted): {ChannelWebhook},
		},
	}

	assert.Equal(t, []string{ChannelSlack, ChannelWebhook}, cfg.ChannelsFor(string(events.EventTopUpFailed)))
	assert.Equal(t, []string{ChannelWebhook}, cfg.ChannelsFor(string(events.EventStorageBillingCompleted)))

	cfg.EventRouting["topup.failed"] = []string{"discord"}
	cfg.RetryBackoffBase, cfg.RetryQueueSize, cfg.DeliveryTimeout = time.Second, 1, time.Second
	assert.ErrorContains(t, cfg.Validate(), "unknown channel")
}

func TestSlackAdapterSend(t *testing.T) {
	var got SlackWebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	slack := NewSlackAdapter(srv.URL, "#billing", zap.NewNop())
	event := events.NewEvent(events.EventStorageBillingCompleted, "", map[string]interface{}{
		"users_checked": 52,
		"users_billed":  49,
	})
	require.NoError(t, slack.Send(context.Background(), event))

	assert.Equal(t, "#billing", got.Channel)
	require.NotEmpty(t, got.Blocks)
	assert.Equal(t, "header", got.Blocks[0].Type)
	assert.Contains(t, got.Blocks[0].Text.Text, "Storage Billing")
	assert.Contains(t, got.Blocks[1].Fields[1].Text, "49")
}

func TestSlackAdapterErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewSlackAdapter(srv.URL, "", zap.NewNop()).Send(context.Background(), events.NewEvent(events.EventTopUpFailed, "u", nil))
	assert.ErrorContains(t, err, "status 500")
}

func TestWebhookAdapterSignsPayload(t *testing.T) {
	const secret = "alert-secret"
	var (
		body      []byte
		signature string
		eventType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get(HeaderSignature)
		eventType = r.Header.Get(HeaderEventType)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	event := events.NewEvent(events.EventPersistenceLagged, "u", map[string]interface{}{"balance": 970})
	require.NoError(t, NewWebhookAdapter(srv.URL, secret, zap.NewNop()).Send(context.Background(), event))

	assert.True(t, VerifySignature(body, signature, secret))
	assert.False(t, VerifySignature(body, signature, "other"))
	assert.Equal(t, string(events.EventPersistenceLagged), eventType)

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, event.ID, payload.EventID)
	assert.Equal(t, "u", payload.UserID)
}
