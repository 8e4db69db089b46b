package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crosslogic/credit-engine/internal/ledger"
	"github.com/crosslogic/credit-engine/internal/ledger/ledgertest"
	"github.com/crosslogic/credit-engine/internal/realtime"
	"github.com/crosslogic/credit-engine/internal/tasks"
	"github.com/crosslogic/credit-engine/internal/usage"
	"github.com/crosslogic/credit-engine/pkg/events"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memoryUsage struct {
	mu      sync.Mutex
	entries []usage.Entry
	err     error
}

func (m *memoryUsage) Write(_ context.Context, e usage.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memoryUsage) all() []usage.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]usage.Entry(nil), m.entries...)
}

type memoryBroadcaster struct {
	mu   sync.Mutex
	sent map[string][]realtime.Message
	err  error
}

func (m *memoryBroadcaster) BroadcastToUser(_ context.Context, userID string, msg realtime.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.sent == nil {
		m.sent = make(map[string][]realtime.Message)
	}
	m.sent[userID] = append(m.sent[userID], msg)
	return nil
}

func (m *memoryBroadcaster) messages(userID string) []realtime.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]realtime.Message(nil), m.sent[userID]...)
}

type memoryPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (m *memoryPublisher) Publish(_ context.Context, e events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memoryPublisher) ofType(t events.EventType) []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.Event
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type recordingTopUps struct {
	mu       sync.Mutex
	balances []int64
}

func (r *recordingTopUps) MaybeTriggerTopUp(_ context.Context, _ *ledger.Account, newBalance int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances = append(r.balances, newBalance)
	return nil
}

func (r *recordingTopUps) calls() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.balances...)
}

type fakeProvider struct {
	mu sync.Mutex

	owner      string
	createErr  error
	confirmErr error
	ownerErr   error

	requests  []IntentRequest
	confirmed []string
	calls     []string
}

func (f *fakeProvider) CreatePaymentIntent(_ context.Context, req IntentRequest) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "create")
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.requests = append(f.requests, req)
	return &Intent{ID: "pi_test", ClientSecret: "pi_test_secret", Status: "requires_confirmation"}, nil
}

func (f *fakeProvider) PaymentMethodCustomer(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "payment_method")
	return f.owner, f.ownerErr
}

func (f *fakeProvider) ConfirmPaymentIntent(_ context.Context, intentID, paymentMethodID string) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "confirm")
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	f.confirmed = append(f.confirmed, paymentMethodID)
	return &Intent{ID: intentID, Status: "succeeded"}, nil
}

func (f *fakeProvider) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

var errStoreDown = errors.New("store unavailable")

type engineHarness struct {
	env       *ledgertest.Env
	engine    *Engine
	usage     *memoryUsage
	broadcast *memoryBroadcaster
	publisher *memoryPublisher
	topups    *recordingTopUps
	taskLog   chan tasks.Event
}

func newEngineHarness(t *testing.T, paymentEnabled bool) *engineHarness {
	t.Helper()
	return newEngineHarnessOn(t, ledgertest.NewEnv(t, 3), paymentEnabled)
}

func newEngineHarnessOn(t *testing.T, env *ledgertest.Env, paymentEnabled bool) *engineHarness {
	t.Helper()

	taskLog := make(chan tasks.Event, 64)
	pool := tasks.NewPool(tasks.Config{Workers: 2, QueueSize: 16, Events: taskLog}, zap.NewNop())
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })

	h := &engineHarness{
		env:       env,
		usage:     &memoryUsage{},
		broadcast: &memoryBroadcaster{},
		publisher: &memoryPublisher{},
		topups:    &recordingTopUps{},
		taskLog:   taskLog,
	}
	h.engine = NewEngine(EngineDeps{
		Ledger:         env.Store,
		Usage:          h.usage,
		Broadcaster:    h.broadcast,
		TopUps:         h.topups,
		Tasks:          pool,
		Events:         h.publisher,
		PaymentEnabled: paymentEnabled,
	}, zap.NewNop())

	return h
}

// awaitTasks collects n terminal task events keyed by task name
func (h *engineHarness) awaitTasks(t *testing.T, n int) map[string]tasks.Event {
	t.Helper()
	got := make(map[string]tasks.Event, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-h.taskLog:
			got[ev.Name] = ev
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d task events", i, n)
		}
	}
	return got
}

func (h *engineHarness) assertNoTasks(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.taskLog:
		t.Fatalf("unexpected task %s", ev.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func sealFor(t *testing.T, env *ledgertest.Env, userID, value string) string {
	t.Helper()
	sealed, err := env.Vault.Seal(context.Background(), "key-"+userID, value)
	require.NoError(t, err)
	return sealed
}
