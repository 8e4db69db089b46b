package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/credit-engine/internal/config"
	"github.com/crosslogic/credit-engine/pkg/cache"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{}
	header.Set(UserIDHeader, userID)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitConnections(t *testing.T, h *Hub, userID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Connections(userID) == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHubBroadcastToUser(t *testing.T) {
	hub := NewHub(zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	a1 := dial(t, srv, "alice")
	a2 := dial(t, srv, "alice")
	b := dial(t, srv, "bob")
	waitConnections(t, hub, "alice", 2)
	waitConnections(t, hub, "bob", 1)

	require.NoError(t, hub.BroadcastToUser(context.Background(), "alice", CreditsUpdated(970)))

	for _, conn := range []*websocket.Conn{a1, a2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"user_credits_updated","payload":{"credits":970}}`, string(data))
	}

	b.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := b.ReadMessage()
	assert.Error(t, err, "bob must not receive alice's balance")
}

func TestHubNoConnections(t *testing.T) {
	hub := NewHub(zap.NewNop())
	assert.NoError(t, hub.BroadcastToUser(context.Background(), "nobody", CreditsUpdated(1)))
}

func TestHubRejectsAnonymous(t *testing.T) {
	hub := NewHub(zap.NewNop())
	rec := httptest.NewRecorder()
	hub.ServeWS(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHubUnregistersOnClose(t *testing.T) {
	hub := NewHub(zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dial(t, srv, "carol")
	waitConnections(t, hub, "carol", 1)

	conn.Close()
	waitConnections(t, hub, "carol", 0)
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	sent map[string][]Message
}

func (r *recordingBroadcaster) BroadcastToUser(_ context.Context, userID string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = make(map[string][]Message)
	}
	r.sent[userID] = append(r.sent[userID], msg)
	return nil
}

func (r *recordingBroadcaster) count(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent[userID])
}

func TestRelayDeliversAcrossReplicas(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	c, err := cache.NewCache(config.RedisConfig{Host: mr.Host(), Port: port, PoolSize: 4})
	require.NoError(t, err)
	defer c.Close()

	local := &recordingBroadcaster{}
	relay := NewRelay(c, local, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx, ready) }()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not subscribe")
	}

	require.NoError(t, relay.BroadcastToUser(ctx, "dave", CreditsUpdated(42)))

	require.Eventually(t, func() bool { return local.count("dave") == 1 }, 2*time.Second, 10*time.Millisecond)
	local.mu.Lock()
	msg := local.sent["dave"][0]
	local.mu.Unlock()
	assert.Equal(t, MessageCreditsUpdated, msg.Type)
	assert.EqualValues(t, 42, msg.Payload["credits"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}
