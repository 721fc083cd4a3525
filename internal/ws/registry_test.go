package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mlammarsch/FinWise-0.4-Backend/internal/metrics"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/model"
)

// Prometheus collectors register globally, so all ws tests share one
// metrics instance.
var testMetrics = metrics.NewMetrics()

// newTestConn returns the server side of a real WebSocket connection
func newTestConn(t *testing.T) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	dialed, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { dialed.Close() })

	select {
	case conn := <-connCh:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for upgraded connection")
		return nil
	}
}

func newTestClient(t *testing.T, registry *Registry, tenantID, connectionID string) *Client {
	t.Helper()
	return NewClient(
		connectionID, tenantID, "client-"+connectionID,
		newTestConn(t),
		registry,
		nil,
		testMetrics,
		16,
		time.Minute, time.Minute,
		zap.NewNop(),
	)
}

func TestRegisterAndUnregister(t *testing.T) {
	registry := NewRegistry(testMetrics, zap.NewNop())

	c1 := newTestClient(t, registry, "tenant-1", "conn-1")
	c2 := newTestClient(t, registry, "tenant-1", "conn-2")

	registry.Register(c1)
	registry.Register(c2)
	assert.Equal(t, 2, registry.ConnectionCount("tenant-1"))

	registry.Unregister(c1)
	assert.Equal(t, 1, registry.ConnectionCount("tenant-1"))

	// Unregistering twice is a no-op
	registry.Unregister(c1)
	assert.Equal(t, 1, registry.ConnectionCount("tenant-1"))

	registry.Unregister(c2)
	assert.Equal(t, 0, registry.ConnectionCount("tenant-1"))
	assert.Empty(t, registry.TenantIDs())
}

func TestBroadcastExcludesOrigin(t *testing.T) {
	registry := NewRegistry(testMetrics, zap.NewNop())

	origin := newTestClient(t, registry, "tenant-1", "conn-origin")
	peer := newTestClient(t, registry, "tenant-1", "conn-peer")
	other := newTestClient(t, registry, "tenant-2", "conn-other")

	registry.Register(origin)
	registry.Register(peer)
	registry.Register(other)

	registry.BroadcastToTenant("tenant-1", &model.BackendStatusMessage{
		Type:   model.MessageBackendStatus,
		Status: "online",
	}, "conn-origin")

	select {
	case data := <-peer.send:
		var msg model.BackendStatusMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, "online", msg.Status)
	default:
		t.Fatal("peer did not receive broadcast")
	}

	assert.Empty(t, origin.send)
	assert.Empty(t, other.send)
}

func TestBroadcastToUnknownTenant(t *testing.T) {
	registry := NewRegistry(testMetrics, zap.NewNop())

	// No connections, no panic
	registry.BroadcastToTenant("tenant-nobody", &model.BackendStatusMessage{
		Type:   model.MessageBackendStatus,
		Status: "online",
	}, "")
}

func TestStats(t *testing.T) {
	registry := NewRegistry(testMetrics, zap.NewNop())

	registry.Register(newTestClient(t, registry, "tenant-1", "conn-1"))
	registry.Register(newTestClient(t, registry, "tenant-1", "conn-2"))
	registry.Register(newTestClient(t, registry, "tenant-2", "conn-3"))

	stats := registry.Stats()
	assert.Equal(t, 2, stats.Tenants)
	assert.Equal(t, 3, stats.TotalConnections)
	assert.Equal(t, 2, stats.PerTenant["tenant-1"])
	assert.Equal(t, 1, stats.PerTenant["tenant-2"])

	assert.ElementsMatch(t, []string{"tenant-1", "tenant-2"}, registry.TenantIDs())
}

func TestConnectionsSnapshot(t *testing.T) {
	registry := NewRegistry(testMetrics, zap.NewNop())

	client := newTestClient(t, registry, "tenant-1", "conn-1")
	registry.Register(client)

	conns := registry.Connections("tenant-1")
	require.Len(t, conns, 1)
	assert.Equal(t, "conn-1", conns[0].ConnectionID)
	assert.Equal(t, "client-conn-1", conns[0].ClientID)
	assert.Equal(t, model.ConnectionConnected, conns[0].State)
}

func TestDisconnectTenant(t *testing.T) {
	registry := NewRegistry(testMetrics, zap.NewNop())

	registry.Register(newTestClient(t, registry, "tenant-1", "conn-1"))
	registry.Register(newTestClient(t, registry, "tenant-1", "conn-2"))
	registry.Register(newTestClient(t, registry, "tenant-2", "conn-3"))

	closed := registry.DisconnectTenant("tenant-1")
	assert.Equal(t, 2, closed)
	assert.Equal(t, 0, registry.DisconnectTenant("tenant-gone"))
}

func TestSweepInactive(t *testing.T) {
	registry := NewRegistry(testMetrics, zap.NewNop())

	stale := newTestClient(t, registry, "tenant-1", "conn-stale")
	stale.lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())
	fresh := newTestClient(t, registry, "tenant-1", "conn-fresh")

	registry.Register(stale)
	registry.Register(fresh)

	swept := registry.SweepInactive(10 * time.Minute)
	assert.Equal(t, 1, swept)

	// The fresh connection survives a second sweep
	assert.Equal(t, 0, registry.SweepInactive(10*time.Minute))
}

func TestClientInfoIdleState(t *testing.T) {
	registry := NewRegistry(testMetrics, zap.NewNop())

	client := newTestClient(t, registry, "tenant-1", "conn-1")
	client.lastSeen.Store(time.Now().Add(-5 * time.Minute).UnixNano())

	info := client.Info()
	assert.Equal(t, model.ConnectionIdle, info.State)
}
