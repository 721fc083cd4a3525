package ws

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mlammarsch/FinWise-0.4-Backend/internal/metrics"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/model"
)

// Registry tracks live connections grouped by tenant. Broadcasts only
// ever reach connections of the same tenant; a connection is visible to
// the registry from Register until Unregister.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]map[string]*Client
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRegistry creates a new connection registry
func NewRegistry(m *metrics.Metrics, logger *zap.Logger) *Registry {
	return &Registry{
		tenants: make(map[string]map[string]*Client),
		metrics: m,
		logger:  logger,
	}
}

// Register adds a connection to its tenant's set
func (r *Registry) Register(client *Client) {
	r.mu.Lock()
	conns, exists := r.tenants[client.TenantID]
	if !exists {
		conns = make(map[string]*Client)
		r.tenants[client.TenantID] = conns
	}
	conns[client.ConnectionID] = client
	total := len(conns)
	r.mu.Unlock()

	r.metrics.RecordConnection(client.TenantID)
	r.logger.Info("Connection registered",
		zap.String("tenant_id", client.TenantID),
		zap.String("connection_id", client.ConnectionID),
		zap.String("client_id", client.ClientID),
		zap.Int("tenant_connections", total))
}

// Unregister removes a connection. Removing an already-removed
// connection is a no-op so pump teardown can race the sweeper safely.
func (r *Registry) Unregister(client *Client) {
	r.mu.Lock()
	conns, exists := r.tenants[client.TenantID]
	if !exists {
		r.mu.Unlock()
		return
	}
	if _, registered := conns[client.ConnectionID]; !registered {
		r.mu.Unlock()
		return
	}
	delete(conns, client.ConnectionID)
	if len(conns) == 0 {
		delete(r.tenants, client.TenantID)
	}
	total := len(conns)
	r.mu.Unlock()

	r.metrics.RecordDisconnection(client.TenantID)
	r.logger.Info("Connection unregistered",
		zap.String("tenant_id", client.TenantID),
		zap.String("connection_id", client.ConnectionID),
		zap.Int("tenant_connections", total))
}

// BroadcastToTenant sends message to every connection of a tenant except
// the excluded one. The message is marshaled once; a connection whose
// send buffer is full is dropped rather than allowed to stall the rest.
func (r *Registry) BroadcastToTenant(tenantID string, message any, excludeConnectionID string) {
	data, err := json.Marshal(message)
	if err != nil {
		r.logger.Error("Failed to marshal broadcast",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return
	}

	r.mu.RLock()
	conns := r.tenants[tenantID]
	targets := make([]*Client, 0, len(conns))
	for connID, client := range conns {
		if connID == excludeConnectionID {
			continue
		}
		targets = append(targets, client)
	}
	r.mu.RUnlock()

	for _, client := range targets {
		if !client.enqueue(data) {
			r.logger.Warn("Send buffer full, dropping connection",
				zap.String("tenant_id", tenantID),
				zap.String("connection_id", client.ConnectionID))
			client.Close()
		}
	}

	if len(targets) > 0 {
		r.metrics.RecordBroadcast(tenantID)
	}
}

// ConnectionCount returns the number of live connections for a tenant
func (r *Registry) ConnectionCount(tenantID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tenants[tenantID])
}

// Connections returns a snapshot of a tenant's live connections
func (r *Registry) Connections(tenantID string) []*model.TenantConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.tenants[tenantID]
	result := make([]*model.TenantConnection, 0, len(conns))
	for _, client := range conns {
		result = append(result, client.Info())
	}
	return result
}

// DisconnectTenant force-closes all of a tenant's connections and
// returns how many were closed.
func (r *Registry) DisconnectTenant(tenantID string) int {
	r.mu.RLock()
	conns := r.tenants[tenantID]
	targets := make([]*Client, 0, len(conns))
	for _, client := range conns {
		targets = append(targets, client)
	}
	r.mu.RUnlock()

	for _, client := range targets {
		client.Close()
	}

	if len(targets) > 0 {
		r.logger.Info("Tenant connections force-closed",
			zap.String("tenant_id", tenantID),
			zap.Int("count", len(targets)))
	}
	return len(targets)
}

// SweepInactive closes connections whose last activity is older than
// timeout and returns how many were swept.
func (r *Registry) SweepInactive(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)

	r.mu.RLock()
	var stale []*Client
	for _, conns := range r.tenants {
		for _, client := range conns {
			if client.LastActivity().Before(cutoff) {
				stale = append(stale, client)
			}
		}
	}
	r.mu.RUnlock()

	for _, client := range stale {
		r.logger.Info("Sweeping inactive connection",
			zap.String("tenant_id", client.TenantID),
			zap.String("connection_id", client.ConnectionID),
			zap.Time("last_activity", client.LastActivity()))
		client.Close()
		r.metrics.ConnectionsSwept.Inc()
	}
	return len(stale)
}

// StartSweeper runs the inactivity sweeper until stop is closed
func (r *Registry) StartSweeper(stop <-chan struct{}, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if swept := r.SweepInactive(timeout); swept > 0 {
				r.logger.Debug("Inactivity sweep completed", zap.Int("swept", swept))
			}
		}
	}
}

// TenantIDs returns the ids of all tenants with live connections
func (r *Registry) TenantIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tenants))
	for tenantID := range r.tenants {
		ids = append(ids, tenantID)
	}
	return ids
}

// RegistryStats summarizes the registry's current population
type RegistryStats struct {
	Tenants          int            `json:"tenants"`
	TotalConnections int            `json:"total_connections"`
	PerTenant        map[string]int `json:"per_tenant"`
}

// Stats returns connection statistics across all tenants
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		Tenants:   len(r.tenants),
		PerTenant: make(map[string]int, len(r.tenants)),
	}
	for tenantID, conns := range r.tenants {
		stats.PerTenant[tenantID] = len(conns)
		stats.TotalConnections += len(conns)
	}
	return stats
}

// CloseAll force-closes every registered connection
func (r *Registry) CloseAll() {
	r.mu.RLock()
	var targets []*Client
	for _, conns := range r.tenants {
		for _, client := range conns {
			targets = append(targets, client)
		}
	}
	r.mu.RUnlock()

	for _, client := range targets {
		client.Close()
	}
}
