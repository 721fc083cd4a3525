package model

import (
	"time"
)

// Tenant represents a tenant as provisioned by the external tenant
// management service. The sync engine only resolves and authorizes
// against tenants, it never creates or mutates them.
type Tenant struct {
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	OwnerUserID string    `json:"owner_user_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ConnectionState represents the liveness state of a client connection
type ConnectionState string

const (
	ConnectionConnected    ConnectionState = "connected"
	ConnectionIdle         ConnectionState = "idle"
	ConnectionDisconnected ConnectionState = "disconnected"
)

// TenantConnection tracks one live client connection scoped to a tenant
type TenantConnection struct {
	TenantID     string          `json:"tenant_id"`
	ConnectionID string          `json:"connection_id"`
	ClientID     string          `json:"client_id"`
	State        ConnectionState `json:"state"`
	ConnectedAt  time.Time       `json:"connected_at"`
	LastActivity time.Time       `json:"last_activity"`
}
