package model

import (
	"encoding/json"
	"time"
)

// MessageType is the discriminant carried by every protocol message
type MessageType string

const (
	// client -> server
	MessageProcessSyncEntry   MessageType = "process_sync_entry"
	MessageDataStatusRequest  MessageType = "data_status_request"
	MessageRequestInitialData MessageType = "request_initial_data"
	MessagePing               MessageType = "ping"

	// server -> client
	MessageSyncAck            MessageType = "sync_ack"
	MessageSyncNack           MessageType = "sync_nack"
	MessageDataStatusResponse MessageType = "data_status_response"
	MessageInitialDataLoad    MessageType = "initial_data_load"
	MessageDataUpdate         MessageType = "data_update"
	MessageBackendStatus      MessageType = "backend_status"
	MessagePong               MessageType = "pong"
)

// Envelope is the outer frame of every client-originated message.
// Data is decoded per Type by the protocol engine.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ProcessSyncEntryMessage carries one queued mutation from a client
type ProcessSyncEntryMessage struct {
	Entry SyncQueueEntry `json:"entry"`
}

// DataStatusRequestMessage asks for current server checksums. An empty
// EntityTypes slice means all known entity types.
type DataStatusRequestMessage struct {
	TenantID    string       `json:"tenant_id"`
	EntityTypes []EntityType `json:"entity_types,omitempty"`
}

// RequestInitialDataMessage asks for a full snapshot bootstrap
type RequestInitialDataMessage struct {
	TenantID string `json:"tenant_id"`
}

// SyncAckMessage acknowledges a successfully applied queue entry
type SyncAckMessage struct {
	Type       MessageType `json:"type"`
	EntryID    string      `json:"entry_id"`
	EntityID   string      `json:"entity_id"`
	EntityType EntityType  `json:"entity_type"`
	Checksum   string      `json:"checksum,omitempty"`
	ServerTime time.Time   `json:"server_time"`
}

// SyncNackMessage reports a rejected queue entry with a machine-readable
// reason and, for stale-base conflicts, the current server state.
type SyncNackMessage struct {
	Type         MessageType `json:"type"`
	EntryID      string      `json:"entry_id"`
	EntityID     string      `json:"entity_id"`
	EntityType   EntityType  `json:"entity_type"`
	Reason       string      `json:"reason"`
	Detail       string      `json:"detail,omitempty"`
	CurrentState *Entity     `json:"current_state,omitempty"`
	ServerTime   time.Time   `json:"server_time"`
}

// DataStatusResponseMessage returns per-entity checksums for the
// requested entity types, computed from a consistent snapshot.
type DataStatusResponseMessage struct {
	Type            MessageType                              `json:"type"`
	TenantID        string                                   `json:"tenant_id"`
	EntityChecksums map[EntityType]map[string]EntityChecksum `json:"entity_checksums"`
	LastSyncTime    *time.Time                               `json:"last_sync_time,omitempty"`
	ServerTime      time.Time                                `json:"server_time"`
}

// InitialDataLoadMessage frames the full snapshot for a bootstrapping client
type InitialDataLoadMessage struct {
	Type       MessageType              `json:"type"`
	TenantID   string                   `json:"tenant_id"`
	Entities   map[EntityType][]*Entity `json:"entities"`
	ServerTime time.Time                `json:"server_time"`
}

// DataUpdateMessage is broadcast to co-tenant peers after a mutation
// was applied on behalf of another connection.
type DataUpdateMessage struct {
	Type          MessageType    `json:"type"`
	TenantID      string         `json:"tenant_id"`
	EntityType    EntityType     `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	OperationType SyncOperation  `json:"operation_type"`
	Data          map[string]any `json:"data,omitempty"`
	Checksum      string         `json:"checksum,omitempty"`
	ServerTime    time.Time      `json:"server_time"`
}

// BackendStatusMessage announces backend availability to all clients
type BackendStatusMessage struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
}

// PongMessage answers an application-level ping
type PongMessage struct {
	Type       MessageType `json:"type"`
	ServerTime time.Time   `json:"server_time"`
}
