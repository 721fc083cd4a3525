package model

import (
	"time"
)

// ConflictResolution classifies which side of a diverged entity is
// authoritative.
type ConflictResolution string

const (
	ResolutionClientWins ConflictResolution = "client-wins"
	ResolutionServerWins ConflictResolution = "server-wins"
	ResolutionUnresolved ConflictResolution = "unresolved"
)

// SyncConflict records a detected divergence between a client's and the
// server's view of one entity. Conflicts are immutable once resolved,
// except through the explicit manual override path.
type SyncConflict struct {
	ID              string             `json:"id"`
	TenantID        string             `json:"tenant_id"`
	EntityType      EntityType         `json:"entity_type"`
	EntityID        string             `json:"entity_id"`
	ClientChecksum  string             `json:"client_checksum"`
	ServerChecksum  string             `json:"server_checksum"`
	ClientTimestamp time.Time          `json:"client_timestamp"`
	ServerTimestamp time.Time          `json:"server_timestamp"`
	Resolution      ConflictResolution `json:"resolution"`
	DetectedAt      time.Time          `json:"detected_at"`
	ResolvedAt      *time.Time         `json:"resolved_at,omitempty"`
	ResolvedBy      string             `json:"resolved_by,omitempty"`
}
