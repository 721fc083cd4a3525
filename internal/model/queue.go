package model

import (
	"time"
)

// SyncOperation is the mutation kind carried by a queue entry
type SyncOperation string

const (
	OperationCreate SyncOperation = "create"
	OperationUpdate SyncOperation = "update"
	OperationDelete SyncOperation = "delete"
)

// IsValidOperation reports whether op is a known sync operation
func IsValidOperation(op SyncOperation) bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	default:
		return false
	}
}

// QueueEntryStatus is the processing state of a queue entry.
// Terminal states (applied, failed) are never re-entered; a corrected
// entry must be resubmitted as a new queue item.
type QueueEntryStatus string

const (
	EntryPending QueueEntryStatus = "pending"
	EntryApplied QueueEntryStatus = "applied"
	EntryFailed  QueueEntryStatus = "failed"
)

// SyncQueueEntry is a single client-originated mutation awaiting
// application to the tenant store. Entries are retained after reaching a
// terminal state for audit; purging is an explicit admin operation.
type SyncQueueEntry struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenant_id"`
	EntityType      EntityType       `json:"entity_type"`
	EntityID        string           `json:"entity_id"`
	Operation       SyncOperation    `json:"operation"`
	Payload         map[string]any   `json:"payload,omitempty"`
	PriorChecksum   string           `json:"prior_checksum,omitempty"`
	ClientSeq       int64            `json:"client_seq"`
	ClientTimestamp time.Time        `json:"client_timestamp"`
	ClientID        string           `json:"client_id,omitempty"`
	Status          QueueEntryStatus `json:"status"`
	FailureReason   string           `json:"failure_reason,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	ProcessedAt     *time.Time       `json:"processed_at,omitempty"`
}

// SyncCheckpoint is the last acknowledged sync position for one client
// identity within a tenant. It advances monotonically and is rewound
// only by an explicit reset.
type SyncCheckpoint struct {
	TenantID       string    `json:"tenant_id"`
	ClientID       string    `json:"client_id"`
	LastAppliedSeq int64     `json:"last_applied_seq"`
	LastSyncTime   time.Time `json:"last_sync_time"`
}
