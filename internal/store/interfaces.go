package store

import (
	"context"
	"errors"
	"time"

	"github.com/mlammarsch/FinWise-0.4-Backend/internal/model"
)

// ErrNotFound is returned when a key or row does not exist
var ErrNotFound = errors.New("not found")

// MetadataStore provides access to the shared metadata database:
// provisioned tenants, the durable sync queue log and the conflict log.
type MetadataStore interface {
	// Tenants (read-only, provisioning is external)
	GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error)

	// Durable queue-entry log for audit and idempotence
	InsertQueueEntry(ctx context.Context, entry *model.SyncQueueEntry) error
	MarkQueueEntryApplied(ctx context.Context, entryID string, processedAt time.Time) error
	MarkQueueEntryFailed(ctx context.Context, entryID, reason string, processedAt time.Time) error
	GetQueueEntry(ctx context.Context, entryID string) (*model.SyncQueueEntry, error)
	ListQueueEntries(ctx context.Context, tenantID string, limit int) ([]*model.SyncQueueEntry, error)
	DeletePendingQueueEntries(ctx context.Context, tenantID string) (int64, error)

	// Conflict log
	InsertConflict(ctx context.Context, conflict *model.SyncConflict) error
	ListConflicts(ctx context.Context, tenantID string, limit int) ([]*model.SyncConflict, error)
	ResolveConflict(ctx context.Context, conflictID string, resolution model.ConflictResolution, resolvedBy string) error

	Ping(ctx context.Context) error
	Close()
}

// TenantStore is the CRUD surface of one tenant's isolated store.
// Handles for two different tenants never share mutable state.
type TenantStore interface {
	// Get returns one entity or ErrNotFound
	Get(ctx context.Context, entityType model.EntityType, entityID string) (*model.Entity, error)

	// List returns all entities of one type
	List(ctx context.Context, entityType model.EntityType) ([]*model.Entity, error)

	// Snapshot returns all entities of the given types from a single
	// consistent read transaction.
	Snapshot(ctx context.Context, entityTypes []model.EntityType) (map[model.EntityType][]*model.Entity, error)

	// Mutate runs fn inside a write transaction. Writes to the same
	// tenant are serialized; any error rolls the transaction back fully.
	Mutate(ctx context.Context, fn func(tx TenantTx) error) error

	Close() error
}

// TenantTx is the transactional view handed to Mutate callbacks
type TenantTx interface {
	Get(entityType model.EntityType, entityID string) (*model.Entity, error)
	Upsert(entity *model.Entity) error
	Delete(entityType model.EntityType, entityID string) (bool, error)
}

// CheckpointStore tracks per-client sync checkpoints and the
// applied-entry marker used for idempotent at-least-once delivery.
type CheckpointStore interface {
	// GetCheckpoint returns the checkpoint or ErrNotFound
	GetCheckpoint(ctx context.Context, tenantID, clientID string) (*model.SyncCheckpoint, error)

	// AdvanceCheckpoint persists cp if it is ahead of the stored one;
	// checkpoints never move backwards through this path.
	AdvanceCheckpoint(ctx context.Context, cp *model.SyncCheckpoint) error

	// ResetCheckpoint removes a client's checkpoint (explicit reset only)
	ResetCheckpoint(ctx context.Context, tenantID, clientID string) error

	// MarkEntryApplied records that an entry id reached a terminal state
	MarkEntryApplied(ctx context.Context, entryID string, ttl time.Duration) error

	// WasEntryApplied reports whether an entry id was already processed
	WasEntryApplied(ctx context.Context, entryID string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// Cache is a simple TTL cache used for tenant config lookups
type Cache interface {
	Get(ctx context.Context, key string) (interface{}, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
