package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mlammarsch/FinWise-0.4-Backend/internal/model"
)

const metadataSchema = `
CREATE TABLE IF NOT EXISTS tenants (
	tenant_id     TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	owner_user_id TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_queue_entries (
	entry_id         TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	entity_type      TEXT NOT NULL,
	entity_id        TEXT NOT NULL,
	operation        TEXT NOT NULL,
	payload          JSONB,
	prior_checksum   TEXT NOT NULL DEFAULT '',
	client_seq       BIGINT NOT NULL DEFAULT 0,
	client_timestamp TIMESTAMPTZ NOT NULL,
	client_id        TEXT NOT NULL,
	status           TEXT NOT NULL,
	failure_reason   TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	processed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_queue_tenant_created ON sync_queue_entries (tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_queue_tenant_status ON sync_queue_entries (tenant_id, status);

CREATE TABLE IF NOT EXISTS sync_conflicts (
	conflict_id      TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	entity_type      TEXT NOT NULL,
	entity_id        TEXT NOT NULL,
	client_checksum  TEXT NOT NULL,
	server_checksum  TEXT NOT NULL,
	client_timestamp TIMESTAMPTZ NOT NULL,
	server_timestamp TIMESTAMPTZ NOT NULL,
	resolution       TEXT NOT NULL,
	detected_at      TIMESTAMPTZ NOT NULL,
	resolved_at      TIMESTAMPTZ,
	resolved_by      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_conflicts_tenant_detected ON sync_conflicts (tenant_id, detected_at DESC);
`

// PostgresSyncStore implements MetadataStore for PostgreSQL
type PostgresSyncStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresSyncStore creates a new PostgreSQL metadata store
func NewPostgresSyncStore(
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
	logger *zap.Logger,
) (*PostgresSyncStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresSyncStore{
		pool:   pool,
		logger: logger,
	}, nil
}

// EnsureSchema creates the metadata tables when they do not exist
func (s *PostgresSyncStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, metadataSchema); err != nil {
		return fmt.Errorf("failed to ensure metadata schema: %w", err)
	}
	return nil
}

// GetTenant retrieves a provisioned tenant
func (s *PostgresSyncStore) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	query := `
		SELECT tenant_id, name, owner_user_id, created_at, updated_at
		FROM tenants
		WHERE tenant_id = $1
	`

	var tenant model.Tenant
	err := s.pool.QueryRow(ctx, query, tenantID).Scan(
		&tenant.TenantID,
		&tenant.Name,
		&tenant.OwnerUserID,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}

	return &tenant, nil
}

// InsertQueueEntry appends an entry to the durable queue log.
// Reprocessing the same entry id is a no-op so retried deliveries
// never duplicate log rows.
func (s *PostgresSyncStore) InsertQueueEntry(ctx context.Context, entry *model.SyncQueueEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO sync_queue_entries (
			entry_id, tenant_id, entity_type, entity_id, operation,
			payload, prior_checksum, client_seq, client_timestamp,
			client_id, status, failure_reason, created_at, processed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (entry_id) DO NOTHING
	`

	_, err = s.pool.Exec(ctx, query,
		entry.ID,
		entry.TenantID,
		string(entry.EntityType),
		entry.EntityID,
		string(entry.Operation),
		payload,
		entry.PriorChecksum,
		entry.ClientSeq,
		entry.ClientTimestamp,
		entry.ClientID,
		string(entry.Status),
		entry.FailureReason,
		entry.CreatedAt,
		entry.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert queue entry: %w", err)
	}
	return nil
}

// MarkQueueEntryApplied transitions an entry to the applied state
func (s *PostgresSyncStore) MarkQueueEntryApplied(ctx context.Context, entryID string, processedAt time.Time) error {
	query := `
		UPDATE sync_queue_entries
		SET status = $2, failure_reason = '', processed_at = $3
		WHERE entry_id = $1
	`

	result, err := s.pool.Exec(ctx, query, entryID, string(model.EntryApplied), processedAt)
	if err != nil {
		return fmt.Errorf("failed to mark queue entry applied: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkQueueEntryFailed transitions an entry to the failed state
func (s *PostgresSyncStore) MarkQueueEntryFailed(ctx context.Context, entryID, reason string, processedAt time.Time) error {
	query := `
		UPDATE sync_queue_entries
		SET status = $2, failure_reason = $3, processed_at = $4
		WHERE entry_id = $1
	`

	result, err := s.pool.Exec(ctx, query, entryID, string(model.EntryFailed), reason, processedAt)
	if err != nil {
		return fmt.Errorf("failed to mark queue entry failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetQueueEntry retrieves one queue log entry
func (s *PostgresSyncStore) GetQueueEntry(ctx context.Context, entryID string) (*model.SyncQueueEntry, error) {
	query := `
		SELECT entry_id, tenant_id, entity_type, entity_id, operation,
		       payload, prior_checksum, client_seq, client_timestamp,
		       client_id, status, failure_reason, created_at, processed_at
		FROM sync_queue_entries
		WHERE entry_id = $1
	`

	entry, err := scanQueueEntry(s.pool.QueryRow(ctx, query, entryID))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue entry: %w", err)
	}
	return entry, nil
}

// ListQueueEntries returns a tenant's most recent queue log entries
func (s *PostgresSyncStore) ListQueueEntries(ctx context.Context, tenantID string, limit int) ([]*model.SyncQueueEntry, error) {
	query := `
		SELECT entry_id, tenant_id, entity_type, entity_id, operation,
		       payload, prior_checksum, client_seq, client_timestamp,
		       client_id, status, failure_reason, created_at, processed_at
		FROM sync_queue_entries
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*model.SyncQueueEntry, 0)
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// DeletePendingQueueEntries drops a tenant's unprocessed log entries.
// Used by the admin reset surface; applied and failed entries stay for
// audit.
func (s *PostgresSyncStore) DeletePendingQueueEntries(ctx context.Context, tenantID string) (int64, error) {
	query := `
		DELETE FROM sync_queue_entries
		WHERE tenant_id = $1 AND status = $2
	`

	result, err := s.pool.Exec(ctx, query, tenantID, string(model.EntryPending))
	if err != nil {
		return 0, fmt.Errorf("failed to delete pending queue entries: %w", err)
	}
	return result.RowsAffected(), nil
}

// InsertConflict appends a conflict record
func (s *PostgresSyncStore) InsertConflict(ctx context.Context, conflict *model.SyncConflict) error {
	query := `
		INSERT INTO sync_conflicts (
			conflict_id, tenant_id, entity_type, entity_id,
			client_checksum, server_checksum, client_timestamp,
			server_timestamp, resolution, detected_at, resolved_at, resolved_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.pool.Exec(ctx, query,
		conflict.ID,
		conflict.TenantID,
		string(conflict.EntityType),
		conflict.EntityID,
		conflict.ClientChecksum,
		conflict.ServerChecksum,
		conflict.ClientTimestamp,
		conflict.ServerTimestamp,
		string(conflict.Resolution),
		conflict.DetectedAt,
		conflict.ResolvedAt,
		conflict.ResolvedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to insert conflict: %w", err)
	}
	return nil
}

// ListConflicts returns a tenant's most recent conflicts
func (s *PostgresSyncStore) ListConflicts(ctx context.Context, tenantID string, limit int) ([]*model.SyncConflict, error) {
	query := `
		SELECT conflict_id, tenant_id, entity_type, entity_id,
		       client_checksum, server_checksum, client_timestamp,
		       server_timestamp, resolution, detected_at, resolved_at, resolved_by
		FROM sync_conflicts
		WHERE tenant_id = $1
		ORDER BY detected_at DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	conflicts := make([]*model.SyncConflict, 0)
	for rows.Next() {
		var (
			conflict   model.SyncConflict
			entityType string
			resolution string
		)
		err := rows.Scan(
			&conflict.ID,
			&conflict.TenantID,
			&entityType,
			&conflict.EntityID,
			&conflict.ClientChecksum,
			&conflict.ServerChecksum,
			&conflict.ClientTimestamp,
			&conflict.ServerTimestamp,
			&resolution,
			&conflict.DetectedAt,
			&conflict.ResolvedAt,
			&conflict.ResolvedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflict.EntityType = model.EntityType(entityType)
		conflict.Resolution = model.ConflictResolution(resolution)
		conflicts = append(conflicts, &conflict)
	}

	return conflicts, rows.Err()
}

// ResolveConflict marks a logged conflict as resolved
func (s *PostgresSyncStore) ResolveConflict(ctx context.Context, conflictID string, resolution model.ConflictResolution, resolvedBy string) error {
	query := `
		UPDATE sync_conflicts
		SET resolution = $2, resolved_at = NOW(), resolved_by = $3
		WHERE conflict_id = $1
	`

	result, err := s.pool.Exec(ctx, query, conflictID, string(resolution), resolvedBy)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the database connection
func (s *PostgresSyncStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresSyncStore) Close() {
	s.pool.Close()
}

func scanQueueEntry(row pgx.Row) (*model.SyncQueueEntry, error) {
	var (
		entry      model.SyncQueueEntry
		entityType string
		operation  string
		status     string
		payload    []byte
	)
	err := row.Scan(
		&entry.ID,
		&entry.TenantID,
		&entityType,
		&entry.EntityID,
		&operation,
		&payload,
		&entry.PriorChecksum,
		&entry.ClientSeq,
		&entry.ClientTimestamp,
		&entry.ClientID,
		&status,
		&entry.FailureReason,
		&entry.CreatedAt,
		&entry.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &entry.Payload); err != nil {
			return nil, fmt.Errorf("corrupted queue entry payload: %w", err)
		}
	}

	entry.EntityType = model.EntityType(entityType)
	entry.Operation = model.SyncOperation(operation)
	entry.Status = model.QueueEntryStatus(status)
	return &entry, nil
}
