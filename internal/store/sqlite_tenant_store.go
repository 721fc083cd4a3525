package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/mlammarsch/FinWise-0.4-Backend/internal/model"
)

const tenantSchema = `
CREATE TABLE IF NOT EXISTS entities (
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	payload     TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (entity_type, entity_id)
);
CREATE INDEX IF NOT EXISTS idx_entities_updated_at ON entities (entity_type, updated_at);
`

// SQLiteTenantStore implements TenantStore on a per-tenant SQLite file.
// Writes are serialized through a per-store mutex; reads run against
// WAL snapshots and never observe half-applied transactions.
type SQLiteTenantStore struct {
	tenantID string
	db       *sql.DB
	writeMu  sync.Mutex
	logger   *zap.Logger
}

// OpenSQLiteTenantStore opens (and if necessary initializes) the SQLite
// store backing one tenant.
func OpenSQLiteTenantStore(tenantID, path string, busyTimeout time.Duration, logger *zap.Logger) (*SQLiteTenantStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open tenant store: %w", err)
	}

	if _, err := db.Exec(tenantSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tenant store schema: %w", err)
	}

	logger.Debug("Opened tenant store",
		zap.String("tenant_id", tenantID),
		zap.String("path", path))

	return &SQLiteTenantStore{
		tenantID: tenantID,
		db:       db,
		logger:   logger,
	}, nil
}

// Get returns one entity or ErrNotFound
func (s *SQLiteTenantStore) Get(ctx context.Context, entityType model.EntityType, entityID string) (*model.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_type, entity_id, payload, created_at, updated_at
		 FROM entities WHERE entity_type = ? AND entity_id = ?`,
		string(entityType), entityID)
	return scanEntity(row)
}

// List returns all entities of one type ordered by id
func (s *SQLiteTenantStore) List(ctx context.Context, entityType model.EntityType) ([]*model.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_type, entity_id, payload, created_at, updated_at
		 FROM entities WHERE entity_type = ? ORDER BY entity_id`,
		string(entityType))
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()
	return collectEntities(rows)
}

// Snapshot reads all entities of the given types inside a single read
// transaction so status computation sees a consistent view.
func (s *SQLiteTenantStore) Snapshot(ctx context.Context, entityTypes []model.EntityType) (map[model.EntityType][]*model.Entity, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	result := make(map[model.EntityType][]*model.Entity, len(entityTypes))
	for _, entityType := range entityTypes {
		rows, err := tx.QueryContext(ctx,
			`SELECT entity_type, entity_id, payload, created_at, updated_at
			 FROM entities WHERE entity_type = ? ORDER BY entity_id`,
			string(entityType))
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot %s: %w", entityType, err)
		}
		entities, err := collectEntities(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		result[entityType] = entities
	}
	return result, nil
}

// Mutate runs fn inside a write transaction, serialized per tenant
func (s *SQLiteTenantStore) Mutate(ctx context.Context, fn func(tx TenantTx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin write transaction: %w", err)
	}

	wrapped := &sqliteTenantTx{ctx: ctx, tx: tx}
	if err := fn(wrapped); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Rollback failed",
				zap.String("tenant_id", s.tenantID),
				zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit write transaction: %w", err)
	}
	return nil
}

// Close closes the underlying database handle
func (s *SQLiteTenantStore) Close() error {
	return s.db.Close()
}

type sqliteTenantTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTenantTx) Get(entityType model.EntityType, entityID string) (*model.Entity, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT entity_type, entity_id, payload, created_at, updated_at
		 FROM entities WHERE entity_type = ? AND entity_id = ?`,
		string(entityType), entityID)
	return scanEntity(row)
}

func (t *sqliteTenantTx) Upsert(entity *model.Entity) error {
	payload, err := json.Marshal(entity.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO entities (entity_type, entity_id, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		string(entity.Type), entity.ID, string(payload),
		entity.CreatedAt.UnixMilli(), entity.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	return nil
}

func (t *sqliteTenantTx) Delete(entityType model.EntityType, entityID string) (bool, error) {
	result, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM entities WHERE entity_type = ? AND entity_id = ?`,
		string(entityType), entityID)
	if err != nil {
		return false, fmt.Errorf("failed to delete entity: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*model.Entity, error) {
	var (
		entityType string
		entityID   string
		payload    string
		createdAt  int64
		updatedAt  int64
	)
	if err := row.Scan(&entityType, &entityID, &payload, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}

	fields := make(map[string]any)
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return nil, fmt.Errorf("corrupted entity payload: %w", err)
	}

	return &model.Entity{
		Type:      model.EntityType(entityType),
		ID:        entityID,
		Payload:   fields,
		CreatedAt: time.UnixMilli(createdAt).UTC(),
		UpdatedAt: time.UnixMilli(updatedAt).UTC(),
	}, nil
}

func collectEntities(rows *sql.Rows) ([]*model.Entity, error) {
	var entities []*model.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entities: %w", err)
	}
	return entities, nil
}
