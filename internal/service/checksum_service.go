package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mlammarsch/FinWise-0.4-Backend/internal/model"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/store"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/util"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/util/workerpool"
)

// ChecksumService computes entity checksums and per-tenant data status
// maps. Status computation fans out per entity type on a bounded worker
// pool so large tenants do not stall a connection's message loop.
type ChecksumService struct {
	pool   *workerpool.WorkerPool
	logger *zap.Logger
}

// NewChecksumService creates a new checksum service
func NewChecksumService(pool *workerpool.WorkerPool, logger *zap.Logger) *ChecksumService {
	return &ChecksumService{
		pool:   pool,
		logger: logger,
	}
}

// EntityChecksum computes the canonical checksum of one entity
func (s *ChecksumService) EntityChecksum(entity *model.Entity) (string, error) {
	return util.HashPayload(entity.Payload)
}

// ComputeStatus computes the checksum map of a tenant's current data.
// All requested entity types are read from one consistent snapshot; an
// empty entityTypes slice means all known types. Types with no entities
// appear as empty maps so clients can distinguish "empty" from "absent".
func (s *ChecksumService) ComputeStatus(
	ctx context.Context,
	tenantStore store.TenantStore,
	entityTypes []model.EntityType,
) (map[model.EntityType]map[string]model.EntityChecksum, error) {
	if len(entityTypes) == 0 {
		entityTypes = model.KnownEntityTypes
	}

	snapshot, err := tenantStore.Snapshot(ctx, entityTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot tenant store: %w", err)
	}

	result := make(map[model.EntityType]map[string]model.EntityChecksum, len(entityTypes))
	for _, entityType := range entityTypes {
		result[entityType] = make(map[string]model.EntityChecksum, len(snapshot[entityType]))
	}

	// One task per entity type; each task writes only its own map, so no
	// locking beyond the wait group is needed.
	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for _, entityType := range entityTypes {
		entities := snapshot[entityType]
		target := result[entityType]

		wg.Add(1)
		task := workerpool.Task{
			ID: fmt.Sprintf("status:%s", entityType),
			Fn: func(taskCtx context.Context) error {
				defer wg.Done()
				for _, entity := range entities {
					checksum, err := util.HashPayload(entity.Payload)
					if err != nil {
						errMu.Lock()
						if firstErr == nil {
							firstErr = fmt.Errorf("failed to hash %s/%s: %w", entity.Type, entity.ID, err)
						}
						errMu.Unlock()
						return err
					}
					target[entity.ID] = model.EntityChecksum{
						EntityID:  entity.ID,
						Checksum:  checksum,
						UpdatedAt: entity.UpdatedAt,
					}
				}
				return nil
			},
			Context: ctx,
		}

		if err := s.pool.SubmitWithContext(ctx, task); err != nil {
			wg.Done()
			return nil, fmt.Errorf("failed to submit status task: %w", err)
		}
	}

	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return result, nil
}

// StatusDiff classifies the divergence between a client's checksum map
// and the server's for one entity type.
type StatusDiff struct {
	MissingOnClient []string
	MissingOnServer []string
	Diverged        []string
}

// DiffChecksums compares client-declared checksums against the server's.
// Entities present on both sides with equal checksums are in sync and
// omitted from the diff; diverged entities carry both timestamps so the
// resolver can classify them.
func (s *ChecksumService) DiffChecksums(client, server map[string]model.EntityChecksum) StatusDiff {
	var diff StatusDiff
	for entityID, serverChecksum := range server {
		clientChecksum, exists := client[entityID]
		switch {
		case !exists:
			diff.MissingOnClient = append(diff.MissingOnClient, entityID)
		case clientChecksum.Checksum != serverChecksum.Checksum:
			diff.Diverged = append(diff.Diverged, entityID)
		}
	}
	for entityID := range client {
		if _, exists := server[entityID]; !exists {
			diff.MissingOnServer = append(diff.MissingOnServer, entityID)
		}
	}
	return diff
}
