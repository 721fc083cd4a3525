package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mlammarsch/FinWise-0.4-Backend/internal/metrics"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/model"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/store"
)

// ResolverService resolves concurrent edits to the same entity with a
// last-write-wins policy and records every detected divergence in the
// conflict log.
type ResolverService struct {
	metadataStore store.MetadataStore
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// NewResolverService creates a new conflict resolver
func NewResolverService(metadataStore store.MetadataStore, m *metrics.Metrics, logger *zap.Logger) *ResolverService {
	return &ResolverService{
		metadataStore: metadataStore,
		metrics:       m,
		logger:        logger,
	}
}

// ResolveLWW decides which side of a diverged entity wins.
// The later logical timestamp wins; on an exact tie the server copy is
// kept so that all replicas converge on the same answer.
func (s *ResolverService) ResolveLWW(clientTimestamp, serverTimestamp time.Time) model.ConflictResolution {
	if clientTimestamp.After(serverTimestamp) {
		return model.ResolutionClientWins
	}
	return model.ResolutionServerWins
}

// RecordConflict appends a resolved conflict to the conflict log.
// Logging is best-effort: a log failure never rolls back the mutation
// the resolution already settled.
func (s *ResolverService) RecordConflict(
	ctx context.Context,
	tenantID string,
	entityType model.EntityType,
	entityID string,
	clientChecksum, serverChecksum string,
	clientTimestamp, serverTimestamp time.Time,
	resolution model.ConflictResolution,
) *model.SyncConflict {
	now := time.Now().UTC()
	conflict := &model.SyncConflict{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		EntityType:      entityType,
		EntityID:        entityID,
		ClientChecksum:  clientChecksum,
		ServerChecksum:  serverChecksum,
		ClientTimestamp: clientTimestamp,
		ServerTimestamp: serverTimestamp,
		Resolution:      resolution,
		DetectedAt:      now,
		ResolvedAt:      &now,
		ResolvedBy:      "lww",
	}

	s.metrics.RecordConflict(tenantID, string(resolution))

	if err := s.metadataStore.InsertConflict(ctx, conflict); err != nil {
		s.logger.Error("Failed to record conflict",
			zap.String("tenant_id", tenantID),
			zap.String("entity_type", string(entityType)),
			zap.String("entity_id", entityID),
			zap.Error(err))
		return conflict
	}

	s.logger.Info("Conflict resolved",
		zap.String("tenant_id", tenantID),
		zap.String("entity_type", string(entityType)),
		zap.String("entity_id", entityID),
		zap.String("resolution", string(resolution)))

	return conflict
}

// ResolveStatusDiff classifies each diverged entity from a status
// comparison with last-write-wins and records the divergence in the
// conflict log, even when it auto-resolves. Returns the resolution per
// entity id.
func (s *ResolverService) ResolveStatusDiff(
	ctx context.Context,
	tenantID string,
	entityType model.EntityType,
	diverged []string,
	client, server map[string]model.EntityChecksum,
) map[string]model.ConflictResolution {
	resolutions := make(map[string]model.ConflictResolution, len(diverged))
	for _, entityID := range diverged {
		clientSum := client[entityID]
		serverSum := server[entityID]
		resolution := s.ResolveLWW(clientSum.UpdatedAt, serverSum.UpdatedAt)
		s.RecordConflict(ctx,
			tenantID, entityType, entityID,
			clientSum.Checksum, serverSum.Checksum,
			clientSum.UpdatedAt, serverSum.UpdatedAt,
			resolution)
		resolutions[entityID] = resolution
	}
	return resolutions
}

// ListConflicts returns a tenant's most recent conflicts
func (s *ResolverService) ListConflicts(ctx context.Context, tenantID string, limit int) ([]*model.SyncConflict, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.metadataStore.ListConflicts(ctx, tenantID, limit)
}

// OverrideResolution manually re-resolves a logged conflict
func (s *ResolverService) OverrideResolution(ctx context.Context, conflictID string, resolution model.ConflictResolution, resolvedBy string) error {
	return s.metadataStore.ResolveConflict(ctx, conflictID, resolution, resolvedBy)
}
