package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mlammarsch/FinWise-0.4-Backend/internal/errors"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/metrics"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/model"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/store"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/util"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/validation"
)

// ApplyOutcome classifies the result of processing one queue entry
type ApplyOutcome string

const (
	OutcomeApplied   ApplyOutcome = "applied"
	OutcomeDuplicate ApplyOutcome = "duplicate"
	OutcomeRejected  ApplyOutcome = "rejected"
)

// ApplyResult is the outcome of one queue entry application
type ApplyResult struct {
	Outcome ApplyOutcome

	// Set when the entry was applied (or was a duplicate of an applied
	// entry). Checksum is empty after a delete.
	AppliedEntity *model.Entity
	Checksum      string

	// Set when the entry was rejected
	Err           *errors.SyncError
	CurrentEntity *model.Entity

	// Set when a divergence was detected, regardless of who won
	Conflict *model.SyncConflict
}

// StoreResolver resolves a tenant id to its isolated store
type StoreResolver interface {
	Resolve(ctx context.Context, tenantID string) (store.TenantStore, error)
}

// QueueProcessor applies client-queued mutations to tenant stores.
// Each entry is validated, checked for duplicate delivery, applied in a
// single write transaction and recorded in the durable queue log before
// the caller acks or nacks it.
type QueueProcessor struct {
	resolver        StoreResolver
	metadataStore   store.MetadataStore
	checkpointStore store.CheckpointStore
	conflicts       *ResolverService
	validator       *validation.Validator
	entryCacheTTL   time.Duration
	metrics         *metrics.Metrics
	logger          *zap.Logger
}

// NewQueueProcessor creates a new queue processor
func NewQueueProcessor(
	resolver StoreResolver,
	metadataStore store.MetadataStore,
	checkpointStore store.CheckpointStore,
	conflicts *ResolverService,
	validator *validation.Validator,
	entryCacheTTL time.Duration,
	m *metrics.Metrics,
	logger *zap.Logger,
) *QueueProcessor {
	return &QueueProcessor{
		resolver:        resolver,
		metadataStore:   metadataStore,
		checkpointStore: checkpointStore,
		conflicts:       conflicts,
		validator:       validator,
		entryCacheTTL:   entryCacheTTL,
		metrics:         m,
		logger:          logger,
	}
}

// Apply processes one queue entry end to end. The returned result tells
// the caller whether to ack or nack; a non-nil error is returned only
// for infrastructure failures where neither is safe to send.
func (p *QueueProcessor) Apply(ctx context.Context, entry *model.SyncQueueEntry) (*ApplyResult, error) {
	if err := p.validator.ValidateEntry(entry); err != nil {
		return &ApplyResult{
			Outcome: OutcomeRejected,
			Err:     errors.AsSyncError(err),
		}, nil
	}

	// At-least-once delivery: a replayed entry that already reached a
	// terminal state is re-acked (or re-nacked) without touching the store.
	applied, err := p.checkpointStore.WasEntryApplied(ctx, entry.ID)
	if err != nil {
		p.logger.Warn("Applied-entry lookup failed, falling back to queue log",
			zap.String("entry_id", entry.ID),
			zap.Error(err))
	}
	if applied {
		return p.replayResult(ctx, entry)
	}
	if logged, err := p.metadataStore.GetQueueEntry(ctx, entry.ID); err == nil && logged.Status != model.EntryPending {
		return p.replayTerminal(ctx, entry, logged)
	}

	tenantStore, err := p.resolver.Resolve(ctx, entry.TenantID)
	if err != nil {
		syncErr := errors.AsSyncError(err)
		if syncErr.Code == errors.ErrCodeTenantNotFound {
			return &ApplyResult{Outcome: OutcomeRejected, Err: syncErr}, nil
		}
		return nil, syncErr
	}

	now := time.Now().UTC()
	entry.Status = model.EntryPending
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.ClientTimestamp.IsZero() {
		entry.ClientTimestamp = now
	}

	if err := p.metadataStore.InsertQueueEntry(ctx, entry); err != nil {
		return nil, errors.Storage("failed to log queue entry", err)
	}

	start := time.Now()
	result := p.applyToStore(ctx, tenantStore, entry)

	processedAt := time.Now().UTC()
	switch result.Outcome {
	case OutcomeApplied:
		if err := p.metadataStore.MarkQueueEntryApplied(ctx, entry.ID, processedAt); err != nil {
			p.logger.Error("Failed to mark queue entry applied",
				zap.String("entry_id", entry.ID),
				zap.Error(err))
		}
		if err := p.checkpointStore.MarkEntryApplied(ctx, entry.ID, p.entryCacheTTL); err != nil {
			p.logger.Warn("Failed to cache applied entry id",
				zap.String("entry_id", entry.ID),
				zap.Error(err))
		}
		p.advanceCheckpoint(ctx, entry, processedAt)

	case OutcomeRejected:
		if err := p.metadataStore.MarkQueueEntryFailed(ctx, entry.ID, result.Err.ReasonCode(), processedAt); err != nil {
			p.logger.Error("Failed to mark queue entry failed",
				zap.String("entry_id", entry.ID),
				zap.Error(err))
		}
		// A terminal rejection is also idempotent: replaying it must not
		// re-run the apply.
		if err := p.checkpointStore.MarkEntryApplied(ctx, entry.ID, p.entryCacheTTL); err != nil {
			p.logger.Warn("Failed to cache rejected entry id",
				zap.String("entry_id", entry.ID),
				zap.Error(err))
		}
	}

	p.metrics.RecordEntry(string(entry.Operation), string(result.Outcome), time.Since(start).Seconds())

	return result, nil
}

// applyToStore runs the per-operation mutation inside one write
// transaction and records any detected conflict afterwards.
func (p *QueueProcessor) applyToStore(ctx context.Context, tenantStore store.TenantStore, entry *model.SyncQueueEntry) *ApplyResult {
	result := &ApplyResult{}

	err := tenantStore.Mutate(ctx, func(tx store.TenantTx) error {
		switch entry.Operation {
		case model.OperationCreate:
			return p.applyCreate(tx, entry, result)
		case model.OperationUpdate:
			return p.applyUpdate(tx, entry, result)
		case model.OperationDelete:
			return p.applyDelete(tx, entry, result)
		default:
			return errors.Validation("unknown operation", nil)
		}
	})

	if err != nil {
		syncErr := errors.AsSyncError(err)
		result.Outcome = OutcomeRejected
		result.Err = syncErr
	} else {
		result.Outcome = OutcomeApplied
	}

	// Conflict logging happens outside the transaction: the resolution
	// is already settled and a log failure must not undo it.
	if result.Conflict != nil {
		p.conflicts.RecordConflict(ctx,
			entry.TenantID, entry.EntityType, entry.EntityID,
			result.Conflict.ClientChecksum, result.Conflict.ServerChecksum,
			result.Conflict.ClientTimestamp, result.Conflict.ServerTimestamp,
			result.Conflict.Resolution)
	}

	return result
}

func (p *QueueProcessor) applyCreate(tx store.TenantTx, entry *model.SyncQueueEntry, result *ApplyResult) error {
	incomingChecksum, err := util.HashPayload(entry.Payload)
	if err != nil {
		return errors.Validation("payload cannot be hashed", err)
	}

	existing, err := tx.Get(entry.EntityType, entry.EntityID)
	if err == store.ErrNotFound {
		entity := p.entityFromEntry(entry, entry.ClientTimestamp)
		if err := tx.Upsert(entity); err != nil {
			return errors.Storage("failed to create entity", err)
		}
		result.AppliedEntity = entity
		result.Checksum = incomingChecksum
		return nil
	}
	if err != nil {
		return errors.Storage("failed to read entity", err)
	}

	existingChecksum, err := util.HashPayload(existing.Payload)
	if err != nil {
		return errors.Storage("failed to hash stored entity", err)
	}

	// Re-creating identical content is a no-op, not a conflict
	if existingChecksum == incomingChecksum {
		result.AppliedEntity = existing
		result.Checksum = existingChecksum
		return nil
	}

	return p.resolveDivergence(tx, entry, existing, incomingChecksum, existingChecksum, result)
}

func (p *QueueProcessor) applyUpdate(tx store.TenantTx, entry *model.SyncQueueEntry, result *ApplyResult) error {
	existing, err := tx.Get(entry.EntityType, entry.EntityID)
	if err == store.ErrNotFound {
		return errors.EntityNotFound(string(entry.EntityType), entry.EntityID)
	}
	if err != nil {
		return errors.Storage("failed to read entity", err)
	}

	currentChecksum, err := util.HashPayload(existing.Payload)
	if err != nil {
		return errors.Storage("failed to hash stored entity", err)
	}

	if entry.PriorChecksum != "" && entry.PriorChecksum != currentChecksum {
		incomingChecksum, err := util.HashPayload(entry.Payload)
		if err != nil {
			return errors.Validation("payload cannot be hashed", err)
		}
		return p.resolveDivergence(tx, entry, existing, incomingChecksum, currentChecksum, result)
	}

	entity := p.entityFromEntry(entry, existing.CreatedAt)
	if err := tx.Upsert(entity); err != nil {
		return errors.Storage("failed to update entity", err)
	}

	checksum, err := util.HashPayload(entity.Payload)
	if err != nil {
		return errors.Storage("failed to hash updated entity", err)
	}
	result.AppliedEntity = entity
	result.Checksum = checksum
	return nil
}

func (p *QueueProcessor) applyDelete(tx store.TenantTx, entry *model.SyncQueueEntry, result *ApplyResult) error {
	existing, err := tx.Get(entry.EntityType, entry.EntityID)
	if err == store.ErrNotFound {
		// Deleting an absent entity converges to the intended state
		return nil
	}
	if err != nil {
		return errors.Storage("failed to read entity", err)
	}

	if entry.PriorChecksum != "" {
		currentChecksum, err := util.HashPayload(existing.Payload)
		if err != nil {
			return errors.Storage("failed to hash stored entity", err)
		}
		if entry.PriorChecksum != currentChecksum {
			resolution := p.conflicts.ResolveLWW(entry.ClientTimestamp, existing.UpdatedAt)
			result.Conflict = p.conflictRecord(entry, entry.PriorChecksum, currentChecksum, existing.UpdatedAt, resolution)
			if resolution == model.ResolutionServerWins {
				result.CurrentEntity = existing
				return errors.StaleBase(string(entry.EntityType), entry.EntityID, entry.PriorChecksum, currentChecksum)
			}
		}
	}

	if _, err := tx.Delete(entry.EntityType, entry.EntityID); err != nil {
		return errors.Storage("failed to delete entity", err)
	}
	return nil
}

// resolveDivergence settles a concurrent edit with last-write-wins.
// The losing client gets a stale-base rejection carrying the current
// server state; either way the divergence is logged.
func (p *QueueProcessor) resolveDivergence(
	tx store.TenantTx,
	entry *model.SyncQueueEntry,
	existing *model.Entity,
	incomingChecksum, currentChecksum string,
	result *ApplyResult,
) error {
	// A redelivered write whose content already matches the server copy
	// converged on its first delivery; re-ack it instead of fabricating
	// a conflict.
	if incomingChecksum == currentChecksum {
		result.AppliedEntity = existing
		result.Checksum = currentChecksum
		return nil
	}

	resolution := p.conflicts.ResolveLWW(entry.ClientTimestamp, existing.UpdatedAt)
	result.Conflict = p.conflictRecord(entry, incomingChecksum, currentChecksum, existing.UpdatedAt, resolution)

	if resolution == model.ResolutionServerWins {
		result.CurrentEntity = existing
		return errors.StaleBase(string(entry.EntityType), entry.EntityID, entry.PriorChecksum, currentChecksum)
	}

	entity := p.entityFromEntry(entry, existing.CreatedAt)
	if err := tx.Upsert(entity); err != nil {
		return errors.Storage("failed to apply winning write", err)
	}
	result.AppliedEntity = entity
	result.Checksum = incomingChecksum
	return nil
}

func (p *QueueProcessor) conflictRecord(
	entry *model.SyncQueueEntry,
	clientChecksum, serverChecksum string,
	serverTimestamp time.Time,
	resolution model.ConflictResolution,
) *model.SyncConflict {
	return &model.SyncConflict{
		TenantID:        entry.TenantID,
		EntityType:      entry.EntityType,
		EntityID:        entry.EntityID,
		ClientChecksum:  clientChecksum,
		ServerChecksum:  serverChecksum,
		ClientTimestamp: entry.ClientTimestamp,
		ServerTimestamp: serverTimestamp,
		Resolution:      resolution,
	}
}

func (p *QueueProcessor) entityFromEntry(entry *model.SyncQueueEntry, createdAt time.Time) *model.Entity {
	if createdAt.IsZero() {
		createdAt = entry.ClientTimestamp
	}
	return &model.Entity{
		Type:      entry.EntityType,
		ID:        entry.EntityID,
		Payload:   entry.Payload,
		CreatedAt: createdAt,
		UpdatedAt: entry.ClientTimestamp,
	}
}

// replayResult re-acks an entry the applied-entry cache remembers
func (p *QueueProcessor) replayResult(ctx context.Context, entry *model.SyncQueueEntry) (*ApplyResult, error) {
	logged, err := p.metadataStore.GetQueueEntry(ctx, entry.ID)
	if err == nil && logged.Status != model.EntryPending {
		return p.replayTerminal(ctx, entry, logged)
	}

	p.logger.Debug("Replayed entry without queue log record, acking as duplicate",
		zap.String("entry_id", entry.ID))
	return &ApplyResult{Outcome: OutcomeDuplicate}, nil
}

// replayTerminal reconstructs the ack or nack for an entry whose
// terminal state is recorded in the queue log.
func (p *QueueProcessor) replayTerminal(ctx context.Context, entry *model.SyncQueueEntry, logged *model.SyncQueueEntry) (*ApplyResult, error) {
	if logged.Status == model.EntryFailed {
		// The replayed nack carries the original reason code, not a
		// generic validation failure.
		return &ApplyResult{
			Outcome: OutcomeRejected,
			Err: errors.NewSyncError(errors.CodeForReason(logged.FailureReason),
				fmt.Sprintf("entry was previously rejected: %s", logged.FailureReason), nil).
				WithDetail("original_reason", logged.FailureReason),
		}, nil
	}

	result := &ApplyResult{Outcome: OutcomeDuplicate}

	// Re-fetch current state so the duplicate ack still carries a
	// useful checksum.
	tenantStore, err := p.resolver.Resolve(ctx, entry.TenantID)
	if err != nil {
		return result, nil
	}
	current, err := tenantStore.Get(ctx, entry.EntityType, entry.EntityID)
	if err != nil {
		return result, nil
	}
	if checksum, err := util.HashPayload(current.Payload); err == nil {
		result.AppliedEntity = current
		result.Checksum = checksum
	}
	return result, nil
}

func (p *QueueProcessor) advanceCheckpoint(ctx context.Context, entry *model.SyncQueueEntry, processedAt time.Time) {
	if entry.ClientID == "" || entry.ClientSeq <= 0 {
		return
	}
	cp := &model.SyncCheckpoint{
		TenantID:       entry.TenantID,
		ClientID:       entry.ClientID,
		LastAppliedSeq: entry.ClientSeq,
		LastSyncTime:   processedAt,
	}
	if err := p.checkpointStore.AdvanceCheckpoint(ctx, cp); err != nil {
		p.logger.Warn("Failed to advance checkpoint",
			zap.String("tenant_id", entry.TenantID),
			zap.String("client_id", entry.ClientID),
			zap.Error(err))
	}
}
