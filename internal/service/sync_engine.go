package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/mlammarsch/FinWise-0.4-Backend/internal/errors"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/model"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/store"
)

// Broadcaster delivers a message to every connection of a tenant,
// optionally excluding the originating connection. Implemented by the
// WebSocket registry.
type Broadcaster interface {
	BroadcastToTenant(tenantID string, message any, excludeConnectionID string)
}

// Session identifies the connection a message arrived on
type Session struct {
	TenantID     string
	ClientID     string
	ConnectionID string
}

// SyncEngine dispatches protocol messages to the apply pipeline, the
// status computation and the snapshot loader, and fans applied
// mutations out to co-tenant connections.
type SyncEngine struct {
	processor   *QueueProcessor
	checksums   *ChecksumService
	resolver    StoreResolver
	checkpoints store.CheckpointStore
	broadcaster Broadcaster
	logger      *zap.Logger
}

// NewSyncEngine creates a new sync protocol engine
func NewSyncEngine(
	processor *QueueProcessor,
	checksums *ChecksumService,
	resolver StoreResolver,
	checkpoints store.CheckpointStore,
	broadcaster Broadcaster,
	logger *zap.Logger,
) *SyncEngine {
	return &SyncEngine{
		processor:   processor,
		checksums:   checksums,
		resolver:    resolver,
		checkpoints: checkpoints,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// HandleMessage processes one inbound envelope and returns the messages
// to send back on the originating connection. Broadcasts to co-tenant
// peers happen as a side effect; they never appear in the return value.
func (e *SyncEngine) HandleMessage(ctx context.Context, session *Session, raw []byte) []any {
	var envelope model.Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return []any{e.nackFor(nil, errors.Validation("malformed message envelope", err))}
	}

	switch envelope.Type {
	case model.MessageProcessSyncEntry:
		return e.handleSyncEntry(ctx, session, envelope.Data)
	case model.MessageDataStatusRequest:
		return e.handleDataStatus(ctx, session, envelope.Data)
	case model.MessageRequestInitialData:
		return e.handleInitialData(ctx, session)
	case model.MessagePing:
		return []any{&model.PongMessage{Type: model.MessagePong, ServerTime: time.Now().UTC()}}
	default:
		e.logger.Warn("Unknown message type",
			zap.String("tenant_id", session.TenantID),
			zap.String("connection_id", session.ConnectionID),
			zap.String("type", string(envelope.Type)))
		return []any{e.nackFor(nil, errors.Validation("unknown message type", nil).
			WithDetail("type", string(envelope.Type)))}
	}
}

func (e *SyncEngine) handleSyncEntry(ctx context.Context, session *Session, data json.RawMessage) []any {
	var msg model.ProcessSyncEntryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return []any{e.nackFor(nil, errors.Validation("malformed sync entry message", err))}
	}
	entry := &msg.Entry

	// The connection's tenant is authoritative; an entry claiming a
	// different tenant is rejected, never rerouted.
	if entry.TenantID == "" {
		entry.TenantID = session.TenantID
	} else if entry.TenantID != session.TenantID {
		return []any{e.nackFor(entry, errors.Unauthorized(entry.TenantID, session.ClientID))}
	}
	if entry.ClientID == "" {
		entry.ClientID = session.ClientID
	}

	result, err := e.processor.Apply(ctx, entry)
	if err != nil {
		e.logger.Error("Apply failed",
			zap.String("tenant_id", session.TenantID),
			zap.String("entry_id", entry.ID),
			zap.Error(err))
		return []any{e.nackFor(entry, errors.AsSyncError(err))}
	}

	switch result.Outcome {
	case OutcomeApplied, OutcomeDuplicate:
		ack := &model.SyncAckMessage{
			Type:       model.MessageSyncAck,
			EntryID:    entry.ID,
			EntityID:   entry.EntityID,
			EntityType: entry.EntityType,
			Checksum:   result.Checksum,
			ServerTime: time.Now().UTC(),
		}
		// Duplicates were already broadcast on first application
		if result.Outcome == OutcomeApplied {
			e.broadcastUpdate(session, entry, result)
		}
		return []any{ack}

	default:
		nack := e.nackFor(entry, result.Err)
		nack.CurrentState = result.CurrentEntity
		return []any{nack}
	}
}

func (e *SyncEngine) handleDataStatus(ctx context.Context, session *Session, data json.RawMessage) []any {
	var msg model.DataStatusRequestMessage
	if len(data) > 0 {
		if err := json.Unmarshal(data, &msg); err != nil {
			return []any{e.nackFor(nil, errors.Validation("malformed data status request", err))}
		}
	}

	tenantStore, err := e.resolver.Resolve(ctx, session.TenantID)
	if err != nil {
		return []any{e.nackFor(nil, errors.AsSyncError(err))}
	}

	checksums, err := e.checksums.ComputeStatus(ctx, tenantStore, msg.EntityTypes)
	if err != nil {
		return []any{e.nackFor(nil, errors.Storage("failed to compute data status", err))}
	}

	response := &model.DataStatusResponseMessage{
		Type:            model.MessageDataStatusResponse,
		TenantID:        session.TenantID,
		EntityChecksums: checksums,
		ServerTime:      time.Now().UTC(),
	}

	if cp, err := e.checkpoints.GetCheckpoint(ctx, session.TenantID, session.ClientID); err == nil {
		response.LastSyncTime = &cp.LastSyncTime
	}

	return []any{response}
}

func (e *SyncEngine) handleInitialData(ctx context.Context, session *Session) []any {
	tenantStore, err := e.resolver.Resolve(ctx, session.TenantID)
	if err != nil {
		return []any{e.nackFor(nil, errors.AsSyncError(err))}
	}

	entities, err := tenantStore.Snapshot(ctx, model.KnownEntityTypes)
	if err != nil {
		return []any{e.nackFor(nil, errors.Storage("failed to load initial data", err))}
	}

	e.logger.Info("Initial data load served",
		zap.String("tenant_id", session.TenantID),
		zap.String("client_id", session.ClientID))

	return []any{&model.InitialDataLoadMessage{
		Type:       model.MessageInitialDataLoad,
		TenantID:   session.TenantID,
		Entities:   entities,
		ServerTime: time.Now().UTC(),
	}}
}

// broadcastUpdate notifies co-tenant connections about an applied
// mutation. The originating connection learns the outcome from its ack.
func (e *SyncEngine) broadcastUpdate(session *Session, entry *model.SyncQueueEntry, result *ApplyResult) {
	update := &model.DataUpdateMessage{
		Type:          model.MessageDataUpdate,
		TenantID:      entry.TenantID,
		EntityType:    entry.EntityType,
		EntityID:      entry.EntityID,
		OperationType: entry.Operation,
		Checksum:      result.Checksum,
		ServerTime:    time.Now().UTC(),
	}
	if result.AppliedEntity != nil && entry.Operation != model.OperationDelete {
		update.Data = result.AppliedEntity.Payload
	}
	e.broadcaster.BroadcastToTenant(entry.TenantID, update, session.ConnectionID)
}

// AnnounceStatus broadcasts backend availability to every connection of
// every tenant through the registry.
func (e *SyncEngine) AnnounceStatus(tenantID, status string) {
	e.broadcaster.BroadcastToTenant(tenantID, &model.BackendStatusMessage{
		Type:   model.MessageBackendStatus,
		Status: status,
	}, "")
}

func (e *SyncEngine) nackFor(entry *model.SyncQueueEntry, syncErr *errors.SyncError) *model.SyncNackMessage {
	nack := &model.SyncNackMessage{
		Type:       model.MessageSyncNack,
		Reason:     syncErr.ReasonCode(),
		Detail:     syncErr.Message,
		ServerTime: time.Now().UTC(),
	}
	if entry != nil {
		nack.EntryID = entry.ID
		nack.EntityID = entry.EntityID
		nack.EntityType = entry.EntityType
	}
	return nack
}
