package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mlammarsch/FinWise-0.4-Backend/internal/model"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/store"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/util/workerpool"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/validation"
)

// recordingBroadcaster captures broadcasts for assertions
type recordingBroadcaster struct {
	mu         sync.Mutex
	broadcasts []broadcastCall
}

type broadcastCall struct {
	tenantID string
	message  any
	excluded string
}

func (b *recordingBroadcaster) BroadcastToTenant(tenantID string, message any, excludeConnectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcasts = append(b.broadcasts, broadcastCall{tenantID: tenantID, message: message, excluded: excludeConnectionID})
}

func (b *recordingBroadcaster) calls() []broadcastCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broadcastCall(nil), b.broadcasts...)
}

func newTestEngine(t *testing.T, tenantStore *memTenantStore) (*SyncEngine, *MockMetadataStore, *recordingBroadcaster) {
	t.Helper()
	metadataStore := new(MockMetadataStore)
	checkpoints := store.NewMemoryCheckpointStore()
	t.Cleanup(func() { checkpoints.Close() })

	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "test", MaxWorkers: 2, QueueSize: 8, Logger: zap.NewNop()})
	t.Cleanup(func() { pool.Stop(time.Second) })

	resolver := &staticResolver{tenantID: "tenant-1", store: tenantStore}
	processor := NewQueueProcessor(
		resolver,
		metadataStore,
		checkpoints,
		NewResolverService(metadataStore, testMetrics, zap.NewNop()),
		validation.NewValidator(),
		time.Hour,
		testMetrics,
		zap.NewNop(),
	)

	broadcaster := &recordingBroadcaster{}
	engine := NewSyncEngine(
		processor,
		NewChecksumService(pool, zap.NewNop()),
		resolver,
		checkpoints,
		broadcaster,
		zap.NewNop(),
	)
	return engine, metadataStore, broadcaster
}

func testSession() *Session {
	return &Session{TenantID: "tenant-1", ClientID: "client-1", ConnectionID: "conn-1"}
}

func envelope(t *testing.T, messageType model.MessageType, data any) []byte {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		require.NoError(t, err)
		raw = encoded
	}
	out, err := json.Marshal(model.Envelope{Type: messageType, Data: raw})
	require.NoError(t, err)
	return out
}

func TestHandlePing(t *testing.T) {
	engine, _, _ := newTestEngine(t, newMemTenantStore())

	responses := engine.HandleMessage(context.Background(), testSession(), envelope(t, model.MessagePing, nil))
	require.Len(t, responses, 1)

	pong, ok := responses[0].(*model.PongMessage)
	require.True(t, ok)
	assert.Equal(t, model.MessagePong, pong.Type)
}

func TestHandleUnknownMessageType(t *testing.T) {
	engine, _, _ := newTestEngine(t, newMemTenantStore())

	responses := engine.HandleMessage(context.Background(), testSession(), envelope(t, "bogus", nil))
	require.Len(t, responses, 1)

	nack, ok := responses[0].(*model.SyncNackMessage)
	require.True(t, ok)
	assert.Equal(t, "validation_error", nack.Reason)
}

func TestHandleMalformedEnvelope(t *testing.T) {
	engine, _, _ := newTestEngine(t, newMemTenantStore())

	responses := engine.HandleMessage(context.Background(), testSession(), []byte("{not json"))
	require.Len(t, responses, 1)

	nack, ok := responses[0].(*model.SyncNackMessage)
	require.True(t, ok)
	assert.Equal(t, "validation_error", nack.Reason)
}

func TestHandleSyncEntryAppliedAndBroadcast(t *testing.T) {
	tenantStore := newMemTenantStore()
	engine, metadataStore, broadcaster := newTestEngine(t, tenantStore)

	metadataStore.On("GetQueueEntry", mock.Anything, "entry-1").Return(nil, store.ErrNotFound)
	metadataStore.On("InsertQueueEntry", mock.Anything, mock.Anything).Return(nil)
	metadataStore.On("MarkQueueEntryApplied", mock.Anything, "entry-1", mock.Anything).Return(nil)

	msg := model.ProcessSyncEntryMessage{
		Entry: *tagEntry("entry-1", "tag-1", model.OperationCreate, map[string]any{"name": "groceries"}),
	}
	responses := engine.HandleMessage(context.Background(), testSession(), envelope(t, model.MessageProcessSyncEntry, msg))
	require.Len(t, responses, 1)

	ack, ok := responses[0].(*model.SyncAckMessage)
	require.True(t, ok)
	assert.Equal(t, "entry-1", ack.EntryID)
	assert.NotEmpty(t, ack.Checksum)

	calls := broadcaster.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "tenant-1", calls[0].tenantID)
	assert.Equal(t, "conn-1", calls[0].excluded)

	update, ok := calls[0].message.(*model.DataUpdateMessage)
	require.True(t, ok)
	assert.Equal(t, model.EntityTag, update.EntityType)
	assert.Equal(t, "tag-1", update.EntityID)
	assert.Equal(t, model.OperationCreate, update.OperationType)
}

func TestHandleSyncEntryTenantMismatch(t *testing.T) {
	engine, _, broadcaster := newTestEngine(t, newMemTenantStore())

	entry := tagEntry("entry-2", "tag-1", model.OperationCreate, map[string]any{"name": "groceries"})
	entry.TenantID = "tenant-other"
	msg := model.ProcessSyncEntryMessage{Entry: *entry}

	responses := engine.HandleMessage(context.Background(), testSession(), envelope(t, model.MessageProcessSyncEntry, msg))
	require.Len(t, responses, 1)

	nack, ok := responses[0].(*model.SyncNackMessage)
	require.True(t, ok)
	assert.Equal(t, "unauthorized", nack.Reason)
	assert.Empty(t, broadcaster.calls())
}

func TestHandleSyncEntryRejectionCarriesCurrentState(t *testing.T) {
	tenantStore := newMemTenantStore()
	engine, metadataStore, broadcaster := newTestEngine(t, tenantStore)

	serverTime := time.Now().UTC()
	seedEntity(t, tenantStore, "tag-1", map[string]any{"name": "rent"}, serverTime)

	entry := tagEntry("entry-3", "tag-1", model.OperationCreate, map[string]any{"name": "groceries"})
	entry.ClientTimestamp = serverTime.Add(-time.Minute)

	metadataStore.On("GetQueueEntry", mock.Anything, "entry-3").Return(nil, store.ErrNotFound)
	metadataStore.On("InsertQueueEntry", mock.Anything, mock.Anything).Return(nil)
	metadataStore.On("MarkQueueEntryFailed", mock.Anything, "entry-3", "stale_base_conflict", mock.Anything).Return(nil)
	metadataStore.On("InsertConflict", mock.Anything, mock.Anything).Return(nil)

	responses := engine.HandleMessage(context.Background(), testSession(), envelope(t, model.MessageProcessSyncEntry, model.ProcessSyncEntryMessage{Entry: *entry}))
	require.Len(t, responses, 1)

	nack, ok := responses[0].(*model.SyncNackMessage)
	require.True(t, ok)
	assert.Equal(t, "stale_base_conflict", nack.Reason)
	require.NotNil(t, nack.CurrentState)
	assert.Equal(t, "rent", nack.CurrentState.Payload["name"])
	assert.Empty(t, broadcaster.calls())
}

func TestHandleDataStatusRequest(t *testing.T) {
	tenantStore := newMemTenantStore()
	engine, _, _ := newTestEngine(t, tenantStore)

	seedEntity(t, tenantStore, "tag-1", map[string]any{"name": "groceries"}, time.Now().UTC())
	seedEntity(t, tenantStore, "tag-2", map[string]any{"name": "rent"}, time.Now().UTC())

	msg := model.DataStatusRequestMessage{
		TenantID:    "tenant-1",
		EntityTypes: []model.EntityType{model.EntityTag},
	}
	responses := engine.HandleMessage(context.Background(), testSession(), envelope(t, model.MessageDataStatusRequest, msg))
	require.Len(t, responses, 1)

	status, ok := responses[0].(*model.DataStatusResponseMessage)
	require.True(t, ok)
	assert.Len(t, status.EntityChecksums[model.EntityTag], 2)
	assert.Contains(t, status.EntityChecksums[model.EntityTag], "tag-1")
	assert.Contains(t, status.EntityChecksums[model.EntityTag], "tag-2")
}

func TestHandleInitialDataLoad(t *testing.T) {
	tenantStore := newMemTenantStore()
	engine, _, _ := newTestEngine(t, tenantStore)

	seedEntity(t, tenantStore, "tag-1", map[string]any{"name": "groceries"}, time.Now().UTC())

	responses := engine.HandleMessage(context.Background(), testSession(), envelope(t, model.MessageRequestInitialData, model.RequestInitialDataMessage{TenantID: "tenant-1"}))
	require.Len(t, responses, 1)

	load, ok := responses[0].(*model.InitialDataLoadMessage)
	require.True(t, ok)
	assert.Equal(t, "tenant-1", load.TenantID)
	assert.Len(t, load.Entities[model.EntityTag], 1)
}
