package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	syncerrors "github.com/mlammarsch/FinWise-0.4-Backend/internal/errors"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/metrics"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/model"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/store"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/util"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/validation"
)

// Prometheus collectors register globally, so all service tests share
// one metrics instance.
var testMetrics = metrics.NewMetrics()

// MockMetadataStore is a mock implementation of MetadataStore
type MockMetadataStore struct {
	mock.Mock
}

func (m *MockMetadataStore) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Tenant), args.Error(1)
}

func (m *MockMetadataStore) InsertQueueEntry(ctx context.Context, entry *model.SyncQueueEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockMetadataStore) MarkQueueEntryApplied(ctx context.Context, entryID string, processedAt time.Time) error {
	args := m.Called(ctx, entryID, processedAt)
	return args.Error(0)
}

func (m *MockMetadataStore) MarkQueueEntryFailed(ctx context.Context, entryID, reason string, processedAt time.Time) error {
	args := m.Called(ctx, entryID, reason, processedAt)
	return args.Error(0)
}

func (m *MockMetadataStore) GetQueueEntry(ctx context.Context, entryID string) (*model.SyncQueueEntry, error) {
	args := m.Called(ctx, entryID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SyncQueueEntry), args.Error(1)
}

func (m *MockMetadataStore) ListQueueEntries(ctx context.Context, tenantID string, limit int) ([]*model.SyncQueueEntry, error) {
	args := m.Called(ctx, tenantID, limit)
	return args.Get(0).([]*model.SyncQueueEntry), args.Error(1)
}

func (m *MockMetadataStore) DeletePendingQueueEntries(ctx context.Context, tenantID string) (int64, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockMetadataStore) InsertConflict(ctx context.Context, conflict *model.SyncConflict) error {
	args := m.Called(ctx, conflict)
	return args.Error(0)
}

func (m *MockMetadataStore) ListConflicts(ctx context.Context, tenantID string, limit int) ([]*model.SyncConflict, error) {
	args := m.Called(ctx, tenantID, limit)
	return args.Get(0).([]*model.SyncConflict), args.Error(1)
}

func (m *MockMetadataStore) ResolveConflict(ctx context.Context, conflictID string, resolution model.ConflictResolution, resolvedBy string) error {
	args := m.Called(ctx, conflictID, resolution, resolvedBy)
	return args.Error(0)
}

func (m *MockMetadataStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockMetadataStore) Close() {
	m.Called()
}

// memTenantStore is an in-memory TenantStore with snapshot-rollback
// transaction semantics, keyed by entity type and id.
type memTenantStore struct {
	mu       sync.Mutex
	entities map[model.EntityType]map[string]*model.Entity
}

func newMemTenantStore() *memTenantStore {
	return &memTenantStore{entities: make(map[model.EntityType]map[string]*model.Entity)}
}

func (s *memTenantStore) Get(ctx context.Context, entityType model.EntityType, entityID string) (*model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entity, ok := s.entities[entityType][entityID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return entity, nil
}

func (s *memTenantStore) List(ctx context.Context, entityType model.EntityType) ([]*model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*model.Entity
	for _, entity := range s.entities[entityType] {
		result = append(result, entity)
	}
	return result, nil
}

func (s *memTenantStore) Snapshot(ctx context.Context, entityTypes []model.EntityType) (map[model.EntityType][]*model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[model.EntityType][]*model.Entity, len(entityTypes))
	for _, entityType := range entityTypes {
		var entities []*model.Entity
		for _, entity := range s.entities[entityType] {
			entities = append(entities, entity)
		}
		result[entityType] = entities
	}
	return result, nil
}

func (s *memTenantStore) Mutate(ctx context.Context, fn func(tx store.TenantTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[model.EntityType]map[string]*model.Entity, len(s.entities))
	for entityType, byID := range s.entities {
		staged[entityType] = make(map[string]*model.Entity, len(byID))
		for id, entity := range byID {
			staged[entityType][id] = entity
		}
	}

	if err := fn(&memTenantTx{entities: staged}); err != nil {
		return err
	}
	s.entities = staged
	return nil
}

func (s *memTenantStore) Close() error { return nil }

type memTenantTx struct {
	entities map[model.EntityType]map[string]*model.Entity
}

func (t *memTenantTx) Get(entityType model.EntityType, entityID string) (*model.Entity, error) {
	entity, ok := t.entities[entityType][entityID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return entity, nil
}

func (t *memTenantTx) Upsert(entity *model.Entity) error {
	byID, ok := t.entities[entity.Type]
	if !ok {
		byID = make(map[string]*model.Entity)
		t.entities[entity.Type] = byID
	}
	byID[entity.ID] = entity
	return nil
}

func (t *memTenantTx) Delete(entityType model.EntityType, entityID string) (bool, error) {
	if _, ok := t.entities[entityType][entityID]; !ok {
		return false, nil
	}
	delete(t.entities[entityType], entityID)
	return true, nil
}

// staticResolver resolves a single tenant id to one store
type staticResolver struct {
	tenantID string
	store    store.TenantStore
}

func (r *staticResolver) Resolve(ctx context.Context, tenantID string) (store.TenantStore, error) {
	if tenantID != r.tenantID {
		return nil, syncerrors.TenantNotFound(tenantID)
	}
	return r.store, nil
}

func newTestProcessor(t *testing.T, tenantStore *memTenantStore) (*QueueProcessor, *MockMetadataStore) {
	t.Helper()
	metadataStore := new(MockMetadataStore)
	checkpoints := store.NewMemoryCheckpointStore()
	t.Cleanup(func() { checkpoints.Close() })

	resolver := NewResolverService(metadataStore, testMetrics, zap.NewNop())
	processor := NewQueueProcessor(
		&staticResolver{tenantID: "tenant-1", store: tenantStore},
		metadataStore,
		checkpoints,
		resolver,
		validation.NewValidator(),
		time.Hour,
		testMetrics,
		zap.NewNop(),
	)
	return processor, metadataStore
}

func tagEntry(id, entityID string, op model.SyncOperation, payload map[string]any) *model.SyncQueueEntry {
	return &model.SyncQueueEntry{
		ID:              id,
		TenantID:        "tenant-1",
		EntityType:      model.EntityTag,
		EntityID:        entityID,
		Operation:       op,
		Payload:         payload,
		ClientSeq:       1,
		ClientTimestamp: time.Now().UTC(),
		ClientID:        "client-1",
	}
}

func TestApplyCreateNewEntity(t *testing.T) {
	tenantStore := newMemTenantStore()
	processor, metadataStore := newTestProcessor(t, tenantStore)

	entry := tagEntry("entry-1", "tag-1", model.OperationCreate, map[string]any{"name": "groceries"})
	metadataStore.On("GetQueueEntry", mock.Anything, "entry-1").Return(nil, store.ErrNotFound)
	metadataStore.On("InsertQueueEntry", mock.Anything, mock.Anything).Return(nil)
	metadataStore.On("MarkQueueEntryApplied", mock.Anything, "entry-1", mock.Anything).Return(nil)

	result, err := processor.Apply(context.Background(), entry)
	require.NoError(t, err)

	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.Nil(t, result.Conflict)

	stored, err := tenantStore.Get(context.Background(), model.EntityTag, "tag-1")
	require.NoError(t, err)
	assert.Equal(t, "groceries", stored.Payload["name"])

	expected, _ := util.HashPayload(entry.Payload)
	assert.Equal(t, expected, result.Checksum)
	metadataStore.AssertExpectations(t)
}

func TestApplyCreateSameContentIsNoOp(t *testing.T) {
	tenantStore := newMemTenantStore()
	processor, metadataStore := newTestProcessor(t, tenantStore)

	payload := map[string]any{"name": "groceries"}
	seedEntity(t, tenantStore, "tag-1", payload, time.Now().UTC())

	entry := tagEntry("entry-2", "tag-1", model.OperationCreate, map[string]any{"name": "groceries"})
	metadataStore.On("GetQueueEntry", mock.Anything, "entry-2").Return(nil, store.ErrNotFound)
	metadataStore.On("InsertQueueEntry", mock.Anything, mock.Anything).Return(nil)
	metadataStore.On("MarkQueueEntryApplied", mock.Anything, "entry-2", mock.Anything).Return(nil)

	result, err := processor.Apply(context.Background(), entry)
	require.NoError(t, err)

	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.Nil(t, result.Conflict)
}

func TestApplyCreateDivergedContentServerWins(t *testing.T) {
	tenantStore := newMemTenantStore()
	processor, metadataStore := newTestProcessor(t, tenantStore)

	serverTime := time.Now().UTC()
	seedEntity(t, tenantStore, "tag-1", map[string]any{"name": "rent"}, serverTime)

	entry := tagEntry("entry-3", "tag-1", model.OperationCreate, map[string]any{"name": "groceries"})
	entry.ClientTimestamp = serverTime.Add(-time.Minute)

	metadataStore.On("GetQueueEntry", mock.Anything, "entry-3").Return(nil, store.ErrNotFound)
	metadataStore.On("InsertQueueEntry", mock.Anything, mock.Anything).Return(nil)
	metadataStore.On("MarkQueueEntryFailed", mock.Anything, "entry-3", "stale_base_conflict", mock.Anything).Return(nil)
	metadataStore.On("InsertConflict", mock.Anything, mock.Anything).Return(nil)

	result, err := processor.Apply(context.Background(), entry)
	require.NoError(t, err)

	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.Equal(t, syncerrors.ErrCodeStaleBase, result.Err.Code)
	require.NotNil(t, result.CurrentEntity)
	assert.Equal(t, "rent", result.CurrentEntity.Payload["name"])
	require.NotNil(t, result.Conflict)
	assert.Equal(t, model.ResolutionServerWins, result.Conflict.Resolution)

	// The server copy stays untouched
	stored, _ := tenantStore.Get(context.Background(), model.EntityTag, "tag-1")
	assert.Equal(t, "rent", stored.Payload["name"])
	metadataStore.AssertExpectations(t)
}

func TestApplyUpdateMissingEntity(t *testing.T) {
	tenantStore := newMemTenantStore()
	processor, metadataStore := newTestProcessor(t, tenantStore)

	entry := tagEntry("entry-4", "tag-missing", model.OperationUpdate, map[string]any{"name": "fuel"})
	metadataStore.On("GetQueueEntry", mock.Anything, "entry-4").Return(nil, store.ErrNotFound)
	metadataStore.On("InsertQueueEntry", mock.Anything, mock.Anything).Return(nil)
	metadataStore.On("MarkQueueEntryFailed", mock.Anything, "entry-4", "entity_not_found", mock.Anything).Return(nil)

	result, err := processor.Apply(context.Background(), entry)
	require.NoError(t, err)

	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.Equal(t, syncerrors.ErrCodeEntityNotFound, result.Err.Code)
	metadataStore.AssertExpectations(t)
}

func TestApplyStaleUpdateServerWins(t *testing.T) {
	tenantStore := newMemTenantStore()
	processor, metadataStore := newTestProcessor(t, tenantStore)

	serverTime := time.Now().UTC()
	seedEntity(t, tenantStore, "tag-1", map[string]any{"name": "rent"}, serverTime)

	staleBase, _ := util.HashPayload(map[string]any{"name": "old-rent"})
	entry := tagEntry("entry-5", "tag-1", model.OperationUpdate, map[string]any{"name": "groceries"})
	entry.PriorChecksum = staleBase
	entry.ClientTimestamp = serverTime.Add(-time.Minute)

	metadataStore.On("GetQueueEntry", mock.Anything, "entry-5").Return(nil, store.ErrNotFound)
	metadataStore.On("InsertQueueEntry", mock.Anything, mock.Anything).Return(nil)
	metadataStore.On("MarkQueueEntryFailed", mock.Anything, "entry-5", "stale_base_conflict", mock.Anything).Return(nil)
	metadataStore.On("InsertConflict", mock.Anything, mock.Anything).Return(nil)

	result, err := processor.Apply(context.Background(), entry)
	require.NoError(t, err)

	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.Equal(t, "stale_base_conflict", result.Err.ReasonCode())
	require.NotNil(t, result.Conflict)
	assert.Equal(t, model.ResolutionServerWins, result.Conflict.Resolution)
	metadataStore.AssertExpectations(t)
}

func TestApplyStaleUpdateClientWins(t *testing.T) {
	tenantStore := newMemTenantStore()
	processor, metadataStore := newTestProcessor(t, tenantStore)

	serverTime := time.Now().UTC().Add(-time.Minute)
	seedEntity(t, tenantStore, "tag-1", map[string]any{"name": "rent"}, serverTime)

	staleBase, _ := util.HashPayload(map[string]any{"name": "old-rent"})
	entry := tagEntry("entry-6", "tag-1", model.OperationUpdate, map[string]any{"name": "groceries"})
	entry.PriorChecksum = staleBase
	entry.ClientTimestamp = serverTime.Add(time.Minute)

	metadataStore.On("GetQueueEntry", mock.Anything, "entry-6").Return(nil, store.ErrNotFound)
	metadataStore.On("InsertQueueEntry", mock.Anything, mock.Anything).Return(nil)
	metadataStore.On("MarkQueueEntryApplied", mock.Anything, "entry-6", mock.Anything).Return(nil)
	metadataStore.On("InsertConflict", mock.Anything, mock.Anything).Return(nil)

	result, err := processor.Apply(context.Background(), entry)
	require.NoError(t, err)

	assert.Equal(t, OutcomeApplied, result.Outcome)
	require.NotNil(t, result.Conflict)
	assert.Equal(t, model.ResolutionClientWins, result.Conflict.Resolution)

	stored, _ := tenantStore.Get(context.Background(), model.EntityTag, "tag-1")
	assert.Equal(t, "groceries", stored.Payload["name"])
	metadataStore.AssertExpectations(t)
}

func TestApplyDeleteMissingEntityIsNoOp(t *testing.T) {
	tenantStore := newMemTenantStore()
	processor, metadataStore := newTestProcessor(t, tenantStore)

	entry := tagEntry("entry-7", "tag-gone", model.OperationDelete, nil)
	metadataStore.On("GetQueueEntry", mock.Anything, "entry-7").Return(nil, store.ErrNotFound)
	metadataStore.On("InsertQueueEntry", mock.Anything, mock.Anything).Return(nil)
	metadataStore.On("MarkQueueEntryApplied", mock.Anything, "entry-7", mock.Anything).Return(nil)

	result, err := processor.Apply(context.Background(), entry)
	require.NoError(t, err)

	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.Empty(t, result.Checksum)
}

func TestApplyValidationFailure(t *testing.T) {
	tenantStore := newMemTenantStore()
	processor, metadataStore := newTestProcessor(t, tenantStore)

	// Tag payload without the required name field
	entry := tagEntry("entry-8", "tag-1", model.OperationCreate, map[string]any{"color": "red"})

	result, err := processor.Apply(context.Background(), entry)
	require.NoError(t, err)

	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.Equal(t, syncerrors.ErrCodeValidation, result.Err.Code)
	metadataStore.AssertNotCalled(t, "InsertQueueEntry", mock.Anything, mock.Anything)
}

func TestApplyReplayedEntryIsDuplicate(t *testing.T) {
	tenantStore := newMemTenantStore()
	processor, metadataStore := newTestProcessor(t, tenantStore)

	entry := tagEntry("entry-9", "tag-1", model.OperationCreate, map[string]any{"name": "groceries"})

	metadataStore.On("GetQueueEntry", mock.Anything, "entry-9").Return(nil, store.ErrNotFound).Once()
	metadataStore.On("InsertQueueEntry", mock.Anything, mock.Anything).Return(nil)
	metadataStore.On("MarkQueueEntryApplied", mock.Anything, "entry-9", mock.Anything).Return(nil)

	first, err := processor.Apply(context.Background(), entry)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, first.Outcome)

	applied := *entry
	applied.Status = model.EntryApplied
	metadataStore.On("GetQueueEntry", mock.Anything, "entry-9").Return(&applied, nil)

	second, err := processor.Apply(context.Background(), entry)
	require.NoError(t, err)

	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.Checksum, second.Checksum)
}

func TestApplyUnknownTenantRejected(t *testing.T) {
	tenantStore := newMemTenantStore()
	processor, metadataStore := newTestProcessor(t, tenantStore)

	entry := tagEntry("entry-10", "tag-1", model.OperationCreate, map[string]any{"name": "groceries"})
	entry.TenantID = "tenant-unknown"
	metadataStore.On("GetQueueEntry", mock.Anything, "entry-10").Return(nil, store.ErrNotFound)

	result, err := processor.Apply(context.Background(), entry)
	require.NoError(t, err)

	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.Equal(t, syncerrors.ErrCodeTenantNotFound, result.Err.Code)
}

func TestApplyRedeliveredUpdateMatchingServerIsNoOp(t *testing.T) {
	tenantStore := newMemTenantStore()
	processor, metadataStore := newTestProcessor(t, tenantStore)

	serverTime := time.Now().UTC()
	seedEntity(t, tenantStore, "tag-1", map[string]any{"name": "groceries"}, serverTime)

	// A redelivery of an already-applied update: the declared base is
	// stale, but the payload matches the server copy exactly.
	staleBase, _ := util.HashPayload(map[string]any{"name": "old-name"})
	entry := tagEntry("entry-11", "tag-1", model.OperationUpdate, map[string]any{"name": "groceries"})
	entry.PriorChecksum = staleBase
	entry.ClientTimestamp = serverTime.Add(-time.Minute)

	metadataStore.On("GetQueueEntry", mock.Anything, "entry-11").Return(nil, store.ErrNotFound)
	metadataStore.On("InsertQueueEntry", mock.Anything, mock.Anything).Return(nil)
	metadataStore.On("MarkQueueEntryApplied", mock.Anything, "entry-11", mock.Anything).Return(nil)

	result, err := processor.Apply(context.Background(), entry)
	require.NoError(t, err)

	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.Nil(t, result.Conflict)

	expected, _ := util.HashPayload(map[string]any{"name": "groceries"})
	assert.Equal(t, expected, result.Checksum)
	metadataStore.AssertNotCalled(t, "InsertConflict", mock.Anything, mock.Anything)
}

func TestApplyReplayedRejectedEntryKeepsReason(t *testing.T) {
	tenantStore := newMemTenantStore()
	processor, metadataStore := newTestProcessor(t, tenantStore)

	entry := tagEntry("entry-12", "tag-1", model.OperationUpdate, map[string]any{"name": "groceries"})

	failed := *entry
	failed.Status = model.EntryFailed
	failed.FailureReason = "stale_base_conflict"
	metadataStore.On("GetQueueEntry", mock.Anything, "entry-12").Return(&failed, nil)

	result, err := processor.Apply(context.Background(), entry)
	require.NoError(t, err)

	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.Equal(t, "stale_base_conflict", result.Err.ReasonCode())
	assert.Contains(t, result.Err.Message, "stale_base_conflict")
}

func seedEntity(t *testing.T, tenantStore *memTenantStore, entityID string, payload map[string]any, updatedAt time.Time) {
	t.Helper()
	err := tenantStore.Mutate(context.Background(), func(tx store.TenantTx) error {
		return tx.Upsert(&model.Entity{
			Type:      model.EntityTag,
			ID:        entityID,
			Payload:   payload,
			CreatedAt: updatedAt,
			UpdatedAt: updatedAt,
		})
	})
	require.NoError(t, err)
}
