package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mlammarsch/FinWise-0.4-Backend/internal/model"
)

func TestResolveLWWClientWins(t *testing.T) {
	resolver := NewResolverService(new(MockMetadataStore), testMetrics, zap.NewNop())

	serverTime := time.Now().UTC()
	clientTime := serverTime.Add(time.Second)

	assert.Equal(t, model.ResolutionClientWins, resolver.ResolveLWW(clientTime, serverTime))
}

func TestResolveLWWServerWins(t *testing.T) {
	resolver := NewResolverService(new(MockMetadataStore), testMetrics, zap.NewNop())

	serverTime := time.Now().UTC()
	clientTime := serverTime.Add(-time.Second)

	assert.Equal(t, model.ResolutionServerWins, resolver.ResolveLWW(clientTime, serverTime))
}

func TestResolveLWWTieKeepsServer(t *testing.T) {
	resolver := NewResolverService(new(MockMetadataStore), testMetrics, zap.NewNop())

	ts := time.Now().UTC()

	assert.Equal(t, model.ResolutionServerWins, resolver.ResolveLWW(ts, ts))
}

func TestRecordConflict(t *testing.T) {
	metadataStore := new(MockMetadataStore)
	resolver := NewResolverService(metadataStore, testMetrics, zap.NewNop())

	var recorded *model.SyncConflict
	metadataStore.On("InsertConflict", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			recorded = args.Get(1).(*model.SyncConflict)
		}).
		Return(nil)

	clientTime := time.Now().UTC().Add(-time.Minute)
	serverTime := time.Now().UTC()

	conflict := resolver.RecordConflict(context.Background(),
		"tenant-1", model.EntityTag, "tag-1",
		"client-sum", "server-sum",
		clientTime, serverTime,
		model.ResolutionServerWins)

	require.NotNil(t, conflict)
	assert.NotEmpty(t, conflict.ID)
	assert.Equal(t, "tenant-1", conflict.TenantID)
	assert.Equal(t, model.EntityTag, conflict.EntityType)
	assert.Equal(t, "tag-1", conflict.EntityID)
	assert.Equal(t, "client-sum", conflict.ClientChecksum)
	assert.Equal(t, "server-sum", conflict.ServerChecksum)
	assert.Equal(t, model.ResolutionServerWins, conflict.Resolution)
	assert.Equal(t, "lww", conflict.ResolvedBy)
	require.NotNil(t, conflict.ResolvedAt)

	require.NotNil(t, recorded)
	assert.Equal(t, conflict.ID, recorded.ID)
	metadataStore.AssertExpectations(t)
}

func TestRecordConflictLogFailureStillReturnsConflict(t *testing.T) {
	metadataStore := new(MockMetadataStore)
	resolver := NewResolverService(metadataStore, testMetrics, zap.NewNop())

	metadataStore.On("InsertConflict", mock.Anything, mock.Anything).
		Return(errors.New("connection refused"))

	conflict := resolver.RecordConflict(context.Background(),
		"tenant-1", model.EntityTag, "tag-1",
		"a", "b",
		time.Now().UTC(), time.Now().UTC(),
		model.ResolutionClientWins)

	require.NotNil(t, conflict)
	assert.Equal(t, model.ResolutionClientWins, conflict.Resolution)
}

func TestResolveStatusDiffRecordsConflicts(t *testing.T) {
	metadataStore := new(MockMetadataStore)
	resolver := NewResolverService(metadataStore, testMetrics, zap.NewNop())

	var recorded []*model.SyncConflict
	metadataStore.On("InsertConflict", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			recorded = append(recorded, args.Get(1).(*model.SyncConflict))
		}).
		Return(nil)

	serverTime := time.Now().UTC()
	client := map[string]model.EntityChecksum{
		"tag-newer": {EntityID: "tag-newer", Checksum: "client-a", UpdatedAt: serverTime.Add(time.Minute)},
		"tag-older": {EntityID: "tag-older", Checksum: "client-b", UpdatedAt: serverTime.Add(-time.Minute)},
	}
	server := map[string]model.EntityChecksum{
		"tag-newer": {EntityID: "tag-newer", Checksum: "server-a", UpdatedAt: serverTime},
		"tag-older": {EntityID: "tag-older", Checksum: "server-b", UpdatedAt: serverTime},
	}

	resolutions := resolver.ResolveStatusDiff(context.Background(),
		"tenant-1", model.EntityTag,
		[]string{"tag-newer", "tag-older"},
		client, server)

	assert.Equal(t, model.ResolutionClientWins, resolutions["tag-newer"])
	assert.Equal(t, model.ResolutionServerWins, resolutions["tag-older"])

	require.Len(t, recorded, 2)
	byEntity := map[string]*model.SyncConflict{}
	for _, c := range recorded {
		byEntity[c.EntityID] = c
	}
	newer := byEntity["tag-newer"]
	require.NotNil(t, newer)
	assert.Equal(t, "tenant-1", newer.TenantID)
	assert.Equal(t, "client-a", newer.ClientChecksum)
	assert.Equal(t, "server-a", newer.ServerChecksum)
	assert.Equal(t, model.ResolutionClientWins, newer.Resolution)
	older := byEntity["tag-older"]
	require.NotNil(t, older)
	assert.Equal(t, model.ResolutionServerWins, older.Resolution)
	metadataStore.AssertExpectations(t)
}

func TestListConflictsDefaultLimit(t *testing.T) {
	metadataStore := new(MockMetadataStore)
	resolver := NewResolverService(metadataStore, testMetrics, zap.NewNop())

	metadataStore.On("ListConflicts", mock.Anything, "tenant-1", 100).
		Return([]*model.SyncConflict{}, nil)

	_, err := resolver.ListConflicts(context.Background(), "tenant-1", 0)
	require.NoError(t, err)
	metadataStore.AssertExpectations(t)
}

func TestOverrideResolution(t *testing.T) {
	metadataStore := new(MockMetadataStore)
	resolver := NewResolverService(metadataStore, testMetrics, zap.NewNop())

	metadataStore.On("ResolveConflict", mock.Anything, "conflict-1", model.ResolutionClientWins, "admin").
		Return(nil)

	err := resolver.OverrideResolution(context.Background(), "conflict-1", model.ResolutionClientWins, "admin")
	require.NoError(t, err)
	metadataStore.AssertExpectations(t)
}
