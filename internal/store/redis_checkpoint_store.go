package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mlammarsch/FinWise-0.4-Backend/internal/model"
)

const (
	checkpointKeyPrefix = "sync:checkpoint:"
	appliedKeyPrefix    = "sync:entry:"
)

// RedisCheckpointStore implements CheckpointStore on Redis.
// Checkpoints survive process restarts; applied-entry markers expire
// after their TTL, after which a replayed entry is re-validated against
// the durable queue log instead.
type RedisCheckpointStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisCheckpointStore creates a new Redis checkpoint store
func NewRedisCheckpointStore(host string, port int, password string, db int, logger *zap.Logger) (*RedisCheckpointStore, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCheckpointStore{
		client: client,
		logger: logger,
	}, nil
}

// GetCheckpoint retrieves a client's checkpoint
func (s *RedisCheckpointStore) GetCheckpoint(ctx context.Context, tenantID, clientID string) (*model.SyncCheckpoint, error) {
	data, err := s.client.Get(ctx, checkpointKey(tenantID, clientID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var cp model.SyncCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// AdvanceCheckpoint persists cp when it is ahead of the stored one.
// A stale write is silently dropped so checkpoints only move forward.
func (s *RedisCheckpointStore) AdvanceCheckpoint(ctx context.Context, cp *model.SyncCheckpoint) error {
	current, err := s.GetCheckpoint(ctx, cp.TenantID, cp.ClientID)
	if err != nil && err != ErrNotFound {
		return err
	}
	if current != nil && current.LastAppliedSeq >= cp.LastAppliedSeq {
		return nil
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	return s.client.Set(ctx, checkpointKey(cp.TenantID, cp.ClientID), data, 0).Err()
}

// ResetCheckpoint removes a client's checkpoint
func (s *RedisCheckpointStore) ResetCheckpoint(ctx context.Context, tenantID, clientID string) error {
	return s.client.Del(ctx, checkpointKey(tenantID, clientID)).Err()
}

// MarkEntryApplied records that an entry id reached a terminal state
func (s *RedisCheckpointStore) MarkEntryApplied(ctx context.Context, entryID string, ttl time.Duration) error {
	return s.client.Set(ctx, appliedKeyPrefix+entryID, "1", ttl).Err()
}

// WasEntryApplied reports whether an entry id was already processed
func (s *RedisCheckpointStore) WasEntryApplied(ctx context.Context, entryID string) (bool, error) {
	n, err := s.client.Exists(ctx, appliedKeyPrefix+entryID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Ping checks the Redis connection
func (s *RedisCheckpointStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisCheckpointStore) Close() error {
	return s.client.Close()
}

func checkpointKey(tenantID, clientID string) string {
	return checkpointKeyPrefix + tenantID + ":" + clientID
}
