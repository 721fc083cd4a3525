package store

import (
	"context"
	"sync"
	"time"

	"github.com/mlammarsch/FinWise-0.4-Backend/internal/model"
)

// MemoryCheckpointStore implements CheckpointStore in process memory.
// Used when Redis is disabled; checkpoints do not survive a restart, so
// reconnecting clients fall back to a full data status comparison.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*model.SyncCheckpoint
	applied     map[string]time.Time
	stopChan    chan struct{}
	stopOnce    sync.Once
}

// NewMemoryCheckpointStore creates a new in-memory checkpoint store
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	s := &MemoryCheckpointStore{
		checkpoints: make(map[string]*model.SyncCheckpoint),
		applied:     make(map[string]time.Time),
		stopChan:    make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// GetCheckpoint retrieves a client's checkpoint
func (s *MemoryCheckpointStore) GetCheckpoint(ctx context.Context, tenantID, clientID string) (*model.SyncCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, exists := s.checkpoints[checkpointKey(tenantID, clientID)]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *cp
	return &copied, nil
}

// AdvanceCheckpoint persists cp when it is ahead of the stored one
func (s *MemoryCheckpointStore) AdvanceCheckpoint(ctx context.Context, cp *model.SyncCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := checkpointKey(cp.TenantID, cp.ClientID)
	if current, exists := s.checkpoints[key]; exists && current.LastAppliedSeq >= cp.LastAppliedSeq {
		return nil
	}
	copied := *cp
	s.checkpoints[key] = &copied
	return nil
}

// ResetCheckpoint removes a client's checkpoint
func (s *MemoryCheckpointStore) ResetCheckpoint(ctx context.Context, tenantID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, checkpointKey(tenantID, clientID))
	return nil
}

// MarkEntryApplied records that an entry id reached a terminal state
func (s *MemoryCheckpointStore) MarkEntryApplied(ctx context.Context, entryID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applied[entryID] = time.Now().Add(ttl)
	return nil
}

// WasEntryApplied reports whether an entry id was already processed
func (s *MemoryCheckpointStore) WasEntryApplied(ctx context.Context, entryID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expiresAt, exists := s.applied[entryID]
	if !exists || time.Now().After(expiresAt) {
		return false, nil
	}
	return true, nil
}

// Ping is a no-op for the in-memory store
func (s *MemoryCheckpointStore) Ping(ctx context.Context) error {
	return nil
}

// Close stops the cleanup goroutine
func (s *MemoryCheckpointStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	return nil
}

// cleanup periodically removes expired applied-entry markers
func (s *MemoryCheckpointStore) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for entryID, expiresAt := range s.applied {
				if now.After(expiresAt) {
					delete(s.applied, entryID)
				}
			}
			s.mu.Unlock()
		}
	}
}
