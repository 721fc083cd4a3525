package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	syncerrors "github.com/mlammarsch/FinWise-0.4-Backend/internal/errors"
)

// TenantLookup resolves a tenant id against the provisioning metadata.
// Implemented by the tenant service; the router never invents tenants.
type TenantLookup interface {
	TenantExists(ctx context.Context, tenantID string) (bool, error)
}

// TenantRouter resolves a tenant id to its isolated store handle.
// Handles are pooled: repeated calls for the same tenant share one
// handle, and the store file is lazily created only for tenants the
// metadata store knows about.
type TenantRouter struct {
	lookup      TenantLookup
	dataDir     string
	busyTimeout time.Duration
	logger      *zap.Logger

	mu     sync.Mutex
	stores map[string]*SQLiteTenantStore
	closed bool
}

// NewTenantRouter creates a new tenant store router
func NewTenantRouter(lookup TenantLookup, dataDir string, busyTimeout time.Duration, logger *zap.Logger) *TenantRouter {
	return &TenantRouter{
		lookup:      lookup,
		dataDir:     dataDir,
		busyTimeout: busyTimeout,
		logger:      logger,
		stores:      make(map[string]*SQLiteTenantStore),
	}
}

// Resolve returns the store handle for tenantID.
// Fails with TenantNotFound for unprovisioned tenants and Storage when
// the backing file cannot be opened.
func (r *TenantRouter) Resolve(ctx context.Context, tenantID string) (TenantStore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, syncerrors.Storage("tenant router is closed", nil)
	}
	if store, ok := r.stores[tenantID]; ok {
		return store, nil
	}

	exists, err := r.lookup.TenantExists(ctx, tenantID)
	if err != nil {
		return nil, syncerrors.Storage("failed to look up tenant", err)
	}
	if !exists {
		return nil, syncerrors.TenantNotFound(tenantID)
	}

	if err := os.MkdirAll(r.dataDir, 0o755); err != nil {
		return nil, syncerrors.Storage("failed to create tenant data directory", err)
	}

	path := r.storePath(tenantID)
	store, err := OpenSQLiteTenantStore(tenantID, path, r.busyTimeout, r.logger)
	if err != nil {
		return nil, syncerrors.Storage(fmt.Sprintf("failed to open store for tenant %s", tenantID), err)
	}

	r.logger.Info("Tenant store resolved",
		zap.String("tenant_id", tenantID),
		zap.String("path", path))

	r.stores[tenantID] = store
	return store, nil
}

// Evict closes and removes a tenant's pooled handle. Used when a tenant
// is deprovisioned externally.
func (r *TenantRouter) Evict(tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	store, ok := r.stores[tenantID]
	if !ok {
		return nil
	}
	delete(r.stores, tenantID)
	return store.Close()
}

// Close closes all pooled handles
func (r *TenantRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	var firstErr error
	for tenantID, store := range r.stores {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.stores, tenantID)
	}
	return firstErr
}

// Ping reports router readiness
func (r *TenantRouter) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("tenant router is closed")
	}
	return nil
}

func (r *TenantRouter) storePath(tenantID string) string {
	return filepath.Join(r.dataDir, fmt.Sprintf("finwiseTenantDB_%s.db", tenantID))
}
