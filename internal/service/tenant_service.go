package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mlammarsch/FinWise-0.4-Backend/internal/errors"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/model"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/store"
)

// TenantService answers tenant lookups against the metadata store,
// caching results so the hot sync path does not hit the database for
// every message.
type TenantService struct {
	metadataStore store.MetadataStore
	cache         store.Cache
	cacheTTL      time.Duration
	logger        *zap.Logger
}

// NewTenantService creates a new tenant service
func NewTenantService(
	metadataStore store.MetadataStore,
	cache store.Cache,
	cacheTTL time.Duration,
	logger *zap.Logger,
) *TenantService {
	return &TenantService{
		metadataStore: metadataStore,
		cache:         cache,
		cacheTTL:      cacheTTL,
		logger:        logger,
	}
}

// GetTenant retrieves a tenant, using cache if available
func (s *TenantService) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	cacheKey := s.tenantCacheKey(tenantID)
	if cached, err := s.cache.Get(ctx, cacheKey); err == nil && cached != nil {
		if tenant, ok := cached.(*model.Tenant); ok {
			s.logger.Debug("Tenant retrieved from cache",
				zap.String("tenant_id", tenantID))
			return tenant, nil
		}
	}

	tenant, err := s.metadataStore.GetTenant(ctx, tenantID)
	if err == store.ErrNotFound {
		return nil, errors.TenantNotFound(tenantID)
	}
	if err != nil {
		return nil, errors.Storage("failed to fetch tenant from metadata store", err)
	}

	if err := s.cache.Set(ctx, cacheKey, tenant, s.cacheTTL); err != nil {
		s.logger.Warn("Failed to cache tenant",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
	}

	return tenant, nil
}

// TenantExists reports whether a tenant is provisioned
func (s *TenantService) TenantExists(ctx context.Context, tenantID string) (bool, error) {
	_, err := s.GetTenant(ctx, tenantID)
	if err == nil {
		return true, nil
	}
	if errors.GetCode(err) == errors.ErrCodeTenantNotFound {
		return false, nil
	}
	return false, err
}

// AuthorizeOwner checks that userID owns the tenant. Admin operations
// on a tenant's data are restricted to its owner.
func (s *TenantService) AuthorizeOwner(ctx context.Context, tenantID, userID string) (*model.Tenant, error) {
	tenant, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant.OwnerUserID != userID {
		return nil, errors.Unauthorized(tenantID, userID)
	}
	return tenant, nil
}

// InvalidateTenant drops the cached tenant entry
func (s *TenantService) InvalidateTenant(ctx context.Context, tenantID string) {
	if err := s.cache.Delete(ctx, s.tenantCacheKey(tenantID)); err != nil {
		s.logger.Warn("Failed to invalidate tenant cache",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
	}
}

// tenantCacheKey generates a cache key for a tenant
func (s *TenantService) tenantCacheKey(tenantID string) string {
	return fmt.Sprintf("tenant:config:%s", tenantID)
}
