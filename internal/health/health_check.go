package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mlammarsch/FinWise-0.4-Backend/internal/store"
)

// HealthChecker provides health check endpoints
type HealthChecker struct {
	metadataStore   store.MetadataStore
	checkpointStore store.CheckpointStore
	tenantRouter    *store.TenantRouter
	logger          *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(
	metadataStore store.MetadataStore,
	checkpointStore store.CheckpointStore,
	tenantRouter *store.TenantRouter,
	logger *zap.Logger,
) *HealthChecker {
	return &HealthChecker{
		metadataStore:   metadataStore,
		checkpointStore: checkpointStore,
		tenantRouter:    tenantRouter,
		logger:          logger,
	}
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// ReadinessHandler handles readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if err := h.checkMetadataStore(ctx); err != nil {
		h.logger.Error("Metadata store health check failed", zap.Error(err))
		checks["metadata_store"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		checks["metadata_store"] = "healthy"
	}

	if err := h.checkCheckpointStore(ctx); err != nil {
		h.logger.Error("Checkpoint store health check failed", zap.Error(err))
		checks["checkpoint_store"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		checks["checkpoint_store"] = "healthy"
	}

	if err := h.checkTenantRouter(ctx); err != nil {
		h.logger.Error("Tenant router health check failed", zap.Error(err))
		checks["tenant_router"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		checks["tenant_router"] = "healthy"
	}

	status := HealthStatus{
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}

	w.Header().Set("Content-Type", "application/json")

	if allHealthy {
		status.Status = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		status.Status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(status)
}

func (h *HealthChecker) checkMetadataStore(ctx context.Context) error {
	if h.metadataStore == nil {
		return nil
	}
	return h.metadataStore.Ping(ctx)
}

func (h *HealthChecker) checkCheckpointStore(ctx context.Context) error {
	if h.checkpointStore == nil {
		return nil
	}
	return h.checkpointStore.Ping(ctx)
}

func (h *HealthChecker) checkTenantRouter(ctx context.Context) error {
	if h.tenantRouter == nil {
		return nil
	}
	return h.tenantRouter.Ping(ctx)
}
