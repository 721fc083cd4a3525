// Package handler provides the administrative HTTP API.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mlammarsch/FinWise-0.4-Backend/internal/errors"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/metrics"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/middleware"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/model"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/service"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/store"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/ws"
)

// AdminHandlers contains the admin HTTP handlers and their dependencies
type AdminHandlers struct {
	tenants       *service.TenantService
	checksums     *service.ChecksumService
	conflicts     *service.ResolverService
	resolver      service.StoreResolver
	metadataStore store.MetadataStore
	registry      *ws.Registry
	engine        *service.SyncEngine
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// NewAdminHandlers creates a new admin handler set
func NewAdminHandlers(
	tenants *service.TenantService,
	checksums *service.ChecksumService,
	conflicts *service.ResolverService,
	resolver service.StoreResolver,
	metadataStore store.MetadataStore,
	registry *ws.Registry,
	engine *service.SyncEngine,
	m *metrics.Metrics,
	logger *zap.Logger,
) *AdminHandlers {
	return &AdminHandlers{
		tenants:       tenants,
		checksums:     checksums,
		conflicts:     conflicts,
		resolver:      resolver,
		metadataStore: metadataStore,
		registry:      registry,
		engine:        engine,
		metrics:       m,
		logger:        logger,
	}
}

// Router builds the admin API router with its middleware chain
func (h *AdminHandlers) Router(rateLimit float64, rateBurst int) http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/admin/tenants/{tenant_id}/queue", h.ListQueue).Methods(http.MethodGet)
	router.HandleFunc("/admin/tenants/{tenant_id}/queue", h.ClearPendingQueue).Methods(http.MethodDelete)
	router.HandleFunc("/admin/tenants/{tenant_id}/queue/{entry_id}/ack", h.ForceAck).Methods(http.MethodPost)
	router.HandleFunc("/admin/tenants/{tenant_id}/queue/{entry_id}/nack", h.ForceNack).Methods(http.MethodPost)
	router.HandleFunc("/admin/tenants/{tenant_id}/status", h.DataStatus).Methods(http.MethodGet)
	router.HandleFunc("/admin/tenants/{tenant_id}/conflicts", h.ListConflicts).Methods(http.MethodGet)
	router.HandleFunc("/admin/tenants/{tenant_id}/conflicts/check", h.CheckConflicts).Methods(http.MethodPost)
	router.HandleFunc("/admin/tenants/{tenant_id}/conflicts/{conflict_id}/resolve", h.ResolveConflict).Methods(http.MethodPost)
	router.HandleFunc("/admin/connections", h.ConnectionStats).Methods(http.MethodGet)
	router.HandleFunc("/admin/tenants/{tenant_id}/connections", h.TenantConnections).Methods(http.MethodGet)
	router.HandleFunc("/admin/tenants/{tenant_id}/connections", h.DisconnectTenant).Methods(http.MethodDelete)
	router.HandleFunc("/admin/broadcast/status", h.BroadcastStatus).Methods(http.MethodPost)

	rateLimiter := middleware.NewRateLimiter(rateLimit, rateBurst, h.logger)
	chain := middleware.Chain(
		middleware.RequestID,
		middleware.Logging(h.logger),
		middleware.Recovery(h.logger),
		rateLimiter.Limit,
		middleware.ContentType,
		middleware.Timeout(30*time.Second),
	)
	return chain(router)
}

// authorize resolves the tenant and checks X-User-ID ownership
func (h *AdminHandlers) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := mux.Vars(r)["tenant_id"]
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		h.writeError(w, errors.Validation("X-User-ID header is required", nil))
		return "", false
	}
	if _, err := h.tenants.AuthorizeOwner(r.Context(), tenantID, userID); err != nil {
		h.writeError(w, errors.AsSyncError(err))
		return "", false
	}
	return tenantID, true
}

// ListQueue handles GET /admin/tenants/{tenant_id}/queue
func (h *AdminHandlers) ListQueue(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	entries, err := h.metadataStore.ListQueueEntries(r.Context(), tenantID, limit)
	if err != nil {
		h.writeError(w, errors.Storage("failed to list queue entries", err))
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"entries":   entries,
	})
	h.metrics.RecordAdminRequest("queue_list", "ok")
}

// ClearPendingQueue handles DELETE /admin/tenants/{tenant_id}/queue
func (h *AdminHandlers) ClearPendingQueue(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	deleted, err := h.metadataStore.DeletePendingQueueEntries(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, errors.Storage("failed to clear pending queue entries", err))
		return
	}

	h.logger.Info("Pending queue entries cleared",
		zap.String("tenant_id", tenantID),
		zap.Int64("deleted", deleted))

	h.writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"deleted":   deleted,
	})
	h.metrics.RecordAdminRequest("queue_clear", "ok")
}

// ForceAck handles POST /admin/tenants/{tenant_id}/queue/{entry_id}/ack
func (h *AdminHandlers) ForceAck(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	entryID := mux.Vars(r)["entry_id"]

	if !h.entryBelongsToTenant(w, r, tenantID, entryID) {
		return
	}

	if err := h.metadataStore.MarkQueueEntryApplied(r.Context(), entryID, time.Now().UTC()); err != nil {
		if err == store.ErrNotFound {
			h.writeError(w, errors.EntityNotFound("queue_entry", entryID))
			return
		}
		h.writeError(w, errors.Storage("failed to force-ack queue entry", err))
		return
	}

	h.logger.Info("Queue entry force-acked",
		zap.String("tenant_id", tenantID),
		zap.String("entry_id", entryID))
	h.writeJSON(w, http.StatusOK, map[string]any{"entry_id": entryID, "status": "applied"})
	h.metrics.RecordAdminRequest("queue_force_ack", "ok")
}

// ForceNack handles POST /admin/tenants/{tenant_id}/queue/{entry_id}/nack
func (h *AdminHandlers) ForceNack(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	entryID := mux.Vars(r)["entry_id"]

	if !h.entryBelongsToTenant(w, r, tenantID, entryID) {
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "admin_override"
	}

	if err := h.metadataStore.MarkQueueEntryFailed(r.Context(), entryID, body.Reason, time.Now().UTC()); err != nil {
		if err == store.ErrNotFound {
			h.writeError(w, errors.EntityNotFound("queue_entry", entryID))
			return
		}
		h.writeError(w, errors.Storage("failed to force-nack queue entry", err))
		return
	}

	h.logger.Info("Queue entry force-nacked",
		zap.String("tenant_id", tenantID),
		zap.String("entry_id", entryID),
		zap.String("reason", body.Reason))
	h.writeJSON(w, http.StatusOK, map[string]any{"entry_id": entryID, "status": "failed", "reason": body.Reason})
	h.metrics.RecordAdminRequest("queue_force_nack", "ok")
}

// DataStatus handles GET /admin/tenants/{tenant_id}/status
func (h *AdminHandlers) DataStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	tenantStore, err := h.resolver.Resolve(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, errors.AsSyncError(err))
		return
	}

	start := time.Now()
	checksums, err := h.checksums.ComputeStatus(r.Context(), tenantStore, nil)
	if err != nil {
		h.writeError(w, errors.Storage("failed to compute data status", err))
		return
	}
	h.metrics.RecordStatusComputation(time.Since(start).Seconds())

	h.writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":        tenantID,
		"entity_checksums": checksums,
		"server_time":      time.Now().UTC(),
	})
	h.metrics.RecordAdminRequest("data_status", "ok")
}

// CheckConflicts handles POST /admin/tenants/{tenant_id}/conflicts/check.
// The body carries a client-side checksum set (checksum and update
// timestamp per entity) per entity type; the response lists the
// divergence against the server's current state with each diverged
// entity classified by last-write-wins. Every divergence is recorded in
// the conflict log, auto-resolved or not.
func (h *AdminHandlers) CheckConflicts(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var body struct {
		EntityChecksums map[model.EntityType]map[string]model.EntityChecksum `json:"entity_checksums"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, errors.Validation("malformed checksum set", err))
		return
	}

	tenantStore, err := h.resolver.Resolve(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, errors.AsSyncError(err))
		return
	}

	entityTypes := make([]model.EntityType, 0, len(body.EntityChecksums))
	for entityType := range body.EntityChecksums {
		if !model.IsValidEntityType(entityType) {
			h.writeError(w, errors.Validation("unknown entity type", nil).
				WithDetail("entity_type", string(entityType)))
			return
		}
		entityTypes = append(entityTypes, entityType)
	}

	serverChecksums, err := h.checksums.ComputeStatus(r.Context(), tenantStore, entityTypes)
	if err != nil {
		h.writeError(w, errors.Storage("failed to compute data status", err))
		return
	}

	diffs := make(map[model.EntityType]service.StatusDiff, len(entityTypes))
	resolutions := make(map[model.EntityType]map[string]model.ConflictResolution, len(entityTypes))
	for entityType, clientSet := range body.EntityChecksums {
		diff := h.checksums.DiffChecksums(clientSet, serverChecksums[entityType])
		diffs[entityType] = diff
		if len(diff.Diverged) > 0 {
			resolutions[entityType] = h.conflicts.ResolveStatusDiff(r.Context(),
				tenantID, entityType, diff.Diverged, clientSet, serverChecksums[entityType])
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":   tenantID,
		"diffs":       diffs,
		"resolutions": resolutions,
	})
	h.metrics.RecordAdminRequest("conflicts_check", "ok")
}

// ListConflicts handles GET /admin/tenants/{tenant_id}/conflicts
func (h *AdminHandlers) ListConflicts(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	conflicts, err := h.conflicts.ListConflicts(r.Context(), tenantID, limit)
	if err != nil {
		h.writeError(w, errors.Storage("failed to list conflicts", err))
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"conflicts": conflicts,
	})
	h.metrics.RecordAdminRequest("conflicts_list", "ok")
}

// ResolveConflict handles POST /admin/tenants/{tenant_id}/conflicts/{conflict_id}/resolve
func (h *AdminHandlers) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	conflictID := mux.Vars(r)["conflict_id"]

	var body struct {
		Resolution model.ConflictResolution `json:"resolution"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, errors.Validation("malformed resolution body", err))
		return
	}
	if body.Resolution != model.ResolutionClientWins && body.Resolution != model.ResolutionServerWins {
		h.writeError(w, errors.Validation("resolution must be client-wins or server-wins", nil))
		return
	}

	resolvedBy := r.Header.Get("X-User-ID")
	if err := h.conflicts.OverrideResolution(r.Context(), conflictID, body.Resolution, resolvedBy); err != nil {
		if err == store.ErrNotFound {
			h.writeError(w, errors.EntityNotFound("conflict", conflictID))
			return
		}
		h.writeError(w, errors.Storage("failed to resolve conflict", err))
		return
	}

	h.logger.Info("Conflict manually resolved",
		zap.String("tenant_id", tenantID),
		zap.String("conflict_id", conflictID),
		zap.String("resolution", string(body.Resolution)),
		zap.String("resolved_by", resolvedBy))
	h.writeJSON(w, http.StatusOK, map[string]any{
		"conflict_id": conflictID,
		"resolution":  body.Resolution,
	})
	h.metrics.RecordAdminRequest("conflict_resolve", "ok")
}

// ConnectionStats handles GET /admin/connections
func (h *AdminHandlers) ConnectionStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.registry.Stats())
	h.metrics.RecordAdminRequest("connection_stats", "ok")
}

// TenantConnections handles GET /admin/tenants/{tenant_id}/connections
func (h *AdminHandlers) TenantConnections(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":   tenantID,
		"connections": h.registry.Connections(tenantID),
	})
	h.metrics.RecordAdminRequest("tenant_connections", "ok")
}

// DisconnectTenant handles DELETE /admin/tenants/{tenant_id}/connections
func (h *AdminHandlers) DisconnectTenant(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	closed := h.registry.DisconnectTenant(tenantID)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"closed":    closed,
	})
	h.metrics.RecordAdminRequest("tenant_disconnect", "ok")
}

// BroadcastStatus handles POST /admin/broadcast/status
func (h *AdminHandlers) BroadcastStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID string `json:"tenant_id"`
		Status   string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, errors.Validation("malformed broadcast body", err))
		return
	}
	if body.Status != "online" && body.Status != "offline" && body.Status != "maintenance" {
		h.writeError(w, errors.Validation("status must be online, offline or maintenance", nil))
		return
	}

	tenantIDs := []string{body.TenantID}
	if body.TenantID == "" {
		tenantIDs = h.registry.TenantIDs()
	}
	for _, tenantID := range tenantIDs {
		h.engine.AnnounceStatus(tenantID, body.Status)
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":  body.Status,
		"tenants": len(tenantIDs),
	})
	h.metrics.RecordAdminRequest("broadcast_status", "ok")
}

// entryBelongsToTenant rejects cross-tenant access to queue entries
func (h *AdminHandlers) entryBelongsToTenant(w http.ResponseWriter, r *http.Request, tenantID, entryID string) bool {
	entry, err := h.metadataStore.GetQueueEntry(r.Context(), entryID)
	if err == store.ErrNotFound {
		h.writeError(w, errors.EntityNotFound("queue_entry", entryID))
		return false
	}
	if err != nil {
		h.writeError(w, errors.Storage("failed to load queue entry", err))
		return false
	}
	if entry.TenantID != tenantID {
		h.writeError(w, errors.EntityNotFound("queue_entry", entryID))
		return false
	}
	return true
}

func (h *AdminHandlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *AdminHandlers) writeError(w http.ResponseWriter, syncErr *errors.SyncError) {
	w.WriteHeader(syncErr.HTTPStatus())
	json.NewEncoder(w).Encode(map[string]any{
		"status":     "error",
		"error_code": syncErr.ReasonCode(),
		"message":    syncErr.Message,
		"details":    syncErr.Details,
	})
}
