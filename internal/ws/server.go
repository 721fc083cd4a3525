package ws

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mlammarsch/FinWise-0.4-Backend/internal/config"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/errors"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/metrics"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/model"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/service"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/validation"
)

// Server accepts WebSocket connections on /ws/{tenant_id} and hands
// each one to the sync engine.
type Server struct {
	cfg        *config.Config
	registry   *Registry
	engine     *service.SyncEngine
	tenants    *service.TenantService
	validator  *validation.Validator
	metrics    *metrics.Metrics
	logger     *zap.Logger
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer creates a new WebSocket server
func NewServer(
	cfg *config.Config,
	registry *Registry,
	engine *service.SyncEngine,
	tenants *service.TenantService,
	validator *validation.Validator,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	return &Server{
		cfg:       cfg,
		registry:  registry,
		engine:    engine,
		tenants:   tenants,
		validator: validator,
		metrics:   m,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Tenant scoping is enforced by path and metadata lookup,
			// not by origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start runs the server until Shutdown is called
func (s *Server) Start() error {
	router := mux.NewRouter()
	router.HandleFunc("/ws/{tenant_id}", s.handleConnection).Methods(http.MethodGet)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  0, // WebSocket connections stay open
		WriteTimeout: 0,
	}

	s.logger.Info("Starting WebSocket server", zap.String("address", addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and closes the live ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.registry.CloseAll()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant_id"]
	clientID := r.URL.Query().Get("client_id")

	if err := s.validator.ValidateTenantID(tenantID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if clientID == "" {
		clientID = uuid.New().String()
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// Unknown tenants are rejected before the upgrade so the client
	// gets a proper HTTP status instead of a dropped socket.
	if _, err := s.tenants.GetTenant(ctx, tenantID); err != nil {
		syncErr := errors.AsSyncError(err)
		s.logger.Warn("Connection rejected",
			zap.String("tenant_id", tenantID),
			zap.String("reason", syncErr.ReasonCode()))
		http.Error(w, syncErr.Message, syncErr.HTTPStatus())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return
	}

	client := NewClient(
		uuid.New().String(),
		tenantID,
		clientID,
		conn,
		s.registry,
		s.engine,
		s.metrics,
		s.cfg.Sync.SendBufferSize,
		s.cfg.Sync.PingInterval,
		s.cfg.Sync.InactivityTimeout,
		s.logger,
	)
	client.Start()

	// First frame tells the client the backend is reachable
	client.Send(&model.BackendStatusMessage{
		Type:   model.MessageBackendStatus,
		Status: "online",
	})
}
