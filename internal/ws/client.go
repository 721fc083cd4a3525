package ws

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mlammarsch/FinWise-0.4-Backend/internal/metrics"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/model"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/service"
)

const writeWait = 10 * time.Second

// Client is one live WebSocket connection scoped to a tenant. Messages
// from the same connection are processed strictly in arrival order by
// the read pump; outbound traffic is serialized through the write pump.
type Client struct {
	ConnectionID string
	TenantID     string
	ClientID     string

	conn     *websocket.Conn
	send     chan []byte
	registry *Registry
	engine   *service.SyncEngine
	metrics  *metrics.Metrics
	logger   *zap.Logger

	pingInterval      time.Duration
	inactivityTimeout time.Duration

	connectedAt time.Time
	lastSeen    atomic.Int64
	closeOnce   sync.Once
}

// NewClient creates a client for an upgraded connection
func NewClient(
	connectionID, tenantID, clientID string,
	conn *websocket.Conn,
	registry *Registry,
	engine *service.SyncEngine,
	m *metrics.Metrics,
	sendBufferSize int,
	pingInterval, inactivityTimeout time.Duration,
	logger *zap.Logger,
) *Client {
	c := &Client{
		ConnectionID:      connectionID,
		TenantID:          tenantID,
		ClientID:          clientID,
		conn:              conn,
		send:              make(chan []byte, sendBufferSize),
		registry:          registry,
		engine:            engine,
		metrics:           m,
		pingInterval:      pingInterval,
		inactivityTimeout: inactivityTimeout,
		connectedAt:       time.Now().UTC(),
		logger:            logger,
	}
	c.touch()
	return c
}

// Start registers the client and runs both pumps
func (c *Client) Start() {
	c.registry.Register(c)
	go c.writePump()
	go c.readPump()
}

// Close terminates the connection. Safe to call from any goroutine and
// more than once; the read pump handles the actual unregistration.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// LastActivity returns the time of the last inbound message or pong
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Info returns the connection's registry view
func (c *Client) Info() *model.TenantConnection {
	state := model.ConnectionConnected
	if time.Since(c.LastActivity()) > c.pingInterval*2 {
		state = model.ConnectionIdle
	}
	return &model.TenantConnection{
		TenantID:     c.TenantID,
		ConnectionID: c.ConnectionID,
		ClientID:     c.ClientID,
		State:        state,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.LastActivity(),
	}
}

// Send marshals and enqueues one message for this connection
func (c *Client) Send(message any) {
	data, err := json.Marshal(message)
	if err != nil {
		c.logger.Error("Failed to marshal outbound message",
			zap.String("connection_id", c.ConnectionID),
			zap.Error(err))
		return
	}
	if !c.enqueue(data) {
		c.logger.Warn("Send buffer full, dropping connection",
			zap.String("connection_id", c.ConnectionID))
		c.Close()
		return
	}
	c.recordOutbound(data)
}

func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// readPump processes inbound messages sequentially. Per-connection
// ordering is guaranteed because this is the only reader.
func (c *Client) readPump() {
	defer func() {
		c.registry.Unregister(c)
		c.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.inactivityTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(c.inactivityTimeout))
		return nil
	})

	session := &service.Session{
		TenantID:     c.TenantID,
		ClientID:     c.ClientID,
		ConnectionID: c.ConnectionID,
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Connection read error",
					zap.String("tenant_id", c.TenantID),
					zap.String("connection_id", c.ConnectionID),
					zap.Error(err))
			}
			return
		}

		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(c.inactivityTimeout))
		c.recordInbound(raw)

		responses := c.engine.HandleMessage(context.Background(), session, raw)
		for _, response := range responses {
			c.Send(response)
		}
	}
}

// writePump serializes outbound writes and keeps the connection alive
// with protocol-level pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) recordInbound(raw []byte) {
	var envelope model.Envelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Type != "" {
		c.metrics.RecordMessageReceived(string(envelope.Type))
	}
}

func (c *Client) recordOutbound(data []byte) {
	var envelope model.Envelope
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Type != "" {
		c.metrics.RecordMessageSent(string(envelope.Type))
	}
}
