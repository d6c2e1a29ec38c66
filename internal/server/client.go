package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/cipherroom/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// Client is one WebSocket connection. It carries the per-connection context
// handed to every event handler: its id, the verified identity and the
// username it registered.
type Client struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	gateway  *Gateway
	addr     string
	identity auth.Identity
	// username is set by register and only touched by the read pump.
	username string

	maxMessageSize int64
	flood          *rate.Limiter
	rateLimit      RateLimitConfig
	log            *zap.Logger

	closeOnce   sync.Once
	done        chan struct{}
	closeCode   int
	closeReason string
}

// NewClient creates a Client for an upgraded connection. conn may be nil in
// tests that never start the pumps.
func NewClient(conn *websocket.Conn, hub *Hub, gateway *Gateway, identity auth.Identity, addr string, cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.NewString()
	perSecond := float64(cfg.RateLimit.Burst) / cfg.RateLimit.RefillInterval.Seconds()

	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		gateway:        gateway,
		addr:           addr,
		identity:       identity,
		maxMessageSize: cfg.MaxMessageSize,
		flood:          rate.NewLimiter(rate.Limit(perSecond), cfg.RateLimit.Burst),
		rateLimit:      cfg.RateLimit,
		log:            log.With(zap.String("conn_id", id), zap.String("remote_addr", addr)),
		done:           make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Send queues an event for the write pump. A client whose buffer is full is
// disconnected.
func (c *Client) Send(event string, payload any) bool {
	frame, err := json.Marshal(outbound{Event: event, Data: payload})
	if err != nil {
		c.log.Error("failed to encode outbound event", zap.String("event", event), zap.Error(err))
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn("send buffer full, dropping connection", zap.String("event", event))
		c.closeWith(websocket.ClosePolicyViolation, "send buffer full")
		return false
	}
}

// Close asks the write pump to close the connection with reason. It is safe
// to call more than once and from any goroutine.
func (c *Client) Close(reason string) {
	c.closeWith(websocket.ClosePolicyViolation, reason)
}

func (c *Client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug("error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// logReadError records why the read loop ended.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("frame exceeded maximum size", zap.Int64("max_message_size", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Info("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info("client connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("unexpected websocket close", zap.Error(err))
	default:
		c.log.Warn("websocket read error", zap.Error(err))
	}
}

// checkRateLimit reports whether the frame should be processed.
func (c *Client) checkRateLimit() bool {
	if c.flood.Allow() {
		return true
	}
	c.log.Warn("frame rate exceeded, discarding frame",
		zap.Int("burst", c.rateLimit.Burst),
		zap.Duration("refill_interval", c.rateLimit.RefillInterval))
	return false
}

// readPump processes frames in arrival order until the connection ends.
// Disconnect is the only cancellation signal: it releases the session binding.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.gateway.Disconnect(c)
		c.hub.Unregister(c)
		c.closeWith(websocket.CloseNormalClosure, "")
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("error closing connection in readPump", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !c.checkRateLimit() {
			c.gateway.rejectFlood(c)
			continue
		}
		c.gateway.Handle(ctx, c, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame := <-c.send:
		return c.writeTextMessage(frame)
	case <-ticker.C:
		return c.handlePing()
	case <-c.done:
		c.flushQueued()
		c.writeCloseMessage()
		return false
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("error closing connection in writePump", zap.Error(err))
	}
}

// flushQueued writes frames queued before the connection was closed.
func (c *Client) flushQueued() {
	for {
		select {
		case frame := <-c.send:
			if !c.writeTextMessage(frame) {
				return
			}
		default:
			return
		}
	}
}

// writeCloseMessage sends a close frame carrying the close reason.
func (c *Client) writeCloseMessage() {
	msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Debug("error writing close message", zap.Error(err))
		}
	}
}

// writeTextMessage writes one event per frame.
func (c *Client) writeTextMessage(frame []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("error setting write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("error writing message", zap.Error(err))
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Debug("error writing ping message", zap.Error(err))
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe")
}
