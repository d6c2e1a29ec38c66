package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/cipherroom/internal/ratelimit"
	"github.com/Tyrowin/cipherroom/internal/room"
	"github.com/Tyrowin/cipherroom/internal/session"
)

type handlerFunc func(c *Client, data json.RawMessage) error

// Gateway translates socket events into registry, lifecycle and relay calls
// and fans the resulting notifications out through the session registry.
type Gateway struct {
	registry   *session.Registry
	controller *room.Controller
	relay      *room.Relay
	limiter    ratelimit.Limiter
	limits     map[string]WindowLimit
	handlers   map[string]handlerFunc
	now        func() time.Time
	log        *zap.Logger
}

// NewGateway wires a gateway. limiter may be nil to disable event quotas.
func NewGateway(registry *session.Registry, controller *room.Controller, relay *room.Relay, limiter ratelimit.Limiter, limits map[string]WindowLimit, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gateway{
		registry:   registry,
		controller: controller,
		relay:      relay,
		limiter:    limiter,
		limits:     limits,
		now:        time.Now,
		log:        log,
	}
	g.handlers = map[string]handlerFunc{
		EventRegister:              g.handleRegister,
		EventCreateRoom:            g.handleCreateRoom,
		EventRequestJoin:           g.handleRequestJoin,
		EventApproveJoin:           g.handleApproveJoin,
		EventDenyJoin:              g.handleDenyJoin,
		EventJoinRoom:              g.handleJoinRoom,
		EventLeaveRoom:             g.handleLeaveRoom,
		EventSendMessage:           g.handleSendMessage,
		EventMessageDelivered:      g.handleMessageDelivered,
		EventMessageRead:           g.handleMessageRead,
		EventDeleteMessageEveryone: g.handleDeleteEveryone,
		EventDeleteMessageMe:       g.handleDeleteMe,
		EventScreenshotDetected:    g.handleScreenshot,
		EventRequestUploadToken:    g.handleUploadToken,
	}
	return g
}

// Handle processes one inbound frame. Failures are reported to c alone as an
// error event; the connection stays usable.
func (g *Gateway) Handle(ctx context.Context, c *Client, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		g.reject(c, "", fmt.Errorf("%w: expected a JSON object with an event name", room.ErrInvalidPayload))
		return
	}

	handler, ok := g.handlers[env.Event]
	if !ok {
		g.reject(c, env.Event, fmt.Errorf("%w: unknown event %q", room.ErrInvalidPayload, env.Event))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			g.log.Error("panic in event handler",
				zap.String("conn_id", c.ID()),
				zap.String("event", env.Event),
				zap.Any("panic", r),
				zap.Stack("stack"))
			g.reject(c, env.Event, fmt.Errorf("panic: %v", r))
		}
	}()

	if env.Event != EventRegister && !g.registered(c) {
		g.reject(c, env.Event, room.ErrNotRegistered)
		return
	}
	if err := g.admit(ctx, env.Event, c.username); err != nil {
		g.reject(c, env.Event, err)
		return
	}
	if err := handler(c, env.Data); err != nil {
		g.reject(c, env.Event, err)
	}
}

// registered reports whether c still holds the binding for its username. An
// evicted connection loses it before it is closed.
func (g *Gateway) registered(c *Client) bool {
	if c.username == "" {
		return false
	}
	id, ok := g.registry.ConnID(c.username)
	return ok && id == c.ID()
}

// admit applies the per-user quota of a rate-gated event.
func (g *Gateway) admit(ctx context.Context, event, username string) error {
	limit, gated := g.limits[event]
	if !gated || g.limiter == nil {
		return nil
	}

	res, err := g.limiter.Check(ctx, event+":"+username, limit.Max, limit.Window)
	if err != nil {
		g.log.Error("rate limiter unavailable, allowing event",
			zap.String("event", event),
			zap.String("username", username),
			zap.Error(err))
		return nil
	}
	if !res.Allowed {
		g.log.Info("event rate limited",
			zap.String("event", event),
			zap.String("username", username))
		return fmt.Errorf("%w: retry in %ds", room.ErrRateLimited, res.RetryAfter(g.now()))
	}
	return nil
}

// rejectFlood reports a frame dropped by the connection's flood guard.
func (g *Gateway) rejectFlood(c *Client) {
	g.reject(c, "", fmt.Errorf("%w: too many frames", room.ErrRateLimited))
}

func (g *Gateway) reject(c *Client, event string, err error) {
	kind := room.KindOf(err)
	msg := err.Error()
	if kind == room.KindInternal {
		g.log.Error("event handler failed",
			zap.String("conn_id", c.ID()),
			zap.String("event", event),
			zap.Error(err))
		msg = "internal server error"
	}
	c.Send(EventError, ErrorPayload{Message: msg, Code: string(kind), Event: event})
}

// deliver sends notifications to whichever recipients are online.
func (g *Gateway) deliver(notes []room.Notification) {
	for _, n := range notes {
		g.registry.Send(n.To, n.Event, n.Payload)
	}
}

// Disconnect releases the session binding held by c, if it is still current.
func (g *Gateway) Disconnect(c *Client) {
	if username, ok := g.registry.Unbind(c.ID()); ok {
		g.log.Info("session released",
			zap.String("conn_id", c.ID()),
			zap.String("username", username))
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", room.ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", room.ErrInvalidPayload, err)
	}
	return nil
}

func (g *Gateway) handleRegister(c *Client, data json.RawMessage) error {
	var p registerPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := requireFields("publicKey", p.PublicKey); err != nil {
		return err
	}
	if p.Username != "" && p.Username != c.identity.Username {
		return room.ErrIdentityMismatch
	}

	c.username = c.identity.Username
	if evicted := g.registry.Bind(c.username, p.PublicKey, c); evicted {
		g.log.Info("replaced previous session", zap.String("username", c.username), zap.String("conn_id", c.ID()))
	}
	return nil
}

func (g *Gateway) handleCreateRoom(c *Client, _ json.RawMessage) error {
	created, err := g.controller.CreateRoom(c.username)
	if err != nil {
		return err
	}
	c.Send(room.EventRoomCreated, created)
	return nil
}

func (g *Gateway) handleRequestJoin(c *Client, data json.RawMessage) error {
	var p roomCodePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := requireFields("roomCode", p.RoomCode); err != nil {
		return err
	}
	_, notes, err := g.controller.RequestJoin(c.username, p.RoomCode)
	if err != nil {
		return err
	}
	g.deliver(notes)
	return nil
}

func (g *Gateway) handleApproveJoin(c *Client, data json.RawMessage) error {
	return g.resolveJoin(c, data, g.controller.ApproveJoin)
}

func (g *Gateway) handleDenyJoin(c *Client, data json.RawMessage) error {
	return g.resolveJoin(c, data, g.controller.DenyJoin)
}

func (g *Gateway) resolveJoin(c *Client, data json.RawMessage, resolve func(owner, requestID string) (*room.JoinRequest, []room.Notification, error)) error {
	var p requestIDPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := requireFields("requestId", p.RequestID); err != nil {
		return err
	}
	_, notes, err := resolve(c.username, p.RequestID)
	if err != nil {
		return err
	}
	g.deliver(notes)
	return nil
}

func (g *Gateway) handleJoinRoom(c *Client, data json.RawMessage) error {
	var p roomIDPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := requireFields("roomId", p.RoomID); err != nil {
		return err
	}
	snapshot, err := g.controller.JoinRoom(c.username, p.RoomID)
	if err != nil {
		return err
	}
	c.Send(room.EventRoomData, snapshot)
	return nil
}

func (g *Gateway) handleLeaveRoom(c *Client, data json.RawMessage) error {
	var p roomIDPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := requireFields("roomId", p.RoomID); err != nil {
		return err
	}
	notes, err := g.controller.LeaveRoom(c.username, p.RoomID)
	if err != nil {
		return err
	}
	g.deliver(notes)
	return nil
}

func (g *Gateway) handleSendMessage(c *Client, data json.RawMessage) error {
	var p sendMessagePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := requireFields("roomId", p.RoomID, "encryptedData", p.EncryptedData, "iv", p.IV); err != nil {
		return err
	}
	_, notes, err := g.relay.SendMessage(c.username, p.RoomID, p.EncryptedData, p.IV)
	if err != nil {
		return err
	}
	g.deliver(notes)
	return nil
}

// Acknowledgements never report errors: they routinely race with deletion.
func (g *Gateway) handleMessageDelivered(c *Client, data json.RawMessage) error {
	var p messageIDPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	g.deliver(g.relay.AcknowledgeDelivered(c.username, p.MessageID))
	return nil
}

func (g *Gateway) handleMessageRead(c *Client, data json.RawMessage) error {
	var p messageIDPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	g.deliver(g.relay.AcknowledgeRead(c.username, p.MessageID))
	return nil
}

func (g *Gateway) handleDeleteEveryone(c *Client, data json.RawMessage) error {
	var p deleteMessagePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := requireFields("roomId", p.RoomID, "messageId", p.MessageID); err != nil {
		return err
	}
	notes, err := g.relay.DeleteForEveryone(c.username, p.RoomID, p.MessageID)
	if err != nil {
		return err
	}
	g.deliver(notes)
	return nil
}

func (g *Gateway) handleDeleteMe(c *Client, data json.RawMessage) error {
	var p deleteMessagePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := requireFields("roomId", p.RoomID, "messageId", p.MessageID); err != nil {
		return err
	}
	notes, err := g.relay.DeleteForMe(c.username, p.RoomID, p.MessageID)
	if err != nil {
		return err
	}
	g.deliver(notes)
	return nil
}

func (g *Gateway) handleScreenshot(c *Client, data json.RawMessage) error {
	var p roomIDPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := requireFields("roomId", p.RoomID); err != nil {
		return err
	}
	g.deliver(g.relay.BroadcastScreenshotWarning(c.username, p.RoomID))
	return nil
}

func (g *Gateway) handleUploadToken(c *Client, _ json.RawMessage) error {
	token, err := g.relay.IssueUploadToken(c.username)
	if err != nil {
		return err
	}
	c.Send(room.EventUploadToken, token)
	return nil
}
