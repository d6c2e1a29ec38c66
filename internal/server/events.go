package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Tyrowin/cipherroom/internal/room"
)

// Inbound socket events.
const (
	EventRegister              = "register"
	EventCreateRoom            = "create-room"
	EventRequestJoin           = "request-join"
	EventApproveJoin           = "approve-join"
	EventDenyJoin              = "deny-join"
	EventJoinRoom              = "join-room"
	EventLeaveRoom             = "leave-room"
	EventSendMessage           = "send-encrypted-message"
	EventMessageDelivered      = "message-delivered"
	EventMessageRead           = "message-read"
	EventDeleteMessageEveryone = "delete-message-everyone"
	EventDeleteMessageMe       = "delete-message-me"
	EventScreenshotDetected    = "screenshot-detected"
	EventRequestUploadToken    = "request-upload-token"
)

// Outbound events owned by the gateway. Room events are declared in the room
// package.
const (
	EventRegistered = "registered"
	EventError      = "error"
)

// Envelope is one JSON object per text frame, in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// ErrorPayload is the data of an error event.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Event   string `json:"event,omitempty"`
}

type registerPayload struct {
	Username  string `json:"username"`
	PublicKey string `json:"publicKey"`
}

type roomCodePayload struct {
	RoomCode string `json:"roomCode"`
}

type requestIDPayload struct {
	RequestID string `json:"requestId"`
}

type roomIDPayload struct {
	RoomID string `json:"roomId"`
}

type sendMessagePayload struct {
	RoomID        string `json:"roomId"`
	EncryptedData string `json:"encryptedData"`
	IV            string `json:"iv"`
	// SenderUsername is accepted for compatibility and ignored; the sender
	// is always the connection's registered identity.
	SenderUsername string `json:"senderUsername,omitempty"`
}

type messageIDPayload struct {
	MessageID string `json:"messageId"`
}

type deleteMessagePayload struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

// requireFields fails with ErrInvalidPayload naming the first empty field.
// pairs alternates field name and value.
func requireFields(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("%w: %s is required", room.ErrInvalidPayload, pairs[i])
		}
	}
	return nil
}
