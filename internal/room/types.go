// Package room owns rooms, join requests and encrypted messages, and
// implements the room lifecycle and message relay on top of them.
//
// Each room is guarded by its own mutex. Operations validate and mutate while
// holding it and return the notifications to deliver once it is released, so
// no lock is ever held across network I/O.
package room

import (
	"sort"
	"time"
)

// Outbound event names.
const (
	EventRoomCreated       = "room-created"
	EventJoinRequest       = "join-request"
	EventJoinApproved      = "join-approved"
	EventJoinDenied        = "join-denied"
	EventMemberJoined      = "member-joined"
	EventMemberLeft        = "member-left"
	EventRoomData          = "room-data"
	EventRoomClosed        = "room-closed"
	EventNewMessage        = "new-encrypted-message"
	EventMessageSent       = "message-sent"
	EventMessageStatus     = "message-status"
	EventMessageDeleted    = "message-deleted"
	EventScreenshotWarning = "screenshot-warning"
	EventUploadToken       = "upload-token"
)

// RequestStatus is the state of a join request.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusDenied   RequestStatus = "denied"
)

// Delete modes carried by message-deleted.
const (
	ModeEveryone = "everyone"
	ModeMe       = "me"
)

// Room is a chat room. The owner is always a member.
type Room struct {
	ID        string
	Code      string
	Owner     string
	Members   map[string]struct{}
	CreatedAt time.Time
}

// HasMember reports whether username belongs to the room.
func (r *Room) HasMember(username string) bool {
	_, ok := r.Members[username]
	return ok
}

// MemberList returns the owner followed by the other members in name order.
func (r *Room) MemberList() []string {
	out := make([]string, 0, len(r.Members))
	for m := range r.Members {
		if m != r.Owner {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return append([]string{r.Owner}, out...)
}

// JoinRequest is an ask-to-join awaiting the owner's decision.
type JoinRequest struct {
	ID        string
	RoomID    string
	Requester string
	Status    RequestStatus
	CreatedAt time.Time

	// connection of the owner that was last told about this request
	notifiedConn string
}

// Message is an opaque encrypted payload appended to a room's log.
type Message struct {
	ID                 string
	RoomID             string
	Sender             string
	EncryptedData      string
	IV                 string
	Timestamp          time.Time
	DeletedForEveryone bool
	DeletedFor         map[string]struct{}
	DeliveredTo        map[string]struct{}
	ReadBy             map[string]struct{}
}

// VisibleTo reports whether username may still see the message.
func (m *Message) VisibleTo(username string) bool {
	if m.DeletedForEveryone {
		return false
	}
	_, hidden := m.DeletedFor[username]
	return !hidden
}

func (m *Message) clone() *Message {
	c := *m
	c.DeletedFor = cloneSet(m.DeletedFor)
	c.DeliveredTo = cloneSet(m.DeliveredTo)
	c.ReadBy = cloneSet(m.ReadBy)
	return &c
}

func (m *Message) wire() EncryptedMessage {
	return EncryptedMessage{
		ID:             m.ID,
		RoomID:         m.RoomID,
		EncryptedData:  m.EncryptedData,
		IV:             m.IV,
		SenderUsername: m.Sender,
		Timestamp:      m.Timestamp.UnixMilli(),
	}
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// SetKeys returns the members of a set in sorted order.
func SetKeys(in map[string]struct{}) []string {
	out := make([]string, 0, len(in))
	for k := range in {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Notification is an event to push to one user once state is consistent.
type Notification struct {
	To      string
	Event   string
	Payload any
}

// Presence answers whether a user currently has a live connection.
type Presence interface {
	IsOnline(username string) bool
	PublicKey(username string) (string, bool)
	// ConnID returns the id of username's live connection.
	ConnID(username string) (string, bool)
}

// Wire payloads.

type RoomCreated struct {
	RoomID   string `json:"roomId"`
	RoomCode string `json:"roomCode"`
}

type JoinRequestNotice struct {
	RequestID         string `json:"requestId"`
	RoomID            string `json:"roomId"`
	RequesterUsername string `json:"requesterUsername"`
	PublicKey         string `json:"publicKey,omitempty"`
}

type JoinDecision struct {
	RequestID string `json:"requestId"`
	RoomID    string `json:"roomId,omitempty"`
	RoomCode  string `json:"roomCode"`
}

type MemberChange struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

type RoomClosed struct {
	RoomID string `json:"roomId"`
}

type EncryptedMessage struct {
	ID             string `json:"id"`
	RoomID         string `json:"roomId"`
	EncryptedData  string `json:"encryptedData"`
	IV             string `json:"iv"`
	SenderUsername string `json:"senderUsername"`
	Timestamp      int64  `json:"timestamp"`
}

type RoomData struct {
	RoomID            string             `json:"roomId"`
	RoomCode          string             `json:"roomCode"`
	OwnerUsername     string             `json:"ownerUsername"`
	Members           []string           `json:"members"`
	PublicKeys        map[string]string  `json:"publicKeys"`
	EncryptedMessages []EncryptedMessage `json:"encryptedMessages"`
}

type MessageDeleted struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	Mode      string `json:"mode"`
}

type MessageStatus struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	Status    string `json:"status"`
	Username  string `json:"username"`
}

type ScreenshotWarning struct {
	RoomID    string `json:"roomId"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

type UploadToken struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}
