package room

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	nanoid "github.com/jaevor/go-nanoid"
	"go.uber.org/zap"
)

const uploadTokenLength = 64

// DefaultUploadTokenTTL bounds how long an issued upload token stays
// redeemable.
const DefaultUploadTokenTTL = 5 * time.Minute

type uploadGrant struct {
	username  string
	expiresAt time.Time
}

// Relay appends, acknowledges and hides encrypted messages and issues upload
// tokens.
type Relay struct {
	store    *Store
	presence Presence
	archive  Archive
	log      *zap.Logger

	tokenTTL time.Duration
	newToken func() string
	tokensMu sync.Mutex
	tokens   map[string]uploadGrant
}

// NewRelay wires a message relay. archive and log may be nil; a zero ttl
// uses DefaultUploadTokenTTL.
func NewRelay(store *Store, presence Presence, archive Archive, ttl time.Duration, log *zap.Logger) (*Relay, error) {
	if archive == nil {
		archive = nopArchive{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultUploadTokenTTL
	}
	gen, err := nanoid.CustomASCII("0123456789abcdef", uploadTokenLength)
	if err != nil {
		return nil, fmt.Errorf("upload token generator: %w", err)
	}
	return &Relay{
		store:    store,
		presence: presence,
		archive:  archive,
		log:      log,
		tokenTTL: ttl,
		newToken: gen,
		tokens:   make(map[string]uploadGrant),
	}, nil
}

// SendMessage appends a message from sender and relays it to every other
// member. The sender gets message-sent carrying the assigned id.
func (r *Relay) SendMessage(sender, roomID, encryptedData, iv string) (EncryptedMessage, []Notification, error) {
	if encryptedData == "" || iv == "" {
		return EncryptedMessage{}, nil, fmt.Errorf("%w: encryptedData and iv are required", ErrInvalidPayload)
	}

	var (
		out   EncryptedMessage
		notes []Notification
	)
	err := r.store.withRoom(roomID, func(e *entry) error {
		if !e.room.HasMember(sender) {
			return ErrNotMember
		}

		msg := &Message{
			ID:            uuid.NewString(),
			RoomID:        e.room.ID,
			Sender:        sender,
			EncryptedData: encryptedData,
			IV:            iv,
			Timestamp:     r.store.now(),
			DeletedFor:    make(map[string]struct{}),
			DeliveredTo:   make(map[string]struct{}),
			ReadBy:        make(map[string]struct{}),
		}
		e.messages = append(e.messages, msg)
		e.byID[msg.ID] = msg
		r.store.indexMessage(msg)
		r.archive.Record(ArchiveOp{Kind: OpMessageAppended, RoomID: e.room.ID, Message: msg.clone()})

		out = msg.wire()
		for _, m := range e.room.MemberList() {
			if m == sender {
				continue
			}
			notes = append(notes, Notification{To: m, Event: EventNewMessage, Payload: out})
		}
		notes = append(notes, Notification{To: sender, Event: EventMessageSent, Payload: out})
		return nil
	})
	return out, notes, err
}

// AcknowledgeDelivered records that username received messageID.
func (r *Relay) AcknowledgeDelivered(username, messageID string) []Notification {
	return r.acknowledge(username, messageID, "delivered")
}

// AcknowledgeRead records that username read messageID.
func (r *Relay) AcknowledgeRead(username, messageID string) []Notification {
	return r.acknowledge(username, messageID, "read")
}

// acknowledge never fails: unknown, deleted or foreign messages are ignored
// because acks routinely race with deletion and disconnects.
func (r *Relay) acknowledge(username, messageID, status string) []Notification {
	e, ok := r.store.byMessageID(messageID)
	if !ok {
		return nil
	}

	var notes []Notification
	_ = r.store.locked(e, func(e *entry) error {
		msg, ok := e.byID[messageID]
		if !ok || msg.DeletedForEveryone || !e.room.HasMember(username) || msg.Sender == username {
			return nil
		}

		set := msg.DeliveredTo
		if status == "read" {
			set = msg.ReadBy
			msg.DeliveredTo[username] = struct{}{}
		}
		if _, seen := set[username]; seen {
			return nil
		}
		set[username] = struct{}{}
		r.archive.Record(ArchiveOp{Kind: OpMessageUpdated, RoomID: e.room.ID, Message: msg.clone()})

		notes = append(notes, Notification{
			To:    msg.Sender,
			Event: EventMessageStatus,
			Payload: MessageStatus{
				MessageID: msg.ID,
				RoomID:    e.room.ID,
				Status:    status,
				Username:  username,
			},
		})
		return nil
	})
	return notes
}

// DeleteForEveryone hides a message from every member. Any member may do it.
// A message that is already hidden for everyone is reported as not found.
func (r *Relay) DeleteForEveryone(username, roomID, messageID string) ([]Notification, error) {
	var notes []Notification
	err := r.store.withRoom(roomID, func(e *entry) error {
		if !e.room.HasMember(username) {
			return ErrNotMember
		}
		msg, ok := e.byID[messageID]
		if !ok || msg.DeletedForEveryone {
			return ErrMessageNotFound
		}

		msg.DeletedForEveryone = true
		r.archive.Record(ArchiveOp{Kind: OpMessageUpdated, RoomID: e.room.ID, Message: msg.clone()})

		payload := MessageDeleted{MessageID: messageID, RoomID: e.room.ID, Mode: ModeEveryone}
		for _, m := range e.room.MemberList() {
			notes = append(notes, Notification{To: m, Event: EventMessageDeleted, Payload: payload})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("message deleted for everyone",
		zap.String("room_id", roomID),
		zap.String("message_id", messageID),
		zap.String("by", username))
	return notes, nil
}

// DeleteForMe hides a message from username only. Nobody else is notified.
func (r *Relay) DeleteForMe(username, roomID, messageID string) ([]Notification, error) {
	var notes []Notification
	err := r.store.withRoom(roomID, func(e *entry) error {
		if !e.room.HasMember(username) {
			return ErrNotMember
		}
		msg, ok := e.byID[messageID]
		if !ok || msg.DeletedForEveryone {
			return ErrMessageNotFound
		}

		if _, hidden := msg.DeletedFor[username]; !hidden {
			msg.DeletedFor[username] = struct{}{}
			r.archive.Record(ArchiveOp{Kind: OpMessageUpdated, RoomID: e.room.ID, Message: msg.clone()})
		}
		notes = append(notes, Notification{
			To:      username,
			Event:   EventMessageDeleted,
			Payload: MessageDeleted{MessageID: messageID, RoomID: e.room.ID, Mode: ModeMe},
		})
		return nil
	})
	return notes, err
}

// BroadcastScreenshotWarning tells the other members that username captured
// the screen. Callers outside the room are ignored.
func (r *Relay) BroadcastScreenshotWarning(username, roomID string) []Notification {
	var notes []Notification
	_ = r.store.withRoom(roomID, func(e *entry) error {
		if !e.room.HasMember(username) {
			return nil
		}
		payload := ScreenshotWarning{
			RoomID:    e.room.ID,
			Username:  username,
			Timestamp: r.store.now().UnixMilli(),
		}
		for _, m := range e.room.MemberList() {
			if m == username {
				continue
			}
			notes = append(notes, Notification{To: m, Event: EventScreenshotWarning, Payload: payload})
		}
		return nil
	})
	return notes
}

// IssueUploadToken returns a fresh single-use token for a registered user.
func (r *Relay) IssueUploadToken(username string) (UploadToken, error) {
	if username == "" || !r.presence.IsOnline(username) {
		return UploadToken{}, ErrNotRegistered
	}

	now := r.store.now()
	r.tokensMu.Lock()
	defer r.tokensMu.Unlock()

	for tok, g := range r.tokens {
		if !now.Before(g.expiresAt) {
			delete(r.tokens, tok)
		}
	}

	token := r.newToken()
	for {
		if _, taken := r.tokens[token]; !taken {
			break
		}
		token = r.newToken()
	}
	expiresAt := now.Add(r.tokenTTL)
	r.tokens[token] = uploadGrant{username: username, expiresAt: expiresAt}

	return UploadToken{Token: token, ExpiresAt: expiresAt.UnixMilli()}, nil
}

// RedeemUploadToken consumes token and returns the user it was issued to.
func (r *Relay) RedeemUploadToken(token string) (string, bool) {
	r.tokensMu.Lock()
	defer r.tokensMu.Unlock()

	g, ok := r.tokens[token]
	if !ok {
		return "", false
	}
	delete(r.tokens, token)
	if !r.store.now().Before(g.expiresAt) {
		return "", false
	}
	return g.username, true
}
