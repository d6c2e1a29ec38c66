package room

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Controller implements the room lifecycle: create, request/approve/deny
// join, join, leave and deletion.
type Controller struct {
	store    *Store
	presence Presence
	archive  Archive
	log      *zap.Logger
}

// NewController wires a lifecycle controller. archive and log may be nil.
func NewController(store *Store, presence Presence, archive Archive, log *zap.Logger) *Controller {
	if archive == nil {
		archive = nopArchive{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{store: store, presence: presence, archive: archive, log: log}
}

// CreateRoom creates a room owned by owner.
func (c *Controller) CreateRoom(owner string) (RoomCreated, error) {
	if owner == "" {
		return RoomCreated{}, ErrNotRegistered
	}

	e := c.store.create(owner)
	c.archive.Record(ArchiveOp{Kind: OpRoomCreated, RoomID: e.room.ID, Room: e.room.clone()})
	out := RoomCreated{RoomID: e.room.ID, RoomCode: e.room.Code}
	e.mu.Unlock()

	c.log.Info("room created", zap.String("room_id", out.RoomID), zap.String("owner", owner))
	return out, nil
}

// NormalizeCode upper-cases and trims a user supplied room code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// RequestJoin asks the owner of the room with roomCode to admit requester.
// A requester with a pending request gets that request back instead of a new
// one; the owner is only told again if they reconnected since.
func (c *Controller) RequestJoin(requester, roomCode string) (*JoinRequest, []Notification, error) {
	e, ok := c.store.byCode(NormalizeCode(roomCode))
	if !ok {
		return nil, nil, ErrRoomNotFound
	}

	var (
		out   JoinRequest
		notes []Notification
		isNew bool
	)
	err := c.store.locked(e, func(e *entry) error {
		owner := e.room.Owner
		if e.room.HasMember(requester) {
			return ErrAlreadyMember
		}
		ownerConn, online := c.presence.ConnID(owner)
		if !online {
			return ErrOwnerOffline
		}

		req, exists := e.requests[e.pending[requester]]
		if !exists {
			req = &JoinRequest{
				ID:        uuid.NewString(),
				RoomID:    e.room.ID,
				Requester: requester,
				Status:    StatusPending,
				CreatedAt: c.store.now(),
			}
			e.requests[req.ID] = req
			e.pending[requester] = req.ID
			c.store.indexRequest(req)
			isNew = true
		}

		if req.notifiedConn != ownerConn {
			req.notifiedConn = ownerConn
			key, _ := c.presence.PublicKey(requester)
			notes = append(notes, Notification{
				To:    owner,
				Event: EventJoinRequest,
				Payload: JoinRequestNotice{
					RequestID:         req.ID,
					RoomID:            e.room.ID,
					RequesterUsername: requester,
					PublicKey:         key,
				},
			})
		}
		out = *req
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if isNew {
		c.log.Info("join requested",
			zap.String("room_id", out.RoomID),
			zap.String("request_id", out.ID),
			zap.String("requester", requester))
	}
	return &out, notes, nil
}

// ApproveJoin admits the requester of a pending request.
func (c *Controller) ApproveJoin(owner, requestID string) (*JoinRequest, []Notification, error) {
	return c.resolve(owner, requestID, StatusApproved)
}

// DenyJoin rejects a pending request.
func (c *Controller) DenyJoin(owner, requestID string) (*JoinRequest, []Notification, error) {
	return c.resolve(owner, requestID, StatusDenied)
}

// resolve moves a pending request to a terminal status. Whichever decision
// takes the room lock first wins; the other finds no pending request.
func (c *Controller) resolve(owner, requestID string, status RequestStatus) (*JoinRequest, []Notification, error) {
	e, ok := c.store.byRequestID(requestID)
	if !ok {
		return nil, nil, ErrRequestNotFound
	}

	var (
		out   JoinRequest
		notes []Notification
	)
	err := c.store.locked(e, func(e *entry) error {
		req, ok := e.requests[requestID]
		if !ok || req.Status != StatusPending {
			return ErrRequestNotFound
		}
		if e.room.Owner != owner {
			return ErrNotOwner
		}

		req.Status = status
		delete(e.pending, req.Requester)

		decision := JoinDecision{RequestID: req.ID, RoomCode: e.room.Code}
		if status == StatusDenied {
			notes = append(notes, Notification{To: req.Requester, Event: EventJoinDenied, Payload: decision})
			out = *req
			return nil
		}

		e.room.Members[req.Requester] = struct{}{}
		c.archive.Record(ArchiveOp{Kind: OpMemberAdded, RoomID: e.room.ID, Username: req.Requester})

		decision.RoomID = e.room.ID
		notes = append(notes, Notification{To: req.Requester, Event: EventJoinApproved, Payload: decision})
		for _, m := range e.room.MemberList() {
			if m == req.Requester {
				continue
			}
			notes = append(notes, Notification{
				To:      m,
				Event:   EventMemberJoined,
				Payload: MemberChange{RoomID: e.room.ID, Username: req.Requester},
			})
		}
		out = *req
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			err = ErrRequestNotFound
		}
		return nil, nil, err
	}

	c.log.Info("join request resolved",
		zap.String("room_id", out.RoomID),
		zap.String("request_id", out.ID),
		zap.String("status", string(out.Status)))
	return &out, notes, nil
}

// JoinRoom returns the room as seen by username, who must be a member.
func (c *Controller) JoinRoom(username, roomID string) (RoomData, error) {
	var out RoomData
	err := c.store.withRoom(roomID, func(e *entry) error {
		if !e.room.HasMember(username) {
			return ErrNotMember
		}

		members := e.room.MemberList()
		keys := make(map[string]string, len(members))
		for _, m := range members {
			if k, ok := c.presence.PublicKey(m); ok {
				keys[m] = k
			}
		}

		msgs := make([]EncryptedMessage, 0, len(e.messages))
		for _, m := range e.messages {
			if m.VisibleTo(username) {
				msgs = append(msgs, m.wire())
			}
		}

		out = RoomData{
			RoomID:            e.room.ID,
			RoomCode:          e.room.Code,
			OwnerUsername:     e.room.Owner,
			Members:           members,
			PublicKeys:        keys,
			EncryptedMessages: msgs,
		}
		return nil
	})
	return out, err
}

// LeaveRoom removes username from roomID. When the owner leaves, the room is
// deleted with all of its requests and messages and every other member is
// told it closed.
func (c *Controller) LeaveRoom(username, roomID string) ([]Notification, error) {
	var (
		notes   []Notification
		deleted bool
	)
	err := c.store.withRoom(roomID, func(e *entry) error {
		if !e.room.HasMember(username) {
			return ErrNotMember
		}

		if e.room.Owner == username {
			notes = c.deleteLocked(e, username)
			deleted = true
			return nil
		}

		delete(e.room.Members, username)
		c.archive.Record(ArchiveOp{Kind: OpMemberRemoved, RoomID: e.room.ID, Username: username})
		for _, m := range e.room.MemberList() {
			notes = append(notes, Notification{
				To:      m,
				Event:   EventMemberLeft,
				Payload: MemberChange{RoomID: e.room.ID, Username: username},
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if deleted {
		c.log.Info("room closed by owner", zap.String("room_id", roomID), zap.String("owner", username))
	}
	return notes, nil
}

// DeleteRoom is the administrative deletion of roomID. Every member is told
// it closed.
func (c *Controller) DeleteRoom(roomID string) ([]Notification, error) {
	var notes []Notification
	err := c.store.withRoom(roomID, func(e *entry) error {
		notes = c.deleteLocked(e, "")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("delete room %s: %w", roomID, err)
	}

	c.log.Info("room deleted", zap.String("room_id", roomID))
	return notes, nil
}

// deleteLocked removes e from the store and returns room-closed for every
// member except skip.
func (c *Controller) deleteLocked(e *entry, skip string) []Notification {
	members := e.room.MemberList()
	c.store.remove(e)
	c.archive.Record(ArchiveOp{Kind: OpRoomDeleted, RoomID: e.room.ID})

	notes := make([]Notification, 0, len(members))
	for _, m := range members {
		if m == skip {
			continue
		}
		notes = append(notes, Notification{To: m, Event: EventRoomClosed, Payload: RoomClosed{RoomID: e.room.ID}})
	}
	return notes
}
