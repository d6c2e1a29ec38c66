package room

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	nanoid "github.com/jaevor/go-nanoid"
)

// CodeAlphabet is the character set of room codes.
const CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// CodeLength is the length of a room code.
const CodeLength = 6

// entry is one room and everything that belongs to it. mu serializes every
// operation on the room; deleted is terminal.
type entry struct {
	mu       sync.Mutex
	deleted  bool
	room     *Room
	requests map[string]*JoinRequest
	pending  map[string]string // requester -> request id
	messages []*Message
	byID     map[string]*Message
}

// Store is the table of active rooms and the indexes that locate a room from
// a code, request id or message id.
//
// Lock order is entry.mu then Store.mu. Store.mu is never held while taking
// the lock of a published entry.
type Store struct {
	mu       sync.RWMutex
	rooms    map[string]*entry
	codes    map[string]string
	requests map[string]string
	messages map[string]string

	newCode func() string
	now     func() time.Time
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithCodeGenerator replaces the random room code source.
func WithCodeGenerator(gen func() string) StoreOption {
	return func(s *Store) {
		s.newCode = gen
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) (*Store, error) {
	s := &Store{
		rooms:    make(map[string]*entry),
		codes:    make(map[string]string),
		requests: make(map[string]string),
		messages: make(map[string]string),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.newCode == nil {
		gen, err := nanoid.CustomASCII(CodeAlphabet, CodeLength)
		if err != nil {
			return nil, fmt.Errorf("room code generator: %w", err)
		}
		s.newCode = gen
	}
	return s, nil
}

// create allocates a room owned by owner with a code unique among active
// rooms. The entry is returned locked so the caller observes it before any
// other operation can.
func (s *Store) create(owner string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := s.newCode()
	for {
		if _, taken := s.codes[code]; !taken {
			break
		}
		code = s.newCode()
	}

	e := &entry{
		room: &Room{
			ID:        uuid.NewString(),
			Code:      code,
			Owner:     owner,
			Members:   map[string]struct{}{owner: {}},
			CreatedAt: s.now(),
		},
		requests: make(map[string]*JoinRequest),
		pending:  make(map[string]string),
		byID:     make(map[string]*Message),
	}
	e.mu.Lock()
	s.rooms[e.room.ID] = e
	s.codes[code] = e.room.ID
	return e
}

// Restore installs previously archived rooms. Rooms whose id or code is
// already active are skipped.
func (s *Store) Restore(states []RoomState) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, st := range states {
		if _, ok := s.rooms[st.ID]; ok {
			continue
		}
		if _, ok := s.codes[st.Code]; ok {
			continue
		}
		members := map[string]struct{}{st.Owner: {}}
		for _, m := range st.Members {
			members[m] = struct{}{}
		}
		e := &entry{
			room: &Room{
				ID:        st.ID,
				Code:      st.Code,
				Owner:     st.Owner,
				Members:   members,
				CreatedAt: st.CreatedAt,
			},
			requests: make(map[string]*JoinRequest),
			pending:  make(map[string]string),
			byID:     make(map[string]*Message),
		}
		for _, m := range st.Messages {
			msg := m.clone()
			msg.RoomID = st.ID
			e.messages = append(e.messages, msg)
			e.byID[msg.ID] = msg
			s.messages[msg.ID] = st.ID
		}
		s.rooms[st.ID] = e
		s.codes[st.Code] = st.ID
		restored++
	}
	return restored
}

func (s *Store) byRoomID(roomID string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.rooms[roomID]
	return e, ok
}

func (s *Store) byCode(code string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.codes[code]
	if !ok {
		return nil, false
	}
	e, ok := s.rooms[id]
	return e, ok
}

func (s *Store) byRequestID(requestID string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.requests[requestID]
	if !ok {
		return nil, false
	}
	e, ok := s.rooms[id]
	return e, ok
}

func (s *Store) byMessageID(messageID string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.messages[messageID]
	if !ok {
		return nil, false
	}
	e, ok := s.rooms[id]
	return e, ok
}

// locked runs fn with the entry lock held, failing with ErrRoomNotFound when
// the room has been deleted.
func (s *Store) locked(e *entry, fn func(e *entry) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return ErrRoomNotFound
	}
	return fn(e)
}

// withRoom locks the room identified by roomID.
func (s *Store) withRoom(roomID string, fn func(e *entry) error) error {
	e, ok := s.byRoomID(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	return s.locked(e, fn)
}

func (s *Store) indexRequest(req *JoinRequest) {
	s.mu.Lock()
	s.requests[req.ID] = req.RoomID
	s.mu.Unlock()
}

func (s *Store) indexMessage(msg *Message) {
	s.mu.Lock()
	s.messages[msg.ID] = msg.RoomID
	s.mu.Unlock()
}

// remove deletes a room with its requests and messages. The caller holds
// e.mu, so once deleted is set no operation can observe the room again.
func (s *Store) remove(e *entry) {
	e.deleted = true

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, e.room.ID)
	if s.codes[e.room.Code] == e.room.ID {
		delete(s.codes, e.room.Code)
	}
	for id := range e.requests {
		delete(s.requests, id)
	}
	for _, m := range e.messages {
		delete(s.messages, m.ID)
	}
	e.requests = nil
	e.pending = nil
	e.messages = nil
	e.byID = nil
}

// Len returns the number of active rooms.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// Codes returns the codes of every active room.
func (s *Store) Codes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.codes))
	for c := range s.codes {
		out = append(out, c)
	}
	return out
}

// Messages returns copies of every message ever appended to roomID that has
// not been physically removed, in insertion order.
func (s *Store) Messages(roomID string) ([]*Message, error) {
	var out []*Message
	err := s.withRoom(roomID, func(e *entry) error {
		out = make([]*Message, 0, len(e.messages))
		for _, m := range e.messages {
			out = append(out, m.clone())
		}
		return nil
	})
	return out, err
}

// Room returns a copy of roomID.
func (s *Store) Room(roomID string) (*Room, error) {
	var out *Room
	err := s.withRoom(roomID, func(e *entry) error {
		out = e.room.clone()
		return nil
	})
	return out, err
}
