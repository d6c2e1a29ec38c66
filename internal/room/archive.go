package room

import "time"

// OpKind identifies an archived mutation.
type OpKind int

const (
	OpRoomCreated OpKind = iota + 1
	OpRoomDeleted
	OpMemberAdded
	OpMemberRemoved
	OpMessageAppended
	OpMessageUpdated
)

func (k OpKind) String() string {
	switch k {
	case OpRoomCreated:
		return "room_created"
	case OpRoomDeleted:
		return "room_deleted"
	case OpMemberAdded:
		return "member_added"
	case OpMemberRemoved:
		return "member_removed"
	case OpMessageAppended:
		return "message_appended"
	case OpMessageUpdated:
		return "message_updated"
	default:
		return "unknown"
	}
}

// ArchiveOp describes one committed mutation. Room and Message are copies
// owned by the receiver.
type ArchiveOp struct {
	Kind     OpKind
	RoomID   string
	Username string
	Room     *Room
	Message  *Message
}

// Archive receives committed mutations for optional persistence. Record is
// called with the room lock held and must not block.
type Archive interface {
	Record(op ArchiveOp)
}

type nopArchive struct{}

func (nopArchive) Record(ArchiveOp) {}

// RoomState is a persisted room used to rebuild the store at startup.
type RoomState struct {
	ID        string
	Code      string
	Owner     string
	Members   []string
	CreatedAt time.Time
	Messages  []*Message
}

func (r *Room) clone() *Room {
	c := *r
	c.Members = cloneSet(r.Members)
	return &c
}
