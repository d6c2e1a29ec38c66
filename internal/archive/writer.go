package archive

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Tyrowin/cipherroom/internal/room"
)

// DefaultBuffer is the number of pending operations a Writer queues before it
// starts dropping.
const DefaultBuffer = 1024

// Open opens the sqlite database at path and migrates the archive schema.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the archive tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&RoomRecord{}, &MemberRecord{}, &MessageRecord{}); err != nil {
		return fmt.Errorf("migrate archive: %w", err)
	}
	return nil
}

// Writer applies room mutations to the database in the order they were
// recorded. Record never blocks; a single Run goroutine does the I/O.
type Writer struct {
	db  *gorm.DB
	ops chan room.ArchiveOp
	log *zap.Logger
	seq int64
}

// NewWriter creates a writer over a migrated database. buffer <= 0 uses
// DefaultBuffer.
func NewWriter(db *gorm.DB, buffer int, log *zap.Logger) (*Writer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	var last int64
	if err := db.Model(&MessageRecord{}).Select("COALESCE(MAX(seq), 0)").Scan(&last).Error; err != nil {
		return nil, fmt.Errorf("read message sequence: %w", err)
	}
	return &Writer{
		db:  db,
		ops: make(chan room.ArchiveOp, buffer),
		log: log,
		seq: last,
	}, nil
}

// Record queues op. When the queue is full the operation is dropped.
func (w *Writer) Record(op room.ArchiveOp) {
	select {
	case w.ops <- op:
	default:
		w.log.Warn("archive queue full, dropping operation",
			zap.Stringer("op", op.Kind),
			zap.String("room_id", op.RoomID))
	}
}

// Run applies queued operations until ctx is done, then drains whatever is
// still queued.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case op := <-w.ops:
			w.applyLogged(op)
		case <-ctx.Done():
			for {
				select {
				case op := <-w.ops:
					w.applyLogged(op)
				default:
					return nil
				}
			}
		}
	}
}

func (w *Writer) applyLogged(op room.ArchiveOp) {
	if err := w.apply(op); err != nil {
		w.log.Error("archive write failed",
			zap.Stringer("op", op.Kind),
			zap.String("room_id", op.RoomID),
			zap.Error(err))
	}
}

func (w *Writer) apply(op room.ArchiveOp) error {
	switch op.Kind {
	case room.OpRoomCreated:
		if op.Room == nil {
			return errors.New("room_created without room")
		}
		return w.db.Transaction(func(tx *gorm.DB) error {
			rec := RoomRecord{ID: op.Room.ID, Code: op.Room.Code, Owner: op.Room.Owner, CreatedAt: op.Room.CreatedAt}
			if err := tx.Create(&rec).Error; err != nil {
				return fmt.Errorf("insert room: %w", err)
			}
			for _, m := range op.Room.MemberList() {
				if err := tx.Create(&MemberRecord{RoomID: op.Room.ID, Username: m}).Error; err != nil {
					return fmt.Errorf("insert member: %w", err)
				}
			}
			return nil
		})

	case room.OpRoomDeleted:
		return w.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("room_id = ?", op.RoomID).Delete(&MessageRecord{}).Error; err != nil {
				return fmt.Errorf("delete messages: %w", err)
			}
			if err := tx.Where("room_id = ?", op.RoomID).Delete(&MemberRecord{}).Error; err != nil {
				return fmt.Errorf("delete members: %w", err)
			}
			if err := tx.Delete(&RoomRecord{}, "id = ?", op.RoomID).Error; err != nil {
				return fmt.Errorf("delete room: %w", err)
			}
			return nil
		})

	case room.OpMemberAdded:
		rec := MemberRecord{RoomID: op.RoomID, Username: op.Username}
		return w.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error

	case room.OpMemberRemoved:
		return w.db.Delete(&MemberRecord{}, "room_id = ? AND username = ?", op.RoomID, op.Username).Error

	case room.OpMessageAppended:
		if op.Message == nil {
			return errors.New("message_appended without message")
		}
		w.seq++
		rec := messageRecord(op.Message)
		rec.Seq = w.seq
		return w.db.Create(&rec).Error

	case room.OpMessageUpdated:
		if op.Message == nil {
			return errors.New("message_updated without message")
		}
		rec := messageRecord(op.Message)
		return w.db.Model(&MessageRecord{}).Where("id = ?", rec.ID).
			Select("DeletedForEveryone", "DeletedFor", "DeliveredTo", "ReadBy").
			Updates(&rec).Error

	default:
		return fmt.Errorf("unknown archive operation %d", op.Kind)
	}
}

func messageRecord(m *room.Message) MessageRecord {
	return MessageRecord{
		ID:                 m.ID,
		RoomID:             m.RoomID,
		Sender:             m.Sender,
		EncryptedData:      m.EncryptedData,
		IV:                 m.IV,
		Timestamp:          m.Timestamp,
		DeletedForEveryone: m.DeletedForEveryone,
		DeletedFor:         room.SetKeys(m.DeletedFor),
		DeliveredTo:        room.SetKeys(m.DeliveredTo),
		ReadBy:             room.SetKeys(m.ReadBy),
	}
}

// Load reads every archived room with its members and messages.
func (w *Writer) Load(ctx context.Context) ([]room.RoomState, error) {
	db := w.db.WithContext(ctx)

	var rooms []RoomRecord
	if err := db.Order("created_at").Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("load rooms: %w", err)
	}
	var members []MemberRecord
	if err := db.Order("username").Find(&members).Error; err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}
	var messages []MessageRecord
	if err := db.Order("seq").Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	states := make([]room.RoomState, 0, len(rooms))
	index := make(map[string]int, len(rooms))
	for i, r := range rooms {
		index[r.ID] = i
		states = append(states, room.RoomState{ID: r.ID, Code: r.Code, Owner: r.Owner, CreatedAt: r.CreatedAt})
	}
	for _, m := range members {
		if i, ok := index[m.RoomID]; ok {
			states[i].Members = append(states[i].Members, m.Username)
		}
	}
	for _, m := range messages {
		i, ok := index[m.RoomID]
		if !ok {
			continue
		}
		states[i].Messages = append(states[i].Messages, &room.Message{
			ID:                 m.ID,
			RoomID:             m.RoomID,
			Sender:             m.Sender,
			EncryptedData:      m.EncryptedData,
			IV:                 m.IV,
			Timestamp:          m.Timestamp,
			DeletedForEveryone: m.DeletedForEveryone,
			DeletedFor:         toSet(m.DeletedFor),
			DeliveredTo:        toSet(m.DeliveredTo),
			ReadBy:             toSet(m.ReadBy),
		})
	}
	return states, nil
}

func toSet(keys []string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}
