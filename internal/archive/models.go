// Package archive persists room mutations to a SQL database behind the room
// store. It is optional: the server runs entirely in memory without it.
package archive

import "time"

// RoomRecord is an active room.
type RoomRecord struct {
	ID        string    `gorm:"primarykey;size:36"`
	Code      string    `gorm:"size:6;uniqueIndex;not null"`
	Owner     string    `gorm:"size:100;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// TableName returns the table name for RoomRecord.
func (RoomRecord) TableName() string {
	return "rooms"
}

// MemberRecord is one member of a room.
type MemberRecord struct {
	RoomID   string `gorm:"primarykey;size:36"`
	Username string `gorm:"primarykey;size:100"`
}

// TableName returns the table name for MemberRecord.
func (MemberRecord) TableName() string {
	return "room_members"
}

// MessageRecord is an encrypted message. The server never sees plaintext.
type MessageRecord struct {
	ID                 string    `gorm:"primarykey;size:36"`
	RoomID             string    `gorm:"size:36;index;not null"`
	Seq                int64     `gorm:"index;not null"`
	Sender             string    `gorm:"size:100;not null"`
	EncryptedData      string    `gorm:"not null"`
	IV                 string    `gorm:"not null"`
	Timestamp          time.Time `gorm:"not null"`
	DeletedForEveryone bool      `gorm:"not null;default:false"`
	DeletedFor         []string  `gorm:"serializer:json"`
	DeliveredTo        []string  `gorm:"serializer:json"`
	ReadBy             []string  `gorm:"serializer:json"`
}

// TableName returns the table name for MessageRecord.
func (MessageRecord) TableName() string {
	return "messages"
}
