package storage

import (
	"time"

	"gorm.io/gorm"

	"github.com/Tyrowin/lingochat/internal/chat"
)

// roomRecord is the rooms table row.
type roomRecord struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	Name         string `gorm:"size:100;not null;uniqueIndex"`
	Description  string `gorm:"size:500"`
	IsActive     bool   `gorm:"not null"`
	AdminOnly    bool   `gorm:"not null"`
	LastActivity time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (roomRecord) TableName() string { return "rooms" }

func (r roomRecord) toRoom() chat.Room {
	return chat.Room{
		ID:           r.ID,
		Name:         r.Name,
		Description:  r.Description,
		IsActive:     r.IsActive,
		AdminOnly:    r.AdminOnly,
		LastActivity: r.LastActivity,
		CreatedAt:    r.CreatedAt,
	}
}

// userRecord is the users table row. The primary key is the external
// identity issued by the auth provider.
type userRecord struct {
	ID                string `gorm:"primaryKey;size:128"`
	Name              string `gorm:"size:100"`
	ProfileImageURL   string `gorm:"size:500"`
	IsAdmin           bool   `gorm:"not null"`
	PreferredLanguage string `gorm:"size:8"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (userRecord) TableName() string { return "users" }

func (u userRecord) toUser() chat.User {
	return chat.User{
		ID:                u.ID,
		Name:              u.Name,
		ProfileImageURL:   u.ProfileImageURL,
		IsAdmin:           u.IsAdmin,
		PreferredLanguage: u.PreferredLanguage,
	}
}

// messageRecord is the messages table row. Deleted messages keep their row
// with DeletedAt set and drop out of every default-scoped query.
type messageRecord struct {
	ID                    int64  `gorm:"primaryKey;autoIncrement"`
	RoomID                int64  `gorm:"not null;index"`
	SenderID              string `gorm:"size:128;not null;index"`
	SenderName            string `gorm:"size:100"`
	SenderProfileImageURL string `gorm:"size:500"`
	OriginalText          string `gorm:"type:text;not null"`
	OriginalLanguage      string `gorm:"size:8"`
	ReplyToID             *int64
	ReplyToText           string   `gorm:"type:text"`
	ReplyToSenderName     string   `gorm:"size:100"`
	Mentions              []string `gorm:"serializer:json"`
	CreatedAt             time.Time
	DeletedAt             gorm.DeletedAt `gorm:"index"`
}

func (messageRecord) TableName() string { return "messages" }

func newMessageRecord(m chat.Message) messageRecord {
	return messageRecord{
		RoomID:                m.RoomID,
		SenderID:              m.SenderID,
		SenderName:            m.SenderName,
		SenderProfileImageURL: m.SenderProfileImageURL,
		OriginalText:          m.OriginalText,
		OriginalLanguage:      m.OriginalLanguage,
		ReplyToID:             m.ReplyToID,
		ReplyToText:           m.ReplyToText,
		ReplyToSenderName:     m.ReplyToSenderName,
		Mentions:              m.Mentions,
		CreatedAt:             m.Timestamp,
	}
}

func (r messageRecord) toMessage() chat.Message {
	return chat.Message{
		ID:                    r.ID,
		RoomID:                r.RoomID,
		SenderID:              r.SenderID,
		SenderName:            r.SenderName,
		SenderProfileImageURL: r.SenderProfileImageURL,
		OriginalText:          r.OriginalText,
		OriginalLanguage:      r.OriginalLanguage,
		ReplyToID:             r.ReplyToID,
		ReplyToText:           r.ReplyToText,
		ReplyToSenderName:     r.ReplyToSenderName,
		Mentions:              r.Mentions,
		Timestamp:             r.CreatedAt,
	}
}
