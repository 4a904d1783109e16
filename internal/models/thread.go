package models

import "time"

// ConversationThread binds a transport-level sender identifier to an
// assistant-side thread reference. One row per sender; created lazily on
// first contact and never deleted implicitly.
type ConversationThread struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	Identifier    string    `gorm:"size:128;not null;uniqueIndex"` // transport sender id
	ThreadRef     string    `gorm:"size:128;not null"`             // assistant-side thread handle
	Medium        string    `gorm:"size:32;default:chat"`
	Paused        bool      `gorm:"default:false"`
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Turns []Turn `gorm:"foreignKey:ThreadID;constraint:OnDelete:CASCADE"`
}

// Turn is one immutable unit of conversation content, authored by either
// the user or the assistant. Append-only; ordered by CreatedAt.
type Turn struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	ThreadID  uint   `gorm:"not null;index"`
	Role      string `gorm:"size:16;not null"` // "user" or "assistant"
	Content   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

// AuthorizedSender is an allowlist entry. Only senders on the list get
// replies from the gateway.
type AuthorizedSender struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SenderID  string `gorm:"size:128;not null;uniqueIndex"`
	Note      string `gorm:"size:256"`
	CreatedAt time.Time
}
