package models

import (
	"time"
)

// GroupReadState tracks per-user read progress in a group.
// LastReadAt is monotonic: a write carrying an older timestamp than the
// stored row must never regress it, no matter which side (local view or
// remote reconciliation) produced the write.
type GroupReadState struct {
	GroupID           string    `gorm:"primaryKey;type:varchar(64)" json:"group_id"`
	UserID            string    `gorm:"primaryKey;type:varchar(64)" json:"user_id"`
	LastReadAt        time.Time `gorm:"not null" json:"last_read_at"`
	LastReadMessageID string    `gorm:"type:varchar(64);not null;default:''" json:"last_read_message_id"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
