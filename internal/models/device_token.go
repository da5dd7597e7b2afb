package models

import (
	"time"
)

// DeviceToken is a push registration row. The notification-registration
// layer owns the writes; the sync engine only reads active tokens when
// addressing a fan-out after a successful send.
type DeviceToken struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID     string     `gorm:"type:varchar(64);not null;index" json:"user_id"`
	Platform   string     `gorm:"type:varchar(20);not null" json:"platform"` // android|ios
	Token      string     `gorm:"type:text;uniqueIndex;not null" json:"token"`
	Active     bool       `gorm:"default:true;index" json:"active"`
	LastSeenAt *time.Time `json:"last_seen_at"`
}
