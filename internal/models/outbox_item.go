package models

import (
	"time"
)

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSending OutboxStatus = "sending"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxItem is a durably queued send. LocalID doubles as the optimistic
// message id and as the idempotency key for the remote write, so re-sending
// a partially acknowledged item is safe.
//
// Items are deleted on confirmed server acknowledgement. Items that exhaust
// their attempts are marked failed and kept so the UI can offer a retry.
type OutboxItem struct {
	LocalID   string    `gorm:"primaryKey;type:varchar(64)" json:"local_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	GroupID  string `gorm:"type:varchar(64);not null;index" json:"group_id"`
	SenderID string `gorm:"type:varchar(64);not null" json:"sender_id"`

	Content     string      `gorm:"type:text;not null" json:"content"`
	MessageType MessageType `gorm:"type:varchar(20);default:'text'" json:"message_type"`
	IsGhost     bool        `gorm:"default:false" json:"is_ghost"`
	Category    *string     `gorm:"type:varchar(40)" json:"category,omitempty"`
	ParentID    *string     `gorm:"type:varchar(64)" json:"parent_id,omitempty"`
	ImageURL    *string     `gorm:"type:text" json:"image_url,omitempty"`

	Status      OutboxStatus `gorm:"type:varchar(20);default:'pending';index" json:"status"`
	Attempts    int          `gorm:"default:0" json:"attempts"`
	LastAttempt *time.Time   `json:"last_attempt"`
	NextRetry   *time.Time   `gorm:"index" json:"next_retry"` // exponential backoff
}
