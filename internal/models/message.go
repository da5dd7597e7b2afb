package models

import (
	"time"
)

type MessageType string

const (
	TextMessage  MessageType = "text"
	ImageMessage MessageType = "image"
	PollMessage  MessageType = "poll"
)

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Message is the locally stored message row. ID is the server-authoritative
// identifier once known; rows inserted optimistically carry a client-generated
// ID and Optimistic=true until the outbox send resolves them.
type Message struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	CreatedAt time.Time `gorm:"index;index:idx_group_created" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	GroupID  string `gorm:"type:varchar(64);not null;index:idx_group_created" json:"group_id"`
	SenderID string `gorm:"type:varchar(64);not null;index" json:"sender_id"`

	Content     string      `gorm:"type:text;not null" json:"content"`
	MessageType MessageType `gorm:"type:varchar(20);default:'text'" json:"message_type"`

	// Ghost messages hide the sender identity in the UI.
	IsGhost  bool    `gorm:"default:false" json:"is_ghost"`
	Category *string `gorm:"type:varchar(40)" json:"category,omitempty"`
	ParentID *string `gorm:"type:varchar(64);index" json:"parent_id,omitempty"`
	ImageURL *string `gorm:"type:text" json:"image_url,omitempty"`

	DeliveryStatus DeliveryStatus `gorm:"type:varchar(20);default:'sent';index" json:"delivery_status"`
	Optimistic     bool           `gorm:"default:false" json:"optimistic"`
}

// MessageResponse is the shape handed to the UI layer.
type MessageResponse struct {
	ID             string         `json:"id"`
	GroupID        string         `json:"group_id"`
	SenderID       string         `json:"sender_id"`
	Content        string         `json:"content"`
	MessageType    MessageType    `json:"message_type"`
	IsGhost        bool           `json:"is_ghost"`
	Category       *string        `json:"category,omitempty"`
	ParentID       *string        `json:"parent_id,omitempty"`
	ImageURL       *string        `json:"image_url,omitempty"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	Optimistic     bool           `json:"optimistic"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (m *Message) ToResponse() MessageResponse {
	return MessageResponse{
		ID:             m.ID,
		GroupID:        m.GroupID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		MessageType:    m.MessageType,
		IsGhost:        m.IsGhost,
		Category:       m.Category,
		ParentID:       m.ParentID,
		ImageURL:       m.ImageURL,
		DeliveryStatus: m.DeliveryStatus,
		Optimistic:     m.Optimistic,
		CreatedAt:      m.CreatedAt,
	}
}
