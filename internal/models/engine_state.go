package models

import (
	"time"
)

// EngineState is a small key/value row for engine-owned state that must
// survive restarts (unread-count snapshot, sync cursors). Values are
// msgpack-encoded blobs.
type EngineState struct {
	Key       string    `gorm:"primaryKey;type:varchar(64)" json:"key"`
	Value     []byte    `gorm:"type:blob" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
