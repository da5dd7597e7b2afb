package repository

import (
	"time"

	"github.com/jsmcorp/bouge-sync/internal/models"
)

// MessageRepositoryInterface defines the contract for local message storage.
type MessageRepositoryInterface interface {
	Upsert(message *models.Message) error
	InsertOptimistic(message *models.Message) error
	ResolveOptimistic(localID string, server *models.Message) error
	MarkFailed(localID string) error
	FindByID(id string) (*models.Message, error)
	FindGroupMessages(groupID string, before time.Time, limit int) ([]models.Message, error)
	LatestCreatedAt() (time.Time, error)
	CountSince(groupID string, since time.Time, excludeSender string) (int64, error)
}

// OutboxRepositoryInterface defines the contract for the durable send queue.
type OutboxRepositoryInterface interface {
	Enqueue(item *models.OutboxItem) error
	Due(now time.Time, limit int) ([]models.OutboxItem, error)
	MarkSending(localID string) error
	MarkAttempted(localID string, attempts int, nextRetry *time.Time) error
	MarkFailed(localID string) error
	Requeue(localID string) error
	Delete(localID string) error
	CountPending() (int64, error)
}

// GroupReadStateRepositoryInterface defines the contract for read-state rows.
type GroupReadStateRepositoryInterface interface {
	EnsureForMember(groupID, userID string) error
	UpsertMonotonic(groupID, userID string, lastReadAt time.Time, lastReadMessageID string) error
	Get(groupID, userID string) (*models.GroupReadState, error)
	ListForUser(userID string) ([]models.GroupReadState, error)
	DeleteForMember(groupID, userID string) error
}

// DeviceTokenRepositoryInterface exposes read-only access to push
// registrations; the registration collaborator owns the writes.
type DeviceTokenRepositoryInterface interface {
	ActiveForUser(userID string) ([]models.DeviceToken, error)
}

// EngineStateRepositoryInterface is a small K/V store for engine-owned
// state that survives restarts.
type EngineStateRepositoryInterface interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
}
