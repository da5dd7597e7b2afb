package repository

import (
	"time"

	"github.com/jsmcorp/bouge-sync/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Upsert writes a server-authoritative message idempotently. A message
// arriving via realtime, push and backfill lands in exactly one row.
func (r *MessageRepository) Upsert(message *models.Message) error {
	err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"content", "message_type", "is_ghost", "category", "parent_id",
			"image_url", "delivery_status", "optimistic", "updated_at",
		}),
	}).Create(message).Error
	return wrapConstraint(err)
}

// InsertOptimistic writes a locally originated message before the server
// id is known.
func (r *MessageRepository) InsertOptimistic(message *models.Message) error {
	message.Optimistic = true
	message.DeliveryStatus = models.DeliveryPending
	return wrapConstraint(r.db.Create(message).Error)
}

// ResolveOptimistic replaces the optimistic row with the server row in one
// transaction. The local id is superseded, never left behind as a duplicate.
func (r *MessageRepository) ResolveOptimistic(localID string, server *models.Message) error {
	server.Optimistic = false
	if server.DeliveryStatus == "" || server.DeliveryStatus == models.DeliveryPending {
		server.DeliveryStatus = models.DeliverySent
	}
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", localID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"content", "message_type", "is_ghost", "category", "parent_id",
				"image_url", "delivery_status", "optimistic", "updated_at",
			}),
		}).Create(server).Error
	})
}

// MarkFailed flags an optimistic row whose send exhausted its attempts.
// The row stays visible so the user can retry.
func (r *MessageRepository) MarkFailed(localID string) error {
	return r.db.Model(&models.Message{}).Where("id = ?", localID).
		Update("delivery_status", models.DeliveryFailed).Error
}

func (r *MessageRepository) FindByID(id string) (*models.Message, error) {
	var message models.Message
	err := r.db.First(&message, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// FindGroupMessages returns the most recent messages of a group before the
// cursor, in chronological order.
func (r *MessageRepository) FindGroupMessages(groupID string, before time.Time, limit int) ([]models.Message, error) {
	var messages []models.Message
	q := r.db.Where("group_id = ?", groupID)
	if !before.IsZero() {
		q = q.Where("created_at < ?", before)
	}
	err := q.Order("created_at DESC").Limit(limit).Find(&messages).Error

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, err
}

// LatestCreatedAt returns the high-water-mark timestamp across all stored
// server-acknowledged messages. Optimistic rows are excluded because their
// timestamps are client clocks.
func (r *MessageRepository) LatestCreatedAt() (time.Time, error) {
	var ts *time.Time
	err := r.db.Model(&models.Message{}).
		Where("optimistic = ?", false).
		Select("MAX(created_at)").
		Scan(&ts).Error
	if err != nil || ts == nil {
		return time.Time{}, err
	}
	return *ts, nil
}

// CountSince counts messages in a group newer than since, skipping the
// local user's own sends. Used to rebuild unread counts.
func (r *MessageRepository) CountSince(groupID string, since time.Time, excludeSender string) (int64, error) {
	var count int64
	err := r.db.Model(&models.Message{}).
		Where("group_id = ? AND created_at > ? AND sender_id <> ?", groupID, since, excludeSender).
		Count(&count).Error
	return count, err
}
