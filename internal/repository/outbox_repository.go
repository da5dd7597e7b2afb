package repository

import (
	"time"

	"github.com/jsmcorp/bouge-sync/internal/models"
	"gorm.io/gorm"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Enqueue adds a send to the durable queue.
func (r *OutboxRepository) Enqueue(item *models.OutboxItem) error {
	if item.Status == "" {
		item.Status = models.OutboxPending
	}
	return wrapConstraint(r.db.Create(item).Error)
}

// Due returns items ready for a send attempt: pending items whose retry
// window has opened, plus items stuck in "sending" from a previous process
// that died mid-attempt. Oldest first.
func (r *OutboxRepository) Due(now time.Time, limit int) ([]models.OutboxItem, error) {
	var items []models.OutboxItem
	err := r.db.
		Where("status IN ?", []models.OutboxStatus{models.OutboxPending, models.OutboxSending}).
		Where("next_retry IS NULL OR next_retry <= ?", now).
		Order("created_at ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (r *OutboxRepository) MarkSending(localID string) error {
	return r.db.Model(&models.OutboxItem{}).Where("local_id = ?", localID).
		Update("status", models.OutboxSending).Error
}

// MarkAttempted records a failed attempt and schedules the next retry.
func (r *OutboxRepository) MarkAttempted(localID string, attempts int, nextRetry *time.Time) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":       models.OutboxPending,
		"attempts":     attempts,
		"last_attempt": now,
		"next_retry":   nextRetry,
	}
	return r.db.Model(&models.OutboxItem{}).Where("local_id = ?", localID).Updates(updates).Error
}

// MarkFailed flags an item that exhausted its attempts. The row is kept so
// the UI can surface it as failed and user-retriable.
func (r *OutboxRepository) MarkFailed(localID string) error {
	return r.db.Model(&models.OutboxItem{}).Where("local_id = ?", localID).
		Update("status", models.OutboxFailed).Error
}

// Requeue resets a failed item for a user-initiated retry.
func (r *OutboxRepository) Requeue(localID string) error {
	updates := map[string]interface{}{
		"status":     models.OutboxPending,
		"attempts":   0,
		"next_retry": nil,
	}
	return r.db.Model(&models.OutboxItem{}).Where("local_id = ?", localID).Updates(updates).Error
}

// Delete removes an item after confirmed server acknowledgement.
func (r *OutboxRepository) Delete(localID string) error {
	return r.db.Where("local_id = ?", localID).Delete(&models.OutboxItem{}).Error
}

func (r *OutboxRepository) CountPending() (int64, error) {
	var count int64
	err := r.db.Model(&models.OutboxItem{}).
		Where("status IN ?", []models.OutboxStatus{models.OutboxPending, models.OutboxSending}).
		Count(&count).Error
	return count, err
}
