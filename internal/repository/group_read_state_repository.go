package repository

import (
	"time"

	"github.com/jsmcorp/bouge-sync/internal/models"
	"gorm.io/gorm"
)

type GroupReadStateRepository struct {
	db *gorm.DB
}

func NewGroupReadStateRepository(db *gorm.DB) *GroupReadStateRepository {
	return &GroupReadStateRepository{db: db}
}

// EnsureForMember creates the read-state row if it does not exist yet.
// Safe to call from initialization races.
func (r *GroupReadStateRepository) EnsureForMember(groupID, userID string) error {
	err := r.db.Exec(`
		INSERT INTO group_read_states (group_id, user_id, last_read_at, last_read_message_id, created_at, updated_at)
		VALUES (?, ?, ?, '', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT (group_id, user_id) DO NOTHING
	`, groupID, userID, time.Unix(0, 0).UTC()).Error
	return wrapConstraint(err)
}

// UpsertMonotonic advances the read state only forward: the DO UPDATE arm
// applies solely when the incoming last_read_at is strictly newer than the
// stored one, so a stale writer (late remote reconciliation, out-of-order
// background sync) can never regress a fresher local mark.
func (r *GroupReadStateRepository) UpsertMonotonic(groupID, userID string, lastReadAt time.Time, lastReadMessageID string) error {
	err := r.db.Exec(`
		INSERT INTO group_read_states (group_id, user_id, last_read_at, last_read_message_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT (group_id, user_id) DO UPDATE
		SET last_read_at = excluded.last_read_at,
			last_read_message_id = excluded.last_read_message_id,
			updated_at = CURRENT_TIMESTAMP
		WHERE excluded.last_read_at > group_read_states.last_read_at
	`, groupID, userID, lastReadAt.UTC(), lastReadMessageID).Error
	return wrapConstraint(err)
}

func (r *GroupReadStateRepository) Get(groupID, userID string) (*models.GroupReadState, error) {
	var state models.GroupReadState
	err := r.db.Where("group_id = ? AND user_id = ?", groupID, userID).First(&state).Error
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (r *GroupReadStateRepository) ListForUser(userID string) ([]models.GroupReadState, error) {
	var states []models.GroupReadState
	err := r.db.Where("user_id = ?", userID).Find(&states).Error
	return states, err
}

func (r *GroupReadStateRepository) DeleteForMember(groupID, userID string) error {
	return r.db.Where("group_id = ? AND user_id = ?", groupID, userID).Delete(&models.GroupReadState{}).Error
}
