package repository

import (
	"errors"

	"github.com/jsmcorp/bouge-sync/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StateKeyUnreadSnapshot holds the persisted unread-count snapshot.
const StateKeyUnreadSnapshot = "unread_snapshot"

type EngineStateRepository struct {
	db *gorm.DB
}

func NewEngineStateRepository(db *gorm.DB) *EngineStateRepository {
	return &EngineStateRepository{db: db}
}

// Get returns the stored value, or nil when the key has never been written.
func (r *EngineStateRepository) Get(key string) ([]byte, error) {
	var row models.EngineState
	err := r.db.First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.Value, nil
}

func (r *EngineStateRepository) Set(key string, value []byte) error {
	row := models.EngineState{Key: key, Value: value}
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
}
