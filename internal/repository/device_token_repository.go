package repository

import (
	"github.com/jsmcorp/bouge-sync/internal/models"
	"gorm.io/gorm"
)

// DeviceTokenRepository reads push registrations for fan-out addressing.
// The notification-registration layer owns the writes.
type DeviceTokenRepository struct {
	db *gorm.DB
}

func NewDeviceTokenRepository(db *gorm.DB) *DeviceTokenRepository {
	return &DeviceTokenRepository{db: db}
}

func (r *DeviceTokenRepository) ActiveForUser(userID string) ([]models.DeviceToken, error) {
	var tokens []models.DeviceToken
	err := r.db.Where("user_id = ? AND active = ?", userID, true).Find(&tokens).Error
	return tokens, err
}
