package repository

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jsmcorp/bouge-sync/internal/errs"
	"github.com/jsmcorp/bouge-sync/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens (or creates) the on-device sqlite store and migrates the
// engine's tables. path is the database file; ":memory:" works for tests.
func InitDB(path string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// Auto-migrate models
	if err := db.AutoMigrate(
		&models.Message{},
		&models.OutboxItem{},
		&models.GroupReadState{},
		&models.DeviceToken{},
		&models.EngineState{},
	); err != nil {
		return nil, err
	}

	return db, nil
}

// wrapConstraint maps local integrity failures onto the shared sentinel so
// callers can skip-and-retry instead of crashing on initialization races.
func wrapConstraint(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrForeignKeyViolated) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", errs.ErrConstraintViolation, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "constraint") || strings.Contains(msg, "FOREIGN KEY") {
		return fmt.Errorf("%w: %v", errs.ErrConstraintViolation, err)
	}
	return err
}
