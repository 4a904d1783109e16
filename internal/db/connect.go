// Package db provides GORM connection and migration helpers for Attendant.
package db

import (
	"fmt"

	"github.com/ordsvc/attendant/internal/config"
	"github.com/ordsvc/attendant/internal/models"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DSN builds a MySQL DSN from database config.
func DSN(cfg config.DatabaseConfig) string {
	cred := cfg.User
	if cfg.Password != "" {
		cred = cfg.User + ":" + cfg.Password
	}
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true", cred, cfg.Host, cfg.Port, cfg.Database)
}

// Connect opens a GORM connection to the configured database.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(DSN(cfg)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
	}
	return db, nil
}

// Migrate creates or updates the Attendant schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.ConversationThread{},
		&models.Turn{},
		&models.AuthorizedSender{},
	); err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	return nil
}
