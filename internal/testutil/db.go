package testutil

import (
	"testing"

	"github.com/mpetrenko/coverbot/app/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB opens an isolated in-memory SQLite database with the full schema
// migrated. Each call returns a fresh database.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// A pooled ":memory:" connection would open a second, empty database;
	// pin the pool to one connection.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.QuotaRecord{},
		&models.Payment{},
		&models.PaymentWebhookEvent{},
	); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return db
}

// CreateTestUser inserts a user with the given telegram id and returns it.
func CreateTestUser(t *testing.T, db *gorm.DB, telegramID int64) *models.User {
	t.Helper()

	user := &models.User{
		TelegramID: telegramID,
		Username:   "testuser",
		Role:       models.ROLE_USER,
		Status:     models.STATUS_ACTIVE,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}
	return user
}
