package services

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/authbase/backend/internal/config"
	"github.com/authbase/backend/internal/models"
	"github.com/authbase/backend/pkg/logger"
	"github.com/authbase/backend/pkg/machinetoken"
	"github.com/authbase/backend/pkg/utils"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var serviceTestSetupOnce sync.Once

func setupServiceTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	serviceTestSetupOnce.Do(func() {
		logger.Init()
		utils.ConfigureJWT("service-test-secret", "authbase-test", "authbase-test", 15)
		utils.ConfigureEncryption("service-test-secret")
		machinetoken.Configure("service-test-machine-secret", "", 30*24*time.Hour)
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	err = db.AutoMigrate(
		&models.User{},
		&models.RefreshToken{},
		&models.BackupCode{},
		&models.UserToken{},
		&models.RoleGrant{},
		&models.AuditLog{},
		&models.AuditExportCursor{},
		&models.Activity{},
	)
	if err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	return db
}

func testServiceConfig() *config.Config {
	return &config.Config{
		JWT: config.JWTConfig{
			Secret:            "service-test-secret",
			Issuer:            "authbase-test",
			Audience:          "authbase-test",
			ExpirationMinutes: 15,
			RefreshTokenDays:  14,
		},
		TwoFactor: config.TwoFactorConfig{
			Issuer:           "Authbase Test",
			MachineTokenDays: 30,
		},
		Lockout: config.LockoutConfig{
			MaxAttempts: 5,
			Duration:    5 * time.Minute,
		},
		Tokens: config.TokenConfig{
			ConfirmationValidity:  48 * time.Hour,
			PasswordResetValidity: 30 * time.Minute,
		},
		Server: config.ServerConfig{
			Port:        "8080",
			FrontendURL: "http://localhost:3001",
			Environment: "development",
		},
	}
}

// recordingMailer captures outgoing mail instead of sending it.
type recordingMailer struct {
	mu   sync.Mutex
	sent []recordedMail
}

type recordedMail struct {
	To      string
	Subject string
	Body    string
}

func (m *recordingMailer) Send(to, subject, htmlBody string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, recordedMail{To: to, Subject: subject, Body: htmlBody})
	return nil
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *recordingMailer) last() *recordedMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	mail := m.sent[len(m.sent)-1]
	return &mail
}

func createServiceTestUser(t *testing.T, db *gorm.DB, email, password string, confirmed bool) *models.User {
	t.Helper()

	hash, err := utils.HashPassword(password)
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}

	username := email
	if at := strings.Index(email, "@"); at > 0 {
		username = email[:at]
	}

	user := &models.User{
		Username:       username,
		Email:          email,
		PasswordHash:   hash,
		FirstName:      "Test",
		LastName:       "User",
		Role:           models.UserRoleUser,
		EmailConfirmed: confirmed,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating test user: %v", err)
	}
	return user
}
