package services

import (
	"context"
	"crypto/rand"
	"regexp"
	"time"

	"github.com/authbase/backend/internal/models"
	"github.com/authbase/backend/pkg/logger"
	"github.com/authbase/backend/pkg/utils"
	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"gorm.io/gorm"
)

const backupCodeCount = 10

var (
	totpCodePattern   = regexp.MustCompile(`^[0-9]{6}$`)
	backupCodePattern = regexp.MustCompile(`^[A-Z0-9]{5}-[A-Z0-9]{5}$`)
)

type TwoFactorService struct {
	DB     *gorm.DB
	Issuer string
}

func NewTwoFactorService(db *gorm.DB, issuer string) *TwoFactorService {
	return &TwoFactorService{DB: db, Issuer: issuer}
}

type EnrollmentResult struct {
	Secret        string   `json:"secret"`
	EnrollmentURI string   `json:"enrollmentURI"`
	BackupCodes   []string `json:"backupCodes"`
}

type TwoFactorStatus struct {
	Enabled              bool `json:"enabled"`
	PendingEnrollment    bool `json:"pendingEnrollment"`
	BackupCodesRemaining int  `json:"backupCodesRemaining"`
}

// Enable generates a fresh secret and backup codes for a confirmed user.
// The secret is persisted (encrypted) but two_factor_enabled stays false
// until the first successful Verify. A user who abandons enrollment must
// not be locked out of their account.
func (s *TwoFactorService) Enable(ctx context.Context, userID uuid.UUID) (*EnrollmentResult, *Failure) {
	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		return nil, failNotFound("user not found")
	}

	if !user.EmailConfirmed {
		return nil, failValidation("email must be confirmed before enabling two-factor authentication")
	}
	if user.TwoFactorEnabled {
		return nil, failConflict("two-factor authentication is already enabled")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.Issuer,
		AccountName: user.Email,
		SecretSize:  32,
	})
	if err != nil {
		return nil, failUnexpected("totp_generate_failed", err)
	}

	encryptedSecret, err := utils.EncryptAESGCM(key.Secret())
	if err != nil {
		return nil, failUnexpected("totp_secret_encrypt_failed", err)
	}

	if err := s.DB.WithContext(ctx).Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
		"two_factor_secret":  encryptedSecret,
		"two_factor_enabled": false,
	}).Error; err != nil {
		return nil, failUnexpected("totp_secret_persist_failed", err)
	}

	codes, err := s.GenerateBackupCodes(ctx, user.ID)
	if err != nil {
		return nil, failUnexpected("backup_codes_generate_failed", err)
	}

	logger.InfoWithUser(user.ID.String(), "two_factor_enrollment_started", nil)

	return &EnrollmentResult{
		Secret:        key.Secret(),
		EnrollmentURI: key.URL(),
		BackupCodes:   codes,
	}, nil
}

// Verify checks the submitted code against the pending secret; the first
// success flips two_factor_enabled on.
func (s *TwoFactorService) Verify(ctx context.Context, userID uuid.UUID, code string) *Failure {
	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		return failNotFound("user not found")
	}

	if user.TwoFactorSecret == nil || *user.TwoFactorSecret == "" {
		return failValidation("two-factor enrollment has not been started")
	}

	if !s.ValidateAnyFactor(ctx, &user, code) {
		return failUnauthorized("invalid code")
	}

	if !user.TwoFactorEnabled {
		if err := s.DB.WithContext(ctx).Model(&models.User{}).
			Where("id = ?", user.ID).
			Update("two_factor_enabled", true).Error; err != nil {
			return failUnexpected("two_factor_enable_failed", err)
		}
		logger.InfoWithUser(user.ID.String(), "two_factor_enabled", nil)
	}

	return nil
}

// Disable requires both the account password and a current code, then
// clears the secret and removes all backup codes.
func (s *TwoFactorService) Disable(ctx context.Context, userID uuid.UUID, password, code string) *Failure {
	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		return failNotFound("user not found")
	}

	if !user.TwoFactorEnabled {
		return failValidation("two-factor authentication is not enabled")
	}
	if !utils.CheckPassword(password, user.PasswordHash) {
		return failUnauthorized("invalid password")
	}
	if !s.ValidateAnyFactor(ctx, &user, code) {
		return failUnauthorized("invalid code")
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
			"two_factor_enabled": false,
			"two_factor_secret":  nil,
		}).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ?", user.ID).Delete(&models.BackupCode{}).Error
	})
	if err != nil {
		return failUnexpected("two_factor_disable_failed", err)
	}

	logger.InfoWithUser(user.ID.String(), "two_factor_disabled", nil)
	return nil
}

func (s *TwoFactorService) Status(ctx context.Context, userID uuid.UUID) (*TwoFactorStatus, *Failure) {
	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		return nil, failNotFound("user not found")
	}

	var remaining int64
	s.DB.WithContext(ctx).Model(&models.BackupCode{}).
		Where("user_id = ? AND consumed_at IS NULL", user.ID).
		Count(&remaining)

	return &TwoFactorStatus{
		Enabled:              user.TwoFactorEnabled,
		PendingEnrollment:    !user.TwoFactorEnabled && user.TwoFactorSecret != nil && *user.TwoFactorSecret != "",
		BackupCodesRemaining: int(remaining),
	}, nil
}

// ValidateCode recomputes the TOTP for the current 30-second step and the
// adjacent step on each side. The 3-step window (90 seconds total) is a
// fixed contract: wider weakens security, narrower rejects slightly-drifted
// clocks.
func (s *TwoFactorService) ValidateCode(secret, code string) bool {
	if !totpCodePattern.MatchString(code) {
		return false
	}
	valid, err := totp.ValidateCustom(code, secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}

// ValidateAnyFactor accepts either a 6-digit TOTP code or a backup code,
// disambiguated by shape.
func (s *TwoFactorService) ValidateAnyFactor(ctx context.Context, user *models.User, code string) bool {
	if totpCodePattern.MatchString(code) {
		if user.TwoFactorSecret == nil {
			return false
		}
		secret := utils.DecryptOrPlaintext(*user.TwoFactorSecret)
		return s.ValidateCode(secret, code)
	}
	if backupCodePattern.MatchString(code) {
		return s.ConsumeBackupCode(ctx, user.ID, code)
	}
	return false
}

// GenerateBackupCodes replaces the user's backup-code set with ten fresh
// codes. The plaintext codes are returned exactly once; only bcrypt hashes
// are stored.
func (s *TwoFactorService) GenerateBackupCodes(ctx context.Context, userID uuid.UUID) ([]string, error) {
	codes := make([]string, 0, backupCodeCount)
	rows := make([]models.BackupCode, 0, backupCodeCount)

	for i := 0; i < backupCodeCount; i++ {
		code, err := generateBackupCode()
		if err != nil {
			return nil, err
		}
		hash, err := utils.HashPassword(code)
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
		rows = append(rows, models.BackupCode{UserID: userID, CodeHash: hash})
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.BackupCode{}).Error; err != nil {
			return err
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	return codes, nil
}

// ConsumeBackupCode marks a matching unconsumed code as spent. The
// conditional update on consumed_at IS NULL makes consumption at-most-once
// even under concurrent presentations of the same code.
func (s *TwoFactorService) ConsumeBackupCode(ctx context.Context, userID uuid.UUID, code string) bool {
	if !backupCodePattern.MatchString(code) {
		return false
	}

	var rows []models.BackupCode
	if err := s.DB.WithContext(ctx).
		Where("user_id = ? AND consumed_at IS NULL", userID).
		Find(&rows).Error; err != nil {
		return false
	}

	for i := range rows {
		if !utils.CheckPassword(code, rows[i].CodeHash) {
			continue
		}
		result := s.DB.WithContext(ctx).Model(&models.BackupCode{}).
			Where("id = ? AND consumed_at IS NULL", rows[i].ID).
			Update("consumed_at", time.Now().UTC())
		if result.Error == nil && result.RowsAffected == 1 {
			logger.InfoWithUser(userID.String(), "backup_code_consumed", nil)
			return true
		}
		return false
	}
	return false
}

const backupCodeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func generateBackupCode() (string, error) {
	raw := make([]byte, 10)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	buf := make([]byte, 0, 11)
	for i, b := range raw {
		if i == 5 {
			buf = append(buf, '-')
		}
		buf = append(buf, backupCodeCharset[int(b)%len(backupCodeCharset)])
	}
	return string(buf), nil
}
