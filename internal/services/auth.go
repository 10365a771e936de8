package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/authbase/backend/internal/config"
	"github.com/authbase/backend/internal/models"
	"github.com/authbase/backend/pkg/logger"
	"github.com/authbase/backend/pkg/machinetoken"
	"github.com/authbase/backend/pkg/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuthService is the orchestrator for the whole credential lifecycle:
// registration, email confirmation, login with lockout and the two-factor
// challenge, token issuance, refresh rotation, logout and password reset.
// All session state lives in the store; the service itself is stateless.
type AuthService struct {
	DB        *gorm.DB
	Mailer    Mailer
	TwoFactor *TwoFactorService
	cfg       *config.Config
}

func NewAuthService(db *gorm.DB, mailer Mailer, twoFactor *TwoFactorService, cfg *config.Config) *AuthService {
	return &AuthService{DB: db, Mailer: mailer, TwoFactor: twoFactor, cfg: cfg}
}

type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

type RegisterResult struct {
	User             *models.User
	ConfirmationSent bool
}

func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*RegisterResult, *Failure) {
	email := strings.ToLower(strings.TrimSpace(in.Email))

	var existing models.User
	err := s.DB.WithContext(ctx).First(&existing, "email = ?", email).Error
	if err == nil {
		return nil, failConflict("email already registered")
	}
	if err != gorm.ErrRecordNotFound {
		return nil, failUnexpected("register_lookup_failed", err)
	}

	passwordHash, err := utils.HashPassword(in.Password)
	if err != nil {
		return nil, failUnexpected("register_hash_failed", err)
	}

	username, err := s.deriveUsername(ctx, email)
	if err != nil {
		return nil, failUnexpected("register_username_failed", err)
	}

	user := models.User{
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		Role:         models.UserRoleUser,
	}

	if err := s.DB.WithContext(ctx).Create(&user).Error; err != nil {
		// Two concurrent registrations can both pass the lookup; the unique
		// index decides, and the loser is a duplicate, not a server fault.
		if isDuplicateKeyError(err) {
			return nil, failConflict("email already registered")
		}
		return nil, failUnexpected("register_create_failed", err)
	}

	logger.Info("user_registered", map[string]interface{}{
		"user_id":  user.ID.String(),
		"email":    user.Email,
		"username": user.Username,
	})

	sent := s.sendConfirmationEmail(ctx, &user)

	return &RegisterResult{User: &user, ConfirmationSent: sent}, nil
}

// deriveUsername takes the email local-part and, on collision, appends an
// 8-hex-character random disambiguator.
func (s *AuthService) deriveUsername(ctx context.Context, email string) (string, error) {
	local := email
	if at := strings.Index(email, "@"); at > 0 {
		local = email[:at]
	}

	candidate := local
	for attempt := 0; attempt < 5; attempt++ {
		var count int64
		if err := s.DB.WithContext(ctx).Model(&models.User{}).
			Where("username = ?", candidate).
			Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return candidate, nil
		}

		suffix := make([]byte, 4)
		if _, err := rand.Read(suffix); err != nil {
			return "", err
		}
		candidate = local + hex.EncodeToString(suffix)
	}
	return "", fmt.Errorf("could not derive a unique username for %s", email)
}

func (s *AuthService) ConfirmEmail(ctx context.Context, email, token string) *Failure {
	email = strings.ToLower(strings.TrimSpace(email))

	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, "email = ?", email).Error; err != nil {
		return failNotFound("user not found")
	}
	if user.EmailConfirmed {
		return failValidation("email is already confirmed")
	}

	var row models.UserToken
	err := s.DB.WithContext(ctx).First(&row,
		"user_id = ? AND token_hash = ? AND purpose = ?",
		user.ID, utils.HashToken(token), models.TokenPurposeEmailConfirm,
	).Error
	if err != nil || !row.IsUsable() {
		return failUnauthorized("invalid or expired confirmation token")
	}

	txErr := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.User{}).Where("id = ?", user.ID).
			Update("email_confirmed", true).Error; err != nil {
			return err
		}
		return tx.Model(&models.UserToken{}).Where("id = ?", row.ID).
			Update("consumed_at", time.Now().UTC()).Error
	})
	if txErr != nil {
		return failUnexpected("confirm_email_failed", txErr)
	}

	logger.InfoWithUser(user.ID.String(), "email_confirmed", nil)
	return nil
}

// ResendConfirmation always reports success so the endpoint cannot be used
// to probe which addresses are registered.
func (s *AuthService) ResendConfirmation(ctx context.Context, email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))

	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, "email = ?", email).Error; err != nil {
		return false
	}
	if user.EmailConfirmed {
		return false
	}
	return s.sendConfirmationEmail(ctx, &user)
}

type LoginInput struct {
	UsernameOrEmail    string
	Password           string
	MachineToken       string
	MachineFingerprint string
	UserAgent          string
	IPAddress          string
}

type LoginResult struct {
	Requires2FA  bool         `json:"requires2FA"`
	UserID       uuid.UUID    `json:"userID"`
	AccessToken  string       `json:"accessToken,omitempty"`
	RefreshToken string       `json:"refreshToken,omitempty"`
	MachineToken string       `json:"machineToken,omitempty"`
	User         *models.User `json:"user,omitempty"`
}

func (s *AuthService) Login(ctx context.Context, in LoginInput) (*LoginResult, *Failure) {
	user, fail := s.resolveUser(ctx, in.UsernameOrEmail)
	if fail != nil {
		return nil, fail
	}

	if user.IsLocked() {
		return nil, failLocked("account locked, try again later")
	}
	if !user.EmailConfirmed {
		return nil, failUnauthorized("email not confirmed")
	}

	if !utils.CheckPassword(in.Password, user.PasswordHash) {
		s.registerFailedAttempt(ctx, user)
		return nil, failUnauthorized("invalid credentials")
	}

	if user.FailedLoginAttempts > 0 || user.LockedUntil != nil {
		s.clearLockout(ctx, user.ID)
	}

	if user.TwoFactorEnabled && !s.machineTokenTrusted(user, in.MachineToken, in.MachineFingerprint) {
		logger.InfoWithUser(user.ID.String(), "login_2fa_challenge", map[string]interface{}{
			"ip": in.IPAddress,
		})
		// No bearer token is ever issued before the second factor passes.
		return &LoginResult{Requires2FA: true, UserID: user.ID}, nil
	}

	return s.issueTokens(ctx, user, in.UserAgent, in.IPAddress)
}

type Complete2FAInput struct {
	UserID             uuid.UUID
	Code               string
	RememberMachine    bool
	MachineFingerprint string
	UserAgent          string
	IPAddress          string
}

func (s *AuthService) Complete2FALogin(ctx context.Context, in Complete2FAInput) (*LoginResult, *Failure) {
	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, "id = ?", in.UserID).Error; err != nil {
		return nil, failUnauthorized("invalid code")
	}

	if user.IsLocked() {
		return nil, failLocked("account locked, try again later")
	}
	if !user.TwoFactorEnabled || user.TwoFactorSecret == nil {
		return nil, failUnauthorized("invalid code")
	}

	// The response never reveals whether a TOTP code or a backup code was
	// attempted, nor which one failed.
	if !s.TwoFactor.ValidateAnyFactor(ctx, &user, strings.TrimSpace(in.Code)) {
		s.registerFailedAttempt(ctx, &user)
		return nil, failUnauthorized("invalid code")
	}

	if user.FailedLoginAttempts > 0 || user.LockedUntil != nil {
		s.clearLockout(ctx, user.ID)
	}

	result, fail := s.issueTokens(ctx, &user, in.UserAgent, in.IPAddress)
	if fail != nil {
		return nil, fail
	}

	if in.RememberMachine && in.MachineFingerprint != "" {
		result.MachineToken = machinetoken.Generate(user.ID.String(), in.MachineFingerprint)
	}

	return result, nil
}

// Refresh rotates the presented refresh token: the old token is revoked and
// a replacement issued inside one transaction. The conditional update on
// revoked = false guarantees at most one of two concurrent presentations
// succeeds. Presenting an already-rotated token is treated as a theft
// signal and revokes every active token the user has.
func (s *AuthService) Refresh(ctx context.Context, refreshToken, userAgent, ipAddress string) (*LoginResult, *Failure) {
	var row models.RefreshToken
	if err := s.DB.WithContext(ctx).First(&row, "token_hash = ?", utils.HashToken(refreshToken)).Error; err != nil {
		return nil, failUnauthorized("invalid refresh token")
	}

	if row.Revoked {
		logger.WarnWithUser(row.UserID.String(), "refresh_token_reuse_detected", map[string]interface{}{
			"token_id": row.ID.String(),
			"ip":       ipAddress,
		})
		if err := s.revokeAllRefreshTokens(ctx, row.UserID); err != nil {
			logger.ErrorWithUser(row.UserID.String(), "refresh_family_revoke_failed", err, nil)
		}
		return nil, failUnauthorized("invalid refresh token")
	}
	if time.Now().After(row.ExpiresAt) {
		return nil, failUnauthorized("refresh token expired")
	}

	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, "id = ?", row.UserID).Error; err != nil {
		return nil, failUnauthorized("invalid refresh token")
	}
	if !user.EmailConfirmed {
		return nil, failUnauthorized("email not confirmed")
	}
	if user.IsLocked() {
		return nil, failLocked("account locked, try again later")
	}

	roles, err := s.rolesFor(ctx, &user)
	if err != nil {
		return nil, failUnexpected("refresh_roles_failed", err)
	}
	accessToken, err := utils.GenerateToken(&user, roles)
	if err != nil {
		return nil, failUnexpected("refresh_access_token_failed", err)
	}
	newRefresh, err := utils.GenerateRefreshToken()
	if err != nil {
		return nil, failUnexpected("refresh_token_generate_failed", err)
	}

	var lostRace bool
	txErr := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.RefreshToken{}).
			Where("id = ? AND revoked = ?", row.ID, false).
			Update("revoked", true)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			lostRace = true
			return gorm.ErrInvalidTransaction
		}

		replacement := models.RefreshToken{
			UserID:    row.UserID,
			TokenHash: utils.HashToken(newRefresh),
			ExpiresAt: time.Now().Add(time.Duration(s.cfg.JWT.RefreshTokenDays) * 24 * time.Hour),
			UserAgent: userAgent,
			IPAddress: ipAddress,
		}
		return tx.Create(&replacement).Error
	})
	if txErr != nil {
		if lostRace {
			return nil, failUnauthorized("invalid refresh token")
		}
		return nil, failUnexpected("refresh_rotation_failed", txErr)
	}

	logger.InfoWithUser(user.ID.String(), "refresh_token_rotated", nil)

	return &LoginResult{
		UserID:       user.ID,
		AccessToken:  accessToken,
		RefreshToken: newRefresh,
		User:         &user,
	}, nil
}

// Logout revokes the presented refresh token. The response is generic
// whether or not the token existed.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) {
	s.DB.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("token_hash = ? AND revoked = ?", utils.HashToken(refreshToken), false).
		Update("revoked", true)
}

// ForgotPassword always reports success regardless of whether the email is
// registered. The returned flag only signals whether a mail actually left.
func (s *AuthService) ForgotPassword(ctx context.Context, email, resetURLBase string) bool {
	email = strings.ToLower(strings.TrimSpace(email))

	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, "email = ?", email).Error; err != nil {
		return false
	}
	if !user.EmailConfirmed {
		return false
	}

	raw, err := s.issueUserToken(ctx, user.ID, models.TokenPurposePasswordReset, s.cfg.Tokens.PasswordResetValidity)
	if err != nil {
		logger.Error("password_reset_token_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return false
	}

	if resetURLBase == "" {
		resetURLBase = s.cfg.Server.FrontendURL + "/reset-password"
	}
	link := fmt.Sprintf("%s?token=%s&email=%s", resetURLBase, url.QueryEscape(raw), url.QueryEscape(user.Email))
	body := fmt.Sprintf(
		"<p>Hello %s,</p><p>A password reset was requested for your account. The link below is valid for %d minutes.</p><p><a href=%q>Reset your password</a></p><p>If you did not request this, you can ignore this email.</p>",
		user.FirstName, int(s.cfg.Tokens.PasswordResetValidity.Minutes()), link,
	)

	if err := s.Mailer.Send(user.Email, "Reset your password", body); err != nil {
		logger.Error("password_reset_email_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return false
	}

	logger.InfoWithUser(user.ID.String(), "password_reset_requested", nil)
	return true
}

// ResetPassword validates the reset token, replaces the password hash and
// revokes every active refresh token so all other sessions must log in
// again with the new password.
func (s *AuthService) ResetPassword(ctx context.Context, email, token, newPassword string) *Failure {
	email = strings.ToLower(strings.TrimSpace(email))

	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, "email = ?", email).Error; err != nil {
		return failUnauthorized("invalid or expired reset token")
	}

	var row models.UserToken
	err := s.DB.WithContext(ctx).First(&row,
		"user_id = ? AND token_hash = ? AND purpose = ?",
		user.ID, utils.HashToken(token), models.TokenPurposePasswordReset,
	).Error
	if err != nil || !row.IsUsable() {
		return failUnauthorized("invalid or expired reset token")
	}

	hash, err := utils.HashPassword(newPassword)
	if err != nil {
		return failUnexpected("reset_password_hash_failed", err)
	}

	txErr := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
			"password_hash":         hash,
			"failed_login_attempts": 0,
			"locked_until":          nil,
		}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.RefreshToken{}).
			Where("user_id = ? AND revoked = ?", user.ID, false).
			Update("revoked", true).Error; err != nil {
			return err
		}
		return tx.Model(&models.UserToken{}).Where("id = ?", row.ID).
			Update("consumed_at", time.Now().UTC()).Error
	})
	if txErr != nil {
		return failUnexpected("reset_password_failed", txErr)
	}

	logger.InfoWithUser(user.ID.String(), "password_reset_completed", nil)

	notice := fmt.Sprintf(
		"<p>Hello %s,</p><p>Your password was just changed and all active sessions were signed out. If this was not you, reset your password immediately.</p>",
		user.FirstName,
	)
	if err := s.Mailer.Send(user.Email, "Your password was changed", notice); err != nil {
		logger.Error("password_reset_notice_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
	}

	return nil
}

// ListSessions returns the user's active refresh tokens, newest first.
func (s *AuthService) ListSessions(ctx context.Context, userID uuid.UUID) ([]models.RefreshToken, error) {
	var sessions []models.RefreshToken
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND revoked = ? AND expires_at > ?", userID, false, time.Now()).
		Order("created_at DESC").
		Find(&sessions).Error
	return sessions, err
}

func (s *AuthService) RevokeSession(ctx context.Context, userID, sessionID uuid.UUID) *Failure {
	result := s.DB.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("id = ? AND user_id = ? AND revoked = ?", sessionID, userID, false).
		Update("revoked", true)
	if result.Error != nil {
		return failUnexpected("session_revoke_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return failNotFound("session not found")
	}
	return nil
}

func (s *AuthService) RevokeAllSessions(ctx context.Context, userID uuid.UUID) *Failure {
	if err := s.revokeAllRefreshTokens(ctx, userID); err != nil {
		return failUnexpected("session_revoke_all_failed", err)
	}
	return nil
}

func (s *AuthService) resolveUser(ctx context.Context, usernameOrEmail string) (*models.User, *Failure) {
	input := strings.TrimSpace(usernameOrEmail)

	var user models.User
	var err error
	if strings.Contains(input, "@") {
		err = s.DB.WithContext(ctx).First(&user, "email = ?", strings.ToLower(input)).Error
	} else {
		err = s.DB.WithContext(ctx).First(&user, "username = ?", input).Error
	}
	if err != nil {
		return nil, failUnauthorized("invalid credentials")
	}
	return &user, nil
}

func (s *AuthService) issueTokens(ctx context.Context, user *models.User, userAgent, ipAddress string) (*LoginResult, *Failure) {
	roles, err := s.rolesFor(ctx, user)
	if err != nil {
		return nil, failUnexpected("login_roles_failed", err)
	}

	accessToken, err := utils.GenerateToken(user, roles)
	if err != nil {
		return nil, failUnexpected("login_access_token_failed", err)
	}

	refreshToken, err := utils.GenerateRefreshToken()
	if err != nil {
		return nil, failUnexpected("login_refresh_token_failed", err)
	}

	row := models.RefreshToken{
		UserID:    user.ID,
		TokenHash: utils.HashToken(refreshToken),
		ExpiresAt: time.Now().Add(time.Duration(s.cfg.JWT.RefreshTokenDays) * 24 * time.Hour),
		UserAgent: userAgent,
		IPAddress: ipAddress,
	}
	if err := s.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, failUnexpected("login_refresh_persist_failed", err)
	}

	logger.InfoWithUser(user.ID.String(), "user_login", map[string]interface{}{
		"ip": ipAddress,
	})

	return &LoginResult{
		UserID:       user.ID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         user,
	}, nil
}

func (s *AuthService) rolesFor(ctx context.Context, user *models.User) ([]string, error) {
	roles := []string{string(user.Role)}

	var grants []models.RoleGrant
	if err := s.DB.WithContext(ctx).Where("user_id = ?", user.ID).Find(&grants).Error; err != nil {
		return nil, err
	}
	for _, grant := range grants {
		if grant.Role != string(user.Role) {
			roles = append(roles, grant.Role)
		}
	}
	return roles, nil
}

func (s *AuthService) machineTokenTrusted(user *models.User, token, fingerprint string) bool {
	if token == "" || fingerprint == "" {
		return false
	}
	tok, err := machinetoken.Validate(token, fingerprint)
	if err != nil {
		return false
	}
	if tok.UserID != user.ID.String() {
		return false
	}
	logger.InfoWithUser(user.ID.String(), "login_trusted_machine", nil)
	return true
}

// registerFailedAttempt increments the counter in the database, not from the
// loaded row, so concurrent failed attempts never lose an increment.
func (s *AuthService) registerFailedAttempt(ctx context.Context, user *models.User) {
	if err := s.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", user.ID).
		UpdateColumn("failed_login_attempts", gorm.Expr("failed_login_attempts + 1")).Error; err != nil {
		logger.Error("failed_attempt_update_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return
	}

	var current models.User
	if err := s.DB.WithContext(ctx).Select("failed_login_attempts").
		First(&current, "id = ?", user.ID).Error; err != nil {
		logger.Error("failed_attempt_reload_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return
	}

	if current.FailedLoginAttempts >= s.cfg.Lockout.MaxAttempts {
		lockedUntil := time.Now().Add(s.cfg.Lockout.Duration)
		if err := s.DB.WithContext(ctx).Model(&models.User{}).
			Where("id = ?", user.ID).
			Update("locked_until", lockedUntil).Error; err != nil {
			logger.Error("account_lock_update_failed", err, map[string]interface{}{
				"user_id": user.ID.String(),
			})
			return
		}
		logger.WarnWithUser(user.ID.String(), "account_locked", map[string]interface{}{
			"attempts":     current.FailedLoginAttempts,
			"locked_until": lockedUntil.UTC().Format(time.RFC3339),
		})
	}
}

func (s *AuthService) clearLockout(ctx context.Context, userID uuid.UUID) {
	s.DB.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Updates(map[string]interface{}{
		"failed_login_attempts": 0,
		"locked_until":          nil,
	})
}

func (s *AuthService) revokeAllRefreshTokens(ctx context.Context, userID uuid.UUID) error {
	return s.DB.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("user_id = ? AND revoked = ?", userID, false).
		Update("revoked", true).Error
}

func (s *AuthService) issueUserToken(ctx context.Context, userID uuid.UUID, purpose models.TokenPurpose, validity time.Duration) (string, error) {
	raw, err := utils.GenerateSecureToken(32)
	if err != nil {
		return "", err
	}

	row := models.UserToken{
		UserID:    userID,
		TokenHash: utils.HashToken(raw),
		Purpose:   purpose,
		ExpiresAt: time.Now().Add(validity),
	}
	if err := s.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return "", err
	}
	return raw, nil
}

func (s *AuthService) sendConfirmationEmail(ctx context.Context, user *models.User) bool {
	raw, err := s.issueUserToken(ctx, user.ID, models.TokenPurposeEmailConfirm, s.cfg.Tokens.ConfirmationValidity)
	if err != nil {
		logger.Error("confirmation_token_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return false
	}

	link := fmt.Sprintf("%s/confirm-email?token=%s&email=%s",
		s.cfg.Server.FrontendURL, url.QueryEscape(raw), url.QueryEscape(user.Email))
	body := fmt.Sprintf(
		"<p>Hello %s,</p><p>Please confirm your email address by following the link below.</p><p><a href=%q>Confirm email</a></p>",
		user.FirstName, link,
	)

	if err := s.Mailer.Send(user.Email, "Confirm your email", body); err != nil {
		logger.Error("confirmation_email_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return false
	}
	return true
}
