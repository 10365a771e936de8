package handlers

import (
	"net/mail"
	"strings"

	"github.com/authbase/backend/internal/middleware"
	"github.com/authbase/backend/internal/models"
	"github.com/authbase/backend/internal/services"
	"github.com/authbase/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type AuthHandler struct {
	DB    *gorm.DB
	Auth  *services.AuthService
	Audit *services.AuditService
}

func NewAuthHandler(db *gorm.DB, auth *services.AuthService, audit *services.AuditService) *AuthHandler {
	return &AuthHandler{DB: db, Auth: auth, Audit: audit}
}

type registerRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
	FirstName       string `json:"firstName"`
	LastName        string `json:"lastName"`
}

func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)

	if _, err := mail.ParseAddress(req.Email); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid email")
	}
	if len(req.Password) < 8 {
		return utils.Error(c, fiber.StatusBadRequest, "password must be at least 8 characters")
	}
	if req.Password != req.ConfirmPassword {
		return utils.Error(c, fiber.StatusBadRequest, "passwords do not match")
	}
	if req.FirstName == "" || req.LastName == "" {
		return utils.Error(c, fiber.StatusBadRequest, "firstName and lastName are required")
	}

	result, fail := h.Auth.Register(c.Context(), services.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if fail != nil {
		return failureError(c, fail)
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &result.User.ID,
		Action:       "user.register",
		ResourceType: "user",
		ResourceID:   &result.User.ID,
		Details: map[string]interface{}{
			"email": result.User.Email,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusCreated, fiber.Map{
		"user":             result.User,
		"confirmationSent": result.ConfirmationSent,
	})
}

func (h *AuthHandler) ConfirmEmail(c *fiber.Ctx) error {
	token := strings.TrimSpace(c.Query("token"))
	email := strings.TrimSpace(c.Query("email"))
	if token == "" || email == "" {
		return utils.Error(c, fiber.StatusBadRequest, "token and email are required")
	}

	if fail := h.Auth.ConfirmEmail(c.Context(), email, token); fail != nil {
		return failureError(c, fail)
	}

	var user models.User
	if err := h.DB.First(&user, "email = ?", strings.ToLower(email)).Error; err == nil {
		h.Audit.LogAsync(services.AuditEntry{
			UserID:       &user.ID,
			Action:       "user.email_confirmed",
			ResourceType: "user",
			ResourceID:   &user.ID,
			IPAddress:    c.IP(),
			RequestID:    getRequestID(c),
		})
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "email confirmed"})
}

type resendConfirmationRequest struct {
	Email string `json:"email"`
}

// ResendConfirmation responds identically whether or not the address is
// registered.
func (h *AuthHandler) ResendConfirmation(c *fiber.Ctx) error {
	var req resendConfirmationRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Email) == "" {
		return utils.Error(c, fiber.StatusBadRequest, "email is required")
	}

	h.Auth.ResendConfirmation(c.Context(), req.Email)

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"message": "if the address is registered, a confirmation email has been sent",
	})
}

type loginRequest struct {
	UsernameOrEmail    string `json:"usernameOrEmail"`
	Password           string `json:"password"`
	MachineToken       string `json:"machineToken"`
	MachineFingerprint string `json:"machineFingerprint"`
}

func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	if strings.TrimSpace(req.UsernameOrEmail) == "" || req.Password == "" {
		return utils.Error(c, fiber.StatusBadRequest, "usernameOrEmail and password are required")
	}

	result, fail := h.Auth.Login(c.Context(), services.LoginInput{
		UsernameOrEmail:    req.UsernameOrEmail,
		Password:           req.Password,
		MachineToken:       req.MachineToken,
		MachineFingerprint: req.MachineFingerprint,
		UserAgent:          c.Get("User-Agent"),
		IPAddress:          c.IP(),
	})
	if fail != nil {
		return failureError(c, fail)
	}

	if result.Requires2FA {
		h.Audit.LogAsync(services.AuditEntry{
			UserID:       &result.UserID,
			Action:       "user.login_2fa_pending",
			ResourceType: "user",
			ResourceID:   &result.UserID,
			IPAddress:    c.IP(),
			RequestID:    getRequestID(c),
		})
		return utils.Success(c, fiber.StatusOK, fiber.Map{
			"requires2FA": true,
			"userID":      result.UserID,
		})
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &result.UserID,
		Action:       "user.login",
		ResourceType: "user",
		ResourceID:   &result.UserID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"requires2FA":  false,
		"accessToken":  result.AccessToken,
		"refreshToken": result.RefreshToken,
		"user":         result.User,
	})
}

type complete2FALoginRequest struct {
	UserID             string `json:"userId"`
	TwoFactorCode      string `json:"twoFactorCode"`
	RememberMachine    bool   `json:"rememberMachine"`
	MachineFingerprint string `json:"machineFingerprint"`
}

func (h *AuthHandler) Complete2FALogin(c *fiber.Ctx) error {
	var req complete2FALoginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	userID, err := parseUUID(req.UserID)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid userId")
	}
	if strings.TrimSpace(req.TwoFactorCode) == "" {
		return utils.Error(c, fiber.StatusBadRequest, "twoFactorCode is required")
	}

	result, fail := h.Auth.Complete2FALogin(c.Context(), services.Complete2FAInput{
		UserID:             userID,
		Code:               req.TwoFactorCode,
		RememberMachine:    req.RememberMachine,
		MachineFingerprint: req.MachineFingerprint,
		UserAgent:          c.Get("User-Agent"),
		IPAddress:          c.IP(),
	})
	if fail != nil {
		return failureError(c, fail)
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &result.UserID,
		Action:       "user.mfa_login",
		ResourceType: "user",
		ResourceID:   &result.UserID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	response := fiber.Map{
		"accessToken":  result.AccessToken,
		"refreshToken": result.RefreshToken,
		"user":         result.User,
	}
	if result.MachineToken != "" {
		response["machineToken"] = result.MachineToken
	}
	return utils.Success(c, fiber.StatusOK, response)
}

type refreshTokenRequest struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (h *AuthHandler) RefreshToken(c *fiber.Ctx) error {
	var req refreshTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.RefreshToken == "" {
		return utils.Error(c, fiber.StatusBadRequest, "refreshToken is required")
	}

	result, fail := h.Auth.Refresh(c.Context(), req.RefreshToken, c.Get("User-Agent"), c.IP())
	if fail != nil {
		return failureError(c, fail)
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"accessToken":  result.AccessToken,
		"refreshToken": result.RefreshToken,
	})
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	var req logoutRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.RefreshToken != "" {
		h.Auth.Logout(c.Context(), req.RefreshToken)
	}

	if user := middleware.GetCurrentUser(c); user != nil {
		h.Audit.LogAsync(services.AuditEntry{
			UserID:       &user.ID,
			Action:       "user.logout",
			ResourceType: "user",
			ResourceID:   &user.ID,
			IPAddress:    c.IP(),
			RequestID:    getRequestID(c),
		})
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "logged out"})
}

type forgotPasswordRequest struct {
	Email    string `json:"email"`
	ResetURL string `json:"resetUrl"`
}

// ForgotPassword responds identically whether or not the address is
// registered.
func (h *AuthHandler) ForgotPassword(c *fiber.Ctx) error {
	var req forgotPasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Email) == "" {
		return utils.Error(c, fiber.StatusBadRequest, "email is required")
	}

	h.Auth.ForgotPassword(c.Context(), req.Email, strings.TrimSpace(req.ResetURL))

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"message": "if the address is registered, a reset email has been sent",
	})
}

type resetPasswordRequest struct {
	Email           string `json:"email"`
	Token           string `json:"token"`
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

func (h *AuthHandler) ResetPassword(c *fiber.Ctx) error {
	var req resetPasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.Token) == "" {
		return utils.Error(c, fiber.StatusBadRequest, "email and token are required")
	}
	if len(req.NewPassword) < 8 {
		return utils.Error(c, fiber.StatusBadRequest, "newPassword must be at least 8 characters")
	}
	if req.NewPassword != req.ConfirmPassword {
		return utils.Error(c, fiber.StatusBadRequest, "passwords do not match")
	}

	if fail := h.Auth.ResetPassword(c.Context(), req.Email, req.Token, req.NewPassword); fail != nil {
		return failureError(c, fail)
	}

	var user models.User
	if err := h.DB.First(&user, "email = ?", strings.ToLower(strings.TrimSpace(req.Email))).Error; err == nil {
		h.Audit.LogAsync(services.AuditEntry{
			UserID:       &user.ID,
			Action:       "user.password_reset",
			ResourceType: "user",
			ResourceID:   &user.ID,
			IPAddress:    c.IP(),
			RequestID:    getRequestID(c),
		})
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "password reset"})
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}
	return utils.Success(c, fiber.StatusOK, user)
}

type updateMeRequest struct {
	FirstName *string `json:"firstName"`
	LastName  *string `json:"lastName"`
}

func (h *AuthHandler) UpdateMe(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req updateMeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	updates := map[string]interface{}{}
	if req.FirstName != nil {
		value := strings.TrimSpace(*req.FirstName)
		if value == "" {
			return utils.Error(c, fiber.StatusBadRequest, "firstName cannot be empty")
		}
		updates["first_name"] = value
	}
	if req.LastName != nil {
		value := strings.TrimSpace(*req.LastName)
		if value == "" {
			return utils.Error(c, fiber.StatusBadRequest, "lastName cannot be empty")
		}
		updates["last_name"] = value
	}

	if len(updates) == 0 {
		return utils.Error(c, fiber.StatusBadRequest, "no valid fields to update")
	}

	if err := h.DB.Model(&models.User{}).Where("id = ?", currentUser.ID).Updates(updates).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating user")
	}

	var updated models.User
	if err := h.DB.First(&updated, "id = ?", currentUser.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed fetching updated user")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &currentUser.ID,
		Action:       "user.profile_update",
		ResourceType: "user",
		ResourceID:   &currentUser.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, updated)
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

func (h *AuthHandler) ChangePassword(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req changePasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	if len(req.NewPassword) < 8 {
		return utils.Error(c, fiber.StatusBadRequest, "newPassword must be at least 8 characters")
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", currentUser.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading user")
	}

	if !utils.CheckPassword(req.OldPassword, user.PasswordHash) {
		return utils.Error(c, fiber.StatusBadRequest, "oldPassword is incorrect")
	}

	hash, err := utils.HashPassword(req.NewPassword)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed hashing password")
	}

	if err := h.DB.Model(&models.User{}).Where("id = ?", user.ID).Update("password_hash", hash).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating password")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &currentUser.ID,
		Action:       "user.password_change",
		ResourceType: "user",
		ResourceID:   &currentUser.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "password updated"})
}
