package handlers

import (
	"strings"

	"github.com/authbase/backend/internal/middleware"
	"github.com/authbase/backend/internal/services"
	"github.com/authbase/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type TwoFactorHandler struct {
	DB        *gorm.DB
	TwoFactor *services.TwoFactorService
	Audit     *services.AuditService
}

func NewTwoFactorHandler(db *gorm.DB, twoFactor *services.TwoFactorService, audit *services.AuditService) *TwoFactorHandler {
	return &TwoFactorHandler{DB: db, TwoFactor: twoFactor, Audit: audit}
}

// Enable starts enrollment: a fresh secret and backup codes are returned,
// but the second factor is not enforced until the first successful Verify.
func (h *TwoFactorHandler) Enable(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	result, fail := h.TwoFactor.Enable(c.Context(), user.ID)
	if fail != nil {
		return failureError(c, fail)
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "two_factor.enrollment_started",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, result)
}

type verifyTwoFactorRequest struct {
	Code string `json:"code"`
}

func (h *TwoFactorHandler) Verify(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req verifyTwoFactorRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Code) == "" {
		return utils.Error(c, fiber.StatusBadRequest, "code is required")
	}

	if fail := h.TwoFactor.Verify(c.Context(), user.ID, strings.TrimSpace(req.Code)); fail != nil {
		return failureError(c, fail)
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "two_factor.enabled",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "two-factor authentication enabled"})
}

type disableTwoFactorRequest struct {
	Password string `json:"password"`
	Code     string `json:"code"`
}

func (h *TwoFactorHandler) Disable(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req disableTwoFactorRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Password == "" || strings.TrimSpace(req.Code) == "" {
		return utils.Error(c, fiber.StatusBadRequest, "password and code are required")
	}

	if fail := h.TwoFactor.Disable(c.Context(), user.ID, req.Password, strings.TrimSpace(req.Code)); fail != nil {
		return failureError(c, fail)
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "two_factor.disabled",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "two-factor authentication disabled"})
}

// RegenerateBackupCodes invalidates every existing backup code and returns
// a fresh set. The plaintext codes are shown exactly once.
func (h *TwoFactorHandler) RegenerateBackupCodes(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	if !user.TwoFactorEnabled {
		return utils.Error(c, fiber.StatusBadRequest, "two-factor authentication is not enabled")
	}

	codes, err := h.TwoFactor.GenerateBackupCodes(c.Context(), user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating backup codes")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "two_factor.backup_regenerated",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"backupCodes": codes})
}

func (h *TwoFactorHandler) Status(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	status, fail := h.TwoFactor.Status(c.Context(), user.ID)
	if fail != nil {
		return failureError(c, fail)
	}
	return utils.Success(c, fiber.StatusOK, status)
}
