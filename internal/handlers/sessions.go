package handlers

import (
	"github.com/authbase/backend/internal/middleware"
	"github.com/authbase/backend/internal/services"
	"github.com/authbase/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type SessionsHandler struct {
	DB    *gorm.DB
	Auth  *services.AuthService
	Audit *services.AuditService
}

func NewSessionsHandler(db *gorm.DB, auth *services.AuthService, audit *services.AuditService) *SessionsHandler {
	return &SessionsHandler{DB: db, Auth: auth, Audit: audit}
}

// List returns the caller's active refresh-token sessions, newest first.
func (h *SessionsHandler) List(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	sessions, err := h.Auth.ListSessions(c.Context(), user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing sessions")
	}

	return utils.Success(c, fiber.StatusOK, sessions)
}

func (h *SessionsHandler) Revoke(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	sessionID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid session id")
	}

	if fail := h.Auth.RevokeSession(c.Context(), user.ID, sessionID); fail != nil {
		return failureError(c, fail)
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "session.revoke",
		ResourceType: "session",
		ResourceID:   &sessionID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "session revoked"})
}

func (h *SessionsHandler) RevokeAll(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	if fail := h.Auth.RevokeAllSessions(c.Context(), user.ID); fail != nil {
		return failureError(c, fail)
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "session.revoke_all",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "all sessions revoked"})
}
