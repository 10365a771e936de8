package handlers

import (
	"strings"

	"github.com/authbase/backend/internal/services"
	"github.com/authbase/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(value))
}

func getRequestID(c *fiber.Ctx) string {
	if value, ok := c.Locals("requestID").(string); ok {
		return value
	}
	return ""
}

// failureError maps the service-layer failure taxonomy onto HTTP statuses.
func failureError(c *fiber.Ctx, f *services.Failure) error {
	var status int
	switch f.Kind {
	case services.FailureValidation:
		status = fiber.StatusBadRequest
	case services.FailureNotFound:
		status = fiber.StatusNotFound
	case services.FailureConflict:
		status = fiber.StatusConflict
	case services.FailureUnauthorized, services.FailureLocked:
		status = fiber.StatusUnauthorized
	default:
		status = fiber.StatusInternalServerError
	}
	return utils.Error(c, status, f.Message)
}
