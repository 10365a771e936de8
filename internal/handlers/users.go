package handlers

import (
	"strings"

	"github.com/authbase/backend/internal/middleware"
	"github.com/authbase/backend/internal/models"
	"github.com/authbase/backend/internal/services"
	"github.com/authbase/backend/pkg/logger"
	"github.com/authbase/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type UsersHandler struct {
	DB    *gorm.DB
	Auth  *services.AuthService
	Audit *services.AuditService
}

func NewUsersHandler(db *gorm.DB, auth *services.AuthService, audit *services.AuditService) *UsersHandler {
	return &UsersHandler{DB: db, Auth: auth, Audit: audit}
}

func (h *UsersHandler) List(c *fiber.Ctx) error {
	p := utils.ParsePagination(c)
	search := strings.TrimSpace(c.Query("search"))

	query := h.DB.Model(&models.User{})
	if search != "" {
		searchValue := "%" + strings.ToLower(search) + "%"
		query = query.Where(
			"LOWER(username) LIKE ? OR LOWER(email) LIKE ? OR LOWER(first_name) LIKE ? OR LOWER(last_name) LIKE ?",
			searchValue,
			searchValue,
			searchValue,
			searchValue,
		)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed counting users")
	}

	var users []models.User
	if err := utils.ApplyPagination(query.Order("created_at DESC"), p).Find(&users).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing users")
	}

	return utils.Paginated(c, users, p.Page, p.Limit, total)
}

func (h *UsersHandler) Search(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	search := strings.TrimSpace(c.Query("search"))
	limit := c.QueryInt("limit", 5)

	if limit > 50 {
		limit = 50
	}

	if search != "" && currentUser != nil {
		logger.InfoWithUser(currentUser.ID.String(), "user_search", map[string]interface{}{
			"query": search,
			"limit": limit,
		})
	}

	query := h.DB.Model(&models.User{})
	if search != "" {
		searchValue := "%" + strings.ToLower(search) + "%"
		query = query.Where(
			"LOWER(username) LIKE ? OR LOWER(email) LIKE ? OR LOWER(first_name) LIKE ? OR LOWER(last_name) LIKE ?",
			searchValue,
			searchValue,
			searchValue,
			searchValue,
		)
	}

	var users []models.User
	if err := query.Order("created_at DESC").Limit(limit).Find(&users).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed searching users")
	}

	return utils.Success(c, fiber.StatusOK, users)
}

func (h *UsersHandler) Get(c *fiber.Ctx) error {
	userID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id")
	}

	var user models.User
	if err := h.DB.Preload("RoleGrants").First(&user, "id = ?", userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.Error(c, fiber.StatusNotFound, "user not found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed fetching user")
	}

	return utils.Success(c, fiber.StatusOK, user)
}

type updateUserRequest struct {
	FirstName      *string          `json:"firstName"`
	LastName       *string          `json:"lastName"`
	Role           *models.UserRole `json:"role"`
	EmailConfirmed *bool            `json:"emailConfirmed"`
}

func (h *UsersHandler) Update(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	userID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id")
	}

	var req updateUserRequest
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
	if req.Role != nil {
		if *req.Role != models.UserRoleAdmin && *req.Role != models.UserRoleUser {
			return utils.Error(c, fiber.StatusBadRequest, "invalid role")
		}
		if currentUser != nil && currentUser.ID == userID && *req.Role != models.UserRoleAdmin {
			return utils.Error(c, fiber.StatusBadRequest, "cannot remove your own admin role")
		}
		updates["role"] = *req.Role
	}
	if req.EmailConfirmed != nil {
		updates["email_confirmed"] = *req.EmailConfirmed
	}

	if len(updates) == 0 {
		return utils.Error(c, fiber.StatusBadRequest, "no valid fields to update")
	}

	result := h.DB.Model(&models.User{}).Where("id = ?", userID).Updates(updates)
	if result.Error != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating user")
	}
	if result.RowsAffected == 0 {
		return utils.Error(c, fiber.StatusNotFound, "user not found")
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", userID).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed fetching updated user")
	}

	if currentUser != nil {
		h.Audit.LogAsync(services.AuditEntry{
			UserID:       &currentUser.ID,
			Action:       "admin.user_update",
			ResourceType: "user",
			ResourceID:   &userID,
			Details: map[string]interface{}{
				"target_user_id": userID.String(),
			},
			IPAddress: c.IP(),
			RequestID: getRequestID(c),
		})
	}

	return utils.Success(c, fiber.StatusOK, user)
}

func (h *UsersHandler) Delete(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	userID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id")
	}

	if currentUser != nil && currentUser.ID == userID {
		return utils.Error(c, fiber.StatusBadRequest, "cannot delete your own account")
	}

	result := h.DB.Delete(&models.User{}, "id = ?", userID)
	if result.Error != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed deleting user")
	}
	if result.RowsAffected == 0 {
		return utils.Error(c, fiber.StatusNotFound, "user not found")
	}

	// A deleted user's sessions must stop working with their account.
	h.Auth.RevokeAllSessions(c.Context(), userID)

	if currentUser != nil {
		h.Audit.LogAsync(services.AuditEntry{
			UserID:       &currentUser.ID,
			Action:       "admin.user_delete",
			ResourceType: "user",
			ResourceID:   &userID,
			Details: map[string]interface{}{
				"target_user_id": userID.String(),
			},
			IPAddress: c.IP(),
			RequestID: getRequestID(c),
		})
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "user deleted"})
}

type roleGrantRequest struct {
	Role string `json:"role"`
}

// GrantRole adds a supplementary role to a user. Supplementary roles land
// in JWT claims alongside the primary role on the next token issue.
func (h *UsersHandler) GrantRole(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	userID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id")
	}

	var req roleGrantRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	role := strings.TrimSpace(strings.ToLower(req.Role))
	if role == "" {
		return utils.Error(c, fiber.StatusBadRequest, "role is required")
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", userID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "user not found")
	}

	var existing int64
	h.DB.Model(&models.RoleGrant{}).
		Where("user_id = ? AND role = ?", userID, role).
		Count(&existing)
	if existing > 0 {
		return utils.Error(c, fiber.StatusConflict, "role already granted")
	}

	grant := models.RoleGrant{UserID: userID, Role: role}
	if err := h.DB.Create(&grant).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed granting role")
	}

	if currentUser != nil {
		h.Audit.LogAsync(services.AuditEntry{
			UserID:       &currentUser.ID,
			Action:       "admin.role_grant",
			ResourceType: "user",
			ResourceID:   &userID,
			Details: map[string]interface{}{
				"target_user_id": userID.String(),
				"role":           role,
			},
			IPAddress: c.IP(),
			RequestID: getRequestID(c),
		})
	}

	return utils.Success(c, fiber.StatusCreated, grant)
}

func (h *UsersHandler) RevokeRole(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	userID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id")
	}

	role := strings.TrimSpace(strings.ToLower(c.Params("role")))
	if role == "" {
		return utils.Error(c, fiber.StatusBadRequest, "role is required")
	}

	// Hard delete: a soft-deleted grant would still occupy the unique
	// (user_id, role) index and block re-granting.
	result := h.DB.Unscoped().Where("user_id = ? AND role = ?", userID, role).Delete(&models.RoleGrant{})
	if result.Error != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed revoking role")
	}
	if result.RowsAffected == 0 {
		return utils.Error(c, fiber.StatusNotFound, "role grant not found")
	}

	if currentUser != nil {
		h.Audit.LogAsync(services.AuditEntry{
			UserID:       &currentUser.ID,
			Action:       "admin.role_revoke",
			ResourceType: "user",
			ResourceID:   &userID,
			Details: map[string]interface{}{
				"target_user_id": userID.String(),
				"role":           role,
			},
			IPAddress: c.IP(),
			RequestID: getRequestID(c),
		})
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "role revoked"})
}
