package handlers

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/authbase/backend/internal/config"
	"github.com/authbase/backend/internal/middleware"
	"github.com/authbase/backend/internal/models"
	"github.com/authbase/backend/internal/services"
	"github.com/authbase/backend/pkg/logger"
	"github.com/authbase/backend/pkg/machinetoken"
	"github.com/authbase/backend/pkg/utils"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"
)

type testEnv struct {
	app    *fiber.App
	db     *gorm.DB
	auth   *services.AuthService
	mailer *recordingMailer
}

var testSetupOnce sync.Once

// recordingMailer captures outgoing mail so tests can pull tokens out of
// confirmation and reset links.
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

func (m *recordingMailer) last() *recordedMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	mail := m.sent[len(m.sent)-1]
	return &mail
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		gosqlite.MustRegisterScalarFunction("NOW", 0, func(ctx *gosqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return time.Now().UTC(), nil
		})
		logger.Init()
		utils.ConfigureJWT("handler-test-secret", "authbase-test", "authbase-test", 15)
		utils.ConfigureEncryption("handler-test-secret")
		machinetoken.Configure("handler-test-machine-secret", "", 30*24*time.Hour)
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

	cfg := &config.Config{
		JWT: config.JWTConfig{
			Secret:            "handler-test-secret",
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
			FrontendURL: "http://localhost:3001",
			Environment: "development",
		},
	}

	mailer := &recordingMailer{}
	auditService := services.NewAuditService(db, nil)
	twoFactorService := services.NewTwoFactorService(db, cfg.TwoFactor.Issuer)
	authService := services.NewAuthService(db, mailer, twoFactorService, cfg)

	authHandler := NewAuthHandler(db, authService, auditService)
	twoFactorHandler := NewTwoFactorHandler(db, twoFactorService, auditService)
	sessionsHandler := NewSessionsHandler(db, authService, auditService)
	usersHandler := NewUsersHandler(db, authService, auditService)
	activitiesHandler := NewActivitiesHandler(db)
	auditHandler := NewAuditHandler(db)
	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS(cfg.Server.FrontendURL))
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/register", authHandler.Register)
	authRoutes.Get("/confirm-email", authHandler.ConfirmEmail)
	authRoutes.Post("/resend-confirmation", authHandler.ResendConfirmation)
	authRoutes.Post("/login", authHandler.Login)
	authRoutes.Post("/login/2fa", authHandler.Complete2FALogin)
	authRoutes.Post("/refresh", authHandler.RefreshToken)
	authRoutes.Post("/logout", authMiddleware.OptionalAuth, authHandler.Logout)
	authRoutes.Post("/forgot-password", authHandler.ForgotPassword)
	authRoutes.Post("/reset-password", authHandler.ResetPassword)
	authRoutes.Get("/me", authMiddleware.RequireAuth, authHandler.Me)
	authRoutes.Put("/me", authMiddleware.RequireAuth, authHandler.UpdateMe)
	authRoutes.Put("/password", authMiddleware.RequireAuth, authHandler.ChangePassword)

	twoFactorRoutes := api.Group("/auth/2fa", authMiddleware.RequireAuth)
	twoFactorRoutes.Post("/enable", twoFactorHandler.Enable)
	twoFactorRoutes.Post("/verify", twoFactorHandler.Verify)
	twoFactorRoutes.Post("/disable", twoFactorHandler.Disable)
	twoFactorRoutes.Post("/backup-codes", twoFactorHandler.RegenerateBackupCodes)
	twoFactorRoutes.Get("/status", twoFactorHandler.Status)

	sessionRoutes := api.Group("/auth/sessions", authMiddleware.RequireAuth)
	sessionRoutes.Get("/", sessionsHandler.List)
	sessionRoutes.Delete("/:id", sessionsHandler.Revoke)
	sessionRoutes.Delete("/", sessionsHandler.RevokeAll)

	api.Get("/users/search", authMiddleware.RequireAuth, usersHandler.Search)

	userRoutes := api.Group("/users", authMiddleware.RequireAuth, middleware.AdminOnly)
	userRoutes.Get("/", usersHandler.List)
	userRoutes.Get("/:id", usersHandler.Get)
	userRoutes.Put("/:id", usersHandler.Update)
	userRoutes.Delete("/:id", usersHandler.Delete)
	userRoutes.Post("/:id/roles", usersHandler.GrantRole)
	userRoutes.Delete("/:id/roles/:role", usersHandler.RevokeRole)

	activityRoutes := api.Group("/activities", authMiddleware.RequireAuth)
	activityRoutes.Get("/", activitiesHandler.List)
	activityRoutes.Get("/unread-count", activitiesHandler.UnreadCount)
	activityRoutes.Put("/read-all", activitiesHandler.MarkAllRead)
	activityRoutes.Put("/:id/read", activitiesHandler.MarkRead)

	api.Get("/audit-log/export", authMiddleware.RequireAuth, auditHandler.ExportMyLog)

	return &testEnv{app: app, db: db, auth: authService, mailer: mailer}
}

func createTestUser(t *testing.T, db *gorm.DB, email, password string, role models.UserRole) (*models.User, string) {
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
		Role:           role,
		EmailConfirmed: true,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating test user: %v", err)
	}

	token, err := utils.GenerateToken(user, []string{string(role)})
	if err != nil {
		t.Fatalf("failed generating auth token: %v", err)
	}

	return user, token
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}

	return performRequest(t, app, method, path, body, requestHeaders)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}

	return payload
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertEnvelopeError(t *testing.T, body map[string]any, expected string) {
	t.Helper()
	if success, _ := body["success"].(bool); success {
		t.Fatalf("expected success=false, got %+v", body)
	}
	if got, _ := body["error"].(string); got != expected {
		t.Fatalf("expected error %q, got %q", expected, got)
	}
}

// extractTokenFromMail pulls the token query parameter out of the most
// recently captured email.
func extractTokenFromMail(t *testing.T, mailer *recordingMailer) string {
	t.Helper()

	mail := mailer.last()
	if mail == nil {
		t.Fatal("expected an email to have been sent")
	}

	marker := "token="
	idx := strings.Index(mail.Body, marker)
	if idx < 0 {
		t.Fatalf("no token link in email body: %q", mail.Body)
	}
	rest := mail.Body[idx+len(marker):]
	if end := strings.IndexAny(rest, "&\""); end >= 0 {
		rest = rest[:end]
	}
	return rest
}

func dataMap(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	data, ok := body["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected data object in envelope, got %+v", body)
	}
	return data
}
