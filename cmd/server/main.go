package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/authbase/backend/internal/config"
	"github.com/authbase/backend/internal/database"
	"github.com/authbase/backend/internal/handlers"
	"github.com/authbase/backend/internal/middleware"
	"github.com/authbase/backend/internal/services"
	"github.com/authbase/backend/internal/storage"
	"github.com/authbase/backend/pkg/logger"
	"github.com/authbase/backend/pkg/machinetoken"
	"github.com/authbase/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

func main() {
	logger.Init()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if cfg.IsDevelopment() {
		logger.Warn("development_mode", map[string]interface{}{
			"note": "insecure configuration defaults are permitted",
		})
	}

	utils.ConfigureJWT(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience, cfg.JWT.ExpirationMinutes)
	utils.ConfigureEncryption(cfg.JWT.Secret)

	machineSecret := cfg.TwoFactor.MachineTokenSecret
	if machineSecret == "" {
		// Only reachable in development; Validate rejects this elsewhere.
		machineSecret = cfg.JWT.Secret
		logger.Warn("machine_token_secret_fallback", map[string]interface{}{
			"note": "MACHINE_TOKEN_SECRET not set, deriving from JWT secret",
		})
	}
	machinetoken.Configure(
		machineSecret,
		cfg.TwoFactor.MachineTokenPreviousSecret,
		time.Duration(cfg.TwoFactor.MachineTokenDays)*24*time.Hour,
	)

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	var storageClient *storage.MinIOClient
	if cfg.MinIO.Enabled {
		storageClient, err = storage.NewMinIOClient(cfg.MinIO)
		if err != nil {
			log.Fatalf("minio initialization failed: %v", err)
		}
		if err := storageClient.EnsureBucket(context.Background()); err != nil {
			log.Fatalf("failed ensuring minio bucket: %v", err)
		}
	}

	auditService := services.NewAuditService(db, storageClient)
	if cfg.MinIO.Enabled {
		auditService.StartExporter(cfg.Audit.ExportInterval)
	}

	mailer := services.NewMailer(cfg.SMTP)
	twoFactorService := services.NewTwoFactorService(db, cfg.TwoFactor.Issuer)
	authService := services.NewAuthService(db, mailer, twoFactorService, cfg)

	authHandler := handlers.NewAuthHandler(db, authService, auditService)
	twoFactorHandler := handlers.NewTwoFactorHandler(db, twoFactorService, auditService)
	sessionsHandler := handlers.NewSessionsHandler(db, authService, auditService)
	usersHandler := handlers.NewUsersHandler(db, authService, auditService)
	activitiesHandler := handlers.NewActivitiesHandler(db)
	auditHandler := handlers.NewAuditHandler(db)

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
	activityRoutes.Put("/:id/read", activitiesHandler.MarkRead)
	activityRoutes.Put("/read-all", activitiesHandler.MarkAllRead)

	api.Get("/audit-log/export", authMiddleware.RequireAuth, auditHandler.ExportMyLog)

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":        cfg.Server.Port,
		"address":     listenAddr,
		"environment": cfg.Server.Environment,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(listenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("shutting down server due to signal: %s", sig)
		shutdownDone := make(chan struct{})
		go func() {
			_ = app.Shutdown()
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
		case <-time.After(10 * time.Second):
			log.Print("forced shutdown timeout reached")
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}
}
