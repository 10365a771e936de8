package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const insecureDevSecret = "change-me-in-production"

type Config struct {
	DB        DBConfig
	MinIO     MinIOConfig
	JWT       JWTConfig
	TwoFactor TwoFactorConfig
	Lockout   LockoutConfig
	Tokens    TokenConfig
	SMTP      SMTPConfig
	Server    ServerConfig
	Audit     AuditConfig
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type MinIOConfig struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type JWTConfig struct {
	Secret            string
	Issuer            string
	Audience          string
	ExpirationMinutes int
	RefreshTokenDays  int
}

type TwoFactorConfig struct {
	Issuer                     string
	MachineTokenSecret         string
	MachineTokenPreviousSecret string
	MachineTokenDays           int
}

type LockoutConfig struct {
	MaxAttempts int
	Duration    time.Duration
}

type TokenConfig struct {
	ConfirmationValidity  time.Duration
	PasswordResetValidity time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

type ServerConfig struct {
	Port        string
	FrontendURL string
	Environment string
}

type AuditConfig struct {
	ExportInterval time.Duration
}

func Load() *Config {
	return &Config{
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "authbase"),
			Password: getEnv("DB_PASSWORD", "authbase_secret"),
			Name:     getEnv("DB_NAME", "authbase"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		MinIO: MinIOConfig{
			Enabled:   getEnvAsBool("MINIO_ENABLED", false),
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", "authbase"),
			SecretKey: getEnv("MINIO_SECRET_KEY", "authbase_secret"),
			Bucket:    getEnv("MINIO_BUCKET", "authbase-audit"),
			UseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
		},
		JWT: JWTConfig{
			Secret:            getEnv("JWT_SECRET", insecureDevSecret),
			Issuer:            getEnv("JWT_ISSUER", "authbase"),
			Audience:          getEnv("JWT_AUDIENCE", "authbase"),
			ExpirationMinutes: getEnvAsInt("JWT_EXPIRATION_MINUTES", 15),
			RefreshTokenDays:  getEnvAsInt("REFRESH_TOKEN_DAYS", 14),
		},
		TwoFactor: TwoFactorConfig{
			Issuer:                     getEnv("TOTP_ISSUER", "Authbase"),
			MachineTokenSecret:         getEnv("MACHINE_TOKEN_SECRET", ""),
			MachineTokenPreviousSecret: getEnv("MACHINE_TOKEN_PREVIOUS_SECRET", ""),
			MachineTokenDays:           getEnvAsInt("MACHINE_TOKEN_DAYS", 30),
		},
		Lockout: LockoutConfig{
			MaxAttempts: getEnvAsInt("LOCKOUT_MAX_ATTEMPTS", 5),
			Duration:    getEnvAsDuration("LOCKOUT_DURATION", 5*time.Minute),
		},
		Tokens: TokenConfig{
			ConfirmationValidity:  getEnvAsDuration("CONFIRMATION_TOKEN_VALIDITY", 48*time.Hour),
			PasswordResetValidity: getEnvAsDuration("PASSWORD_RESET_TOKEN_VALIDITY", 30*time.Minute),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnv("SMTP_PORT", "587"),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "no-reply@authbase.local"),
		},
		Server: ServerConfig{
			Port:        getEnv("SERVER_PORT", "8080"),
			FrontendURL: getEnv("FRONTEND_URL", "http://localhost:3001"),
			Environment: getEnv("APP_ENV", "development"),
		},
		Audit: AuditConfig{
			ExportInterval: getEnvAsDuration("AUDIT_EXPORT_INTERVAL", 1*time.Hour),
		},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

// Validate fails fast on insecure settings outside development. The insecure
// defaults exist so a fresh checkout boots without any configuration, but a
// production deployment must provision real secrets.
func (c *Config) Validate() error {
	if c.JWT.ExpirationMinutes <= 0 {
		return fmt.Errorf("JWT_EXPIRATION_MINUTES must be positive")
	}
	if c.JWT.RefreshTokenDays <= 0 {
		return fmt.Errorf("REFRESH_TOKEN_DAYS must be positive")
	}
	if c.Lockout.MaxAttempts <= 0 {
		return fmt.Errorf("LOCKOUT_MAX_ATTEMPTS must be positive")
	}

	if c.IsDevelopment() {
		return nil
	}

	if c.JWT.Secret == insecureDevSecret {
		return fmt.Errorf("JWT_SECRET must be set outside development")
	}
	if len(c.JWT.Secret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes, got %d", len(c.JWT.Secret))
	}
	if c.TwoFactor.MachineTokenSecret == "" {
		return fmt.Errorf("MACHINE_TOKEN_SECRET must be set outside development")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}
