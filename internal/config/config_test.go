package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %q", cfg.Server.Port)
	}
	if !cfg.IsDevelopment() {
		t.Error("expected development environment by default")
	}
	if cfg.JWT.ExpirationMinutes != 15 {
		t.Errorf("expected 15 minute access tokens, got %d", cfg.JWT.ExpirationMinutes)
	}
	if cfg.JWT.RefreshTokenDays != 14 {
		t.Errorf("expected 14 day refresh tokens, got %d", cfg.JWT.RefreshTokenDays)
	}
	if cfg.Lockout.MaxAttempts != 5 {
		t.Errorf("expected 5 attempt lockout, got %d", cfg.Lockout.MaxAttempts)
	}
	if cfg.Lockout.Duration != 5*time.Minute {
		t.Errorf("expected 5 minute lockout, got %s", cfg.Lockout.Duration)
	}
	if cfg.Tokens.ConfirmationValidity != 48*time.Hour {
		t.Errorf("expected 48h confirmation validity, got %s", cfg.Tokens.ConfirmationValidity)
	}
	if cfg.Tokens.PasswordResetValidity != 30*time.Minute {
		t.Errorf("expected 30m reset validity, got %s", cfg.Tokens.PasswordResetValidity)
	}
	if cfg.MinIO.Enabled {
		t.Error("expected MinIO export disabled by default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("JWT_EXPIRATION_MINUTES", "5")
	t.Setenv("LOCKOUT_DURATION", "10m")
	t.Setenv("MINIO_ENABLED", "true")
	t.Setenv("APP_ENV", "production")

	cfg := Load()

	if cfg.Server.Port != "9999" {
		t.Errorf("expected port 9999, got %q", cfg.Server.Port)
	}
	if cfg.JWT.ExpirationMinutes != 5 {
		t.Errorf("expected 5 minute expiration, got %d", cfg.JWT.ExpirationMinutes)
	}
	if cfg.Lockout.Duration != 10*time.Minute {
		t.Errorf("expected 10 minute lockout, got %s", cfg.Lockout.Duration)
	}
	if !cfg.MinIO.Enabled {
		t.Error("expected MinIO enabled")
	}
	if cfg.IsDevelopment() {
		t.Error("expected production environment")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Load()
		cfg.Server.Environment = "production"
		cfg.JWT.Secret = "a-real-secret-with-at-least-32-bytes!"
		cfg.TwoFactor.MachineTokenSecret = "machine-token-secret"
		return cfg
	}

	t.Run("valid production config", func(t *testing.T) {
		if err := base().Validate(); err != nil {
			t.Fatalf("expected valid config, got %v", err)
		}
	})

	t.Run("development tolerates insecure defaults", func(t *testing.T) {
		cfg := Load()
		cfg.Server.Environment = "development"
		if err := cfg.Validate(); err != nil {
			t.Fatalf("development defaults should validate, got %v", err)
		}
	})

	t.Run("rejects default secret in production", func(t *testing.T) {
		cfg := base()
		cfg.JWT.Secret = insecureDevSecret
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected error for default secret")
		}
	})

	t.Run("rejects short secret in production", func(t *testing.T) {
		cfg := base()
		cfg.JWT.Secret = "too-short"
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected error for short secret")
		}
	})

	t.Run("rejects missing machine token secret in production", func(t *testing.T) {
		cfg := base()
		cfg.TwoFactor.MachineTokenSecret = ""
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected error for missing machine token secret")
		}
	})

	t.Run("rejects non-positive expirations", func(t *testing.T) {
		cfg := base()
		cfg.JWT.ExpirationMinutes = 0
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected error for zero expiration")
		}

		cfg = base()
		cfg.JWT.RefreshTokenDays = -1
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected error for negative refresh days")
		}

		cfg = base()
		cfg.Lockout.MaxAttempts = 0
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected error for zero lockout attempts")
		}
	})
}
