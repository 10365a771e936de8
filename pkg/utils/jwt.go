package utils

import (
	"fmt"
	"time"

	"github.com/authbase/backend/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	jwtSecret            = []byte("change-me-in-production")
	jwtIssuer            = "authbase"
	jwtAudience          = "authbase"
	jwtExpirationMinutes = 15
)

type Claims struct {
	UserID           uuid.UUID `json:"userID"`
	Username         string    `json:"username"`
	Email            string    `json:"email"`
	GivenName        string    `json:"givenName"`
	FamilyName       string    `json:"familyName"`
	EmailConfirmed   bool      `json:"emailConfirmed"`
	TwoFactorEnabled bool      `json:"twoFactorEnabled"`
	Roles            []string  `json:"roles"`
	jwt.RegisteredClaims
}

func ConfigureJWT(secret, issuer, audience string, expirationMinutes int) {
	if secret != "" {
		jwtSecret = []byte(secret)
	}
	if issuer != "" {
		jwtIssuer = issuer
	}
	if audience != "" {
		jwtAudience = audience
	}
	if expirationMinutes > 0 {
		jwtExpirationMinutes = expirationMinutes
	}
}

func GenerateToken(user *models.User, roles []string) (string, error) {
	now := time.Now()
	expiresAt := now.Add(time.Duration(jwtExpirationMinutes) * time.Minute)
	claims := Claims{
		UserID:           user.ID,
		Username:         user.Username,
		Email:            user.Email,
		GivenName:        user.FirstName,
		FamilyName:       user.LastName,
		EmailConfirmed:   user.EmailConfirmed,
		TwoFactorEnabled: user.TwoFactorEnabled,
		Roles:            roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    jwtIssuer,
			Audience:  jwt.ClaimStrings{jwtAudience},
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

// ValidateToken verifies signature, issuer, audience and expiry with zero
// clock-skew tolerance. Any mismatch returns an error, never a panic.
func ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return jwtSecret, nil
	},
		jwt.WithIssuer(jwtIssuer),
		jwt.WithAudience(jwtAudience),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

// IsTokenExpired decodes without verifying the signature. It exists for
// auxiliary checks only and must never feed a trust decision.
func IsTokenExpired(tokenString string) bool {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return true
	}
	if claims.ExpiresAt == nil {
		return true
	}
	return claims.ExpiresAt.Before(time.Now())
}
