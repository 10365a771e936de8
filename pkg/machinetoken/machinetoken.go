// Package machinetoken issues HMAC-signed "remember this machine" tokens.
// A valid token presented at login lets a trusted device skip the
// two-factor challenge for a bounded period.
package machinetoken

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

const defaultValidity = 30 * 24 * time.Hour

var (
	secret         []byte
	previousSecret []byte
	validity       = defaultValidity
)

type MachineToken struct {
	UserID      string `json:"uid"`
	Fingerprint string `json:"fph"`
	ExpiresAt   int64  `json:"exp"`
	Nonce       string `json:"nce"`
}

// Configure sets the signing key. previous may be empty; when set, tokens
// signed with it are still accepted, which allows key rotation without
// invalidating every trusted machine at once.
func Configure(primary, previous string, tokenValidity time.Duration) {
	secret = []byte(primary)
	if previous != "" {
		previousSecret = []byte(previous)
	} else {
		previousSecret = nil
	}
	if tokenValidity > 0 {
		validity = tokenValidity
	}
}

// Generate binds a user id to a hashed machine fingerprint. It returns ""
// until Configure has provided a signing key; there is no fallback key.
func Generate(userID, fingerprint string) string {
	if len(secret) == 0 {
		return ""
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return ""
	}

	tok := MachineToken{
		UserID:      userID,
		Fingerprint: hashFingerprint(fingerprint),
		ExpiresAt:   time.Now().Add(validity).Unix(),
		Nonce:       hex.EncodeToString(nonce),
	}

	data, err := json.Marshal(tok)
	if err != nil {
		return ""
	}

	encoded := base64.RawURLEncoding.EncodeToString(data)
	return encoded + "." + sign(data, secret)
}

// Validate checks the signature, expiry and that the token was minted for
// the presenting machine's fingerprint.
func Validate(tokenString, fingerprint string) (*MachineToken, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("no signing key configured")
	}

	dataPart, sigPart, err := split(tokenString)
	if err != nil {
		return nil, err
	}

	decoded, err := base64.RawURLEncoding.DecodeString(dataPart)
	if err != nil {
		return nil, fmt.Errorf("invalid token encoding")
	}

	if !signatureMatches(decoded, sigPart) {
		return nil, fmt.Errorf("invalid token signature")
	}

	var tok MachineToken
	if err := json.Unmarshal(decoded, &tok); err != nil {
		return nil, fmt.Errorf("invalid token data")
	}

	if time.Now().Unix() > tok.ExpiresAt {
		return nil, fmt.Errorf("token expired")
	}

	if tok.Fingerprint != hashFingerprint(fingerprint) {
		return nil, fmt.Errorf("fingerprint mismatch")
	}

	return &tok, nil
}

func signatureMatches(data []byte, sig string) bool {
	if hmac.Equal([]byte(sign(data, secret)), []byte(sig)) {
		return true
	}
	if previousSecret != nil {
		return hmac.Equal([]byte(sign(data, previousSecret)), []byte(sig))
	}
	return false
}

func hashFingerprint(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:])
}

func sign(data []byte, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func split(tokenString string) (string, string, error) {
	for i := len(tokenString) - 1; i >= 0; i-- {
		if tokenString[i] == '.' {
			if i == len(tokenString)-1 {
				break
			}
			return tokenString[:i], tokenString[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("invalid token format")
}
