package api

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	tokenHashIterations = 120000
	tokenHashSaltLength = 16
	tokenHashKeyLength  = 32
)

// ErrInvalidToken is returned when a presented operator token does not match
// the configured hash.
var ErrInvalidToken = errors.New("invalid operator token")

// HashToken derives a storable hash for an operator token. The output embeds
// the algorithm, iteration count, salt and key.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("token is required")
	}
	salt := make([]byte, tokenHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(token), salt, tokenHashIterations, tokenHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", tokenHashIterations, encodedSalt, encodedKey), nil
}

// VerifyToken checks a candidate token against a stored hash in constant
// time.
func VerifyToken(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify token: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify token: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify token: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify token: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify token: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if len(derived) != len(storedKey) || subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// OperatorAuth guards the admin routes with a bearer token checked against a
// PBKDF2 hash. An empty hash disables the admin surface entirely.
type OperatorAuth struct {
	hash string
}

// NewOperatorAuth wraps a stored token hash. Pass an empty string to keep the
// admin routes closed.
func NewOperatorAuth(hash string) *OperatorAuth {
	return &OperatorAuth{hash: strings.TrimSpace(hash)}
}

// Enabled reports whether an operator token has been configured.
func (a *OperatorAuth) Enabled() bool { return a.hash != "" }

// Authorize wraps an admin handler with bearer-token verification.
func (a *OperatorAuth) Authorize(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			writeError(w, http.StatusForbidden, errors.New("operator token not configured"))
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, errors.New("bearer token required"))
			return
		}
		if err := VerifyToken(a.hash, token); err != nil {
			writeError(w, http.StatusUnauthorized, ErrInvalidToken)
			return
		}
		next(w, r)
	}
}
