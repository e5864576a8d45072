// Package auth guards the status API with a shared bearer token.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidToken is returned when the presented token does not match.
	ErrInvalidToken = errors.New("invalid token")
	// ErrMissingToken is returned when the request carries no bearer token.
	ErrMissingToken = errors.New("missing bearer token")
)

// Config is the [server.auth] section. TokenHash holds a bcrypt hash and
// takes precedence over a plain Token so the secret need not sit in the file.
type Config struct {
	Enabled   bool   `mapstructure:"enabled"`
	Token     string `mapstructure:"token"`
	TokenHash string `mapstructure:"token_hash"`
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Token == "" && c.TokenHash == "" {
		return errors.New("server.auth: token or token_hash required when enabled")
	}
	if c.TokenHash != "" {
		if _, err := bcrypt.Cost([]byte(c.TokenHash)); err != nil {
			return fmt.Errorf("server.auth.token_hash: %w", err)
		}
	}
	return nil
}

// Middleware checks the Authorization header of every request.
type Middleware struct {
	cfg Config
}

func NewMiddleware(cfg Config) (*Middleware, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Middleware{cfg: cfg}, nil
}

func (m *Middleware) Enabled() bool { return m != nil && m.cfg.Enabled }

// Verify compares token against the configured secret.
func (m *Middleware) Verify(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	if m.cfg.TokenHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(m.cfg.TokenHash), []byte(token)) != nil {
			return ErrInvalidToken
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(m.cfg.Token), []byte(token)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// GinAuth returns a Gin middleware function for authentication
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}
		if err := m.Verify(BearerToken(c.Request)); err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="stackup"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

// BearerToken extracts the token from "Authorization: Bearer <token>".
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// GenerateToken returns 32 random bytes, hex encoded.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashToken produces a value for token_hash.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
