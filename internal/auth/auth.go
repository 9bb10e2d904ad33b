package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidKey   = errors.New("invalid api key")
)

// Config configures authentication helpers.
type Config struct {
	JWTSecret   string
	TokenExpiry time.Duration
	APIKeys     []APIKeyConfig
}

// APIKeyConfig declares a static API key and the app user it acts as.
type APIKeyConfig struct {
	Key    string
	UserID int64
}

// Identity is the authenticated principal of a request.
type Identity struct {
	UserID int64
}

// Service validates JWTs and static API keys.
type Service struct {
	jwt     *JWTService
	apiKeys map[string]Identity
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry)
	}
	service.apiKeys = buildAPIKeyMap(cfg.APIKeys)
	return service
}

// Enabled reports whether auth checks should run.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.apiKeys) > 0)
}

// GenerateJWT issues a signed token for the given app user.
func (s *Service) GenerateJWT(userID int64) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(userID)
}

// ValidateJWT validates a JWT and returns the identity it carries.
func (s *Service) ValidateJWT(token string) (Identity, error) {
	if s == nil || s.jwt == nil {
		return Identity{}, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}

// ValidateAPIKey validates an API key and returns the associated identity.
// Uses constant-time comparison to prevent timing attacks.
func (s *Service) ValidateAPIKey(key string) (Identity, error) {
	if s == nil || len(s.apiKeys) == 0 {
		return Identity{}, ErrAuthDisabled
	}
	inputKey := strings.TrimSpace(key)
	var matched Identity
	var found bool
	for storedKey, identity := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(inputKey), []byte(storedKey)) == 1 {
			matched = identity
			found = true
		}
	}
	if !found {
		return Identity{}, ErrInvalidKey
	}
	return matched, nil
}

func buildAPIKeyMap(keys []APIKeyConfig) map[string]Identity {
	out := map[string]Identity{}
	for _, entry := range keys {
		key := strings.TrimSpace(entry.Key)
		if key == "" || entry.UserID <= 0 {
			continue
		}
		out[key] = Identity{UserID: entry.UserID}
	}
	return out
}
