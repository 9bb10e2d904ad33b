package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// Middleware enforces JWT/API key auth on HTTP requests. With auth disabled
// every request passes through unauthenticated; handlers that need an
// identity must treat its absence as a configuration error.
//
// WebSocket handshakes from browsers cannot set headers, so a bearer token
// is also accepted in the access_token query parameter.
func Middleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if service == nil || !service.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			if token := extractBearer(r); token != "" {
				identity, err := service.ValidateJWT(token)
				if err != nil {
					if logger != nil {
						logger.Warn("jwt validation failed", "error", err)
					}
					unauthorized(w, "invalid token")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
				return
			}

			if apiKey := extractAPIKey(r); apiKey != "" {
				identity, err := service.ValidateAPIKey(apiKey)
				if err != nil {
					if logger != nil {
						logger.Warn("api key validation failed", "error", err)
					}
					unauthorized(w, "invalid api key")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
				return
			}

			unauthorized(w, "missing credentials")
		})
	}
}

func extractBearer(r *http.Request) string {
	value := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(value), "bearer ") {
		return strings.TrimSpace(value[len("bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func extractAPIKey(r *http.Request) string {
	for _, header := range []string{"X-Api-Key", "Api-Key"} {
		if value := strings.TrimSpace(r.Header.Get(header)); value != "" {
			return value
		}
	}
	return ""
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
