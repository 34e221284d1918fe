package auth

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const subjectKey contextKey = "auth_subject"

// Subject returns the authenticated principal of the request, empty when
// the middleware is disabled.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey).(string)
	return s
}

// Middleware authenticates requests with either an X-API-Key header checked
// against bcrypt hashes, or a Bearer JWT.
type Middleware struct {
	enabled      bool
	jwt          *JWTManager
	apiKeyHashes [][]byte
	logger       *zap.Logger
}

// NewMiddleware builds the middleware. With enabled false every request
// passes through untouched.
func NewMiddleware(enabled bool, jwtSecret string, apiKeyHashes []string, logger *zap.Logger) *Middleware {
	m := &Middleware{enabled: enabled, logger: logger}
	if jwtSecret != "" {
		m.jwt = NewJWTManager(jwtSecret, 0)
	}
	for _, h := range apiKeyHashes {
		m.apiKeyHashes = append(m.apiKeyHashes, []byte(h))
	}
	return m
}

// JWT exposes the token manager, nil when no secret is configured.
func (m *Middleware) JWT() *JWTManager { return m.jwt }

// Wrap enforces authentication on the next handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get("X-API-Key"); key != "" {
			if m.checkAPIKey(key) {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey, "api-key")))
				return
			}
			m.logger.Warn("rejected api key", zap.String("path", r.URL.Path))
			unauthorized(w)
			return
		}

		header := r.Header.Get("Authorization")
		if m.jwt != nil && strings.HasPrefix(header, "Bearer ") {
			claims, err := m.jwt.Verify(strings.TrimPrefix(header, "Bearer "))
			if err == nil {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey, claims.Subject)))
				return
			}
			m.logger.Warn("rejected bearer token", zap.String("path", r.URL.Path), zap.Error(err))
		}
		unauthorized(w)
	})
}

func (m *Middleware) checkAPIKey(key string) bool {
	for _, hash := range m.apiKeyHashes {
		if bcrypt.CompareHashAndPassword(hash, []byte(key)) == nil {
			return true
		}
	}
	return false
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized"}`))
}
