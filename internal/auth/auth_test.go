package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func TestJWTMintAndVerify(t *testing.T) {
	m := NewJWTManager("secret", time.Minute)
	token, err := m.Mint("ops@example.com", []string{"workflows:write"})
	require.NoError(t, err)

	claims, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Subject)
	assert.Equal(t, []string{"workflows:write"}, claims.Scopes)
}

func TestJWTRejectsWrongKey(t *testing.T) {
	token, err := NewJWTManager("secret-a", time.Minute).Mint("x", nil)
	require.NoError(t, err)
	_, err = NewJWTManager("secret-b", time.Minute).Verify(token)
	assert.Error(t, err)
}

func okHandler() (http.Handler, *bool) {
	called := false
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}), &called
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	next, called := okHandler()
	h := NewMiddleware(false, "", nil, zap.NewNop()).Wrap(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/workflows/x", nil))
	assert.True(t, *called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareAPIKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("sk-live-1"), bcrypt.MinCost)
	require.NoError(t, err)
	next, called := okHandler()
	h := NewMiddleware(true, "", []string{string(hash)}, zap.NewNop()).Wrap(next)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/x", nil)
	req.Header.Set("X-API-Key", "sk-live-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.True(t, *called)
	assert.Equal(t, http.StatusOK, rec.Code)

	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareBearerToken(t *testing.T) {
	next, _ := okHandler()
	mw := NewMiddleware(true, "secret", nil, zap.NewNop())
	h := mw.Wrap(next)

	token, err := mw.JWT().Mint("svc", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/workflows/x", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
