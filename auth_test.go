package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckoutTokenRoundTrip(t *testing.T) {
	jwtSecret = []byte("test_secret")

	token, err := GenerateCheckoutToken("payer_1", "cs_abc")
	require.NoError(t, err)

	claims, err := VerifyCheckoutToken(token)
	require.NoError(t, err)
	assert.Equal(t, "payer_1", claims.PayerID)
	assert.Equal(t, "cs_abc", claims.SessionID)
}

func TestCheckoutTokenRejectsTampering(t *testing.T) {
	jwtSecret = []byte("test_secret")

	token, err := GenerateCheckoutToken("payer_1", "cs_abc")
	require.NoError(t, err)

	_, err = VerifyCheckoutToken(token + "x")
	assert.Error(t, err)

	jwtSecret = []byte("rotated_secret")
	_, err = VerifyCheckoutToken(token)
	assert.Error(t, err)
}

func TestAuthMiddlewareSignature(t *testing.T) {
	store := NewAPIKeyStore()
	store.AddKey(&APIKey{
		Key:       "key_1",
		Secret:    "secret_1",
		Enabled:   true,
		CreatedAt: time.Now(),
	})

	handler := AuthMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	timestamp := time.Now().Format(time.RFC3339)

	valid := httptest.NewRequest(http.MethodPost, "/checkout", nil)
	valid.Header.Set("X-API-Key", "key_1")
	valid.Header.Set("X-Timestamp", timestamp)
	valid.Header.Set("X-Signature", computeSignature("secret_1", http.MethodPost, "/checkout", timestamp))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, valid)
	assert.Equal(t, http.StatusOK, rec.Code)

	badSig := httptest.NewRequest(http.MethodPost, "/checkout", nil)
	badSig.Header.Set("X-API-Key", "key_1")
	badSig.Header.Set("X-Timestamp", timestamp)
	badSig.Header.Set("X-Signature", "deadbeef")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, badSig)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	noKey := httptest.NewRequest(http.MethodPost, "/checkout", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, noKey)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareOpenPaths(t *testing.T) {
	store := NewAPIKeyStore()
	store.AddKey(&APIKey{Key: "key_1", Secret: "secret_1", Enabled: true, CreatedAt: time.Now()})

	handler := AuthMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Probes and websocket upgrades carry no API key; the websocket
	// authenticates with its own session token.
	for _, path := range []string{"/health", "/ws"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestAPIKeyStoreHasKeys(t *testing.T) {
	store := NewAPIKeyStore()
	assert.False(t, store.HasKeys())

	store.AddKey(&APIKey{Key: "key_1", Secret: "secret_1", Enabled: true, CreatedAt: time.Now()})
	assert.True(t, store.HasKeys())
}

func TestAuthMiddlewareStaleTimestamp(t *testing.T) {
	store := NewAPIKeyStore()
	store.AddKey(&APIKey{Key: "key_1", Secret: "secret_1", Enabled: true, CreatedAt: time.Now()})

	handler := AuthMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	stale := time.Now().Add(-10 * time.Minute).Format(time.RFC3339)
	req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
	req.Header.Set("X-API-Key", "key_1")
	req.Header.Set("X-Timestamp", stale)
	req.Header.Set("X-Signature", computeSignature("secret_1", http.MethodPost, "/checkout", stale))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminAuthMiddleware(t *testing.T) {
	hash, err := HashPassword("admin_token_123")
	require.NoError(t, err)

	handler := AdminAuthMiddleware(hash)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/attempts", nil)
	req.Header.Set("Authorization", "Bearer admin_token_123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	wrong := httptest.NewRequest(http.MethodGet, "/admin/attempts", nil)
	wrong.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, wrong)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	disabled := AdminAuthMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec = httptest.NewRecorder()
	disabled.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
