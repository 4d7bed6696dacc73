package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTokenClient(url string) *TokenClient {
	cfg := &Config{
		ProcessorGatewayURL: url,
		ProcessorMerchantID: "merchant_abc",
		ProcessorPublicKey:  "pub_key",
		ProcessorPrivateKey: "priv_key",
	}
	client := NewTokenClient(cfg, NewStructuredLogger(LogLevelError, true))
	client.httpClient = &http.Client{Timeout: 5 * time.Second}
	return client
}

func TestAcquireTokenEncodesResponseDocument(t *testing.T) {
	tokenDoc := `{"version":2,"authorizationFingerprint":"fp_123","configUrl":"https://example.test/config"}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/merchants/merchant_abc/client_token", r.URL.Path)
		assert.Equal(t, "2019-01-01", r.Header.Get("Braintree-Version"))

		expectedAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("pub_key:priv_key"))
		assert.Equal(t, expectedAuth, r.Header.Get("Authorization"))

		w.Write([]byte(`{"client_token":` + tokenDoc + `}`))
	}))
	defer srv.Close()

	cred, err := testTokenClient(srv.URL).AcquireToken(context.Background())
	require.NoError(t, err)
	require.False(t, cred.Empty())

	decoded, err := base64.StdEncoding.DecodeString(cred.Transport())
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(decoded, &doc))
	assert.Equal(t, "fp_123", doc["authorizationFingerprint"])
	assert.Equal(t, float64(2), doc["version"])
}

func TestAcquireTokenRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testTokenClient(srv.URL).AcquireToken(context.Background())
	require.Error(t, err)

	ge := AsGatewayError(err)
	require.NotNil(t, ge)
	assert.Equal(t, ErrCodeToken, ge.Code)
}

func TestAcquireTokenMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := testTokenClient(srv.URL).AcquireToken(context.Background())
	ge := AsGatewayError(err)
	require.NotNil(t, ge)
	assert.Equal(t, ErrCodeMalformedResponse, ge.Code)
}

func TestAcquireTokenMissingClientToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"client_token":null}`))
	}))
	defer srv.Close()

	_, err := testTokenClient(srv.URL).AcquireToken(context.Background())
	ge := AsGatewayError(err)
	require.NotNil(t, ge)
	assert.Equal(t, ErrCodeMalformedResponse, ge.Code)
}

func TestAcquireTokenUnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := testTokenClient(srv.URL).AcquireToken(context.Background())
	ge := AsGatewayError(err)
	require.NotNil(t, ge)
	assert.Equal(t, ErrCodeNetwork, ge.Code)
}
