package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const processorAPIVersion = "2019-01-01"

// TokenAcquirer issues a short-lived client credential for the hosted
// widget flow. Merchant API keys never leave this process.
type TokenAcquirer interface {
	AcquireToken(ctx context.Context) (TokenCredential, error)
}

// TokenClient calls the processor's merchant client-token endpoint with
// Basic auth derived from the merchant key pair.
type TokenClient struct {
	httpClient *http.Client
	gatewayURL string
	merchantID string
	publicKey  string
	privateKey string
	logger     *StructuredLogger
}

func NewTokenClient(cfg *Config, logger *StructuredLogger) *TokenClient {
	return &TokenClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		gatewayURL: strings.TrimRight(cfg.ProcessorGatewayURL, "/"),
		merchantID: cfg.ProcessorMerchantID,
		publicKey:  cfg.ProcessorPublicKey,
		privateKey: cfg.ProcessorPrivateKey,
		logger:     logger,
	}
}

// AcquireToken requests a fresh client token. The processor responds with
// a JSON document; the transport form handed to the widget SDK is the
// base64 encoding of that document.
func (c *TokenClient) AcquireToken(ctx context.Context) (TokenCredential, error) {
	endpoint := fmt.Sprintf("%s/merchants/%s/client_token", c.gatewayURL, c.merchantID)

	body := bytes.NewBufferString(`{"client_token":{}}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return TokenCredential{}, NewGatewayError(ErrCodeToken, "failed to build token request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Braintree-Version", processorAPIVersion)
	req.Header.Set("Authorization", "Basic "+basicCredentials(c.publicKey, c.privateKey))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TokenCredential{}, WrapRawError(err, ErrCodeToken, "token endpoint unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("Client token request rejected", map[string]interface{}{
			"status_code": resp.StatusCode,
			"merchant_id": c.merchantID,
		})
		return TokenCredential{}, NewGatewayError(ErrCodeToken,
			fmt.Sprintf("token endpoint returned status %d", resp.StatusCode), nil)
	}

	var payload struct {
		ClientToken json.RawMessage `json:"client_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return TokenCredential{}, NewGatewayError(ErrCodeMalformedResponse, "token response is not valid JSON", err)
	}
	if len(payload.ClientToken) == 0 || string(payload.ClientToken) == "null" {
		return TokenCredential{}, NewGatewayError(ErrCodeMalformedResponse, "token response missing client_token", nil)
	}

	encoded := base64.StdEncoding.EncodeToString(payload.ClientToken)

	c.logger.Info("Client token issued", map[string]interface{}{
		"merchant_id": c.merchantID,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return NewTokenCredential(encoded), nil
}

func basicCredentials(publicKey, privateKey string) string {
	return base64.StdEncoding.EncodeToString([]byte(publicKey + ":" + privateKey))
}
