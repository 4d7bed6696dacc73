package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OrderRequest carries the processor-ready amount for a redirect order.
// Amount is in minor units of Currency.
type OrderRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	PayerID  string `json:"payerId"`
}

// OrderAPI is the redirect processor's order surface.
type OrderAPI interface {
	CreateOrder(ctx context.Context, req OrderRequest) (string, error)
	CaptureOrder(ctx context.Context, orderID string) (PaymentArtifact, error)
}

// ApprovalOutcome is the payer's decision on a pending redirect order.
type ApprovalOutcome int

const (
	ApprovalApproved ApprovalOutcome = iota
	ApprovalCancelled
)

// Approver waits for the payer to act on a pending order. Cancellation
// is an outcome, not an error.
type Approver interface {
	AwaitApproval(ctx context.Context, orderID string) (ApprovalOutcome, error)
}

// httpOrderClient talks to the redirect processor's order endpoints.
type httpOrderClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *StructuredLogger
}

func NewHTTPOrderClient(cfg *Config, logger *StructuredLogger) OrderAPI {
	return &httpOrderClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(cfg.OrderAPIURL, "/"),
		logger:     logger,
	}
}

func (c *httpOrderClient) CreateOrder(ctx context.Context, req OrderRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", NewGatewayError(ErrCodeInternal, "failed to encode order request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders", bytes.NewReader(payload))
	if err != nil {
		return "", NewGatewayError(ErrCodeInternal, "failed to build order request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", WrapRawError(err, ErrCodeNetwork, "order endpoint unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", NewGatewayError(ErrCodeGatewayDeclined,
			fmt.Sprintf("order creation returned status %d", resp.StatusCode), nil)
	}

	var out struct {
		OrderID string `json:"orderId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", NewGatewayError(ErrCodeMalformedResponse, "order response is not valid JSON", err)
	}
	if out.OrderID == "" {
		return "", NewGatewayError(ErrCodeMalformedResponse, "order response missing orderId", nil)
	}

	c.logger.Info("Redirect order created", map[string]interface{}{
		"order_id": out.OrderID,
		"amount":   req.Amount,
		"currency": req.Currency,
	})
	return out.OrderID, nil
}

func (c *httpOrderClient) CaptureOrder(ctx context.Context, orderID string) (PaymentArtifact, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/orders/%s/capture", c.baseURL, orderID), bytes.NewBufferString("{}"))
	if err != nil {
		return PaymentArtifact{}, NewGatewayError(ErrCodeInternal, "failed to build capture request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return PaymentArtifact{}, WrapRawError(err, ErrCodeNetwork, "capture endpoint unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PaymentArtifact{}, NewGatewayError(ErrCodeGatewayDeclined,
			fmt.Sprintf("capture returned status %d", resp.StatusCode), nil)
	}

	var out struct {
		CaptureID string `json:"captureId"`
		Status    string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PaymentArtifact{}, NewGatewayError(ErrCodeMalformedResponse, "capture response is not valid JSON", err)
	}
	if out.CaptureID == "" || !strings.EqualFold(out.Status, "COMPLETED") {
		return PaymentArtifact{}, NewGatewayError(ErrCodeGatewayDeclined,
			fmt.Sprintf("capture not completed (status %q)", out.Status), nil)
	}

	return PaymentArtifact{
		Reference:  out.CaptureID,
		Kind:       GatewayRedirectOrder,
		ObtainedAt: time.Now(),
	}, nil
}
