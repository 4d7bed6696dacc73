package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// SessionRegistry tracks live and finished sessions for the snapshot
// endpoint.
type SessionRegistry struct {
	sessions map[string]*PaymentSession
	mu       sync.RWMutex
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*PaymentSession)}
}

func (r *SessionRegistry) Put(session *PaymentSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = session
}

func (r *SessionRegistry) Get(id string) (*PaymentSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[id]
	return session, ok
}

// CheckoutService wires the per-session pipeline out of the shared
// components. The widget manager and coordinator are per session; the
// token client, localizer and reconciler are shared.
type CheckoutService struct {
	cfg        *Config
	localizer  *CurrencyLocalizer
	tokens     TokenAcquirer
	orders     OrderAPI
	reconciler *ReconciliationClient
	store      *TransactionStore
	registry   *SessionRegistry
	manager    *WSManager
	logger     *StructuredLogger
}

func NewCheckoutService(cfg *Config, localizer *CurrencyLocalizer, tokens TokenAcquirer, orders OrderAPI, reconciler *ReconciliationClient, store *TransactionStore, registry *SessionRegistry, manager *WSManager, logger *StructuredLogger) *CheckoutService {
	return &CheckoutService{
		cfg:        cfg,
		localizer:  localizer,
		tokens:     tokens,
		orders:     orders,
		reconciler: reconciler,
		store:      store,
		registry:   registry,
		manager:    manager,
		logger:     logger,
	}
}

func (s *CheckoutService) selectorFor(sessionID string) *GatewaySelector {
	mount := &wsMountPoint{manager: s.manager, sessionID: sessionID, id: "checkout-widget"}
	widget := NewWidgetLifecycleManager(NewWSWidgetDriver(s.manager, sessionID), mount, s.cfg.RetryPolicy(), s.logger)
	coordinator := NewPaymentRequestCoordinator(widget, s.orders, NewWSApprover(s.manager, sessionID), s.logger)
	return NewGatewaySelector(s.localizer, s.tokens, widget, coordinator, s.reconciler, s.manager, s.logger)
}

var checkoutService *CheckoutService

// ClientTokenHandler issues a widget credential to an authenticated
// payer. Merchant keys stay server side; only the opaque transport form
// goes out.
func ClientTokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	cred, err := checkoutService.tokens.AcquireToken(r.Context())
	if err != nil {
		ge := AsGatewayError(err)
		if ge == nil {
			ge = NewGatewayError(ErrCodeToken, "token issuance failed", err)
		}
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(NewErrorResponse(ge.Code, ge.UserMessage(), "FAILED", ge.Detail))
		return
	}

	json.NewEncoder(w).Encode(map[string]string{
		"client_token": cred.Transport(),
	})
}

// CheckoutHandler starts a checkout run. The session id and a scoped
// websocket token go back immediately; the pipeline runs in the
// background and pushes its outcome over the session websocket.
func CheckoutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	correlationID, _ := r.Context().Value("correlation_id").(string)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(NewErrorResponse(
			ErrCodeInvalidRequest,
			"Failed to read request body",
			"FAILED",
			err.Error(),
		))
		return
	}
	defer r.Body.Close()

	type checkoutRequest struct {
		Gateway   string  `json:"gateway"`
		PayerID   string  `json:"payer_id"`
		PlanType  string  `json:"plan_type"`
		AmountUSD float64 `json:"amount_usd"`
		Country   string  `json:"country"`
		Locale    string  `json:"locale"`
		Flow      string  `json:"flow"`
	}
	var req checkoutRequest
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(NewErrorResponse(
			ErrCodeInvalidRequest,
			"Invalid JSON format",
			"FAILED",
			err.Error(),
		))
		return
	}

	if req.PayerID == "" || req.AmountUSD <= 0 {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(NewErrorResponse(
			ErrCodeInvalidRequest,
			"payer_id and a positive amount_usd are required",
			"FAILED",
			"",
		))
		return
	}

	kind, err := ParseGatewayKind(req.Gateway)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(NewErrorResponse(
			ErrCodeInvalidRequest,
			"Unknown gateway",
			"FAILED",
			err.Error(),
		))
		return
	}

	proxyDriven := false
	switch req.Flow {
	case "", "bridge":
	case "proxy":
		if kind != GatewayRedirectOrder {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(NewErrorResponse(
				ErrCodeInvalidRequest,
				"The proxy flow is only available for the redirect order gateway",
				"FAILED",
				"",
			))
			return
		}
		proxyDriven = true
	default:
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(NewErrorResponse(
			ErrCodeInvalidRequest,
			"flow must be bridge or proxy",
			"FAILED",
			"",
		))
		return
	}

	// Identical in-flight request replays the same session id.
	hashJSON, _ := json.Marshal(map[string]interface{}{
		"payer_id":  req.PayerID,
		"plan_type": req.PlanType,
		"amount":    req.AmountUSD,
		"gateway":   kind.String(),
	})
	requestHash := "checkout_req:" + SHA256Hash(string(hashJSON))

	if cachedID, err := rdb.Get(r.Context(), requestHash).Result(); err == nil && cachedID != "" {
		if session, ok := checkoutService.registry.Get(cachedID); ok && !session.State.Terminal() {
			w.Header().Set("X-Idempotent-Replay", "true")
			json.NewEncoder(w).Encode(NewSuccessResponse(session.State.String(), session.ID, nil))
			return
		}
	}

	checkoutReq := CheckoutRequest{
		Gateway:     kind,
		PayerID:     req.PayerID,
		PlanType:    req.PlanType,
		AmountUSD:   req.AmountUSD,
		CountryHint: req.Country,
		LocaleHint:  req.Locale,
		ProxyDriven: proxyDriven,
	}

	selector := checkoutService.selectorFor("")
	session := selector.Begin(r.Context(), checkoutReq)
	checkoutService.registry.Put(session)
	rdb.Set(r.Context(), requestHash, session.ID, 10*time.Minute)

	wsToken, err := GenerateCheckoutToken(req.PayerID, session.ID)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(NewErrorResponse(
			ErrCodeInternal,
			"Failed to issue checkout token",
			"FAILED",
			err.Error(),
		))
		return
	}

	json.NewEncoder(w).Encode(NewSuccessResponse(
		session.State.String(),
		session.ID,
		map[string]interface{}{
			"ws_token":            wsToken,
			"settlement_currency": session.SettlementCurrency,
			"settlement_minor":    session.SettlementAmountMinor,
		},
	))

	// Proxy sessions are owned by the order endpoints from here on.
	if !session.ProxyDriven {
		go processCheckoutAsync(session, correlationID)
	}
}

// processCheckoutAsync drives one session to a terminal state in the
// background, caches the outcome for late subscribers and records the
// attempt.
func processCheckoutAsync(session *PaymentSession, correlationID string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Panic in processCheckoutAsync for %s: %v", session.ID, r)
			notifyCheckoutFailure(session, fmt.Errorf("internal processing error"))
		}
	}()

	LogCheckoutStarted(appLogger, correlationID, session.ID, session.Gateway.String())

	start := time.Now()
	selector := checkoutService.selectorFor(session.ID)
	outcome := selector.Run(context.Background(), session)
	latency := time.Since(start).Milliseconds()

	errorCode := ""
	if outcome.Err != nil {
		errorCode = string(outcome.Err.Code)
	}
	LogCheckoutFinished(appLogger, correlationID, session.ID, session.Gateway.String(), outcome.State.String(), latency, errorCode)

	if checkoutService.store != nil {
		errMsg := ""
		if outcome.Err != nil {
			errMsg = outcome.Err.Error()
		}
		if err := checkoutService.store.LogAttempt(context.Background(), session.ID, session.Gateway.String(),
			outcome.State.String(), latency, outcome.State == StateSucceeded, errorCode, errMsg); err != nil {
			appLogger.Warn("Failed to log attempt", map[string]interface{}{
				"session_id": session.ID,
				"error":      err.Error(),
			})
		}
	}

	if outcome.State.Terminal() {
		cacheCheckoutResult(session.ID, outcome)
	}
}

func cacheCheckoutResult(sessionID string, outcome CheckoutOutcome) {
	event := StatusEvent{
		SessionID:     sessionID,
		State:         outcome.State.String(),
		TransactionID: outcome.TransactionID,
	}
	if outcome.Err != nil {
		event.Code = string(outcome.Err.Code)
		event.Message = outcome.Err.UserMessage()
	}
	if resultJSON, err := json.Marshal(event); err == nil {
		rdb.Set(context.Background(), "checkout_result:"+sessionID, string(resultJSON), 24*time.Hour)
	}
}

func notifyCheckoutFailure(session *PaymentSession, err error) {
	if !session.State.Terminal() {
		session.Transition(StateFailed)
	}
	event := StatusEvent{
		SessionID: session.ID,
		State:     session.State.String(),
		Code:      string(ErrCodeInternal),
		Message:   err.Error(),
	}
	if resultJSON, jsonErr := json.Marshal(event); jsonErr == nil {
		rdb.Set(context.Background(), "checkout_result:"+session.ID, string(resultJSON), 24*time.Hour)
	}
	wsManager.Notify(session.ID, event)
}

// OrdersHandler opens a redirect order for an existing session. It is
// the HTTP alternative to the websocket-driven pipeline for SDKs that
// manage the approval redirect themselves.
func OrdersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	session, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}
	if session.Gateway != GatewayRedirectOrder || !session.ProxyDriven {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(NewErrorResponse(
			ErrCodeInvalidRequest,
			"Session does not use the proxied redirect order flow",
			session.State.String(),
			"",
		))
		return
	}

	if err := session.Transition(StateInitializing); err != nil {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(NewErrorResponse(ErrCodeInvalidRequest, "Session has already progressed", session.State.String(), err.Error()))
		return
	}

	orderID, err := checkoutService.orders.CreateOrder(r.Context(), OrderRequest{
		Amount:   session.SettlementAmountMinor,
		Currency: session.SettlementCurrency,
		PayerID:  session.PayerID,
	})
	if err != nil {
		session.Transition(StateFailed)
		ge := AsGatewayError(err)
		if ge == nil {
			ge = NewGatewayError(ErrCodeInternal, "order creation failed", err)
		}
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(NewErrorResponse(ge.Code, ge.UserMessage(), session.State.String(), ge.Detail))
		return
	}
	session.Transition(StateReady)
	wsManager.Notify(session.ID, StatusEvent{SessionID: session.ID, State: session.State.String()})

	json.NewEncoder(w).Encode(NewSuccessResponse(session.State.String(), session.ID, map[string]string{
		"order_id": orderID,
	}))
}

// OrderCaptureHandler captures an approved redirect order and reconciles
// it, closing the session.
func OrderCaptureHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	rest := strings.TrimPrefix(r.URL.Path, "/orders/")
	orderID := strings.TrimSuffix(rest, "/capture")
	if orderID == "" || !strings.HasSuffix(rest, "/capture") {
		http.Error(w, "order id is required", http.StatusBadRequest)
		return
	}

	session, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}
	if session.Gateway != GatewayRedirectOrder || !session.ProxyDriven {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(NewErrorResponse(
			ErrCodeInvalidRequest,
			"Session does not use the proxied redirect order flow",
			session.State.String(),
			"",
		))
		return
	}

	if err := session.Transition(StateSubmitting); err != nil {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(NewErrorResponse(ErrCodeInvalidRequest, "Session cannot submit", session.State.String(), err.Error()))
		return
	}

	artifact, err := checkoutService.orders.CaptureOrder(r.Context(), orderID)
	if err == nil {
		var result ConfirmationResult
		result, err = checkoutService.reconciler.Confirm(r.Context(), artifact, SessionMeta{
			SessionID:       session.ID,
			PayerID:         session.PayerID,
			PlanType:        session.PlanType,
			CanonicalAmount: session.CanonicalAmount,
		})
		if err == nil {
			session.Transition(StateSucceeded)
			outcome := CheckoutOutcome{Session: session, State: session.State, TransactionID: result.TransactionID}
			cacheCheckoutResult(session.ID, outcome)
			wsManager.Notify(session.ID, StatusEvent{SessionID: session.ID, State: session.State.String(), TransactionID: result.TransactionID})
			json.NewEncoder(w).Encode(NewSuccessResponse(session.State.String(), session.ID, map[string]string{
				"transaction_id": result.TransactionID,
			}))
			return
		}
	}

	session.Transition(StateFailed)
	ge := AsGatewayError(err)
	if ge == nil {
		ge = NewGatewayError(ErrCodeInternal, "capture failed", err)
	}
	cacheCheckoutResult(session.ID, CheckoutOutcome{Session: session, State: session.State, Err: ge})
	wsManager.Notify(session.ID, StatusEvent{SessionID: session.ID, State: session.State.String(), Code: string(ge.Code), Message: ge.UserMessage()})
	w.WriteHeader(http.StatusBadGateway)
	json.NewEncoder(w).Encode(NewErrorResponse(ge.Code, ge.UserMessage(), session.State.String(), ge.Detail))
}

// sessionFromRequest authenticates the checkout token and resolves its
// session. The token must belong to the session it names.
func sessionFromRequest(w http.ResponseWriter, r *http.Request) (*PaymentSession, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		http.Error(w, "checkout token required", http.StatusUnauthorized)
		return nil, false
	}
	claims, err := VerifyCheckoutToken(token)
	if err != nil {
		http.Error(w, "invalid checkout token", http.StatusUnauthorized)
		return nil, false
	}
	session, ok := checkoutService.registry.Get(claims.SessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return nil, false
	}
	return session, true
}

// SessionHandler returns a snapshot of one session.
func SessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/checkout/")
	if id == "" {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}

	session, ok := checkoutService.registry.Get(id)
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(NewErrorResponse(
			ErrCodeInvalidRequest,
			"Unknown session",
			"FAILED",
			"",
		))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(NewSuccessResponse(session.State.String(), session.ID, session))
}

// AdminAttemptsHandler lists recent checkout attempts for reconciliation.
func AdminAttemptsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	attempts, err := checkoutService.store.RecentAttempts(r.Context(), 100)
	if err != nil {
		http.Error(w, "Failed to fetch attempts", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(attempts)
}

// HealthCheckHandler reports liveness plus redis reachability.
func HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "healthy"
	redisStatus := "connected"
	pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		status = "degraded"
		redisStatus = "unreachable"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"redis":     redisStatus,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
