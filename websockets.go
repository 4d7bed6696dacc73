package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SDKCommand is a server-to-browser instruction for the widget SDK.
type SDKCommand struct {
	Type       string `json:"type"`
	Credential string `json:"credential,omitempty"`
	Mount      string `json:"mount,omitempty"`
	OrderID    string `json:"order_id,omitempty"`
}

// SDKEvent is a browser-to-server message from the widget SDK.
type SDKEvent struct {
	Type      string `json:"type"`
	Reference string `json:"reference,omitempty"`
	Message   string `json:"message,omitempty"`
}

// sdkBridge is one live SDK connection for a session. Commands go out
// over the socket; events come back through the inbox.
type sdkBridge struct {
	conn   *websocket.Conn
	events chan SDKEvent
	mu     sync.Mutex
}

func (b *sdkBridge) send(cmd SDKCommand) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn.WriteJSON(cmd)
}

// await blocks until the SDK emits one of the accepted event types.
// Unrelated events are dropped; the SDK protocol is strictly one
// command, one answer.
func (b *sdkBridge) await(ctx context.Context, accepted ...string) (SDKEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return SDKEvent{}, ctx.Err()
		case ev, ok := <-b.events:
			if !ok {
				return SDKEvent{}, NewGatewayError(ErrCodeNetwork, "sdk connection closed", nil)
			}
			for _, t := range accepted {
				if ev.Type == t {
					return ev, nil
				}
			}
		}
	}
}

type WSManager struct {
	clients map[string][]*websocket.Conn
	bridges map[string]*sdkBridge
	mu      sync.RWMutex
}

func NewWSManager() *WSManager {
	return &WSManager{
		clients: make(map[string][]*websocket.Conn),
		bridges: make(map[string]*sdkBridge),
	}
}

// HandleWS upgrades a status subscriber or an SDK bridge connection.
// Both require a checkout token scoped to the session.
func (m *WSManager) HandleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	claims, err := VerifyCheckoutToken(r.URL.Query().Get("token"))
	if err != nil || claims.SessionID != sessionID {
		http.Error(w, "invalid checkout token", http.StatusUnauthorized)
		return
	}

	role := r.URL.Query().Get("role")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	if role == "sdk" {
		m.handleBridge(sessionID, conn)
		return
	}

	rCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if rdb != nil {
		if cached, err := rdb.Get(rCtx, "checkout_result:"+sessionID).Result(); err == nil && cached != "" {
			var result interface{}
			if err := json.Unmarshal([]byte(cached), &result); err == nil {
				conn.WriteJSON(result)
				log.Printf("Pushed cached result to new WS client for: %s", sessionID)
			}
		}
	}

	m.mu.Lock()
	m.clients[sessionID] = append(m.clients[sessionID], conn)
	m.mu.Unlock()

	log.Printf("New WebSocket client subscribed to session: %s", sessionID)

	go func() {
		defer func() {
			m.mu.Lock()
			conns := m.clients[sessionID]
			for i, c := range conns {
				if c == conn {
					m.clients[sessionID] = append(conns[:i], conns[i+1:]...)
					break
				}
			}
			if len(m.clients[sessionID]) == 0 {
				delete(m.clients, sessionID)
			}
			m.mu.Unlock()
			conn.Close()
		}()

		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				break
			}
		}
	}()
}

// handleBridge registers the SDK connection for a session and pumps its
// events into the bridge inbox. One bridge per session; a reconnect
// replaces the old one.
func (m *WSManager) handleBridge(sessionID string, conn *websocket.Conn) {
	bridge := &sdkBridge{
		conn:   conn,
		events: make(chan SDKEvent, 16),
	}

	m.mu.Lock()
	if old, exists := m.bridges[sessionID]; exists {
		old.conn.Close()
	}
	m.bridges[sessionID] = bridge
	m.mu.Unlock()

	log.Printf("SDK bridge connected for session: %s", sessionID)

	go func() {
		defer func() {
			m.mu.Lock()
			if m.bridges[sessionID] == bridge {
				delete(m.bridges, sessionID)
			}
			m.mu.Unlock()
			close(bridge.events)
			conn.Close()
		}()

		for {
			var ev SDKEvent
			if err := conn.ReadJSON(&ev); err != nil {
				break
			}
			select {
			case bridge.events <- ev:
			default:
				log.Printf("SDK event dropped for session %s: inbox full", sessionID)
			}
		}
	}()
}

// Bridge returns the live SDK connection for a session, if any.
func (m *WSManager) Bridge(sessionID string) (*sdkBridge, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bridge, exists := m.bridges[sessionID]
	return bridge, exists
}

// Notify pushes a status event to every subscriber of the session.
func (m *WSManager) Notify(sessionID string, event StatusEvent) {
	m.mu.RLock()
	conns, exists := m.clients[sessionID]
	m.mu.RUnlock()

	if !exists {
		return
	}

	msg, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to marshal notification: %v", err)
		return
	}

	for _, conn := range conns {
		err := conn.WriteMessage(websocket.TextMessage, msg)
		if err != nil {
			log.Printf("Failed to send WebSocket message: %v", err)
		}
	}
}

var wsManager = NewWSManager()

// wsMountPoint is the browser-side container the SDK renders into.
type wsMountPoint struct {
	manager   *WSManager
	sessionID string
	id        string
}

func (m *wsMountPoint) ID() string { return m.id }

func (m *wsMountPoint) Clear() {
	if bridge, ok := m.manager.Bridge(m.sessionID); ok {
		bridge.send(SDKCommand{Type: "clear_mount", Mount: m.id})
	}
}

// wsWidgetHandle marks a widget as mounted on the session's SDK bridge.
type wsWidgetHandle struct {
	sessionID string
}

// wsWidgetDriver drives the browser widget SDK over the session's
// websocket bridge.
type wsWidgetDriver struct {
	manager   *WSManager
	sessionID string
}

func NewWSWidgetDriver(manager *WSManager, sessionID string) WidgetDriver {
	return &wsWidgetDriver{manager: manager, sessionID: sessionID}
}

func (d *wsWidgetDriver) bridge() (*sdkBridge, error) {
	bridge, ok := d.manager.Bridge(d.sessionID)
	if !ok {
		return nil, NewGatewayError(ErrCodeWidgetInit, "no sdk connection for session", nil)
	}
	return bridge, nil
}

func (d *wsWidgetDriver) Create(ctx context.Context, cred TokenCredential, mount MountPoint) (WidgetHandle, error) {
	bridge, err := d.bridge()
	if err != nil {
		return nil, err
	}
	if err := bridge.send(SDKCommand{Type: "create_widget", Credential: cred.Transport(), Mount: mount.ID()}); err != nil {
		return nil, NewGatewayError(ErrCodeNetwork, "failed to send create command", err)
	}

	ev, err := bridge.await(ctx, "widget_ready", "widget_error")
	if err != nil {
		return nil, err
	}
	if ev.Type == "widget_error" {
		return nil, NewGatewayError(ErrCodeWidgetInit, ev.Message, nil)
	}
	return &wsWidgetHandle{sessionID: d.sessionID}, nil
}

func (d *wsWidgetDriver) RequestArtifact(ctx context.Context, handle WidgetHandle) (PaymentArtifact, error) {
	bridge, err := d.bridge()
	if err != nil {
		return PaymentArtifact{}, err
	}
	if err := bridge.send(SDKCommand{Type: "request_artifact"}); err != nil {
		return PaymentArtifact{}, NewGatewayError(ErrCodeNetwork, "failed to send artifact request", err)
	}

	ev, err := bridge.await(ctx, "artifact", "validation_error", "widget_error")
	if err != nil {
		return PaymentArtifact{}, err
	}
	switch ev.Type {
	case "validation_error":
		return PaymentArtifact{}, NewGatewayError(ErrCodeValidation, ev.Message, nil)
	case "widget_error":
		return PaymentArtifact{}, NewGatewayError(ErrCodeWidgetInit, ev.Message, nil)
	}
	return PaymentArtifact{
		Reference:  ev.Reference,
		Kind:       GatewayHostedWidget,
		ObtainedAt: time.Now(),
	}, nil
}

func (d *wsWidgetDriver) Teardown(ctx context.Context, handle WidgetHandle) error {
	bridge, err := d.bridge()
	if err != nil {
		// No bridge means no widget left to destroy.
		return nil
	}
	return bridge.send(SDKCommand{Type: "teardown"})
}

// wsApprover waits for the payer's approval decision relayed by the SDK.
type wsApprover struct {
	manager   *WSManager
	sessionID string
}

func NewWSApprover(manager *WSManager, sessionID string) Approver {
	return &wsApprover{manager: manager, sessionID: sessionID}
}

func (a *wsApprover) AwaitApproval(ctx context.Context, orderID string) (ApprovalOutcome, error) {
	bridge, ok := a.manager.Bridge(a.sessionID)
	if !ok {
		return ApprovalCancelled, NewGatewayError(ErrCodeNetwork, "no sdk connection for session", nil)
	}
	if err := bridge.send(SDKCommand{Type: "await_approval", OrderID: orderID}); err != nil {
		return ApprovalCancelled, NewGatewayError(ErrCodeNetwork, "failed to send approval command", err)
	}

	ev, err := bridge.await(ctx, "approved", "cancelled", "widget_error")
	if err != nil {
		return ApprovalCancelled, err
	}
	switch ev.Type {
	case "approved":
		return ApprovalApproved, nil
	case "cancelled":
		return ApprovalCancelled, nil
	default:
		return ApprovalCancelled, NewGatewayError(ErrCodeNetwork, ev.Message, nil)
	}
}
