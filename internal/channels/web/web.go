// Package web is the web-admin gateway adapter: a WebSocket console paired
// to a browser session via a scannable QR code, publishing/subscribing
// through the shared message bus like any other platform channel.
//
// Grounded on the teacher's pkg/protocol event names and the mock-backend
// adapter shape in internal/channels, using gorilla/websocket for transport
// and skip2/go-qrcode to render the pairing code.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/nextlevelbuilder/agentmux/internal/channels"
	"github.com/nextlevelbuilder/agentmux/internal/config"
	"github.com/nextlevelbuilder/agentmux/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type conn struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(ev wsEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(ev)
}

// Channel serves the web-admin console: a pairing endpoint that renders a QR
// code and a WebSocket endpoint each paired browser tab connects to.
type Channel struct {
	*channels.BaseChannel
	cfg    config.WebConfig
	server *http.Server

	mu    sync.RWMutex
	conns map[string]*conn // connID -> conn

	pairingMu     sync.Mutex
	pairingTokens map[string]time.Time // token -> expiry
}

func New(cfg config.WebConfig, base *channels.BaseChannel) *Channel {
	return &Channel{
		BaseChannel:   base,
		cfg:           cfg,
		conns:         make(map[string]*conn),
		pairingTokens: make(map[string]time.Time),
	}
}

// Start runs the HTTP+WebSocket listener in the background.
func (c *Channel) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/pair", c.handlePair)
	mux.HandleFunc("/ws", c.handleWS)

	c.server = &http.Server{Addr: c.cfg.ListenAddr, Handler: mux}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("web channel listener stopped", "err", err)
		}
	}()

	c.SetRunning(true)
	slog.Info("web admin channel listening", "addr", c.cfg.ListenAddr)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.server.Shutdown(shutdownCtx)
}

// Send delivers a response chunk to the browser tab identified by connID.
func (c *Channel) Send(_ context.Context, connID, content string) error {
	c.mu.RLock()
	cn, ok := c.conns[connID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("web: no connection %q", connID)
	}
	payload, _ := json.Marshal(map[string]string{"text": content})
	return cn.send(wsEvent{Type: protocol.EventChat, Payload: payload})
}

// handlePair issues a one-time pairing token and renders it as a QR code PNG
// pointing the browser at the WebSocket endpoint with that token.
func (c *Channel) handlePair(w http.ResponseWriter, r *http.Request) {
	token := uuid.NewString()

	c.pairingMu.Lock()
	c.pairingTokens[token] = time.Now().Add(5 * time.Minute)
	c.pairingMu.Unlock()

	pairURL := fmt.Sprintf("ws://%s/ws?token=%s", r.Host, token)
	png, err := qrcode.Encode(pairURL, qrcode.Medium, 256)
	if err != nil {
		http.Error(w, "failed to render pairing code", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

func (c *Channel) consumeToken(token string) bool {
	c.pairingMu.Lock()
	defer c.pairingMu.Unlock()
	exp, ok := c.pairingTokens[token]
	if !ok || time.Now().After(exp) {
		delete(c.pairingTokens, token)
		return false
	}
	delete(c.pairingTokens, token)
	return true
}

func (c *Channel) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if !c.consumeToken(token) {
		http.Error(w, "invalid or expired pairing token", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("web channel upgrade failed", "err", err)
		return
	}

	connID := uuid.NewString()
	cn := &conn{id: connID, ws: ws}
	c.mu.Lock()
	c.conns[connID] = cn
	c.mu.Unlock()

	_ = cn.send(wsEvent{Type: protocol.EventConnectChallenge})

	defer func() {
		c.mu.Lock()
		delete(c.conns, connID)
		c.mu.Unlock()
		ws.Close()
	}()

	for {
		var ev wsEvent
		if err := ws.ReadJSON(&ev); err != nil {
			return
		}
		if ev.Type != protocol.EventChat {
			continue
		}
		var body struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(ev.Payload, &body); err != nil || body.Text == "" {
			continue
		}
		c.HandleWebMessage(connID, body.Text, nil)
	}
}
