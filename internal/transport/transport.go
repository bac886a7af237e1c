// Package transport is the agent-side relay WebSocket client: the half
// of the protocol the teacher's relay never shipped. It mirrors
// internal/hub.Client's read/write pump shape, built against the same
// github.com/coder/websocket transport, adapted to the client side of
// the Ed25519 auth handshake plus exponential-backoff reconnect.
package transport

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/pinch-protocol/pinch/internal/auth"
	"github.com/pinch-protocol/pinch/internal/protocol"
)

// state is the connection's position in the three-message handshake.
type state int32

const (
	stateDisconnected state = iota
	stateAwaitingChallenge
	stateAwaitingResult
	stateDone
)

const (
	// writeTimeout bounds a single outbound frame write.
	writeTimeout = 10 * time.Second
	// readTimeout bounds waiting for the next inbound frame once connected.
	readTimeout = 60 * time.Second
	// handshakeTimeout bounds the whole three-message auth exchange.
	handshakeTimeout = 10 * time.Second

	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second
	backoffJitter = time.Second
	maxReconnectAttempts = 20
)

// Handler is a subscriber callback invoked for every successfully
// deserialized post-auth envelope. Multiple handlers may be registered;
// per spec §4.3 dispatch fans out to all of them.
type Handler func(env *protocol.Envelope)

// DisconnectHandler fires once reconnect attempts are exhausted.
type DisconnectHandler func(err error)

// Client is the agent-side relay connection.
type Client struct {
	relayURL  string
	relayHost string
	keypair   ed25519.PrivateKey
	pubKey    ed25519.PublicKey

	mu                sync.Mutex
	conn              *websocket.Conn
	st                state
	assignedAddress   string
	reconnectEnabled  bool
	ctx               context.Context
	cancel            context.CancelFunc

	handlersMu sync.Mutex
	handlers   []Handler

	onDisconnect DisconnectHandler
}

// New creates a transport client for the given relay URL and identity.
// relayHost is the hostname the client validates challenges against
// (spec §4.3: "validates the relay hostname against its configured host
// before signing").
func New(relayURL, relayHost string, pub ed25519.PublicKey, priv ed25519.PrivateKey) *Client {
	return &Client{
		relayURL:         relayURL,
		relayHost:        relayHost,
		pubKey:           pub,
		keypair:          priv,
		reconnectEnabled: true,
	}
}

// OnEnvelope registers a handler invoked for every post-auth envelope.
func (c *Client) OnEnvelope(h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, h)
}

// OnDisconnect registers the callback fired when reconnect attempts are
// exhausted.
func (c *Client) OnDisconnect(h DisconnectHandler) {
	c.onDisconnect = h
}

// AssignedAddress returns the address the relay assigned on successful
// auth, or "" before the first successful handshake.
func (c *Client) AssignedAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignedAddress
}

// IsOpenAndAuthenticated reports whether outbound sends are currently
// permitted (spec §4.3: "Outbound sends require the socket be open and
// authenticated").
func (c *Client) IsOpenAndAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st == stateDone && c.conn != nil
}

// Connect opens the WebSocket and performs the three-message auth
// handshake, blocking until it completes or fails. On success it starts
// the read pump (and, if reconnect is enabled, monitors for drops).
func (c *Client) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.ctx = runCtx
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.dialAndAuthenticate(runCtx); err != nil {
		cancel()
		return err
	}

	go c.readLoop()
	return nil
}

// Disconnect closes the connection and disables reconnect, per spec
// §4.3: "An explicit user disconnect disables reconnect."
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.reconnectEnabled = false
	conn := c.conn
	cancel := c.cancel
	c.st = stateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

func (c *Client) dialAndAuthenticate(ctx context.Context) error {
	dialCtx, dialCancel := context.WithTimeout(ctx, handshakeTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, c.relayURL, nil)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", c.relayURL, err)
	}

	c.mu.Lock()
	c.st = stateAwaitingChallenge
	c.mu.Unlock()

	address, err := c.runHandshake(ctx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "auth failed")
		c.mu.Lock()
		c.st = stateDisconnected
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.assignedAddress = address
	c.st = stateDone
	c.mu.Unlock()
	return nil
}

func (c *Client) runHandshake(ctx context.Context, conn *websocket.Conn) (string, error) {
	hsCtx, hsCancel := context.WithTimeout(ctx, handshakeTimeout)
	defer hsCancel()

	_, data, err := conn.Read(hsCtx)
	if err != nil {
		return "", fmt.Errorf("transport: read auth challenge: %w", err)
	}
	env, err := protocol.Unmarshal(data)
	if err != nil {
		return "", fmt.Errorf("transport: decode auth challenge: %w", err)
	}
	challenge := env.AuthChallenge
	if challenge == nil {
		return "", fmt.Errorf("transport: expected auth challenge, got %v", env.Type)
	}
	if challenge.RelayHost != c.relayHost {
		return "", fmt.Errorf("transport: challenge host %q does not match configured host %q (refusing to sign)",
			challenge.RelayHost, c.relayHost)
	}

	c.mu.Lock()
	c.st = stateAwaitingResult
	c.mu.Unlock()

	signature := ed25519.Sign(c.keypair, auth.SignPayload(c.relayHost, challenge.Nonce))
	response := &protocol.Envelope{
		Version: 1,
		Type:    protocol.MessageTypeAuthResponse,
		AuthResponse: &protocol.AuthResponse{
			Version:   1,
			PublicKey: c.pubKey,
			Signature: signature,
			Nonce:     challenge.Nonce,
		},
	}
	respData, err := protocol.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("transport: marshal auth response: %w", err)
	}
	writeCtx, writeCancel := context.WithTimeout(ctx, writeTimeout)
	err = conn.Write(writeCtx, websocket.MessageBinary, respData)
	writeCancel()
	if err != nil {
		return "", fmt.Errorf("transport: write auth response: %w", err)
	}

	_, resultData, err := conn.Read(hsCtx)
	if err != nil {
		return "", fmt.Errorf("transport: read auth result: %w", err)
	}
	resultEnv, err := protocol.Unmarshal(resultData)
	if err != nil {
		return "", fmt.Errorf("transport: decode auth result: %w", err)
	}
	if resultEnv.AuthResult == nil {
		return "", fmt.Errorf("transport: expected auth result, got %v", resultEnv.Type)
	}
	if !resultEnv.AuthResult.Success {
		return "", fmt.Errorf("transport: auth rejected: %s", resultEnv.AuthResult.ErrorMessage)
	}
	return resultEnv.AuthResult.AssignedAddress, nil
}

// Send serializes and writes an envelope. It fails fast if the socket is
// not currently open and authenticated, and refuses anything over the
// client-side size cap (spec §4.1: "Clients refuse to send envelopes
// >60 KB").
func (c *Client) Send(env *protocol.Envelope) error {
	data, err := protocol.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: marshal envelope: %w", err)
	}
	if len(data) > protocol.MaxClientSendSize {
		return fmt.Errorf("transport: envelope of %d bytes exceeds client send cap %d", len(data), protocol.MaxClientSendSize)
	}

	c.mu.Lock()
	conn := c.conn
	open := c.st == stateDone
	c.mu.Unlock()
	if !open || conn == nil {
		return errors.New("transport: not open and authenticated")
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		ctx := c.ctx
		c.mu.Unlock()
		if conn == nil || ctx == nil {
			return
		}

		readCtx, readCancel := context.WithTimeout(ctx, readTimeout)
		_, data, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Debug("transport: read error, attempting reconnect", "error", err)
			if !c.reconnectLoop() {
				return
			}
			continue
		}

		env, err := protocol.Unmarshal(data)
		if err != nil {
			slog.Debug("transport: dropping undecodable envelope", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env *protocol.Envelope) {
	c.handlersMu.Lock()
	handlers := make([]Handler, len(c.handlers))
	copy(handlers, c.handlers)
	c.handlersMu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

// reconnectLoop retries the dial+handshake with exponential backoff
// (500ms base, doubling, +/-1s jitter, 30s cap, 20 attempts) per spec
// §4.3. Returns true if reconnect succeeded, false if reconnect is
// disabled or attempts were exhausted -- in which case onDisconnect
// fires.
func (c *Client) reconnectLoop() bool {
	c.mu.Lock()
	enabled := c.reconnectEnabled
	ctx := c.ctx
	c.mu.Unlock()
	if !enabled {
		return false
	}

	delay := backoffBase
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		jitter := time.Duration(rand.Int63n(int64(2*backoffJitter))) - backoffJitter
		wait := delay + jitter
		if wait < 0 {
			wait = 0
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return false
		}

		if err := c.dialAndAuthenticate(ctx); err == nil {
			slog.Info("transport: reconnected", "attempt", attempt)
			return true
		} else {
			slog.Debug("transport: reconnect attempt failed", "attempt", attempt, "error", err)
		}

		delay *= 2
		if delay > backoffCap {
			delay = backoffCap
		}
	}

	if c.onDisconnect != nil {
		c.onDisconnect(fmt.Errorf("transport: reconnect exhausted after %d attempts", maxReconnectAttempts))
	}
	return false
}
