// Package connmgr orchestrates the connection request/approve/reject/
// block/unblock/revoke protocol (spec §4.4). Every state write pairs
// with a connstore save before any user-supplied callback runs.
package connmgr

import (
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/pinch-protocol/pinch/internal/connstore"
	"github.com/pinch-protocol/pinch/internal/protocol"
)

// MaxMessageLen is the maximum length of a connection-request message.
const MaxMessageLen = 280

// PendingTTL is how long a sendRequest stays pending before
// expirePendingRequests revokes it.
const PendingTTL = 7 * 24 * time.Hour

// Sender is the minimal outbound surface connmgr needs; satisfied by
// internal/transport.Client, kept as an interface per the teacher's
// "managers hold a lightweight handle, no upward pointer" design note.
type Sender interface {
	Send(env *protocol.Envelope) error
}

// IncomingRequestCallback is invoked after a ConnectionRequest has been
// persisted as pending_inbound. Per spec §4.4, exceptions in the
// callback must not poison dispatch -- Manager recovers from a panicking
// callback and logs it rather than propagating.
type IncomingRequestCallback func(peerAddress, message string)

// Manager implements the connection lifecycle state machine.
type Manager struct {
	store           *connstore.Store
	sender          Sender
	selfAddress     string
	selfPublicKey   ed25519.PublicKey
	onIncoming      IncomingRequestCallback
	now             func() time.Time
}

// New creates a Manager. now defaults to time.Now if nil.
func New(store *connstore.Store, sender Sender, selfAddress string, selfPublicKey ed25519.PublicKey, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, sender: sender, selfAddress: selfAddress, selfPublicKey: selfPublicKey, now: now}
}

// OnIncomingRequest registers the callback fired after a new
// pending_inbound connection is persisted.
func (m *Manager) OnIncomingRequest(cb IncomingRequestCallback) {
	m.onIncoming = cb
}

// SendRequest validates the message length, sends a ConnectionRequest,
// and records a local pending_outbound connection.
func (m *Manager) SendRequest(peerAddress, message string) error {
	if utf8.RuneCountInString(message) > MaxMessageLen {
		return fmt.Errorf("connmgr: message exceeds %d characters", MaxMessageLen)
	}

	now := m.now()
	env := &protocol.Envelope{
		Version:     1,
		FromAddress: m.selfAddress,
		ToAddress:   peerAddress,
		Type:        protocol.MessageTypeConnectionRequest,
		ConnectionRequest: &protocol.ConnectionRequest{
			FromAddress:     m.selfAddress,
			ToAddress:       peerAddress,
			Message:         message,
			SenderPublicKey: m.selfPublicKey,
			ExpiresAt:       now.Add(PendingTTL).Unix(),
		},
	}
	if err := m.sender.Send(env); err != nil {
		return fmt.Errorf("connmgr: send connection request: %w", err)
	}

	conn := connstore.NewConnection(peerAddress, now)
	conn.State = connstore.StatePendingOutbound
	conn.ShortMessage = message
	conn.ExpiresAt = now.Add(PendingTTL)
	if err := m.store.Put(conn); err != nil {
		return fmt.Errorf("connmgr: persist pending_outbound: %w", err)
	}
	return nil
}

// HandleIncomingRequest records an inbound ConnectionRequest as
// pending_inbound, persists it, then fires the optional callback. A
// panic inside the callback is recovered so it cannot poison dispatch.
func (m *Manager) HandleIncomingRequest(req *protocol.ConnectionRequest) error {
	now := m.now()
	conn := connstore.NewConnection(req.FromAddress, now)
	conn.State = connstore.StatePendingInbound
	conn.ShortMessage = req.Message
	conn.PeerPublicKey = req.SenderPublicKey
	if req.ExpiresAt > 0 {
		conn.ExpiresAt = time.Unix(req.ExpiresAt, 0)
	}
	if err := m.store.Put(conn); err != nil {
		return fmt.Errorf("connmgr: persist pending_inbound: %w", err)
	}

	if m.onIncoming != nil {
		m.invokeCallbackSafely(req.FromAddress, req.Message)
	}
	return nil
}

func (m *Manager) invokeCallbackSafely(peerAddress, message string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("connmgr: incoming request callback panicked", "peer", peerAddress, "panic", r)
		}
	}()
	m.onIncoming(peerAddress, message)
}

// ApproveRequest accepts a pending_inbound connection: sends an accepted
// ConnectionResponse and marks the connection active.
func (m *Manager) ApproveRequest(peerAddress string) error {
	conn, ok := m.store.Get(peerAddress)
	if !ok || conn.State != connstore.StatePendingInbound {
		return fmt.Errorf("connmgr: no pending_inbound connection for %s", peerAddress)
	}

	env := &protocol.Envelope{
		Version:     1,
		FromAddress: m.selfAddress,
		ToAddress:   peerAddress,
		Type:        protocol.MessageTypeConnectionResponse,
		ConnectionResponse: &protocol.ConnectionResponse{
			FromAddress:        m.selfAddress,
			ToAddress:          peerAddress,
			Accepted:           true,
			ResponderPublicKey: m.selfPublicKey,
		},
	}
	if err := m.sender.Send(env); err != nil {
		return fmt.Errorf("connmgr: send connection response: %w", err)
	}

	conn.State = connstore.StateActive
	conn.LastActivityAt = m.now()
	return m.store.Put(conn)
}

// RejectRequest silently rejects a pending_inbound connection: no
// envelope is sent, the connection is marked revoked.
func (m *Manager) RejectRequest(peerAddress string) error {
	conn, ok := m.store.Get(peerAddress)
	if !ok || conn.State != connstore.StatePendingInbound {
		return fmt.Errorf("connmgr: no pending_inbound connection for %s", peerAddress)
	}
	conn.State = connstore.StateRevoked
	return m.store.Put(conn)
}

// HandleIncomingResponse processes a ConnectionResponse to a request we
// sent. Accepted -> active with the responder's pubkey recorded;
// rejected (should never occur given silent rejection) -> revoked.
func (m *Manager) HandleIncomingResponse(resp *protocol.ConnectionResponse) error {
	conn, ok := m.store.Get(resp.FromAddress)
	if !ok {
		return nil // unknown peer: ignore
	}
	if resp.Accepted {
		conn.State = connstore.StateActive
		conn.PeerPublicKey = resp.ResponderPublicKey
	} else {
		conn.State = connstore.StateRevoked
	}
	conn.LastActivityAt = m.now()
	return m.store.Put(conn)
}

// BlockConnection sends a BlockNotification and marks the connection
// blocked locally.
func (m *Manager) BlockConnection(peerAddress string) error {
	conn, ok := m.store.Get(peerAddress)
	if !ok {
		return fmt.Errorf("connmgr: no connection for %s", peerAddress)
	}
	env := &protocol.Envelope{
		Version:     1,
		FromAddress: m.selfAddress,
		Type:        protocol.MessageTypeBlockNotification,
		BlockNotification: &protocol.BlockNotification{
			BlockerAddress: m.selfAddress,
			BlockedAddress: peerAddress,
		},
	}
	if err := m.sender.Send(env); err != nil {
		return fmt.Errorf("connmgr: send block notification: %w", err)
	}
	conn.State = connstore.StateBlocked
	return m.store.Put(conn)
}

// UnblockConnection sends an UnblockNotification and restores the
// connection to active.
func (m *Manager) UnblockConnection(peerAddress string) error {
	conn, ok := m.store.Get(peerAddress)
	if !ok {
		return fmt.Errorf("connmgr: no connection for %s", peerAddress)
	}
	env := &protocol.Envelope{
		Version:     1,
		FromAddress: m.selfAddress,
		Type:        protocol.MessageTypeUnblockNotification,
		UnblockNotification: &protocol.UnblockNotification{
			UnblockerAddress: m.selfAddress,
			UnblockedAddress: peerAddress,
		},
	}
	if err := m.sender.Send(env); err != nil {
		return fmt.Errorf("connmgr: send unblock notification: %w", err)
	}
	conn.State = connstore.StateActive
	return m.store.Put(conn)
}

// RevokeConnection sends a ConnectionRevoke and marks the connection
// revoked. After revoke, either party may initiate a fresh request.
func (m *Manager) RevokeConnection(peerAddress string) error {
	conn, ok := m.store.Get(peerAddress)
	if !ok {
		return fmt.Errorf("connmgr: no connection for %s", peerAddress)
	}
	env := &protocol.Envelope{
		Version:     1,
		FromAddress: m.selfAddress,
		Type:        protocol.MessageTypeConnectionRevoke,
		ConnectionRevoke: &protocol.ConnectionRevoke{
			FromAddress: m.selfAddress,
			ToAddress:   peerAddress,
		},
	}
	if err := m.sender.Send(env); err != nil {
		return fmt.Errorf("connmgr: send connection revoke: %w", err)
	}
	conn.State = connstore.StateRevoked
	return m.store.Put(conn)
}

// HandleIncomingRevoke marks the sender's connection revoked. An unknown
// peer is ignored.
func (m *Manager) HandleIncomingRevoke(revoke *protocol.ConnectionRevoke) error {
	conn, ok := m.store.Get(revoke.FromAddress)
	if !ok {
		return nil
	}
	conn.State = connstore.StateRevoked
	return m.store.Put(conn)
}

// ExpirePendingRequests scans the store for pending_* connections past
// their ExpiresAt and marks them revoked.
func (m *Manager) ExpirePendingRequests() error {
	return m.store.ExpirePending(m.now())
}
