// Package messageengine implements the outbound/inbound message
// lifecycle (spec §4.6): encrypt-and-send, decrypt-and-dispatch through
// the enforcement pipeline, signed delivery confirmation, and flush
// synchronization against the relay's post-auth queue drain.
package messageengine

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pinch-protocol/pinch/internal/agentstore"
	"github.com/pinch-protocol/pinch/internal/connstore"
	"github.com/pinch-protocol/pinch/internal/crypto"
	"github.com/pinch-protocol/pinch/internal/identity"
	"github.com/pinch-protocol/pinch/internal/pipeline"
	"github.com/pinch-protocol/pinch/internal/protocol"
)

// plaintextWrapper is the JSON body wrapped inside every PlaintextPayload
// (spec §4.6 step 5).
type plaintextWrapper struct {
	Text        string `json:"text"`
	Attribution string `json:"attribution"`
}

// ContentType is the content_type a PlaintextPayload carries when its
// content is a plaintextWrapper.
const ContentType = "application/x-pinch+json"

// Sender is the outbound transport surface; satisfied by
// internal/transport.Client.
type Sender interface {
	Send(env *protocol.Envelope) error
}

// Enforcer is the inbound pipeline surface; satisfied by
// internal/pipeline.Pipeline.
type Enforcer interface {
	HandleInbound(ctx context.Context, peerAddress, body string) (pipeline.Outcome, error)
}

// Engine ties together connections, the message store, encryption, and
// the enforcement pipeline.
type Engine struct {
	Connections *connstore.Store
	Messages    *agentstore.MessageStore
	Pipeline    Enforcer
	Transport   Sender

	SelfAddress string
	selfPub     ed25519.PublicKey
	selfPriv    ed25519.PrivateKey
	selfX25519  [32]byte

	Now func() time.Time

	flush flushState
}

// New builds an Engine. The self keypair is converted to X25519 once at
// construction.
func New(conns *connstore.Store, messages *agentstore.MessageStore, pl Enforcer, sender Sender,
	selfAddress string, selfPub ed25519.PublicKey, selfPriv ed25519.PrivateKey, now func() time.Time) (*Engine, error) {
	if now == nil {
		now = time.Now
	}
	x25519Priv, err := identity.PrivateKeyToX25519(selfPriv)
	if err != nil {
		return nil, fmt.Errorf("messageengine: convert self key to x25519: %w", err)
	}
	e := &Engine{
		Connections: conns,
		Messages:    messages,
		Pipeline:    pl,
		Transport:   sender,
		SelfAddress: selfAddress,
		selfPub:     selfPub,
		selfPriv:    selfPriv,
		selfX25519:  x25519Priv,
		Now:         now,
	}
	e.flush.waitCh = make(chan struct{})
	return e, nil
}

// SendInput groups sendMessage's optional parameters.
type SendInput struct {
	Recipient   string
	Body        string
	ThreadID    string
	ReplyTo     string
	Priority    agentstore.Priority
	Attribution agentstore.Attribution
}

// SendMessage implements spec §4.6 sendMessage: validates the
// connection, allocates a time-ordered id, resolves the thread, encrypts
// the body, and persists+sends the resulting MESSAGE envelope.
func (e *Engine) SendMessage(in SendInput) (string, error) {
	conn, ok := e.Connections.Get(in.Recipient)
	if !ok || conn.State != connstore.StateActive {
		return "", fmt.Errorf("messageengine: connection to %s is not active", in.Recipient)
	}
	peerX25519, err := e.resolvePeerX25519(conn)
	if err != nil {
		return "", err
	}

	now := e.Now()
	id := uuid.Must(uuid.NewV7()).String()

	threadID := in.ThreadID
	if threadID == "" {
		if in.ReplyTo != "" {
			if inherited, found, err := e.Messages.FindThreadRoot(in.ReplyTo); err != nil {
				return "", fmt.Errorf("messageengine: resolve thread root: %w", err)
			} else if found && inherited != "" {
				threadID = inherited
			}
		}
		if threadID == "" {
			threadID = id
		}
	}

	seq, err := e.Connections.NextSequence(in.Recipient)
	if err != nil {
		return "", fmt.Errorf("messageengine: allocate sequence: %w", err)
	}

	attribution := in.Attribution
	if attribution == "" {
		attribution = agentstore.AttributionAgent
	}
	wrapper := plaintextWrapper{Text: in.Body, Attribution: string(attribution)}
	content, err := json.Marshal(wrapper)
	if err != nil {
		return "", fmt.Errorf("messageengine: encode plaintext wrapper: %w", err)
	}
	plaintext := &protocol.PlaintextPayload{
		Version:     1,
		Sequence:    seq,
		TimestampMs: now.UnixMilli(),
		Content:     content,
		ContentType: ContentType,
	}

	sealed, err := crypto.Seal(plaintext.Marshal(), &peerX25519, &e.selfX25519)
	if err != nil {
		return "", fmt.Errorf("messageengine: encrypt: %w", err)
	}

	priority := in.Priority
	if priority == "" {
		priority = agentstore.PriorityNormal
	}
	env := &protocol.Envelope{
		Version:     1,
		FromAddress: e.SelfAddress,
		ToAddress:   in.Recipient,
		Type:        protocol.MessageTypeMessage,
		MessageID:   []byte(id),
		TimestampMs: now.UnixMilli(),
		Encrypted: &protocol.EncryptedPayload{
			Nonce:           sealed[:crypto.NonceSize],
			Ciphertext:      sealed[crypto.NonceSize:],
			SenderPublicKey: e.selfX25519[:],
		},
	}
	data, err := protocol.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("messageengine: marshal envelope: %w", err)
	}
	if len(data) > protocol.MaxClientSendSize {
		return "", fmt.Errorf("messageengine: serialized envelope of %d bytes exceeds %d byte cap", len(data), protocol.MaxClientSendSize)
	}

	msg := &agentstore.Message{
		ID:                id,
		ConnectionAddress: in.Recipient,
		Direction:         agentstore.DirectionOutbound,
		Body:              in.Body,
		ThreadID:          threadID,
		ReplyTo:           in.ReplyTo,
		Priority:          priority,
		Sequence:          seq,
		State:             agentstore.MessageStateSent,
		Attribution:       attribution,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.Messages.Insert(msg); err != nil {
		return "", fmt.Errorf("messageengine: persist outbound message: %w", err)
	}

	if err := e.Transport.Send(env); err != nil {
		_ = e.Messages.UpdateState(id, agentstore.MessageStateFailed, err.Error(), now)
		return "", fmt.Errorf("messageengine: send: %w", err)
	}
	return id, nil
}

// HandleIncomingMessage implements spec §4.6 handleIncomingMessage:
// decrypt, persist, dispatch through the enforcement pipeline, and send
// a signed delivery confirmation.
func (e *Engine) HandleIncomingMessage(ctx context.Context, env *protocol.Envelope) error {
	if env.Encrypted == nil {
		return fmt.Errorf("messageengine: MESSAGE envelope missing encrypted payload")
	}
	now := e.Now()
	peerAddress := env.FromAddress

	conn, ok := e.Connections.Get(peerAddress)
	var senderX25519 [32]byte
	if ok && len(conn.PeerPublicKey) > 0 {
		var err error
		senderX25519, err = identity.PublicKeyToX25519(ed25519.PublicKey(conn.PeerPublicKey))
		if err != nil {
			return fmt.Errorf("messageengine: convert peer key: %w", err)
		}
	} else {
		// Unknown peer (e.g. a connection request arriving as a MESSAGE
		// is impossible, but a stale/forgotten connection is not): trust
		// the sender_public_key on the envelope itself.
		copy(senderX25519[:], env.Encrypted.SenderPublicKey)
	}

	sealed := append(append([]byte{}, env.Encrypted.Nonce...), env.Encrypted.Ciphertext...)
	plainBytes, err := crypto.Open(sealed, &senderX25519, &e.selfX25519)
	if err != nil {
		return fmt.Errorf("messageengine: decrypt: %w", err)
	}
	payload, err := protocol.UnmarshalPlaintextPayload(plainBytes)
	if err != nil {
		return fmt.Errorf("messageengine: decode plaintext payload: %w", err)
	}

	body := string(payload.Content)
	attribution := agentstore.AttributionAgent
	if payload.ContentType == ContentType {
		var wrapper plaintextWrapper
		if err := json.Unmarshal(payload.Content, &wrapper); err == nil {
			body = wrapper.Text
			if wrapper.Attribution != "" {
				attribution = agentstore.Attribution(wrapper.Attribution)
			}
		}
	}

	id := string(env.MessageID)
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	msg := &agentstore.Message{
		ID:                id,
		ConnectionAddress: peerAddress,
		Direction:         agentstore.DirectionInbound,
		Body:              body,
		ThreadID:          id,
		Priority:          agentstore.PriorityNormal,
		Sequence:          payload.Sequence,
		State:             agentstore.MessageStateDelivered,
		Attribution:       attribution,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.Messages.Insert(msg); err != nil {
		return fmt.Errorf("messageengine: persist inbound message: %w", err)
	}

	outcome, err := e.Pipeline.HandleInbound(ctx, peerAddress, body)
	if err != nil {
		return fmt.Errorf("messageengine: pipeline dispatch: %w", err)
	}
	if err := e.Messages.UpdateState(id, outcome.State, outcome.FailureReason, e.Now()); err != nil {
		return fmt.Errorf("messageengine: update inbound state: %w", err)
	}

	confirmTime := e.Now()
	sig := crypto.SignDelivery(e.selfPriv, env.MessageID, confirmTime.UnixMilli())
	confirmEnv := &protocol.Envelope{
		Version:     1,
		FromAddress: e.SelfAddress,
		ToAddress:   peerAddress,
		Type:        protocol.MessageTypeDeliveryConfirm,
		DeliveryConfirm: &protocol.DeliveryConfirm{
			MessageID: env.MessageID,
			Signature: sig,
			Timestamp: confirmTime.UnixMilli(),
			State:     string(agentstore.MessageStateDelivered),
		},
	}
	if err := e.Transport.Send(confirmEnv); err != nil {
		return fmt.Errorf("messageengine: send delivery confirm: %w", err)
	}

	e.flush.decrement()
	return nil
}

// HandleDeliveryConfirmation implements spec §4.6
// handleDeliveryConfirmation: a forged or tampered signature must never
// advance the outbound message's state.
func (e *Engine) HandleDeliveryConfirmation(env *protocol.Envelope) error {
	if env.DeliveryConfirm == nil {
		return fmt.Errorf("messageengine: DELIVERY_CONFIRM envelope missing payload")
	}
	dc := env.DeliveryConfirm
	conn, ok := e.Connections.Get(env.FromAddress)
	if !ok || len(conn.PeerPublicKey) == 0 {
		return fmt.Errorf("messageengine: no known peer key for %s, discarding delivery confirm", env.FromAddress)
	}
	if err := crypto.VerifyDelivery(ed25519.PublicKey(conn.PeerPublicKey), dc.MessageID, dc.Timestamp, dc.Signature); err != nil {
		return fmt.Errorf("messageengine: discarding invalid delivery confirm: %w", err)
	}

	id := string(dc.MessageID)
	state := agentstore.MessageState(dc.State)
	if state == "" {
		state = agentstore.MessageStateDelivered
	}
	return e.Messages.UpdateState(id, state, "", e.Now())
}

// HandleQueueStatus records the relay's post-auth pending inbound count
// for WaitForFlush to resolve against.
func (e *Engine) HandleQueueStatus(env *protocol.Envelope) {
	if env.QueueStatus == nil {
		return
	}
	e.flush.setPending(int(env.QueueStatus.PendingCount))
}

// WaitForFlush blocks until the relay's post-auth queued messages have
// all been processed, or returns an error on timeout. It waits at most
// 2s for the QueueStatus envelope itself to arrive; if none arrives in
// that window, there is nothing queued and it returns immediately.
func (e *Engine) WaitForFlush(timeout time.Duration) error {
	return e.flush.wait(timeout)
}

func (e *Engine) resolvePeerX25519(conn *connstore.Connection) ([32]byte, error) {
	if len(conn.PeerPublicKey) == 0 {
		return [32]byte{}, fmt.Errorf("messageengine: no known public key for %s", conn.PeerAddress)
	}
	return identity.PublicKeyToX25519(ed25519.PublicKey(conn.PeerPublicKey))
}

// flushState tracks the post-auth queue drain described in spec §4.6.
type flushState struct {
	mu        sync.Mutex
	gotStatus bool
	pending   int
	waitCh    chan struct{}
}

func (f *flushState) setPending(n int) {
	f.mu.Lock()
	f.gotStatus = true
	f.pending = n
	f.broadcastLocked()
	f.mu.Unlock()
}

func (f *flushState) decrement() {
	f.mu.Lock()
	if f.pending > 0 {
		f.pending--
	}
	f.broadcastLocked()
	f.mu.Unlock()
}

func (f *flushState) broadcastLocked() {
	if f.waitCh == nil {
		f.waitCh = make(chan struct{})
		return
	}
	close(f.waitCh)
	f.waitCh = make(chan struct{})
}

func (f *flushState) snapshot() (gotStatus bool, pending int, ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.waitCh == nil {
		f.waitCh = make(chan struct{})
	}
	return f.gotStatus, f.pending, f.waitCh
}

func (f *flushState) wait(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	const grace = 2 * time.Second

	for {
		gotStatus, pending, ch := f.snapshot()
		if !gotStatus {
			graceDeadline := deadline
			if until := time.Now().Add(grace); until.Before(graceDeadline) {
				graceDeadline = until
			}
			wait := time.Until(graceDeadline)
			if wait <= 0 {
				return nil
			}
			select {
			case <-ch:
				continue
			case <-time.After(wait):
				return nil
			}
		}
		if pending <= 0 {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("messageengine: timed out waiting for queue flush")
		}
		select {
		case <-ch:
			continue
		case <-time.After(remaining):
			return fmt.Errorf("messageengine: timed out waiting for queue flush")
		}
	}
}
