// Package hub implements a hub-and-spoke WebSocket connection manager.
// The Hub goroutine maintains a routing table mapping pinch: addresses
// to active WebSocket connections, with channels for registration and
// unregistration of clients.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pinch-protocol/pinch/internal/protocol"
	"github.com/pinch-protocol/pinch/internal/store"
)

// ErrAddressInUse is returned by Register when the client's address is
// already registered to a currently live connection.
var ErrAddressInUse = errors.New("hub: address already registered to an active connection")

const (
	// flushBatchSize is the number of queued messages sent per batch
	// during reconnect flush.
	flushBatchSize = 50

	// flushBatchDelay is the pause between flush batches to avoid
	// overwhelming the client's receive buffer.
	flushBatchDelay = 10 * time.Millisecond
)

// Hub maintains the set of active clients and routes messages between them.
// A single Hub goroutine serializes access to the routing table via channels.
type Hub struct {
	// clients maps pinch: addresses to active Client connections.
	clients map[string]*Client

	// register receives clients to add to the routing table. The result
	// channel reports back ErrAddressInUse if the address is already
	// registered to a live client.
	register chan registration

	// unregister receives clients to remove from the routing table.
	unregister chan *Client

	// blockStore persists block relationships. Can be nil for tests that
	// don't need blocking.
	blockStore *store.BlockStore

	// mq is the durable message queue for offline recipients. Can be nil
	// for tests that don't need store-and-forward.
	mq *store.MessageQueue

	// rateLimiter enforces per-connection token bucket rate limiting.
	// Can be nil to disable rate limiting (e.g., tests).
	rateLimiter *RateLimiter

	// mu protects external reads of the routing table.
	mu sync.RWMutex
}

type registration struct {
	client *Client
	result chan error
}

// NewHub creates a new Hub with initialized channels and routing table.
// blockStore may be nil if block enforcement is not needed (e.g., tests).
// mq may be nil if store-and-forward is not needed (e.g., tests).
// rl may be nil to disable rate limiting (e.g., tests).
func NewHub(blockStore *store.BlockStore, mq *store.MessageQueue, rl *RateLimiter) *Hub {
	return &Hub{
		clients:     make(map[string]*Client),
		register:    make(chan registration),
		unregister:  make(chan *Client),
		blockStore:  blockStore,
		mq:          mq,
		rateLimiter: rl,
	}
}

// Run starts the hub's main event loop. It processes register and unregister
// events until the context is cancelled. Run should be called in its own
// goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case reg := <-h.register:
			h.mu.Lock()
			_, exists := h.clients[reg.client.address]
			if exists {
				h.mu.Unlock()
				reg.result <- ErrAddressInUse
				slog.Info("duplicate address registration rejected",
					"address", reg.client.address,
				)
				continue
			}
			h.clients[reg.client.address] = reg.client
			h.mu.Unlock()
			reg.result <- nil

			// Check for queued messages and start flush if needed.
			if h.mq != nil {
				count := h.mq.Count(reg.client.address)
				if count > 0 {
					// Send QueueStatus to inform the client of pending messages.
					h.sendQueueStatus(reg.client, int32(count))
					reg.client.SetFlushing(true)
					go h.flushQueuedMessages(reg.client)
				}
			}

			slog.Info("client registered",
				"address", reg.client.address,
				"connections", h.ClientCount(),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			// Only remove the entry if it still points at this exact
			// client. A stale ReadPump shutting down after a newer
			// connection already re-registered under the same address
			// must not evict the replacement.
			if current, ok := h.clients[client.address]; ok && current == client {
				delete(h.clients, client.address)
				client.closeSend()
				client.cancel()
			}
			h.mu.Unlock()
			if h.rateLimiter != nil {
				h.rateLimiter.Remove(client.address)
			}
			slog.Info("client unregistered",
				"address", client.address,
				"connections", h.ClientCount(),
			)

		case <-ctx.Done():
			h.mu.Lock()
			for addr, client := range h.clients {
				client.closeSend()
				client.cancel()
				delete(h.clients, addr)
			}
			h.mu.Unlock()
			slog.Info("hub stopped")
			return
		}
	}
}

// sendQueueStatus sends a QueueStatus envelope to the client informing
// it of the number of pending queued messages.
func (h *Hub) sendQueueStatus(client *Client, pendingCount int32) {
	env := &protocol.Envelope{
		Version: 1,
		Type:    protocol.MessageTypeQueueStatus,
		QueueStatus: &protocol.QueueStatus{
			PendingCount: pendingCount,
		},
	}
	data, err := protocol.Marshal(env)
	if err != nil {
		slog.Error("failed to marshal QueueStatus", "error", err)
		return
	}
	client.Send(data)
}

// flushQueuedMessages drains all queued messages for the client in batches.
// After flush completes, the client's flushing flag is cleared and real-time
// traffic can resume. If the client disconnects during flush, remaining
// messages stay in bbolt for the next reconnect.
//
// Each entry is removed from bbolt only after it has actually been handed
// to the client's write goroutine (a blocking send, unlike the real-time
// drop-on-full Send), so a momentarily full send buffer during flush never
// loses a durable message.
func (h *Hub) flushQueuedMessages(client *Client) {
	defer client.SetFlushing(false)

	for {
		// Check if client disconnected.
		if client.ctx.Err() != nil {
			slog.Info("flush aborted: client disconnected",
				"address", client.address,
			)
			return
		}

		entries, err := h.mq.FlushBatch(client.address, flushBatchSize)
		if err != nil {
			slog.Error("flush batch error",
				"address", client.address,
				"error", err,
			)
			return
		}

		if len(entries) == 0 {
			// All queued messages have been sent.
			slog.Info("flush complete",
				"address", client.address,
			)
			return
		}

		for _, entry := range entries {
			if !client.SendBlocking(entry.Envelope) {
				// Client disconnected mid-flush; leave remaining entries
				// (and this one) in bbolt for the next reconnect.
				slog.Info("flush interrupted: client disconnected",
					"address", client.address,
				)
				return
			}
			// Remove entry from bbolt only after it was actually
			// delivered to the send buffer, preventing loss on backpressure.
			if err := h.mq.Remove(client.address, entry.Key); err != nil {
				slog.Error("failed to remove flushed entry",
					"address", client.address,
					"error", err,
				)
			}
		}

		// Small delay between batches to avoid overwhelming the client.
		time.Sleep(flushBatchDelay)
	}
}

// ClientCount returns the number of currently connected clients.
// It is safe for concurrent use.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// LookupClient returns the client registered with the given address.
// Returns the client and true if found, or nil and false otherwise.
// It is safe for concurrent use.
func (h *Hub) LookupClient(address string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[address]
	return c, ok
}

// Register adds a client to the routing table. It returns ErrAddressInUse
// if the client's address is already registered to a currently live
// connection -- the caller must close the new connection rather than
// take over an existing one.
func (h *Hub) Register(client *Client) error {
	result := make(chan error, 1)
	h.register <- registration{client: client, result: result}
	return <-result
}

// Unregister queues a client for removal from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// RouteMessage deserializes an envelope, handles block/unblock commands,
// checks blocks, and delivers the message to the recipient.
// Messages from a blocked sender are silently dropped. Messages for an
// offline or still-flushing recipient are queued; when the recipient's
// queue is full the sender receives a QueueFull envelope.
// Envelopes larger than protocol.MaxEnvelopeSize are silently dropped.
//
// The authenticated sender's address always overrides whatever
// from_address (or payload-embedded blocker/unblocker address) the
// envelope claims -- a connection can never speak for an address other
// than the one it proved ownership of during the auth handshake.
func (h *Hub) RouteMessage(from *Client, envelope []byte) error {
	// Enforce per-connection rate limit.
	if h.rateLimiter != nil && !h.rateLimiter.Allow(from.Address()) {
		h.sendRateLimited(from)
		return nil
	}

	// Enforce maximum envelope size.
	if len(envelope) > protocol.MaxEnvelopeSize {
		slog.Debug("route: envelope exceeds max size",
			"from", from.Address(),
			"size", len(envelope),
			"max", protocol.MaxEnvelopeSize,
		)
		return nil
	}

	env, err := protocol.Unmarshal(envelope)
	if err != nil {
		slog.Debug("route: invalid envelope",
			"from", from.Address(),
			"error", err,
		)
		return err
	}

	// Normalize the authenticated identity onto the envelope before any
	// further processing or forwarding -- nothing downstream may trust
	// the from_address a client wrote into its own message.
	env.FromAddress = from.Address()

	switch env.Type {
	case protocol.MessageTypeBlockNotification:
		bn := env.BlockNotification
		if bn == nil {
			return nil
		}
		if h.blockStore != nil {
			return h.blockStore.Block(from.Address(), bn.BlockedAddress)
		}
		return nil

	case protocol.MessageTypeUnblockNotification:
		un := env.UnblockNotification
		if un == nil {
			return nil
		}
		if h.blockStore != nil {
			return h.blockStore.Unblock(from.Address(), un.UnblockedAddress)
		}
		return nil
	}

	// For all other message types: check block list before delivery.
	toAddress := env.ToAddress
	if toAddress == "" {
		return nil
	}

	if h.blockStore != nil && h.blockStore.IsBlocked(toAddress, from.Address()) {
		// Silent drop -- no error to sender.
		slog.Debug("route: message blocked",
			"from", from.Address(),
			"to", toAddress,
		)
		return nil
	}

	normalized, err := protocol.Marshal(env)
	if err != nil {
		slog.Error("route: failed to re-marshal normalized envelope",
			"from", from.Address(),
			"error", err,
		)
		return err
	}

	recipient, ok := h.LookupClient(toAddress)
	if !ok {
		// Recipient offline -- enqueue to durable store.
		if h.mq != nil {
			err := h.mq.Enqueue(toAddress, from.Address(), normalized)
			if err == store.ErrQueueFull {
				h.sendQueueFull(from, toAddress)
				slog.Info("queue full for recipient",
					"from", from.Address(),
					"to", toAddress,
				)
			} else if err != nil {
				slog.Error("failed to enqueue message",
					"from", from.Address(),
					"to", toAddress,
					"error", err,
				)
			}
		}
		return nil
	}

	// If recipient is online but flushing, enqueue to preserve ordering.
	if recipient.IsFlushing() {
		if h.mq != nil {
			err := h.mq.Enqueue(toAddress, from.Address(), normalized)
			if err == store.ErrQueueFull {
				h.sendQueueFull(from, toAddress)
			} else if err != nil {
				slog.Error("failed to enqueue message during flush",
					"from", from.Address(),
					"to", toAddress,
					"error", err,
				)
			}
		}
		return nil
	}

	recipient.Send(normalized)
	return nil
}

// sendRateLimited sends a RateLimited error envelope to the sender.
func (h *Hub) sendRateLimited(client *Client) {
	env := &protocol.Envelope{
		Version: 1,
		Type:    protocol.MessageTypeRateLimited,
		RateLimited: &protocol.RateLimited{
			RetryAfterMs: 1000,
			Reason:       "per-connection rate limit exceeded",
		},
	}
	data, err := protocol.Marshal(env)
	if err != nil {
		slog.Error("failed to marshal RateLimited", "error", err)
		return
	}
	client.Send(data)
}

// sendQueueFull sends a QueueFull error envelope to the sender.
func (h *Hub) sendQueueFull(sender *Client, recipientAddress string) {
	env := &protocol.Envelope{
		Version: 1,
		Type:    protocol.MessageTypeQueueFull,
		QueueFull: &protocol.QueueFull{
			RecipientAddress: recipientAddress,
			Reason:           "recipient message queue is full",
		},
	}
	data, err := protocol.Marshal(env)
	if err != nil {
		slog.Error("failed to marshal QueueFull", "error", err)
		return
	}
	sender.Send(data)
}
