// Package audit implements the per-agent append-only activity feed: a
// SHA-256 hash-chained log backed by internal/agentstore, the "activity
// feed" every other component (pipeline, connmgr, message engine)
// records to.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pinch-protocol/pinch/internal/agentstore"
)

// Event is the caller-supplied content of a new activity entry; id,
// timestamp, and hash fields are computed by Log.Record.
type Event struct {
	ConnectionAddress string
	EventType         string
	ActionType        string // defaults to EventType if empty
	MessageID         string
	Badge             string
	Details           string
	ActorPubkey       string
	MessageHash       string
}

// Log is the hash-chained audit log for one agent.
type Log struct {
	store *agentstore.ActivityStore
}

// New wraps a shared agentstore handle.
func New(store *agentstore.ActivityStore) *Log {
	return &Log{store: store}
}

// Record appends a new entry to the chain, computing entry_hash from the
// previous entry's entry_hash (empty for the genesis entry) per spec §3:
//
//	entry_hash = SHA-256(id | iso_timestamp | actor_pubkey | action_type |
//	                      connection_address | message_hash | prev_hash)
func (l *Log) Record(e Event) (*agentstore.ActivityEvent, error) {
	actionType := e.ActionType
	if actionType == "" {
		actionType = e.EventType
	}

	prev, err := l.store.Last()
	if err != nil {
		return nil, fmt.Errorf("audit: read chain tail: %w", err)
	}
	prevHash := ""
	if prev != nil {
		prevHash = prev.EntryHash
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("audit: generate entry id: %w", err)
	}
	now := time.Now().UTC()
	entry := &agentstore.ActivityEvent{
		ID:                id.String(),
		ConnectionAddress: e.ConnectionAddress,
		EventType:         e.EventType,
		ActionType:        actionType,
		MessageID:         e.MessageID,
		Badge:             e.Badge,
		Details:           e.Details,
		ActorPubkey:       e.ActorPubkey,
		MessageHash:       e.MessageHash,
		PrevHash:          prevHash,
		CreatedAt:         now,
	}
	entry.EntryHash = computeEntryHash(entry)

	if err := l.store.Append(entry); err != nil {
		return nil, fmt.Errorf("audit: append entry: %w", err)
	}
	return entry, nil
}

func computeEntryHash(e *agentstore.ActivityEvent) string {
	const delim = "\x1f"
	payload := e.ID + delim +
		e.CreatedAt.Format(time.RFC3339Nano) + delim +
		e.ActorPubkey + delim +
		e.ActionType + delim +
		e.ConnectionAddress + delim +
		e.MessageHash + delim +
		e.PrevHash
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Recent returns the n most recently recorded entries, newest first --
// the query the activity view calls.
func (l *Log) Recent(n int) ([]*agentstore.ActivityEvent, error) {
	return l.store.Recent(n)
}

// Export returns every entry in chain order for the audit export surface
// (spec §6: "JSON array of raw audit rows with snake_case keys").
func (l *Log) Export() ([]*agentstore.ActivityEvent, error) {
	return l.store.All()
}
