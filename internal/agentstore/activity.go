package agentstore

import (
	"database/sql"
	"fmt"
	"time"
)

// ActivityEvent is one row of the hash-chained audit log.
type ActivityEvent struct {
	ID                string    `json:"id"`
	ConnectionAddress string    `json:"connection_address"`
	EventType         string    `json:"event_type"`
	ActionType        string    `json:"action_type"`
	MessageID         string    `json:"message_id"`
	Badge             string    `json:"badge"`
	Details           string    `json:"details"`
	ActorPubkey       string    `json:"actor_pubkey"`
	MessageHash       string    `json:"message_hash"`
	PrevHash          string    `json:"prev_hash"`
	EntryHash         string    `json:"entry_hash"`
	CreatedAt         time.Time `json:"created_at"`
	Seq               int64     `json:"seq"`
}

// ActivityStore provides append-only access to the activity_events table.
type ActivityStore struct {
	db *sql.DB
}

// NewActivityStore wraps a shared agentstore handle.
func NewActivityStore(db *sql.DB) *ActivityStore {
	return &ActivityStore{db: db}
}

// Append inserts the next entry in the chain. Callers (internal/audit)
// are responsible for computing PrevHash/EntryHash before calling this;
// the store itself does not compute hashes so the chaining logic stays
// in one place.
func (s *ActivityStore) Append(e *ActivityEvent) error {
	_, err := s.db.Exec(
		`INSERT INTO activity_events (id, connection_address, event_type, action_type, message_id,
			badge, details, actor_pubkey, message_hash, prev_hash, entry_hash, created_at, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM activity_events))`,
		e.ID, e.ConnectionAddress, e.EventType, e.ActionType, nullable(e.MessageID),
		nullable(e.Badge), nullable(e.Details), nullable(e.ActorPubkey), nullable(e.MessageHash),
		e.PrevHash, e.EntryHash, e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("agentstore: append activity event: %w", err)
	}
	return nil
}

// Last returns the most recently appended entry, or nil if the log is
// empty (the caller treats nil as "use an empty genesis prev_hash").
func (s *ActivityStore) Last() (*ActivityEvent, error) {
	row := s.db.QueryRow(
		`SELECT id, connection_address, event_type, action_type, message_id, badge, details,
			actor_pubkey, message_hash, prev_hash, entry_hash, created_at, seq
		 FROM activity_events ORDER BY seq DESC LIMIT 1`)
	e, err := scanActivity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// All returns every entry in chain order, oldest first.
func (s *ActivityStore) All() ([]*ActivityEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, connection_address, event_type, action_type, message_id, badge, details,
			actor_pubkey, message_hash, prev_hash, entry_hash, created_at, seq
		 FROM activity_events ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("agentstore: list activity events: %w", err)
	}
	defer rows.Close()

	var out []*ActivityEvent
	for rows.Next() {
		e, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Recent returns the most recent n entries, newest first.
func (s *ActivityStore) Recent(n int) ([]*ActivityEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, connection_address, event_type, action_type, message_id, badge, details,
			actor_pubkey, message_hash, prev_hash, entry_hash, created_at, seq
		 FROM activity_events ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("agentstore: recent activity events: %w", err)
	}
	defer rows.Close()

	var out []*ActivityEvent
	for rows.Next() {
		e, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanActivity(row rowScanner) (*ActivityEvent, error) {
	var (
		e                                                            ActivityEvent
		messageID, badge, details, actorPubkey, messageHash          sql.NullString
		createdAt                                                    string
	)
	err := row.Scan(&e.ID, &e.ConnectionAddress, &e.EventType, &e.ActionType, &messageID,
		&badge, &details, &actorPubkey, &messageHash, &e.PrevHash, &e.EntryHash, &createdAt, &e.Seq)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("agentstore: scan activity event: %w", err)
	}
	e.MessageID = messageID.String
	e.Badge = badge.String
	e.Details = details.String
	e.ActorPubkey = actorPubkey.String
	e.MessageHash = messageHash.String
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &e, nil
}
