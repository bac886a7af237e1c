package agentstore

import (
	"database/sql"
	"fmt"
	"time"
)

// MessageState mirrors the lifecycle states the enforcement pipeline and
// message engine assign to a message record.
type MessageState string

const (
	MessageStateSent                   MessageState = "sent"
	MessageStateDelivered              MessageState = "delivered"
	MessageStateReadByAgent            MessageState = "read_by_agent"
	MessageStateEscalatedToHuman       MessageState = "escalated_to_human"
	MessageStatePendingPolicyEval      MessageState = "pending_policy_eval"
	MessageStateFailed                 MessageState = "failed"
)

// Direction is inbound or outbound relative to the local agent.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Priority is the message urgency tier.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityUrgent Priority = "urgent"
)

// Attribution marks whether a message body originated from the agent
// itself or from the human it represents.
type Attribution string

const (
	AttributionAgent Attribution = "agent"
	AttributionHuman Attribution = "human"
)

// Message is the full persisted record for one message.
type Message struct {
	ID                string
	ConnectionAddress string
	Direction         Direction
	Body              string
	ThreadID          string
	ReplyTo           string
	Priority          Priority
	Sequence          uint64
	State             MessageState
	FailureReason     string
	Attribution       Attribution
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// MessageStore provides CRUD access to the messages table.
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore wraps a shared agentstore handle.
func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Insert persists a new message record.
func (s *MessageStore) Insert(m *Message) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (id, connection_address, direction, body, thread_id, reply_to,
			priority, sequence, state, failure_reason, attribution, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConnectionAddress, string(m.Direction), m.Body, m.ThreadID, nullable(m.ReplyTo),
		string(m.Priority), m.Sequence, string(m.State), nullable(m.FailureReason), nullable(string(m.Attribution)),
		m.CreatedAt.UTC().Format(time.RFC3339Nano), m.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("agentstore: insert message: %w", err)
	}
	return nil
}

// UpdateState updates a message's state and optional failure reason.
func (s *MessageStore) UpdateState(id string, state MessageState, failureReason string, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE messages SET state = ?, failure_reason = ?, updated_at = ? WHERE id = ?`,
		string(state), nullable(failureReason), now.UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("agentstore: update message state: %w", err)
	}
	return nil
}

// Get fetches a message by id.
func (s *MessageStore) Get(id string) (*Message, error) {
	row := s.db.QueryRow(
		`SELECT id, connection_address, direction, body, thread_id, reply_to, priority,
			sequence, state, failure_reason, attribution, created_at, updated_at
		 FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// FindThreadRoot looks up the thread id a message belongs to, for
// reply_to inheritance (spec §4.6 step 3).
func (s *MessageStore) FindThreadRoot(messageID string) (string, bool, error) {
	var threadID string
	err := s.db.QueryRow(`SELECT thread_id FROM messages WHERE id = ?`, messageID).Scan(&threadID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("agentstore: find thread root: %w", err)
	}
	return threadID, true, nil
}

// ListByConnection returns every message for a connection, ordered by
// sequence.
func (s *MessageStore) ListByConnection(connectionAddress string) ([]*Message, error) {
	rows, err := s.db.Query(
		`SELECT id, connection_address, direction, body, thread_id, reply_to, priority,
			sequence, state, failure_reason, attribution, created_at, updated_at
		 FROM messages WHERE connection_address = ? ORDER BY sequence ASC`, connectionAddress)
	if err != nil {
		return nil, fmt.Errorf("agentstore: list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m                          Message
		direction, priority, state string
		replyTo, failureReason     sql.NullString
		attribution                sql.NullString
		createdAt, updatedAt       string
	)
	err := row.Scan(&m.ID, &m.ConnectionAddress, &direction, &m.Body, &m.ThreadID, &replyTo,
		&priority, &m.Sequence, &state, &failureReason, &attribution, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("agentstore: scan message: %w", err)
	}
	m.Direction = Direction(direction)
	m.Priority = Priority(priority)
	m.State = MessageState(state)
	m.ReplyTo = replyTo.String
	m.FailureReason = failureReason.String
	m.Attribution = Attribution(attribution.String)
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &m, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
