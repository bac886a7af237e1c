// Package protocol defines the wire envelope shared by the relay and the
// agent engine: a versioned record with a tagged payload union. It is the
// only surface the two processes agree on.
package protocol

// MessageType tags which payload variant an Envelope carries.
type MessageType int32

const (
	MessageTypeUnspecified MessageType = 0
	MessageTypeAuthChallenge MessageType = 1
	MessageTypeAuthResponse MessageType = 2
	MessageTypeAuthResult MessageType = 3
	MessageTypeMessage MessageType = 4
	MessageTypeDeliveryConfirm MessageType = 5
	MessageTypeConnectionRequest MessageType = 6
	MessageTypeConnectionResponse MessageType = 7
	MessageTypeConnectionRevoke MessageType = 8
	MessageTypeBlockNotification MessageType = 9
	MessageTypeUnblockNotification MessageType = 10
	MessageTypeQueueStatus MessageType = 11
	MessageTypeQueueFull MessageType = 12
	MessageTypeRateLimited MessageType = 13
	MessageTypeHeartbeat MessageType = 14
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeAuthChallenge:
		return "AUTH_CHALLENGE"
	case MessageTypeAuthResponse:
		return "AUTH_RESPONSE"
	case MessageTypeAuthResult:
		return "AUTH_RESULT"
	case MessageTypeMessage:
		return "MESSAGE"
	case MessageTypeDeliveryConfirm:
		return "DELIVERY_CONFIRM"
	case MessageTypeConnectionRequest:
		return "CONNECTION_REQUEST"
	case MessageTypeConnectionResponse:
		return "CONNECTION_RESPONSE"
	case MessageTypeConnectionRevoke:
		return "CONNECTION_REVOKE"
	case MessageTypeBlockNotification:
		return "BLOCK_NOTIFICATION"
	case MessageTypeUnblockNotification:
		return "UNBLOCK_NOTIFICATION"
	case MessageTypeQueueStatus:
		return "QUEUE_STATUS"
	case MessageTypeQueueFull:
		return "QUEUE_FULL"
	case MessageTypeRateLimited:
		return "RATE_LIMITED"
	case MessageTypeHeartbeat:
		return "HEARTBEAT"
	default:
		return "UNSPECIFIED"
	}
}

// Envelope is the single wire record exchanged between agents and the
// relay. Exactly one of the payload fields below is populated; which one
// is determined by Type.
type Envelope struct {
	Version     int32
	FromAddress string
	ToAddress   string // optional
	Type        MessageType
	MessageID   []byte // optional, opaque
	TimestampMs int64  // optional, milliseconds since epoch; 0 means unset

	AuthChallenge      *AuthChallenge
	AuthResponse       *AuthResponse
	AuthResult         *AuthResult
	Encrypted          *EncryptedPayload
	DeliveryConfirm    *DeliveryConfirm
	ConnectionRequest  *ConnectionRequest
	ConnectionResponse *ConnectionResponse
	ConnectionRevoke   *ConnectionRevoke
	BlockNotification  *BlockNotification
	UnblockNotification *UnblockNotification
	QueueStatus        *QueueStatus
	QueueFull          *QueueFull
	RateLimited        *RateLimited
	Heartbeat          *Heartbeat
}

// AuthChallenge is sent by the relay immediately after the WebSocket
// upgrade to begin the Ed25519 challenge-response handshake.
type AuthChallenge struct {
	Version     int32
	Nonce       []byte // 32 bytes
	IssuedAtMs  int64
	ExpiresAtMs int64
	RelayHost   string
}

// AuthResponse is the client's reply to an AuthChallenge.
type AuthResponse struct {
	Version   int32
	PublicKey []byte // 32 bytes, Ed25519
	Signature []byte // 64 bytes
	Nonce     []byte // 32 bytes, echoed challenge nonce
}

// AuthResult reports the outcome of the handshake.
type AuthResult struct {
	Success         bool
	ErrorMessage    string
	AssignedAddress string
}

// EncryptedPayload wraps a NaCl box ciphertext. The plaintext, once
// decrypted, is a PlaintextPayload.
type EncryptedPayload struct {
	Nonce           []byte // 24 bytes
	Ciphertext      []byte
	SenderPublicKey []byte // 32 bytes, X25519
}

// PlaintextPayload is never sent on the wire directly -- it only exists
// inside an EncryptedPayload's ciphertext.
type PlaintextPayload struct {
	Version     int32
	Sequence    uint64
	TimestampMs int64
	Content     []byte
	ContentType string
}

// DeliveryConfirm is a signed acknowledgement that a message was
// delivered to (and processed by) the recipient's enforcement pipeline.
type DeliveryConfirm struct {
	MessageID []byte
	Signature []byte // 64 bytes, Ed25519 detached signature
	Timestamp int64
	State     string // "delivered"
	WasStored *bool  // optional
}

// ConnectionRequest asks the recipient to establish a connection.
type ConnectionRequest struct {
	FromAddress     string
	ToAddress       string
	Message         string // <=280 chars
	SenderPublicKey []byte // may be empty; relay auth supplies identity
	ExpiresAt       int64  // unix seconds
}

// ConnectionResponse answers a ConnectionRequest.
type ConnectionResponse struct {
	FromAddress         string
	ToAddress           string
	Accepted            bool
	ResponderPublicKey []byte // empty unless accepted
}

// ConnectionRevoke tears down an established or pending connection.
type ConnectionRevoke struct {
	FromAddress string
	ToAddress   string
}

// BlockNotification tells the relay to stop routing from Blocked to the
// authenticated sender (the relay ignores BlockerAddress and uses the
// authenticated identity instead).
type BlockNotification struct {
	BlockerAddress string
	BlockedAddress string
}

// UnblockNotification reverses a BlockNotification.
type UnblockNotification struct {
	UnblockerAddress string
	UnblockedAddress string
}

// QueueStatus is sent by the relay right after auth, before flush, to
// announce how many messages are queued for the newly connected client.
type QueueStatus struct {
	PendingCount int32
}

// QueueFull is returned to a sender when the recipient's durable queue
// has reached its cap.
type QueueFull struct {
	RecipientAddress string
	Reason           string
}

// RateLimited is returned to a sender whose token bucket is exhausted.
type RateLimited struct {
	RetryAfterMs int64
	Reason       string
}

// Heartbeat carries no data; its presence is the signal.
type Heartbeat struct{}
