// Package auth implements the relay's Ed25519 challenge-response
// handshake: the relay issues a nonce, the client signs a domain-
// separated message over it, and the relay verifies the signature
// before the hub will ever register the connection.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/pinch-protocol/pinch/internal/identity"
	"github.com/pinch-protocol/pinch/internal/protocol"
)

// NonceSize is the size in bytes of the authentication challenge nonce.
const NonceSize = 32

// AuthDomain prefixes every signed challenge so a signature produced for
// one protocol (or one relay host) can never be replayed against another.
const AuthDomain = "pinch-auth-v1"

// DefaultChallengeTTL is how long a client has to answer a challenge
// before the relay gives up.
const DefaultChallengeTTL = 10 * time.Second

var (
	ErrChallengeExpired  = errors.New("auth: challenge expired")
	ErrNonceMismatch     = errors.New("auth: echoed nonce does not match challenge")
	ErrSignatureInvalid  = errors.New("auth: signature verification failed")
	ErrUnexpectedPayload = errors.New("auth: expected AuthResponse payload")
)

// GenerateChallenge creates a NonceSize random nonce using crypto/rand.
func GenerateChallenge() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("auth: generate nonce: %w", err)
	}
	return nonce, nil
}

// SignPayload builds the domain-separated byte string that both sides
// sign/verify: "pinch-auth-v1" || 0x00 || host || 0x00 || nonce.
func SignPayload(host string, nonce []byte) []byte {
	buf := make([]byte, 0, len(AuthDomain)+1+len(host)+1+len(nonce))
	buf = append(buf, AuthDomain...)
	buf = append(buf, 0)
	buf = append(buf, host...)
	buf = append(buf, 0)
	buf = append(buf, nonce...)
	return buf
}

// VerifyChallenge checks that signature is a valid Ed25519 signature of
// SignPayload(host, nonce) under pubKey.
func VerifyChallenge(pubKey ed25519.PublicKey, host string, nonce, signature []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubKey, SignPayload(host, nonce), signature)
}

// DeriveAddress computes the pinch: address for the given Ed25519 public
// key and relay host.
func DeriveAddress(pubKey ed25519.PublicKey, relayHost string) string {
	return identity.GenerateAddress(pubKey, relayHost)
}

// Authenticate drives the relay side of the handshake on a freshly
// upgraded WebSocket connection: send AuthChallenge, wait for
// AuthResponse, verify, send AuthResult. On success it returns the
// caller's verified public key and derived address; the connection is
// left open for the hub to take over. On an expired challenge, a nonce
// mismatch, or a bad signature it sends a failing AuthResult and closes
// the socket with the 4001 application close code; a response that does
// not decode, or that carries no AuthResponse payload, gets a failing
// AuthResult and a protocol-error close instead. A read or write error,
// including the response timeout expiring, is returned without sending
// a failing AuthResult. In every failure case an error is returned --
// the caller must not register the connection.
func Authenticate(
	ctx context.Context,
	conn *websocket.Conn,
	relayHost string,
	challengeTTL time.Duration,
	responseTimeout time.Duration,
	now func() time.Time,
) (ed25519.PublicKey, string, error) {
	if now == nil {
		now = time.Now
	}
	authCtx, cancel := context.WithTimeout(ctx, responseTimeout)
	defer cancel()

	nonce, err := GenerateChallenge()
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return nil, "", err
	}

	issuedAt := now()
	expiresAt := issuedAt.Add(challengeTTL)

	challengeEnv := &protocol.Envelope{
		Version: 1,
		Type:    protocol.MessageTypeAuthChallenge,
		AuthChallenge: &protocol.AuthChallenge{
			Version:     1,
			Nonce:       nonce,
			IssuedAtMs:  issuedAt.UnixMilli(),
			ExpiresAtMs: expiresAt.UnixMilli(),
			RelayHost:   relayHost,
		},
	}
	challengeData, err := protocol.Marshal(challengeEnv)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return nil, "", err
	}
	if err := conn.Write(authCtx, websocket.MessageBinary, challengeData); err != nil {
		return nil, "", err
	}

	_, responseData, err := conn.Read(authCtx)
	if err != nil {
		return nil, "", err
	}

	if now().After(expiresAt) {
		sendAuthFailure(authCtx, conn, "challenge expired")
		_ = conn.Close(4001, "auth failed")
		return nil, "", ErrChallengeExpired
	}

	responseEnv, err := protocol.Unmarshal(responseData)
	if err != nil {
		sendAuthFailure(authCtx, conn, "invalid envelope")
		_ = conn.Close(websocket.StatusProtocolError, "invalid message")
		return nil, "", err
	}
	resp := responseEnv.AuthResponse
	if resp == nil {
		sendAuthFailure(authCtx, conn, "expected AuthResponse payload")
		_ = conn.Close(websocket.StatusProtocolError, "unexpected message type")
		return nil, "", ErrUnexpectedPayload
	}

	if string(resp.Nonce) != string(nonce) {
		sendAuthFailure(authCtx, conn, "nonce mismatch")
		_ = conn.Close(4001, "auth failed")
		return nil, "", ErrNonceMismatch
	}

	pubKey := ed25519.PublicKey(resp.PublicKey)
	if !VerifyChallenge(pubKey, relayHost, nonce, resp.Signature) {
		sendAuthFailure(authCtx, conn, "signature verification failed")
		_ = conn.Close(4001, "auth failed")
		return nil, "", ErrSignatureInvalid
	}

	address := DeriveAddress(pubKey, relayHost)
	resultEnv := &protocol.Envelope{
		Version: 1,
		Type:    protocol.MessageTypeAuthResult,
		AuthResult: &protocol.AuthResult{
			Success:         true,
			AssignedAddress: address,
		},
	}
	resultData, err := protocol.Marshal(resultEnv)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return nil, "", err
	}
	if err := conn.Write(authCtx, websocket.MessageBinary, resultData); err != nil {
		return nil, "", err
	}

	return pubKey, address, nil
}

func sendAuthFailure(ctx context.Context, conn *websocket.Conn, reason string) {
	env := &protocol.Envelope{
		Version: 1,
		Type:    protocol.MessageTypeAuthResult,
		AuthResult: &protocol.AuthResult{
			Success:      false,
			ErrorMessage: reason,
		},
	}
	data, err := protocol.Marshal(env)
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		slog.Debug("failed to send auth failure message", "error", err, "reason", reason)
	}
}
