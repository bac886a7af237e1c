// Package identity derives pinch: addresses from Ed25519 keypairs and
// manages the on-disk keypair file every agent process owns.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// ChecksumLen is the number of checksum bytes appended to the public key
// before base58 encoding.
const ChecksumLen = 4

// GenerateAddress derives the self-authenticating pinch: address for the
// given Ed25519 public key and relay host:
//
//	pinch:<base58(pubkey || sha256(pubkey)[0:4])>@<relay_host>
func GenerateAddress(pubKey ed25519.PublicKey, relayHost string) string {
	payload := addressPayload(pubKey)
	return fmt.Sprintf("pinch:%s@%s", base58.Encode(payload), relayHost)
}

func addressPayload(pubKey ed25519.PublicKey) []byte {
	sum := sha256.Sum256(pubKey)
	payload := make([]byte, 0, ed25519.PublicKeySize+ChecksumLen)
	payload = append(payload, pubKey...)
	payload = append(payload, sum[:ChecksumLen]...)
	return payload
}

// ParsedAddress holds the components recovered from a validated address.
type ParsedAddress struct {
	PublicKey ed25519.PublicKey
	Host      string
}

// ValidateAddress parses a pinch: address, recomputes the checksum, and
// returns the embedded public key and host. It returns an error if the
// address is malformed or the checksum does not match.
func ValidateAddress(address string) (*ParsedAddress, error) {
	const prefix = "pinch:"
	if !strings.HasPrefix(address, prefix) {
		return nil, fmt.Errorf("identity: address missing %q prefix", prefix)
	}
	rest := address[len(prefix):]
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return nil, fmt.Errorf("identity: address missing host separator")
	}
	encoded, host := rest[:at], rest[at+1:]
	if host == "" {
		return nil, fmt.Errorf("identity: address missing host")
	}
	payload, err := base58.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("identity: invalid base58 payload: %w", err)
	}
	if len(payload) != ed25519.PublicKeySize+ChecksumLen {
		return nil, fmt.Errorf("identity: payload has wrong length %d", len(payload))
	}
	pubKey := ed25519.PublicKey(payload[:ed25519.PublicKeySize])
	wantChecksum := payload[ed25519.PublicKeySize:]
	sum := sha256.Sum256(pubKey)
	if string(sum[:ChecksumLen]) != string(wantChecksum) {
		return nil, fmt.Errorf("identity: checksum mismatch")
	}
	return &ParsedAddress{PublicKey: pubKey, Host: host}, nil
}

// PublicKeyToX25519 converts an Ed25519 public key to its X25519
// (Montgomery curve) equivalent via the standard birational map, used to
// derive the recipient's box encryption key from their signing identity.
func PublicKeyToX25519(pubKey ed25519.PublicKey) ([32]byte, error) {
	var out [32]byte
	if len(pubKey) != ed25519.PublicKeySize {
		return out, fmt.Errorf("identity: public key must be %d bytes", ed25519.PublicKeySize)
	}
	p, err := new(edwards25519.Point).SetBytes(pubKey)
	if err != nil {
		return out, fmt.Errorf("identity: invalid edwards point: %w", err)
	}
	copy(out[:], p.BytesMontgomery())
	return out, nil
}

// PrivateKeyToX25519 converts an Ed25519 private key to its X25519 scalar
// using the conventional seed-hash-and-clamp construction (as used by
// libsodium's crypto_sign_ed25519_sk_to_curve25519).
func PrivateKeyToX25519(privKey ed25519.PrivateKey) ([32]byte, error) {
	var out [32]byte
	if len(privKey) != ed25519.PrivateKeySize {
		return out, fmt.Errorf("identity: private key must be %d bytes", ed25519.PrivateKeySize)
	}
	h := sha512.Sum512(privKey.Seed())
	copy(out[:], h[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return out, nil
}
