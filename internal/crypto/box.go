// Package crypto implements the agent-side cryptographic primitives: NaCl
// box encryption between connections and Ed25519 delivery-confirmation
// signing. Key agreement always starts from Ed25519 identities converted
// to X25519 via internal/identity; this package never generates or
// stores signing keys itself.
package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// NonceSize is the NaCl box nonce length in bytes.
const NonceSize = 24

// Seal encrypts plaintext for recipientPub using senderPriv, returning
// nonce||ciphertext per spec's EncryptedPayload wire format. A fresh
// CSPRNG nonce is generated on every call.
func Seal(plaintext []byte, recipientPub, senderPriv *[32]byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	sealed := box.Seal(nil, plaintext, &nonce, recipientPub, senderPriv)
	out := make([]byte, 0, NonceSize+len(sealed))
	out = append(out, nonce[:]...)
	out = append(out, sealed...)
	return out, nil
}

// Open decrypts nonce||ciphertext produced by Seal, using senderPub (the
// EncryptedPayload.SenderPublicKey field) and the local recipient's
// X25519 private key.
func Open(sealed []byte, senderPub, recipientPriv *[32]byte) ([]byte, error) {
	if len(sealed) < NonceSize {
		return nil, fmt.Errorf("crypto: sealed payload shorter than nonce")
	}
	var nonce [NonceSize]byte
	copy(nonce[:], sealed[:NonceSize])
	plaintext, ok := box.Open(nil, sealed[NonceSize:], &nonce, senderPub, recipientPriv)
	if !ok {
		return nil, fmt.Errorf("crypto: box open failed (corrupt or forged ciphertext)")
	}
	return plaintext, nil
}
