package crypto

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
)

// DeliverySignPayload builds the bytes signed over for a DeliveryConfirm:
// message_id || big-endian 8-byte timestamp.
func DeliverySignPayload(messageID []byte, timestampMs int64) []byte {
	payload := make([]byte, 0, len(messageID)+8)
	payload = append(payload, messageID...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestampMs))
	payload = append(payload, ts[:]...)
	return payload
}

// SignDelivery produces the detached Ed25519 signature a recipient
// attaches to a DeliveryConfirm envelope.
func SignDelivery(priv ed25519.PrivateKey, messageID []byte, timestampMs int64) []byte {
	return ed25519.Sign(priv, DeliverySignPayload(messageID, timestampMs))
}

// VerifyDelivery checks a DeliveryConfirm signature against the peer's
// Ed25519 public key. Forged or tampered confirmations must never pass.
func VerifyDelivery(pub ed25519.PublicKey, messageID []byte, timestampMs int64, signature []byte) error {
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("crypto: delivery signature has wrong length %d", len(signature))
	}
	if !ed25519.Verify(pub, DeliverySignPayload(messageID, timestampMs), signature) {
		return fmt.Errorf("crypto: delivery signature verification failed")
	}
	return nil
}
