package crypto

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"github.com/pinch-protocol/pinch/internal/identity"
)

func x25519Pair(t *testing.T) (pub, priv *[32]byte, edPub ed25519.PublicKey, edPriv ed25519.PrivateKey) {
	t.Helper()
	edPub, edPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	xPub, err := identity.PublicKeyToX25519(edPub)
	if err != nil {
		t.Fatalf("public key to x25519: %v", err)
	}
	xPriv, err := identity.PrivateKeyToX25519(edPriv)
	if err != nil {
		t.Fatalf("private key to x25519: %v", err)
	}
	return &xPub, &xPriv, edPub, edPriv
}

func TestSealOpenRoundTrip(t *testing.T) {
	aliceXPub, aliceXPriv, _, _ := x25519Pair(t)
	bobXPub, bobXPriv, _, _ := x25519Pair(t)

	plaintext := []byte("hello bob")
	sealed, err := Seal(plaintext, bobXPub, aliceXPriv)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if len(sealed) < NonceSize {
		t.Fatalf("sealed payload too short: %d", len(sealed))
	}

	opened, err := Open(sealed, aliceXPub, bobXPriv)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", opened, plaintext)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	aliceXPub, aliceXPriv, _, _ := x25519Pair(t)
	bobXPub, bobXPriv, _, _ := x25519Pair(t)

	sealed, err := Seal([]byte("hello bob"), bobXPub, aliceXPriv)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xFF

	if _, err := Open(sealed, aliceXPub, bobXPriv); err == nil {
		t.Fatal("expected tampered ciphertext to fail to open")
	}
}

func TestDeliverySignVerifyRoundTrip(t *testing.T) {
	_, _, pub, priv := x25519Pair(t)
	messageID := []byte("msg-123")
	const ts = int64(1700000000000)

	sig := SignDelivery(priv, messageID, ts)
	if err := VerifyDelivery(pub, messageID, ts, sig); err != nil {
		t.Fatalf("VerifyDelivery: %v", err)
	}
}

func TestVerifyDeliveryRejectsForgedSignature(t *testing.T) {
	_, _, pub, _ := x25519Pair(t)
	_, _, _, forgerPriv := x25519Pair(t)

	messageID := []byte("msg-123")
	const ts = int64(1700000000000)
	forged := SignDelivery(forgerPriv, messageID, ts)

	if err := VerifyDelivery(pub, messageID, ts, forged); err == nil {
		t.Fatal("expected forged delivery signature to be rejected")
	}
}
