package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// keypairFileVersion is the on-disk schema version.
const keypairFileVersion = 1

// Keypair is an agent's long-lived Ed25519 signing identity.
type Keypair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	CreatedAt  time.Time
}

type keypairFile struct {
	Version    int    `json:"version"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
	CreatedAt  string `json:"created_at"`
}

// Generate creates a fresh random Ed25519 keypair.
func Generate() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	return &Keypair{PublicKey: pub, PrivateKey: priv, CreatedAt: time.Now().UTC()}, nil
}

// Save writes the keypair as JSON to path, correcting the file mode to
// 0600 (owner-readable only) on every save, matching spec's keypair
// file lifecycle.
func (k *Keypair) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("identity: mkdir keypair dir: %w", err)
	}
	f := keypairFile{
		Version:    keypairFileVersion,
		PublicKey:  base64.StdEncoding.EncodeToString(k.PublicKey),
		PrivateKey: base64.StdEncoding.EncodeToString(k.PrivateKey),
		CreatedAt:  k.CreatedAt.Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshal keypair: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("identity: write keypair file: %w", err)
	}
	return os.Chmod(path, 0o600)
}

// Load reads a keypair file written by Save.
func Load(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read keypair file: %w", err)
	}
	var f keypairFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("identity: parse keypair file: %w", err)
	}
	pub, err := base64.StdEncoding.DecodeString(f.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("identity: decode public key: %w", err)
	}
	priv, err := base64.StdEncoding.DecodeString(f.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("identity: decode private key: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339, f.CreatedAt)
	if err != nil {
		createdAt = time.Time{}
	}
	return &Keypair{
		PublicKey:  ed25519.PublicKey(pub),
		PrivateKey: ed25519.PrivateKey(priv),
		CreatedAt:  createdAt,
	}, nil
}

// LoadOrCreate loads the keypair at path, generating and saving a new
// one if the file does not yet exist. This is the entry point agent
// bootstrap uses for PINCH_KEYPAIR_PATH.
func LoadOrCreate(path string) (*Keypair, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: stat keypair file: %w", err)
	}
	kp, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := kp.Save(path); err != nil {
		return nil, err
	}
	return kp, nil
}

// DefaultKeypairPath returns ~/.pinch/keypair.json, the default value for
// PINCH_KEYPAIR_PATH.
func DefaultKeypairPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("identity: resolve home dir: %w", err)
	}
	return filepath.Join(home, ".pinch", "keypair.json"), nil
}
