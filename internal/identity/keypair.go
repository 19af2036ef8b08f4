package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// SeedSize is the size of the Ed25519 seed persisted to disk.
	SeedSize = ed25519.SeedSize

	// keyFileName is the name of the file storing the signing key seed.
	keyFileName = "device_key"
)

// Keypair holds the device's Ed25519 signing keypair. The private key proves
// device identity during the gateway handshake; only the 32-byte seed is
// stored on disk.
type Keypair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// NewKeypair generates a new Ed25519 keypair.
func NewKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return &Keypair{PublicKey: pub, PrivateKey: priv}, nil
}

// KeypairFromSeed derives an Ed25519 keypair from a 32-byte seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("invalid seed length: got %d bytes, expected %d", len(seed), SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{
		PublicKey:  priv.Public().(ed25519.PublicKey),
		PrivateKey: priv,
	}, nil
}

// Sign creates an Ed25519 signature over the message.
func (kp *Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.PrivateKey, message)
}

// Verify checks a signature against the keypair's public key.
func (kp *Keypair) Verify(message, signature []byte) bool {
	return ed25519.Verify(kp.PublicKey, message, signature)
}

// PublicKeyBase64 returns the public key encoded for the device assertion.
func (kp *Keypair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(kp.PublicKey)
}

// Store persists the keypair seed to the data directory with 0600 permissions.
func (kp *Keypair) Store(dataDir string) error {
	seed := kp.PrivateKey.Seed()
	return writeFileAtomic(dataDir, keyFileName, []byte(hex.EncodeToString(seed)+"\n"), 0600)
}

// LoadKeypair reads the signing keypair from the data directory.
func LoadKeypair(dataDir string) (*Keypair, error) {
	filePath := filepath.Join(dataDir, keyFileName)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("device key not found at %s", filePath)
		}
		return nil, fmt.Errorf("failed to read device key: %w", err)
	}

	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid device key encoding: %w", err)
	}

	return KeypairFromSeed(seed)
}

// LoadOrCreateKeypair loads an existing keypair from the data directory,
// or generates and persists a new one if none exists.
func LoadOrCreateKeypair(dataDir string) (*Keypair, bool, error) {
	kp, err := LoadKeypair(dataDir)
	if err == nil {
		return kp, false, nil
	}

	if !strings.Contains(err.Error(), "not found") {
		return nil, false, err
	}

	kp, err = NewKeypair()
	if err != nil {
		return nil, false, err
	}

	if err := kp.Store(dataDir); err != nil {
		return nil, false, err
	}

	return kp, true, nil
}
