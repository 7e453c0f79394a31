package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const kdfSalt = "warden-kdf-v1"

// Keyring derives purpose-bound secrets from a single node master key via
// HKDF-SHA256. Each purpose string yields an independent, deterministic key,
// so rotating the master key rotates everything derived from it.
type Keyring struct {
	master []byte
}

// NewKeyring constructs a Keyring from a hex-encoded master key of at least
// 32 bytes.
func NewKeyring(masterHex string) (*Keyring, error) {
	raw, err := hex.DecodeString(masterHex)
	if err != nil {
		return nil, fmt.Errorf("invalid master key hex: %w", err)
	}
	if len(raw) < 32 {
		return nil, fmt.Errorf("master key too short: %d bytes", len(raw))
	}
	return &Keyring{master: raw}, nil
}

// NewRandomKeyring generates an ephemeral master key. Tokens minted from it
// do not survive a restart; production nodes configure a persistent key.
func NewRandomKeyring() (*Keyring, error) {
	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		return nil, fmt.Errorf("master key generation failed: %w", err)
	}
	return &Keyring{master: master}, nil
}

// Derive returns n bytes of key material bound to purpose.
func (k *Keyring) Derive(purpose string, n int) ([]byte, error) {
	if purpose == "" {
		return nil, fmt.Errorf("purpose must not be empty")
	}
	r := hkdf.New(sha256.New, k.master, []byte(kdfSalt), []byte(purpose))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf derivation failed: %w", err)
	}
	return out, nil
}

// TokenKey returns the 32-byte HMAC key used to sign agent session tokens.
func (k *Keyring) TokenKey() ([]byte, error) {
	return k.Derive("agent-session-token", 32)
}
