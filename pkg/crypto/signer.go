// Package crypto wraps the Ed25519 signing and verification used for oath
// signatures, plus HKDF key derivation for node-local secrets.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Keypair generates a fresh Ed25519 keypair, hex-encoded.
func Keypair() (publicHex, privateHex string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("key generation failed: %w", err)
	}
	return hex.EncodeToString(pub), hex.EncodeToString(priv), nil
}

// Signer holds an Ed25519 private key and signs arbitrary payloads.
type Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
}

// NewSigner constructs a Signer from a hex-encoded private key.
func NewSigner(privateHex string) (*Signer, error) {
	raw, err := hex.DecodeString(privateHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size: %d", len(raw))
	}
	priv := ed25519.PrivateKey(raw)
	return &Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// NewRandomSigner generates a throwaway keypair. Used in tests and by the
// keygen command.
func NewRandomSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Signer{privKey: priv, pubKey: pub}, nil
}

// Sign returns the hex-encoded Ed25519 signature of data.
func (s *Signer) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.privKey, data))
}

// PublicKey returns the hex-encoded public key.
func (s *Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

// Verify checks a hex-encoded signature over data under a hex-encoded
// public key. A malformed key or signature is an error, not a false.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size: %d", len(pubKey))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature size: %d", len(sig))
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}
