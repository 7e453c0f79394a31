// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of ledger events, routing
// decisions, and policy documents.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// HashPrefix identifies the digest algorithm in stored hashes.
const HashPrefix = "sha256:"

// Marshal returns the RFC 8785 canonical JSON encoding of v.
//
// v is first marshaled with encoding/json so struct tags are honored, then
// the intermediate document is transformed: object keys sorted by UTF-16
// code units, numbers in ES6 shortest form, HTML escaping disabled.
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Transform canonicalizes an existing JSON document.
func Transform(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Hash returns the prefixed SHA-256 digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes digests raw bytes without canonicalization. Policy documents
// are hashed this way: any textual change, including whitespace, yields a
// new hash and therefore stales every standing oath.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}
