// Package archive turns ledger ranges into verifiable evidence packs and
// stores them content-addressed. A pack is a zip of events.jsonl,
// manifest.json, and README.txt; the manifest carries per-file sha256
// hashes and the chain head so a pack can be checked long after the node
// that wrote it is gone. Stores are append-only: evidence has no delete.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// HashPrefix identifies the digest algorithm in content addresses.
const HashPrefix = "sha256:"

// BlobStore is content-addressed storage for evidence packs. Put is
// idempotent: storing the same bytes twice returns the same address.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

func contentAddress(data []byte) (prefixed, raw string) {
	sum := sha256.Sum256(data)
	raw = hex.EncodeToString(sum[:])
	return HashPrefix + raw, raw
}

// parseHash strips and validates the sha256: prefix.
func parseHash(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, HashPrefix)
	if !ok {
		return "", fmt.Errorf("archive: address %q is not %s prefixed", hash, HashPrefix)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("archive: address %q is not hex: %w", hash, err)
	}
	return raw, nil
}

// FSStore keeps packs as <hash>.pack files under one directory.
type FSStore struct {
	dir string
	mu  sync.RWMutex
}

func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", dir, err)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) Put(ctx context.Context, data []byte) (string, error) {
	prefixed, raw := contentAddress(data)
	path := filepath.Join(s.dir, raw+".pack")

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(path); err == nil {
		return prefixed, nil
	}

	// Temp file plus rename so a crashed write never leaves a partial pack
	// under its final name.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return "", fmt.Errorf("archive: write pack: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("archive: commit pack: %w", err)
	}
	return prefixed, nil
}

func (s *FSStore) Get(ctx context.Context, hash string) ([]byte, error) {
	raw, err := parseHash(hash)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(filepath.Join(s.dir, raw+".pack"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("archive: pack %s not found", hash)
		}
		return nil, fmt.Errorf("archive: read pack: %w", err)
	}
	return data, nil
}

func (s *FSStore) Exists(ctx context.Context, hash string) (bool, error) {
	raw, err := parseHash(hash)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err = os.Stat(filepath.Join(s.dir, raw+".pack"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("archive: stat pack: %w", err)
}
