package gate

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/wardenlabs/warden/pkg/canonical"
)

// PolicySource supplies the raw bytes of the current governing policy
// document. Oaths bind to these bytes: the policy hash is computed over
// them unparsed, so any textual edit stales every standing oath.
type PolicySource interface {
	Bytes(ctx context.Context) ([]byte, error)
}

// StaticPolicy serves a fixed document from memory. Set swaps it, which is
// how tests (and ephemeral nodes) simulate a policy change.
type StaticPolicy struct {
	mu  sync.RWMutex
	doc []byte
}

func NewStaticPolicy(doc []byte) *StaticPolicy {
	return &StaticPolicy{doc: doc}
}

func (p *StaticPolicy) Bytes(_ context.Context) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]byte, len(p.doc))
	copy(out, p.doc)
	return out, nil
}

// Set replaces the policy document.
func (p *StaticPolicy) Set(doc []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc = make([]byte, len(doc))
	copy(p.doc, doc)
}

// FilePolicy re-reads the document from disk on every call, so an edited
// policy takes effect without a restart.
type FilePolicy struct {
	Path string
}

func (p *FilePolicy) Bytes(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("policy document %s: %w", p.Path, err)
	}
	return data, nil
}

// Document is the parsed governance policy. Parsing is for enforcement
// only; hashing always uses the raw bytes.
type Document struct {
	Version         string   `yaml:"version"`
	MinRuntime      string   `yaml:"min_runtime,omitempty"`
	MaxPayloadBytes int      `yaml:"max_payload_bytes,omitempty"`
	DenyRules       []string `yaml:"deny_rules,omitempty"`
	Terms           []string `yaml:"terms,omitempty"`
}

// ParseDocument decodes a policy document from YAML.
func ParseDocument(raw []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse policy document: %w", err)
	}
	if doc.Version == "" {
		return nil, fmt.Errorf("policy document missing version")
	}
	return &doc, nil
}

// RuntimeConstraint returns the parsed min_runtime constraint, or nil when
// the policy does not restrict runtimes.
func (d *Document) RuntimeConstraint() (*semver.Constraints, error) {
	if d.MinRuntime == "" {
		return nil, nil
	}
	c, err := semver.NewConstraint(">= " + d.MinRuntime)
	if err != nil {
		return nil, fmt.Errorf("policy min_runtime %q: %w", d.MinRuntime, err)
	}
	return c, nil
}

// HashPolicy computes the prefixed sha256 of raw policy bytes.
func HashPolicy(raw []byte) string {
	return canonical.HashBytes(raw)
}
