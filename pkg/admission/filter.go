package admission

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"
)

// DefaultMaxInputBytes bounds raw input size before any other check runs.
const DefaultMaxInputBytes = 64 * 1024

// injectionPatterns are scanned against the NFKC-normalized, lowercased
// input. Deliberately blunt: admission is the cheap outer wall, not a parser.
var injectionPatterns = []string{
	"drop table",
	"delete from",
	"truncate table",
	"union select",
	"; --",
	"' or '",
	"$(",
	"&& rm ",
	"| sh",
	"../",
	`..\`,
	"{{",
	"${",
	"<script",
}

// SecurityFilter is stage 0 of the pipeline: allocation-light pattern checks
// plus optional compiled deny rules and payload schema validation. Rule
// evaluation failures block the request rather than waving it through.
type SecurityFilter struct {
	maxBytes  int
	phrases   []string
	denyRules []string

	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program

	schema *jsonschema.Schema
}

type FilterOption func(*SecurityFilter) error

// WithMaxInputBytes overrides the input size ceiling.
func WithMaxInputBytes(n int) FilterOption {
	return func(f *SecurityFilter) error {
		if n > 0 {
			f.maxBytes = n
		}
		return nil
	}
}

// WithBlockedPhrases extends the substring blocklist. Phrases come from the
// governance policy document and are matched with the same NFKC-normalized,
// lowercased scan as the built-in patterns.
func WithBlockedPhrases(phrases ...string) FilterOption {
	return func(f *SecurityFilter) error {
		for _, p := range phrases {
			p = strings.ToLower(strings.TrimSpace(p))
			if p != "" {
				f.phrases = append(f.phrases, p)
			}
		}
		return nil
	}
}

// WithDenyRules installs CEL expressions evaluated against
// {input: string, length: int}. A rule returning true blocks the request.
func WithDenyRules(rules ...string) FilterOption {
	return func(f *SecurityFilter) error {
		f.denyRules = append(f.denyRules, rules...)
		return nil
	}
}

// WithPayloadSchema compiles a JSON Schema applied to inputs that parse as
// JSON documents.
func WithPayloadSchema(schemaJSON string) FilterOption {
	return func(f *SecurityFilter) error {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const schemaURL = "https://warden.schemas.local/admission/input.schema.json"
		if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
			return fmt.Errorf("admission schema load failed: %w", err)
		}
		compiled, err := c.Compile(schemaURL)
		if err != nil {
			return fmt.Errorf("admission schema compile failed: %w", err)
		}
		f.schema = compiled
		return nil
	}
}

func NewSecurityFilter(opts ...FilterOption) (*SecurityFilter, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.StringType),
		cel.Variable("length", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("admission: cel environment: %w", err)
	}
	f := &SecurityFilter{
		maxBytes: DefaultMaxInputBytes,
		env:      env,
		prgCache: make(map[string]cel.Program),
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Check returns a non-empty rejection reason when the input must be blocked.
// Checks run cheapest first so hostile floods pay as little as possible.
func (f *SecurityFilter) Check(input []byte) string {
	if len(input) > f.maxBytes {
		return fmt.Sprintf("input exceeds %d bytes", f.maxBytes)
	}
	if !utf8.Valid(input) {
		return "input is not valid UTF-8"
	}
	for _, b := range input {
		if b < 0x20 && b != '\n' && b != '\r' && b != '\t' {
			return "input contains null or control bytes"
		}
	}

	normalized := strings.ToLower(string(norm.NFKC.Bytes(input)))
	for _, pat := range injectionPatterns {
		if strings.Contains(normalized, pat) {
			return fmt.Sprintf("injection pattern %q", pat)
		}
	}
	for _, phrase := range f.phrases {
		if strings.Contains(normalized, phrase) {
			return fmt.Sprintf("blocked phrase %q", phrase)
		}
	}

	for i, rule := range f.denyRules {
		denied, err := f.evalRule(rule, normalized, len(input))
		if err != nil {
			// Fail closed: an unevaluable rule blocks rather than admits.
			return fmt.Sprintf("policy rule %d failed closed: %v", i, err)
		}
		if denied {
			return fmt.Sprintf("denied by policy rule %d", i)
		}
	}

	if f.schema != nil && json.Valid(input) {
		var doc any
		if err := json.Unmarshal(input, &doc); err == nil {
			if err := f.schema.Validate(doc); err != nil {
				return fmt.Sprintf("payload schema validation failed: %v", err)
			}
		}
	}
	return ""
}

func (f *SecurityFilter) evalRule(rule, input string, length int) (bool, error) {
	f.mu.RLock()
	prg, hit := f.prgCache[rule]
	f.mu.RUnlock()

	if !hit {
		f.mu.Lock()
		// Double check
		if prg, hit = f.prgCache[rule]; !hit {
			ast, issues := f.env.Compile(rule)
			if issues != nil && issues.Err() != nil {
				f.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := f.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				f.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			f.prgCache[rule] = p
			prg = p
		}
		f.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{
		"input":  input,
		"length": length,
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
