package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WASMConfig bounds a sandboxed classifier module.
type WASMConfig struct {
	// MemoryLimitBytes caps linear memory; wazero counts 64KB pages.
	MemoryLimitBytes int64
	// ExecTimeout bounds one classification run independently of the
	// router's own timeout.
	ExecTimeout time.Duration
}

// WASMClassifier runs an operator-supplied WebAssembly module under a
// deny-by-default WASI sandbox: no filesystem, no network, no environment,
// no random source. The module reads the raw input on stdin and writes a
// JSON {"tier": ..., "concepts": [...]} verdict to stdout.
type WASMClassifier struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	config   wazero.ModuleConfig
	limits   WASMConfig
}

func NewWASMClassifier(ctx context.Context, wasmBytes []byte, cfg WASMConfig) (*WASMClassifier, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasm classifier: compile: %w", err)
	}

	// Anonymous instantiation, so concurrent runs do not collide on a
	// registered module name. No WithFSConfig, WithEnv, or WithRandSource:
	// the module sees stdin and stdout, nothing else.
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start")

	return &WASMClassifier{
		runtime:  r,
		compiled: compiled,
		config:   modCfg,
		limits:   cfg,
	}, nil
}

func (c *WASMClassifier) Classify(ctx context.Context, input []byte) (Classification, error) {
	if c.limits.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.limits.ExecTimeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	modCfg := c.config.
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := c.runtime.InstantiateModule(ctx, c.compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return Classification{}, fmt.Errorf("wasm classifier: timed out after %v", c.limits.ExecTimeout)
		}
		return Classification{}, fmt.Errorf("wasm classifier: run: %w", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	if stderr.Len() > 0 {
		return Classification{}, fmt.Errorf("wasm classifier: stderr: %s", stderr.String())
	}

	var cls Classification
	if err := json.Unmarshal(stdout.Bytes(), &cls); err != nil {
		return Classification{}, fmt.Errorf("wasm classifier: malformed verdict: %w", err)
	}
	switch cls.Tier {
	case TierLow, TierMedium, TierHigh:
	default:
		return Classification{}, fmt.Errorf("wasm classifier: unknown tier %q", cls.Tier)
	}
	return cls, nil
}

// Close shuts down the wazero runtime, freeing all resources.
func (c *WASMClassifier) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.runtime.Close(ctx)
}
