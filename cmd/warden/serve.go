package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/wardenlabs/warden/pkg/api"
	"github.com/wardenlabs/warden/pkg/config"
	"github.com/wardenlabs/warden/pkg/kernel"

	_ "modernc.org/sqlite"
)

const liteDBPath = "data/warden.db"

// starterPolicy is written on first boot when no document exists at
// POLICY_PATH. Whatever file ends up there is what agents swear over, so
// operators replace this before admitting real agents.
const starterPolicy = `# warden governance policy
# AUTO-GENERATED starter document. Review and replace before production use.
version: "2026.1"
max_payload_bytes: 65536
terms:
  - agents act only within their declared capabilities
  - every admitted request and task transition is recorded in the ledger
  - an oath binds an agent to the policy hash current at swearing time
`

func runServe() int {
	cfg := config.Load()
	logger := newLogger(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	fmt.Fprintf(os.Stdout, "%swarden kernel starting...%s\n", ColorBold+ColorBlue, ColorReset)

	production := os.Getenv("WARDEN_PRODUCTION") == "1"
	if cfg.DatabaseURL == "" {
		if production {
			fmt.Fprintln(os.Stderr, "❌ WARDEN_PRODUCTION=1 requires DATABASE_URL; lite mode is for development")
			return 1
		}
		if err := setupLiteMode(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "❌ Lite mode setup failed: %v\n", err)
			return 1
		}
	}
	if production && cfg.TokenSecret == "" {
		fmt.Fprintln(os.Stderr, "❌ WARDEN_PRODUCTION=1 requires TOKEN_SECRET; issued tokens must survive a restart")
		return 1
	}

	if err := ensurePolicy(cfg.PolicyPath, production); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Policy setup failed: %v\n", err)
		return 1
	}

	ctx := context.Background()
	k := kernel.New(cfg, kernel.WithLogger(logger))
	if err := k.Init(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Kernel init failed: %v\n", err)
		return 1
	}

	key, err := k.Keyring().TokenKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Token key derivation failed: %v\n", err)
		_ = k.Shutdown(ctx)
		return 1
	}
	issuer := api.NewTokenIssuer(key, api.DefaultTokenTTL)

	handlers := api.NewHandlers(k, issuer, logger)
	srv := api.NewServer(handlers, api.ServerConfig{
		Addr:        ":" + cfg.Port,
		EnforceAuth: cfg.TokenSecret != "",
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		if serveErr := srv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	if hash, herr := k.PolicyHash(ctx); herr == nil {
		fmt.Fprintf(os.Stdout, "🔑 Policy hash: %s%s%s\n", ColorBold+ColorGreen, hash, ColorReset)
	}
	fmt.Fprintf(os.Stdout, "%swarden ready:%s http://localhost:%s\n", ColorBold+ColorGreen, ColorReset, cfg.Port)
	fmt.Fprintln(os.Stdout, "press ctrl+c to stop")

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exit := 0
	select {
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")
	case serveErr := <-errCh:
		logger.Error("http server failed", "error", serveErr)
		exit = 1
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := k.Shutdown(shutCtx); err != nil {
		logger.Warn("kernel shutdown", "error", err)
		exit = 1
	}
	return exit
}

// setupLiteMode routes all state into ./data: sqlite holds the chain, the
// agent registry, and the task table, so a development node survives
// restarts without external infrastructure.
func setupLiteMode(cfg *config.Config) error {
	fmt.Fprintf(os.Stdout, "ℹ️  DATABASE_URL not set. Falling back to %sLite Mode%s (sqlite).\n", ColorBold+ColorCyan, ColorReset)
	if err := os.MkdirAll("data", 0750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	cfg.DatabaseURL = liteDBPath
	slog.Info("lite mode: using sqlite", "path", liteDBPath)
	return nil
}

// ensurePolicy writes the starter policy when none exists. Production nodes
// must provide their own document.
func ensurePolicy(path string, production bool) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat policy %s: %w", path, err)
	}
	if production {
		return fmt.Errorf("production mode requires %s to exist", path)
	}

	fmt.Fprintf(os.Stdout, "\n%s⚠️  SECURITY WARNING: Using auto-generated starter policy.%s\n", ColorBold+ColorYellow, ColorReset)
	fmt.Fprintf(os.Stdout, "   Policy saved to: %s\n", path)
	fmt.Fprintf(os.Stdout, "   Agents swear over this document's hash. Replace it before production.\n\n")

	if err := os.WriteFile(path, []byte(starterPolicy), 0644); err != nil {
		return fmt.Errorf("write starter policy: %w", err)
	}
	return nil
}

// newLogger builds the process logger. LOG_LEVEL is one of DEBUG, INFO,
// WARN, ERROR; anything else falls back to INFO.
func newLogger(w io.Writer, level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lv = slog.LevelDebug
	case "WARN", "WARNING":
		lv = slog.LevelWarn
	case "ERROR":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lv}))
}
