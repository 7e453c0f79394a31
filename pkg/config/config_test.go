package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "DATABASE_URL", "LEDGER_PATH", "POLICY_PATH",
		"REDIS_ADDR", "QUEUE_CAPACITY", "CLASSIFY_TIMEOUT_MS",
		"CLAIM_TIMEOUT_MS", "MAX_RETRIES", "DRAIN_RATE", "ARCHIVE_DRIVER",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "warden-ledger.jsonl", cfg.LedgerPath)
	assert.Equal(t, 1000, cfg.QueueCapacity)
	assert.Equal(t, 2*time.Second, cfg.ClassifyTimeout)
	assert.Equal(t, 30*time.Second, cfg.ClaimTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, "fs", cfg.ArchiveDriver)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://warden:5432/warden")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("QUEUE_CAPACITY", "50")
	t.Setenv("CLASSIFY_TIMEOUT_MS", "250")
	t.Setenv("DRAIN_RATE", "2.5")
	t.Setenv("IDEMPOTENCY_WINDOW_MS", "30000")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://warden:5432/warden", cfg.DatabaseURL)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 50, cfg.QueueCapacity)
	assert.Equal(t, 250*time.Millisecond, cfg.ClassifyTimeout)
	assert.Equal(t, 2.5, cfg.DrainRate)
	assert.Equal(t, 30*time.Second, cfg.IdempotencyWindow)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("QUEUE_CAPACITY", "not-a-number")
	t.Setenv("CLASSIFY_TIMEOUT_MS", "-5")

	cfg := config.Load()

	assert.Equal(t, 1000, cfg.QueueCapacity)
	assert.Equal(t, 2*time.Second, cfg.ClassifyTimeout)
}

func TestLoadAdmissionProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: strict
max_input_bytes: 2048
deny_rules:
  - input.contains("forbidden")
high_markers: [pager, incident]
medium_markers: [deploy]
`), 0o600))

	profile, err := config.LoadAdmissionProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "strict", profile.Name)
	assert.Equal(t, 2048, profile.MaxInputBytes)
	assert.Equal(t, []string{`input.contains("forbidden")`}, profile.DenyRules)
	assert.Equal(t, []string{"pager", "incident"}, profile.HighMarkers)
	assert.Equal(t, []string{"deploy"}, profile.MediumMarkers)
}

func TestLoadAdmissionProfileMissing(t *testing.T) {
	_, err := config.LoadAdmissionProfile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadAdmissionProfileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o600))

	_, err := config.LoadAdmissionProfile(path)
	assert.Error(t, err)
}
