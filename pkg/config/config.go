// Package config loads kernel configuration from environment variables.
// Everything has a default that boots a self-contained in-process kernel;
// external backends are opted into by setting their address.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds kernel configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects SQL-backed stores; empty runs in-memory.
	DatabaseURL string
	// LedgerPath is the JSON-lines ledger file; empty keeps the chain in
	// memory (tests and throwaway runs only).
	LedgerPath string
	// PolicyPath is the governing policy document agents swear over.
	PolicyPath string

	// RedisAddr selects the Redis lazy queue; empty uses the in-process one.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	QueueCapacity     int
	ClassifyTimeout   time.Duration
	IdempotencyWindow time.Duration
	// WASMClassifierPath points at a sandboxed classifier module; empty
	// uses the keyword heuristic.
	WASMClassifierPath string
	// AdmissionProfilePath points at an operator profile (deny rules,
	// classifier markers); empty uses built-in defaults.
	AdmissionProfilePath string

	ClaimTimeout time.Duration
	ExecTimeout  time.Duration
	MaxRetries   int

	DrainRate        float64
	PendingWatermark int

	// ArchiveDriver is fs, s3, or gcs.
	ArchiveDriver string
	ArchiveDir    string
	ArchiveBucket string

	// TokenSecret seeds the API token key. Empty disables token auth.
	TokenSecret string

	// OTLPEndpoint turns on metric/trace export when set.
	OTLPEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:     getenv("PORT", "8080"),
		LogLevel: getenv("LOG_LEVEL", "INFO"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		LedgerPath:  getenv("LEDGER_PATH", "warden-ledger.jsonl"),
		PolicyPath:  getenv("POLICY_PATH", "policy.yaml"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getenvInt("REDIS_DB", 0),

		QueueCapacity:        getenvInt("QUEUE_CAPACITY", 1000),
		ClassifyTimeout:      getenvMs("CLASSIFY_TIMEOUT_MS", 2*time.Second),
		IdempotencyWindow:    getenvMs("IDEMPOTENCY_WINDOW_MS", time.Minute),
		WASMClassifierPath:   os.Getenv("WASM_CLASSIFIER"),
		AdmissionProfilePath: os.Getenv("ADMISSION_PROFILE"),

		ClaimTimeout: getenvMs("CLAIM_TIMEOUT_MS", 30*time.Second),
		ExecTimeout:  getenvMs("EXEC_TIMEOUT_MS", 5*time.Minute),
		MaxRetries:   getenvInt("MAX_RETRIES", 3),

		DrainRate:        getenvFloat("DRAIN_RATE", 5),
		PendingWatermark: getenvInt("PENDING_WATERMARK", 100),

		ArchiveDriver: getenv("ARCHIVE_DRIVER", "fs"),
		ArchiveDir:    getenv("ARCHIVE_DIR", "warden-archive"),
		ArchiveBucket: os.Getenv("ARCHIVE_BUCKET"),

		TokenSecret: os.Getenv("TOKEN_SECRET"),

		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvMs(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}
