package api

import (
	"log/slog"
	"net/http"
	"time"
)

// Routes builds the v1 mux over the handlers. The admit route runs the
// full admission pipeline on the request goroutine, so it sits behind an
// in-flight gate of admitSlots concurrent requests.
func Routes(h *Handlers, admitSlots int) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/agents", h.HandleRegister)
	mux.Handle("POST /v1/admit", InflightGate(admitSlots)(http.HandlerFunc(h.HandleAdmit)))
	mux.HandleFunc("POST /v1/tasks/next", h.HandleNextTask)
	mux.HandleFunc("GET /v1/tasks/{id}", h.HandleTask)
	mux.HandleFunc("POST /v1/tasks/{id}/start", h.HandleStartTask)
	mux.HandleFunc("POST /v1/tasks/{id}/result", h.HandleReportResult)
	mux.HandleFunc("GET /v1/tasks/{id}/history", h.HandleTaskHistory)
	mux.HandleFunc("GET /v1/events", h.HandleEvents)
	mux.HandleFunc("GET /v1/integrity", h.HandleIntegrity)
	mux.HandleFunc("GET /v1/status", h.HandleStatus)
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	return mux
}

// ServerConfig tunes the HTTP front. Zero values get sane defaults.
type ServerConfig struct {
	Addr        string
	EnforceAuth bool
	RateRPS     float64
	RateBurst   int
	// AdmitInflight bounds concurrent admissions. Defaults to 64.
	AdmitInflight int
}

// NewServer wires the middleware chain around the v1 routes and returns a
// server with explicit timeouts. Chain order: request id, request log,
// bearer auth, then per-actor rate limiting keyed by verified identity.
func NewServer(h *Handlers, cfg ServerConfig, logger *slog.Logger) *http.Server {
	if cfg.RateRPS <= 0 {
		cfg.RateRPS = 50
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 100
	}
	if cfg.AdmitInflight <= 0 {
		cfg.AdmitInflight = 64
	}
	if logger == nil {
		logger = slog.Default()
	}

	limiter := NewRateLimiter(cfg.RateRPS, cfg.RateBurst)
	handler := Chain(Routes(h, cfg.AdmitInflight),
		RequestIDMiddleware,
		RequestLogMiddleware(logger.With("component", "http")),
		BearerMiddleware(h.issuer, cfg.EnforceAuth),
		limiter.Middleware,
	)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
