// Package kernel assembles the warden subsystems into one runnable node:
// ledger, governance gate, scheduler, admission router, and the background
// workers that keep them honest. The kernel owns every handle it opens and
// releases them in reverse order on shutdown; nothing here reaches for
// globals or environment variables, configuration arrives as a value.
package kernel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/wardenlabs/warden/pkg/admission"
	"github.com/wardenlabs/warden/pkg/config"
	"github.com/wardenlabs/warden/pkg/crypto"
	"github.com/wardenlabs/warden/pkg/gate"
	"github.com/wardenlabs/warden/pkg/ledger"
	"github.com/wardenlabs/warden/pkg/observability"
	"github.com/wardenlabs/warden/pkg/sched"
)

// Version is reported in status responses and telemetry resources.
const Version = "1.0.0"

// Capabilities records which optional backends this node resolved at
// construction. The set is fixed for the life of the process; a node never
// silently switches from SQL to memory or back.
type Capabilities struct {
	SQLStores      bool `json:"sql_stores"`
	RedisQueue     bool `json:"redis_queue"`
	WASMClassifier bool `json:"wasm_classifier"`
	ObjectArchive  bool `json:"object_archive"`
	Telemetry      bool `json:"telemetry"`
}

// Kernel wires the subsystems together. Construct with New, bring up with
// Init, and tear down with Shutdown. All exported operations are safe for
// concurrent use once Init returns.
type Kernel struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  func() time.Time
	caps   Capabilities
	nodeID string

	db          *sql.DB
	redisClient *redis.Client

	ledgerStore ledger.Store
	ledger      *ledger.Ledger
	gate        *gate.Gate
	sched       *sched.Scheduler
	queue       admission.LazyQueue
	router      *admission.Router
	drainer     *admission.Drainer
	wasm        *admission.WASMClassifier

	keyring    *crypto.Keyring
	policy     gate.PolicySource
	placement  admission.PlacementSource
	telemetry  *observability.Provider
	objectives *observability.ObjectiveTracker

	workers  sync.WaitGroup
	stopWork context.CancelFunc

	mu      sync.Mutex
	started bool
}

type Option func(*Kernel)

func WithLogger(logger *slog.Logger) Option {
	return func(k *Kernel) { k.logger = logger }
}

func WithClock(clock func() time.Time) Option {
	return func(k *Kernel) { k.clock = clock }
}

// WithPolicy replaces the file-backed policy source. Tests use this to pin
// a document without touching disk.
func WithPolicy(p gate.PolicySource) Option {
	return func(k *Kernel) { k.policy = p }
}

// WithPlacement installs the external placement collaborator consulted at
// admission time.
func WithPlacement(p admission.PlacementSource) Option {
	return func(k *Kernel) { k.placement = p }
}

// New resolves capabilities from cfg and prepares an un-started kernel.
// No I/O happens until Init.
func New(cfg *config.Config, opts ...Option) *Kernel {
	k := &Kernel{
		cfg:    cfg,
		logger: slog.Default().With("component", "kernel"),
		clock:  time.Now,
		nodeID: nodeID(),
		caps: Capabilities{
			SQLStores:      cfg.DatabaseURL != "",
			RedisQueue:     cfg.RedisAddr != "",
			WASMClassifier: cfg.WASMClassifierPath != "",
			ObjectArchive:  cfg.ArchiveDriver == "s3" || cfg.ArchiveDriver == "gcs",
			Telemetry:      cfg.OTLPEndpoint != "",
		},
		objectives: observability.NewObjectiveTracker(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Init brings the node up in phases: telemetry, stores, ledger recovery,
// keyring, gate, scheduler reload, admission pipeline, parked-task
// re-adoption, background workers. A failure in any phase closes whatever
// opened before it and returns the cause.
func (k *Kernel) Init(ctx context.Context) (err error) {
	k.mu.Lock()
	if k.started {
		k.mu.Unlock()
		return errors.New("kernel: already started")
	}
	k.mu.Unlock()

	defer func() {
		if err != nil {
			if k.router != nil {
				k.router.Close()
			}
			if k.sched != nil {
				k.sched.Close()
			}
			k.closeResources()
		}
	}()

	if err = k.initTelemetry(ctx); err != nil {
		return err
	}
	if err = k.openStores(ctx); err != nil {
		return err
	}

	led, err := ledger.Open(ctx, k.ledgerStore,
		ledger.WithClock(k.clock),
		ledger.WithLogger(k.logger.With("component", "ledger")),
	)
	if err != nil {
		return fmt.Errorf("kernel: open ledger: %w", err)
	}
	k.ledger = led
	seq, hash, ok := led.Head()
	if ok {
		k.logger.Info("ledger recovered", "events", led.Len(), "head_seq", seq, "head_hash", hash)
	} else {
		k.logger.Info("ledger empty, starting new chain")
	}

	if err = k.initKeyring(); err != nil {
		return err
	}

	if k.policy == nil {
		k.policy = &gate.FilePolicy{Path: k.cfg.PolicyPath}
	}
	raw, err := k.policy.Bytes(ctx)
	if err != nil {
		return fmt.Errorf("kernel: policy unreadable: %w", err)
	}
	agentStore, err := k.agentStoreFor(ctx)
	if err != nil {
		return err
	}
	k.gate = gate.New(agentStore, k.ledger, k.policy,
		gate.WithClock(k.clock),
		gate.WithLogger(k.logger.With("component", "gate")),
	)
	agents, err := k.gate.List(ctx)
	if err != nil {
		return fmt.Errorf("kernel: load agent registry: %w", err)
	}
	k.logger.Info("gate open", "policy_hash", gate.HashPolicy(raw), "agents", len(agents))

	parked, err := k.initScheduler(ctx)
	if err != nil {
		return err
	}
	if err = k.initAdmission(ctx); err != nil {
		return err
	}

	// Parked tasks live in the store but their queue entries do not survive
	// a restart of the in-process queue. Redis entries do.
	if !k.caps.RedisQueue {
		for _, t := range parked {
			if qerr := k.queue.Push(ctx, t.ID); qerr != nil {
				k.logger.Error("parked task not requeued", "task_id", t.ID, "error", qerr)
			}
		}
	}
	if len(parked) > 0 {
		k.logger.Info("parked tasks re-adopted", "count", len(parked))
	}

	k.startWorkers()
	k.registerGauges()

	k.mu.Lock()
	k.started = true
	k.mu.Unlock()

	k.logger.Info("kernel ready",
		"node_id", k.nodeID,
		"version", Version,
		"sql_stores", k.caps.SQLStores,
		"redis_queue", k.caps.RedisQueue,
		"wasm_classifier", k.caps.WASMClassifier,
		"object_archive", k.caps.ObjectArchive,
		"telemetry", k.caps.Telemetry,
	)
	return nil
}

func (k *Kernel) initTelemetry(ctx context.Context) error {
	ocfg := observability.DefaultConfig()
	ocfg.ServiceVersion = Version
	ocfg.OTLPEndpoint = k.cfg.OTLPEndpoint
	ocfg.Enabled = k.caps.Telemetry
	ocfg.Insecure = true

	provider, err := observability.New(ctx, ocfg)
	if err != nil {
		return fmt.Errorf("kernel: telemetry: %w", err)
	}
	k.telemetry = provider
	return nil
}

// openStores resolves the persistence backends. One DATABASE_URL backs the
// ledger, agent registry, and task table through a single shared handle;
// without it the ledger falls back to the JSON-lines file (or memory when
// LedgerPath is empty too) and the registries stay in-process.
func (k *Kernel) openStores(ctx context.Context) error {
	if !k.caps.SQLStores {
		if k.cfg.LedgerPath == "" {
			k.ledgerStore = ledger.NewMemoryStore()
			return nil
		}
		fs, err := ledger.OpenFileStore(k.cfg.LedgerPath)
		if err != nil {
			return fmt.Errorf("kernel: open ledger file: %w", err)
		}
		k.ledgerStore = fs
		return nil
	}

	driver := sqlDriverFor(k.cfg.DatabaseURL)
	db, err := sql.Open(driver, k.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("kernel: open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("kernel: database unreachable: %w", err)
	}
	k.db = db

	store := ledger.NewSQLStore(db)
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("kernel: init ledger schema: %w", err)
	}
	k.ledgerStore = store
	k.logger.Info("sql stores open", "driver", driver)
	return nil
}

func (k *Kernel) agentStoreFor(ctx context.Context) (gate.AgentStore, error) {
	if k.db != nil {
		s := gate.NewSQLAgentStore(k.db)
		if err := s.Init(ctx); err != nil {
			return nil, fmt.Errorf("kernel: init agent schema: %w", err)
		}
		return s, nil
	}
	return gate.NewMemoryAgentStore(), nil
}

func (k *Kernel) initKeyring() error {
	if k.cfg.TokenSecret != "" {
		kr, err := crypto.NewKeyring(k.cfg.TokenSecret)
		if err != nil {
			return fmt.Errorf("kernel: token keyring: %w", err)
		}
		k.keyring = kr
		return nil
	}
	kr, err := crypto.NewRandomKeyring()
	if err != nil {
		return fmt.Errorf("kernel: token keyring: %w", err)
	}
	k.keyring = kr
	k.logger.Info("ephemeral token keyring generated; issued tokens will not survive a restart")
	return nil
}

func (k *Kernel) initScheduler(ctx context.Context) ([]*sched.Task, error) {
	var store sched.TaskStore
	if k.db != nil {
		ss := sched.NewSQLTaskStore(k.db)
		if err := ss.Init(ctx); err != nil {
			return nil, fmt.Errorf("kernel: init task schema: %w", err)
		}
		store = ss
	} else {
		store = sched.NewMemoryTaskStore()
	}

	scfg := sched.DefaultConfig()
	if k.cfg.ClaimTimeout > 0 {
		scfg.ClaimTimeout = k.cfg.ClaimTimeout
	}
	if k.cfg.ExecTimeout > 0 {
		scfg.ExecTimeout = k.cfg.ExecTimeout
	}
	if k.cfg.MaxRetries > 0 {
		scfg.MaxRetries = k.cfg.MaxRetries
	}

	s := sched.New(store, k.ledger, k.gate,
		sched.WithConfig(scfg),
		sched.WithClock(k.clock),
		sched.WithLogger(k.logger.With("component", "sched")),
	)
	parked, err := s.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("kernel: load tasks: %w", err)
	}
	reclaimed, err := s.ReapExpired(ctx)
	if err != nil {
		return nil, fmt.Errorf("kernel: reclaim expired leases: %w", err)
	}
	if reclaimed > 0 {
		k.logger.Info("expired leases reclaimed at boot", "count", reclaimed)
	}
	k.sched = s
	return parked, nil
}

func (k *Kernel) initAdmission(ctx context.Context) error {
	var profile *config.AdmissionProfile
	if k.cfg.AdmissionProfilePath != "" {
		p, err := config.LoadAdmissionProfile(k.cfg.AdmissionProfilePath)
		if err != nil {
			return fmt.Errorf("kernel: %w", err)
		}
		profile = p
		k.logger.Info("admission profile loaded", "name", p.Name, "path", k.cfg.AdmissionProfilePath)
	}

	// The sworn policy document seeds the filter; the operator profile
	// layers over it. A document that does not parse still binds oaths by
	// its hash and simply contributes no constraints here.
	var fopts []admission.FilterOption
	if doc, derr := k.gate.CurrentDocument(ctx); derr == nil {
		if doc.MaxPayloadBytes > 0 {
			fopts = append(fopts, admission.WithMaxInputBytes(doc.MaxPayloadBytes))
		}
		if len(doc.DenyRules) > 0 {
			fopts = append(fopts, admission.WithBlockedPhrases(doc.DenyRules...))
		}
	}
	if profile != nil {
		if profile.MaxInputBytes > 0 {
			fopts = append(fopts, admission.WithMaxInputBytes(profile.MaxInputBytes))
		}
		if len(profile.DenyRules) > 0 {
			fopts = append(fopts, admission.WithDenyRules(profile.DenyRules...))
		}
		if profile.PayloadSchema != "" {
			fopts = append(fopts, admission.WithPayloadSchema(profile.PayloadSchema))
		}
	}
	filter, err := admission.NewSecurityFilter(fopts...)
	if err != nil {
		return fmt.Errorf("kernel: security filter: %w", err)
	}

	var classifier admission.Classifier
	switch {
	case k.caps.WASMClassifier:
		wasmBytes, rerr := os.ReadFile(k.cfg.WASMClassifierPath)
		if rerr != nil {
			return fmt.Errorf("kernel: read wasm classifier: %w", rerr)
		}
		wc, werr := admission.NewWASMClassifier(ctx, wasmBytes, admission.WASMConfig{
			MemoryLimitBytes: 32 << 20,
			ExecTimeout:      k.cfg.ClassifyTimeout,
		})
		if werr != nil {
			return fmt.Errorf("kernel: wasm classifier: %w", werr)
		}
		k.wasm = wc
		classifier = wc
		k.logger.Info("wasm classifier loaded", "path", k.cfg.WASMClassifierPath)
	case profile != nil && (len(profile.HighMarkers) > 0 || len(profile.MediumMarkers) > 0):
		classifier = admission.NewKeywordClassifierWithMarkers(profile.HighMarkers, profile.MediumMarkers)
	default:
		classifier = admission.NewKeywordClassifier()
	}

	capacity := k.cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 1000
	}
	if k.caps.RedisQueue {
		client := redis.NewClient(&redis.Options{
			Addr:     k.cfg.RedisAddr,
			Password: k.cfg.RedisPassword,
			DB:       k.cfg.RedisDB,
		})
		if perr := client.Ping(ctx).Err(); perr != nil {
			_ = client.Close()
			return fmt.Errorf("kernel: redis unreachable: %w", perr)
		}
		k.redisClient = client
		k.queue = admission.NewRedisQueue(client, "", capacity)
		k.logger.Info("redis lazy queue attached", "addr", k.cfg.RedisAddr, "capacity", capacity)
	} else {
		k.queue = admission.NewMemoryQueue(capacity)
	}

	rcfg := admission.DefaultConfig()
	if k.cfg.ClassifyTimeout > 0 {
		rcfg.ClassifyTimeout = k.cfg.ClassifyTimeout
	}
	if k.cfg.IdempotencyWindow > 0 {
		rcfg.IdempotencyWindow = k.cfg.IdempotencyWindow
	}
	ropts := []admission.Option{
		admission.WithConfig(rcfg),
		admission.WithClock(k.clock),
		admission.WithLogger(k.logger.With("component", "admission")),
	}
	if k.placement != nil {
		ropts = append(ropts, admission.WithPlacement(k.placement))
	}
	k.router = admission.NewRouter(filter, classifier, k.queue, k.sched, k.ledger, ropts...)

	k.drainer = admission.NewDrainer(k.queue, k.sched, admission.DrainerConfig{
		Rate:             rate.Limit(k.cfg.DrainRate),
		PendingWatermark: k.cfg.PendingWatermark,
	}, k.logger.With("component", "drainer"))
	return nil
}

func (k *Kernel) startWorkers() {
	wctx, cancel := context.WithCancel(context.Background())
	k.stopWork = cancel

	k.workers.Add(2)
	go func() {
		defer k.workers.Done()
		k.drainer.Run(wctx)
	}()
	go func() {
		defer k.workers.Done()
		k.sched.RunReaper(wctx, reaperInterval(k.cfg.ClaimTimeout))
	}()
}

func (k *Kernel) registerGauges() {
	if err := k.telemetry.ObserveQueueDepth(func(ctx context.Context) int64 {
		depth, err := k.router.QueueDepth(ctx)
		if err != nil {
			return 0
		}
		return int64(depth)
	}); err != nil {
		k.logger.Warn("queue depth gauge not registered", "error", err)
	}
	if err := k.telemetry.ObservePendingTasks(func(context.Context) int64 {
		return int64(k.sched.PendingLen())
	}); err != nil {
		k.logger.Warn("pending tasks gauge not registered", "error", err)
	}
}

// Shutdown stops workers, then closes the admission pipeline, scheduler,
// and stores in reverse of the order Init opened them. Safe to call more
// than once.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	if !k.started {
		k.mu.Unlock()
		return nil
	}
	k.started = false
	k.mu.Unlock()

	if k.stopWork != nil {
		k.stopWork()
	}
	done := make(chan struct{})
	go func() {
		k.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		k.logger.Warn("workers did not stop before deadline")
	}

	k.router.Close()
	k.sched.Close()
	k.closeResources()

	k.logger.Info("kernel stopped", "node_id", k.nodeID)
	if k.telemetry != nil {
		return k.telemetry.Shutdown(ctx)
	}
	return nil
}

// closeResources releases backends in reverse open order. Every SQL store
// shares one *sql.DB, so the handle is closed exactly once here and never
// through the per-store Close methods.
func (k *Kernel) closeResources() {
	if k.wasm != nil {
		if err := k.wasm.Close(); err != nil {
			k.logger.Warn("wasm classifier close", "error", err)
		}
		k.wasm = nil
	}
	if k.queue != nil {
		if err := k.queue.Close(); err != nil {
			k.logger.Warn("lazy queue close", "error", err)
		}
		k.queue = nil
	}
	if k.redisClient != nil {
		if err := k.redisClient.Close(); err != nil {
			k.logger.Warn("redis close", "error", err)
		}
		k.redisClient = nil
	}
	if k.db != nil {
		if err := k.db.Close(); err != nil {
			k.logger.Warn("database close", "error", err)
		}
		k.db = nil
		k.ledgerStore = nil
		return
	}
	if k.ledgerStore != nil {
		if err := k.ledgerStore.Close(); err != nil {
			k.logger.Warn("ledger store close", "error", err)
		}
		k.ledgerStore = nil
	}
}

// sqlDriverFor maps a DSN to a database/sql driver name. Postgres URLs go
// to lib/pq; anything else is treated as a sqlite file path.
func sqlDriverFor(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

// reaperInterval derives the lease sweep cadence from the claim lease so an
// expired claim is reclaimed within half a lease of expiring.
func reaperInterval(claim time.Duration) time.Duration {
	iv := claim / 2
	if iv < time.Second {
		iv = time.Second
	}
	return iv
}

func nodeID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}
