package admission

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/wardenlabs/warden/pkg/sched"
)

// DrainerConfig tunes the promotion trickle.
type DrainerConfig struct {
	// Rate and Burst bound promotions per second.
	Rate  rate.Limit
	Burst int
	// PendingWatermark pauses promotion while the scheduler's dispatch
	// backlog is at or above this count.
	PendingWatermark int
	// IdleWait is the pause after an empty pass.
	IdleWait time.Duration
}

func DefaultDrainerConfig() DrainerConfig {
	return DrainerConfig{
		Rate:             5,
		Burst:            1,
		PendingWatermark: 100,
		IdleWait:         500 * time.Millisecond,
	}
}

// Drainer promotes parked LOW-tier tasks from the lazy queue into the
// scheduler's dispatch index at a bounded rate, and only while the pending
// backlog has room. Lazy work trickles in during quiet periods instead of
// competing with HIGH work under load.
type Drainer struct {
	queue   LazyQueue
	sched   *sched.Scheduler
	limiter *rate.Limiter
	cfg     DrainerConfig
	logger  *slog.Logger
}

func NewDrainer(queue LazyQueue, s *sched.Scheduler, cfg DrainerConfig, logger *slog.Logger) *Drainer {
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultDrainerConfig().Rate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.PendingWatermark <= 0 {
		cfg.PendingWatermark = DefaultDrainerConfig().PendingWatermark
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = DefaultDrainerConfig().IdleWait
	}
	if logger == nil {
		logger = slog.Default().With("component", "drainer")
	}
	return &Drainer{
		queue:   queue,
		sched:   s,
		limiter: rate.NewLimiter(cfg.Rate, cfg.Burst),
		cfg:     cfg,
		logger:  logger,
	}
}

// DrainOnce promotes at most one parked task. Returns whether a task was
// activated.
func (d *Drainer) DrainOnce(ctx context.Context) (bool, error) {
	if d.sched.PendingLen() >= d.cfg.PendingWatermark {
		return false, nil
	}

	taskID, err := d.queue.Pop(ctx)
	if err != nil {
		return false, err
	}
	if taskID == "" {
		return false, nil
	}

	switch err := d.sched.Activate(ctx, taskID); {
	case err == nil:
		d.logger.Debug("promoted parked task", "task_id", taskID)
		return true, nil
	case errors.Is(err, sched.ErrNotFound):
		// Queue entry outlived its task; drop it.
		d.logger.Warn("parked task missing, dropping queue entry", "task_id", taskID)
		return false, nil
	case errors.Is(err, sched.ErrInvalidState):
		d.logger.Warn("parked task already active, dropping queue entry", "task_id", taskID)
		return false, nil
	default:
		if pushErr := d.queue.Push(ctx, taskID); pushErr != nil {
			d.logger.Error("could not return task to lazy queue", "task_id", taskID, "error", pushErr)
		}
		return false, err
	}
}

// Run promotes until ctx is canceled.
func (d *Drainer) Run(ctx context.Context) {
	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
		promoted, err := d.DrainOnce(ctx)
		if err != nil {
			d.logger.Error("drain pass failed", "error", err)
		}
		if !promoted {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.IdleWait):
			}
		}
	}
}
