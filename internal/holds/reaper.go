package holds

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultReapInterval is how often the sweep runs. It must stay materially
// shorter than the liveness timeout so abandoned holds cannot inflate the
// global count for longer than one window plus one sweep.
const DefaultReapInterval = 5 * time.Second

// ReaperConfig describes the periodic stale-session sweep.
type ReaperConfig struct {
	Service  *Service
	Interval time.Duration
	Logger   *zap.Logger
	// OnSweep fires after a sweep that reaped at least one session, with the
	// reaped total and the recomputed live global-button count. Used to push
	// a reconciled count to realtime subscribers.
	OnSweep func(reaped, active int64)
}

// Reaper periodically deactivates hold sessions whose owners disappeared
// without an explicit end.
type Reaper struct {
	service  *Service
	interval time.Duration
	logger   *zap.Logger
	onSweep  func(reaped, active int64)
}

// NewReaper constructs the sweep from its configuration.
func NewReaper(cfg ReaperConfig) *Reaper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Reaper{
		service:  cfg.Service,
		interval: interval,
		logger:   logger,
		onSweep:  cfg.OnSweep,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs a single reap pass. Failures are logged and retried on the next
// tick; the sweep never aborts the loop.
func (r *Reaper) Sweep(ctx context.Context) {
	reaped, err := r.service.ReapStale(ctx)
	if err != nil {
		r.logger.Warn("hold sweep failed", zap.Error(err))
		return
	}
	if reaped == 0 {
		return
	}

	r.logger.Info("reaped stale hold sessions", zap.Int64("reaped", reaped))
	if r.onSweep == nil {
		return
	}
	active, err := r.service.ActiveCount(ctx)
	if err != nil {
		r.logger.Warn("active count after sweep failed", zap.Error(err))
		return
	}
	r.onSweep(reaped, active)
}
