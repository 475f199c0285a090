package polls

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultArchiveInterval is how often the lifecycle sweep runs.
	DefaultArchiveInterval = time.Minute
	// DefaultStaleRetention is how long archived polls stay queryable before
	// the sweep hard-deletes them.
	DefaultStaleRetention = 30 * 24 * time.Hour
)

// ArchiverConfig describes the periodic poll lifecycle sweep.
type ArchiverConfig struct {
	Service   *Service
	Interval  time.Duration
	Retention time.Duration
	Logger    *zap.Logger
	// OnArchive fires after a sweep that archived or deleted at least one poll.
	OnArchive func(archived, deleted int64)
}

// Archiver moves expired polls to archived and eventually deletes them,
// standing in for the scheduled functions of the hosted deployment.
type Archiver struct {
	service   *Service
	interval  time.Duration
	retention time.Duration
	logger    *zap.Logger
	onArchive func(archived, deleted int64)
}

// NewArchiver constructs the sweep from its configuration.
func NewArchiver(cfg ArchiverConfig) *Archiver {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultArchiveInterval
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultStaleRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Archiver{
		service:   cfg.Service,
		interval:  interval,
		retention: retention,
		logger:    logger,
		onArchive: cfg.OnArchive,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep(ctx)
		}
	}
}

// Sweep runs one archive-then-delete pass. Failures are logged and retried on
// the next tick.
func (a *Archiver) Sweep(ctx context.Context) {
	archived, err := a.service.ArchiveExpired(ctx)
	if err != nil {
		a.logger.Warn("poll archive sweep failed", zap.Error(err))
		return
	}
	deleted, err := a.service.DeleteStale(ctx, a.retention)
	if err != nil {
		a.logger.Warn("stale poll delete failed", zap.Error(err))
		return
	}
	if archived == 0 && deleted == 0 {
		return
	}
	a.logger.Info("poll lifecycle sweep",
		zap.Int64("archived", archived),
		zap.Int64("deleted", deleted))
	if a.onArchive != nil {
		a.onArchive(archived, deleted)
	}
}
