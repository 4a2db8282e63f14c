package store

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Pruner periodically deletes state-change history older than Retention.
type Pruner struct {
	db        *DB
	log       *zap.Logger
	Retention time.Duration
	Interval  time.Duration
	now       func() time.Time
}

// NewPruner creates a Pruner. Call Start to begin background work.
func NewPruner(db *DB, retention time.Duration, log *zap.Logger) *Pruner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pruner{
		db:        db,
		log:       log,
		Retention: retention,
		Interval:  10 * time.Minute,
		now:       time.Now,
	}
}

// Start runs the prune loop; blocks until ctx is done.
func (p *Pruner) Start(ctx context.Context) error {
	p.log.Info("store: history pruner starting",
		zap.Duration("retention", p.Retention),
		zap.Duration("interval", p.Interval),
	)

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("store: history pruner stopped")
			return nil
		case <-ticker.C:
			p.PruneOnce()
		}
	}
}

// PruneOnce removes everything older than the retention window.
func (p *Pruner) PruneOnce() int64 {
	if p.Retention <= 0 {
		return 0
	}
	n, err := p.db.PruneStateChanges(p.now().Add(-p.Retention))
	if err != nil {
		p.log.Error("store: prune", zap.Error(err))
		return 0
	}
	if n > 0 {
		p.log.Debug("store: pruned history", zap.Int64("rows", n))
	}
	return n
}
