package events

import (
	"context"
	"time"

	"github.com/wolfman30/coaching-engine/pkg/logging"
)

type pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Janitor periodically drops dedupe claims past the retention window.
// Replays older than the retention are processed again, so the window must
// exceed the provider's redelivery horizon.
type Janitor struct {
	store     pruner
	logger    *logging.Logger
	interval  time.Duration
	retention time.Duration
	clock     func() time.Time
}

func NewJanitor(store pruner, logger *logging.Logger) *Janitor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Janitor{
		store:     store,
		logger:    logger,
		interval:  time.Hour,
		retention: 7 * 24 * time.Hour,
		clock:     time.Now,
	}
}

func (j *Janitor) WithInterval(d time.Duration) *Janitor {
	if d > 0 {
		j.interval = d
	}
	return j
}

func (j *Janitor) WithRetention(d time.Duration) *Janitor {
	if d > 0 {
		j.retention = d
	}
	return j
}

// Run prunes on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) int64 {
	n, err := j.store.Prune(ctx, j.clock().Add(-j.retention))
	if err != nil {
		j.logger.Error("prune processed events failed", "error", err)
		return 0
	}
	if n > 0 {
		j.logger.Info("pruned processed events", "count", n)
	}
	return n
}
