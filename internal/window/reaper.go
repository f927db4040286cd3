package window

import (
	"context"
	"time"

	"github.com/wolfman30/coaching-engine/pkg/logging"
)

// Reaper periodically closes expired windows. Eligibility never depends on it.
type Reaper struct {
	store     Store
	logger    *logging.Logger
	interval  time.Duration
	batchSize int
}

func NewReaper(store Store, logger *logging.Logger) *Reaper {
	if logger == nil {
		logger = logging.Default()
	}
	return &Reaper{
		store:     store,
		logger:    logger,
		interval:  15 * time.Minute,
		batchSize: 500,
	}
}

func (r *Reaper) WithInterval(d time.Duration) *Reaper {
	if d > 0 {
		r.interval = d
	}
	return r
}

func (r *Reaper) WithBatchSize(n int) *Reaper {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep drains expired windows in batches until a short batch is returned.
func (r *Reaper) sweep(ctx context.Context) int {
	if r.store == nil {
		return 0
	}
	total := 0
	for ctx.Err() == nil {
		n, err := r.store.DeactivateExpired(ctx, now().UTC(), r.batchSize)
		if err != nil {
			r.logger.Error("window reap failed", "error", err)
			return total
		}
		total += n
		if n < r.batchSize {
			break
		}
	}
	if total > 0 {
		r.logger.Info("expired windows deactivated", "count", total)
	}
	return total
}
