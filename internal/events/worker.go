package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wolfman30/coaching-engine/pkg/logging"
)

const (
	defaultIngestWorkers  = 2
	defaultDequeueWait    = 5 * time.Second
	defaultIngestAttempts = 3
	requeueTimeout        = 5 * time.Second
)

type ingester interface {
	Ingest(ctx context.Context, ev InboundEvent) (Outcome, error)
}

type workerConfig struct {
	workers    int
	wait       time.Duration
	attempts   int
	backoff    time.Duration
	deadLetter UnmatchedStore
}

// WorkerOption customizes ingest worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithDequeueWait sets how long each consumer blocks on an empty queue.
func WithDequeueWait(d time.Duration) WorkerOption {
	return func(cfg *workerConfig) {
		if d > 0 {
			cfg.wait = d
		}
	}
}

// WithIngestRetry bounds inline retries of transient ingest failures.
func WithIngestRetry(attempts int, backoff time.Duration) WorkerOption {
	return func(cfg *workerConfig) {
		if attempts > 0 {
			cfg.attempts = attempts
		}
		if backoff >= 0 {
			cfg.backoff = backoff
		}
	}
}

// WithDeadLetter records events that still fail after the inline retries.
// Without one, exhausted events go back on the queue.
func WithDeadLetter(store UnmatchedStore) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.deadLetter = store
	}
}

// Worker drains the inbound queue into the gateway.
type Worker struct {
	queue   Queue
	gateway ingester
	logger  *logging.Logger
	cfg     workerConfig
	wg      sync.WaitGroup
}

func NewWorker(queue Queue, gateway ingester, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if queue == nil || gateway == nil {
		panic("events: worker requires queue and gateway")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := workerConfig{
		workers:  defaultIngestWorkers,
		wait:     defaultDequeueWait,
		attempts: defaultIngestAttempts,
		backoff:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Worker{queue: queue, gateway: gateway, logger: logger, cfg: cfg}
}

// Start launches worker goroutines until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("ingest worker started", "worker_id", workerID)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			w.logger.Debug("ingest worker stopping", "worker_id", workerID)
			return
		}
		ev, err := w.queue.Dequeue(ctx, w.cfg.wait)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to dequeue inbound event", "error", err, "worker_id", workerID)
			if !sleep(ctx, backoff) {
				return
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		if ev == nil {
			continue
		}
		w.handle(ctx, *ev)
	}
}

func (w *Worker) handle(ctx context.Context, ev InboundEvent) {
	for attempt := 1; ; attempt++ {
		outcome, err := w.gateway.Ingest(ctx, ev)
		if outcome != OutcomeError {
			return
		}
		if attempt >= w.cfg.attempts {
			w.park(ctx, ev, attempt, err)
			return
		}
		if ctx.Err() != nil || !sleep(ctx, w.cfg.backoff) {
			w.requeue(ctx, ev, err)
			return
		}
	}
}

// park keeps an event that exhausted its retries. The gateway released its
// claim, so a recorded event can be replayed later.
func (w *Worker) park(ctx context.Context, ev InboundEvent, attempts int, cause error) {
	log := w.logger.With("event_id", ev.ProviderEventID, "attempts", attempts)
	if w.cfg.deadLetter == nil {
		w.requeue(ctx, ev, cause)
		return
	}
	payload, err := json.Marshal(ev)
	if err == nil {
		rec := UnmatchedEvent{
			ProviderEventID: ev.ProviderEventID,
			Source:          ev.source(),
			Kind:            ev.Kind,
			ContactID:       ev.ContactID,
			Payload:         payload,
			Reason:          fmt.Sprintf("ingest failed: %v", cause),
			ReceivedAt:      ev.ReceivedAt,
		}
		if ev.Status != nil {
			rec.ProviderMessageID = ev.Status.ProviderMessageID
		}
		recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
		err = w.cfg.deadLetter.Record(recCtx, rec)
		cancel()
	}
	if err != nil {
		log.Error("failed to dead-letter inbound event", "error", err)
		w.requeue(ctx, ev, cause)
		return
	}
	log.Error("inbound event dead-lettered after retries", "error", cause)
}

func (w *Worker) requeue(ctx context.Context, ev InboundEvent, cause error) {
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()
	if err := w.queue.Enqueue(qctx, ev); err != nil {
		w.logger.Error("inbound event lost: requeue failed",
			"event_id", ev.ProviderEventID,
			"error", err,
			"cause", cause,
		)
		return
	}
	w.logger.Warn("inbound event requeued", "event_id", ev.ProviderEventID, "error", cause)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
