package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/coaching-engine/internal/delivery"
	"github.com/wolfman30/coaching-engine/internal/observability/metrics"
	"github.com/wolfman30/coaching-engine/internal/provider"
	"github.com/wolfman30/coaching-engine/internal/templates"
	"github.com/wolfman30/coaching-engine/pkg/logging"
)

var tracer = otel.Tracer("coaching-engine.dispatch")

type messageMachine interface {
	ClaimDue(ctx context.Context, limit int) ([]delivery.Message, error)
	Claim(ctx context.Context, id uuid.UUID) (*delivery.Message, error)
	StampMode(ctx context.Context, id uuid.UUID, mode delivery.Mode, templateRef string) (*delivery.Message, error)
	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) (*delivery.Message, error)
	RecordSendFailure(ctx context.Context, id uuid.UUID, sendErr error) (*delivery.Message, error)
	FailBeforeSend(ctx context.Context, id uuid.UUID, reason string) (*delivery.Message, error)
	RecoverStale(ctx context.Context, lease time.Duration, limit int) (int, error)
}

// Dispatcher claims due messages and sends them through the provider.
type Dispatcher struct {
	machine     messageMachine
	resolver    *Resolver
	sender      provider.Sender
	logger      *logging.Logger
	metrics     *metrics.EngineMetrics
	workers     int
	interval    time.Duration
	batchSize   int
	lease       time.Duration
	sendTimeout time.Duration
}

func NewDispatcher(machine messageMachine, resolver *Resolver, sender provider.Sender, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		machine:     machine,
		resolver:    resolver,
		sender:      sender,
		logger:      logger,
		workers:     4,
		interval:    5 * time.Second,
		batchSize:   25,
		lease:       2 * time.Minute,
		sendTimeout: 10 * time.Second,
	}
}

func (d *Dispatcher) WithWorkers(n int) *Dispatcher {
	if n > 0 {
		d.workers = n
	}
	return d
}

func (d *Dispatcher) WithInterval(i time.Duration) *Dispatcher {
	if i > 0 {
		d.interval = i
	}
	return d
}

func (d *Dispatcher) WithBatchSize(n int) *Dispatcher {
	if n > 0 {
		d.batchSize = n
	}
	return d
}

// WithLease sets how long a claim may sit in sending before it is recovered.
func (d *Dispatcher) WithLease(l time.Duration) *Dispatcher {
	if l > 0 {
		d.lease = l
	}
	return d
}

func (d *Dispatcher) WithSendTimeout(t time.Duration) *Dispatcher {
	if t > 0 {
		d.sendTimeout = t
	}
	return d
}

func (d *Dispatcher) WithMetrics(m *metrics.EngineMetrics) *Dispatcher {
	d.metrics = m
	return d
}

func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	d.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

// drain recovers expired leases, then sends one batch of due messages on
// the worker pool.
func (d *Dispatcher) drain(ctx context.Context) int {
	if d.machine == nil || d.sender == nil {
		return 0
	}
	if n, err := d.machine.RecoverStale(ctx, d.lease, d.batchSize); err != nil {
		d.logger.Error("recover stale sends failed", "error", err)
	} else if n > 0 {
		d.logger.Warn("recovered stale sends", "count", n)
	}

	msgs, err := d.machine.ClaimDue(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("claim due messages failed", "error", err)
		return 0
	}
	if len(msgs) == 0 {
		return 0
	}

	jobs := make(chan delivery.Message)
	var wg sync.WaitGroup
	workers := d.workers
	if workers > len(msgs) {
		workers = len(msgs)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range jobs {
				if _, err := d.Dispatch(ctx, msg); err != nil {
					d.logger.With("message_id", msg.ID, "contact_id", msg.ContactID).Warn("dispatch failed", "error", err)
				}
			}
		}()
	}
	for _, msg := range msgs {
		jobs <- msg
	}
	close(jobs)
	wg.Wait()
	return len(msgs)
}

// DispatchNow claims a single scheduled message and sends it inline.
func (d *Dispatcher) DispatchNow(ctx context.Context, id uuid.UUID) (*delivery.Message, error) {
	msg, err := d.machine.Claim(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("dispatch: claim: %w", err)
	}
	return d.Dispatch(ctx, *msg)
}

// Dispatch sends a claimed message and records the outcome. Mapping failures
// are returned so inline callers can report them.
func (d *Dispatcher) Dispatch(ctx context.Context, msg delivery.Message) (*delivery.Message, error) {
	ctx, span := tracer.Start(ctx, "dispatch.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("message_id", msg.ID.String()),
		attribute.String("contact_id", msg.ContactID),
	)
	log := d.logger.With("message_id", msg.ID, "contact_id", msg.ContactID)

	if msg.SendMode == delivery.ModeUnresolved {
		res, err := d.resolver.Resolve(ctx, msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "resolve failed")
			if errors.Is(err, templates.ErrNoTemplateMapping) {
				failed, ferr := d.machine.FailBeforeSend(ctx, msg.ID, err.Error())
				if ferr != nil {
					log.Error("record mapping failure failed", "error", ferr)
				}
				d.metrics.ObserveSend("no_mapping")
				return failed, err
			}
			retried, rerr := d.machine.RecordSendFailure(ctx, msg.ID, &provider.Error{Retryable: true, Message: err.Error()})
			if rerr != nil {
				log.Error("record resolve failure failed", "error", rerr)
			}
			return retried, err
		}
		stamped, err := d.machine.StampMode(ctx, msg.ID, res.Mode, res.TemplateRef())
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("dispatch: stamp mode: %w", err)
		}
		msg = *stamped
	}
	span.SetAttributes(attribute.String("send_mode", string(msg.SendMode)))

	req := provider.Request{
		MessageID: msg.ID.String(),
		ContactID: msg.ContactID,
		Mode:      provider.Mode(msg.SendMode),
		Content:   msg.Content,
	}
	if msg.SendMode == delivery.ModeTemplate {
		name, lang := templates.ParseRef(msg.TemplateRef)
		req.Template = &provider.Template{Name: name, Language: lang}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	start := time.Now()
	res, sendErr := d.sender.Send(sendCtx, req)
	cancel()
	d.metrics.ObserveSendLatency(string(msg.SendMode), time.Since(start).Seconds())

	if sendErr != nil {
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, "send failed")
		updated, err := d.machine.RecordSendFailure(ctx, msg.ID, sendErr)
		if err != nil {
			return nil, fmt.Errorf("dispatch: record failure: %w", err)
		}
		if updated.State == delivery.StateScheduled {
			d.metrics.ObserveSend("retry")
		} else {
			d.metrics.ObserveSend("failed")
		}
		log.Warn("send failed", "error", sendErr, "attempt", updated.AttemptCount, "state", updated.State)
		return updated, nil
	}

	sent, err := d.machine.MarkSent(ctx, msg.ID, res.ProviderMessageID)
	if err != nil {
		log.Error("mark sent failed", "provider_message_id", res.ProviderMessageID, "error", err)
		return nil, fmt.Errorf("dispatch: mark sent: %w", err)
	}
	d.metrics.ObserveSend("sent")
	log.Info("message sent", "provider_message_id", res.ProviderMessageID, "send_mode", msg.SendMode)
	return sent, nil
}
