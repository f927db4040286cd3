package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/coaching-engine/internal/apperr"
	"github.com/wolfman30/coaching-engine/internal/contact"
	"github.com/wolfman30/coaching-engine/internal/delivery"
	"github.com/wolfman30/coaching-engine/internal/observability/metrics"
	"github.com/wolfman30/coaching-engine/internal/window"
	"github.com/wolfman30/coaching-engine/pkg/logging"
)

var tracer = otel.Tracer("coaching-engine.events")

// SessionRecorder applies session events to conversation windows.
type SessionRecorder interface {
	RecordSessionEvent(ctx context.Context, ev window.SessionEvent) (window.Result, error)
}

// StatusRouter applies delivery statuses to outbound messages.
type StatusRouter interface {
	FindByProviderID(ctx context.Context, providerMessageID string) (*delivery.Message, error)
	ApplyStatus(ctx context.Context, providerMessageID string, status delivery.State, at time.Time, detail string) (bool, error)
}

// Gateway deduplicates inbound events and routes them by kind.
type Gateway struct {
	claims         ClaimStore
	unmatched      UnmatchedStore
	sessions       SessionRecorder
	statuses       StatusRouter
	logger         *logging.Logger
	metrics        *metrics.EngineMetrics
	lookupAttempts int
	lookupDelay    time.Duration
	clock          func() time.Time
}

func NewGateway(claims ClaimStore, unmatched UnmatchedStore, sessions SessionRecorder, statuses StatusRouter, logger *logging.Logger) *Gateway {
	if claims == nil || unmatched == nil || sessions == nil || statuses == nil {
		panic("events: gateway dependencies required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Gateway{
		claims:         claims,
		unmatched:      unmatched,
		sessions:       sessions,
		statuses:       statuses,
		logger:         logger,
		lookupAttempts: 3,
		lookupDelay:    200 * time.Millisecond,
		clock:          time.Now,
	}
}

// WithLookupRetry bounds the short retry used when a status arrives before
// its message is known.
func (g *Gateway) WithLookupRetry(attempts int, delay time.Duration) *Gateway {
	if attempts > 0 {
		g.lookupAttempts = attempts
	}
	if delay >= 0 {
		g.lookupDelay = delay
	}
	return g
}

func (g *Gateway) WithMetrics(m *metrics.EngineMetrics) *Gateway {
	g.metrics = m
	return g
}

func (g *Gateway) WithClock(clock func() time.Time) *Gateway {
	if clock != nil {
		g.clock = clock
	}
	return g
}

// Ingest processes one event. Replays return OutcomeDuplicate without side
// effects. Transient failures release the dedupe claim and return an error
// so the event can be redelivered.
func (g *Gateway) Ingest(ctx context.Context, ev InboundEvent) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "events.ingest")
	defer span.End()
	span.SetAttributes(
		attribute.String("event_id", ev.ProviderEventID),
		attribute.String("kind", string(ev.Kind)),
	)

	outcome, err := g.ingest(ctx, ev)
	g.metrics.ObserveInbound(string(ev.Kind), string(outcome))
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(outcome))
	}
	return outcome, err
}

func (g *Gateway) ingest(ctx context.Context, ev InboundEvent) (Outcome, error) {
	ev.ContactID = contact.Normalize(ev.ContactID)
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = g.clock().UTC()
	}
	log := g.logger.With("event_id", ev.ProviderEventID, "contact_id", ev.ContactID, "kind", ev.Kind)
	if err := ev.validate(); err != nil {
		log.Warn("invalid inbound event", "error", err)
		return OutcomeInvalid, err
	}

	claimed, err := g.claims.MarkProcessed(ctx, ev.source(), ev.ProviderEventID)
	if err != nil {
		return OutcomeError, fmt.Errorf("events: claim: %w", err)
	}
	if !claimed {
		log.Debug("duplicate inbound event dropped")
		return OutcomeDuplicate, nil
	}

	var outcome Outcome
	switch ev.Kind {
	case KindSessionStatus:
		outcome, err = g.applySession(ctx, ev)
	default:
		outcome, err = g.applyStatus(ctx, ev)
	}
	if err != nil && outcome == OutcomeError {
		if rerr := g.claims.Release(context.WithoutCancel(ctx), ev.source(), ev.ProviderEventID); rerr != nil {
			log.Error("release event claim failed", "error", rerr)
		}
		return outcome, err
	}
	if err != nil {
		log.Warn("inbound event rejected", "outcome", outcome, "error", err)
	}
	return outcome, err
}

func (g *Gateway) applySession(ctx context.Context, ev InboundEvent) (Outcome, error) {
	origin, err := window.ParseOrigin(ev.Session.Origin)
	if err != nil {
		return OutcomeInvalid, err
	}
	opened := ev.Session.OpenedAt
	if opened.IsZero() {
		opened = ev.OccurredAt
	}
	se := window.SessionEvent{
		ContactID: ev.ContactID,
		SessionID: strings.TrimSpace(ev.Session.SessionID),
		Origin:    origin,
		OpenedAt:  opened,
	}
	if ev.Session.ExpiresAt != nil {
		se.ExpiresAt = *ev.Session.ExpiresAt
	}
	if _, err := g.sessions.RecordSessionEvent(ctx, se); err != nil {
		if apperr.IsValidation(err) {
			return OutcomeInvalid, err
		}
		return OutcomeError, fmt.Errorf("events: record session: %w", err)
	}
	return OutcomeProcessed, nil
}

func (g *Gateway) applyStatus(ctx context.Context, ev InboundEvent) (Outcome, error) {
	status, ok := parseDeliveryStatus(ev.Status.Status)
	if !ok {
		return OutcomeInvalid, apperr.Invalid("status.status", "unsupported delivery status "+ev.Status.Status)
	}
	providerID := strings.TrimSpace(ev.Status.ProviderMessageID)

	msg, err := g.lookup(ctx, providerID)
	if errors.Is(err, apperr.ErrNotFound) {
		return g.recordUnmatched(ctx, ev, providerID, "no message for provider id")
	}
	if err != nil {
		return OutcomeError, fmt.Errorf("events: lookup message: %w", err)
	}
	if !sameContact(msg.ContactID, ev.ContactID) {
		return g.recordUnmatched(ctx, ev, providerID, "contact mismatch")
	}

	at := ev.OccurredAt
	if at.IsZero() {
		at = ev.ReceivedAt
	}
	applied, err := g.statuses.ApplyStatus(ctx, providerID, status, at, ev.Status.Error)
	if err != nil {
		if apperr.IsValidation(err) {
			return OutcomeInvalid, err
		}
		return OutcomeError, fmt.Errorf("events: apply status: %w", err)
	}
	g.logger.With("event_id", ev.ProviderEventID, "message_id", msg.ID).Debug("delivery status routed",
		"status", status,
		"applied", applied,
	)
	return OutcomeProcessed, nil
}

// lookup retries briefly because a status can race the write of the
// provider message id after send.
func (g *Gateway) lookup(ctx context.Context, providerID string) (*delivery.Message, error) {
	var lastErr error
	for attempt := 0; attempt < g.lookupAttempts; attempt++ {
		if attempt > 0 && g.lookupDelay > 0 {
			timer := time.NewTimer(g.lookupDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		msg, err := g.statuses.FindByProviderID(ctx, providerID)
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (g *Gateway) recordUnmatched(ctx context.Context, ev InboundEvent, providerID, reason string) (Outcome, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return OutcomeError, fmt.Errorf("events: marshal unmatched: %w", err)
	}
	rec := UnmatchedEvent{
		ProviderEventID:   ev.ProviderEventID,
		Source:            ev.source(),
		Kind:              ev.Kind,
		ContactID:         ev.ContactID,
		ProviderMessageID: providerID,
		Payload:           payload,
		Reason:            reason,
		ReceivedAt:        ev.ReceivedAt,
	}
	if err := g.unmatched.Record(ctx, rec); err != nil {
		return OutcomeError, err
	}
	g.logger.With("event_id", ev.ProviderEventID, "provider_message_id", providerID).Warn("unmatched delivery status", "reason", reason)
	return OutcomeUnmatched, nil
}

// BatchResult reports the outcome of one event in a batch.
type BatchResult struct {
	EventID string  `json:"id"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// IngestBatch ingests events independently; a failing event never stops the rest.
func (g *Gateway) IngestBatch(ctx context.Context, evs []InboundEvent) []BatchResult {
	out := make([]BatchResult, 0, len(evs))
	for _, ev := range evs {
		outcome, err := g.Ingest(ctx, ev)
		res := BatchResult{EventID: ev.ProviderEventID, Outcome: outcome}
		if err != nil {
			res.Error = err.Error()
		}
		out = append(out, res)
	}
	return out
}

func parseDeliveryStatus(raw string) (delivery.State, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sent":
		return delivery.StateSent, true
	case "delivered":
		return delivery.StateDelivered, true
	case "read":
		return delivery.StateRead, true
	case "failed", "undeliverable":
		return delivery.StateFailed, true
	}
	return "", false
}

func sameContact(a, b string) bool {
	return contact.Normalize(a) == contact.Normalize(b)
}
