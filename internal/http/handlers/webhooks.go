package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/wolfman30/coaching-engine/internal/events"
	"github.com/wolfman30/coaching-engine/internal/observability/metrics"
	"github.com/wolfman30/coaching-engine/internal/provider/whatsapp"
	"github.com/wolfman30/coaching-engine/pkg/logging"
)

type eventQueue interface {
	Enqueue(ctx context.Context, ev events.InboundEvent) error
}

// WebhookConfig wires the webhook handler.
type WebhookConfig struct {
	Queue       eventQueue
	VerifyToken string
	// AppSecret enables X-Hub-Signature-256 checks when set.
	AppSecret string
	Logger    *logging.Logger
	Metrics   *metrics.EngineMetrics
}

// WebhookHandler accepts provider callbacks and queues them for ingestion.
type WebhookHandler struct {
	queue       eventQueue
	verifyToken string
	appSecret   string
	logger      *logging.Logger
	metrics     *metrics.EngineMetrics
	clock       func() time.Time
}

func NewWebhookHandler(cfg WebhookConfig) *WebhookHandler {
	if cfg.Queue == nil {
		panic("handlers: webhook queue required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &WebhookHandler{
		queue:       cfg.Queue,
		verifyToken: cfg.VerifyToken,
		appSecret:   cfg.AppSecret,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		clock:       time.Now,
	}
}

// VerifyWhatsApp answers the subscription handshake on GET /webhooks/whatsapp.
func (h *WebhookHandler) VerifyWhatsApp(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if h.verifyToken == "" || q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != h.verifyToken {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// WhatsApp handles POST /webhooks/whatsapp.
func (h *WebhookHandler) WhatsApp(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if h.appSecret != "" {
		if err := whatsapp.VerifySignature(h.appSecret, r.Header.Get("X-Hub-Signature-256"), body); err != nil {
			h.logger.Warn("invalid whatsapp webhook signature", "error", err)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}
	evs, err := events.FromWhatsApp(body, h.clock())
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	h.accept(w, r, evs, events.SourceWhatsApp, start)
}

// Events handles POST /webhooks/events with the normalized envelope.
func (h *WebhookHandler) Events(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	evs, err := events.DecodeEnvelope(body, h.clock())
	if err != nil {
		writeError(w, err)
		return
	}
	h.accept(w, r, evs, events.SourceNormalized, start)
}

func (h *WebhookHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, "invalid body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func (h *WebhookHandler) accept(w http.ResponseWriter, r *http.Request, evs []events.InboundEvent, source string, start time.Time) {
	ctx := context.WithoutCancel(r.Context())
	for i, ev := range evs {
		if err := h.queue.Enqueue(ctx, ev); err != nil {
			h.logger.Error("enqueue inbound event failed",
				"error", err,
				"event_id", ev.ProviderEventID,
				"queued", i,
			)
			http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	h.metrics.ObserveWebhookLatency(source, time.Since(start).Seconds())
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(evs)})
}
