package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/coaching-engine/internal/delivery"
	"github.com/wolfman30/coaching-engine/internal/dispatch"
	"github.com/wolfman30/coaching-engine/internal/engine"
	"github.com/wolfman30/coaching-engine/internal/events"
	"github.com/wolfman30/coaching-engine/internal/http/handlers"
	"github.com/wolfman30/coaching-engine/internal/observability/metrics"
	"github.com/wolfman30/coaching-engine/internal/provider"
	"github.com/wolfman30/coaching-engine/internal/templates"
	"github.com/wolfman30/coaching-engine/internal/window"
	"github.com/wolfman30/coaching-engine/pkg/logging"
)

type echoSender struct{}

func (echoSender) Send(ctx context.Context, req provider.Request) (provider.Result, error) {
	return provider.Result{ProviderMessageID: "wamid." + req.MessageID}, nil
}

type stack struct {
	router  http.Handler
	queue   *events.MemoryQueue
	gateway *events.Gateway
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := logging.Discard()
	reg := prometheus.NewRegistry()
	m := metrics.NewEngineMetrics(reg)

	tracker := window.NewTracker(window.NewMemoryStore(), logger).WithMetrics(m)
	machine := delivery.NewMachine(delivery.NewMemoryStore(), logger).WithMetrics(m)
	catalog := templates.Default()
	resolver := dispatch.NewResolver(tracker, catalog, nil).WithMetrics(m)
	dispatcher := dispatch.NewDispatcher(machine, resolver, echoSender{}, logger).WithMetrics(m)
	eng := engine.New(machine, tracker, dispatcher, logger).WithTemplatePolicy(resolver, catalog)

	queue := events.NewMemoryQueue(16)
	gateway := events.NewGateway(events.NewMemoryProcessedStore(), events.NewMemoryUnmatchedStore(), tracker, machine, logger).
		WithMetrics(m)

	r := New(&Config{
		Logger:         logger,
		Messages:       handlers.NewMessagesHandler(eng, logger),
		Webhooks:       handlers.NewWebhookHandler(handlers.WebhookConfig{Queue: queue, VerifyToken: "tok", Logger: logger, Metrics: m}),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	return &stack{router: r, queue: queue, gateway: gateway}
}

func (s *stack) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func (s *stack) drainQueue(t *testing.T) {
	t.Helper()
	for {
		ev, err := s.queue.Dequeue(context.Background(), 10*time.Millisecond)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if ev == nil {
			return
		}
		if _, err := s.gateway.Ingest(context.Background(), *ev); err != nil {
			t.Fatalf("ingest %s: %v", ev.ProviderEventID, err)
		}
	}
}

func TestRouterHealthEndpoint(t *testing.T) {
	s := newStack(t)
	rr := s.do(t, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", resp["status"])
	}
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestRouterHealthDegraded(t *testing.T) {
	r := New(&Config{Health: map[string]Pinger{"postgres": downPinger{}}})
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestRouterEndToEndWindowAndSend(t *testing.T) {
	s := newStack(t)
	now := time.Now().UTC().Format(time.RFC3339)

	rr := s.do(t, http.MethodPost, "/webhooks/events", `{"events":[{"id":"in-1","kind":"session_status","contact_id":"15550100001","occurred_at":"`+now+`","session":{"origin":"user_initiated"}}]}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	s.drainQueue(t)

	rr = s.do(t, http.MethodGet, "/api/contacts/15550100001/conversation", "")
	var st map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st["eligible"] != true {
		t.Fatalf("expected open window, got %v", st)
	}

	rr = s.do(t, http.MethodPost, "/api/messages", `{"contact_id":"15550100001","content":"Nice work today"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.State != "sent" {
		t.Fatalf("expected inline send, got state %q", created.State)
	}

	rr = s.do(t, http.MethodPost, "/webhooks/events", `{"events":[{"id":"st-1","kind":"delivery_status","contact_id":"15550100001","occurred_at":"`+now+`","status":{"provider_message_id":"wamid.`+created.ID+`","status":"read"}}]}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	s.drainQueue(t)

	rr = s.do(t, http.MethodGet, "/api/messages/"+created.ID, "")
	if !strings.Contains(rr.Body.String(), `"state":"read"`) {
		t.Fatalf("expected read state, got %s", rr.Body.String())
	}

	rr = s.do(t, http.MethodGet, "/api/messages/"+created.ID+"/transitions", "")
	var trs struct {
		Transitions []delivery.Transition `json:"transitions"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&trs); err != nil {
		t.Fatalf("decode transitions: %v", err)
	}
	if len(trs.Transitions) != 4 {
		t.Fatalf("expected scheduled, sending, sent, read; got %+v", trs.Transitions)
	}

	rr = s.do(t, http.MethodGet, "/metrics", "")
	if !strings.Contains(rr.Body.String(), "coaching_dispatch_sends_total") {
		t.Fatalf("expected engine metrics to be exposed")
	}
}

func TestRouterWhatsAppVerification(t *testing.T) {
	s := newStack(t)
	rr := s.do(t, http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=tok&hub.challenge=abc", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "abc" {
		t.Fatalf("expected challenge echo, got %d %q", rr.Code, rr.Body.String())
	}
}

func TestRouterRejectsNonJSONContentType(t *testing.T) {
	s := newStack(t)
	req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader("contact_id=c1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rr.Code)
	}
}
