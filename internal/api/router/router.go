package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/coaching-engine/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/coaching-engine/internal/http/middleware"
	"github.com/wolfman30/coaching-engine/pkg/logging"
)

const maxBodyBytes = 1 << 20

// Pinger reports dependency health for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	Messages       *handlers.MessagesHandler
	Webhooks       *handlers.WebhookHandler
	MetricsHandler http.Handler
	// Health dependencies keyed by name; nil entries are skipped.
	Health map[string]Pinger
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}
	r.Use(httpmiddleware.MaxBody(maxBodyBytes))

	r.Get("/health", healthHandler(cfg.Health))
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.Webhooks != nil {
		r.Route("/webhooks", func(wh chi.Router) {
			wh.Get("/whatsapp", cfg.Webhooks.VerifyWhatsApp)
			wh.Post("/whatsapp", cfg.Webhooks.WhatsApp)
			wh.Post("/events", cfg.Webhooks.Events)
		})
	}

	if cfg.Messages != nil {
		r.Route("/api", func(api chi.Router) {
			api.Use(middleware.AllowContentType("application/json"))
			api.Post("/messages", cfg.Messages.Schedule)
			api.Route("/messages/{id}", func(m chi.Router) {
				m.Get("/", cfg.Messages.Get)
				m.Post("/cancel", cfg.Messages.Cancel)
				m.Get("/transitions", cfg.Messages.Transitions)
			})
			api.Route("/contacts/{contactID}", func(c chi.Router) {
				c.Get("/messages", cfg.Messages.History)
				c.Get("/conversation", cfg.Messages.ConversationStatus)
			})
		})
	}

	return r
}

func healthHandler(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := map[string]string{"status": "ok"}
		status := http.StatusOK
		for name, dep := range deps {
			if dep == nil {
				continue
			}
			if err := dep.Ping(ctx); err != nil {
				resp[name] = err.Error()
				resp["status"] = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp[name] = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
