package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/coaching-engine/internal/api/router"
	"github.com/wolfman30/coaching-engine/internal/app/bootstrap"
	appconfig "github.com/wolfman30/coaching-engine/internal/config"
	"github.com/wolfman30/coaching-engine/internal/http/handlers"
	"github.com/wolfman30/coaching-engine/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting coaching-engine API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"memory_store", cfg.UseMemoryStore,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build runtime", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	// Ingestion always runs next to the webhook handler. Dispatch and
	// housekeeping move here too when nothing else can see the stores.
	ingest := rt.IngestWorker()
	ingest.Start(ctx)
	if cfg.UseMemoryStore {
		go rt.Dispatcher.Run(ctx)
		go rt.Reaper.Run(ctx)
		go rt.Janitor.Run(ctx)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      buildHandler(rt),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	cancel()
	ingest.Wait()

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

func buildHandler(rt *bootstrap.Runtime) http.Handler {
	health := map[string]router.Pinger{}
	if rt.Pool != nil {
		health["postgres"] = rt.Pool
	}
	if rt.Redis != nil {
		health["redis"] = redisPinger{rt}
	}
	return router.New(&router.Config{
		Logger:   rt.Logger,
		Messages: handlers.NewMessagesHandler(rt.Engine, rt.Logger),
		Webhooks: handlers.NewWebhookHandler(handlers.WebhookConfig{
			Queue:       rt.Queue,
			VerifyToken: rt.Config.WebhookVerifyToken,
			AppSecret:   rt.Config.WhatsAppAppSecret,
			Logger:      rt.Logger,
			Metrics:     rt.Metrics,
		}),
		MetricsHandler: promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{}),
		Health:         health,
	})
}

type redisPinger struct{ rt *bootstrap.Runtime }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rt.Redis.Ping(ctx).Err()
}
