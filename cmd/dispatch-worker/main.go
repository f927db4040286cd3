package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/coaching-engine/internal/app/bootstrap"
	appconfig "github.com/wolfman30/coaching-engine/internal/config"
	"github.com/wolfman30/coaching-engine/internal/events"
	"github.com/wolfman30/coaching-engine/pkg/logging"
)

// dispatch-worker runs the send loop and housekeeping against the shared
// stores. It also drains the webhook queue when that queue lives in Redis.
func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	if cfg.UseMemoryStore {
		logger.Error("dispatch worker needs shared stores; run the API with USE_MEMORY_STORE instead")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build runtime", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){rt.Dispatcher.Run, rt.Reaper.Run, rt.Janitor.Run} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(loop)
	}

	var ingest *events.Worker
	if rt.SharedQueue() {
		ingest = rt.IngestWorker()
		ingest.Start(ctx)
	}

	metricsAddr := ":" + getenv("METRICS_PORT", "9091")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	logger.Info("dispatch worker started",
		"workers", cfg.DispatchWorkers,
		"poll_interval", cfg.DispatchPollInterval,
		"ingest", ingest != nil,
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("dispatch worker shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	cancel()
	wg.Wait()
	if ingest != nil {
		ingest.Wait()
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
