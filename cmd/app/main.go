package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	cfgpkg "github.com/local/docpipeline/internal/config"
	"github.com/local/docpipeline/internal/dispatch"
	"github.com/local/docpipeline/internal/extract"
	logpkg "github.com/local/docpipeline/internal/logger"
	"github.com/local/docpipeline/internal/metrics"
	"github.com/local/docpipeline/internal/orchestrator"
	"github.com/local/docpipeline/internal/pipeline"
	"github.com/local/docpipeline/internal/queue"
	"github.com/local/docpipeline/internal/statuscheck"
	"github.com/local/docpipeline/internal/store"
	"github.com/local/docpipeline/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := cfgpkg.FromEnv()

	_ = logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	})
	defer logpkg.Close()

	// Record store (required)
	storeCtx, storeCancel := context.WithTimeout(context.Background(), cfg.Store.ConnectTimeout)
	st, err := store.NewPostgresStore(storeCtx, cfg.Store.PostgresURL)
	storeCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init upload store")
	}
	defer st.Close()

	// Broker (optional: failure means synchronous fallback for the process
	// lifetime, no reconnection attempts)
	broker, err := queue.New(queue.Options{
		RedisURL:       cfg.Queue.RedisURL,
		Stream:         cfg.Queue.Stream,
		Group:          cfg.Queue.Group,
		Consumer:       cfg.Queue.Consumer,
		PollInterval:   cfg.Queue.PollInterval,
		ConnectTimeout: cfg.Queue.ConnectTimeout,
		MaxAttempts:    cfg.Queue.MaxAttempts,
		RetryBaseDelay: cfg.Queue.RetryBaseDelay,
		RetryFactor:    cfg.Queue.RetryFactor,
		StallInterval:  cfg.Queue.StallInterval,
		StallRetries:   cfg.Queue.StallRetries,
		FailedMaxLen:   cfg.Queue.FailedMaxLen,
	})
	if err != nil {
		log.Warn().Err(err).Msg("broker init failed; running in fallback mode")
		broker = nil
	}

	gateway := extract.NewGateway(extract.Config{
		URL:     cfg.Extraction.URL,
		Timeout: cfg.Extraction.Timeout,
		Enhance: cfg.Extraction.Enhance,
		Engine:  cfg.Extraction.Engine,
		UseAI:   cfg.Extraction.UseAI,
	})
	dispatcher := dispatch.New(cfg.Dispatch.Webhooks, cfg.Dispatch.Timeout)
	log.Info().Strs("templates", dispatcher.Configured()).Msg("template webhooks configured")

	pipe := pipeline.New(st, gateway, dispatcher)

	deps := orchestrator.Dependencies{Status: st, Runner: pipe}
	if broker != nil {
		deps.Broker = broker
	}
	orch := orchestrator.New(deps)

	if broker != nil {
		w := worker.New(worker.Config{
			DequeueBlock:      cfg.Worker.DequeueBlock,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		}, broker, pipe)
		w.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = w.Stop(ctx)
		}()
	}

	checkOpts := statuscheck.Options{
		Postgres:      st,
		ExtractionURL: cfg.Extraction.URL,
		Templates:     dispatcher.Configured(),
	}
	if broker != nil {
		checkOpts.Redis = broker
	}
	checker := statuscheck.New(checkOpts)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(checker.Summary(r.Context()))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(orch.Stats(r.Context()))
	})

	// keep the depth gauges warm between scrapes
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			orch.Stats(ctx)
			cancel()
		}
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		log.Info().Msgf("HTTP server listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	orch.Shutdown()
	fmt.Println("shutdown complete")
}
