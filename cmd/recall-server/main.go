// Command recall-server runs the contextual memory service: the HTTP
// management API, the WebSocket event stream, and the background pipeline
// that turns conversation into ranked, retrievable memories.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/recallhq/recall/internal/cache"
	"github.com/recallhq/recall/internal/classifier"
	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/engine"
	"github.com/recallhq/recall/internal/llm"
	"github.com/recallhq/recall/internal/queue"
	"github.com/recallhq/recall/internal/storage"
	"github.com/recallhq/recall/internal/storage/postgres"
	"github.com/recallhq/recall/internal/storage/sqlite"
	"github.com/recallhq/recall/web/handlers"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (overrides environment)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	generator, embedder, err := llm.NewClients(cfg.LLM)
	if err != nil {
		log.Fatalf("Failed to initialize LLM clients: %v", err)
	}

	tasks, err := queue.New(queue.Config{
		Depth:         cfg.Queue.Depth,
		Workers:       cfg.Queue.Workers,
		DrainInterval: cfg.Queue.DrainInterval,
		MaxRetries:    1,
		ShutdownWait:  cfg.Queue.ShutdownWait,
	})
	if err != nil {
		log.Fatalf("Failed to initialize task queue: %v", err)
	}

	hub := handlers.NewEventHub()
	go hub.Run()
	defer hub.Stop()

	eng, err := engine.New(engine.Deps{
		Store:         store,
		Classifier:    classifier.NewLLMClassifier(generator),
		Embeddings:    cache.NewEmbeddingCache(embedder, cfg.Cache.EmbeddingCapacity, cfg.Cache.EmbeddingTTL, cfg.LLM.EmbedTimeout),
		Similarities:  cache.NewSimilarityCache(cfg.Cache.SimilarityCapacity, cfg.Cache.SimilarityTTL),
		Snapshots:     cache.NewSnapshotCache(cfg.Cache.SnapshotTTL),
		Tasks:         tasks,
		Retrieval:     cfg.Retrieval,
		DebounceQuiet: cfg.Cache.DebounceQuiet,
		Events:        hub,
	})
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	defer eng.Shutdown()

	mux := http.NewServeMux()
	handlers.NewAPIHandler(eng).RegisterRoutes(mux)
	mux.Handle("GET /ws", hub)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status":"ok"}`)
	})

	limiter := handlers.NewRateLimiter(50, 100)
	handler := handlers.RequireAuth(handlers.RateLimit(mux, limiter), cfg.Security)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("recall listening on http://%s (storage=%s, llm=%s)",
			addr, cfg.Storage.Engine, cfg.LLM.Provider)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
}

// openStore selects the storage backend from configuration.
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Engine {
	case "postgres":
		return postgres.New(cfg.Storage.PostgresDSN)
	case "sqlite":
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return sqlite.New(cfg.Storage.DataPath + "/recall.db")
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Storage.Engine)
	}
}
