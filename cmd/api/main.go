package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"clashchat/internal/app"
	"clashchat/internal/archive"
	"clashchat/internal/config"
	"clashchat/internal/resultcache"
	"clashchat/internal/search"
	"clashchat/internal/store"
	"clashchat/internal/stream"
	"clashchat/internal/summarize"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found, using environment")
	}
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("invalid redis url: %v", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisClient.Close()
		log.Printf("Using Redis for message fan-out and the latest-result cache")
	} else {
		log.Printf("Redis not configured, message fan-out stays in process")
	}

	broker := stream.New(redisClient, dataStore.ListMessages)
	summarizer := summarize.NewClient(cfg.SummarizerURL, cfg.SummarizerAPIKey, cfg.SummarizerModel, cfg.SummarizerTimeout)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	service := app.New(cfg, dataStore, broker, summarizer, searchService)
	if redisClient != nil {
		service.WithResultCache(resultcache.NewRedisCacheWithClient(redisClient))
	}
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		archiveService, err := archive.New(ctx, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
		if err != nil {
			log.Printf("WARNING: transcript archive disabled: %v", err)
		} else {
			service.WithArchive(archiveService)
		}
	}

	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go runSweep(sweepCtx, service, cfg.SweepInterval)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("ClashChat API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// runSweep force-closes stale topics on a fixed interval. Each run is
// idempotent, so overlapping or repeated runs are safe.
func runSweep(ctx context.Context, service *app.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			closed, err := service.SweepExpiredTopics(ctx, time.Now().UTC())
			if err != nil {
				log.Printf("sweep: %v", err)
				continue
			}
			log.Printf("sweep: ended %d topics", closed)
		}
	}
}
