package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/api"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/cache"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/config"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/dispatch"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/media"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/queue"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/ratelimit"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/store"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/wa"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/webhook"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/worker"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadAll()
	if err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := store.NewPostgres(ctx, cfg.Database.PostgresURL)
	if err != nil {
		logger.Error("postgres connection failed", "error", err)
		os.Exit(1)
	}
	defer pg.Close()

	var msgCache cache.MessageCache
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("redis connection failed", "addr", cfg.Redis.Address, "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		msgCache = cache.NewRedisCache(rdb, cfg.Redis.TTL)
		logger.Info("redis cache enabled", "addr", cfg.Redis.Address)
	}

	if err := os.MkdirAll(cfg.Server.MediaDir, 0o755); err != nil {
		logger.Error("media dir not writable", "dir", cfg.Server.MediaDir, "error", err)
		os.Exit(1)
	}

	client := wa.NewClient(cfg.Provider.BaseURL)
	pipeline := media.NewPipeline(client, cfg.Server.MediaDir, cfg.Server.MediaBaseURL, logger)
	limiter := ratelimit.New(float64(cfg.Delivery.MessagesPerSecond), cfg.Delivery.Burst)
	dispatcher := dispatch.New(client, pipeline, limiter, cfg.Provider.Bypass, logger)
	ingestor := webhook.NewIngestor(pg, msgCache, pipeline, cfg.Webhook.BypassSignature, logger)

	q, err := queue.New(cfg.Delivery.QueueCapacity)
	if err != nil {
		logger.Error("queue setup failed", "error", err)
		os.Exit(1)
	}

	workers := make([]*worker.Worker, 0, cfg.Delivery.Workers)
	for i := 0; i < cfg.Delivery.Workers; i++ {
		w, err := worker.New(q, pg, dispatcher, msgCache, cfg.Delivery.MaxRetries, logger)
		if err != nil {
			logger.Error("worker setup failed", "error", err)
			os.Exit(1)
		}
		w.Start()
		workers = append(workers, w)
	}

	scanner, err := worker.NewScanner(pg, q, cfg.Delivery.ScanInterval, cfg.Delivery.ScanBatchSize, cfg.Delivery.MaxRetries, logger)
	if err != nil {
		logger.Error("scanner setup failed", "error", err)
		os.Exit(1)
	}
	scanner.Start()

	h := api.NewHandler(pg, q, dispatcher, ingestor, workers[0], scanner, cfg.Webhook.VerifyToken, logger)
	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: api.Router(h, cfg.Server.MediaDir, logger),
	}

	go func() {
		logger.Info("gateway listening",
			"addr", cfg.Server.Address,
			"workers", cfg.Delivery.Workers,
			"queue_capacity", cfg.Delivery.QueueCapacity,
			"provider_bypass", cfg.Provider.Bypass,
			"signature_bypass", cfg.Webhook.BypassSignature)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}

	scanner.Stop()
	for _, w := range workers {
		w.Stop()
	}
	logger.Info("gateway stopped")
}
