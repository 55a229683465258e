package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/lcwong/smspanel/internal/api"
	"github.com/lcwong/smspanel/internal/cache"
	"github.com/lcwong/smspanel/internal/client"
	"github.com/lcwong/smspanel/internal/config"
	"github.com/lcwong/smspanel/internal/metrics"
	"github.com/lcwong/smspanel/internal/queue"
	"github.com/lcwong/smspanel/internal/ratelimit"
	"github.com/lcwong/smspanel/internal/repo"
	"github.com/lcwong/smspanel/internal/service"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	slog.Info("smspanel starting",
		"addr", cfg.Server.Address,
		"workers", cfg.Queue.Workers,
		"queue_max", cfg.Queue.MaxSize,
		"rate_per_sec", cfg.Rate.PerSecond,
		"redis", cfg.Redis.Enabled,
	)

	ctx := context.Background()

	store, err := repo.Open(ctx, cfg.Database.PostgresURL)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	var receipts cache.ReceiptCache
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		receipts = cache.NewRedisCache(rdb, cfg.Redis.TTL)
	}

	bucket, err := ratelimit.New(cfg.Rate.Capacity, cfg.Rate.PerSecond)
	if err != nil {
		log.Fatal(err)
	}

	gateway := client.NewHKTClient(cfg.Gateway.BaseURL, cfg.Gateway.ApplicationID, cfg.Gateway.SenderNumber)
	sender := client.New(gateway, bucket, client.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	})

	q, err := queue.New(cfg.Queue.MaxSize, cfg.Queue.Workers)
	if err != nil {
		log.Fatal(err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	met := metrics.New(reg, func() float64 { return float64(q.Depth()) })

	pipeline := service.NewPipeline(store, q, sender, receipts, met)
	q.Start()

	handler := api.NewHandler(store, pipeline, q)
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(handler, reg)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()
	slog.Info("http server listening", "addr", cfg.Server.Address)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	q.Shutdown(shutdownCtx)

	slog.Info("bye")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		reqID := uuid.NewString()
		w.Header().Set("X-Request-Id", reqID)

		start := time.Now()
		next.ServeHTTP(rec, r)

		slog.Info("request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
