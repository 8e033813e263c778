package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpAdapter "mediaflow/internal/adapter/http"
	redisAdapter "mediaflow/internal/adapter/redis"
	"mediaflow/internal/adapter/sqlite"
	"mediaflow/internal/adapter/ytdlp"
	"mediaflow/internal/breaker"
	"mediaflow/internal/config"
	"mediaflow/internal/dispatch"
	"mediaflow/internal/domain"
	"mediaflow/internal/janitor"
	"mediaflow/internal/metrics"
	"mediaflow/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	log.Printf("starting mediaflow on port %d", cfg.Port)
	log.Printf("database: %s", cfg.DBPath)
	log.Printf("data dir: %s", cfg.DataDir)

	repo, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}
	defer repo.Close()

	redisClient := redisAdapter.NewClient(redisAdapter.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	var cache domain.ResultCache
	var ping func(context.Context) error
	if redisClient != nil {
		defer redisClient.Close()
		if err := redisAdapter.Ping(context.Background(), redisClient); err != nil {
			log.Fatalf("redis unreachable at %s: %v", cfg.RedisAddr, err)
		}
		log.Printf("redis: %s", cfg.RedisAddr)
		cache = redisAdapter.NewCache(redisClient)
		ping = func(ctx context.Context) error { return redisAdapter.Ping(ctx, redisClient) }
	} else {
		log.Println("redis not configured, using in-memory cache and rate limits")
		cache = redisAdapter.NewMemoryCache()
	}
	limiter := redisAdapter.NewLimiter(redisClient, redisAdapter.DefaultPolicies())

	runner := ytdlp.New(cfg.YtDlpPath)
	brk := breaker.New(breaker.DefaultOptions())
	wrk := worker.New(runner, brk)
	stats := metrics.New()

	dispatcherOpts := dispatch.DefaultOptions()
	dispatcherOpts.MaxConcurrent = cfg.MaxConcurrent
	dispatcherOpts.StartsPerSecond = cfg.StartsPerSecond
	dispatcherOpts.MaxAttempts = cfg.MaxAttempts
	dispatcherOpts.RetryBaseDelay = cfg.RetryBaseDelay.Std()
	dispatcherOpts.CacheTTL = cfg.CacheTTL.Std()
	dispatcher := dispatch.New(repo, wrk, cache, stats, dispatcherOpts)

	svc := domain.NewJobService(repo, cache, runner, dispatcher, cfg.DataDir, cfg.CacheTTL.Std())

	// At-least-once across crashes: put interrupted jobs back in line.
	if recovered, err := repo.RecoverStale(context.Background()); err != nil {
		log.Printf("warning: failed to recover stale jobs: %v", err)
	} else if recovered > 0 {
		log.Printf("recovered %d stale jobs", recovered)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := httpAdapter.NewServer(svc, limiter, runner, stats, ping, addr)
	sweeper := janitor.New(cfg.DataDir, cfg.Retention.Std(), cfg.SweepInterval.Std())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go dispatcher.Run(ctx)
	go sweeper.Run(ctx)

	go func() {
		log.Printf("HTTP server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	sig := <-sigCh
	log.Printf("received signal %v, shutting down", sig)

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("shutdown complete")
}
