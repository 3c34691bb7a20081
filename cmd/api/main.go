package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"revstore/internal/app"
	"revstore/internal/config"
	"revstore/internal/digest"
	"revstore/internal/lock"
	"revstore/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends := app.Backends{
		LockOptions: lock.Options{
			TTL:         cfg.LockTTL,
			MaxAttempts: cfg.LockAttempts,
			Backoff:     cfg.LockBackoff,
			MaxBackoff:  cfg.LockMaxBackoff,
		},
	}

	// Storage is tried in order: Postgres, Redis, then session-only memory.
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Printf("WARNING: postgres unavailable, trying next backend: %v", err)
		} else {
			defer db.Close()
			backends.DB = db
		}
	}
	if backends.DB == nil && strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Printf("WARNING: redis unavailable, trying next backend: %v", err)
		} else {
			defer client.Close()
			backends.Redis = client
		}
	}
	if backends.Kind() == "memory" {
		log.Printf("WARNING: no durable storage reachable, history is kept for this process only")
	}
	log.Printf("Using %s for history storage", backends.Kind())

	digester := digest.NewDelegating(cfg.DigestAlgorithm, cfg.DelegateThreshold, cfg.DelegateTimeout)
	defer digester.Close()

	service := app.New(cfg, backends, digester)
	defer func() {
		if err := service.Close(); err != nil {
			log.Printf("close histories: %v", err)
		}
	}()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("revstore API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("server stopped: %v", err)
	}
}

func openRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
