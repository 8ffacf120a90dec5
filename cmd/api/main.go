package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Dallinger/Dallinger-sub000/internal/api"
	"github.com/Dallinger/Dallinger-sub000/internal/config"
	"github.com/Dallinger/Dallinger-sub000/internal/counter"
	"github.com/Dallinger/Dallinger-sub000/internal/notify"
	"github.com/Dallinger/Dallinger-sub000/internal/queue"
	"github.com/Dallinger/Dallinger-sub000/internal/ratelimit"
	"github.com/Dallinger/Dallinger-sub000/internal/recruiter"
	"github.com/Dallinger/Dallinger-sub000/internal/store"
	"github.com/Dallinger/Dallinger-sub000/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.NewRedisQueueWithClient(redisClient, cfg)
	limiter := ratelimit.NewSourceLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	registry, err := recruiter.BuildRegistry(ctx, recruiter.Deps{
		Config: cfg,
		KV:     counter.NewRedisKV(redisClient, "recruiter"),
		Queue:  q,
		Ledger: st,
		Admin:  notify.FromConfig(cfg),
	}, counter.NewRedisCounter(redisClient))
	if err != nil {
		log.Fatalf("build recruiter registry: %v", err)
	}

	// The synchronous notification route shares the worker's dispatch logic.
	runner := worker.NewRunner(cfg, q, st, registry, worker.DefaultHooks(), worker.NewHTTPBot(cfg.BaseURL, q))

	server := api.New(cfg, st, q, limiter, registry, runner)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
