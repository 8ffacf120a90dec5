package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/Dallinger/Dallinger-sub000/internal/config"
	"github.com/Dallinger/Dallinger-sub000/internal/counter"
	"github.com/Dallinger/Dallinger-sub000/internal/notify"
	"github.com/Dallinger/Dallinger-sub000/internal/queue"
	"github.com/Dallinger/Dallinger-sub000/internal/recruiter"
	"github.com/Dallinger/Dallinger-sub000/internal/store"
	"github.com/Dallinger/Dallinger-sub000/internal/telemetry"
	"github.com/Dallinger/Dallinger-sub000/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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

	runner := worker.NewRunner(cfg, q, st, registry, worker.DefaultHooks(), worker.NewHTTPBot(cfg.BaseURL, q))
	sweeper := worker.NewSweeper(cfg, st, registry)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()
	go func() {
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("sweeper stopped: %v", err)
		}
	}()

	log.Printf("worker started with visibility=%s poll=%s", cfg.VisibilityTimeout, cfg.WorkerPollInterval)
	if err := runner.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
