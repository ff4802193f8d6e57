package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gymhealth_checkout/internal/config"
	"gymhealth_checkout/internal/logging"
	"gymhealth_checkout/internal/services"
	"gymhealth_checkout/internal/tasks"
)

func main() {
	// Create context that cancels on interrupt
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		panic(err)
	}
	log := logging.MustNewLogger("gymhealth-worker", cfg.Env)
	defer func() { _ = log.Sync() }()

	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL not set")
	}
	db, err := services.InitDB(cfg.Database.URL, log)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := services.AutoMigrate(db, log); err != nil {
		log.Fatal("failed to run database migrations", zap.Error(err))
	}

	cache, err := services.NewRedisCache(cfg.Redis.URL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer cache.Close()

	// The worker holds no live interpreters: reconcile works from the database and the
	// tokens cached by the server.
	metrics := services.NewMetrics(prometheus.DefaultRegisterer)
	gymAPI := services.NewGymAPIService(cfg.GymAPI, log)
	members := services.NewMemberService(gymAPI, cache, cfg.Cache)
	checkouts := services.NewCheckoutService(db, cache, gymAPI, members, metrics, cfg.Checkout, log)

	registry := tasks.NewRegistry()
	tasks.DefineTasks(registry)
	runner := tasks.NewRunner(registry, tasks.Deps{DB: db, Checkouts: checkouts, Log: log}, metrics.TaskRuns)

	if n, err := tasks.SeedRecurring(ctx, db, time.Now()); err != nil {
		log.Error("failed to seed recurring tasks", zap.Error(err))
	} else if n > 0 {
		log.Info("seeded recurring tasks", zap.Int("count", n))
	}

	if cfg.Worker.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.Worker.MetricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	log.Info("worker started", zap.Duration("interval", cfg.Worker.Interval), zap.Strings("tasks", registry.Names()))

	ticker := time.NewTicker(cfg.Worker.Interval)
	defer ticker.Stop()

	// Run once on start, then on every tick
	runDue(ctx, runner, log)
	for {
		select {
		case <-ticker.C:
			runDue(ctx, runner, log)
		case <-ctx.Done():
			log.Info("shutting down worker")
			return
		}
	}
}

func runDue(ctx context.Context, runner *tasks.Runner, log *zap.Logger) {
	if _, err := runner.RunDue(ctx); err != nil && ctx.Err() == nil {
		log.Error("failed to run due tasks", zap.Error(err))
	}
}
