// Command dialerd is the long-running scheduler: it runs every configured
// campaign on a cron inside the calling window and serves the trigger API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"calldirector/internal/auth"
	"calldirector/internal/config"
	"calldirector/internal/engine"
	"calldirector/pkg/logger"
	"calldirector/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	svc, closeRedis, err := buildService(rootCtx, cfg, log)
	if err != nil {
		log.Error("engine init failed", "err", err)
		os.Exit(1)
	}
	defer closeRedis()

	// Campaign cron: one tick per weekday at window start, in the calling
	// window's timezone. Each campaign runs independently; a failure in one
	// never blocks another.
	sched := cron.New(cron.WithLocation(cfg.Location()))
	spec := fmt.Sprintf("0 %d * * 1-5", cfg.Dialing.WindowStartHour)
	for _, name := range svc.Campaigns() {
		name := name
		_, err := sched.AddFunc(spec, func() {
			rep, err := svc.Run(rootCtx, name)
			if err != nil {
				log.Error("scheduled run failed", "campaign", name, "error", err)
				return
			}
			log.Info("scheduled run finished",
				"campaign", name, "run_id", rep.RunID,
				"placed", rep.Placed, "recorded", rep.Recorded,
				"failed", rep.Failed, "unrecorded", rep.Unrecorded)
		})
		if err != nil {
			log.Error("cron registration failed", "campaign", name, "err", err)
			os.Exit(1)
		}
		log.Info("campaign scheduled", "campaign", name, "spec", spec, "tz", cfg.Dialing.Timezone)
	}
	sched.Start()
	defer sched.Stop()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, svc, authManager, log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("dialerd listening", "addr", srv.Addr, "env", cfg.App.Env, "campaigns", svc.Campaigns())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

func buildService(ctx context.Context, cfg config.Config, log *slog.Logger) (*engine.Service, func(), error) {
	if cfg.Redis.Addr == "" {
		log.Warn("REDIS_ADDR not set, hourly call budget will not survive restarts")
		svc, err := engine.NewService(cfg, nil, log)
		return svc, func() {}, err
	}
	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.Redis.Addr})
	if err != nil {
		return nil, nil, err
	}
	svc, err := engine.NewService(cfg, rdb, log)
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return svc, func() { _ = rdb.Close() }, nil
}
