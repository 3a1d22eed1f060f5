package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pixelforge/dispatchd/internal/config"
	"github.com/pixelforge/dispatchd/internal/connector"
	"github.com/pixelforge/dispatchd/internal/metrics"
	"github.com/pixelforge/dispatchd/internal/reaper"
	"github.com/pixelforge/dispatchd/internal/servicemap"
	"github.com/pixelforge/dispatchd/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := cfg.Logger()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	svc, err := servicemap.Load(cfg.ServiceMapPath)
	if err != nil {
		logger.Fatal("service mapping invalid", zap.Error(err))
	}

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	st := store.NewRedis(rdb)
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("reaper started", zap.Duration("sweep_interval", cfg.SweepInterval))
	rp := reaper.New(st, connector.NewRegistry(svc, logger), reaper.Options{
		SweepInterval: cfg.SweepInterval,
		HealthTimeout: cfg.HealthTimeout,
	}, logger)
	if err := rp.Run(ctx); err != nil {
		logger.Fatal("reaper exited", zap.Error(err))
	}
}
