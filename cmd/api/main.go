package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pixelforge/dispatchd/internal/api"
	"github.com/pixelforge/dispatchd/internal/config"
	"github.com/pixelforge/dispatchd/internal/metrics"
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

	srv := &http.Server{Addr: cfg.APIAddr, Handler: api.New(st, svc, logger).Router()}
	msrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := msrv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		srv.Shutdown(context.Background())
		msrv.Shutdown(context.Background())
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
}
