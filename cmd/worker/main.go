package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pixelforge/dispatchd/internal/archive"
	"github.com/pixelforge/dispatchd/internal/config"
	"github.com/pixelforge/dispatchd/internal/connector"
	"github.com/pixelforge/dispatchd/internal/domain"
	"github.com/pixelforge/dispatchd/internal/metrics"
	"github.com/pixelforge/dispatchd/internal/servicemap"
	"github.com/pixelforge/dispatchd/internal/store"
	"github.com/pixelforge/dispatchd/internal/worker"
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

	if cfg.WorkerType == "" {
		logger.Fatal("WORKER_TYPE is required")
	}
	svc, err := servicemap.Load(cfg.ServiceMapPath)
	if err != nil {
		logger.Fatal("service mapping invalid", zap.Error(err))
	}
	services, err := svc.ServicesFor(cfg.WorkerType)
	if err != nil {
		logger.Fatal("unknown worker type", zap.Error(err))
	}
	caps, err := loadCapabilities()
	if err != nil {
		logger.Fatal("capabilities invalid", zap.Error(err))
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = cfg.WorkerType + "-" + uuid.NewString()[:8]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	st := store.NewRedis(rdb)
	metrics.Register()

	w := worker.New(st, connector.NewRegistry(svc, logger), domain.WorkerInfo{
		ID:           workerID,
		Services:     services,
		Capabilities: caps,
	}, worker.Options{
		PollInterval:     cfg.PollInterval,
		HeartbeatEvery:   cfg.HeartbeatEvery,
		HeartbeatTTL:     cfg.HeartbeatTTL,
		MaxScan:          cfg.MaxScan,
		InactivityWindow: cfg.InactivityWindow,
		HealthTimeout:    cfg.HealthTimeout,
	}, logger)

	if cfg.PostgresDSN != "" {
		db, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("archive database unavailable", zap.Error(err))
		}
		defer db.Close()
		w.WithArchive(archive.New(db))
	}

	msrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error {
		if err := msrv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		msrv.Shutdown(context.Background())
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Fatal("worker exited", zap.Error(err))
	}
}

// loadCapabilities reads the worker's static capability tree from
// CAPABILITIES_PATH (JSON). Missing path means no declared capabilities,
// which matches any job with an empty requirement set.
func loadCapabilities() (domain.Capabilities, error) {
	path := os.Getenv("CAPABILITIES_PATH")
	if path == "" {
		return domain.Capabilities{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var caps domain.Capabilities
	if err := json.Unmarshal(raw, &caps); err != nil {
		return nil, err
	}
	return caps, nil
}
