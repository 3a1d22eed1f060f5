// Package reaper is the store-side sweep process. It reconciles jobs held by
// workers that stopped heartbeating, and moves jobs no registered worker can
// ever satisfy out of the pending scan (and back, when capabilities change).
package reaper

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pixelforge/dispatchd/internal/connector"
	"github.com/pixelforge/dispatchd/internal/domain"
	"github.com/pixelforge/dispatchd/internal/metrics"
	"github.com/pixelforge/dispatchd/internal/store"
)

type ConnectorResolver interface {
	For(service string) (connector.Connector, error)
}

type Options struct {
	SweepInterval time.Duration
	HealthTimeout time.Duration
	ScanLimit     int
}

type Reaper struct {
	st   store.Store
	conn ConnectorResolver
	opts Options
	log  *zap.Logger
}

func New(st store.Store, conn ConnectorResolver, opts Options, log *zap.Logger) *Reaper {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	if opts.ScanLimit <= 0 {
		opts.ScanLimit = 500
	}
	return &Reaper{st: st, conn: conn, opts: opts, log: log}
}

// Run sweeps on a ticker until the context ends.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass of all three reconciliations.
func (r *Reaper) Sweep(ctx context.Context) {
	if err := r.reconcileStaleWorkers(ctx); err != nil {
		r.log.Error("stale worker sweep failed", zap.Error(err))
	}
	if err := r.sweepUnworkable(ctx); err != nil {
		r.log.Error("unworkable sweep failed", zap.Error(err))
	}
	if err := r.reviveUnworkable(ctx); err != nil {
		r.log.Error("unworkable revival failed", zap.Error(err))
	}
}

// reconcileStaleWorkers handles jobs stranded by dead workers. Every held
// job is health-checked through its own connector first; the external
// service may have finished the work after the worker died, and blindly
// requeueing would run it twice.
func (r *Reaper) reconcileStaleWorkers(ctx context.Context) error {
	stale, err := r.st.StaleWorkers(ctx)
	if err != nil {
		return err
	}
	for _, workerID := range stale {
		jobs, err := r.st.WorkerJobs(ctx, workerID)
		if err != nil {
			return err
		}
		r.log.Warn("stale worker detected",
			zap.String("worker_id", workerID), zap.Int("held_jobs", len(jobs)))

		// each job is independent; check them concurrently so one slow
		// backend cannot stall the whole sweep
		g, gctx := errgroup.WithContext(ctx)
		var unresolved atomic.Int32
		for _, job := range jobs {
			job := job
			if job.Status.Terminal() {
				continue
			}
			g.Go(func() error {
				if !r.reconcileJob(gctx, job) {
					unresolved.Add(1)
				}
				return nil
			})
		}
		g.Wait()
		if unresolved.Load() == 0 {
			if err := r.st.DeregisterWorker(ctx, workerID); err != nil {
				r.log.Error("deregister failed", zap.String("worker_id", workerID), zap.Error(err))
			}
		}
	}
	return nil
}

// reconcileJob resolves one stranded job. Returns false when the outcome is
// still unknown (health check timed out) and the job must wait for the next
// sweep.
func (r *Reaper) reconcileJob(ctx context.Context, job *domain.Job) bool {
	log := r.log.With(zap.String("job_id", job.ID), zap.String("service", job.ServiceRequired))

	conn, err := r.conn.For(job.ServiceRequired)
	if err != nil {
		log.Error("no connector; requeueing with retry accounting", zap.Error(err))
		return r.requeue(ctx, job, "stale worker, connector unavailable")
	}

	hctx, cancel := context.WithTimeout(ctx, r.opts.HealthTimeout)
	defer cancel()
	h, err := conn.HealthCheck(hctx, job)
	if err != nil {
		// unknown outcome: conservatively leave the job alone; the
		// next sweep retries the check
		log.Warn("health check inconclusive, deferring", zap.Error(err))
		metrics.RecoveryActionsTotal.WithLabelValues("inconclusive").Inc()
		return false
	}

	switch h.State {
	case connector.HealthCompleted:
		log.Info("dead worker's job actually completed, recording result")
		metrics.RecoveryActionsTotal.WithLabelValues("completed").Inc()
		if err := r.st.Complete(ctx, job.ID, h.Result); err != nil {
			log.Error("recording completion failed", zap.Error(err))
			return false
		}
		return true
	case connector.HealthFailed:
		metrics.RecoveryActionsTotal.WithLabelValues("failed").Inc()
		if err := r.st.Finish(ctx, job.ID, domain.Failed, h.Reason); err != nil {
			log.Error("recording failure failed", zap.Error(err))
			return false
		}
		return true
	default:
		// running or not found: confirmed non-completion either way,
		// since nobody is monitoring it anymore
		metrics.RecoveryActionsTotal.WithLabelValues(string(h.State)).Inc()
		return r.requeue(ctx, job, "worker lost")
	}
}

func (r *Reaper) requeue(ctx context.Context, job *domain.Job, reason string) bool {
	requeued, err := r.st.Requeue(ctx, job.ID, reason)
	if err != nil {
		r.log.Error("requeue failed", zap.String("job_id", job.ID), zap.Error(err))
		return false
	}
	if requeued {
		metrics.RequeuesTotal.WithLabelValues("stale_worker").Inc()
	} else {
		metrics.JobsFinishedTotal.WithLabelValues(job.ServiceRequired, string(domain.Failed)).Inc()
	}
	return true
}

// sweepUnworkable moves pending jobs no live worker can satisfy out of the
// scan path so they stop burning claim cycles.
func (r *Reaper) sweepUnworkable(ctx context.Context) error {
	workers, err := r.st.Workers(ctx)
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		// an empty fleet says nothing about workability
		return nil
	}
	jobs, err := r.st.PendingJobs(ctx, r.opts.ScanLimit)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if anyCanWork(workers, job) {
			continue
		}
		r.log.Warn("no registered worker can satisfy job",
			zap.String("job_id", job.ID), zap.String("service", job.ServiceRequired))
		if err := r.st.MarkUnworkable(ctx, job.ID); err != nil {
			return err
		}
	}
	return nil
}

// reviveUnworkable returns parked jobs to pending once the fleet can serve
// them again.
func (r *Reaper) reviveUnworkable(ctx context.Context) error {
	workers, err := r.st.Workers(ctx)
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		return nil
	}
	jobs, err := r.st.UnworkableJobs(ctx, r.opts.ScanLimit)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if !anyCanWork(workers, job) {
			continue
		}
		r.log.Info("capabilities changed, reviving job", zap.String("job_id", job.ID))
		metrics.RequeuesTotal.WithLabelValues("revived").Inc()
		if err := r.st.Revive(ctx, job.ID); err != nil {
			return err
		}
	}
	return nil
}

func anyCanWork(workers []*domain.WorkerInfo, job *domain.Job) bool {
	for _, w := range workers {
		if w.CanWork(job) {
			return true
		}
	}
	return false
}
