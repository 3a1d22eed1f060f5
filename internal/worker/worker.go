// Package worker runs the per-process control loop: poll the store, claim a
// job, dispatch it through the service's connector, monitor until terminal,
// report, go idle. No central scheduler exists; every worker competes
// independently against the shared store.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pixelforge/dispatchd/internal/connector"
	"github.com/pixelforge/dispatchd/internal/domain"
	"github.com/pixelforge/dispatchd/internal/metrics"
	"github.com/pixelforge/dispatchd/internal/store"
)

// ConnectorResolver maps a service name to its connector.
type ConnectorResolver interface {
	For(service string) (connector.Connector, error)
}

// Archiver receives terminal jobs for durable history. Optional.
type Archiver interface {
	Record(ctx context.Context, j *domain.Job) error
}

type Options struct {
	PollInterval     time.Duration
	HeartbeatEvery   time.Duration
	HeartbeatTTL     time.Duration
	MaxScan          int
	InactivityWindow time.Duration
	HealthTimeout    time.Duration
	ClaimAttempts    int
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.HeartbeatEvery <= 0 {
		o.HeartbeatEvery = 5 * time.Second
	}
	if o.HeartbeatTTL <= 0 {
		o.HeartbeatTTL = 3 * o.HeartbeatEvery
	}
	if o.MaxScan <= 0 {
		o.MaxScan = 100
	}
	if o.InactivityWindow <= 0 {
		o.InactivityWindow = 30 * time.Second
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 5 * time.Second
	}
	if o.ClaimAttempts <= 0 {
		o.ClaimAttempts = 3
	}
}

type Worker struct {
	st   store.Store
	conn ConnectorResolver
	arch Archiver
	opts Options
	log  *zap.Logger

	mu   sync.Mutex
	info domain.WorkerInfo
}

func New(st store.Store, conn ConnectorResolver, info domain.WorkerInfo, opts Options, log *zap.Logger) *Worker {
	opts.defaults()
	info.Status = domain.WorkerIdle
	return &Worker{
		st:   st,
		conn: conn,
		opts: opts,
		log:  log.With(zap.String("worker_id", info.ID)),
		info: info,
	}
}

// WithArchive makes the worker copy terminal jobs into the archive.
func (w *Worker) WithArchive(a Archiver) *Worker {
	w.arch = a
	return w
}

// snapshot copies the registration record under the lock; the heartbeat
// goroutine and the poll loop both touch it.
func (w *Worker) snapshot() domain.WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.info
}

func (w *Worker) setBusy(jobID string) {
	w.mu.Lock()
	w.info.Status = domain.WorkerBusy
	w.info.CurrentJobID = &jobID
	w.mu.Unlock()
}

func (w *Worker) setIdle() {
	w.mu.Lock()
	w.info.Status = domain.WorkerIdle
	w.info.CurrentJobID = nil
	w.mu.Unlock()
}

// Run drives the loop until the context ends. Heartbeats run alongside.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.publish(ctx); err != nil {
		return errors.Wrap(err, "register worker")
	}
	w.log.Info("worker started", zap.Strings("services", w.info.Services))

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go w.heartbeatLoop(hbCtx)

	for {
		job, err := w.claim(ctx)
		switch {
		case err == domain.ErrNoMatch || err == domain.ErrClaimRaceLost:
			// nothing for us this cycle
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			w.log.Warn("claim failed", zap.Error(err))
		default:
			w.process(ctx, job)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.opts.PollInterval):
		}
	}
}

// claim polls the store with bounded retry and exponential backoff for
// transient errors. A no-match result is returned as-is; the loop just waits
// out the poll interval.
func (w *Worker) claim(ctx context.Context) (*domain.Job, error) {
	info := w.snapshot()
	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < w.opts.ClaimAttempts; attempt++ {
		job, err := w.st.Claim(ctx, &info, w.opts.MaxScan)
		if err == nil {
			metrics.ClaimsTotal.WithLabelValues(job.ServiceRequired).Inc()
			return job, nil
		}
		if err == domain.ErrNoMatch {
			return nil, err
		}
		if err == domain.ErrClaimRaceLost {
			metrics.ClaimRacesTotal.Inc()
			lastErr = err
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

// process owns the job from claim to terminal status (or requeue). It is the
// only goroutine mutating this job record while the worker stays alive.
func (w *Worker) process(ctx context.Context, job *domain.Job) {
	log := w.log.With(zap.String("job_id", job.ID), zap.String("service", job.ServiceRequired))
	started := time.Now()

	w.setBusy(job.ID)
	w.publish(ctx) // fleet visibility should not wait for the next tick
	defer func() {
		w.setIdle()
		w.publish(ctx)
	}()

	conn, err := w.conn.For(job.ServiceRequired)
	if err != nil {
		log.Error("no connector for service", zap.Error(err))
		w.requeue(ctx, job, "no connector: "+err.Error())
		return
	}

	serviceJobID, err := conn.Submit(ctx, job)
	if err != nil {
		log.Warn("submission failed", zap.Error(err))
		w.requeue(ctx, job, err.Error())
		return
	}
	// the handle must be durable before anything else happens; it is the
	// only way anyone can find this job again
	if err := w.st.MarkInProgress(ctx, job.ID, serviceJobID); err != nil {
		log.Error("persisting service job id failed, cancelling upstream", zap.Error(err))
		cctx, cancel := context.WithTimeout(context.Background(), w.opts.HealthTimeout)
		job.ServiceJobID = &serviceJobID
		conn.Cancel(cctx, job)
		cancel()
		w.requeue(ctx, job, "store unavailable after submit")
		return
	}
	job.Status = domain.InProgress
	job.ServiceJobID = &serviceJobID
	log.Info("job submitted", zap.String("service_job_id", serviceJobID))

	status, reason, result := w.monitorJob(ctx, conn, job, log)

	switch status {
	case domain.Completed:
		if err := w.st.Complete(ctx, job.ID, result); err != nil {
			log.Error("recording completion failed", zap.Error(err))
			return
		}
	case domain.Pending:
		w.requeue(ctx, job, reason)
		return
	default:
		if err := w.st.Finish(ctx, job.ID, status, reason); err != nil {
			log.Error("recording terminal status failed", zap.Error(err))
			return
		}
	}
	metrics.JobsFinishedTotal.WithLabelValues(job.ServiceRequired, string(status)).Inc()
	metrics.JobDurationSeconds.WithLabelValues(job.ServiceRequired).Observe(time.Since(started).Seconds())
	log.Info("job finished", zap.String("status", string(status)), zap.Duration("took", time.Since(started)))

	if w.arch != nil {
		final, err := w.st.Get(ctx, job.ID)
		if err == nil {
			err = w.arch.Record(ctx, final)
		}
		if err != nil {
			log.Warn("archiving failed", zap.Error(err))
		}
	}
}

// requeue returns the job for another claim, honoring the retry budget. It
// must still work during shutdown, when the loop context is already gone.
func (w *Worker) requeue(ctx context.Context, job *domain.Job, reason string) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	requeued, err := w.st.Requeue(ctx, job.ID, reason)
	if err != nil {
		w.log.Error("requeue failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if requeued {
		metrics.RequeuesTotal.WithLabelValues("worker").Inc()
	} else {
		metrics.JobsFinishedTotal.WithLabelValues(job.ServiceRequired, string(domain.Failed)).Inc()
		w.log.Warn("retry budget exhausted", zap.String("job_id", job.ID), zap.String("reason", reason))
	}
}
