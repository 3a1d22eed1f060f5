package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pixelforge/dispatchd/internal/connector"
	"github.com/pixelforge/dispatchd/internal/domain"
	"github.com/pixelforge/dispatchd/internal/metrics"
)

type monitorOutcome struct {
	ev  *connector.Event
	err error
}

// monitorJob follows a submitted job until something terminal is known. Three
// things can end it: a terminal event on the normal monitoring channel, the
// job's own timeout, or the health-check recovery path deciding out of band.
// The returned status Pending means "requeue": nothing completed and the job
// should go back for any worker to claim.
func (w *Worker) monitorJob(ctx context.Context, conn connector.Connector, job *domain.Job, log *zap.Logger) (domain.Status, string, []byte) {
	deadline := time.NewTimer(job.Timeout())
	defer deadline.Stop()

	// reset by every progress event; firing means the normal channel has
	// gone quiet while the job is supposedly still running
	watchdog := time.NewTimer(w.opts.InactivityWindow)
	defer watchdog.Stop()

	cancelPoll := time.NewTicker(w.opts.PollInterval)
	defer cancelPoll.Stop()

	progressCh := make(chan connector.Event, 16)
	onProgress := func(ev connector.Event) {
		select {
		case progressCh <- ev:
		default:
		}
	}

	monCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	resCh := make(chan monitorOutcome, 1)
	startMonitor := func() {
		go func() {
			ev, err := conn.Monitor(monCtx, job, onProgress)
			resCh <- monitorOutcome{ev: ev, err: err}
		}()
	}
	startMonitor()

	for {
		select {
		case <-ctx.Done():
			return domain.Pending, "worker shutting down", nil

		case out := <-resCh:
			if out.err == nil && out.ev != nil {
				if out.ev.Phase == connector.PhaseCompleted {
					return domain.Completed, "", out.ev.Result
				}
				return domain.Failed, out.ev.Reason, nil
			}
			// the channel broke mid-flight; ask the service what
			// actually happened before deciding anything
			log.Warn("monitor channel lost", zap.Error(out.err))
			status, reason, result, resolved := w.checkStalled(ctx, conn, job, log)
			if resolved {
				return status, reason, result
			}
			// still running out there; reattach and keep watching
			select {
			case <-time.After(w.opts.PollInterval):
			case <-ctx.Done():
				return domain.Pending, "worker shutting down", nil
			}
			startMonitor()

		case ev := <-progressCh:
			watchdog.Reset(w.opts.InactivityWindow)
			if !ev.Phase.Terminal() {
				if err := w.st.Progress(ctx, job.ID); err != nil {
					log.Warn("recording progress failed", zap.Error(err))
				}
			}

		case <-watchdog.C:
			status, reason, result, resolved := w.checkStalled(ctx, conn, job, log)
			if resolved {
				stopMonitor()
				return status, reason, result
			}
			watchdog.Reset(w.opts.InactivityWindow)

		case <-deadline.C:
			log.Warn("job timed out", zap.Duration("timeout", job.Timeout()))
			cctx, cancel := context.WithTimeout(context.Background(), w.opts.HealthTimeout)
			conn.Cancel(cctx, job)
			cancel()
			stopMonitor()
			return domain.TimedOut, "exceeded timeout", nil

		case <-cancelPoll.C:
			requested, err := w.st.CancelRequested(ctx, job.ID)
			if err != nil {
				log.Warn("cancel check failed", zap.Error(err))
				continue
			}
			if requested {
				cctx, cancel := context.WithTimeout(context.Background(), w.opts.HealthTimeout)
				conn.Cancel(cctx, job)
				cancel()
				stopMonitor()
				return domain.Cancelled, "cancelled by request", nil
			}
		}
	}
}

// checkStalled is the recovery state machine: query the out-of-band truth and
// act on exactly what it says. resolved=false means the job is genuinely
// still running (or the check itself timed out) and normal monitoring should
// continue.
func (w *Worker) checkStalled(ctx context.Context, conn connector.Connector, job *domain.Job, log *zap.Logger) (status domain.Status, reason string, result []byte, resolved bool) {
	hctx, cancel := context.WithTimeout(ctx, w.opts.HealthTimeout)
	defer cancel()
	h, err := conn.HealthCheck(hctx, job)
	if err != nil {
		// a timed-out or failed check proves nothing; never guess
		// completion
		log.Warn("health check inconclusive", zap.Error(err))
		metrics.RecoveryActionsTotal.WithLabelValues("inconclusive").Inc()
		return "", "", nil, false
	}
	switch h.State {
	case connector.HealthCompleted:
		// the completion signal was lost (cache hit, dropped stream);
		// record it as if it had arrived normally
		log.Info("health check found job completed")
		metrics.RecoveryActionsTotal.WithLabelValues("completed").Inc()
		return domain.Completed, "", h.Result, true
	case connector.HealthFailed:
		metrics.RecoveryActionsTotal.WithLabelValues("failed").Inc()
		return domain.Failed, h.Reason, nil, true
	case connector.HealthNotFound:
		// the submission never registered; let any worker pick it up
		log.Warn("service does not know this job, requeueing")
		metrics.RecoveryActionsTotal.WithLabelValues("not_found").Inc()
		return domain.Pending, "service lost the job", nil, true
	default: // HealthRunning
		metrics.RecoveryActionsTotal.WithLabelValues("running").Inc()
		return "", "", nil, false
	}
}
