package connector

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pixelforge/dispatchd/internal/domain"
	"github.com/pixelforge/dispatchd/internal/servicemap"
)

// Poll speaks pure request/response HTTP: submit posts the job, monitoring
// polls the status endpoint on an interval.
type Poll struct {
	base
	interval time.Duration
}

func NewPoll(service string, spec servicemap.ServiceSpec, log *zap.Logger) *Poll {
	return &Poll{base: newBase(service, spec, log), interval: 2 * time.Second}
}

func (p *Poll) Submit(ctx context.Context, job *domain.Job) (string, error) {
	return p.submitHTTP(ctx, job)
}

func (p *Poll) Monitor(ctx context.Context, job *domain.Job, onProgress ProgressFunc) (*Event, error) {
	if job.ServiceJobID == nil {
		return nil, domain.ErrJobNotFound
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, monitorCancelled(ctx)
		case <-ticker.C:
		}
		st, code, err := p.fetchStatus(ctx, *job.ServiceJobID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, monitorCancelled(ctx)
			}
			// transient; the next tick retries, the recovery monitor
			// covers anything persistent
			p.log.Warn("status poll failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if code == http.StatusNotFound {
			// same state the health check maps to not-found: the job is
			// not failed, it is lost; surface an error so the recovery
			// path confirms and requeues it
			return nil, errors.Wrap(domain.ErrJobNotFound, "job disappeared from service")
		}
		ev := eventFromStatus(st)
		onProgress(ev)
		if ev.Phase.Terminal() {
			return &ev, nil
		}
	}
}

func (p *Poll) Cancel(ctx context.Context, job *domain.Job) error {
	if job.ServiceJobID == nil {
		return nil
	}
	return p.cancelHTTP(ctx, *job.ServiceJobID)
}

func (p *Poll) HealthCheck(ctx context.Context, job *domain.Job) (*Health, error) {
	return p.healthHTTP(ctx, job)
}
