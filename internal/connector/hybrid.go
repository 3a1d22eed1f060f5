package connector

import (
	"context"

	"go.uber.org/zap"

	"github.com/pixelforge/dispatchd/internal/domain"
	"github.com/pixelforge/dispatchd/internal/servicemap"
)

// Hybrid submits over request/response HTTP but monitors over the streaming
// surface: backends that queue submissions cheaply but push progress events.
// Health checks and cancellation use the HTTP side, so they stay usable when
// the stream is the thing that broke.
type Hybrid struct {
	base
	stream *Stream
}

func NewHybrid(service string, spec servicemap.ServiceSpec, log *zap.Logger) *Hybrid {
	return &Hybrid{base: newBase(service, spec, log), stream: NewStream(service, spec, log)}
}

func (h *Hybrid) Submit(ctx context.Context, job *domain.Job) (string, error) {
	return h.submitHTTP(ctx, job)
}

func (h *Hybrid) Monitor(ctx context.Context, job *domain.Job, onProgress ProgressFunc) (*Event, error) {
	// no submission conn exists on the stream side; Monitor attaches by
	// service job id
	return h.stream.Monitor(ctx, job, onProgress)
}

func (h *Hybrid) Cancel(ctx context.Context, job *domain.Job) error {
	if job.ServiceJobID == nil {
		return nil
	}
	return h.cancelHTTP(ctx, *job.ServiceJobID)
}

func (h *Hybrid) HealthCheck(ctx context.Context, job *domain.Job) (*Health, error) {
	return h.healthHTTP(ctx, job)
}
