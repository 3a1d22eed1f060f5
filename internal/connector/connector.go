// Package connector adapts the generic job contract onto a specific external
// generation backend. Three variants share one interface: poll
// (request/response HTTP for submit and status), stream (persistent
// websocket), and hybrid (HTTP submit, websocket monitoring).
package connector

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pixelforge/dispatchd/internal/domain"
	"github.com/pixelforge/dispatchd/internal/servicemap"
)

// Event is one progress or terminal signal from the external service.
type Event struct {
	Phase    Phase   `json:"phase"`
	Progress float64 `json:"progress"`
	Result   []byte  `json:"result,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

type Phase string

const (
	PhaseQueued    Phase = "queued"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

func (p Phase) Terminal() bool { return p == PhaseCompleted || p == PhaseFailed }

type ProgressFunc func(Event)

// Health is the out-of-band truth about a job, queried directly from the
// external service by its stored service job id. Connectors translate every
// service-specific state into exactly these four outcomes.
type Health struct {
	State  HealthState
	Result []byte
	Reason string
}

type HealthState string

const (
	HealthCompleted HealthState = "completed"
	HealthFailed    HealthState = "failed"
	HealthRunning   HealthState = "running"
	HealthNotFound  HealthState = "not_found"
)

type Connector interface {
	// Submit starts the job on the external service and returns its handle
	// there. Callers must persist the handle before doing anything else.
	Submit(ctx context.Context, job *domain.Job) (serviceJobID string, err error)

	// Monitor follows the job until a terminal event, invoking onProgress
	// for every signal received (terminal ones included). It returns the
	// terminal event.
	Monitor(ctx context.Context, job *domain.Job, onProgress ProgressFunc) (*Event, error)

	// Cancel asks the external service to stop the job. Best effort.
	Cancel(ctx context.Context, job *domain.Job) error

	// HealthCheck queries job state out of band, independent of whatever
	// channel normally carries progress.
	HealthCheck(ctx context.Context, job *domain.Job) (*Health, error)
}

// Registry builds and caches one connector per service name from the
// ServiceMapping configuration.
type Registry struct {
	cfg *servicemap.Config
	log *zap.Logger

	mu    sync.Mutex
	conns map[string]Connector
}

func NewRegistry(cfg *servicemap.Config, log *zap.Logger) *Registry {
	return &Registry{cfg: cfg, log: log, conns: make(map[string]Connector)}
}

func (r *Registry) For(service string) (Connector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[service]; ok {
		return c, nil
	}
	spec, err := r.cfg.Service(service)
	if err != nil {
		return nil, err
	}
	var c Connector
	switch spec.Connector {
	case "poll":
		c = NewPoll(service, spec, r.log)
	case "stream":
		c = NewStream(service, spec, r.log)
	case "hybrid":
		c = NewHybrid(service, spec, r.log)
	default:
		return nil, errors.Errorf("service %q: unknown connector %q", service, spec.Connector)
	}
	r.conns[service] = c
	return c, nil
}
