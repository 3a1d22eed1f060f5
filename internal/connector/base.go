package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pixelforge/dispatchd/internal/domain"
	"github.com/pixelforge/dispatchd/internal/servicemap"
)

// base carries the bookkeeping every variant shares: service identity, the
// HTTP client and the request/response protocol spoken by the backends'
// management surface.
type base struct {
	service string
	spec    servicemap.ServiceSpec
	httpc   *http.Client
	log     *zap.Logger
}

func newBase(service string, spec servicemap.ServiceSpec, log *zap.Logger) base {
	return base{
		service: service,
		spec:    spec,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		log:     log.With(zap.String("service", service)),
	}
}

type submitRequest struct {
	JobID   string          `json:"job_id"`
	JobType string          `json:"job_type,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type submitResponse struct {
	ServiceJobID string `json:"service_job_id"`
}

// statusResponse is the generation backends' management-surface view of a
// job.
type statusResponse struct {
	Status   string          `json:"status"`
	Progress float64         `json:"progress"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// submitHTTP starts a job over the request/response surface. Used directly
// by the poll and hybrid variants.
func (b *base) submitHTTP(ctx context.Context, job *domain.Job) (string, error) {
	body, err := json.Marshal(submitRequest{JobID: job.ID, Payload: job.Payload})
	if err != nil {
		return "", errors.Wrap(err, "marshal submit")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.spec.Endpoint+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build submit request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.httpc.Do(req)
	if err != nil {
		return "", errors.Wrap(domain.ErrSubmissionFailed, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errors.Wrapf(domain.ErrSubmissionFailed, "service returned %d", resp.StatusCode)
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(domain.ErrSubmissionFailed, err.Error())
	}
	if out.ServiceJobID == "" {
		return "", errors.Wrap(domain.ErrSubmissionFailed, "empty service job id")
	}
	return out.ServiceJobID, nil
}

// fetchStatus reads the job's current state over HTTP. io.EOF-style body
// problems surface as errors; a 404 maps to HealthNotFound by callers.
func (b *base) fetchStatus(ctx context.Context, serviceJobID string) (*statusResponse, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.spec.Endpoint+"/jobs/"+serviceJobID, nil)
	if err != nil {
		return nil, 0, errors.Wrap(err, "build status request")
	}
	resp, err := b.httpc.Do(req)
	if err != nil {
		return nil, 0, errors.Wrap(err, "status request")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, errors.Errorf("status request returned %d", resp.StatusCode)
	}
	var st statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, "decode status")
	}
	return &st, resp.StatusCode, nil
}

// cancelHTTP posts a best-effort cancellation.
func (b *base) cancelHTTP(ctx context.Context, serviceJobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.spec.Endpoint+"/jobs/"+serviceJobID+"/cancel", nil)
	if err != nil {
		return errors.Wrap(err, "build cancel request")
	}
	resp, err := b.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "cancel request")
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// healthHTTP maps the status surface onto the four-outcome health contract.
func (b *base) healthHTTP(ctx context.Context, job *domain.Job) (*Health, error) {
	if job.ServiceJobID == nil {
		return &Health{State: HealthNotFound}, nil
	}
	st, code, err := b.fetchStatus(ctx, *job.ServiceJobID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.ErrHealthCheckTimeout
		}
		return nil, err
	}
	if code == http.StatusNotFound {
		return &Health{State: HealthNotFound}, nil
	}
	return healthFromStatus(st), nil
}

// healthFromStatus folds every backend status string into the four permitted
// outcomes. Anything unrecognized counts as running: never guess completion.
func healthFromStatus(st *statusResponse) *Health {
	switch st.Status {
	case "completed", "succeeded", "done":
		return &Health{State: HealthCompleted, Result: st.Result}
	case "failed", "error", "cancelled":
		return &Health{State: HealthFailed, Reason: st.Error}
	case "not_found", "unknown":
		return &Health{State: HealthNotFound}
	default:
		return &Health{State: HealthRunning}
	}
}

func eventFromStatus(st *statusResponse) Event {
	switch st.Status {
	case "completed", "succeeded", "done":
		return Event{Phase: PhaseCompleted, Progress: 1, Result: st.Result}
	case "failed", "error", "cancelled":
		return Event{Phase: PhaseFailed, Reason: st.Error}
	case "queued", "pending":
		return Event{Phase: PhaseQueued, Progress: st.Progress}
	default:
		return Event{Phase: PhaseRunning, Progress: st.Progress}
	}
}

// monitorCancelled distinguishes caller cancellation from transport errors.
func monitorCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "monitoring stopped")
	}
	return nil
}
