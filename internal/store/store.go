// Package store holds the shared job and worker records every process
// competes over. Two implementations carry the same contract: Redis for
// deployment and an in-memory store for tests and local development.
package store

import (
	"context"
	"time"

	"github.com/pixelforge/dispatchd/internal/domain"
)

// Store is the single shared mutable resource in the system. Claim is the
// only operation requiring atomicity across all workers; every other mutation
// targets a job already owned exclusively by one caller.
type Store interface {
	// Enqueue writes the job record and adds it to the pending set scored
	// by effective priority and submission time (workflow values win when
	// the job belongs to one).
	Enqueue(ctx context.Context, job *domain.Job) error

	// PutWorkflow stores workflow grouping metadata. Member jobs inherit
	// its priority and submission time for scoring.
	PutWorkflow(ctx context.Context, wf *domain.Workflow) error
	// GetWorkflow returns (nil, nil) when no such workflow exists.
	GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error)

	// Claim scans up to maxScan pending jobs in descending score order,
	// breaking score ties by submission time then step number, and
	// atomically assigns the first one the worker qualifies for. No two
	// concurrent calls ever return the same job. Returns
	// domain.ErrNoMatch when nothing within the bound qualifies, and
	// domain.ErrClaimRaceLost when every qualifying candidate went to
	// another worker mid-claim.
	Claim(ctx context.Context, w *domain.WorkerInfo, maxScan int) (*domain.Job, error)

	Get(ctx context.Context, id string) (*domain.Job, error)

	// MarkInProgress persists the external service's handle the moment
	// submission succeeds. Recovery is impossible without it.
	MarkInProgress(ctx context.Context, jobID, serviceJobID string) error

	// Progress stamps the job record so fleet tooling can see liveness.
	Progress(ctx context.Context, jobID string) error

	Complete(ctx context.Context, jobID string, result []byte) error

	// Finish writes a terminal non-success status (failed, timeout,
	// cancelled) with its reason.
	Finish(ctx context.Context, jobID string, status domain.Status, reason string) error

	// Requeue returns a non-completed job to pending, incrementing its
	// retry count. When the budget is exhausted the job goes terminal
	// failed instead and requeued is false.
	Requeue(ctx context.Context, jobID, reason string) (requeued bool, err error)

	// RequestCancel flags a job for cooperative cancellation. Pending jobs
	// cancel immediately; running ones are unwound by their worker.
	RequestCancel(ctx context.Context, jobID string) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)

	// Heartbeat publishes the worker record with a TTL; expiry without a
	// refresh is how stale workers are detected. First call registers.
	Heartbeat(ctx context.Context, w *domain.WorkerInfo, ttl time.Duration) error
	Workers(ctx context.Context) ([]*domain.WorkerInfo, error)

	// StaleWorkers lists registered worker ids whose record TTL lapsed
	// while they still held jobs.
	StaleWorkers(ctx context.Context) ([]string, error)
	WorkerJobs(ctx context.Context, workerID string) ([]*domain.Job, error)
	DeregisterWorker(ctx context.Context, workerID string) error

	// PendingJobs returns up to limit pending jobs in claim order, for the
	// unworkable sweep.
	PendingJobs(ctx context.Context, limit int) ([]*domain.Job, error)
	MarkUnworkable(ctx context.Context, jobID string) error
	UnworkableJobs(ctx context.Context, limit int) ([]*domain.Job, error)
	// Revive returns an unworkable job to pending after capabilities
	// change.
	Revive(ctx context.Context, jobID string) error
}

// effectiveScore resolves workflow inheritance before scoring. Both
// implementations funnel every pending insert through this so claim order is
// identical across them.
func effectiveScore(ctx context.Context, s Store, job *domain.Job) (float64, error) {
	var wf *domain.Workflow
	if job.WorkflowID != nil {
		w, err := s.GetWorkflow(ctx, *job.WorkflowID)
		if err != nil {
			return 0, err
		}
		wf = w
	}
	return domain.Score(job.EffectivePriority(wf), job.EffectiveSubmittedAt(wf)), nil
}
