// Package archive copies terminal jobs into Postgres so the hot store stays
// lean while history remains queryable.
package archive

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/pixelforge/dispatchd/internal/domain"
)

type Archive struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Archive { return &Archive{db} }

// Record persists a terminal job. Idempotent: re-archiving the same job id
// overwrites the previous row, which matters when a recovery path finishes a
// job the normal path already recorded.
func (a *Archive) Record(ctx context.Context, j *domain.Job) error {
	if !j.Status.Terminal() {
		return errors.Errorf("archive of non-terminal job %s (%s)", j.ID, j.Status)
	}
	_, err := a.db.Exec(ctx, `insert into jobs_archive(
id, service_required, status, priority, payload, result, error,
worker_id, service_job_id, retry_count, workflow_id, step_number,
submitted_at, completed_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
on conflict (id) do update set
status = excluded.status,
result = excluded.result,
error = excluded.error,
completed_at = excluded.completed_at`,
		j.ID, j.ServiceRequired, string(j.Status), j.Priority, j.Payload, j.Result, j.Error,
		j.WorkerID, j.ServiceJobID, j.RetryCount, j.WorkflowID, j.StepNumber,
		j.SubmittedAt, j.CompletedAt,
	)
	return errors.Wrap(err, "archive job")
}
