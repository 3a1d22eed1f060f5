package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/pixelforge/dispatchd/internal/domain"
)

const (
	keyPending    = "jobs:pending"
	keyUnworkable = "jobs:unworkable"
	keyWorkers    = "workers"
)

func keyJob(id string) string      { return "job:" + id }
func keyWorker(id string) string   { return "worker:" + id }
func keyActive(id string) string   { return "active:" + id }
func keyCancel(id string) string   { return "cancel:" + id }
func keyWorkflow(id string) string { return "workflow:" + id }

// claimScript is the single linearization point for assignment. ZREM only
// succeeds for the caller that still finds the job pending; that caller
// writes the assignment fields and the active-set membership in the same
// script, so scan+remove+assign cannot interleave between two workers.
var claimScript = r.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 1 then
  redis.call("HSET", KEYS[2], "data", ARGV[2])
  redis.call("SADD", KEYS[3], ARGV[1])
  return 1
end
return 0
`)

type Redis struct{ rdb *r.Client }

func NewRedis(rdb *r.Client) *Redis { return &Redis{rdb} }

func (s *Redis) putJob(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	return errors.Wrap(s.rdb.HSet(ctx, keyJob(job.ID), "data", string(data)).Err(), "write job")
}

func (s *Redis) Get(ctx context.Context, id string) (*domain.Job, error) {
	raw, err := s.rdb.HGet(ctx, keyJob(id), "data").Result()
	if err == r.Nil {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read job")
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, errors.Wrapf(err, "decode job %s", id)
	}
	return &job, nil
}

func (s *Redis) Enqueue(ctx context.Context, job *domain.Job) error {
	score, err := effectiveScore(ctx, s, job)
	if err != nil {
		return err
	}
	job.Status = domain.Pending
	data, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, keyJob(job.ID), "data", string(data))
	pipe.ZAdd(ctx, keyPending, r.Z{Score: score, Member: job.ID})
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "enqueue")
}

func (s *Redis) PutWorkflow(ctx context.Context, wf *domain.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return errors.Wrap(err, "marshal workflow")
	}
	return errors.Wrap(s.rdb.Set(ctx, keyWorkflow(wf.ID), data, 0).Err(), "write workflow")
}

func (s *Redis) GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	raw, err := s.rdb.Get(ctx, keyWorkflow(id)).Result()
	if err == r.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read workflow")
	}
	var wf domain.Workflow
	if err := json.Unmarshal([]byte(raw), &wf); err != nil {
		return nil, errors.Wrapf(err, "decode workflow %s", id)
	}
	return &wf, nil
}

type candidate struct {
	job   *domain.Job
	score float64
}

// orderCandidates sorts by score descending, then submission time, then step
// number. Redis returns equal-score zset members in lexicographic id order,
// which for uuid ids is arbitrary; every step of a workflow shares the
// workflow's inherited score, so the tie-break is what keeps steps claiming
// in their original relative order.
func orderCandidates(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		a, b := cands[i].job, cands[j].job
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return stepNumber(a) < stepNumber(b)
	})
}

func stepNumber(j *domain.Job) int {
	if j.StepNumber != nil {
		return *j.StepNumber
	}
	return 0
}

func (s *Redis) Claim(ctx context.Context, w *domain.WorkerInfo, maxScan int) (*domain.Job, error) {
	if maxScan <= 0 {
		maxScan = 100
	}
	zs, err := s.rdb.ZRevRangeWithScores(ctx, keyPending, 0, int64(maxScan-1)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "scan pending")
	}
	cands := make([]candidate, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		job, err := s.Get(ctx, id)
		if err == domain.ErrJobNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		cands = append(cands, candidate{job: job, score: z.Score})
	}
	orderCandidates(cands)

	now := time.Now().UTC()
	raceLost := false
	for _, c := range cands {
		if !w.CanWork(c.job) {
			continue
		}
		assigned := *c.job
		assigned.Status = domain.Assigned
		assigned.WorkerID = &w.ID
		assigned.AssignedAt = &now
		data, err := json.Marshal(&assigned)
		if err != nil {
			return nil, errors.Wrap(err, "marshal claim")
		}
		won, err := claimScript.Run(ctx, s.rdb,
			[]string{keyPending, keyJob(assigned.ID), keyActive(w.ID)},
			assigned.ID, string(data)).Int()
		if err != nil {
			return nil, errors.Wrap(err, "run claim script")
		}
		if won == 1 {
			return &assigned, nil
		}
		// another worker removed it first; next candidate
		raceLost = true
	}
	if raceLost {
		return nil, domain.ErrClaimRaceLost
	}
	return nil, domain.ErrNoMatch
}

// mutate is the read-modify-write path for per-job updates. Safe without a
// version check: after a claim only the assigned worker (or the reaper, once
// the worker is provably gone) touches the record.
func (s *Redis) mutate(ctx context.Context, jobID string, fn func(*domain.Job)) (*domain.Job, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	fn(job)
	if err := s.putJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Redis) MarkInProgress(ctx context.Context, jobID, serviceJobID string) error {
	now := time.Now().UTC()
	_, err := s.mutate(ctx, jobID, func(j *domain.Job) {
		j.Status = domain.InProgress
		j.ServiceJobID = &serviceJobID
		j.LastProgressAt = &now
	})
	return err
}

func (s *Redis) Progress(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	_, err := s.mutate(ctx, jobID, func(j *domain.Job) {
		j.LastProgressAt = &now
	})
	return err
}

func (s *Redis) clearActive(ctx context.Context, job *domain.Job) {
	if job.WorkerID != nil {
		s.rdb.SRem(ctx, keyActive(*job.WorkerID), job.ID)
	}
}

func (s *Redis) Complete(ctx context.Context, jobID string, result []byte) error {
	now := time.Now().UTC()
	job, err := s.mutate(ctx, jobID, func(j *domain.Job) {
		j.Status = domain.Completed
		j.Result = result
		j.CompletedAt = &now
	})
	if err != nil {
		return err
	}
	s.clearActive(ctx, job)
	return nil
}

func (s *Redis) Finish(ctx context.Context, jobID string, status domain.Status, reason string) error {
	if !status.Terminal() {
		return errors.Errorf("finish with non-terminal status %q", status)
	}
	now := time.Now().UTC()
	job, err := s.mutate(ctx, jobID, func(j *domain.Job) {
		j.Status = status
		j.Error = &reason
		j.CompletedAt = &now
	})
	if err != nil {
		return err
	}
	s.clearActive(ctx, job)
	return nil
}

func (s *Redis) Requeue(ctx context.Context, jobID, reason string) (bool, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	s.clearActive(ctx, job)
	job.RetryCount++
	job.WorkerID = nil
	job.ServiceJobID = nil
	job.AssignedAt = nil
	job.LastProgressAt = nil
	if job.RetryCount > job.MaxRetries {
		msg := domain.ErrMaxRetriesExceeded.Error() + ": " + reason
		job.Status = domain.Failed
		job.Error = &msg
		now := time.Now().UTC()
		job.CompletedAt = &now
		return false, s.putJob(ctx, job)
	}
	job.Error = &reason
	return true, s.Enqueue(ctx, job)
}

func (s *Redis) RequestCancel(ctx context.Context, jobID string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == domain.Pending || job.Status == domain.Unworkable {
		pipe := s.rdb.TxPipeline()
		pipe.ZRem(ctx, keyPending, jobID)
		pipe.SRem(ctx, keyUnworkable, jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			return errors.Wrap(err, "remove cancelled job")
		}
		return s.Finish(ctx, jobID, domain.Cancelled, "cancelled before assignment")
	}
	// running: flag it and let the owning worker unwind cooperatively
	return errors.Wrap(s.rdb.Set(ctx, keyCancel(jobID), "1", 24*time.Hour).Err(), "set cancel flag")
}

func (s *Redis) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, keyCancel(jobID)).Result()
	if err != nil {
		return false, errors.Wrap(err, "check cancel flag")
	}
	return n > 0, nil
}

func (s *Redis) Heartbeat(ctx context.Context, w *domain.WorkerInfo, ttl time.Duration) error {
	w.LastSeen = time.Now().UTC()
	data, err := json.Marshal(w)
	if err != nil {
		return errors.Wrap(err, "marshal worker")
	}
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, keyWorkers, w.ID)
	pipe.Set(ctx, keyWorker(w.ID), data, ttl)
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "heartbeat")
}

func (s *Redis) Workers(ctx context.Context) ([]*domain.WorkerInfo, error) {
	ids, err := s.rdb.SMembers(ctx, keyWorkers).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list workers")
	}
	var out []*domain.WorkerInfo
	for _, id := range ids {
		raw, err := s.rdb.Get(ctx, keyWorker(id)).Result()
		if err == r.Nil {
			continue // TTL lapsed; the reaper will reconcile
		}
		if err != nil {
			return nil, errors.Wrap(err, "read worker")
		}
		var w domain.WorkerInfo
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, errors.Wrapf(err, "decode worker %s", id)
		}
		out = append(out, &w)
	}
	return out, nil
}

func (s *Redis) StaleWorkers(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, keyWorkers).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list workers")
	}
	var stale []string
	for _, id := range ids {
		alive, err := s.rdb.Exists(ctx, keyWorker(id)).Result()
		if err != nil {
			return nil, errors.Wrap(err, "check worker ttl")
		}
		if alive > 0 {
			continue
		}
		held, err := s.rdb.SCard(ctx, keyActive(id)).Result()
		if err != nil {
			return nil, errors.Wrap(err, "count held jobs")
		}
		if held > 0 {
			stale = append(stale, id)
		} else {
			s.rdb.SRem(ctx, keyWorkers, id)
		}
	}
	return stale, nil
}

func (s *Redis) WorkerJobs(ctx context.Context, workerID string) ([]*domain.Job, error) {
	ids, err := s.rdb.SMembers(ctx, keyActive(workerID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list held jobs")
	}
	var out []*domain.Job
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err == domain.ErrJobNotFound {
			s.rdb.SRem(ctx, keyActive(workerID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *Redis) DeregisterWorker(ctx context.Context, workerID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, keyWorkers, workerID)
	pipe.Del(ctx, keyWorker(workerID), keyActive(workerID))
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "deregister worker")
}

func (s *Redis) PendingJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 500
	}
	ids, err := s.rdb.ZRevRange(ctx, keyPending, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "scan pending")
	}
	return s.jobsByID(ctx, ids)
}

func (s *Redis) MarkUnworkable(ctx context.Context, jobID string) error {
	if _, err := s.mutate(ctx, jobID, func(j *domain.Job) {
		j.Status = domain.Unworkable
	}); err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, keyPending, jobID)
	pipe.SAdd(ctx, keyUnworkable, jobID)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "mark unworkable")
}

func (s *Redis) UnworkableJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 500
	}
	ids, err := s.rdb.SMembers(ctx, keyUnworkable).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list unworkable")
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return s.jobsByID(ctx, ids)
}

func (s *Redis) Revive(ctx context.Context, jobID string) error {
	if err := s.rdb.SRem(ctx, keyUnworkable, jobID).Err(); err != nil {
		return errors.Wrap(err, "remove unworkable")
	}
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return s.Enqueue(ctx, job)
}

func (s *Redis) jobsByID(ctx context.Context, ids []string) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err == domain.ErrJobNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}
