package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/pixelforge/dispatchd/internal/domain"
)

// Memory implements the Store contract in-process. It backs the test suite
// and local development; claim order and retry semantics match the Redis
// implementation exactly.
type Memory struct {
	mu         sync.Mutex
	jobs       map[string]*domain.Job
	workflows  map[string]*domain.Workflow
	pending    []pendingEntry
	unworkable map[string]bool
	workers    map[string]*memWorker
	active     map[string]map[string]bool
	cancels    map[string]bool
	seq        int64
}

type pendingEntry struct {
	id    string
	score float64
	seq   int64 // insertion order breaks score ties
}

type memWorker struct {
	info      domain.WorkerInfo
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:       make(map[string]*domain.Job),
		workflows:  make(map[string]*domain.Workflow),
		unworkable: make(map[string]bool),
		workers:    make(map[string]*memWorker),
		active:     make(map[string]map[string]bool),
		cancels:    make(map[string]bool),
	}
}

func (s *Memory) Enqueue(ctx context.Context, job *domain.Job) error {
	score, err := effectiveScore(ctx, s, job)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	cp.Status = domain.Pending
	s.jobs[cp.ID] = &cp
	s.seq++
	s.pending = append(s.pending, pendingEntry{id: cp.ID, score: score, seq: s.seq})
	return nil
}

func (s *Memory) PutWorkflow(_ context.Context, wf *domain.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *wf
	s.workflows[wf.ID] = &cp
	return nil
}

func (s *Memory) GetWorkflow(_ context.Context, id string) (*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, nil
	}
	cp := *wf
	return &cp, nil
}

func (s *Memory) Get(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *Memory) getLocked(id string) (*domain.Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

// sortPending orders by score descending, with the same tie-break as the
// Redis claim path: submission time, step number, then insertion order. Held
// under the store lock.
func (s *Memory) sortPendingLocked() {
	sort.SliceStable(s.pending, func(i, j int) bool {
		if s.pending[i].score != s.pending[j].score {
			return s.pending[i].score > s.pending[j].score
		}
		a, b := s.jobs[s.pending[i].id], s.jobs[s.pending[j].id]
		if a != nil && b != nil {
			if !a.SubmittedAt.Equal(b.SubmittedAt) {
				return a.SubmittedAt.Before(b.SubmittedAt)
			}
			if sa, sb := stepNumber(a), stepNumber(b); sa != sb {
				return sa < sb
			}
		}
		return s.pending[i].seq < s.pending[j].seq
	})
}

func (s *Memory) Claim(_ context.Context, w *domain.WorkerInfo, maxScan int) (*domain.Job, error) {
	if maxScan <= 0 {
		maxScan = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sortPendingLocked()
	n := len(s.pending)
	if n > maxScan {
		n = maxScan
	}
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		job, ok := s.jobs[s.pending[i].id]
		if !ok {
			continue
		}
		if !w.CanWork(job) {
			continue
		}
		job.Status = domain.Assigned
		id := w.ID
		job.WorkerID = &id
		at := now
		job.AssignedAt = &at
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		if s.active[w.ID] == nil {
			s.active[w.ID] = make(map[string]bool)
		}
		s.active[w.ID][job.ID] = true
		cp := *job
		return &cp, nil
	}
	return nil, domain.ErrNoMatch
}

func (s *Memory) mutate(jobID string, fn func(*domain.Job)) (*domain.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	fn(job)
	return job, nil
}

func (s *Memory) MarkInProgress(_ context.Context, jobID, serviceJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	_, err := s.mutate(jobID, func(j *domain.Job) {
		j.Status = domain.InProgress
		j.ServiceJobID = &serviceJobID
		j.LastProgressAt = &now
	})
	return err
}

func (s *Memory) Progress(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	_, err := s.mutate(jobID, func(j *domain.Job) {
		j.LastProgressAt = &now
	})
	return err
}

func (s *Memory) clearActiveLocked(job *domain.Job) {
	if job.WorkerID != nil {
		delete(s.active[*job.WorkerID], job.ID)
	}
}

func (s *Memory) Complete(_ context.Context, jobID string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	job, err := s.mutate(jobID, func(j *domain.Job) {
		j.Status = domain.Completed
		j.Result = result
		j.CompletedAt = &now
	})
	if err != nil {
		return err
	}
	s.clearActiveLocked(job)
	return nil
}

func (s *Memory) Finish(_ context.Context, jobID string, status domain.Status, reason string) error {
	if !status.Terminal() {
		return errors.Errorf("finish with non-terminal status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	job, err := s.mutate(jobID, func(j *domain.Job) {
		j.Status = status
		j.Error = &reason
		j.CompletedAt = &now
	})
	if err != nil {
		return err
	}
	s.clearActiveLocked(job)
	return nil
}

func (s *Memory) Requeue(ctx context.Context, jobID, reason string) (bool, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return false, domain.ErrJobNotFound
	}
	s.clearActiveLocked(job)
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
		s.mu.Unlock()
		return false, nil
	}
	job.Error = &reason
	cp := *job
	s.mu.Unlock()
	return true, s.Enqueue(ctx, &cp)
}

func (s *Memory) RequestCancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return domain.ErrJobNotFound
	}
	if job.Status == domain.Pending || job.Status == domain.Unworkable {
		for i, e := range s.pending {
			if e.id == jobID {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				break
			}
		}
		delete(s.unworkable, jobID)
		s.mu.Unlock()
		return s.Finish(ctx, jobID, domain.Cancelled, "cancelled before assignment")
	}
	s.cancels[jobID] = true
	s.mu.Unlock()
	return nil
}

func (s *Memory) CancelRequested(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels[jobID], nil
}

func (s *Memory) Heartbeat(_ context.Context, w *domain.WorkerInfo, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.LastSeen = time.Now().UTC()
	cp := *w
	s.workers[w.ID] = &memWorker{info: cp, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *Memory) Workers(_ context.Context) ([]*domain.WorkerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []*domain.WorkerInfo
	for _, mw := range s.workers {
		if mw.expiresAt.After(now) {
			cp := mw.info
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Memory) StaleWorkers(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var stale []string
	for id, mw := range s.workers {
		if mw.expiresAt.After(now) {
			continue
		}
		if len(s.active[id]) > 0 {
			stale = append(stale, id)
		} else {
			delete(s.workers, id)
		}
	}
	return stale, nil
}

func (s *Memory) WorkerJobs(_ context.Context, workerID string) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for id := range s.active[workerID] {
		if job, ok := s.jobs[id]; ok {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Memory) DeregisterWorker(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, workerID)
	delete(s.active, workerID)
	return nil
}

func (s *Memory) PendingJobs(_ context.Context, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 500
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sortPendingLocked()
	var out []*domain.Job
	for i := 0; i < len(s.pending) && i < limit; i++ {
		if job, ok := s.jobs[s.pending[i].id]; ok {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Memory) MarkUnworkable(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.mutate(jobID, func(j *domain.Job) {
		j.Status = domain.Unworkable
	}); err != nil {
		return err
	}
	for i, e := range s.pending {
		if e.id == jobID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.unworkable[jobID] = true
	return nil
}

func (s *Memory) UnworkableJobs(_ context.Context, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 500
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for id := range s.unworkable {
		if len(out) >= limit {
			break
		}
		if job, ok := s.jobs[id]; ok {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Memory) Revive(ctx context.Context, jobID string) error {
	s.mu.Lock()
	delete(s.unworkable, jobID)
	job, err := s.getLocked(jobID)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Enqueue(ctx, job)
}
