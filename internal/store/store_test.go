package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelforge/dispatchd/internal/domain"
)

func testWorker(id string, services []string, caps domain.Capabilities) *domain.WorkerInfo {
	return &domain.WorkerInfo{ID: id, Services: services, Capabilities: caps, Status: domain.WorkerIdle}
}

func testJob(id, service string, priority int, at time.Time) *domain.Job {
	return &domain.Job{
		ID:              id,
		SubmittedAt:     at,
		ServiceRequired: service,
		Priority:        priority,
		MaxRetries:      domain.DefaultMaxRetries,
		Payload:         []byte(`{}`),
	}
}

func TestClaimPriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, prio := range []int{10, 50, 50, 90} {
		job := testJob(fmt.Sprintf("j%d", i), "render", prio, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.Enqueue(ctx, job))
	}

	w := testWorker("w1", []string{"render"}, nil)
	var order []string
	for {
		job, err := s.Claim(ctx, w, 100)
		if err == domain.ErrNoMatch {
			break
		}
		require.NoError(t, err)
		order = append(order, job.ID)
	}
	// descending priority, FIFO inside the 50 band
	assert.Equal(t, []string{"j3", "j1", "j2", "j0"}, order)
}

func TestClaimWorkflowInheritance(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	wfID := "wf-1"
	require.NoError(t, s.PutWorkflow(ctx, &domain.Workflow{
		ID: wfID, Priority: 200, SubmittedAt: base, TotalSteps: 2,
	}))

	// B is plain priority 100 and submitted first; A inherits workflow
	// priority 200 and must still win
	b := testJob("b", "render", 100, base.Add(-time.Hour))
	require.NoError(t, s.Enqueue(ctx, b))

	a1 := testJob("a1", "render", 0, base.Add(time.Minute))
	a1.WorkflowID = &wfID
	a2 := testJob("a2", "render", 0, base.Add(2*time.Minute))
	a2.WorkflowID = &wfID
	require.NoError(t, s.Enqueue(ctx, a1))
	require.NoError(t, s.Enqueue(ctx, a2))

	w := testWorker("w1", []string{"render"}, nil)
	var order []string
	for {
		job, err := s.Claim(ctx, w, 100)
		if err == domain.ErrNoMatch {
			break
		}
		require.NoError(t, err)
		order = append(order, job.ID)
	}
	// workflow steps first, in submission order, then the plain job
	assert.Equal(t, []string{"a1", "a2", "b"}, order)
}

func TestClaimCandidateTieOrdering(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	score := domain.Score(200, base)
	step := func(id string, n int, at time.Time) candidate {
		return candidate{job: &domain.Job{ID: id, SubmittedAt: at, StepNumber: &n}, score: score}
	}

	// three steps of one workflow share the inherited score; their ids sort
	// lexicographically against their submission order, which is the order a
	// raw zset range would claim them in
	cands := []candidate{
		step("a-step", 3, base.Add(3*time.Minute)),
		step("z-step", 1, base.Add(time.Minute)),
		step("m-step", 2, base.Add(2*time.Minute)),
	}
	orderCandidates(cands)
	var order []string
	for _, c := range cands {
		order = append(order, c.job.ID)
	}
	assert.Equal(t, []string{"z-step", "m-step", "a-step"}, order)

	// identical submission instants fall back to step number
	cands = []candidate{step("b", 2, base), step("a", 1, base)}
	orderCandidates(cands)
	assert.Equal(t, "a", cands[0].job.ID)

	// score always outranks any tie-break
	cands = []candidate{
		{job: &domain.Job{ID: "early-low", SubmittedAt: base.Add(-time.Hour)}, score: score - 1},
		step("late-high", 1, base.Add(time.Hour)),
	}
	orderCandidates(cands)
	assert.Equal(t, "late-high", cands[0].job.ID)
}

func TestClaimServicePreFilterAndRequirements(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()

	video := testJob("video", "render", 10, now)
	video.Requirements = domain.Requirements{Required: map[string]any{"asset_type": "video"}}
	require.NoError(t, s.Enqueue(ctx, video))

	other := testJob("other-service", "transcode", 99, now)
	require.NoError(t, s.Enqueue(ctx, other))

	// advertises the right service but lacks the capability
	imageOnly := testWorker("w-img", []string{"render"}, domain.Capabilities{"asset_type": []any{"image"}})
	_, err := s.Claim(ctx, imageOnly, 100)
	assert.Equal(t, domain.ErrNoMatch, err)

	// has the capability but not the service
	wrongService := testWorker("w-x", []string{"upscale"}, domain.Capabilities{"asset_type": []any{"video"}})
	_, err = s.Claim(ctx, wrongService, 100)
	assert.Equal(t, domain.ErrNoMatch, err)

	both := testWorker("w-vid", []string{"render"}, domain.Capabilities{"asset_type": []any{"image", "video"}})
	job, err := s.Claim(ctx, both, 100)
	require.NoError(t, err)
	assert.Equal(t, "video", job.ID)
	assert.Equal(t, domain.Assigned, job.Status)
	require.NotNil(t, job.WorkerID)
	assert.Equal(t, "w-vid", *job.WorkerID)
}

func TestClaimAtomicUnderRace(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()

	const jobs = 50
	const workers = 10
	for i := 0; i < jobs; i++ {
		require.NoError(t, s.Enqueue(ctx, testJob(fmt.Sprintf("j%d", i), "render", i%5, now.Add(time.Duration(i)*time.Millisecond))))
	}

	var mu sync.Mutex
	claimed := make(map[string]string) // job id -> worker id
	var duplicates []string
	var wg sync.WaitGroup
	for n := 0; n < workers; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w := testWorker(fmt.Sprintf("w%d", n), []string{"render"}, nil)
			for {
				job, err := s.Claim(ctx, w, jobs)
				if err != nil {
					return
				}
				mu.Lock()
				if _, dup := claimed[job.ID]; dup {
					duplicates = append(duplicates, job.ID)
				}
				claimed[job.ID] = w.ID
				mu.Unlock()
			}
		}(n)
	}
	wg.Wait()
	assert.Empty(t, duplicates, "no job may be claimed twice")

	pending, err := s.PendingJobs(ctx, jobs)
	require.NoError(t, err)
	assert.Len(t, claimed, jobs, "every job claimed exactly once")
	assert.Empty(t, pending)
}

func TestClaimScanBound(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()

	// the only claimable job sits below the scan bound
	for i := 0; i < 5; i++ {
		j := testJob(fmt.Sprintf("locked%d", i), "render", 100, now)
		j.Requirements = domain.Requirements{Required: map[string]any{"gpu": "h100"}}
		require.NoError(t, s.Enqueue(ctx, j))
	}
	require.NoError(t, s.Enqueue(ctx, testJob("free", "render", 1, now)))

	w := testWorker("w1", []string{"render"}, nil)
	_, err := s.Claim(ctx, w, 3)
	assert.Equal(t, domain.ErrNoMatch, err)

	job, err := s.Claim(ctx, w, 10)
	require.NoError(t, err)
	assert.Equal(t, "free", job.ID)
}

func TestRequeueExhaustsIntoFailed(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job := testJob("j1", "render", 1, time.Now().UTC())
	job.MaxRetries = 2
	require.NoError(t, s.Enqueue(ctx, job))

	w := testWorker("w1", []string{"render"}, nil)
	for i := 0; i < job.MaxRetries; i++ {
		_, err := s.Claim(ctx, w, 10)
		require.NoError(t, err)
		requeued, err := s.Requeue(ctx, "j1", "worker lost")
		require.NoError(t, err)
		assert.True(t, requeued, "attempt %d stays within budget", i)
	}

	_, err := s.Claim(ctx, w, 10)
	require.NoError(t, err)
	requeued, err := s.Requeue(ctx, "j1", "worker lost")
	require.NoError(t, err)
	assert.False(t, requeued)

	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "max retries exceeded")

	// terminal: never claimable again
	_, err = s.Claim(ctx, w, 10)
	assert.Equal(t, domain.ErrNoMatch, err)
}

func TestUnworkableRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job := testJob("j1", "render", 1, time.Now().UTC())
	require.NoError(t, s.Enqueue(ctx, job))

	require.NoError(t, s.MarkUnworkable(ctx, "j1"))
	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.Unworkable, got.Status)

	w := testWorker("w1", []string{"render"}, nil)
	_, err = s.Claim(ctx, w, 10)
	assert.Equal(t, domain.ErrNoMatch, err)

	require.NoError(t, s.Revive(ctx, "j1"))
	claimed, err := s.Claim(ctx, w, 10)
	require.NoError(t, err)
	assert.Equal(t, "j1", claimed.ID)
}

func TestCancelPendingIsImmediate(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Enqueue(ctx, testJob("j1", "render", 1, time.Now().UTC())))

	require.NoError(t, s.RequestCancel(ctx, "j1"))
	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.Cancelled, got.Status)

	w := testWorker("w1", []string{"render"}, nil)
	_, err = s.Claim(ctx, w, 10)
	assert.Equal(t, domain.ErrNoMatch, err)
}

func TestCancelRunningSetsFlag(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Enqueue(ctx, testJob("j1", "render", 1, time.Now().UTC())))

	w := testWorker("w1", []string{"render"}, nil)
	_, err := s.Claim(ctx, w, 10)
	require.NoError(t, err)
	require.NoError(t, s.MarkInProgress(ctx, "j1", "svc-1"))

	require.NoError(t, s.RequestCancel(ctx, "j1"))
	flagged, err := s.CancelRequested(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, flagged)

	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.InProgress, got.Status, "running job unwinds cooperatively")
}

func TestStaleWorkerDetection(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Enqueue(ctx, testJob("j1", "render", 1, time.Now().UTC())))

	w := testWorker("w1", []string{"render"}, nil)
	require.NoError(t, s.Heartbeat(ctx, w, time.Millisecond))
	_, err := s.Claim(ctx, w, 10)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	stale, err := s.StaleWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, stale)

	jobs, err := s.WorkerJobs(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j1", jobs[0].ID)

	// a live worker is never stale
	w2 := testWorker("w2", []string{"render"}, nil)
	require.NoError(t, s.Heartbeat(ctx, w2, time.Minute))
	stale, err = s.StaleWorkers(ctx)
	require.NoError(t, err)
	assert.NotContains(t, stale, "w2")
}

func TestMarkInProgressPersistsServiceJobID(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Enqueue(ctx, testJob("j1", "render", 1, time.Now().UTC())))

	w := testWorker("w1", []string{"render"}, nil)
	_, err := s.Claim(ctx, w, 10)
	require.NoError(t, err)

	require.NoError(t, s.MarkInProgress(ctx, "j1", "external-42"))
	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.InProgress, got.Status)
	require.NotNil(t, got.ServiceJobID)
	assert.Equal(t, "external-42", *got.ServiceJobID)
}
