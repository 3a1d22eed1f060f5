package domain

import "time"

type Status string

const (
	Pending    Status = "pending"
	Assigned   Status = "assigned"
	InProgress Status = "in_progress"
	Completed  Status = "completed"
	Failed     Status = "failed"
	TimedOut   Status = "timeout"
	Cancelled  Status = "cancelled"
	Unworkable Status = "unworkable"
)

// Terminal reports whether a job in this status will never run again.
func (s Status) Terminal() bool {
	switch s {
	case Completed, Failed, TimedOut, Cancelled:
		return true
	}
	return false
}

const (
	DefaultMaxRetries     = 3
	DefaultTimeoutMinutes = 30
)

type Job struct {
	ID              string       `json:"id"`
	SubmittedAt     time.Time    `json:"submitted_at"`
	Payload         []byte       `json:"payload"`
	Status          Status       `json:"status"`
	Priority        int          `json:"priority"`
	Requirements    Requirements `json:"requirements"`
	ServiceRequired string       `json:"service_required"`
	WorkerID        *string      `json:"worker_id,omitempty"`
	// ServiceJobID is the external system's handle for this job. It is
	// persisted as soon as submission succeeds; every recovery path keys
	// off it.
	ServiceJobID   *string    `json:"service_job_id,omitempty"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	TimeoutMinutes int        `json:"timeout_minutes"`
	WorkflowID     *string    `json:"workflow_id,omitempty"`
	StepNumber     *int       `json:"step_number,omitempty"`
	AssignedAt     *time.Time `json:"assigned_at,omitempty"`
	LastProgressAt *time.Time `json:"last_progress_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Result         []byte     `json:"result,omitempty"`
	Error          *string    `json:"error,omitempty"`
}

func (j *Job) Timeout() time.Duration {
	m := j.TimeoutMinutes
	if m <= 0 {
		m = DefaultTimeoutMinutes
	}
	return time.Duration(m) * time.Minute
}

// Workflow groups multi-step jobs so their steps schedule as a unit. Member
// jobs inherit the workflow's priority and submission time for scoring.
type Workflow struct {
	ID          string    `json:"id"`
	Priority    int       `json:"priority"`
	SubmittedAt time.Time `json:"submitted_at"`
	TotalSteps  int       `json:"total_steps"`
}

// EffectivePriority is the job's own priority unless it belongs to a
// workflow, in which case the workflow's wins so steps sort together.
func (j *Job) EffectivePriority(wf *Workflow) int {
	if j.WorkflowID != nil && wf != nil {
		return wf.Priority
	}
	return j.Priority
}

func (j *Job) EffectiveSubmittedAt(wf *Workflow) time.Time {
	if j.WorkflowID != nil && wf != nil {
		return wf.SubmittedAt
	}
	return j.SubmittedAt
}

// Score bands in whole-priority increments of maxEpochMillis so the
// submission-time term can never bleed into the priority term. Earlier
// submission yields a higher score, giving FIFO within a priority band at
// millisecond resolution.
const maxEpochMillis = 4_000_000_000_000 // ~year 2096

func Score(priority int, submittedAt time.Time) float64 {
	return float64(priority)*float64(maxEpochMillis) + float64(maxEpochMillis-submittedAt.UnixMilli())
}
