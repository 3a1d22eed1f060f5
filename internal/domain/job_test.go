package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScorePriorityDominates(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(365 * 24 * time.Hour)

	// a higher priority always outranks an earlier submission
	assert.Greater(t, Score(50, late), Score(10, early))
}

func TestScoreFIFOWithinPriority(t *testing.T) {
	first := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	second := first.Add(time.Millisecond)

	assert.Greater(t, Score(50, first), Score(50, second))
}

func TestEffectiveValuesInheritWorkflow(t *testing.T) {
	wfID := "wf-1"
	wf := &Workflow{ID: wfID, Priority: 200, SubmittedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	job := &Job{Priority: 5, SubmittedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), WorkflowID: &wfID}

	assert.Equal(t, 200, job.EffectivePriority(wf))
	assert.Equal(t, wf.SubmittedAt, job.EffectiveSubmittedAt(wf))

	plain := &Job{Priority: 5, SubmittedAt: job.SubmittedAt}
	assert.Equal(t, 5, plain.EffectivePriority(nil))
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{Completed, Failed, TimedOut, Cancelled} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []Status{Pending, Assigned, InProgress, Unworkable} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestJobTimeoutDefault(t *testing.T) {
	assert.Equal(t, 30*time.Minute, (&Job{}).Timeout())
	assert.Equal(t, 5*time.Minute, (&Job{TimeoutMinutes: 5}).Timeout())
}
