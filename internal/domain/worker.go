package domain

import "time"

type WorkerStatus string

const (
	WorkerIdle WorkerStatus = "idle"
	WorkerBusy WorkerStatus = "busy"
)

// WorkerInfo is a worker's registration record: identity, advertised
// services, capability tree and current activity. The publishing worker owns
// it and refreshes it on every heartbeat.
type WorkerInfo struct {
	ID           string       `json:"id"`
	Services     []string     `json:"services"`
	Capabilities Capabilities `json:"capabilities"`
	Status       WorkerStatus `json:"status"`
	CurrentJobID *string      `json:"current_job_id,omitempty"`
	LastSeen     time.Time    `json:"last_seen"`
}

// Advertises reports whether the worker serves the given service name. This
// is the cheap pre-filter run before the full requirement match.
func (w *WorkerInfo) Advertises(service string) bool {
	for _, s := range w.Services {
		if s == service {
			return true
		}
	}
	return false
}

// CanWork is the full candidacy check: service pre-filter, then the
// requirement set against the capability tree. A job with an empty
// requirement set matches any worker advertising its service.
func (w *WorkerInfo) CanWork(j *Job) bool {
	if !w.Advertises(j.ServiceRequired) {
		return false
	}
	return j.Requirements.Match(w.Capabilities)
}
