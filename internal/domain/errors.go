package domain

import "errors"

var (
	// ErrClaimRaceLost means every qualifying candidate was taken by
	// another worker between the scan and the claim attempt. Benign;
	// callers retry after a short backoff.
	ErrClaimRaceLost = errors.New("claim race lost")

	// ErrNoMatch means no pending job within the scan bound satisfied the
	// worker's capabilities. Not a failure; the worker polls again later.
	ErrNoMatch = errors.New("no matching job")

	// ErrJobNotFound means the referenced job record does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrSubmissionFailed means the connector could not start the job on
	// the external service. The job requeues with retry accounting.
	ErrSubmissionFailed = errors.New("external submission failed")

	// ErrHealthCheckTimeout means the out-of-band truth query itself timed
	// out. Treated as "still running"; never guess completion.
	ErrHealthCheckTimeout = errors.New("health check timed out")

	// ErrMaxRetriesExceeded marks the terminal end of the retry budget.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)
