package resilience

import (
	"time"
)

// DLQEntry represents a submission stage failure that exhausted its worker
// loop retry budget or failed in a way the scheduler could not attribute to
// a single submission (e.g. ReclaimExpiredRetry itself erroring). It is an
// operator-facing alerting queue, separate from the per-submission
// dead_letter status the store tracks durably: a submission can be
// dead_letter in Postgres without ever producing a DLQEntry, and a DLQEntry
// here does not by itself change a submission's status.
type DLQEntry struct {
	ID           string    `json:"id"`
	SubmissionID string    `json:"submission_id"`
	Stage        string    `json:"stage"`
	Error        string    `json:"error"`
	Kind         Kind      `json:"kind"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	Kind  Kind `json:"kind,omitempty"`
	Limit int  `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// ClassifyError categorizes an error as "transient" or "permanent", kept for
// callers that only need the coarse bucket rather than the full Kind.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
