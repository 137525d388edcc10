package model

import "time"

// Candidate identifies a person whose assignment submissions are graded.
type Candidate struct {
	PublicID    string    `json:"public_id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Assignment is one gradable unit of work, versioned against the rubric and
// prompt that will be used to evaluate submissions against it.
type Assignment struct {
	PublicID      string    `json:"public_id"`
	Title         string    `json:"title"`
	RubricVersion string    `json:"rubric_version"`
	PromptVersion string    `json:"prompt_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// Submission is the scheduling aggregate root: the unit the Claim Repository
// claims, leases, and moves through the state machine in §4.2.
//
// ClaimedBy, ClaimedAt, and LeaseExpiresAt are ternary-coupled: all present or
// all absent. The four Attempt* counters are monotonically non-decreasing
// and owned one-per-stage by the matching StageDescriptor.AttemptColumn.
type Submission struct {
	PublicID     string `json:"public_id"`
	CandidateID  string `json:"candidate_id"`
	AssignmentID string `json:"assignment_id"`
	Status       Status `json:"status"`

	AttemptTelegramIngest int `json:"attempt_telegram_ingest"`
	AttemptNormalization  int `json:"attempt_normalization"`
	AttemptEvaluation     int `json:"attempt_evaluation"`
	AttemptDelivery       int `json:"attempt_delivery"`

	ClaimedBy       *string    `json:"claimed_by,omitempty"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
	LastErrorCode   string     `json:"last_error_code,omitempty"`
	LastErrorMsg    string     `json:"last_error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attempt returns the submission's current attempt count for the given
// stage, selected at compile time (no column-name interpolation).
func (s *Submission) Attempt(stage Stage) int {
	switch stage {
	case StageTelegramIngest:
		return s.AttemptTelegramIngest
	case StageNormalize:
		return s.AttemptNormalization
	case StageEvaluate:
		return s.AttemptEvaluation
	case StageDeliver:
		return s.AttemptDelivery
	default:
		return 0
	}
}

// LeaseValid reports whether the ternary lease fields are all present and
// the lease has not yet expired as of now.
func (s *Submission) LeaseValid(now time.Time) bool {
	return s.ClaimedBy != nil && s.ClaimedAt != nil && s.LeaseExpiresAt != nil && s.LeaseExpiresAt.After(now)
}

// Claim is the handle a successful claim_next returns to the worker loop:
// just enough of the submission for a stage handler to act on.
type Claim struct {
	PublicID       string
	Stage          Stage
	Attempt        int
	WorkerID       string
	LeaseExpiresAt time.Time
}

// CandidateSource maps an external identity (e.g. a Telegram chat/user) to a
// Candidate, enforcing idempotent intake via UNIQUE(source_type, source_external_id).
type CandidateSource struct {
	ID               int64  `json:"id,omitempty"`
	CandidateID      string `json:"candidate_id"`
	SourceType       string `json:"source_type"`
	SourceExternalID string `json:"source_external_id"`
}

// SubmissionSource maps an external update (e.g. a Telegram update_id) to a
// Submission, enforcing idempotent re-delivery of the same webhook event.
type SubmissionSource struct {
	ID               int64     `json:"id,omitempty"`
	SubmissionID     string    `json:"submission_id"`
	SourceType       string    `json:"source_type"`
	SourceExternalID string    `json:"source_external_id"`
	CreatedAt        time.Time `json:"created_at"`
}
