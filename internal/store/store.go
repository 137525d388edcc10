package store

import (
	"context"

	"github.com/sells-group/submission-grader/internal/model"
)

// SubmissionFilter specifies criteria for listing submissions.
type SubmissionFilter struct {
	Status       model.Status `json:"status,omitempty"`
	CandidateID  string       `json:"candidate_id,omitempty"`
	AssignmentID string       `json:"assignment_id,omitempty"`
	Limit        int          `json:"limit,omitempty"`
	Offset       int          `json:"offset,omitempty"`
}

// Store defines the persistence interface for the submission grading
// pipeline. The scheduling methods (ClaimNext through LinkArtifact) back the
// Claim Repository's nine operations one-for-one. internal/scheduler.Repository
// calls all of them, and cmd/api.go's ingress handlers also call LinkArtifact
// directly. PostgresStore runs each as a single SQL statement; SQLiteStore
// runs ClaimNext in a transaction and each reclaim as a select followed by
// per-row updates.
type Store interface {
	// Identity
	CreateCandidate(ctx context.Context, c model.Candidate) (*model.Candidate, error)
	CreateAssignment(ctx context.Context, a model.Assignment) (*model.Assignment, error)
	ListAssignments(ctx context.Context) ([]model.Assignment, error)
	UpsertCandidateSource(ctx context.Context, src model.CandidateSource) (*model.Candidate, error)

	// Submissions
	CreateSubmission(ctx context.Context, candidateID, assignmentID string, initial model.Status) (*model.Submission, error)
	GetSubmission(ctx context.Context, publicID string) (*model.Submission, error)
	ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]model.Submission, error)
	UpsertSubmissionSource(ctx context.Context, candidateID, assignmentID string, src model.SubmissionSource) (*model.Submission, bool, error)

	// Claim Repository — spec.md §4.1, implemented verbatim.
	ClaimNext(ctx context.Context, stage model.Stage, workerID string, leaseSeconds int) (*model.Claim, error)
	HeartbeatClaim(ctx context.Context, publicID string, stage model.Stage, workerID string, leaseSeconds int) (bool, error)
	FinalizeSuccess(ctx context.Context, publicID string, stage model.Stage, workerID string) (bool, error)
	FinalizeFailureRetry(ctx context.Context, publicID string, stage model.Stage, workerID string, maxAttempts int, errorCode, errorMessage string) (bool, error)
	FinalizeFailureTerminal(ctx context.Context, publicID string, stage model.Stage, workerID string, errorCode, errorMessage string) (bool, error)
	ReclaimExpiredRetry(ctx context.Context, stage model.Stage, maxAttempts int, errorCode, errorMessage string) ([]string, error)
	ReclaimExpiredDeadLetter(ctx context.Context, stage model.Stage, maxAttempts int, errorCode, errorMessage string) ([]string, error)
	TransitionState(ctx context.Context, publicID string, from, to model.Status) (bool, error)
	LinkArtifact(ctx context.Context, publicID string, stage model.Stage, ref model.ArtifactRef) error

	// Reads consulted by stage handlers and HTTP ingress.
	GetLatestArtifact(ctx context.Context, publicID string, stage model.Stage) (*model.Artifact, error)
	ListArtifacts(ctx context.Context, publicID string) ([]model.Artifact, error)
	UpsertEvaluation(ctx context.Context, e model.Evaluation) (*model.Evaluation, error)
	GetEvaluation(ctx context.Context, publicID string) (*model.Evaluation, error)
	InsertLLMRun(ctx context.Context, run model.LLMRun) error
	InsertDelivery(ctx context.Context, d model.Delivery) error
	ListDeliveries(ctx context.Context, publicID string) ([]model.Delivery, error)

	// Bulk tooling for admin roster import: PostgresStore uses
	// internal/db.BulkUpsert, SQLiteStore upserts row by row.
	BulkUpsertCandidates(ctx context.Context, candidates []model.Candidate) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
