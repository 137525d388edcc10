// Package exportjob runs the CSV/XLSX feedback export asked for at
// POST /exports as a durable Temporal workflow, separate from the
// hand-rolled claim scheduler that owns stage progression. An export has no
// lease, no retry budget, and no attempt counter of its own — Temporal's
// workflow history gives it the same crash-survives-restart property the
// scheduler gets from Postgres rows, without borrowing the scheduler's
// machinery for a concern that isn't a processing stage.
package exportjob

import (
	"time"

	"github.com/sells-group/submission-grader/internal/model"
)

// Request selects which submissions to export and in what format.
type Request struct {
	CandidateID  string `json:"candidate_id,omitempty"`
	AssignmentID string `json:"assignment_id,omitempty"`
	Format       string `json:"format"` // "csv" or "xlsx"
}

// Row is one exported submission's feedback readout.
type Row struct {
	SubmissionID   string    `json:"submission_id"`
	CandidateID    string    `json:"candidate_id"`
	AssignmentID   string    `json:"assignment_id"`
	Status         string    `json:"status"`
	Score          float64   `json:"score"`
	Feedback       string    `json:"feedback"`
	RubricVersion  string    `json:"rubric_version"`
	PromptVersion  string    `json:"prompt_version"`
	DeliveredAt    time.Time `json:"delivered_at,omitempty"`
	DeliveryCount  int       `json:"delivery_count"`
}

// Result is what the workflow returns on completion: where the rendered
// file landed and how many rows it contains.
type Result struct {
	ArtifactRef model.ArtifactRef `json:"artifact_ref"`
	RowCount    int               `json:"row_count"`
}

var header = []string{
	"submission_id", "candidate_id", "assignment_id", "status", "score",
	"feedback", "rubric_version", "prompt_version", "delivered_at", "delivery_count",
}

func rowValues(r Row) []string {
	delivered := ""
	if !r.DeliveredAt.IsZero() {
		delivered = r.DeliveredAt.UTC().Format(time.RFC3339)
	}
	return []string{
		r.SubmissionID, r.CandidateID, r.AssignmentID, r.Status,
		formatScore(r.Score), r.Feedback, r.RubricVersion, r.PromptVersion,
		delivered, formatInt(r.DeliveryCount),
	}
}
