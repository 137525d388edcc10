package exportjob

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/submission-grader/internal/blobstore"
	"github.com/sells-group/submission-grader/internal/model"
	"github.com/sells-group/submission-grader/internal/store"
)

const schemaVersion = "export_rows.v1"

// Activities holds the side-effecting dependencies the export workflow's
// two activities need: reading submissions/evaluations/deliveries and
// writing the rendered file. Grounded on the teacher's phase-function
// pattern in internal/pipeline/pipeline.go, where every phase closes over a
// shared Deps value rather than a global.
type Activities struct {
	Store     store.Store
	Blobstore blobstore.Store
}

// FetchRows reads every submission matching req's filter, joined against its
// evaluation and delivery rows, into one denormalized Row per submission.
// Submissions with no evaluation yet are skipped: an export is a feedback
// readout, and a submission that hasn't reached StatusEvaluated has no
// feedback to report.
func (a *Activities) FetchRows(ctx context.Context, req Request) ([]Row, error) {
	submissions, err := a.Store.ListSubmissions(ctx, store.SubmissionFilter{
		CandidateID:  req.CandidateID,
		AssignmentID: req.AssignmentID,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "exportjob: list submissions")
	}

	rows := make([]Row, 0, len(submissions))
	for _, sub := range submissions {
		evaluation, err := a.Store.GetEvaluation(ctx, sub.PublicID)
		if err != nil {
			return nil, eris.Wrap(err, "exportjob: get evaluation")
		}
		if evaluation == nil {
			continue
		}

		deliveries, err := a.Store.ListDeliveries(ctx, sub.PublicID)
		if err != nil {
			return nil, eris.Wrap(err, "exportjob: list deliveries")
		}

		row := Row{
			SubmissionID:  sub.PublicID,
			CandidateID:   sub.CandidateID,
			AssignmentID:  sub.AssignmentID,
			Status:        string(sub.Status),
			Score:         evaluation.Score,
			Feedback:      evaluation.Feedback,
			RubricVersion: evaluation.RubricVersion,
			PromptVersion: evaluation.PromptVersion,
			DeliveryCount: len(deliveries),
		}
		if len(deliveries) > 0 {
			row.DeliveredAt = deliveries[len(deliveries)-1].CreatedAt
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// RenderAndStoreInput bundles an activity's argument into a single struct,
// since Temporal marshals activity arguments positionally through its own
// codec and a single struct argument keeps that stable across field
// additions.
type RenderAndStoreInput struct {
	JobID  string
	Format string
	Rows   []Row
}

// RenderAndStore renders rows into the requested format and writes the
// result to the blobstore under model.StageExport, returning the Result the
// workflow hands back to whoever started it.
func (a *Activities) RenderAndStore(ctx context.Context, in RenderAndStoreInput) (Result, error) {
	data, _, err := Render(in.Format, in.Rows)
	if err != nil {
		return Result{}, err
	}

	ref, err := a.Blobstore.Put(ctx, in.JobID, model.StageExport, schemaVersion, data)
	if err != nil {
		return Result{}, eris.Wrap(err, "exportjob: store rendered export")
	}
	return Result{ArtifactRef: ref, RowCount: len(in.Rows)}, nil
}
