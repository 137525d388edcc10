package exportjob

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// TaskQueue is the Temporal task queue every export worker polls. A single
// queue is enough: exports are low-volume compared to the four stage
// queues, so there is no per-format or per-tenant split.
const TaskQueue = "submission-grader-exports"

var activityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    30 * time.Second,
		MaximumAttempts:    5,
	},
}

// Workflow fetches the matching rows and renders them, each step as its own
// activity so a transient Postgres or filesystem error during rendering
// doesn't force re-reading every submission from scratch: Temporal replays
// the workflow from its event history rather than re-running completed
// activities.
func Workflow(ctx workflow.Context, jobID string, req Request) (Result, error) {
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	// A nil-receiver method value only needs to name the activity for
	// Temporal's type registry; it is never invoked in this process. The
	// worker process registers the real, dependency-carrying *Activities
	// value (see RegisterWith) that actually executes when this activity
	// type name is dispatched.
	var activities *Activities

	var rows []Row
	if err := workflow.ExecuteActivity(ctx, activities.FetchRows, req).Get(ctx, &rows); err != nil {
		return Result{}, err
	}

	var result Result
	err := workflow.ExecuteActivity(ctx, activities.RenderAndStore, RenderAndStoreInput{
		JobID:  jobID,
		Format: req.Format,
		Rows:   rows,
	}).Get(ctx, &result)
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// RegisterWith registers Workflow and the given Activities' methods on w,
// the one place a worker process needs to call before w.Run.
func RegisterWith(w Worker, activities *Activities) {
	w.RegisterWorkflow(Workflow)
	w.RegisterActivity(activities.FetchRows)
	w.RegisterActivity(activities.RenderAndStore)
}

// Worker is the subset of go.temporal.io/sdk/worker.Worker this package
// needs, narrowed so callers (and tests) don't have to construct a real
// Temporal worker just to exercise registration.
type Worker interface {
	RegisterWorkflow(w any)
	RegisterActivity(a any)
}
