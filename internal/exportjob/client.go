package exportjob

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
)

// Client starts and polls export workflows. It is the HTTP ingress's only
// dependency on Temporal — `cmd/api.go`'s POST /exports and
// GET /exports/{id}/download handlers hold one of these, never a raw
// client.Client.
type Client struct {
	temporal client.Client
}

// New wraps an already-dialed Temporal client. Dialing (client.Dial) is a
// bootstrap concern left to cmd/, mirroring how internal/store's
// constructors take an already-connected pgxpool.Pool rather than dialing
// themselves.
func New(temporalClient client.Client) *Client {
	return &Client{temporal: temporalClient}
}

// Start launches the export workflow and returns its workflow ID, which
// doubles as the job id callers poll with Poll. The id is "export_" plus a
// fresh uuid.New(), and it is handed back to the HTTP caller as job_id.
func (c *Client) Start(ctx context.Context, req Request) (string, error) {
	jobID := "export_" + uuid.New().String()
	_, err := c.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        jobID,
		TaskQueue: TaskQueue,
	}, Workflow, jobID, req)
	if err != nil {
		return "", eris.Wrap(err, "exportjob: start workflow")
	}
	return jobID, nil
}

// Status is the coarse state GET /exports/{id}/download reports before the
// file is ready.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Poll reports whether jobID's workflow has finished and, if so, its
// Result. It never blocks waiting for completion — GET /exports/{id}/download
// is expected to be polled by the caller, not held open.
func (c *Client) Poll(ctx context.Context, jobID string) (Status, *Result, error) {
	desc, err := c.temporal.DescribeWorkflowExecution(ctx, jobID, "")
	if err != nil {
		return "", nil, eris.Wrap(err, "exportjob: describe workflow")
	}

	info := desc.GetWorkflowExecutionInfo()
	if info.GetCloseTime() == nil {
		return StatusRunning, nil, nil
	}

	run := c.temporal.GetWorkflow(ctx, jobID, "")
	var result Result
	if err := run.Get(ctx, &result); err != nil {
		return StatusFailed, nil, nil
	}
	return StatusCompleted, &result, nil
}
