package workflow

import (
	"context"
	"time"
)

// Repository is the engine's single source of truth. Get methods return
// (nil, nil) when the record does not exist.
type Repository interface {
	CreateRequest(ctx context.Context, r *Request) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	UpdateRequestStatus(ctx context.Context, id string, status RequestStatus, errMsg string) error
	UpdateRequestClassification(ctx context.Context, id string, c *RequestClassification) error

	GetClient(ctx context.Context, id string) (*Client, error)
	SaveClient(ctx context.Context, c *Client) error

	// CreateWorkflow persists the workflow and all of its tasks atomically
	// and links the workflow to its request.
	CreateWorkflow(ctx context.Context, wf *Workflow, tasks []*Task) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, f WorkflowFilter) ([]*Workflow, error)
	// MarkWorkflowRunning moves a non-cancelled, non-completed workflow to
	// running. It reports false when the workflow was not eligible.
	MarkWorkflowRunning(ctx context.Context, id string, at time.Time) (bool, error)
	// UpdateWorkflowProgress raises current_step; it never lowers it.
	UpdateWorkflowProgress(ctx context.Context, id string, step int) error
	// FinalizeWorkflow writes the terminal status, outputs and deliverables
	// unless the workflow was cancelled meanwhile. It returns the status
	// that is stored afterwards.
	FinalizeWorkflow(ctx context.Context, wf *Workflow) (WorkflowStatus, error)
	// CancelWorkflow marks the workflow cancelled and skips its pending and
	// queued tasks. It returns the number of tasks skipped.
	CancelWorkflow(ctx context.Context, id string) (int, error)
	// ListRetryableWorkflows returns failed workflows that still own
	// pending tasks, last touched before the given time.
	ListRetryableWorkflows(ctx context.Context, before time.Time) ([]*Workflow, error)

	// ListTasks returns the workflow's tasks ordered by step_index.
	ListTasks(ctx context.Context, workflowID string) ([]*Task, error)
	// ClaimTask atomically moves a pending or queued task to running. It
	// reports false when the task was no longer claimable.
	ClaimTask(ctx context.Context, id string, at time.Time) (bool, error)
	// SaveTaskResult persists t. A pending (retry) status written to a
	// cancelled workflow is stored as failed without consuming the retry,
	// checked atomically with the write; t reflects what was stored.
	SaveTaskResult(ctx context.Context, t *Task) error

	// CreateDeliverable is keyed by task; a second call for the same task
	// replaces the content instead of adding a row.
	CreateDeliverable(ctx context.Context, d *Deliverable) error
	ListDeliverables(ctx context.Context, workflowID string) ([]*Deliverable, error)

	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByType(ctx context.Context, t AgentType) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	SaveAgent(ctx context.Context, a *Agent) error
	DeleteAgentsNotIn(ctx context.Context, types []AgentType) error
}

type WorkflowFilter struct {
	Status   WorkflowStatus
	ClientID string
	Limit    int
}
