package workflow

import (
	"context"
	"encoding/json"
	"time"
)

// PreviousOutput is the recorded output of one completed dependency.
type PreviousOutput struct {
	StepIndex int    `json:"step_index"`
	TaskName  string `json:"task_name"`
	Output    string `json:"output"`
}

type ExecContext struct {
	PreviousOutputs []PreviousOutput
	ClientInfo      string
}

type TaskResult struct {
	Success    bool            `json:"success"`
	Output     string          `json:"output"`
	Structured json.RawMessage `json:"structured_output,omitempty"`
	TokensUsed int             `json:"tokens_used"`
	Error      string          `json:"error,omitempty"`
}

// StepRunner executes one task against its agent. Business failures come
// back as TaskResult{Success: false}; a non-nil error means the run cannot
// proceed at all (missing provider credentials) and aborts the pass.
type StepRunner interface {
	Execute(ctx context.Context, agent *Agent, instructions string, input json.RawMessage, ec ExecContext) (TaskResult, error)
}

type Classifier interface {
	Classify(ctx context.Context, content, subject, clientContext string) (*RequestClassification, error)
}

// ExecuteEvent is the "workflow/execute" signal.
type ExecuteEvent struct {
	WorkflowID string `json:"workflowId"`
	RequestID  string `json:"requestId"`
	ClientID   string `json:"clientId,omitempty"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, ev ExecuteEvent) error
}

const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"
	EventTaskStarted       = "task_started"
	EventTaskCompleted     = "task_completed"
	EventTaskFailed        = "task_failed"
	EventTaskRetry         = "task_retry_scheduled"
	EventTaskSkipped       = "task_skipped"
	EventDeliverable       = "deliverable_created"
)

type Event struct {
	Type       string         `json:"type"`
	WorkflowID string         `json:"workflow_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// EventPublisher receives engine lifecycle events. Delivery is best effort.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev Event)
}

type nopPublisher struct{}

func (nopPublisher) PublishEvent(context.Context, Event) {}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, ExecuteEvent) error { return nil }
