package workflow

import (
	"encoding/json"
	"time"
)

type RequestType string

const (
	RequestMarketing   RequestType = "marketing"
	RequestSales       RequestType = "sales"
	RequestSupport     RequestType = "support"
	RequestOperations  RequestType = "operations"
	RequestDevelopment RequestType = "development"
	RequestResearch    RequestType = "research"
	RequestStrategy    RequestType = "strategy"
	RequestCreative    RequestType = "creative"
)

var RequestTypes = []RequestType{
	RequestMarketing, RequestSales, RequestSupport, RequestOperations,
	RequestDevelopment, RequestResearch, RequestStrategy, RequestCreative,
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

type Complexity string

const (
	ComplexitySimple     Complexity = "simple"
	ComplexityModerate   Complexity = "moderate"
	ComplexityComplex    Complexity = "complex"
	ComplexityEnterprise Complexity = "enterprise"
)

type AgentType string

const (
	AgentWriter     AgentType = "writer"
	AgentResearcher AgentType = "researcher"
	AgentAnalyst    AgentType = "analyst"
	AgentDeveloper  AgentType = "developer"
	AgentStrategist AgentType = "strategist"
	AgentSupport    AgentType = "support"
	AgentManager    AgentType = "manager"
	AgentQC         AgentType = "qc"
	AgentDelivery   AgentType = "delivery"
)

var AgentTypes = []AgentType{
	AgentWriter, AgentResearcher, AgentAnalyst, AgentDeveloper, AgentStrategist,
	AgentSupport, AgentManager, AgentQC, AgentDelivery,
}

// ProducesDeliverable reports whether a completed task of this type yields
// a client-visible Deliverable.
func (a AgentType) ProducesDeliverable() bool {
	switch a {
	case AgentWriter, AgentResearcher, AgentAnalyst, AgentDeveloper, AgentStrategist:
		return true
	}
	return false
}

func (a AgentType) Valid() bool {
	for _, t := range AgentTypes {
		if t == a {
			return true
		}
	}
	return false
}

type RequestStatus string

const (
	RequestPending     RequestStatus = "pending"
	RequestClassifying RequestStatus = "classifying"
	RequestClassified  RequestStatus = "classified"
	RequestInProgress  RequestStatus = "in_progress"
	RequestCompleted   RequestStatus = "completed"
	RequestFailed      RequestStatus = "failed"
)

type WorkflowStatus string

const (
	WorkflowDraft     WorkflowStatus = "draft"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

type DeliverableStatus string

const (
	DeliverableDraft    DeliverableStatus = "draft"
	DeliverableApproved DeliverableStatus = "approved"
	DeliverableRejected DeliverableStatus = "rejected"
)

// Step is the planned shape of one unit of work.
type Step struct {
	StepIndex        int       `json:"step_index"`
	AgentType        AgentType `json:"agent_type"`
	TaskName         string    `json:"task_name"`
	Description      string    `json:"description"`
	Instructions     string    `json:"instructions"`
	DependsOn        []int     `json:"depends_on"`
	EstimatedMinutes int       `json:"estimated_minutes"`
}

type RequestClassification struct {
	RequestType       RequestType `json:"request_type"`
	Priority          Priority    `json:"priority"`
	Complexity        Complexity  `json:"complexity"`
	Summary           string      `json:"summary"`
	RequiredAgents    []AgentType `json:"required_agents"`
	EstimatedMinutes  int         `json:"estimated_minutes"`
	SuggestedWorkflow []Step      `json:"suggested_workflow"`
}

type Client struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Company   string    `json:"company,omitempty"`
	Industry  string    `json:"industry,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Request struct {
	ID               string        `json:"id"`
	ClientID         string        `json:"client_id,omitempty"`
	Subject          string        `json:"subject,omitempty"`
	Content          string        `json:"content"`
	Source           string        `json:"source,omitempty"`
	Status           RequestStatus `json:"status"`
	Type             RequestType   `json:"request_type,omitempty"`
	Priority         Priority      `json:"priority,omitempty"`
	Complexity       Complexity    `json:"complexity,omitempty"`
	Summary          string        `json:"summary,omitempty"`
	EstimatedMinutes int           `json:"estimated_minutes,omitempty"`
	WorkflowID       string        `json:"workflow_id,omitempty"`
	Error            string        `json:"error,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

type Workflow struct {
	ID           string            `json:"id"`
	RequestID    string            `json:"request_id"`
	ClientID     string            `json:"client_id,omitempty"`
	Name         string            `json:"name"`
	Status       WorkflowStatus    `json:"status"`
	CurrentStep  int               `json:"current_step"`
	TotalSteps   int               `json:"total_steps"`
	Outputs      map[string]string `json:"outputs"`
	Deliverables []string          `json:"deliverables"`
	Error        string            `json:"error,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Task is the persisted, stateful instance of a Step.
type Task struct {
	ID               string          `json:"id"`
	WorkflowID       string          `json:"workflow_id"`
	AgentID          string          `json:"agent_id,omitempty"`
	StepIndex        int             `json:"step_index"`
	AgentType        AgentType       `json:"agent_type"`
	TaskName         string          `json:"task_name"`
	Description      string          `json:"description"`
	Instructions     string          `json:"instructions"`
	DependsOn        []int           `json:"depends_on"`
	EstimatedMinutes int             `json:"estimated_minutes"`
	Status           TaskStatus      `json:"status"`
	RetryCount       int             `json:"retry_count"`
	MaxRetries       int             `json:"max_retries"`
	Input            json.RawMessage `json:"input,omitempty"`
	Output           *OutputData     `json:"output,omitempty"`
	TokensUsed       int             `json:"tokens_used"`
	DurationMs       int64           `json:"duration_ms"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (t *Task) Step() Step {
	return Step{
		StepIndex:        t.StepIndex,
		AgentType:        t.AgentType,
		TaskName:         t.TaskName,
		Description:      t.Description,
		Instructions:     t.Instructions,
		DependsOn:        t.DependsOn,
		EstimatedMinutes: t.EstimatedMinutes,
	}
}

type Deliverable struct {
	ID         string            `json:"id"`
	WorkflowID string            `json:"workflow_id"`
	TaskID     string            `json:"task_id"`
	RequestID  string            `json:"request_id"`
	ClientID   string            `json:"client_id,omitempty"`
	Title      string            `json:"title"`
	Kind       AgentType         `json:"kind"`
	Content    string            `json:"content"`
	Status     DeliverableStatus `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Agent is the static configuration for one agent type.
type Agent struct {
	ID           string    `json:"id"`
	Type         AgentType `json:"type"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	SystemPrompt string    `json:"system_prompt"`
	Model        string    `json:"model"`
	Temperature  *float64  `json:"temperature,omitempty"` // nil: use the configured default
	MaxTokens    int       `json:"max_tokens"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TaskDetail is a task joined with the agent that runs it.
type TaskDetail struct {
	Task
	Agent *Agent `json:"agent,omitempty"`
}

// Status is the joined read model returned by GetWorkflowStatus.
type Status struct {
	Workflow     *Workflow      `json:"workflow"`
	Tasks        []TaskDetail   `json:"tasks"`
	Deliverables []*Deliverable `json:"deliverables"`
}

type ExecutionResult struct {
	WorkflowID     string            `json:"workflow_id"`
	Status         WorkflowStatus    `json:"status"`
	CompletedSteps int               `json:"completed_steps"`
	TotalSteps     int               `json:"total_steps"`
	Outputs        map[string]string `json:"outputs"`
	Deliverables   []string          `json:"deliverables"`
	TokensUsed     int               `json:"tokens_used"`
	DurationMs     int64             `json:"duration_ms"`
	Error          string            `json:"error,omitempty"`
}
