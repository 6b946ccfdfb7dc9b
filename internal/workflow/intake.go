package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/foreman/internal/metrics"
)

type RequestInput struct {
	Content  string `json:"content"`
	Subject  string `json:"subject,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Source   string `json:"source,omitempty"`
}

type IntakeResult struct {
	RequestID      string                 `json:"request_id"`
	WorkflowID     string                 `json:"workflow_id"`
	Classification *RequestClassification `json:"classification"`
}

// Intake turns a raw client request into a persisted, executable workflow
// and signals its execution.
type Intake struct {
	repo       Repository
	classifier Classifier
	dispatcher Dispatcher
	maxRetries int
	now        func() time.Time
}

func NewIntake(repo Repository, classifier Classifier, dispatcher Dispatcher, maxRetries int) *Intake {
	if dispatcher == nil {
		dispatcher = nopDispatcher{}
	}
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Intake{repo: repo, classifier: classifier, dispatcher: dispatcher, maxRetries: maxRetries, now: time.Now}
}

// CreateAndProcessRequest persists the request, classifies it and
// materializes its workflow. If classification fails the request stays in
// classifying with the error recorded, and the error is returned.
func (in *Intake) CreateAndProcessRequest(ctx context.Context, input RequestInput) (*IntakeResult, error) {
	if strings.TrimSpace(input.Content) == "" {
		return nil, fmt.Errorf("request content is empty")
	}
	if input.Source == "" {
		input.Source = "api"
	}

	now := in.now()
	req := &Request{
		ID:        uuid.New().String(),
		ClientID:  input.ClientID,
		Subject:   input.Subject,
		Content:   input.Content,
		Source:    input.Source,
		Status:    RequestClassifying,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := in.repo.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	log := slog.With("request_id", req.ID, "client_id", req.ClientID)

	var clientContext string
	if input.ClientID != "" {
		c, err := in.repo.GetClient(ctx, input.ClientID)
		if err != nil {
			log.Warn("load client context failed", "error", err)
		}
		clientContext = FormatClient(c)
	}

	cls, err := in.classifier.Classify(ctx, input.Content, input.Subject, clientContext)
	if err == nil {
		err = ValidateSteps(cls.SuggestedWorkflow)
	}
	if err != nil {
		in.recordError(ctx, log, req.ID, RequestClassifying, err)
		metrics.RecordRequest(ctx, input.Source, "classification_failed")
		log.Error("classification failed", "error", err)
		return nil, fmt.Errorf("classify request %s: %w", req.ID, err)
	}

	if err := in.repo.UpdateRequestClassification(ctx, req.ID, cls); err != nil {
		err = fmt.Errorf("record classification: %w", err)
		in.recordError(ctx, log, req.ID, RequestFailed, err)
		return nil, err
	}

	wf, tasks, err := in.materialize(ctx, req, cls)
	if err == nil {
		if cerr := in.repo.CreateWorkflow(ctx, wf, tasks); cerr != nil {
			err = fmt.Errorf("create workflow: %w", cerr)
		}
	}
	if err != nil {
		in.recordError(ctx, log, req.ID, RequestFailed, err)
		metrics.RecordRequest(ctx, input.Source, "failed")
		return nil, err
	}
	if err := in.repo.UpdateRequestStatus(ctx, req.ID, RequestInProgress, ""); err != nil {
		return nil, fmt.Errorf("mark request in progress: %w", err)
	}

	ev := ExecuteEvent{WorkflowID: wf.ID, RequestID: req.ID, ClientID: req.ClientID}
	if err := in.dispatcher.Dispatch(ctx, ev); err != nil {
		// The workflow is consistent and executable; the retry sweeper or
		// an operator can still start it.
		log.Error("dispatch workflow failed", "workflow_id", wf.ID, "error", err)
	}

	metrics.RecordRequest(ctx, input.Source, "in_progress")
	log.Info("request classified", "workflow_id", wf.ID, "type", cls.RequestType, "steps", len(tasks))
	return &IntakeResult{RequestID: req.ID, WorkflowID: wf.ID, Classification: cls}, nil
}

// recordError stores the failure on the request. It is best effort: the
// caller already returns the original error.
func (in *Intake) recordError(ctx context.Context, log *slog.Logger, id string, status RequestStatus, err error) {
	if uerr := in.repo.UpdateRequestStatus(ctx, id, status, err.Error()); uerr != nil {
		log.Warn("record request error failed", "status", status, "error", uerr)
	}
}

func (in *Intake) materialize(ctx context.Context, req *Request, cls *RequestClassification) (*Workflow, []*Task, error) {
	now := in.now()
	wf := &Workflow{
		ID:         uuid.New().String(),
		RequestID:  req.ID,
		ClientID:   req.ClientID,
		Name:       workflowName(req, cls),
		Status:     WorkflowDraft,
		TotalSteps: len(cls.SuggestedWorkflow),
		Outputs:    map[string]string{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	agentIDs := make(map[AgentType]string)
	tasks := make([]*Task, 0, len(cls.SuggestedWorkflow))
	for _, s := range cls.SuggestedWorkflow {
		id, ok := agentIDs[s.AgentType]
		if !ok {
			a, err := in.repo.GetAgentByType(ctx, s.AgentType)
			if err != nil {
				return nil, nil, fmt.Errorf("resolve agent %s: %w", s.AgentType, err)
			}
			if a != nil {
				id = a.ID
			}
			agentIDs[s.AgentType] = id
		}

		input, err := json.Marshal(map[string]any{
			"request_content":  req.Content,
			"request_subject":  req.Subject,
			"step_description": s.Description,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("marshal task input: %w", err)
		}

		tasks = append(tasks, &Task{
			ID:               uuid.New().String(),
			WorkflowID:       wf.ID,
			AgentID:          id,
			StepIndex:        s.StepIndex,
			AgentType:        s.AgentType,
			TaskName:         s.TaskName,
			Description:      s.Description,
			Instructions:     s.Instructions,
			DependsOn:        s.DependsOn,
			EstimatedMinutes: s.EstimatedMinutes,
			Status:           TaskPending,
			MaxRetries:       in.maxRetries,
			Input:            input,
			UpdatedAt:        now,
		})
	}
	return wf, tasks, nil
}

func workflowName(req *Request, cls *RequestClassification) string {
	name := req.Subject
	if name == "" {
		name = cls.Summary
	}
	if r := []rune(name); len(r) > 80 {
		name = string(r[:77]) + "..."
	}
	return fmt.Sprintf("%s: %s", cls.RequestType, name)
}
