package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/foreman/internal/natsbus"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

// IPCService is the host.ipc subject fctl talks to.
const IPCService = "foreman"

type IPCRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type IPCResponse struct {
	OK         bool                   `json:"ok,omitempty"`
	Error      string                 `json:"error,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	Skipped    int                    `json:"skipped,omitempty"`
	Status     *workflow.Status       `json:"status,omitempty"`
	Workflows  []*workflow.Workflow   `json:"workflows,omitempty"`
	Result     *workflow.IntakeResult `json:"result,omitempty"`
}

type workflowPayload struct {
	WorkflowID string `json:"workflow_id"`
}

type listPayload struct {
	Status   string `json:"status"`
	ClientID string `json:"client_id"`
	Limit    int    `json:"limit"`
}

// Submitter turns request text into a dispatched workflow.
type Submitter interface {
	CreateAndProcessRequest(ctx context.Context, input workflow.RequestInput) (*workflow.IntakeResult, error)
}

// Controller is the engine surface exposed over IPC.
type Controller interface {
	GetWorkflowStatus(ctx context.Context, id string) (*workflow.Status, error)
	CancelWorkflow(ctx context.Context, id string) (int, error)
	Repository() workflow.Repository
}

type Responder struct {
	client     *natsbus.Client
	intake     Submitter
	engine     Controller
	dispatcher workflow.Dispatcher
	timeout    time.Duration
	sub        *nats.Subscription
}

func NewResponder(client *natsbus.Client, intake Submitter, engine Controller, d workflow.Dispatcher) *Responder {
	return &Responder{
		client:     client,
		intake:     intake,
		engine:     engine,
		dispatcher: d,
		timeout:    3 * time.Minute,
	}
}

func (r *Responder) Start() error {
	sub, err := r.client.Subscribe(natsbus.TopicIPC(IPCService), func(msg *nats.Msg) {
		// Submit blocks on classification; keep the subscription free.
		go r.handle(msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe ipc: %w", err)
	}
	r.sub = sub
	return nil
}

func (r *Responder) Stop() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
}

func (r *Responder) handle(msg *nats.Msg) {
	var req IPCRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		slog.Warn("invalid IPC command", "error", err)
		respond(msg, IPCResponse{Error: "invalid command"})
		return
	}

	slog.Info("IPC command received", "type", req.Type)

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	resp, err := r.Handle(ctx, req)
	if err != nil {
		resp = IPCResponse{Error: err.Error()}
	}
	respond(msg, resp)
}

// Handle executes one IPC command.
func (r *Responder) Handle(ctx context.Context, req IPCRequest) (IPCResponse, error) {
	switch req.Type {
	case "submit":
		var in workflow.RequestInput
		if err := decodePayload(req.Payload, &in); err != nil {
			return IPCResponse{}, err
		}
		if in.Source == "" {
			in.Source = "ipc"
		}
		res, err := r.intake.CreateAndProcessRequest(ctx, in)
		if err != nil {
			return IPCResponse{}, fmt.Errorf("submit failed: %w", err)
		}
		return IPCResponse{OK: true, RequestID: res.RequestID, WorkflowID: res.WorkflowID, Result: res}, nil

	case "status":
		id, err := workflowID(req.Payload)
		if err != nil {
			return IPCResponse{}, err
		}
		st, err := r.engine.GetWorkflowStatus(ctx, id)
		if err != nil {
			return IPCResponse{}, err
		}
		return IPCResponse{OK: true, WorkflowID: id, Status: st}, nil

	case "cancel":
		id, err := workflowID(req.Payload)
		if err != nil {
			return IPCResponse{}, err
		}
		n, err := r.engine.CancelWorkflow(ctx, id)
		if err != nil {
			return IPCResponse{}, err
		}
		return IPCResponse{OK: true, WorkflowID: id, Skipped: n}, nil

	case "execute":
		id, err := workflowID(req.Payload)
		if err != nil {
			return IPCResponse{}, err
		}
		wf, err := r.engine.Repository().GetWorkflow(ctx, id)
		if err != nil {
			return IPCResponse{}, err
		}
		if wf == nil {
			return IPCResponse{}, workflow.ErrWorkflowNotFound
		}
		ev := workflow.ExecuteEvent{WorkflowID: wf.ID, RequestID: wf.RequestID, ClientID: wf.ClientID}
		if err := r.dispatcher.Dispatch(ctx, ev); err != nil {
			return IPCResponse{}, err
		}
		return IPCResponse{OK: true, WorkflowID: id}, nil

	case "list":
		var p listPayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return IPCResponse{}, err
		}
		wfs, err := r.engine.Repository().ListWorkflows(ctx, workflow.WorkflowFilter{
			Status:   workflow.WorkflowStatus(p.Status),
			ClientID: p.ClientID,
			Limit:    p.Limit,
		})
		if err != nil {
			return IPCResponse{}, fmt.Errorf("list failed: %w", err)
		}
		return IPCResponse{OK: true, Workflows: wfs}, nil
	}
	slog.Warn("unknown IPC command", "type", req.Type)
	return IPCResponse{}, fmt.Errorf("unknown command: %s", req.Type)
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.New("invalid payload")
	}
	return nil
}

func workflowID(raw json.RawMessage) (string, error) {
	var p workflowPayload
	if err := decodePayload(raw, &p); err != nil {
		return "", err
	}
	if p.WorkflowID == "" {
		return "", errors.New("workflow_id is required")
	}
	return p.WorkflowID, nil
}

func respond(msg *nats.Msg, resp IPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal IPC response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("failed to respond to IPC", "error", err)
	}
}
