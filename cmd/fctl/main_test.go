package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/foreman/internal/config"
	"github.com/mtzanidakis/foreman/internal/dispatch"
	"github.com/mtzanidakis/foreman/internal/natsbus"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

func startTestNATS(t *testing.T) *natsbus.Bus {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{Port: natsserver.RANDOM_PORT})
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

// fakeGateway answers IPC requests with reply and records what it got.
func fakeGateway(t *testing.T, url string, reply dispatch.IPCResponse) <-chan dispatch.IPCRequest {
	t.Helper()
	conn, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)

	got := make(chan dispatch.IPCRequest, 1)
	_, err = conn.Subscribe(natsbus.TopicIPC(dispatch.IPCService), func(msg *nats.Msg) {
		var req dispatch.IPCRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			t.Errorf("unmarshal request: %v", err)
			return
		}
		got <- req
		resp, _ := json.Marshal(reply)
		msg.Respond(resp)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	conn.Flush()
	return got
}

func run(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--nats", url, "--timeout", "5s"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestSubmit(t *testing.T) {
	bus := startTestNATS(t)
	got := fakeGateway(t, bus.ClientURL(), dispatch.IPCResponse{
		OK:         true,
		RequestID:  "req-1",
		WorkflowID: "wf-1",
		Result: &workflow.IntakeResult{
			RequestID:  "req-1",
			WorkflowID: "wf-1",
			Classification: &workflow.RequestClassification{
				RequestType: workflow.RequestMarketing,
				Priority:    workflow.PriorityHigh,
				Complexity:  workflow.ComplexityModerate,
				SuggestedWorkflow: []workflow.Step{
					{StepIndex: 1}, {StepIndex: 2}, {StepIndex: 3},
				},
			},
		},
	})

	out, err := run(t, bus.ClientURL(), "submit", "--client", "acme", "--subject", "Launch", "write", "three", "emails")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case req := <-got:
		if req.Type != "submit" {
			t.Errorf("expected type submit, got %s", req.Type)
		}
		var in workflow.RequestInput
		if err := json.Unmarshal(req.Payload, &in); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if in.Content != "write three emails" || in.ClientID != "acme" || in.Subject != "Launch" || in.Source != "fctl" {
			t.Errorf("unexpected payload %+v", in)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gateway never received the request")
	}

	for _, want := range []string{"Workflow: wf-1", "marketing (high, moderate)", "Steps:    3"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestCancelSendsWorkflowID(t *testing.T) {
	bus := startTestNATS(t)
	got := fakeGateway(t, bus.ClientURL(), dispatch.IPCResponse{OK: true, WorkflowID: "wf-9", Skipped: 2})

	out, err := run(t, bus.ClientURL(), "cancel", "wf-9")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	req := <-got
	if req.Type != "cancel" || string(req.Payload) != `{"workflow_id":"wf-9"}` {
		t.Errorf("unexpected request %s %s", req.Type, req.Payload)
	}
	if !strings.Contains(out, "2 tasks skipped") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestStatusPrintsTasks(t *testing.T) {
	bus := startTestNATS(t)
	st := &workflow.Status{
		Workflow: &workflow.Workflow{ID: "wf-2", Name: "Launch", Status: workflow.WorkflowRunning, CurrentStep: 1, TotalSteps: 2},
		Tasks: []workflow.TaskDetail{
			{Task: workflow.Task{StepIndex: 1, AgentType: workflow.AgentWriter, TaskName: "Write", Status: workflow.TaskCompleted, MaxRetries: 3}},
			{Task: workflow.Task{StepIndex: 2, AgentType: workflow.AgentQC, TaskName: "Review", Status: workflow.TaskPending, RetryCount: 1, MaxRetries: 3}},
		},
	}
	fakeGateway(t, bus.ClientURL(), dispatch.IPCResponse{OK: true, WorkflowID: "wf-2", Status: st})

	out, err := run(t, bus.ClientURL(), "status", "wf-2")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"wf-2  Launch  [running]  step 1/2", "Review", "1/3"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestGatewayErrorIsReturned(t *testing.T) {
	bus := startTestNATS(t)
	fakeGateway(t, bus.ClientURL(), dispatch.IPCResponse{Error: "workflow not found"})

	_, err := run(t, bus.ClientURL(), "execute", "missing")
	if err == nil || err.Error() != "workflow not found" {
		t.Fatalf("expected gateway error, got %v", err)
	}
}

func TestListEmpty(t *testing.T) {
	bus := startTestNATS(t)
	got := fakeGateway(t, bus.ClientURL(), dispatch.IPCResponse{OK: true})

	out, err := run(t, bus.ClientURL(), "list", "--status", "failed", "--limit", "5")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	req := <-got
	var p map[string]any
	json.Unmarshal(req.Payload, &p)
	if p["status"] != "failed" || p["limit"] != float64(5) {
		t.Errorf("unexpected list payload %v", p)
	}
	if !strings.Contains(out, "No workflows found.") {
		t.Errorf("unexpected output %q", out)
	}
}
