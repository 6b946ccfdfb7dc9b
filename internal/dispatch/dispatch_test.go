package dispatch

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/foreman/internal/config"
	"github.com/mtzanidakis/foreman/internal/natsbus"
	"github.com/mtzanidakis/foreman/internal/store"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

type okRunner struct{}

func (okRunner) Execute(_ context.Context, _ *workflow.Agent, instructions string, _ json.RawMessage, _ workflow.ExecContext) (workflow.TaskResult, error) {
	return workflow.TaskResult{Success: true, Output: "done: " + instructions, TokensUsed: 5}, nil
}

type fixture struct {
	client *natsbus.Client
	store  *store.Store
	engine *workflow.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{Port: natsserver.RANDOM_PORT})
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	client, err := natsbus.NewClient(bus)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	eng := workflow.NewEngine(s, okRunner{}, workflow.WithEvents(NewEventPublisher(client)))
	return &fixture{client: client, store: s, engine: eng}
}

func (f *fixture) seed(t *testing.T, id string) *workflow.Workflow {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.SaveAgent(ctx, &workflow.Agent{ID: "agent-writer", Type: workflow.AgentWriter, Name: "Writer", SystemPrompt: "write"}))
	req := &workflow.Request{ID: "req-" + id, Content: "write a post", Status: workflow.RequestInProgress}
	require.NoError(t, f.store.CreateRequest(ctx, req))
	wf := &workflow.Workflow{ID: id, RequestID: req.ID, Name: "post"}
	tasks := []*workflow.Task{
		{ID: id + "-1", AgentID: "agent-writer", StepIndex: 1, AgentType: workflow.AgentWriter, TaskName: "Draft", Instructions: "draft", MaxRetries: 1},
		{ID: id + "-2", AgentID: "agent-writer", StepIndex: 2, AgentType: workflow.AgentWriter, TaskName: "Polish", Instructions: "polish", DependsOn: []int{1}, MaxRetries: 1},
	}
	require.NoError(t, f.store.CreateWorkflow(ctx, wf, tasks))
	return wf
}

func TestDispatchRunsWorkflowOnWorker(t *testing.T) {
	f := newFixture(t)
	wf := f.seed(t, "wf-dispatch")

	events := make(chan workflow.Event, 32)
	_, err := f.client.Subscribe(natsbus.TopicEventsWorkflow(wf.ID), func(msg *nats.Msg) {
		var ev workflow.Event
		if json.Unmarshal(msg.Data, &ev) == nil {
			events <- ev
		}
	})
	require.NoError(t, err)

	results := make(chan *workflow.ExecutionResult, 1)
	w := NewWorker(f.client, f.engine, 2)
	w.OnResult(func(res *workflow.ExecutionResult, err error) {
		assert.NoError(t, err)
		results <- res
	})
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, f.client.Flush())

	d := NewDispatcher(f.client)
	require.NoError(t, d.Dispatch(context.Background(), workflow.ExecuteEvent{WorkflowID: wf.ID, RequestID: wf.RequestID}))

	select {
	case res := <-results:
		assert.Equal(t, workflow.WorkflowCompleted, res.Status)
		assert.Equal(t, 2, res.CompletedSteps)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for workflow pass")
	}
	w.Stop()

	var types []string
	timeout := time.After(2 * time.Second)
	for len(types) == 0 || types[len(types)-1] != workflow.EventWorkflowCompleted {
		select {
		case ev := <-events:
			assert.Equal(t, wf.ID, ev.WorkflowID)
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatalf("missing completion event, got %v", types)
		}
	}
	assert.Equal(t, workflow.EventWorkflowStarted, types[0])
	assert.Contains(t, types, workflow.EventTaskCompleted)
}

func TestDispatchRequiresWorkflowID(t *testing.T) {
	d := NewDispatcher(nil)
	assert.Error(t, d.Dispatch(context.Background(), workflow.ExecuteEvent{}))
}

type slowExec struct {
	mu      sync.Mutex
	active  int
	maxSeen int
	release chan struct{}
	done    chan struct{}
}

func (s *slowExec) ExecuteWorkflow(_ context.Context, id string) (*workflow.ExecutionResult, error) {
	s.mu.Lock()
	s.active++
	if s.active > s.maxSeen {
		s.maxSeen = s.active
	}
	s.mu.Unlock()

	<-s.release

	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	s.done <- struct{}{}
	return &workflow.ExecutionResult{WorkflowID: id, Status: workflow.WorkflowCompleted}, nil
}

func TestWorkerBoundsConcurrency(t *testing.T) {
	f := newFixture(t)
	exec := &slowExec{release: make(chan struct{}), done: make(chan struct{}, 8)}
	w := NewWorker(f.client, exec, 2)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, f.client.Flush())

	d := NewDispatcher(f.client)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, d.Dispatch(context.Background(), workflow.ExecuteEvent{WorkflowID: id}))
	}
	require.NoError(t, f.client.Flush())

	time.Sleep(200 * time.Millisecond)
	close(exec.release)
	for range 4 {
		select {
		case <-exec.done:
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for passes")
		}
	}
	w.Stop()

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.LessOrEqual(t, exec.maxSeen, 2)
}

func ipc(t *testing.T, c *natsbus.Client, typ string, payload any) IPCResponse {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(IPCRequest{Type: typ, Payload: raw})
	require.NoError(t, err)
	msg, err := c.Request(natsbus.TopicIPC(IPCService), data, 5*time.Second)
	require.NoError(t, err)
	var resp IPCResponse
	require.NoError(t, json.Unmarshal(msg.Data, &resp))
	return resp
}

type stubSubmitter struct {
	got workflow.RequestInput
}

func (s *stubSubmitter) CreateAndProcessRequest(_ context.Context, in workflow.RequestInput) (*workflow.IntakeResult, error) {
	s.got = in
	return &workflow.IntakeResult{RequestID: "req-new", WorkflowID: "wf-new"}, nil
}

type recordingDispatcher struct {
	mu  sync.Mutex
	evs []workflow.ExecuteEvent
}

func (r *recordingDispatcher) Dispatch(_ context.Context, ev workflow.ExecuteEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
	return nil
}

func TestResponderCommands(t *testing.T) {
	f := newFixture(t)
	wf := f.seed(t, "wf-ipc")
	sub := &stubSubmitter{}
	disp := &recordingDispatcher{}

	r := NewResponder(f.client, sub, f.engine, disp)
	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)
	require.NoError(t, f.client.Flush())

	resp := ipc(t, f.client, "submit", workflow.RequestInput{Content: "need a blog post", ClientID: "c1"})
	require.Empty(t, resp.Error)
	assert.Equal(t, "wf-new", resp.WorkflowID)
	assert.Equal(t, "ipc", sub.got.Source)
	assert.Equal(t, "c1", sub.got.ClientID)

	resp = ipc(t, f.client, "status", map[string]string{"workflow_id": wf.ID})
	require.Empty(t, resp.Error)
	require.NotNil(t, resp.Status)
	assert.Len(t, resp.Status.Tasks, 2)

	resp = ipc(t, f.client, "execute", map[string]string{"workflow_id": wf.ID})
	require.Empty(t, resp.Error)
	disp.mu.Lock()
	require.Len(t, disp.evs, 1)
	assert.Equal(t, wf.RequestID, disp.evs[0].RequestID)
	disp.mu.Unlock()

	resp = ipc(t, f.client, "list", map[string]any{"limit": 10})
	require.Empty(t, resp.Error)
	assert.Len(t, resp.Workflows, 1)

	resp = ipc(t, f.client, "cancel", map[string]string{"workflow_id": wf.ID})
	require.Empty(t, resp.Error)
	assert.Equal(t, 2, resp.Skipped)

	resp = ipc(t, f.client, "cancel", map[string]string{"workflow_id": "missing"})
	assert.Contains(t, resp.Error, "not found")

	resp = ipc(t, f.client, "status", map[string]string{})
	assert.Equal(t, "workflow_id is required", resp.Error)

	resp = ipc(t, f.client, "bogus", nil)
	assert.Equal(t, "unknown command: bogus", resp.Error)
}
