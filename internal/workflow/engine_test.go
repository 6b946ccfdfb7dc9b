package workflow_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/foreman/internal/config"
	"github.com/mtzanidakis/foreman/internal/store"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

type call struct {
	Instructions string
	Agent        workflow.AgentType
	Previous     []workflow.PreviousOutput
	ClientInfo   string
}

// fakeRunner answers by instructions. A missing entry succeeds with
// "out:<instructions>".
type fakeRunner struct {
	mu    sync.Mutex
	calls []call
	fn    func(instructions string, attempt int) (workflow.TaskResult, error)
	seen  map[string]int
}

func (f *fakeRunner) Execute(_ context.Context, agent *workflow.Agent, instructions string, _ json.RawMessage, ec workflow.ExecContext) (workflow.TaskResult, error) {
	f.mu.Lock()
	if f.seen == nil {
		f.seen = map[string]int{}
	}
	f.seen[instructions]++
	attempt := f.seen[instructions]
	f.calls = append(f.calls, call{Instructions: instructions, Agent: agent.Type, Previous: ec.PreviousOutputs, ClientInfo: ec.ClientInfo})
	fn := f.fn
	f.mu.Unlock()

	if fn != nil {
		return fn(instructions, attempt)
	}
	return workflow.TaskResult{Success: true, Output: "out:" + instructions, TokensUsed: 10}, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRunner) callsFor(instructions string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.Instructions == instructions {
			out = append(out, c)
		}
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	events []workflow.Event
}

func (r *recorder) PublishEvent(_ context.Context, ev workflow.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func newRepo(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "engine.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	for _, at := range workflow.AgentTypes {
		require.NoError(t, s.SaveAgent(ctx, &workflow.Agent{
			ID: "agent-" + string(at), Type: at, Name: string(at), SystemPrompt: "You are " + string(at), MaxTokens: 1024,
		}))
	}
	return s
}

type stepSpec struct {
	agent   workflow.AgentType
	deps    []int
	retries int
}

var seq atomic.Int64

func seed(t *testing.T, s *store.Store, clientID string, specs ...stepSpec) string {
	t.Helper()
	ctx := context.Background()
	reqID := fmt.Sprintf("req-%d", seq.Add(1))
	require.NoError(t, s.CreateRequest(ctx, &workflow.Request{ID: reqID, ClientID: clientID, Content: "help", Status: workflow.RequestInProgress}))

	wfID := "wf-" + reqID
	var tasks []*workflow.Task
	for i, sp := range specs {
		idx := i + 1
		tasks = append(tasks, &workflow.Task{
			ID:           fmt.Sprintf("%s-t%d", wfID, idx),
			StepIndex:    idx,
			AgentType:    sp.agent,
			TaskName:     fmt.Sprintf("step %d", idx),
			Instructions: fmt.Sprintf("do %d", idx),
			DependsOn:    sp.deps,
			MaxRetries:   sp.retries,
		})
	}
	require.NoError(t, s.CreateWorkflow(ctx, &workflow.Workflow{ID: wfID, RequestID: reqID, ClientID: clientID, Name: "test"}, tasks))
	return wfID
}

func failing(target string) func(string, int) (workflow.TaskResult, error) {
	return func(instr string, _ int) (workflow.TaskResult, error) {
		if instr == target {
			return workflow.TaskResult{Success: false, Error: "model refused"}, nil
		}
		return workflow.TaskResult{Success: true, Output: "out:" + instr, TokensUsed: 10}, nil
	}
}

func TestExecuteIndependentStepsComplete(t *testing.T) {
	s := newRepo(t)
	runner := &fakeRunner{}
	rec := &recorder{}
	eng := workflow.NewEngine(s, runner, workflow.WithEvents(rec))
	id := seed(t, s, "", stepSpec{agent: workflow.AgentWriter}, stepSpec{agent: workflow.AgentResearcher}, stepSpec{agent: workflow.AgentQC})

	res, err := eng.ExecuteWorkflow(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, workflow.WorkflowCompleted, res.Status)
	assert.Equal(t, 3, res.CompletedSteps)
	assert.Equal(t, 3, res.TotalSteps)
	assert.Len(t, res.Outputs, 3)
	assert.Equal(t, "out:do 2", res.Outputs["step 2"])
	assert.Equal(t, 30, res.TokensUsed)
	assert.Len(t, res.Deliverables, 2)

	wf, err := s.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowCompleted, wf.Status)
	assert.Equal(t, 3, wf.CurrentStep)
	assert.NotNil(t, wf.CompletedAt)

	req, _ := s.GetRequest(context.Background(), wf.RequestID)
	assert.Equal(t, workflow.RequestCompleted, req.Status)

	types := rec.types()
	assert.Equal(t, workflow.EventWorkflowStarted, types[0])
	assert.Equal(t, workflow.EventWorkflowCompleted, types[len(types)-1])
}

func TestExecuteIsIdempotentOnceComplete(t *testing.T) {
	s := newRepo(t)
	runner := &fakeRunner{}
	eng := workflow.NewEngine(s, runner)
	id := seed(t, s, "", stepSpec{agent: workflow.AgentWriter}, stepSpec{agent: workflow.AgentDelivery, deps: []int{1}})

	first, err := eng.ExecuteWorkflow(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 2, runner.count())

	second, err := eng.ExecuteWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, runner.count(), "completed workflow must not call the runner again")
	assert.Equal(t, first.Outputs, second.Outputs)
	assert.Equal(t, first.Deliverables, second.Deliverables)
	assert.Equal(t, workflow.WorkflowCompleted, second.Status)

	dels, _ := s.ListDeliverables(context.Background(), id)
	assert.Len(t, dels, 1)
}

func TestDependencyOutputsAreForwarded(t *testing.T) {
	s := newRepo(t)
	runner := &fakeRunner{}
	eng := workflow.NewEngine(s, runner)
	id := seed(t, s, "", stepSpec{agent: workflow.AgentResearcher}, stepSpec{agent: workflow.AgentAnalyst},
		stepSpec{agent: workflow.AgentWriter, deps: []int{2, 1}})

	_, err := eng.ExecuteWorkflow(context.Background(), id)
	require.NoError(t, err)

	calls := runner.callsFor("do 3")
	require.Len(t, calls, 1)
	prev := calls[0].Previous
	require.Len(t, prev, 2)
	assert.Equal(t, 1, prev[0].StepIndex)
	assert.Equal(t, "out:do 1", prev[0].Output)
	assert.Equal(t, 2, prev[1].StepIndex)
}

func TestFailedDependencyDoesNotBlockByDefault(t *testing.T) {
	s := newRepo(t)
	runner := &fakeRunner{fn: failing("do 1")}
	eng := workflow.NewEngine(s, runner)
	id := seed(t, s, "", stepSpec{agent: workflow.AgentResearcher}, stepSpec{agent: workflow.AgentWriter, deps: []int{1}})

	res, err := eng.ExecuteWorkflow(context.Background(), id)
	require.NoError(t, err)

	calls := runner.callsFor("do 2")
	require.Len(t, calls, 1, "dependent step still runs")
	assert.Empty(t, calls[0].Previous, "failed dependency contributes no context")

	assert.Equal(t, workflow.WorkflowFailed, res.Status)
	assert.Equal(t, 1, res.CompletedSteps)
	assert.Equal(t, "1 of 2 tasks did not complete", res.Error)
	assert.Len(t, res.Deliverables, 1, "partial progress keeps its deliverables")

	tasks, _ := s.ListTasks(context.Background(), id)
	assert.Equal(t, workflow.TaskFailed, tasks[0].Status)
	assert.Equal(t, "model refused", tasks[0].ErrorMessage)

	wf, _ := s.GetWorkflow(context.Background(), id)
	req, _ := s.GetRequest(context.Background(), wf.RequestID)
	assert.Equal(t, workflow.RequestFailed, req.Status)
}

func TestGatedDependencySkipsDependents(t *testing.T) {
	s := newRepo(t)
	runner := &fakeRunner{fn: failing("do 1")}
	opts := workflow.DefaultOptions()
	opts.GateDependencies = true
	rec := &recorder{}
	eng := workflow.NewEngine(s, runner, workflow.WithOptions(opts), workflow.WithEvents(rec))
	id := seed(t, s, "", stepSpec{agent: workflow.AgentResearcher}, stepSpec{agent: workflow.AgentWriter, deps: []int{1}},
		stepSpec{agent: workflow.AgentAnalyst})

	res, err := eng.ExecuteWorkflow(context.Background(), id)
	require.NoError(t, err)

	assert.Empty(t, runner.callsFor("do 2"))
	assert.Len(t, runner.callsFor("do 3"), 1)
	assert.Equal(t, workflow.WorkflowFailed, res.Status)

	tasks, _ := s.ListTasks(context.Background(), id)
	assert.Equal(t, workflow.TaskSkipped, tasks[1].Status)
	assert.Equal(t, "dependency step 1 did not complete", tasks[1].ErrorMessage)
	assert.Contains(t, rec.types(), workflow.EventTaskSkipped)
}

func TestGatedDependencyWaitsForPendingRetry(t *testing.T) {
	s := newRepo(t)
	runner := &fakeRunner{fn: func(instr string, attempt int) (workflow.TaskResult, error) {
		if instr == "do 1" && attempt == 1 {
			return workflow.TaskResult{Error: "timeout"}, nil
		}
		return workflow.TaskResult{Success: true, Output: "out:" + instr}, nil
	}}
	opts := workflow.DefaultOptions()
	opts.GateDependencies = true
	eng := workflow.NewEngine(s, runner, workflow.WithOptions(opts))
	id := seed(t, s, "", stepSpec{agent: workflow.AgentResearcher, retries: 2}, stepSpec{agent: workflow.AgentWriter, deps: []int{1}})

	res, err := eng.ExecuteWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowFailed, res.Status)
	assert.Empty(t, runner.callsFor("do 2"), "dependent waits while its dependency is pending")

	tasks, _ := s.ListTasks(context.Background(), id)
	assert.Equal(t, workflow.TaskPending, tasks[0].Status)
	assert.Equal(t, 1, tasks[0].RetryCount)
	assert.Equal(t, workflow.TaskPending, tasks[1].Status)

	res, err = eng.ExecuteWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowCompleted, res.Status)
	calls := runner.callsFor("do 2")
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Previous, 1)
	assert.Equal(t, "out:do 1", calls[0].Previous[0].Output)
}

func TestRetryBoundAcrossPasses(t *testing.T) {
	s := newRepo(t)
	runner := &fakeRunner{fn: failing("do 1")}
	rec := &recorder{}
	eng := workflow.NewEngine(s, runner, workflow.WithEvents(rec))
	id := seed(t, s, "", stepSpec{agent: workflow.AgentWriter, retries: 2})

	for pass := 1; pass <= 3; pass++ {
		res, err := eng.ExecuteWorkflow(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, workflow.WorkflowFailed, res.Status, "pass %d", pass)
	}
	assert.Equal(t, 3, runner.count(), "maxRetries+1 attempts")

	tasks, _ := s.ListTasks(context.Background(), id)
	assert.Equal(t, workflow.TaskFailed, tasks[0].Status)
	assert.Equal(t, 2, tasks[0].RetryCount)

	_, err := eng.ExecuteWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, runner.count(), "terminal failed task is never retried")

	var retries int
	for _, typ := range rec.types() {
		if typ == workflow.EventTaskRetry {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestInlineRetries(t *testing.T) {
	s := newRepo(t)
	runner := &fakeRunner{fn: func(instr string, attempt int) (workflow.TaskResult, error) {
		if attempt < 3 {
			return workflow.TaskResult{Error: "flaky"}, nil
		}
		return workflow.TaskResult{Success: true, Output: "ok"}, nil
	}}
	var waits []time.Duration
	opts := workflow.DefaultOptions()
	opts.InlineRetries = true
	eng := workflow.NewEngine(s, runner, workflow.WithOptions(opts), workflow.WithSleep(func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}))
	id := seed(t, s, "", stepSpec{agent: workflow.AgentWriter, retries: 3})

	res, err := eng.ExecuteWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowCompleted, res.Status)
	assert.Equal(t, 3, runner.count())
	assert.Len(t, waits, 2)

	tasks, _ := s.ListTasks(context.Background(), id)
	assert.Equal(t, 2, tasks[0].RetryCount)
}

func TestDeliverablesOnlyForContentAgents(t *testing.T) {
	s := newRepo(t)
	eng := workflow.NewEngine(s, &fakeRunner{})
	var specs []stepSpec
	for _, at := range workflow.AgentTypes {
		specs = append(specs, stepSpec{agent: at})
	}
	id := seed(t, s, "", specs...)

	res, err := eng.ExecuteWorkflow(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, workflow.WorkflowCompleted, res.Status)

	dels, err := s.ListDeliverables(context.Background(), id)
	require.NoError(t, err)
	kinds := map[workflow.AgentType]int{}
	for _, d := range dels {
		kinds[d.Kind]++
		assert.Equal(t, workflow.DeliverableDraft, d.Status)
	}
	for _, at := range workflow.AgentTypes {
		want := 0
		if at.ProducesDeliverable() {
			want = 1
		}
		assert.Equal(t, want, kinds[at], "deliverables for %s", at)
	}
	assert.Len(t, res.Deliverables, 5)
}

func TestParallelTiersRecordDeterministically(t *testing.T) {
	s := newRepo(t)
	runner := &fakeRunner{fn: func(instr string, _ int) (workflow.TaskResult, error) {
		// Later steps finish first.
		switch instr {
		case "do 1":
			time.Sleep(30 * time.Millisecond)
		case "do 2":
			time.Sleep(15 * time.Millisecond)
		}
		return workflow.TaskResult{Success: true, Output: "out:" + instr}, nil
	}}
	opts := workflow.DefaultOptions()
	opts.MaxParallel = 3
	eng := workflow.NewEngine(s, runner, workflow.WithOptions(opts))
	id := seed(t, s, "", stepSpec{agent: workflow.AgentWriter}, stepSpec{agent: workflow.AgentResearcher},
		stepSpec{agent: workflow.AgentAnalyst}, stepSpec{agent: workflow.AgentQC, deps: []int{1, 2, 3}})

	res, err := eng.ExecuteWorkflow(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, workflow.WorkflowCompleted, res.Status)

	dels, _ := s.ListDeliverables(context.Background(), id)
	titleByID := map[string]string{}
	for _, d := range dels {
		titleByID[d.ID] = d.Title
	}
	var titles []string
	for _, id := range res.Deliverables {
		titles = append(titles, titleByID[id])
	}
	assert.Equal(t, []string{"step 1", "step 2", "step 3"}, titles)

	qc := runner.callsFor("do 4")
	require.Len(t, qc, 1)
	assert.Len(t, qc[0].Previous, 3)
}

func TestCancelMidRun(t *testing.T) {
	s := newRepo(t)
	var eng *workflow.Engine
	var id string
	runner := &fakeRunner{}
	runner.fn = func(instr string, _ int) (workflow.TaskResult, error) {
		if instr == "do 1" {
			n, err := eng.CancelWorkflow(context.Background(), id)
			if err != nil || n != 2 {
				return workflow.TaskResult{Error: fmt.Sprintf("cancel: n=%d err=%v", n, err)}, nil
			}
		}
		return workflow.TaskResult{Success: true, Output: "out:" + instr}, nil
	}
	eng = workflow.NewEngine(s, runner)
	id = seed(t, s, "", stepSpec{agent: workflow.AgentWriter}, stepSpec{agent: workflow.AgentWriter}, stepSpec{agent: workflow.AgentQC})

	res, err := eng.ExecuteWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowCancelled, res.Status)
	assert.Equal(t, 1, runner.count())

	tasks, _ := s.ListTasks(context.Background(), id)
	assert.Equal(t, workflow.TaskCompleted, tasks[0].Status, "running task finishes normally")
	assert.Equal(t, workflow.TaskSkipped, tasks[1].Status)
	assert.Equal(t, workflow.TaskSkipped, tasks[2].Status)

	wf, _ := s.GetWorkflow(context.Background(), id)
	assert.Equal(t, workflow.WorkflowCancelled, wf.Status)
	req, _ := s.GetRequest(context.Background(), wf.RequestID)
	assert.Equal(t, workflow.RequestFailed, req.Status)
	assert.Equal(t, "workflow cancelled", req.Error)

	// Cancelled workflows never run again.
	res, err = eng.ExecuteWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowCancelled, res.Status)
	assert.Equal(t, 1, runner.count())
}

func TestCancelDuringRetryableFailure(t *testing.T) {
	for _, inline := range []bool{false, true} {
		t.Run(fmt.Sprintf("inline=%v", inline), func(t *testing.T) {
			s := newRepo(t)
			var eng *workflow.Engine
			var id string
			runner := &fakeRunner{}
			runner.fn = func(instr string, _ int) (workflow.TaskResult, error) {
				if instr == "do 1" {
					if _, err := eng.CancelWorkflow(context.Background(), id); err != nil {
						return workflow.TaskResult{Error: err.Error()}, nil
					}
					return workflow.TaskResult{Error: "model refused"}, nil
				}
				return workflow.TaskResult{Success: true, Output: "out:" + instr}, nil
			}
			opts := workflow.DefaultOptions()
			opts.InlineRetries = inline
			eng = workflow.NewEngine(s, runner, workflow.WithOptions(opts), workflow.WithSleep(func(context.Context, time.Duration) error {
				return nil
			}))
			id = seed(t, s, "", stepSpec{agent: workflow.AgentWriter, retries: 2}, stepSpec{agent: workflow.AgentQC})

			res, err := eng.ExecuteWorkflow(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, workflow.WorkflowCancelled, res.Status)
			assert.Equal(t, 1, runner.count(), "no attempt starts after cancellation")

			tasks, _ := s.ListTasks(context.Background(), id)
			assert.Equal(t, workflow.TaskFailed, tasks[0].Status, "running task ends failed, not pending")
			assert.Equal(t, 0, tasks[0].RetryCount)
			assert.Equal(t, "model refused", tasks[0].ErrorMessage)
			assert.Equal(t, workflow.TaskSkipped, tasks[1].Status)

			wf, _ := s.GetWorkflow(context.Background(), id)
			assert.Equal(t, workflow.WorkflowCancelled, wf.Status)

			retryable, err := s.ListRetryableWorkflows(context.Background(), time.Now().Add(time.Hour))
			require.NoError(t, err)
			for _, w := range retryable {
				assert.NotEqual(t, id, w.ID, "cancelled workflow must not be swept")
			}
		})
	}
}

// cancelOnRetry cancels the workflow right before the first retry is
// written, after the engine's own view of the workflow was taken.
type cancelOnRetry struct {
	*store.Store
	workflowID string
	once       sync.Once
}

func (c *cancelOnRetry) SaveTaskResult(ctx context.Context, t *workflow.Task) error {
	if t.Status == workflow.TaskPending {
		var err error
		c.once.Do(func() { _, err = c.Store.CancelWorkflow(ctx, c.workflowID) })
		if err != nil {
			return err
		}
	}
	return c.Store.SaveTaskResult(ctx, t)
}

func TestCancelCommittedBeforeRetryWrite(t *testing.T) {
	for _, inline := range []bool{false, true} {
		t.Run(fmt.Sprintf("inline=%v", inline), func(t *testing.T) {
			s := newRepo(t)
			id := seed(t, s, "", stepSpec{agent: workflow.AgentWriter, retries: 2}, stepSpec{agent: workflow.AgentQC})
			repo := &cancelOnRetry{Store: s, workflowID: id}
			runner := &fakeRunner{fn: failing("do 1")}
			opts := workflow.DefaultOptions()
			opts.InlineRetries = inline
			rec := &recorder{}
			eng := workflow.NewEngine(repo, runner, workflow.WithOptions(opts), workflow.WithEvents(rec),
				workflow.WithSleep(func(context.Context, time.Duration) error { return nil }))

			res, err := eng.ExecuteWorkflow(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, workflow.WorkflowCancelled, res.Status)
			assert.Equal(t, 1, runner.count())

			tasks, _ := s.ListTasks(context.Background(), id)
			assert.Equal(t, workflow.TaskFailed, tasks[0].Status)
			assert.Equal(t, 0, tasks[0].RetryCount)
			assert.Equal(t, "model refused", tasks[0].ErrorMessage)
			assert.Equal(t, workflow.TaskSkipped, tasks[1].Status)
			assert.Contains(t, rec.types(), workflow.EventTaskFailed)
			assert.NotContains(t, rec.types(), workflow.EventTaskRetry)

			wf, _ := s.GetWorkflow(context.Background(), id)
			assert.Equal(t, workflow.WorkflowCancelled, wf.Status)
		})
	}
}

func TestCancelWorkflowErrors(t *testing.T) {
	s := newRepo(t)
	eng := workflow.NewEngine(s, &fakeRunner{})

	_, err := eng.CancelWorkflow(context.Background(), "missing")
	assert.ErrorIs(t, err, workflow.ErrWorkflowNotFound)

	id := seed(t, s, "", stepSpec{agent: workflow.AgentWriter})
	_, err = eng.ExecuteWorkflow(context.Background(), id)
	require.NoError(t, err)
	_, err = eng.CancelWorkflow(context.Background(), id)
	assert.Error(t, err, "completed workflow cannot be cancelled")

	other := seed(t, s, "", stepSpec{agent: workflow.AgentWriter})
	n, err := eng.CancelWorkflow(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = eng.CancelWorkflow(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second cancel is a no-op")
}

func TestWorkflowBusy(t *testing.T) {
	s := newRepo(t)
	locks := workflow.NewLockSet()
	runner := &fakeRunner{}
	eng := workflow.NewEngine(s, runner, workflow.WithLocks(locks))
	id := seed(t, s, "", stepSpec{agent: workflow.AgentWriter})

	require.True(t, locks.TryLock(id))
	_, err := eng.ExecuteWorkflow(context.Background(), id)
	assert.ErrorIs(t, err, workflow.ErrWorkflowBusy)
	assert.True(t, eng.Busy(id))
	assert.Zero(t, runner.count())

	locks.Unlock(id)
	res, err := eng.ExecuteWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowCompleted, res.Status)
	assert.False(t, eng.Busy(id))
}

func TestMissingWorkflowAndTasks(t *testing.T) {
	s := newRepo(t)
	eng := workflow.NewEngine(s, &fakeRunner{})

	res, err := eng.ExecuteWorkflow(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowFailed, res.Status)
	assert.Equal(t, "Workflow not found", res.Error)

	ctx := context.Background()
	require.NoError(t, s.CreateWorkflow(ctx, &workflow.Workflow{ID: "empty", RequestID: "r", Name: "empty"}, nil))
	res, err = eng.ExecuteWorkflow(ctx, "empty")
	require.NoError(t, err)
	assert.Equal(t, "No tasks found", res.Error)

	wf, _ := s.GetWorkflow(ctx, "empty")
	assert.Equal(t, workflow.WorkflowFailed, wf.Status)
}

func TestRunnerErrorAbortsPass(t *testing.T) {
	s := newRepo(t)
	fatal := fmt.Errorf("provider not configured")
	runner := &fakeRunner{fn: func(string, int) (workflow.TaskResult, error) {
		return workflow.TaskResult{}, fatal
	}}
	eng := workflow.NewEngine(s, runner)
	id := seed(t, s, "", stepSpec{agent: workflow.AgentWriter, retries: 3}, stepSpec{agent: workflow.AgentWriter})

	res, err := eng.ExecuteWorkflow(context.Background(), id)
	assert.ErrorIs(t, err, fatal)
	require.NotNil(t, res)
	assert.Equal(t, workflow.WorkflowFailed, res.Status)
	assert.Equal(t, 1, runner.count())

	tasks, _ := s.ListTasks(context.Background(), id)
	assert.Equal(t, workflow.TaskFailed, tasks[0].Status, "configuration errors are not retried")
	assert.Equal(t, 0, tasks[0].RetryCount)
	assert.Equal(t, workflow.TaskPending, tasks[1].Status)
}

func TestParallelConfigurationErrorRecordsSiblings(t *testing.T) {
	s := newRepo(t)
	fatal := fmt.Errorf("provider not configured")
	runner := &fakeRunner{fn: func(instr string, _ int) (workflow.TaskResult, error) {
		if instr == "do 1" {
			return workflow.TaskResult{}, fatal
		}
		return workflow.TaskResult{Success: true, Output: "out:" + instr, TokensUsed: 10}, nil
	}}
	opts := workflow.DefaultOptions()
	opts.MaxParallel = 4
	eng := workflow.NewEngine(s, runner, workflow.WithOptions(opts))
	id := seed(t, s, "", stepSpec{agent: workflow.AgentWriter, retries: 3}, stepSpec{agent: workflow.AgentResearcher},
		stepSpec{agent: workflow.AgentQC, deps: []int{1, 2}})

	res, err := eng.ExecuteWorkflow(context.Background(), id)
	assert.ErrorIs(t, err, fatal)
	require.NotNil(t, res)
	assert.Equal(t, workflow.WorkflowFailed, res.Status)
	assert.Equal(t, 2, runner.count(), "the next tier never starts")
	assert.Equal(t, 10, res.TokensUsed)

	tasks, _ := s.ListTasks(context.Background(), id)
	assert.Equal(t, workflow.TaskFailed, tasks[0].Status)
	assert.Equal(t, 0, tasks[0].RetryCount)
	assert.Equal(t, workflow.TaskCompleted, tasks[1].Status, "sibling outcome is persisted")
	require.NotNil(t, tasks[1].Output)
	assert.Equal(t, "out:do 2", tasks[1].Output.Text)
	assert.Equal(t, 10, tasks[1].TokensUsed)
	assert.Equal(t, workflow.TaskPending, tasks[2].Status)

	dels, err := s.ListDeliverables(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, dels, 1)
	assert.Equal(t, "step 2", dels[0].Title)
}

func TestMissingAgentFailsTask(t *testing.T) {
	s := newRepo(t)
	ctx := context.Background()
	require.NoError(t, s.DeleteAgentsNotIn(ctx, []workflow.AgentType{workflow.AgentQC}))
	runner := &fakeRunner{}
	eng := workflow.NewEngine(s, runner)
	id := seed(t, s, "", stepSpec{agent: workflow.AgentWriter}, stepSpec{agent: workflow.AgentQC})

	res, err := eng.ExecuteWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowFailed, res.Status)
	assert.Equal(t, 1, runner.count())

	tasks, _ := s.ListTasks(ctx, id)
	assert.Contains(t, tasks[0].ErrorMessage, "no agent configured")
}

func TestInterruptedTaskCountsAsAttempt(t *testing.T) {
	s := newRepo(t)
	ctx := context.Background()
	runner := &fakeRunner{}
	eng := workflow.NewEngine(s, runner)
	id := seed(t, s, "", stepSpec{agent: workflow.AgentWriter, retries: 2})

	tasks, _ := s.ListTasks(ctx, id)
	ok, err := s.ClaimTask(ctx, tasks[0].ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	res, err := eng.ExecuteWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowCompleted, res.Status)

	tasks, _ = s.ListTasks(ctx, id)
	assert.Equal(t, 1, tasks[0].RetryCount)
	assert.Equal(t, 1, runner.count())
}

func TestClientInfoReachesSteps(t *testing.T) {
	s := newRepo(t)
	ctx := context.Background()
	require.NoError(t, s.SaveClient(ctx, &workflow.Client{ID: "acme", Name: "Sam", Company: "Acme"}))
	runner := &fakeRunner{}
	eng := workflow.NewEngine(s, runner)
	id := seed(t, s, "acme", stepSpec{agent: workflow.AgentWriter})

	_, err := eng.ExecuteWorkflow(ctx, id)
	require.NoError(t, err)
	calls := runner.callsFor("do 1")
	require.Len(t, calls, 1)
	assert.Equal(t, "Client: Sam\nCompany: Acme", calls[0].ClientInfo)
}

func TestGetWorkflowStatus(t *testing.T) {
	s := newRepo(t)
	ctx := context.Background()
	eng := workflow.NewEngine(s, &fakeRunner{})
	id := seed(t, s, "", stepSpec{agent: workflow.AgentWriter}, stepSpec{agent: workflow.AgentQC})

	st, err := eng.GetWorkflowStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowDraft, st.Workflow.Status)
	require.Len(t, st.Tasks, 2)
	require.NotNil(t, st.Tasks[0].Agent)
	assert.Equal(t, workflow.AgentWriter, st.Tasks[0].Agent.Type)
	assert.Empty(t, st.Deliverables)

	_, err = eng.ExecuteWorkflow(ctx, id)
	require.NoError(t, err)
	st, err = eng.GetWorkflowStatus(ctx, id)
	require.NoError(t, err)
	assert.Len(t, st.Deliverables, 1)

	_, err = eng.GetWorkflowStatus(ctx, "missing")
	assert.ErrorIs(t, err, workflow.ErrWorkflowNotFound)
}
