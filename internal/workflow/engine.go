package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mtzanidakis/foreman/internal/config"
	"github.com/mtzanidakis/foreman/internal/metrics"
)

// Options are the reloadable execution knobs.
type Options struct {
	// GateDependencies skips a task whose dependency ended failed or
	// skipped and holds back a task whose dependency is still pending.
	// Off by default: dependencies only supply context.
	GateDependencies bool
	// MaxParallel > 1 runs independent tasks of the same dependency tier
	// concurrently.
	MaxParallel int
	// InlineRetries retries a failed task within the same pass after the
	// policy delay instead of leaving it pending for the next pass.
	InlineRetries bool
	Retry         RetryPolicy
}

func DefaultOptions() Options {
	return Options{MaxParallel: 1, Retry: DefaultRetryPolicy()}
}

func OptionsFromConfig(c config.EngineConfig) Options {
	o := Options{
		GateDependencies: c.GateDependencies,
		MaxParallel:      c.MaxParallel,
		InlineRetries:    c.InlineRetries,
		Retry:            RetryPolicyFromConfig(c.Retry),
	}
	if o.MaxParallel < 1 {
		o.MaxParallel = 1
	}
	return o
}

type Engine struct {
	repo   Repository
	runner StepRunner
	events EventPublisher
	locks  *LockSet

	mu   sync.RWMutex
	opts Options

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type EngineOption func(*Engine)

func WithEvents(p EventPublisher) EngineOption {
	return func(e *Engine) {
		if p != nil {
			e.events = p
		}
	}
}

func WithOptions(o Options) EngineOption {
	return func(e *Engine) { e.opts = o }
}

func WithLocks(l *LockSet) EngineOption {
	return func(e *Engine) { e.locks = l }
}

// WithSleep replaces the backoff wait used between inline retries.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) EngineOption {
	return func(e *Engine) { e.sleep = fn }
}

func NewEngine(repo Repository, runner StepRunner, opts ...EngineOption) *Engine {
	e := &Engine{
		repo:   repo,
		runner: runner,
		events: nopPublisher{},
		locks:  NewLockSet(),
		opts:   DefaultOptions(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) SetOptions(o Options) {
	if o.MaxParallel < 1 {
		o.MaxParallel = 1
	}
	e.mu.Lock()
	e.opts = o
	e.mu.Unlock()
}

func (e *Engine) Options() Options {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.opts
}

func (e *Engine) Repository() Repository { return e.repo }

// Busy reports whether a pass currently holds the workflow's lock.
func (e *Engine) Busy(id string) bool { return e.locks.Held(id) }

// pass is the state of one ExecuteWorkflow invocation.
type pass struct {
	wf           *Workflow
	tasks        []*Task
	byIndex      map[int]*Task
	outputs      map[string]string
	deliverables []string
	agents       map[AgentType]*Agent
	clientInfo   string
	tokens       int
	cancelled    bool
}

type outcome struct {
	task     *Task
	claimed  bool
	result   TaskResult
	duration time.Duration
	fatal    error
}

// ExecuteWorkflow runs one pass over the workflow's tasks. Load failures
// are reported in the result, not as an error; the error return is
// reserved for ErrWorkflowBusy and provider configuration errors.
func (e *Engine) ExecuteWorkflow(ctx context.Context, id string) (*ExecutionResult, error) {
	if !e.locks.TryLock(id) {
		return nil, ErrWorkflowBusy
	}
	defer e.locks.Unlock(id)

	started := e.now()
	opts := e.Options()
	log := slog.With("workflow_id", id)

	wf, err := e.repo.GetWorkflow(ctx, id)
	if err != nil || wf == nil {
		if err != nil {
			log.Error("load workflow failed", "error", err)
		}
		return &ExecutionResult{WorkflowID: id, Status: WorkflowFailed, Error: msgWorkflowNotFound}, nil
	}

	tasks, err := e.repo.ListTasks(ctx, id)
	if err != nil || len(tasks) == 0 {
		if err != nil {
			log.Error("load tasks failed", "error", err)
		} else if !wf.Status.Terminal() {
			wf.Status = WorkflowFailed
			wf.Error = msgNoTasks
			if _, ferr := e.repo.FinalizeWorkflow(ctx, wf); ferr != nil {
				log.Warn("finalize empty workflow failed", "error", ferr)
			}
		}
		return &ExecutionResult{WorkflowID: id, Status: WorkflowFailed, Error: msgNoTasks}, nil
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].StepIndex < tasks[j].StepIndex })

	p := newPass(wf, tasks)

	if wf.Status == WorkflowCancelled || !p.hasWork() {
		return p.result(wf.Status, e.now().Sub(started)), nil
	}

	ok, err := e.repo.MarkWorkflowRunning(ctx, id, started)
	if err != nil {
		log.Error("mark workflow running failed", "error", err)
		return &ExecutionResult{WorkflowID: id, Status: WorkflowFailed, Error: err.Error()}, nil
	}
	if !ok {
		current, _ := e.repo.GetWorkflow(ctx, id)
		status := WorkflowCancelled
		if current != nil {
			status = current.Status
		}
		return p.result(status, e.now().Sub(started)), nil
	}
	wf.Status = WorkflowRunning

	metrics.WorkflowStarted()
	defer metrics.WorkflowFinished()

	p.clientInfo = e.clientInfo(ctx, wf.ClientID)
	e.publish(ctx, id, EventWorkflowStarted, map[string]any{"total_steps": len(tasks)})
	log.Info("workflow pass started", "tasks", len(tasks), "parallel", opts.MaxParallel, "gated", opts.GateDependencies)

	if err := e.recoverInterrupted(ctx, p); err != nil {
		log.Error("recover interrupted tasks failed", "error", err)
	}

	fatal := e.run(ctx, p, opts)

	// Finalization must land even if the caller's context is gone.
	fctx := context.WithoutCancel(ctx)
	res := e.finalize(fctx, p, fatal, e.now().Sub(started))
	log.Info("workflow pass finished", "status", res.Status, "completed", res.CompletedSteps, "total", res.TotalSteps, "tokens", res.TokensUsed)
	return res, fatal
}

func newPass(wf *Workflow, tasks []*Task) *pass {
	p := &pass{
		wf:      wf,
		tasks:   tasks,
		byIndex: make(map[int]*Task, len(tasks)),
		outputs: make(map[string]string),
		agents:  make(map[AgentType]*Agent),
	}
	p.deliverables = append(p.deliverables, wf.Deliverables...)
	for _, t := range tasks {
		p.byIndex[t.StepIndex] = t
		if t.Status == TaskCompleted && t.Output != nil {
			p.outputs[t.TaskName] = t.Output.Text
		}
	}
	return p
}

func (p *pass) hasWork() bool {
	for _, t := range p.tasks {
		if !t.Status.Terminal() {
			return true
		}
	}
	return false
}

func (p *pass) completed() int {
	n := 0
	for _, t := range p.tasks {
		if t.Status == TaskCompleted {
			n++
		}
	}
	return n
}

func (p *pass) result(status WorkflowStatus, d time.Duration) *ExecutionResult {
	return &ExecutionResult{
		WorkflowID:     p.wf.ID,
		Status:         status,
		CompletedSteps: p.completed(),
		TotalSteps:     len(p.tasks),
		Outputs:        p.outputs,
		Deliverables:   p.deliverables,
		TokensUsed:     p.tokens,
		DurationMs:     d.Milliseconds(),
		Error:          p.wf.Error,
	}
}

// dependencyOutputs returns the recorded outputs of t's completed
// dependencies in ascending step order. Missing outputs contribute nothing.
func (p *pass) dependencyOutputs(t *Task) []PreviousOutput {
	deps := append([]int(nil), t.DependsOn...)
	sort.Ints(deps)
	var out []PreviousOutput
	for _, idx := range uniqueInts(deps) {
		dep := p.byIndex[idx]
		if dep == nil || dep.Status != TaskCompleted || dep.Output == nil {
			continue
		}
		out = append(out, PreviousOutput{StepIndex: idx, TaskName: dep.TaskName, Output: dep.Output.Text})
	}
	return out
}

type gate int

const (
	gateOpen gate = iota
	gateWait
	gateBlocked
)

func (p *pass) gate(t *Task) (gate, int) {
	for _, idx := range t.DependsOn {
		dep := p.byIndex[idx]
		if dep == nil {
			continue
		}
		switch dep.Status {
		case TaskCompleted:
		case TaskFailed, TaskSkipped:
			return gateBlocked, idx
		default:
			return gateWait, idx
		}
	}
	return gateOpen, 0
}

// groups returns the execution units of a pass: one task per group in
// stepIndex order, or dependency tiers when running in parallel.
func (p *pass) groups(opts Options) ([][]*Task, error) {
	if opts.MaxParallel <= 1 {
		out := make([][]*Task, 0, len(p.tasks))
		for _, t := range p.tasks {
			out = append(out, []*Task{t})
		}
		return out, nil
	}
	steps := make([]Step, len(p.tasks))
	for i, t := range p.tasks {
		steps[i] = t.Step()
	}
	plan, err := BuildPlan(steps)
	if err != nil {
		return nil, err
	}
	out := make([][]*Task, 0, len(plan.Tiers))
	for _, tier := range plan.Tiers {
		g := make([]*Task, 0, len(tier))
		for _, idx := range tier {
			g = append(g, p.byIndex[idx])
		}
		out = append(out, g)
	}
	return out, nil
}

func (e *Engine) run(ctx context.Context, p *pass, opts Options) error {
	groups, err := p.groups(opts)
	if err != nil {
		slog.Warn("dependency plan invalid, falling back to sequential order", "workflow_id", p.wf.ID, "error", err)
		opts.MaxParallel = 1
		groups, _ = p.groups(opts)
	}

	for _, group := range groups {
		for {
			if ctx.Err() != nil {
				return nil
			}
			runnable, err := e.admit(ctx, p, group, opts)
			if err != nil {
				return err
			}
			if len(runnable) == 0 {
				break
			}

			// Every claimed outcome is persisted before a fatal error stops
			// the pass, so parallel siblings are not left running.
			outcomes := e.executeGroup(ctx, p, runnable, opts.MaxParallel)
			var fatal error
			for _, o := range outcomes {
				if err := e.record(ctx, p, o); err != nil && fatal == nil {
					fatal = err
				}
			}
			if fatal != nil {
				return fatal
			}
			if p.cancelled {
				return nil
			}

			if !opts.InlineRetries {
				break
			}
			var retry []*Task
			var wait time.Duration
			for _, t := range runnable {
				if t.Status == TaskPending {
					retry = append(retry, t)
					if d := opts.Retry.Delay(t.RetryCount); d > wait {
						wait = d
					}
				}
			}
			if len(retry) == 0 {
				break
			}
			if err := e.sleep(ctx, wait); err != nil {
				return nil
			}
			if e.isCancelled(ctx, p) {
				return nil
			}
			group = retry
		}
	}
	return nil
}

// admit filters a group down to the tasks that may start now, applying
// dependency gating when enabled.
func (e *Engine) admit(ctx context.Context, p *pass, group []*Task, opts Options) ([]*Task, error) {
	var runnable []*Task
	for _, t := range group {
		if t.Status != TaskPending && t.Status != TaskQueued {
			continue
		}
		if opts.GateDependencies {
			g, dep := p.gate(t)
			switch g {
			case gateWait:
				continue
			case gateBlocked:
				if _, err := Transition(t, EventBlock); err != nil {
					return nil, err
				}
				t.ErrorMessage = fmt.Sprintf("dependency step %d did not complete", dep)
				now := e.now()
				t.CompletedAt = &now
				if err := e.repo.SaveTaskResult(ctx, t); err != nil {
					return nil, fmt.Errorf("save skipped task: %w", err)
				}
				e.publish(ctx, p.wf.ID, EventTaskSkipped, map[string]any{"step_index": t.StepIndex, "task_name": t.TaskName, "blocked_by": dep})
				continue
			}
		}
		runnable = append(runnable, t)
	}
	return runnable, nil
}

// executeGroup claims and runs the tasks, concurrently up to limit. The
// returned outcomes are in stepIndex order.
func (e *Engine) executeGroup(ctx context.Context, p *pass, tasks []*Task, limit int) []outcome {
	outcomes := make([]outcome, len(tasks))
	if len(tasks) == 1 || limit <= 1 {
		for i, t := range tasks {
			outcomes[i] = e.execute(ctx, p, t)
			if outcomes[i].fatal != nil {
				return outcomes[:i+1]
			}
		}
		return outcomes
	}

	// Agents and client info are resolved up front so goroutines only read
	// the pass.
	for _, t := range tasks {
		e.agentFor(ctx, p, t.AgentType)
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, t := range tasks {
		g.Go(func() error {
			outcomes[i] = e.execute(ctx, p, t)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (e *Engine) execute(ctx context.Context, p *pass, t *Task) outcome {
	o := outcome{task: t}

	now := e.now()
	claimed, err := e.repo.ClaimTask(ctx, t.ID, now)
	if err != nil {
		o.fatal = fmt.Errorf("claim task %d: %w", t.StepIndex, err)
		return o
	}
	if !claimed {
		return o
	}
	o.claimed = true
	if _, err := Transition(t, EventStart); err != nil {
		o.fatal = err
		return o
	}
	t.StartedAt = &now

	if err := e.repo.UpdateWorkflowProgress(ctx, p.wf.ID, t.StepIndex); err != nil {
		slog.Warn("update workflow progress failed", "workflow_id", p.wf.ID, "error", err)
	}
	e.publish(ctx, p.wf.ID, EventTaskStarted, map[string]any{"step_index": t.StepIndex, "task_name": t.TaskName, "agent_type": t.AgentType})

	agent := e.agentFor(ctx, p, t.AgentType)
	if agent == nil {
		o.result = TaskResult{Error: fmt.Sprintf("no agent configured for type %q", t.AgentType)}
		o.duration = e.now().Sub(now)
		return o
	}

	res, err := e.runner.Execute(ctx, agent, t.Instructions, t.Input, ExecContext{
		PreviousOutputs: p.dependencyOutputs(t),
		ClientInfo:      p.clientInfo,
	})
	o.duration = e.now().Sub(now)
	if err != nil {
		o.fatal = err
		o.result = TaskResult{Error: err.Error()}
		return o
	}
	o.result = res
	return o
}

// record persists one outcome and updates the pass bookkeeping. It runs
// on the calling goroutine in stepIndex order.
func (e *Engine) record(ctx context.Context, p *pass, o outcome) error {
	t := o.task
	wfID := p.wf.ID

	if !o.claimed {
		if o.fatal != nil {
			return o.fatal
		}
		// Lost the claim: the task was cancelled under us.
		t.Status = TaskSkipped
		p.cancelled = true
		return nil
	}

	now := e.now()
	t.DurationMs = o.duration.Milliseconds()
	t.TokensUsed += o.result.TokensUsed
	p.tokens += o.result.TokensUsed

	if o.fatal != nil {
		if _, err := Transition(t, EventAbort); err != nil {
			return err
		}
		t.ErrorMessage = o.result.Error
		t.CompletedAt = &now
		if err := e.repo.SaveTaskResult(ctx, t); err != nil {
			slog.Error("save task result failed", "workflow_id", wfID, "task_id", t.ID, "error", err)
		}
		metrics.RecordTask(ctx, string(t.AgentType), string(TaskFailed), o.duration, o.result.TokensUsed)
		e.publish(ctx, wfID, EventTaskFailed, map[string]any{"step_index": t.StepIndex, "task_name": t.TaskName, "error": t.ErrorMessage})
		return o.fatal
	}

	if o.result.Success {
		if _, err := Transition(t, EventSucceed); err != nil {
			return err
		}
		t.Output = &OutputData{Text: o.result.Output, Structured: o.result.Structured}
		t.ErrorMessage = ""
		t.CompletedAt = &now

		if t.AgentType.ProducesDeliverable() {
			d := &Deliverable{
				ID:         uuid.New().String(),
				WorkflowID: wfID,
				TaskID:     t.ID,
				RequestID:  p.wf.RequestID,
				ClientID:   p.wf.ClientID,
				Title:      t.TaskName,
				Kind:       t.AgentType,
				Content:    o.result.Output,
				Status:     DeliverableDraft,
				CreatedAt:  now,
			}
			if err := e.repo.CreateDeliverable(ctx, d); err != nil {
				return fmt.Errorf("create deliverable for task %d: %w", t.StepIndex, err)
			}
			p.deliverables = appendUnique(p.deliverables, d.ID)
			e.publish(ctx, wfID, EventDeliverable, map[string]any{"deliverable_id": d.ID, "task_name": t.TaskName})
		}

		if err := e.repo.SaveTaskResult(ctx, t); err != nil {
			return fmt.Errorf("save task %d: %w", t.StepIndex, err)
		}
		p.outputs[t.TaskName] = o.result.Output

		metrics.RecordTask(ctx, string(t.AgentType), string(TaskCompleted), o.duration, o.result.TokensUsed)
		e.publish(ctx, wfID, EventTaskCompleted, map[string]any{
			"step_index": t.StepIndex, "task_name": t.TaskName, "tokens_used": o.result.TokensUsed, "duration_ms": t.DurationMs,
		})
		return nil
	}

	status, err := Transition(t, EventFail)
	if err != nil {
		return err
	}
	t.ErrorMessage = o.result.Error
	if status == TaskFailed {
		t.CompletedAt = &now
	}
	if err := e.repo.SaveTaskResult(ctx, t); err != nil {
		return fmt.Errorf("save task %d: %w", t.StepIndex, err)
	}
	// The store refuses a retry into a cancelled workflow.
	if status == TaskPending && t.Status == TaskFailed {
		status = TaskFailed
		p.cancelled = true
	}

	metrics.RecordTask(ctx, string(t.AgentType), string(TaskFailed), o.duration, o.result.TokensUsed)
	data := map[string]any{"step_index": t.StepIndex, "task_name": t.TaskName, "error": t.ErrorMessage, "retry_count": t.RetryCount}
	if status == TaskPending {
		metrics.RecordRetry(ctx, string(t.AgentType))
		slog.Warn("task failed, retry scheduled", "workflow_id", wfID, "step", t.StepIndex, "retry", t.RetryCount, "max", t.MaxRetries, "error", t.ErrorMessage)
		e.publish(ctx, wfID, EventTaskRetry, data)
	} else {
		slog.Warn("task failed permanently", "workflow_id", wfID, "step", t.StepIndex, "error", t.ErrorMessage)
		e.publish(ctx, wfID, EventTaskFailed, data)
	}
	return nil
}

// isCancelled reports whether the workflow was cancelled since the pass
// started. Once observed, the answer is kept for the rest of the pass.
func (e *Engine) isCancelled(ctx context.Context, p *pass) bool {
	if p.cancelled {
		return true
	}
	wf, err := e.repo.GetWorkflow(ctx, p.wf.ID)
	if err != nil {
		slog.Warn("reload workflow status failed", "workflow_id", p.wf.ID, "error", err)
		return false
	}
	if wf != nil && wf.Status == WorkflowCancelled {
		p.cancelled = true
	}
	return p.cancelled
}

// recoverInterrupted treats tasks left running by a crashed pass as failed
// attempts. Holding the writer lock guarantees no live pass owns them.
func (e *Engine) recoverInterrupted(ctx context.Context, p *pass) error {
	for _, t := range p.tasks {
		if t.Status != TaskRunning {
			continue
		}
		if _, err := Transition(t, EventFail); err != nil {
			return err
		}
		t.ErrorMessage = "interrupted before completion"
		if t.Status == TaskFailed {
			now := e.now()
			t.CompletedAt = &now
		}
		if err := e.repo.SaveTaskResult(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) finalize(ctx context.Context, p *pass, fatal error, d time.Duration) *ExecutionResult {
	wf := p.wf
	status := WorkflowCompleted
	var incomplete int
	for _, t := range p.tasks {
		if t.Status != TaskCompleted {
			status = WorkflowFailed
			incomplete++
		}
	}

	wf.Status = status
	wf.Outputs = p.outputs
	wf.Deliverables = p.deliverables
	wf.Error = ""
	switch {
	case fatal != nil:
		wf.Error = fatal.Error()
	case incomplete > 0:
		wf.Error = fmt.Sprintf("%d of %d tasks did not complete", incomplete, len(p.tasks))
	}
	now := e.now()
	wf.CompletedAt = &now

	stored, err := e.repo.FinalizeWorkflow(ctx, wf)
	if err != nil {
		slog.Error("finalize workflow failed", "workflow_id", wf.ID, "error", err)
		stored = status
	}
	wf.Status = stored

	switch stored {
	case WorkflowCompleted:
		e.propagate(ctx, wf.RequestID, RequestCompleted, "")
		e.publish(ctx, wf.ID, EventWorkflowCompleted, map[string]any{"deliverables": len(p.deliverables), "tokens_used": p.tokens})
	case WorkflowFailed:
		e.propagate(ctx, wf.RequestID, RequestFailed, wf.Error)
		e.publish(ctx, wf.ID, EventWorkflowFailed, map[string]any{"error": wf.Error, "completed_steps": p.completed()})
	}
	metrics.RecordWorkflow(ctx, string(stored), d)

	return p.result(stored, d)
}

func (e *Engine) propagate(ctx context.Context, requestID string, status RequestStatus, msg string) {
	if requestID == "" {
		return
	}
	if err := e.repo.UpdateRequestStatus(ctx, requestID, status, msg); err != nil {
		slog.Warn("propagate request status failed", "request_id", requestID, "error", err)
	}
}

func (e *Engine) agentFor(ctx context.Context, p *pass, t AgentType) *Agent {
	if a, ok := p.agents[t]; ok {
		return a
	}
	a, err := e.repo.GetAgentByType(ctx, t)
	if err != nil {
		slog.Warn("load agent failed", "agent_type", t, "error", err)
	}
	p.agents[t] = a
	return a
}

func (e *Engine) clientInfo(ctx context.Context, clientID string) string {
	if clientID == "" {
		return ""
	}
	c, err := e.repo.GetClient(ctx, clientID)
	if err != nil || c == nil {
		return ""
	}
	return FormatClient(c)
}

// FormatClient renders the client context handed to the classifier and to
// every step.
func FormatClient(c *Client) string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Client: %s", c.Name)
	if c.Company != "" {
		fmt.Fprintf(&b, "\nCompany: %s", c.Company)
	}
	if c.Industry != "" {
		fmt.Fprintf(&b, "\nIndustry: %s", c.Industry)
	}
	if c.Notes != "" {
		fmt.Fprintf(&b, "\nNotes: %s", c.Notes)
	}
	return b.String()
}

func (e *Engine) publish(ctx context.Context, workflowID, typ string, data map[string]any) {
	e.events.PublishEvent(ctx, Event{Type: typ, WorkflowID: workflowID, Timestamp: e.now().UTC(), Data: data})
}

// GetWorkflowStatus joins the workflow with its tasks, their agents and
// its deliverables. It never writes.
func (e *Engine) GetWorkflowStatus(ctx context.Context, id string) (*Status, error) {
	wf, err := e.repo.GetWorkflow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	if wf == nil {
		return nil, ErrWorkflowNotFound
	}
	tasks, err := e.repo.ListTasks(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	agents, err := e.repo.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	deliverables, err := e.repo.ListDeliverables(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list deliverables: %w", err)
	}

	byID := make(map[string]*Agent, len(agents))
	byType := make(map[AgentType]*Agent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
		byType[a.Type] = a
	}

	st := &Status{Workflow: wf, Deliverables: deliverables, Tasks: make([]TaskDetail, 0, len(tasks))}
	for _, t := range tasks {
		a := byID[t.AgentID]
		if a == nil {
			a = byType[t.AgentType]
		}
		st.Tasks = append(st.Tasks, TaskDetail{Task: *t, Agent: a})
	}
	sort.SliceStable(st.Tasks, func(i, j int) bool { return st.Tasks[i].StepIndex < st.Tasks[j].StepIndex })
	return st, nil
}

// CancelWorkflow stops tasks that have not started. A task already running
// finishes and is recorded normally.
func (e *Engine) CancelWorkflow(ctx context.Context, id string) (int, error) {
	wf, err := e.repo.GetWorkflow(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("get workflow: %w", err)
	}
	if wf == nil {
		return 0, ErrWorkflowNotFound
	}
	if wf.Status == WorkflowCancelled {
		return 0, nil
	}
	if wf.Status == WorkflowCompleted {
		return 0, fmt.Errorf("workflow %s already completed", id)
	}

	skipped, err := e.repo.CancelWorkflow(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("cancel workflow: %w", err)
	}
	e.propagate(ctx, wf.RequestID, RequestFailed, "workflow cancelled")
	e.publish(ctx, id, EventWorkflowCancelled, map[string]any{"skipped": skipped})
	slog.Info("workflow cancelled", "workflow_id", id, "skipped", skipped)
	return skipped, nil
}

func appendUnique(list []string, id string) []string {
	for _, v := range list {
		if v == id {
			return list
		}
	}
	return append(list, id)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
