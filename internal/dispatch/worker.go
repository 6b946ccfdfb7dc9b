package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/foreman/internal/natsbus"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

// Executor runs one engine pass.
type Executor interface {
	ExecuteWorkflow(ctx context.Context, id string) (*workflow.ExecutionResult, error)
}

// Worker consumes workflow/execute signals from the engine queue group and
// runs each in its own goroutine, at most concurrency at a time.
type Worker struct {
	client   *natsbus.Client
	exec     Executor
	sem      chan struct{}
	wg       sync.WaitGroup
	sub      *nats.Subscription
	ctx      context.Context
	onResult func(*workflow.ExecutionResult, error)
}

func NewWorker(client *natsbus.Client, exec Executor, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Worker{
		client: client,
		exec:   exec,
		sem:    make(chan struct{}, concurrency),
	}
}

// OnResult registers a callback for finished passes. Must be set before Start.
func (w *Worker) OnResult(fn func(*workflow.ExecutionResult, error)) {
	w.onResult = fn
}

// Start subscribes. Passes run with a context detached from ctx's
// cancellation so a shutdown waits for them instead of aborting mid-task.
func (w *Worker) Start(ctx context.Context) error {
	w.ctx = context.WithoutCancel(ctx)
	sub, err := w.client.QueueSubscribe(natsbus.TopicWorkflowExecute, natsbus.QueueEngine, w.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", natsbus.TopicWorkflowExecute, err)
	}
	w.sub = sub
	return nil
}

func (w *Worker) handle(msg *nats.Msg) {
	var ev workflow.ExecuteEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.WorkflowID == "" {
		slog.Warn("invalid execute event", "error", err, "data", string(msg.Data))
		return
	}

	// Blocks the subscription when all slots are busy.
	w.sem <- struct{}{}
	w.wg.Add(1)
	go func() {
		defer func() {
			<-w.sem
			w.wg.Done()
		}()
		w.run(ev)
	}()
}

func (w *Worker) run(ev workflow.ExecuteEvent) {
	log := slog.With("workflow_id", ev.WorkflowID)
	res, err := w.exec.ExecuteWorkflow(w.ctx, ev.WorkflowID)
	switch {
	case errors.Is(err, workflow.ErrWorkflowBusy):
		log.Debug("workflow already executing, signal dropped")
	case err != nil:
		log.Error("workflow pass aborted", "error", err)
	case res != nil:
		log.Info("workflow pass done", "status", res.Status, "completed", res.CompletedSteps, "total", res.TotalSteps)
	}
	if w.onResult != nil {
		w.onResult(res, err)
	}
}

// Stop unsubscribes and waits for running passes.
func (w *Worker) Stop() {
	if w.sub != nil {
		if err := w.sub.Unsubscribe(); err != nil {
			slog.Warn("unsubscribe worker failed", "error", err)
		}
	}
	w.wg.Wait()
}
