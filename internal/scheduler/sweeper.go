package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/foreman/internal/workflow"
)

type RetryStore interface {
	ListRetryableWorkflows(ctx context.Context, before time.Time) ([]*workflow.Workflow, error)
	ListTasks(ctx context.Context, workflowID string) ([]*workflow.Task, error)
}

// Sweeper is the next engine pass for deferred retries: failed workflows
// that still own pending tasks are re-dispatched once the backoff for the
// task's attempt number has elapsed.
type Sweeper struct {
	repo       RetryStore
	dispatcher workflow.Dispatcher
	policy     workflow.RetryPolicy
	busy       func(id string) bool
	now        func() time.Time
}

func NewSweeper(repo RetryStore, d workflow.Dispatcher, policy workflow.RetryPolicy, busy func(string) bool) *Sweeper {
	if busy == nil {
		busy = func(string) bool { return false }
	}
	return &Sweeper{repo: repo, dispatcher: d, policy: policy, busy: busy, now: time.Now}
}

// Sweep returns how many workflows were re-dispatched.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	wfs, err := s.repo.ListRetryableWorkflows(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list retryable workflows: %w", err)
	}

	dispatched := 0
	for _, wf := range wfs {
		if s.busy(wf.ID) {
			continue
		}
		tasks, err := s.repo.ListTasks(ctx, wf.ID)
		if err != nil {
			slog.Warn("load tasks for retry failed", "workflow_id", wf.ID, "error", err)
			continue
		}
		attempt := 0
		for _, t := range tasks {
			if (t.Status == workflow.TaskPending || t.Status == workflow.TaskQueued) && t.RetryCount > attempt {
				attempt = t.RetryCount
			}
		}
		if attempt == 0 {
			continue
		}
		if wait := s.policy.Delay(attempt); now.Sub(wf.UpdatedAt) < wait {
			continue
		}

		ev := workflow.ExecuteEvent{WorkflowID: wf.ID, RequestID: wf.RequestID, ClientID: wf.ClientID}
		if err := s.dispatcher.Dispatch(ctx, ev); err != nil {
			slog.Warn("re-dispatch failed", "workflow_id", wf.ID, "error", err)
			continue
		}
		slog.Info("workflow re-dispatched for retry", "workflow_id", wf.ID, "attempt", attempt)
		dispatched++
	}
	return dispatched, nil
}
