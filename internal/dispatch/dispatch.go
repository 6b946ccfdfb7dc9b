// Package dispatch carries workflow execution signals and engine events over
// NATS and exposes the engine to fctl through request/reply IPC.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/foreman/internal/natsbus"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

// Publisher is the subset of natsbus.Client used for fire-and-forget sends.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// Dispatcher emits workflow/execute signals.
type Dispatcher struct {
	pub Publisher
}

var _ workflow.Dispatcher = (*Dispatcher)(nil)

func NewDispatcher(p Publisher) *Dispatcher {
	return &Dispatcher{pub: p}
}

func (d *Dispatcher) Dispatch(_ context.Context, ev workflow.ExecuteEvent) error {
	if ev.WorkflowID == "" {
		return fmt.Errorf("dispatch: workflow id is required")
	}
	if err := d.pub.PublishJSON(natsbus.TopicWorkflowExecute, ev); err != nil {
		return fmt.Errorf("dispatch workflow %s: %w", ev.WorkflowID, err)
	}
	slog.Debug("workflow dispatched", "workflow_id", ev.WorkflowID, "request_id", ev.RequestID)
	return nil
}

// EventPublisher forwards engine events to events.workflow.<id>.
type EventPublisher struct {
	pub Publisher
}

var _ workflow.EventPublisher = (*EventPublisher)(nil)

func NewEventPublisher(p Publisher) *EventPublisher {
	return &EventPublisher{pub: p}
}

func (e *EventPublisher) PublishEvent(_ context.Context, ev workflow.Event) {
	if err := e.pub.PublishJSON(natsbus.TopicEventsWorkflow(ev.WorkflowID), ev); err != nil {
		slog.Warn("publish workflow event failed", "type", ev.Type, "workflow_id", ev.WorkflowID, "error", err)
	}
}
