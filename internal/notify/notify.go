// Package notify tells staff and downstream systems when a workflow reaches
// a terminal state.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/foreman/internal/natsbus"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

// Notification is what every sender receives.
type Notification struct {
	Event  workflow.Event   `json:"event"`
	Status *workflow.Status `json:"status"`
}

type Sender interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

type StatusReader interface {
	GetWorkflowStatus(ctx context.Context, id string) (*workflow.Status, error)
}

type Notifier struct {
	client  *natsbus.Client
	status  StatusReader
	senders []Sender
	timeout time.Duration
	sub     *nats.Subscription
	wg      sync.WaitGroup
}

func New(client *natsbus.Client, status StatusReader, senders ...Sender) *Notifier {
	var active []Sender
	for _, s := range senders {
		if s != nil {
			active = append(active, s)
		}
	}
	return &Notifier{client: client, status: status, senders: active, timeout: 30 * time.Second}
}

func (n *Notifier) Senders() int { return len(n.senders) }

func (n *Notifier) Start() error {
	if len(n.senders) == 0 {
		return nil
	}
	sub, err := n.client.Subscribe(natsbus.TopicEventsWorkflows, func(msg *nats.Msg) {
		var ev workflow.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("invalid workflow event", "subject", msg.Subject, "error", err)
			return
		}
		if !terminal(ev.Type) {
			return
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
			defer cancel()
			n.Handle(ctx, ev)
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribe workflow events: %w", err)
	}
	n.sub = sub
	return nil
}

func (n *Notifier) Stop() {
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
	}
	n.wg.Wait()
}

// Handle loads the workflow and fans the notification out. Sender failures
// are logged and never returned.
func (n *Notifier) Handle(ctx context.Context, ev workflow.Event) {
	log := slog.With("workflow_id", ev.WorkflowID, "event", ev.Type)
	st, err := n.status.GetWorkflowStatus(ctx, ev.WorkflowID)
	if err != nil || st == nil {
		log.Warn("load workflow for notification failed", "error", err)
		return
	}
	note := Notification{Event: ev, Status: st}
	for _, s := range n.senders {
		if err := s.Send(ctx, note); err != nil {
			log.Error("notification failed", "sender", s.Name(), "error", err)
			continue
		}
		log.Debug("notification sent", "sender", s.Name())
	}
}

func terminal(eventType string) bool {
	switch eventType {
	case workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed, workflow.EventWorkflowCancelled:
		return true
	}
	return false
}

// Summary renders a plain-text report of a finished workflow.
func Summary(n Notification) string {
	var sb strings.Builder
	wf := n.Status.Workflow
	fmt.Fprintf(&sb, "Workflow %q %s\n", wf.Name, wf.Status)
	if wf.Error != "" {
		fmt.Fprintf(&sb, "Error: %s\n", wf.Error)
	}

	completed := 0
	for _, t := range n.Status.Tasks {
		if t.Status == workflow.TaskCompleted {
			completed++
		}
	}
	fmt.Fprintf(&sb, "Steps: %d/%d completed\n", completed, len(n.Status.Tasks))

	for _, t := range n.Status.Tasks {
		line := fmt.Sprintf("  %d. %s [%s] %s", t.StepIndex, t.TaskName, t.AgentType, t.Status)
		if t.ErrorMessage != "" {
			line += ": " + t.ErrorMessage
		}
		sb.WriteString(line + "\n")
	}

	if len(n.Status.Deliverables) > 0 {
		sb.WriteString("\nDeliverables:\n")
		for _, d := range n.Status.Deliverables {
			fmt.Fprintf(&sb, "\n## %s\n%s\n", d.Title, d.Content)
		}
	}
	return sb.String()
}
