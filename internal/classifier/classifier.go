// Package classifier turns free-text client requests into a classified,
// dependency-ordered plan of agent steps.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/foreman/internal/llm"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

// Options configure the model call. Zero values fall back to the completion
// client's configuration; a nil Temperature means 0.2.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature *float64
}

const defaultTemperature = 0.2

type Classifier struct {
	llm  llm.Completer
	opts Options
}

var _ workflow.Classifier = (*Classifier)(nil)

func New(c llm.Completer, opts Options) *Classifier {
	if opts.Temperature == nil {
		t := defaultTemperature
		opts.Temperature = &t
	}
	return &Classifier{llm: c, opts: opts}
}

// Classify returns a normalized classification or a *ParseError when the
// response holds no valid plan. Completion errors are returned unchanged.
func (c *Classifier) Classify(ctx context.Context, content, subject, clientContext string) (*workflow.RequestClassification, error) {
	out, err := c.complete(ctx, classifySystemPrompt(), classifyUserPrompt(content, subject, clientContext))
	if err != nil {
		return nil, err
	}

	var raw classificationSchema
	if err := decodeObject(out.Text, &raw); err != nil {
		return nil, err
	}

	steps := toSteps(raw.SuggestedWorkflow)
	if err := workflow.ValidateSteps(steps); err != nil {
		return nil, &ParseError{Reason: "plan", Raw: out.Text, Err: err}
	}
	steps, err = Normalize(steps)
	if err != nil {
		return nil, &ParseError{Reason: "plan", Raw: out.Text, Err: err}
	}

	rc := &workflow.RequestClassification{
		RequestType:       workflow.RequestType(raw.RequestType),
		Priority:          workflow.Priority(raw.Priority),
		Complexity:        workflow.Complexity(raw.Complexity),
		Summary:           strings.TrimSpace(raw.Summary),
		RequiredAgents:    requiredAgents(steps),
		EstimatedMinutes:  raw.EstimatedMinutes,
		SuggestedWorkflow: steps,
	}
	if rc.Priority == "" {
		rc.Priority = workflow.PriorityNormal
	}
	if rc.Complexity == "" {
		rc.Complexity = workflow.ComplexityModerate
	}
	if rc.EstimatedMinutes == 0 {
		rc.EstimatedMinutes = totalMinutes(steps)
	}

	slog.Info("request classified", "type", rc.RequestType, "priority", rc.Priority,
		"complexity", rc.Complexity, "steps", len(steps), "tokens", out.TotalTokens())
	return rc, nil
}

// GenerateWorkflow plans steps for an already classified request.
func (c *Classifier) GenerateWorkflow(ctx context.Context, summary string, agents []workflow.AgentType, complexity workflow.Complexity) ([]workflow.Step, error) {
	out, err := c.complete(ctx, planSystemPrompt(), planUserPrompt(summary, agents, complexity))
	if err != nil {
		return nil, err
	}

	steps, err := decodePlan(out.Text)
	if err != nil {
		return nil, err
	}
	if err := workflow.ValidateSteps(steps); err != nil {
		return nil, &ParseError{Reason: "plan", Raw: out.Text, Err: err}
	}
	steps, err = Normalize(steps)
	if err != nil {
		return nil, &ParseError{Reason: "plan", Raw: out.Text, Err: err}
	}
	return steps, nil
}

func (c *Classifier) complete(ctx context.Context, system, user string) (llm.Completion, error) {
	out, err := c.llm.Complete(ctx, llm.Prompt{
		System:      system,
		User:        user,
		Model:       c.opts.Model,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: *c.opts.Temperature,
	})
	if err != nil {
		return llm.Completion{}, fmt.Errorf("classifier completion: %w", err)
	}
	return out, nil
}

func classifyUserPrompt(content, subject, clientContext string) string {
	var sb strings.Builder
	if subject != "" {
		fmt.Fprintf(&sb, "Subject: %s\n\n", subject)
	}
	sb.WriteString("Request:\n")
	sb.WriteString(content)
	if clientContext != "" {
		sb.WriteString("\n\nClient context:\n")
		sb.WriteString(clientContext)
	}
	return sb.String()
}

func planUserPrompt(summary string, agents []workflow.AgentType, complexity workflow.Complexity) string {
	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = string(a)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Summary: %s\n", summary)
	fmt.Fprintf(&sb, "Complexity: %s\n", complexity)
	if len(names) > 0 {
		fmt.Fprintf(&sb, "Agents to use: %s\n", strings.Join(names, ", "))
	}
	return sb.String()
}
