// Package executor runs one workflow task against its agent through the
// completion client.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mtzanidakis/foreman/internal/llm"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

// Defaults apply when the agent row leaves model parameters unset.
type Defaults struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

type Executor struct {
	llm      llm.Completer
	defaults Defaults
}

var _ workflow.StepRunner = (*Executor)(nil)

func New(c llm.Completer, d Defaults) *Executor {
	return &Executor{llm: c, defaults: d}
}

// Execute never returns an error for model or business failures; those come
// back as TaskResult{Success: false}. Only llm.ErrNotConfigured is returned.
func (e *Executor) Execute(ctx context.Context, agent *workflow.Agent, instructions string, input json.RawMessage, ec workflow.ExecContext) (workflow.TaskResult, error) {
	if agent == nil {
		return workflow.TaskResult{Error: "no agent"}, nil
	}

	p := llm.Prompt{
		System:      agent.SystemPrompt,
		User:        BuildPrompt(instructions, input, ec),
		Model:       agent.Model,
		MaxTokens:   agent.MaxTokens,
		Temperature: e.defaults.Temperature,
	}
	if agent.Temperature != nil {
		p.Temperature = *agent.Temperature
	}
	if p.Model == "" {
		p.Model = e.defaults.Model
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = e.defaults.MaxTokens
	}

	out, err := e.llm.Complete(ctx, p)
	if err != nil {
		if errors.Is(err, llm.ErrNotConfigured) {
			return workflow.TaskResult{Error: err.Error()}, err
		}
		slog.Warn("agent execution failed", "agent_type", agent.Type, "error", err)
		return workflow.TaskResult{Error: err.Error(), TokensUsed: out.TotalTokens()}, nil
	}

	res := workflow.TaskResult{
		Success:    true,
		Output:     out.Text,
		TokensUsed: out.TotalTokens(),
	}
	if strings.TrimSpace(out.Text) == "" {
		res.Success = false
		res.Error = "agent returned an empty response"
		return res, nil
	}
	res.Structured = ExtractJSONBlock(out.Text)
	return res, nil
}

// BuildPrompt assembles the user prompt for one task.
func BuildPrompt(instructions string, input json.RawMessage, ec workflow.ExecContext) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(instructions))

	b.WriteString("\n\n## Input Data\n")
	if len(input) == 0 {
		b.WriteString("{}")
	} else if pretty, err := indentJSON(input); err == nil {
		b.WriteString(pretty)
	} else {
		b.Write(input)
	}

	if len(ec.PreviousOutputs) > 0 {
		b.WriteString("\n\n## Previous Work\n")
		for _, prev := range ec.PreviousOutputs {
			fmt.Fprintf(&b, "\n### %s\n%s\n", prev.TaskName, prev.Output)
		}
	}

	if ec.ClientInfo != "" {
		b.WriteString("\n\n## Client Information\n")
		b.WriteString(ec.ClientInfo)
	}
	return b.String()
}

func indentJSON(raw json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

var fencedJSON = regexp.MustCompile("(?s)```json\\s*\\n(.*?)```")

// ExtractJSONBlock returns the first fenced json block of text when it holds
// valid JSON, and nil otherwise.
func ExtractJSONBlock(text string) json.RawMessage {
	m := fencedJSON.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	body := strings.TrimSpace(m[1])
	if !json.Valid([]byte(body)) {
		return nil
	}
	return json.RawMessage(body)
}
