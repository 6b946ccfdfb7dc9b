package classifier

import (
	"fmt"
	"strings"

	"github.com/mtzanidakis/foreman/internal/workflow"
)

var agentRoles = map[workflow.AgentType]string{
	workflow.AgentWriter:     "copy, articles, emails, scripts and other written content",
	workflow.AgentResearcher: "market, competitor and topic research",
	workflow.AgentAnalyst:    "data analysis, reporting and metrics",
	workflow.AgentDeveloper:  "code, automations, integrations and technical specs",
	workflow.AgentStrategist: "positioning, campaigns and business strategy",
	workflow.AgentSupport:    "customer support replies and help content",
	workflow.AgentManager:    "coordination, scoping and project planning",
	workflow.AgentQC:         "quality review of previous work",
	workflow.AgentDelivery:   "packaging and handing off the final work",
}

func agentList(sb *strings.Builder) {
	for _, t := range workflow.AgentTypes {
		fmt.Fprintf(sb, "- %s: %s\n", t, agentRoles[t])
	}
}

const stepContract = `Each step is an object:
{"step_index": 1, "agent_type": "<agent>", "task_name": "...", "description": "...",
 "instructions": "<full prompt for the agent>", "depends_on": [<earlier step indices>], "estimated_minutes": 30}

Rules:
- step_index starts at 1 and increases by one per step.
- depends_on may only reference steps with a smaller step_index.
- End with one qc step that depends on the last work step, then one delivery step that depends on the qc step.
`

func classifySystemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are the intake coordinator of an automation agency. Classify the client request and plan the work.\n\n")

	types := make([]string, len(workflow.RequestTypes))
	for i, t := range workflow.RequestTypes {
		types[i] = string(t)
	}
	fmt.Fprintf(&sb, "Request types: %s\n", strings.Join(types, ", "))
	sb.WriteString("Priorities: low, normal, high, urgent\n")
	sb.WriteString("Complexity: simple, moderate, complex, enterprise\n\n")
	sb.WriteString("Agents:\n")
	agentList(&sb)

	sb.WriteString("\nRespond with ONLY a JSON object, no prose:\n")
	sb.WriteString(`{"request_type": "...", "priority": "...", "complexity": "...", "summary": "...",
 "required_agents": ["..."], "estimated_minutes": 0, "suggested_workflow": [<steps>]}`)
	sb.WriteString("\n\n")
	sb.WriteString(stepContract)
	return sb.String()
}

func planSystemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are the project planner of an automation agency. Break the summarized request into agent steps.\n\n")
	sb.WriteString("Agents:\n")
	agentList(&sb)
	sb.WriteString("\nRespond with ONLY a JSON object, no prose:\n")
	sb.WriteString(`{"suggested_workflow": [<steps>]}`)
	sb.WriteString("\n\n")
	sb.WriteString(stepContract)
	return sb.String()
}
