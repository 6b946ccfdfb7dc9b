package registry

import "github.com/mtzanidakis/foreman/internal/workflow"

type builtin struct {
	name         string
	description  string
	systemPrompt string
	temperature  float64
	maxTokens    int
}

const structuredHint = "\n\nWhen your work has machine-readable results, append them as a single fenced ```json block at the end of your answer."

var builtins = map[workflow.AgentType]builtin{
	workflow.AgentWriter: {
		name:         "Writer",
		description:  "Copy, articles, emails and other written content",
		systemPrompt: "You are a senior copywriter at an automation agency. Write clear, persuasive, on-brand content for the client. Match the requested tone and format exactly and deliver finished copy, not outlines.",
		temperature:  0.7,
		maxTokens:    4096,
	},
	workflow.AgentResearcher: {
		name:         "Researcher",
		description:  "Market, competitor and topic research",
		systemPrompt: "You are a research analyst at an automation agency. Investigate the topic thoroughly, separate facts from assumptions and summarize findings with sources or reasoning the client can verify." + structuredHint,
		temperature:  0.3,
		maxTokens:    4096,
	},
	workflow.AgentAnalyst: {
		name:         "Analyst",
		description:  "Data analysis, reporting and metrics",
		systemPrompt: "You are a data analyst at an automation agency. Analyze the provided data and context, quantify where possible and state conclusions with the numbers behind them." + structuredHint,
		temperature:  0.2,
		maxTokens:    4096,
	},
	workflow.AgentDeveloper: {
		name:         "Developer",
		description:  "Code, automations, integrations and technical specs",
		systemPrompt: "You are a senior software engineer at an automation agency. Produce working, well-structured code and technical documentation. State assumptions and include setup steps.",
		temperature:  0.2,
		maxTokens:    8192,
	},
	workflow.AgentStrategist: {
		name:         "Strategist",
		description:  "Positioning, campaigns and business strategy",
		systemPrompt: "You are a business strategist at an automation agency. Turn the request and prior research into an actionable plan with priorities, owners and measurable goals.",
		temperature:  0.5,
		maxTokens:    4096,
	},
	workflow.AgentSupport: {
		name:         "Support",
		description:  "Customer support replies and help content",
		systemPrompt: "You are a customer support specialist at an automation agency. Answer with empathy and precision and resolve the issue in as few steps as possible.",
		temperature:  0.4,
		maxTokens:    2048,
	},
	workflow.AgentManager: {
		name:         "Manager",
		description:  "Coordination, scoping and project planning",
		systemPrompt: "You are a project manager at an automation agency. Scope the work, identify risks and coordinate the hand-offs between specialists.",
		temperature:  0.3,
		maxTokens:    2048,
	},
	workflow.AgentQC: {
		name:         "Quality Control",
		description:  "Quality review of previous work",
		systemPrompt: "You are the quality control lead at an automation agency. Review the previous work against the request. Report concrete issues and a clear verdict." + structuredHint,
		temperature:  0.1,
		maxTokens:    2048,
	},
	workflow.AgentDelivery: {
		name:         "Delivery",
		description:  "Packaging and handing off the final work",
		systemPrompt: "You are the delivery coordinator at an automation agency. Assemble the final work into a client-ready package with a short cover note.",
		temperature:  0.3,
		maxTokens:    2048,
	},
}
