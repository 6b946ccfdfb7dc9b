package natsbus

import (
	"fmt"
	"strings"
)

// Topic patterns for NATS pub/sub communication.

const (
	TopicWorkflowExecute = "workflow.execute"
	TopicEventsAll       = "events.>"
	TopicEventsWorkflows = "events.workflow.*"
	TopicEventsSchedule  = "events.schedule.executed"

	QueueEngine = "engine"
)

func TopicEventsWorkflow(workflowID string) string {
	return fmt.Sprintf("events.workflow.%s", workflowID)
}

func TopicIPC(service string) string {
	return fmt.Sprintf("host.ipc.%s", service)
}

// WorkflowIDFromTopic extracts the id from an events.workflow.<id> subject.
func WorkflowIDFromTopic(topic string) string {
	id, ok := strings.CutPrefix(topic, "events.workflow.")
	if !ok {
		return ""
	}
	return id
}
