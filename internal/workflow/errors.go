package workflow

import "errors"

var (
	// ErrInvalidPlan wraps every structural problem with a step list.
	ErrInvalidPlan = errors.New("invalid workflow plan")

	// ErrWorkflowBusy is returned when another pass already holds the
	// workflow's writer lock.
	ErrWorkflowBusy = errors.New("workflow is already executing")

	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrRequestNotFound  = errors.New("request not found")

	// ErrInvalidTransition is returned by the retry table for an event
	// that has no edge from the task's current status.
	ErrInvalidTransition = errors.New("invalid task transition")
)

const (
	msgWorkflowNotFound = "Workflow not found"
	msgNoTasks          = "No tasks found"
)
