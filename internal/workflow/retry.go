package workflow

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/mtzanidakis/foreman/internal/config"
)

const DefaultMaxRetries = 3

type TaskEvent string

const (
	EventStart   TaskEvent = "start"
	EventSucceed TaskEvent = "succeed"
	EventFail    TaskEvent = "fail"
	EventCancel  TaskEvent = "cancel"
	EventBlock   TaskEvent = "block" // a gated dependency ended without completing
	EventAbort   TaskEvent = "abort" // failure that must not be retried
)

type transitionKey struct {
	from  TaskStatus
	event TaskEvent
}

// transitions is the task lifecycle. EventFail has two targets; the guard
// in Transition picks pending while retries remain and failed otherwise.
var transitions = map[transitionKey]TaskStatus{
	{TaskPending, EventStart}:   TaskRunning,
	{TaskQueued, EventStart}:    TaskRunning,
	{TaskRunning, EventSucceed}: TaskCompleted,
	{TaskRunning, EventFail}:    TaskFailed,
	{TaskRunning, EventAbort}:   TaskFailed,
	{TaskPending, EventCancel}:  TaskSkipped,
	{TaskQueued, EventCancel}:   TaskSkipped,
	{TaskPending, EventBlock}:   TaskSkipped,
	{TaskQueued, EventBlock}:    TaskSkipped,
}

// Transition applies event to t in place and returns the new status. A
// failure with retries remaining increments RetryCount and sends the task
// back to pending for the next engine pass.
func Transition(t *Task, event TaskEvent) (TaskStatus, error) {
	next, ok := transitions[transitionKey{t.Status, event}]
	if !ok {
		return t.Status, fmt.Errorf("%w: %s on %s task %d", ErrInvalidTransition, event, t.Status, t.StepIndex)
	}
	if event == EventFail && t.RetryCount < t.MaxRetries {
		t.RetryCount++
		next = TaskPending
	}
	t.Status = next
	return next, nil
}

// RetriesRemaining reports whether a failure now would be retried.
func (t *Task) RetriesRemaining() bool {
	return t.RetryCount < t.MaxRetries
}

// RetryPolicy computes backoff between attempts. The attempt budget lives on
// the task (MaxRetries); the policy only decides how long to wait.
type RetryPolicy struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:    5 * time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

func RetryPolicyFromConfig(c config.RetryConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if c.BaseDelay > 0 {
		p.BaseDelay = c.BaseDelay
	}
	if c.MaxDelay > 0 {
		p.MaxDelay = c.MaxDelay
	}
	if c.Multiplier >= 1 {
		p.Multiplier = c.Multiplier
	}
	if c.JitterFactor >= 0 && c.JitterFactor <= 1 {
		p.JitterFactor = c.JitterFactor
	}
	return p
}

// Delay returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.delayNoJitter(attempt)
	if p.JitterFactor > 0 {
		j := d * p.JitterFactor
		d += (rand.Float64()*2 - 1) * j
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func (p RetryPolicy) delayNoJitter(attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return d
}
