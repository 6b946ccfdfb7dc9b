package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/foreman/internal/natsbus"
	"github.com/mtzanidakis/foreman/internal/schedule"
	"github.com/mtzanidakis/foreman/internal/store"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

type ScheduleStore interface {
	GetDueSchedules(ctx context.Context, now time.Time) ([]*store.RequestSchedule, error)
	UpdateScheduleRun(ctx context.Context, id, lastStatus, lastError string, nextRun *time.Time) error
	UpdateScheduleStatus(ctx context.Context, id, status string) error
}

type Submitter interface {
	CreateAndProcessRequest(ctx context.Context, input workflow.RequestInput) (*workflow.IntakeResult, error)
}

type Publisher interface {
	PublishJSON(topic string, v any) error
}

// Scheduler submits recurring requests and, when a sweeper is attached,
// re-dispatches failed workflows whose retry backoff has elapsed.
type Scheduler struct {
	store   ScheduleStore
	intake  Submitter
	sweeper *Sweeper
	pub     Publisher
	now     func() time.Time

	mu           sync.Mutex
	pollInterval time.Duration
	reloadCh     chan struct{}
}

type Option func(*Scheduler)

func WithSweeper(sw *Sweeper) Option {
	return func(s *Scheduler) { s.sweeper = sw }
}

func WithPublisher(p Publisher) Option {
	return func(s *Scheduler) { s.pub = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(st ScheduleStore, intake Submitter, pollInterval time.Duration, opts ...Option) *Scheduler {
	sched := &Scheduler{
		store:        st,
		intake:       intake,
		now:          time.Now,
		pollInterval: pollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(sched)
	}
	return sched
}

// UpdateConfig updates the poll interval, then signals the run loop to reset
// its ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.mu.Lock()
	s.pollInterval = pollInterval
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollInterval <= 0 {
		return 30 * time.Second
	}
	return s.pollInterval
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.interval(), "retry_sweep", s.sweeper != nil)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.interval())
			slog.Info("scheduler config reloaded", "poll_interval", s.interval())
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll runs every due schedule and one retry sweep.
func (s *Scheduler) Poll(ctx context.Context) {
	due, err := s.store.GetDueSchedules(ctx, s.now())
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
	}
	for _, rs := range due {
		s.execute(ctx, rs)
	}

	if s.sweeper != nil {
		if _, err := s.sweeper.Sweep(ctx); err != nil {
			slog.Error("retry sweep failed", "error", err)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, rs *store.RequestSchedule) {
	slog.Info("executing request schedule", "id", rs.ID, "name", rs.Name, "client_id", rs.ClientID)

	res, err := s.intake.CreateAndProcessRequest(ctx, workflow.RequestInput{
		Content:  rs.Content,
		Subject:  rs.Subject,
		ClientID: rs.ClientID,
		Source:   "schedule",
	})

	var lastStatus, lastError, workflowID string
	if err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("scheduled request failed", "id", rs.ID, "error", err)
	} else {
		lastStatus = "success"
		workflowID = res.WorkflowID
	}

	nextRun := schedule.NextRun(rs.Schedule, s.now())
	if err := s.store.UpdateScheduleRun(ctx, rs.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update schedule run", "id", rs.ID, "error", err)
	}

	s.publishExecuted(rs, lastStatus, workflowID)

	// One-off schedules complete once they have no next run
	if nextRun == nil {
		slog.Info("no next run, marking schedule as completed", "id", rs.ID, "name", rs.Name)
		if err := s.store.UpdateScheduleStatus(ctx, rs.ID, "completed"); err != nil {
			slog.Error("failed to complete schedule", "id", rs.ID, "error", err)
		}
	}
}

func (s *Scheduler) publishExecuted(rs *store.RequestSchedule, status, workflowID string) {
	if s.pub == nil {
		return
	}
	ev := map[string]any{
		"type":      "schedule_executed",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"id":          rs.ID,
			"name":        rs.Name,
			"status":      status,
			"workflow_id": workflowID,
		},
	}
	if err := s.pub.PublishJSON(natsbus.TopicEventsSchedule, ev); err != nil {
		slog.Warn("publish schedule event failed", "id", rs.ID, "error", err)
	}
}
