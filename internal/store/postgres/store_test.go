package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mtzanidakis/foreman/internal/store"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("foreman"),
		tcpostgres.WithUsername("foreman"),
		tcpostgres.WithPassword("foreman"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type okRunner struct{}

func (okRunner) Execute(_ context.Context, _ *workflow.Agent, instructions string, _ json.RawMessage, _ workflow.ExecContext) (workflow.TaskResult, error) {
	return workflow.TaskResult{Success: true, Output: "done: " + instructions, TokensUsed: 7}, nil
}

func TestPostgresRepository(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("migrate is idempotent", func(t *testing.T) {
		require.NoError(t, s.Migrate(ctx))
		var n int
		require.NoError(t, s.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
		assert.Equal(t, 1, n)
	})

	t.Run("agents upsert by type", func(t *testing.T) {
		a := &workflow.Agent{ID: "agent-writer", Type: workflow.AgentWriter, Name: "Writer", SystemPrompt: "write"}
		require.NoError(t, s.SaveAgent(ctx, a))
		again := &workflow.Agent{ID: "other-id", Type: workflow.AgentWriter, Name: "Copywriter", SystemPrompt: "write"}
		require.NoError(t, s.SaveAgent(ctx, again))
		assert.Equal(t, "agent-writer", again.ID)

		require.NoError(t, s.SaveAgent(ctx, &workflow.Agent{ID: "agent-designer", Type: "designer", Name: "D", SystemPrompt: "d"}))
		require.NoError(t, s.DeleteAgentsNotIn(ctx, []workflow.AgentType{workflow.AgentWriter}))
		agents, err := s.ListAgents(ctx)
		require.NoError(t, err)
		require.Len(t, agents, 1)
		assert.Equal(t, "Copywriter", agents[0].Name)

		missing, err := s.GetAgent(ctx, "agent-designer")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("engine runs a workflow end to end", func(t *testing.T) {
		req := &workflow.Request{ID: "req-pg", Content: "write a post", Status: workflow.RequestInProgress}
		require.NoError(t, s.CreateRequest(ctx, req))
		wf := &workflow.Workflow{ID: "wf-pg", RequestID: req.ID, Name: "post"}
		tasks := []*workflow.Task{
			{ID: "wf-pg-1", AgentID: "agent-writer", StepIndex: 1, AgentType: workflow.AgentWriter, TaskName: "Draft", Instructions: "draft", MaxRetries: 1},
			{ID: "wf-pg-2", AgentID: "agent-writer", StepIndex: 2, AgentType: workflow.AgentWriter, TaskName: "Polish", Instructions: "polish", DependsOn: []int{1}, MaxRetries: 1},
		}
		require.NoError(t, s.CreateWorkflow(ctx, wf, tasks))

		linked, err := s.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, wf.ID, linked.WorkflowID)

		res, err := workflow.NewEngine(s, okRunner{}).ExecuteWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.WorkflowCompleted, res.Status)

		got, err := s.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.WorkflowCompleted, got.Status)
		assert.Equal(t, 2, got.CurrentStep)
		assert.Len(t, got.Outputs, 2)

		ds, err := s.ListDeliverables(ctx, wf.ID)
		require.NoError(t, err)
		assert.Len(t, ds, 2)

		stored, err := s.ListTasks(ctx, wf.ID)
		require.NoError(t, err)
		require.Len(t, stored, 2)
		assert.Equal(t, []int{1}, stored[1].DependsOn)
		assert.Equal(t, workflow.TaskCompleted, stored[1].Status)
		require.NotNil(t, stored[1].Output)

		// Cancelling a completed workflow leaves it untouched
		_, err = workflow.NewEngine(s, okRunner{}).CancelWorkflow(ctx, wf.ID)
		assert.Error(t, err)
	})

	t.Run("cancel skips pending tasks", func(t *testing.T) {
		wf := &workflow.Workflow{ID: "wf-cancel", RequestID: "req-cancel", Name: "cancel me"}
		require.NoError(t, s.CreateRequest(ctx, &workflow.Request{ID: "req-cancel", Content: "x", Status: workflow.RequestInProgress}))
		require.NoError(t, s.CreateWorkflow(ctx, wf, []*workflow.Task{
			{ID: "wf-cancel-1", StepIndex: 1, AgentType: workflow.AgentWriter, TaskName: "a", Instructions: "a"},
		}))
		n, err := s.CancelWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.CancelWorkflow(ctx, "missing")
		assert.ErrorIs(t, err, workflow.ErrWorkflowNotFound)

		ok, err := s.MarkWorkflowRunning(ctx, wf.ID, time.Now())
		require.NoError(t, err)
		assert.False(t, ok, "cancelled workflow must not restart")
	})

	t.Run("retry into cancelled workflow is stored failed", func(t *testing.T) {
		wf := &workflow.Workflow{ID: "wf-race", RequestID: "req-race", Name: "race"}
		require.NoError(t, s.CreateRequest(ctx, &workflow.Request{ID: "req-race", Content: "x", Status: workflow.RequestInProgress}))
		require.NoError(t, s.CreateWorkflow(ctx, wf, []*workflow.Task{
			{ID: "wf-race-1", StepIndex: 1, AgentType: workflow.AgentWriter, TaskName: "a", Instructions: "a", MaxRetries: 2},
		}))
		ok, err := s.ClaimTask(ctx, "wf-race-1", time.Now())
		require.NoError(t, err)
		require.True(t, ok)
		_, err = s.CancelWorkflow(ctx, wf.ID)
		require.NoError(t, err)

		list, err := s.ListTasks(ctx, wf.ID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		task := list[0]
		task.Status = workflow.TaskPending
		task.RetryCount = 1
		require.NoError(t, s.SaveTaskResult(ctx, task))
		assert.Equal(t, workflow.TaskFailed, task.Status)
		assert.Equal(t, 0, task.RetryCount)

		list, err = s.ListTasks(ctx, wf.ID)
		require.NoError(t, err)
		stored := list[0]
		assert.Equal(t, workflow.TaskFailed, stored.Status)
		assert.Equal(t, 0, stored.RetryCount)
		assert.NotNil(t, stored.CompletedAt)
	})

	t.Run("schedules and secrets", func(t *testing.T) {
		past := time.Now().Add(-time.Minute)
		require.NoError(t, s.SaveSchedule(ctx, &store.RequestSchedule{
			ID: "sched-1", Name: "Daily", Schedule: `{"kind":"cron","cron_expr":"0 9 * * *"}`, Content: "report", NextRunAt: &past,
		}))
		due, err := s.GetDueSchedules(ctx, time.Now())
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "active", due[0].Status)

		require.NoError(t, s.UpdateScheduleRun(ctx, "sched-1", "success", "", nil))
		due, err = s.GetDueSchedules(ctx, time.Now())
		require.NoError(t, err)
		assert.Empty(t, due)

		require.NoError(t, s.SaveSecret(ctx, &store.Secret{ID: "k", Name: "k", Value: []byte{1, 2}, Nonce: []byte{3}}))
		sec, err := s.GetSecretByName(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2}, sec.Value)
		require.NoError(t, s.DeleteSecret(ctx, "k"))
		sec, err = s.GetSecretByName(ctx, "k")
		require.NoError(t, err)
		assert.Nil(t, sec)
	})
}
