package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mtzanidakis/foreman/internal/workflow"
)

const taskColumns = `id, workflow_id, COALESCE(agent_id, ''), step_index, agent_type, task_name,
	COALESCE(description, ''), COALESCE(instructions, ''), depends_on, estimated_minutes, status,
	retry_count, max_retries, input_data, output_data, tokens_used, duration_ms,
	COALESCE(error_message, ''), started_at, completed_at, updated_at`

func scanTask(row pgx.Row) (*workflow.Task, error) {
	t := &workflow.Task{}
	var dependsOn, input, output []byte
	err := row.Scan(&t.ID, &t.WorkflowID, &t.AgentID, &t.StepIndex, &t.AgentType, &t.TaskName,
		&t.Description, &t.Instructions, &dependsOn, &t.EstimatedMinutes, &t.Status,
		&t.RetryCount, &t.MaxRetries, &input, &output, &t.TokensUsed, &t.DurationMs,
		&t.ErrorMessage, &t.StartedAt, &t.CompletedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(dependsOn) > 0 {
		if err := json.Unmarshal(dependsOn, &t.DependsOn); err != nil {
			return nil, fmt.Errorf("decode depends_on: %w", err)
		}
	}
	if len(input) > 0 {
		t.Input = json.RawMessage(input)
	}
	if len(output) > 0 {
		var o workflow.OutputData
		if err := json.Unmarshal(output, &o); err != nil {
			return nil, fmt.Errorf("decode output_data: %w", err)
		}
		t.Output = &o
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, workflowID string) ([]*workflow.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE workflow_id = $1 ORDER BY step_index`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*workflow.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) ClaimTask(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'running', started_at = $1, updated_at = $2
		WHERE id = $3 AND status IN ('pending', 'queued')`,
		at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SaveTaskResult holds a share lock on the workflow row while writing, so
// CancelWorkflow either commits first and turns a retry into failed, or
// waits and then skips the pending task.
func (s *Store) SaveTaskResult(ctx context.Context, t *workflow.Task) error {
	var output any
	if t.Output != nil {
		raw, err := json.Marshal(t.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		output = string(raw)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		wfStatus    workflow.WorkflowStatus
		storedRetry int
	)
	err = tx.QueryRow(ctx, `
		SELECT w.status, t.retry_count FROM tasks t
		JOIN workflows w ON w.id = t.workflow_id
		WHERE t.id = $1
		FOR SHARE OF w`, t.ID).Scan(&wfStatus, &storedRetry)
	if notFound(err) {
		return fmt.Errorf("save task result: task %s not found", t.ID)
	}
	if err != nil {
		return fmt.Errorf("lock workflow: %w", err)
	}

	now := time.Now().UTC()
	if t.Status == workflow.TaskPending && wfStatus == workflow.WorkflowCancelled {
		t.Status = workflow.TaskFailed
		t.RetryCount = storedRetry
		t.CompletedAt = &now
	}
	t.UpdatedAt = now

	_, err = tx.Exec(ctx, `
		UPDATE tasks
		SET status = $1, retry_count = $2, output_data = $3, tokens_used = $4, duration_ms = $5,
		    error_message = $6, completed_at = $7, updated_at = $8
		WHERE id = $9`,
		t.Status, t.RetryCount, output, t.TokensUsed, t.DurationMs,
		nullString(t.ErrorMessage), nullTime(t.CompletedAt), t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("save task result: %w", err)
	}
	return tx.Commit(ctx)
}
