package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mtzanidakis/foreman/internal/workflow"
)

const taskColumns = `id, workflow_id, agent_id, step_index, agent_type, task_name, description, instructions,
	depends_on, estimated_minutes, status, retry_count, max_retries, input_data, output_data,
	tokens_used, duration_ms, error_message, started_at, completed_at, updated_at`

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*workflow.Task, error) {
	t := &workflow.Task{}
	var agentID, description, instructions, dependsOn, input, output, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	err := scanner.Scan(&t.ID, &t.WorkflowID, &agentID, &t.StepIndex, &t.AgentType, &t.TaskName, &description, &instructions,
		&dependsOn, &t.EstimatedMinutes, &t.Status, &t.RetryCount, &t.MaxRetries, &input, &output,
		&t.TokensUsed, &t.DurationMs, &errMsg, &startedAt, &completedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.AgentID = agentID.String
	t.Description = description.String
	t.Instructions = instructions.String
	t.ErrorMessage = errMsg.String
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	if dependsOn.Valid && dependsOn.String != "" {
		if err := json.Unmarshal([]byte(dependsOn.String), &t.DependsOn); err != nil {
			return nil, fmt.Errorf("decode depends_on: %w", err)
		}
	}
	if input.Valid && input.String != "" {
		t.Input = json.RawMessage(input.String)
	}
	if output.Valid && output.String != "" {
		var o workflow.OutputData
		if err := json.Unmarshal([]byte(output.String), &o); err != nil {
			return nil, fmt.Errorf("decode output_data: %w", err)
		}
		t.Output = &o
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, workflowID string) ([]*workflow.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE workflow_id = ? ORDER BY step_index`, workflowID)
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

func (s *Store) GetTask(ctx context.Context, id string) (*workflow.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) ClaimTask(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'running', started_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'queued')`,
		at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SaveTaskResult writes the outcome of an attempt. A retry (pending) that
// lands in a cancelled workflow is stored as failed with the retry count
// left unchanged; t is updated to what was stored.
func (s *Store) SaveTaskResult(ctx context.Context, t *workflow.Task) error {
	var output sql.NullString
	if t.Output != nil {
		raw, err := json.Marshal(t.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		output = sql.NullString{String: string(raw), Valid: true}
	}
	now := time.Now().UTC()
	var (
		status     workflow.TaskStatus
		retryCount int
	)
	err := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = CASE WHEN ?1 = 'pending' AND `+workflowCancelled+` THEN 'failed' ELSE ?1 END,
		    retry_count = CASE WHEN ?1 = 'pending' AND `+workflowCancelled+` THEN retry_count ELSE ?2 END,
		    completed_at = CASE WHEN ?1 = 'pending' AND `+workflowCancelled+` THEN ?7 ELSE ?6 END,
		    output_data = ?3, tokens_used = ?4, duration_ms = ?5, error_message = ?8, updated_at = ?7
		WHERE id = ?9
		RETURNING status, retry_count`,
		t.Status, t.RetryCount, output, t.TokensUsed, t.DurationMs,
		nullTimeOf(t.CompletedAt), now, nullString(t.ErrorMessage), t.ID,
	).Scan(&status, &retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("save task result: task %s not found", t.ID)
	}
	if err != nil {
		return fmt.Errorf("save task result: %w", err)
	}
	if status != t.Status {
		t.CompletedAt = &now
	}
	t.Status = status
	t.RetryCount = retryCount
	t.UpdatedAt = now
	return nil
}

const workflowCancelled = `(SELECT status FROM workflows WHERE id = tasks.workflow_id) = 'cancelled'`
