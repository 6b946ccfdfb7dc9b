package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mtzanidakis/foreman/internal/workflow"
)

const workflowColumns = `id, request_id, COALESCE(client_id, ''), name, status, current_step, total_steps,
	outputs, deliverables, COALESCE(error, ''), started_at, completed_at, created_at, updated_at`

func scanWorkflow(row pgx.Row) (*workflow.Workflow, error) {
	wf := &workflow.Workflow{}
	var outputs, deliverables []byte
	err := row.Scan(&wf.ID, &wf.RequestID, &wf.ClientID, &wf.Name, &wf.Status, &wf.CurrentStep, &wf.TotalSteps,
		&outputs, &deliverables, &wf.Error, &wf.StartedAt, &wf.CompletedAt, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wf.Outputs = map[string]string{}
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &wf.Outputs); err != nil {
			return nil, fmt.Errorf("decode outputs: %w", err)
		}
	}
	if len(deliverables) > 0 {
		if err := json.Unmarshal(deliverables, &wf.Deliverables); err != nil {
			return nil, fmt.Errorf("decode deliverables: %w", err)
		}
	}
	return wf, nil
}

func (s *Store) CreateWorkflow(ctx context.Context, wf *workflow.Workflow, tasks []*workflow.Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	if wf.Status == "" {
		wf.Status = workflow.WorkflowDraft
	}
	wf.TotalSteps = len(tasks)
	outputs, _ := json.Marshal(nonNilMap(wf.Outputs))
	deliverables, _ := json.Marshal(nonNilSlice(wf.Deliverables))

	_, err = tx.Exec(ctx, `
		INSERT INTO workflows (id, request_id, client_id, name, status, current_step, total_steps,
		                       outputs, deliverables, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $10)`,
		wf.ID, wf.RequestID, nullString(wf.ClientID), wf.Name, wf.Status, wf.TotalSteps,
		string(outputs), string(deliverables), wf.CreatedAt.UTC(), wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	batch := &pgx.Batch{}
	for _, t := range tasks {
		dependsOn, _ := json.Marshal(nonNilInts(t.DependsOn))
		if t.Status == "" {
			t.Status = workflow.TaskPending
		}
		t.WorkflowID = wf.ID
		t.UpdatedAt = now
		batch.Queue(`
			INSERT INTO tasks (id, workflow_id, agent_id, step_index, agent_type, task_name, description,
			                   instructions, depends_on, estimated_minutes, status, retry_count, max_retries,
			                   input_data, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			t.ID, wf.ID, nullString(t.AgentID), t.StepIndex, t.AgentType, t.TaskName, t.Description,
			t.Instructions, string(dependsOn), t.EstimatedMinutes, t.Status, t.RetryCount, t.MaxRetries,
			nullString(string(t.Input)), now)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert tasks: %w", err)
	}

	if wf.RequestID != "" {
		if _, err := tx.Exec(ctx, `UPDATE requests SET workflow_id = $1, updated_at = $2 WHERE id = $3`,
			wf.ID, now, wf.RequestID); err != nil {
			return fmt.Errorf("link request: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	wf, err := scanWorkflow(s.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id))
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

func (s *Store) ListWorkflows(ctx context.Context, f workflow.WorkflowFilter) ([]*workflow.Workflow, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	return s.queryWorkflows(ctx, `
		SELECT `+workflowColumns+` FROM workflows
		WHERE ($1::text = '' OR status = $1) AND ($2::text = '' OR client_id = $2)
		ORDER BY created_at DESC LIMIT $3`,
		string(f.Status), f.ClientID, limit)
}

func (s *Store) queryWorkflows(ctx context.Context, query string, args ...any) ([]*workflow.Workflow, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *Store) MarkWorkflowRunning(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows
		SET status = 'running', started_at = COALESCE(started_at, $1), completed_at = NULL, updated_at = $2
		WHERE id = $3 AND status IN ('draft', 'running', 'failed')`,
		at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("mark workflow running: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) UpdateWorkflowProgress(ctx context.Context, id string, step int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflows SET current_step = GREATEST(current_step, $1), updated_at = $2 WHERE id = $3`,
		step, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update workflow progress: %w", err)
	}
	return nil
}

func (s *Store) FinalizeWorkflow(ctx context.Context, wf *workflow.Workflow) (workflow.WorkflowStatus, error) {
	outputs, err := json.Marshal(nonNilMap(wf.Outputs))
	if err != nil {
		return "", fmt.Errorf("marshal outputs: %w", err)
	}
	deliverables, err := json.Marshal(nonNilSlice(wf.Deliverables))
	if err != nil {
		return "", fmt.Errorf("marshal deliverables: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE workflows
		SET status = $1, outputs = $2, deliverables = $3, error = $4, completed_at = $5, updated_at = $6
		WHERE id = $7 AND status <> 'cancelled'`,
		wf.Status, string(outputs), string(deliverables), nullString(wf.Error),
		nullTime(wf.CompletedAt), time.Now().UTC(), wf.ID)
	if err != nil {
		return "", fmt.Errorf("finalize workflow: %w", err)
	}

	var status workflow.WorkflowStatus
	if err := s.pool.QueryRow(ctx, `SELECT status FROM workflows WHERE id = $1`, wf.ID).Scan(&status); err != nil {
		return "", fmt.Errorf("read workflow status: %w", err)
	}
	return status, nil
}

func (s *Store) CancelWorkflow(ctx context.Context, id string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE workflows SET status = 'cancelled', completed_at = $1, updated_at = $2 WHERE id = $3`,
		now, now, id)
	if err != nil {
		return 0, fmt.Errorf("cancel workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, workflow.ErrWorkflowNotFound
	}

	tag, err = tx.Exec(ctx, `
		UPDATE tasks SET status = 'skipped', error_message = 'workflow cancelled', updated_at = $1
		WHERE workflow_id = $2 AND status IN ('pending', 'queued')`,
		now, id)
	if err != nil {
		return 0, fmt.Errorf("skip tasks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ListRetryableWorkflows(ctx context.Context, before time.Time) ([]*workflow.Workflow, error) {
	return s.queryWorkflows(ctx, `
		SELECT `+workflowColumns+` FROM workflows w
		WHERE w.status = 'failed' AND w.updated_at < $1
		  AND EXISTS (SELECT 1 FROM tasks t WHERE t.workflow_id = w.id AND t.status IN ('pending', 'queued'))
		ORDER BY w.updated_at`, before.UTC())
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilInts(s []int) []int {
	if s == nil {
		return []int{}
	}
	return s
}
