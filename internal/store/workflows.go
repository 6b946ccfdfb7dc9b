package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtzanidakis/foreman/internal/workflow"
)

const workflowColumns = `id, request_id, client_id, name, status, current_step, total_steps,
	outputs, deliverables, error, started_at, completed_at, created_at, updated_at`

func scanWorkflow(scanner interface {
	Scan(dest ...any) error
}) (*workflow.Workflow, error) {
	wf := &workflow.Workflow{}
	var clientID, outputs, deliverables, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	err := scanner.Scan(&wf.ID, &wf.RequestID, &clientID, &wf.Name, &wf.Status, &wf.CurrentStep, &wf.TotalSteps,
		&outputs, &deliverables, &errMsg, &startedAt, &completedAt, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wf.ClientID = clientID.String
	wf.Error = errMsg.String
	wf.StartedAt = timePtr(startedAt)
	wf.CompletedAt = timePtr(completedAt)
	wf.Outputs = map[string]string{}
	if outputs.Valid && outputs.String != "" {
		if err := json.Unmarshal([]byte(outputs.String), &wf.Outputs); err != nil {
			return nil, fmt.Errorf("decode outputs: %w", err)
		}
	}
	if deliverables.Valid && deliverables.String != "" {
		if err := json.Unmarshal([]byte(deliverables.String), &wf.Deliverables); err != nil {
			return nil, fmt.Errorf("decode deliverables: %w", err)
		}
	}
	return wf, nil
}

// CreateWorkflow inserts the workflow, its tasks and the request link in
// one transaction.
func (s *Store) CreateWorkflow(ctx context.Context, wf *workflow.Workflow, tasks []*workflow.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

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

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (id, request_id, client_id, name, status, current_step, total_steps,
		                       outputs, deliverables, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		wf.ID, wf.RequestID, nullString(wf.ClientID), wf.Name, wf.Status, wf.TotalSteps,
		string(outputs), string(deliverables), wf.CreatedAt.UTC(), wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	for _, t := range tasks {
		dependsOn, _ := json.Marshal(nonNilInts(t.DependsOn))
		if t.Status == "" {
			t.Status = workflow.TaskPending
		}
		t.WorkflowID = wf.ID
		t.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (id, workflow_id, agent_id, step_index, agent_type, task_name, description,
			                   instructions, depends_on, estimated_minutes, status, retry_count, max_retries,
			                   input_data, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, wf.ID, nullString(t.AgentID), t.StepIndex, t.AgentType, t.TaskName, t.Description,
			t.Instructions, string(dependsOn), t.EstimatedMinutes, t.Status, t.RetryCount, t.MaxRetries,
			nullString(string(t.Input)), now)
		if err != nil {
			return fmt.Errorf("insert task %d: %w", t.StepIndex, err)
		}
	}

	if wf.RequestID != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE requests SET workflow_id = ?, updated_at = ? WHERE id = ?`,
			wf.ID, now, wf.RequestID); err != nil {
			return fmt.Errorf("link request: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

func (s *Store) ListWorkflows(ctx context.Context, f workflow.WorkflowFilter) ([]*workflow.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.ClientID != "" {
		query += ` AND client_id = ?`
		args = append(args, f.ClientID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	return s.queryWorkflows(ctx, query, args...)
}

func (s *Store) queryWorkflows(ctx context.Context, query string, args ...any) ([]*workflow.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET status = 'running', started_at = COALESCE(started_at, ?), completed_at = NULL, updated_at = ?
		WHERE id = ? AND status IN ('draft', 'running', 'failed')`,
		at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("mark workflow running: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) UpdateWorkflowProgress(ctx context.Context, id string, step int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET current_step = MAX(current_step, ?), updated_at = ? WHERE id = ?`,
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

	_, err = s.db.ExecContext(ctx, `
		UPDATE workflows
		SET status = ?, outputs = ?, deliverables = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status != 'cancelled'`,
		wf.Status, string(outputs), string(deliverables), nullString(wf.Error),
		nullTimeOf(wf.CompletedAt), time.Now().UTC(), wf.ID)
	if err != nil {
		return "", fmt.Errorf("finalize workflow: %w", err)
	}

	var status workflow.WorkflowStatus
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM workflows WHERE id = ?`, wf.ID).Scan(&status); err != nil {
		return "", fmt.Errorf("read workflow status: %w", err)
	}
	return status, nil
}

func (s *Store) CancelWorkflow(ctx context.Context, id string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE workflows SET status = 'cancelled', completed_at = ?, updated_at = ? WHERE id = ?`,
		now, now, id)
	if err != nil {
		return 0, fmt.Errorf("cancel workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, workflow.ErrWorkflowNotFound
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'skipped', error_message = 'workflow cancelled', updated_at = ?
		WHERE workflow_id = ? AND status IN ('pending', 'queued')`,
		now, id)
	if err != nil {
		return 0, fmt.Errorf("skip tasks: %w", err)
	}
	skipped, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(skipped), nil
}

func (s *Store) ListRetryableWorkflows(ctx context.Context, before time.Time) ([]*workflow.Workflow, error) {
	wfs, err := s.queryWorkflows(ctx, `
		SELECT `+workflowColumns+` FROM workflows w
		WHERE w.status = 'failed'
		  AND EXISTS (SELECT 1 FROM tasks t WHERE t.workflow_id = w.id AND t.status IN ('pending', 'queued'))
		ORDER BY w.updated_at`)
	if err != nil {
		return nil, err
	}
	out := wfs[:0]
	for _, wf := range wfs {
		if wf.UpdatedAt.Before(before) {
			out = append(out, wf)
		}
	}
	return out, nil
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
