package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mtzanidakis/foreman/internal/workflow"
)

// CreateDeliverable upserts by task_id so a re-run task replaces its
// deliverable. d.ID is set to the stored id.
func (s *Store) CreateDeliverable(ctx context.Context, d *workflow.Deliverable) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = workflow.DeliverableDraft
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO deliverables (id, workflow_id, task_id, request_id, client_id, title, kind, content, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			status = excluded.status
		RETURNING id`,
		d.ID, d.WorkflowID, d.TaskID, nullString(d.RequestID), nullString(d.ClientID),
		d.Title, d.Kind, d.Content, d.Status, d.CreatedAt.UTC()).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("create deliverable: %w", err)
	}
	return nil
}

func (s *Store) ListDeliverables(ctx context.Context, workflowID string) ([]*workflow.Deliverable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, task_id, COALESCE(request_id, ''), COALESCE(client_id, ''),
		       title, kind, content, status, created_at
		FROM deliverables WHERE workflow_id = ? ORDER BY created_at, id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list deliverables: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Deliverable
	for rows.Next() {
		d := &workflow.Deliverable{}
		if err := rows.Scan(&d.ID, &d.WorkflowID, &d.TaskID, &d.RequestID, &d.ClientID,
			&d.Title, &d.Kind, &d.Content, &d.Status, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deliverable: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
