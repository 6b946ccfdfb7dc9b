package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtzanidakis/foreman/internal/workflow"
)

const requestColumns = `id, client_id, subject, content, source, status, request_type, priority,
	complexity, summary, estimated_minutes, workflow_id, error, created_at, updated_at`

func scanRequest(scanner interface {
	Scan(dest ...any) error
}) (*workflow.Request, error) {
	r := &workflow.Request{}
	var clientID, subject, source, reqType, priority, complexity, summary, workflowID, errMsg sql.NullString
	err := scanner.Scan(&r.ID, &clientID, &subject, &r.Content, &source, &r.Status, &reqType, &priority,
		&complexity, &summary, &r.EstimatedMinutes, &workflowID, &errMsg, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.ClientID = clientID.String
	r.Subject = subject.String
	r.Source = source.String
	r.Type = workflow.RequestType(reqType.String)
	r.Priority = workflow.Priority(priority.String)
	r.Complexity = workflow.Complexity(complexity.String)
	r.Summary = summary.String
	r.WorkflowID = workflowID.String
	r.Error = errMsg.String
	return r, nil
}

func (s *Store) CreateRequest(ctx context.Context, r *workflow.Request) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (id, client_id, subject, content, source, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, nullString(r.ClientID), nullString(r.Subject), r.Content, nullString(r.Source), r.Status,
		r.CreatedAt.UTC(), r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (*workflow.Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return r, nil
}

func (s *Store) ListRequests(ctx context.Context, status workflow.RequestStatus, limit int) ([]*workflow.Request, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + requestColumns + ` FROM requests`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRequestStatus(ctx context.Context, id string, status workflow.RequestStatus, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, nullString(errMsg), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	return nil
}

func (s *Store) UpdateRequestClassification(ctx context.Context, id string, c *workflow.RequestClassification) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal classification: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE requests
		SET status = ?, request_type = ?, priority = ?, complexity = ?, summary = ?,
		    estimated_minutes = ?, classification = ?, error = NULL, updated_at = ?
		WHERE id = ?`,
		workflow.RequestClassified, c.RequestType, c.Priority, c.Complexity, c.Summary,
		c.EstimatedMinutes, string(raw), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update request classification: %w", err)
	}
	return nil
}

// GetClassification returns the stored classification of a request.
func (s *Store) GetClassification(ctx context.Context, id string) (*workflow.RequestClassification, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT classification FROM requests WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows || (err == nil && !raw.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get classification: %w", err)
	}
	var c workflow.RequestClassification
	if err := json.Unmarshal([]byte(raw.String), &c); err != nil {
		return nil, fmt.Errorf("decode classification: %w", err)
	}
	return &c, nil
}
