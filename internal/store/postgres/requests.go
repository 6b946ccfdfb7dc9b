package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mtzanidakis/foreman/internal/workflow"
)

const requestColumns = `id, COALESCE(client_id, ''), COALESCE(subject, ''), content, COALESCE(source, ''), status,
	COALESCE(request_type, ''), COALESCE(priority, ''), COALESCE(complexity, ''), COALESCE(summary, ''),
	estimated_minutes, COALESCE(workflow_id, ''), COALESCE(error, ''), created_at, updated_at`

func scanRequest(row pgx.Row) (*workflow.Request, error) {
	r := &workflow.Request{}
	err := row.Scan(&r.ID, &r.ClientID, &r.Subject, &r.Content, &r.Source, &r.Status,
		&r.Type, &r.Priority, &r.Complexity, &r.Summary,
		&r.EstimatedMinutes, &r.WorkflowID, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) CreateRequest(ctx context.Context, r *workflow.Request) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO requests (id, client_id, subject, content, source, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, nullString(r.ClientID), nullString(r.Subject), r.Content, nullString(r.Source), r.Status,
		r.CreatedAt.UTC(), r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (*workflow.Request, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id))
	if notFound(err) {
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
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE $1::text = '' OR status = $1
		ORDER BY created_at DESC LIMIT $2`, string(status), limit)
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
	_, err := s.pool.Exec(ctx,
		`UPDATE requests SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
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
	_, err = s.pool.Exec(ctx, `
		UPDATE requests
		SET status = $1, request_type = $2, priority = $3, complexity = $4, summary = $5,
		    estimated_minutes = $6, classification = $7, error = NULL, updated_at = $8
		WHERE id = $9`,
		workflow.RequestClassified, c.RequestType, c.Priority, c.Complexity, c.Summary,
		c.EstimatedMinutes, string(raw), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update request classification: %w", err)
	}
	return nil
}

func (s *Store) GetClassification(ctx context.Context, id string) (*workflow.RequestClassification, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT classification FROM requests WHERE id = $1`, id).Scan(&raw)
	if notFound(err) || (err == nil && raw == nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get classification: %w", err)
	}
	var c workflow.RequestClassification
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode classification: %w", err)
	}
	return &c, nil
}
