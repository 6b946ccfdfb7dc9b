package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RequestSchedule submits the same request content on a recurring basis.
type RequestSchedule struct {
	ID         string     `json:"id"`
	ClientID   string     `json:"client_id,omitempty"`
	Name       string     `json:"name"`
	Schedule   string     `json:"schedule"`
	Subject    string     `json:"subject,omitempty"`
	Content    string     `json:"content"`
	Status     string     `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

const scheduleColumns = `id, client_id, name, schedule, subject, content, status,
	next_run_at, last_run_at, last_status, last_error, created_at`

func scanSchedule(scanner interface {
	Scan(dest ...any) error
}) (*RequestSchedule, error) {
	rs := &RequestSchedule{}
	var clientID, subject, status, lastStatus, lastError sql.NullString
	var nextRun, lastRun sql.NullTime
	err := scanner.Scan(&rs.ID, &clientID, &rs.Name, &rs.Schedule, &subject, &rs.Content, &status,
		&nextRun, &lastRun, &lastStatus, &lastError, &rs.CreatedAt)
	if err != nil {
		return nil, err
	}
	rs.ClientID = clientID.String
	rs.Subject = subject.String
	rs.Status = status.String
	rs.LastStatus = lastStatus.String
	rs.LastError = lastError.String
	rs.NextRunAt = timePtr(nextRun)
	rs.LastRunAt = timePtr(lastRun)
	return rs, nil
}

func (s *Store) SaveSchedule(ctx context.Context, rs *RequestSchedule) error {
	if rs.CreatedAt.IsZero() {
		rs.CreatedAt = time.Now().UTC()
	}
	if rs.Status == "" {
		rs.Status = "active"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_schedules (id, client_id, name, schedule, subject, content, status, next_run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			client_id = excluded.client_id,
			name = excluded.name,
			schedule = excluded.schedule,
			subject = excluded.subject,
			content = excluded.content,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		rs.ID, nullString(rs.ClientID), rs.Name, rs.Schedule, nullString(rs.Subject), rs.Content, rs.Status,
		nullTimeOf(rs.NextRunAt), rs.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*RequestSchedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM request_schedules WHERE id = ?`, id)
	rs, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return rs, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]*RequestSchedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM request_schedules ORDER BY created_at`)
}

// GetDueSchedules returns active schedules whose next run is not after now.
func (s *Store) GetDueSchedules(ctx context.Context, now time.Time) ([]*RequestSchedule, error) {
	all, err := s.querySchedules(ctx, `
		SELECT `+scheduleColumns+` FROM request_schedules
		WHERE status = 'active' AND next_run_at IS NOT NULL
		ORDER BY next_run_at`)
	if err != nil {
		return nil, err
	}
	due := all[:0]
	for _, rs := range all {
		if !rs.NextRunAt.After(now) {
			due = append(due, rs)
		}
	}
	return due, nil
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]*RequestSchedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*RequestSchedule
	for rows.Next() {
		rs, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

func (s *Store) UpdateScheduleRun(ctx context.Context, id, lastStatus, lastError string, nextRun *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE request_schedules
		SET last_run_at = ?, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`,
		time.Now().UTC(), lastStatus, nullString(lastError), nullTimeOf(nextRun), id)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

func (s *Store) UpdateScheduleStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE request_schedules SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update schedule status: %w", err)
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM request_schedules WHERE id = ?`, id)
	return err
}
