package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mtzanidakis/foreman/internal/store"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

const agentColumns = `id, type, name, COALESCE(description, ''), system_prompt, COALESCE(model, ''),
	temperature, max_tokens, updated_at`

func scanAgent(row pgx.Row) (*workflow.Agent, error) {
	a := &workflow.Agent{}
	if err := row.Scan(&a.ID, &a.Type, &a.Name, &a.Description, &a.SystemPrompt, &a.Model,
		&a.Temperature, &a.MaxTokens, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return a, nil
}

// SaveAgent upserts by agent type, keeping the stored id.
func (s *Store) SaveAgent(ctx context.Context, a *workflow.Agent) error {
	a.UpdatedAt = time.Now().UTC()
	err := s.pool.QueryRow(ctx, `
		INSERT INTO agents (id, type, name, description, system_prompt, model, temperature, max_tokens, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (type) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			system_prompt = excluded.system_prompt,
			model = excluded.model,
			temperature = excluded.temperature,
			max_tokens = excluded.max_tokens,
			updated_at = excluded.updated_at
		RETURNING id`,
		a.ID, a.Type, a.Name, nullString(a.Description), a.SystemPrompt, nullString(a.Model),
		a.Temperature, a.MaxTokens, a.UpdatedAt).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*workflow.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) GetAgentByType(ctx context.Context, t workflow.AgentType) (*workflow.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE type = $1`, t))
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by type: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]*workflow.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY type`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*workflow.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) DeleteAgentsNotIn(ctx context.Context, types []workflow.AgentType) error {
	keep := make([]string, len(types))
	for i, t := range types {
		keep[i] = string(t)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE NOT (type = ANY($1))`, keep); err != nil {
		return fmt.Errorf("delete agents: %w", err)
	}
	return nil
}

func (s *Store) SaveClient(ctx context.Context, c *workflow.Client) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO clients (id, name, company, industry, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			company = excluded.company,
			industry = excluded.industry,
			notes = excluded.notes,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, nullString(c.Company), nullString(c.Industry), nullString(c.Notes), c.CreatedAt.UTC(), now)
	if err != nil {
		return fmt.Errorf("save client: %w", err)
	}
	return nil
}

const clientColumns = `id, name, COALESCE(company, ''), COALESCE(industry, ''), COALESCE(notes, ''), created_at`

func scanClient(row pgx.Row) (*workflow.Client, error) {
	c := &workflow.Client{}
	if err := row.Scan(&c.ID, &c.Name, &c.Company, &c.Industry, &c.Notes, &c.CreatedAt); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) GetClient(ctx context.Context, id string) (*workflow.Client, error) {
	c, err := scanClient(s.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1`, id))
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return c, nil
}

func (s *Store) ListClients(ctx context.Context) ([]*workflow.Client, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var clients []*workflow.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (s *Store) DeleteClient(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM clients WHERE id = $1`, id)
	return err
}

// CreateDeliverable upserts by task_id so a re-run task replaces its
// deliverable.
func (s *Store) CreateDeliverable(ctx context.Context, d *workflow.Deliverable) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = workflow.DeliverableDraft
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO deliverables (id, workflow_id, task_id, request_id, client_id, title, kind, content, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (task_id) DO UPDATE SET
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
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, task_id, COALESCE(request_id, ''), COALESCE(client_id, ''),
		       title, kind, content, status, created_at
		FROM deliverables WHERE workflow_id = $1 ORDER BY created_at, id`, workflowID)
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

const scheduleColumns = `id, COALESCE(client_id, ''), name, schedule, COALESCE(subject, ''), content, status,
	next_run_at, last_run_at, COALESCE(last_status, ''), COALESCE(last_error, ''), created_at`

func scanSchedule(row pgx.Row) (*store.RequestSchedule, error) {
	rs := &store.RequestSchedule{}
	if err := row.Scan(&rs.ID, &rs.ClientID, &rs.Name, &rs.Schedule, &rs.Subject, &rs.Content, &rs.Status,
		&rs.NextRunAt, &rs.LastRunAt, &rs.LastStatus, &rs.LastError, &rs.CreatedAt); err != nil {
		return nil, err
	}
	return rs, nil
}

func (s *Store) SaveSchedule(ctx context.Context, rs *store.RequestSchedule) error {
	if rs.CreatedAt.IsZero() {
		rs.CreatedAt = time.Now().UTC()
	}
	if rs.Status == "" {
		rs.Status = "active"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO request_schedules (id, client_id, name, schedule, subject, content, status, next_run_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			client_id = excluded.client_id,
			name = excluded.name,
			schedule = excluded.schedule,
			subject = excluded.subject,
			content = excluded.content,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		rs.ID, nullString(rs.ClientID), rs.Name, rs.Schedule, nullString(rs.Subject), rs.Content, rs.Status,
		nullTime(rs.NextRunAt), rs.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*store.RequestSchedule, error) {
	rs, err := scanSchedule(s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM request_schedules WHERE id = $1`, id))
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return rs, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]*store.RequestSchedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM request_schedules ORDER BY created_at`)
}

func (s *Store) GetDueSchedules(ctx context.Context, now time.Time) ([]*store.RequestSchedule, error) {
	return s.querySchedules(ctx, `
		SELECT `+scheduleColumns+` FROM request_schedules
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at`, now.UTC())
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]*store.RequestSchedule, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*store.RequestSchedule
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
	_, err := s.pool.Exec(ctx, `
		UPDATE request_schedules
		SET last_run_at = $1, last_status = $2, last_error = $3, next_run_at = $4
		WHERE id = $5`,
		time.Now().UTC(), lastStatus, nullString(lastError), nullTime(nextRun), id)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

func (s *Store) UpdateScheduleStatus(ctx context.Context, id, status string) error {
	if _, err := s.pool.Exec(ctx, `UPDATE request_schedules SET status = $1 WHERE id = $2`, status, id); err != nil {
		return fmt.Errorf("update schedule status: %w", err)
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM request_schedules WHERE id = $1`, id)
	return err
}

func (s *Store) SaveSecret(ctx context.Context, sec *store.Secret) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO secrets (id, name, description, value, nonce, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			description = excluded.description,
			value = excluded.value, nonce = excluded.nonce,
			updated_at = excluded.updated_at`,
		sec.ID, sec.Name, nullString(sec.Description), sec.Value, sec.Nonce, now, now)
	if err != nil {
		return fmt.Errorf("save secret: %w", err)
	}
	return nil
}

func (s *Store) GetSecretByName(ctx context.Context, name string) (*store.Secret, error) {
	sec := &store.Secret{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, COALESCE(description, ''), value, nonce, created_at, updated_at
		FROM secrets WHERE name = $1`, name).
		Scan(&sec.ID, &sec.Name, &sec.Description, &sec.Value, &sec.Nonce, &sec.CreatedAt, &sec.UpdatedAt)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return sec, nil
}

func (s *Store) ListSecrets(ctx context.Context) ([]store.Secret, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, COALESCE(description, ''), created_at, updated_at
		FROM secrets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var secrets []store.Secret
	for rows.Next() {
		var sec store.Secret
		if err := rows.Scan(&sec.ID, &sec.Name, &sec.Description, &sec.CreatedAt, &sec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		secrets = append(secrets, sec)
	}
	return secrets, rows.Err()
}

func (s *Store) DeleteSecret(ctx context.Context, name string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM secrets WHERE name = $1`, name); err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}
