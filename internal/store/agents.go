package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mtzanidakis/foreman/internal/workflow"
)

const agentColumns = `id, type, name, description, system_prompt, model, temperature, max_tokens, updated_at`

func scanAgent(scanner interface {
	Scan(dest ...any) error
}) (*workflow.Agent, error) {
	a := &workflow.Agent{}
	var description, model sql.NullString
	var temperature sql.NullFloat64
	err := scanner.Scan(&a.ID, &a.Type, &a.Name, &description, &a.SystemPrompt, &model,
		&temperature, &a.MaxTokens, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Description = description.String
	a.Model = model.String
	if temperature.Valid {
		a.Temperature = &temperature.Float64
	}
	return a, nil
}

// SaveAgent upserts by agent type. The stored id is kept on update and
// written back to a.ID.
func (s *Store) SaveAgent(ctx context.Context, a *workflow.Agent) error {
	a.UpdatedAt = time.Now().UTC()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO agents (id, type, name, description, system_prompt, model, temperature, max_tokens, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(type) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			system_prompt = excluded.system_prompt,
			model = excluded.model,
			temperature = excluded.temperature,
			max_tokens = excluded.max_tokens,
			updated_at = excluded.updated_at
		RETURNING id`,
		a.ID, a.Type, a.Name, nullString(a.Description), a.SystemPrompt, nullString(a.Model),
		nullFloat(a.Temperature), a.MaxTokens, a.UpdatedAt).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*workflow.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) GetAgentByType(ctx context.Context, t workflow.AgentType) (*workflow.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE type = ?`, t)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by type: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]*workflow.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY type`)
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
	if len(types) == 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM agents`)
		return err
	}
	args := make([]any, len(types))
	for i, t := range types {
		args[i] = t
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE type NOT IN (`+placeholders(len(types))+`)`, args...)
	if err != nil {
		return fmt.Errorf("delete agents: %w", err)
	}
	return nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
