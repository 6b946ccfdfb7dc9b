package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mtzanidakis/foreman/internal/workflow"
)

func (s *Store) SaveClient(ctx context.Context, c *workflow.Client) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, company, industry, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
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

func (s *Store) GetClient(ctx context.Context, id string) (*workflow.Client, error) {
	c := &workflow.Client{}
	var company, industry, notes sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, name, company, industry, notes, created_at FROM clients WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &company, &industry, &notes, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	c.Company = company.String
	c.Industry = industry.String
	c.Notes = notes.String
	return c, nil
}

func (s *Store) ListClients(ctx context.Context) ([]*workflow.Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, company, industry, notes, created_at FROM clients ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var clients []*workflow.Client
	for rows.Next() {
		c := &workflow.Client{}
		var company, industry, notes sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &company, &industry, &notes, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		c.Company = company.String
		c.Industry = industry.String
		c.Notes = notes.String
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (s *Store) DeleteClient(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, id)
	return err
}
