package store

import (
	"context"
	"time"

	"github.com/mtzanidakis/foreman/internal/workflow"
)

// Backend is the full persistence surface of the gateway: the engine's
// Repository plus the admin reads, schedules and secrets. Both the SQLite
// Store and postgres.Store implement it.
type Backend interface {
	workflow.Repository

	ListRequests(ctx context.Context, status workflow.RequestStatus, limit int) ([]*workflow.Request, error)
	GetClassification(ctx context.Context, id string) (*workflow.RequestClassification, error)
	ListClients(ctx context.Context) ([]*workflow.Client, error)
	DeleteClient(ctx context.Context, id string) error

	SaveSchedule(ctx context.Context, rs *RequestSchedule) error
	GetSchedule(ctx context.Context, id string) (*RequestSchedule, error)
	ListSchedules(ctx context.Context) ([]*RequestSchedule, error)
	GetDueSchedules(ctx context.Context, now time.Time) ([]*RequestSchedule, error)
	UpdateScheduleRun(ctx context.Context, id, lastStatus, lastError string, nextRun *time.Time) error
	UpdateScheduleStatus(ctx context.Context, id, status string) error
	DeleteSchedule(ctx context.Context, id string) error

	SaveSecret(ctx context.Context, sec *Secret) error
	GetSecretByName(ctx context.Context, name string) (*Secret, error)
	ListSecrets(ctx context.Context) ([]Secret, error)
	DeleteSecret(ctx context.Context, name string) error

	Close() error
}

var _ Backend = (*Store)(nil)
