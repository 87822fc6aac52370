package storage

import (
	"context"

	"github.com/bcnelson/vultr-fw-sync/internal/domain"
)

// Storage defines the interface for the run history journal.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Close closes the storage connection.
	Close() error

	// Runs
	CreateRun(ctx context.Context, run *domain.RunRecord) error
	GetRun(ctx context.Context, id string) (*domain.RunRecord, error)
	GetLatestRun(ctx context.Context) (*domain.RunRecord, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*domain.RunRecord, error)
}
