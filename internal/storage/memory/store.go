package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/bcnelson/vultr-fw-sync/internal/domain"
	"github.com/bcnelson/vultr-fw-sync/internal/storage"
)

// Store is an in-memory implementation of the storage interface for testing.
type Store struct {
	mu   sync.RWMutex
	runs map[string]*domain.RunRecord // key: id
}

var _ storage.Storage = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		runs: make(map[string]*domain.RunRecord),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateRun(ctx context.Context, run *domain.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return domain.ErrAlreadyExists
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *Store) GetLatestRun(ctx context.Context) (*domain.RunRecord, error) {
	runs, err := s.ListRuns(ctx, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, domain.ErrNotFound
	}
	return runs[0], nil
}

func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]*domain.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.RunRecord
	for _, r := range s.runs {
		cp := *r
		result = append(result, &cp)
	}

	// Sort by start time descending
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})

	if offset >= len(result) {
		return []*domain.RunRecord{}, nil
	}
	result = result[offset:]
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}
