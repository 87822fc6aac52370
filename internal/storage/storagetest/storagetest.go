// Package storagetest holds behaviour checks shared by every storage backend.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bcnelson/vultr-fw-sync/internal/domain"
	"github.com/bcnelson/vultr-fw-sync/internal/storage"
)

func newRun(id string, started time.Time, status string) *domain.RunRecord {
	return &domain.RunRecord{
		ID:           id,
		GroupName:    "home-fw",
		GroupID:      "grp-1",
		CurrentIP:    "203.0.113.7",
		Status:       status,
		DeletedCount: 1,
		CreatedCount: 2,
		StartedAt:    started,
		FinishedAt:   started.Add(1500 * time.Millisecond),
	}
}

// RunStorageTests exercises the run journal of a fresh, empty store.
func RunStorageTests(t *testing.T, store storage.Storage) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("empty", func(t *testing.T) {
		if _, err := store.GetLatestRun(ctx); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Expected ErrNotFound on empty journal, got %v", err)
		}
		runs, err := store.ListRuns(ctx, 10, 0)
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		if len(runs) != 0 {
			t.Fatalf("Expected no runs, got %d", len(runs))
		}
	})

	t.Run("create and get", func(t *testing.T) {
		run := newRun("run-1", base, domain.RunStatusUpdated)
		run.DryRun = true
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}

		got, err := store.GetRun(ctx, "run-1")
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if got.GroupID != "grp-1" || got.CurrentIP != "203.0.113.7" || got.Status != domain.RunStatusUpdated {
			t.Errorf("Unexpected run %+v", got)
		}
		if got.DeletedCount != 1 || got.CreatedCount != 2 || !got.DryRun {
			t.Errorf("Unexpected counters %+v", got)
		}
		if !got.StartedAt.Equal(base) {
			t.Errorf("Expected start %v, got %v", base, got.StartedAt)
		}
		if got.Duration() != 1500*time.Millisecond {
			t.Errorf("Unexpected duration %v", got.Duration())
		}
	})

	t.Run("duplicate id", func(t *testing.T) {
		err := store.CreateRun(ctx, newRun("run-1", base, domain.RunStatusUpToDate))
		if !errors.Is(err, domain.ErrAlreadyExists) {
			t.Fatalf("Expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, err := store.GetRun(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("list newest first", func(t *testing.T) {
		failed := newRun("run-3", base.Add(2*time.Hour), domain.RunStatusFailed)
		failed.Phase = string(domain.PhaseResolveIP)
		failed.Error = "lookup timed out"
		for _, r := range []*domain.RunRecord{
			newRun("run-2", base.Add(time.Hour), domain.RunStatusUpToDate),
			failed,
		} {
			if err := store.CreateRun(ctx, r); err != nil {
				t.Fatalf("CreateRun failed: %v", err)
			}
		}

		runs, err := store.ListRuns(ctx, 10, 0)
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		want := []string{"run-3", "run-2", "run-1"}
		if len(runs) != len(want) {
			t.Fatalf("Expected %d runs, got %d", len(want), len(runs))
		}
		for i, id := range want {
			if runs[i].ID != id {
				t.Errorf("Position %d: expected %s, got %s", i, id, runs[i].ID)
			}
		}
		if runs[0].Phase != string(domain.PhaseResolveIP) || runs[0].Error != "lookup timed out" {
			t.Errorf("Failure details not kept: %+v", runs[0])
		}

		page, err := store.ListRuns(ctx, 1, 1)
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		if len(page) != 1 || page[0].ID != "run-2" {
			t.Errorf("Unexpected page %+v", page)
		}

		latest, err := store.GetLatestRun(ctx)
		if err != nil {
			t.Fatalf("GetLatestRun failed: %v", err)
		}
		if latest.ID != "run-3" {
			t.Errorf("Expected run-3 as latest, got %s", latest.ID)
		}
	})
}
