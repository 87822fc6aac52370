package service

import (
	"context"
	"errors"
	"time"

	"github.com/bcnelson/vultr-fw-sync/internal/domain"
	"github.com/bcnelson/vultr-fw-sync/internal/metrics"
	"github.com/bcnelson/vultr-fw-sync/internal/storage"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Reconciler performs a single reconciliation run.
type Reconciler interface {
	Reconcile(ctx context.Context) (*domain.Result, error)
}

// Options configures the optional side channels of a SyncService.
type Options struct {
	// GroupName is recorded in the run history.
	GroupName string
	// Store journals every run. Nil disables the history.
	Store storage.Storage
	// Metrics collects run metrics. Nil disables metrics.
	Metrics *metrics.Recorder
	// PushgatewayURL receives the metrics after each run. Empty disables pushing.
	PushgatewayURL string
	PushJob        string
	// Now defaults to time.Now.
	Now func() time.Time
}

// SyncService runs the reconciler once and reports the outcome.
type SyncService struct {
	reconciler Reconciler
	opts       Options
}

// NewSyncService creates a new SyncService.
func NewSyncService(reconciler Reconciler, opts Options) *SyncService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SyncService{reconciler: reconciler, opts: opts}
}

// Run performs one reconciliation. The returned record describes the run
// even when it failed; the error is the reconciler's and is never replaced by
// a history or metrics failure.
func (s *SyncService) Run(ctx context.Context) (*domain.RunRecord, error) {
	run := &domain.RunRecord{
		ID:        uuid.New().String(),
		GroupName: s.opts.GroupName,
		StartedAt: s.opts.Now(),
	}
	logger := klog.FromContext(ctx).WithValues("run", run.ID)
	ctx = klog.NewContext(ctx, logger)

	result, err := s.reconciler.Reconcile(ctx)
	run.FinishedAt = s.opts.Now()
	applyResult(run, result, err)

	if err != nil {
		logger.Error(err, "Reconciliation failed", "phase", run.Phase)
	} else {
		logger.Info("Reconciliation finished", "status", run.Status,
			"deleted", run.DeletedCount, "created", run.CreatedCount, "duration", run.Duration())
	}

	s.record(ctx, run)
	s.report(ctx, run)

	return run, err
}

// History returns the most recent runs, newest first.
func (s *SyncService) History(ctx context.Context, limit int) ([]*domain.RunRecord, error) {
	if s.opts.Store == nil {
		return nil, errors.New("run history is not configured")
	}
	return s.opts.Store.ListRuns(ctx, limit, 0)
}

func applyResult(run *domain.RunRecord, result *domain.Result, err error) {
	if result != nil {
		run.GroupID = result.GroupID
		run.CurrentIP = result.CurrentIP
		run.DeletedCount = len(result.Deleted)
		run.DeleteFailures = len(result.DeleteFailures)
		run.CreatedCount = len(result.Created)
		run.DryRun = result.DryRun
	}

	switch {
	case err != nil:
		run.Status = domain.RunStatusFailed
		run.Phase = string(domain.PhaseOf(err))
		run.Error = err.Error()
	case result != nil && result.UpToDate:
		run.Status = domain.RunStatusUpToDate
	default:
		run.Status = domain.RunStatusUpdated
	}
}

func (s *SyncService) record(ctx context.Context, run *domain.RunRecord) {
	if s.opts.Store == nil {
		return
	}
	if err := s.opts.Store.CreateRun(ctx, run); err != nil {
		klog.FromContext(ctx).Error(err, "Warning: failed to record run history")
	}
}

func (s *SyncService) report(ctx context.Context, run *domain.RunRecord) {
	if s.opts.Metrics == nil {
		return
	}
	s.opts.Metrics.ObserveRun(run)

	if s.opts.PushgatewayURL == "" {
		return
	}
	if err := s.opts.Metrics.Push(ctx, s.opts.PushgatewayURL, s.opts.PushJob); err != nil {
		klog.FromContext(ctx).Error(err, "Warning: failed to push metrics", "url", s.opts.PushgatewayURL)
	}
}
