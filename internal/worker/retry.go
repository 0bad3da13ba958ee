package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prism-engine/prism/internal/storage"
	"github.com/prism-engine/prism/internal/types"
)

// RetryConfig holds retry manager configuration
type RetryConfig struct {
	// ScanInterval is how often processing jobs are scanned for timeouts.
	// Default: 15s
	ScanInterval time.Duration
	// HeartbeatGrace is how long past its deadline a job is left alone
	// while its worker still heartbeats. A worker with a fresh heartbeat
	// is assumed to be settling the job itself; one without is treated as
	// dead immediately at the deadline. Default: 60s
	HeartbeatGrace time.Duration
}

// DefaultRetryConfig returns default retry manager configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		ScanInterval:   15 * time.Second,
		HeartbeatGrace: 60 * time.Second,
	}
}

// RetryManager scans processing jobs and requeues the ones whose worker has
// held them past the job timeout. A requeued job keeps its identity and
// history; only retry_count grows. When the ceiling is reached the job moves
// to failed instead.
//
// The scan races benignly with a slow worker that is about to finish: the
// conditional update guarantees exactly one of the two outcomes lands.
type RetryManager struct {
	store storage.Store
	cfg   *RetryConfig

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRetryManager creates a retry manager
func NewRetryManager(store storage.Store, cfg *RetryConfig) *RetryManager {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 15 * time.Second
	}
	if cfg.HeartbeatGrace <= 0 {
		cfg.HeartbeatGrace = 60 * time.Second
	}
	return &RetryManager{
		store:  store,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the scan loop
func (r *RetryManager) Start(ctx context.Context) {
	go r.scanLoop(ctx)
}

// Stop shuts the scan loop down
func (r *RetryManager) Stop(ctx context.Context) error {
	close(r.stopCh)
	select {
	case <-r.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *RetryManager) scanLoop(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.Scan(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "retry scan failed: %v\n", err)
			}
		}
	}
}

// Scan performs one ledger pass: processing jobs past their deadline are
// settled, and pending jobs whose dependency ended without completing are
// cancelled. Exported so a scan can be forced outside the loop.
func (r *RetryManager) Scan(ctx context.Context) error {
	if err := r.scanTimeouts(ctx); err != nil {
		return err
	}
	return r.scanDependencies(ctx)
}

func (r *RetryManager) scanTimeouts(ctx context.Context) error {
	jobs, err := r.store.ListProcessing(ctx)
	if err != nil {
		return fmt.Errorf("failed to list processing jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	workers, err := r.store.GetActiveWorkers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list workers: %w", err)
	}
	heartbeats := make(map[string]time.Time, len(workers))
	for _, w := range workers {
		heartbeats[w.InstanceID] = w.LastHeartbeat
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.StartedAt == nil {
			// Processing without a start time is a ledger bug; skip rather
			// than guess at a deadline.
			fmt.Fprintf(os.Stderr, "processing job %s has no started_at\n", job.ID)
			continue
		}
		deadline := job.StartedAt.Add(time.Duration(job.TimeoutSeconds) * time.Second)
		if now.Before(deadline) {
			continue
		}
		// A worker still heartbeating past the deadline is usually mid
		// settlement; requeue only once its heartbeat goes stale or the
		// grace window runs out.
		if hb, ok := heartbeats[job.WorkerID]; ok &&
			now.Sub(hb) < r.cfg.HeartbeatGrace &&
			now.Before(deadline.Add(r.cfg.HeartbeatGrace)) {
			continue
		}

		holder := job.WorkerID
		if holder == "" {
			holder = "unknown worker"
		}
		cause := fmt.Errorf("timeout: job exceeded %ds deadline held by %s", job.TimeoutSeconds, holder)
		if job.RetryCount >= job.MaxRetries {
			cause = errors.New("timeout: retries exhausted")
		}
		if err := SettleFailure(ctx, r.store, job, cause); err != nil {
			// A conflict means the worker finished (or failed) first.
			if errors.Is(err, types.ErrConflict) {
				continue
			}
			return fmt.Errorf("failed to settle timed-out job %s: %w", job.ID, err)
		}
	}
	return nil
}

// scanDependencies cancels pending jobs whose dependency reached a terminal
// state other than completed. They would otherwise sit unclaimable forever.
// Cancellation cascades one level per scan.
func (r *RetryManager) scanDependencies(ctx context.Context) error {
	blocked, err := r.store.ListDependencyBlocked(ctx)
	if err != nil {
		return fmt.Errorf("failed to list dependency-blocked jobs: %w", err)
	}

	for _, job := range blocked {
		err := r.store.ConditionalUpdate(ctx, job.ID, types.JobPending, job.Version, map[string]interface{}{
			"status":       types.JobCancelled,
			"completed_at": time.Now().UTC(),
			"result":       fmt.Sprintf("dependency %s did not complete", job.DependencyJobID),
		})
		if errors.Is(err, types.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to cancel dependency-blocked job %s: %w", job.ID, err)
		}
	}
	return nil
}
