package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/prism-engine/prism/internal/storage"
	"github.com/prism-engine/prism/internal/types"
)

// Handler runs one claimed job and returns the result payload to publish on
// completion. A returned error is subject to the job's retry policy; the
// handler must not mutate job status itself.
type Handler func(ctx context.Context, job *types.Job) (result string, err error)

// Config holds worker configuration
type Config struct {
	// PollInterval is how often the worker looks for claimable jobs.
	// Default: 2s
	PollInterval time.Duration
	// HeartbeatInterval is how often the worker refreshes its liveness
	// timestamp. Default: 10s
	HeartbeatInterval time.Duration
	// ClaimBatch is how many claimable candidates to fetch per poll. The
	// worker walks the list in priority order until one claim succeeds.
	// Default: 10
	ClaimBatch int
	// ClaimsPerSecond rate-limits claim attempts across the poll loop so a
	// busy queue does not turn into a hot loop of conflicting updates.
	// Default: 20
	ClaimsPerSecond float64
	// Version is reported in the worker registry
	Version string
}

// DefaultConfig returns default worker configuration
func DefaultConfig() *Config {
	return &Config{
		PollInterval:      2 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		ClaimBatch:        10,
		ClaimsPerSecond:   20,
	}
}

// Worker polls the job ledger, claims pending jobs whose type it has a
// handler for, and runs them. Claiming goes through the store's conditional
// update, so any number of workers can share one ledger: exactly one wins
// each job, the rest see a conflict and move on.
type Worker struct {
	store      storage.Store
	cfg        *Config
	instanceID string
	handlers   map[types.JobType]Handler
	limiter    *rate.Limiter

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a worker. Handlers are registered before Start; dispatch is
// keyed solely by job type.
func New(store storage.Store, cfg *Config) *Worker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 10
	}
	if cfg.ClaimsPerSecond <= 0 {
		cfg.ClaimsPerSecond = 20
	}

	return &Worker{
		store:      store,
		cfg:        cfg,
		instanceID: fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		handlers:   make(map[types.JobType]Handler),
		limiter:    rate.NewLimiter(rate.Limit(cfg.ClaimsPerSecond), 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// InstanceID returns the worker's registry identifier
func (w *Worker) InstanceID() string {
	return w.instanceID
}

// Register installs the handler for a job type, replacing any previous one
func (w *Worker) Register(jobType types.JobType, h Handler) {
	w.handlers[jobType] = h
}

// Start registers the worker and launches the poll and heartbeat loops.
// Registering handlers after Start is a race; do it before.
func (w *Worker) Start(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	now := time.Now().UTC()
	instance := &types.WorkerInstance{
		InstanceID:    w.instanceID,
		Hostname:      hostname,
		PID:           os.Getpid(),
		Status:        types.WorkerRunning,
		StartedAt:     now,
		LastHeartbeat: now,
		Version:       w.cfg.Version,
	}
	if err := w.store.RegisterWorker(ctx, instance); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	go w.heartbeatLoop(ctx)
	go w.pollLoop(ctx)
	return nil
}

// Stop shuts the worker down and waits for the poll loop to drain the job
// it is running, if any.
func (w *Worker) Stop(ctx context.Context) error {
	close(w.stopCh)
	select {
	case <-w.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return w.store.MarkWorkerStopped(ctx, w.instanceID)
}

// pollLoop is the main loop: each tick, claim and run at most one job
func (w *Worker) pollLoop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.processNext(ctx); err != nil {
				// Log error but continue
				fmt.Fprintf(os.Stderr, "error processing job: %v\n", err)
			}
		}
	}
}

// heartbeatLoop refreshes the worker's liveness timestamp
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.store.UpdateHeartbeat(ctx, w.instanceID); err != nil {
				fmt.Fprintf(os.Stderr, "heartbeat failed: %v\n", err)
			}
		}
	}
}

// processNext claims and runs at most one job. Losing a claim race is not an
// error; the worker just tries the next candidate.
func (w *Worker) processNext(ctx context.Context) error {
	candidates, err := w.store.ListClaimable(ctx, nil, w.cfg.ClaimBatch)
	if err != nil {
		return fmt.Errorf("failed to list claimable jobs: %w", err)
	}

	for _, job := range candidates {
		if _, ok := w.handlers[job.Type]; !ok {
			continue
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}

		claimed, err := w.claim(ctx, job)
		if errors.Is(err, types.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to claim job %s: %w", job.ID, err)
		}

		w.run(ctx, claimed)
		return nil
	}
	return nil
}

// claim moves a pending job to processing under this worker's ID
func (w *Worker) claim(ctx context.Context, job *types.Job) (*types.Job, error) {
	err := w.store.ConditionalUpdate(ctx, job.ID, types.JobPending, job.Version, map[string]interface{}{
		"status":     types.JobProcessing,
		"worker_id":  w.instanceID,
		"started_at": time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return w.store.GetJob(ctx, job.ID)
}

// run executes the handler under the job's timeout and settles the outcome
func (w *Worker) run(ctx context.Context, job *types.Job) {
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(job.TimeoutSeconds)*time.Second)
	defer cancel()

	result, err := w.handlers[job.Type](runCtx, job)
	if err != nil {
		if settleErr := SettleFailure(ctx, w.store, job, err); settleErr != nil {
			fmt.Fprintf(os.Stderr, "failed to settle job %s: %v\n", job.ID, settleErr)
		}
		return
	}

	completeErr := w.store.ConditionalUpdate(ctx, job.ID, types.JobProcessing, job.Version, map[string]interface{}{
		"status":       types.JobCompleted,
		"completed_at": time.Now().UTC(),
		"result":       result,
	})
	if completeErr != nil {
		// A conflict here means the retry manager requeued the job while
		// the handler was finishing. The requeued attempt owns the outcome.
		if !errors.Is(completeErr, types.ErrConflict) {
			fmt.Fprintf(os.Stderr, "failed to complete job %s: %v\n", job.ID, completeErr)
		}
	}
}

// SettleFailure applies the retry policy to a processing job that failed.
// While attempts remain (a job gets max_retries + 1 in total) the job is
// requeued with retry_count incremented; otherwise it moves to failed with
// the error recorded verbatim.
func SettleFailure(ctx context.Context, store storage.Store, job *types.Job, cause error) error {
	if job.RetryCount < job.MaxRetries {
		return store.ConditionalUpdate(ctx, job.ID, types.JobProcessing, job.Version, map[string]interface{}{
			"status":      types.JobPending,
			"retry_count": job.RetryCount + 1,
			"worker_id":   "",
			"started_at":  nil,
			"result":      cause.Error(),
		})
	}
	return store.ConditionalUpdate(ctx, job.ID, types.JobProcessing, job.Version, map[string]interface{}{
		"status":       types.JobFailed,
		"completed_at": time.Now().UTC(),
		"result":       cause.Error(),
	})
}
