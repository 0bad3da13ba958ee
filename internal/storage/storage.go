package storage

import (
	"context"
	"time"

	"github.com/prism-engine/prism/internal/cluster"
	"github.com/prism-engine/prism/internal/projection"
	"github.com/prism-engine/prism/internal/repness"
	"github.com/prism-engine/prism/internal/storage/sqlite"
	"github.com/prism-engine/prism/internal/types"
)

// Store defines the interface for the job ledger, the vote feed, and the
// published analytics results. The conditional update is the sole mutation
// primitive for jobs: every status transition, claiming included, goes
// through it.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, id string) (*types.Job, error)
	ListClaimable(ctx context.Context, jobType *types.JobType, limit int) ([]*types.Job, error)
	ListJobs(ctx context.Context, filter types.JobFilter) ([]*types.Job, error)
	ListProcessing(ctx context.Context) ([]*types.Job, error)

	// ListDependencyBlocked returns pending jobs whose dependency ended
	// failed or cancelled; they can never become claimable.
	ListDependencyBlocked(ctx context.Context) ([]*types.Job, error)

	// ConditionalUpdate applies updates only if the job's status and version
	// still match the expected values, incrementing version on success.
	// Returns types.ErrConflict when another actor won the race,
	// types.ErrNotFound for unknown IDs, and *types.StateViolationError for
	// an invalid status transition.
	ConditionalUpdate(ctx context.Context, id string, expectedStatus types.JobStatus, expectedVersion int64, updates map[string]interface{}) error

	GetJobEvents(ctx context.Context, jobID string, limit int) ([]*types.JobEvent, error)

	// Workers
	RegisterWorker(ctx context.Context, w *types.WorkerInstance) error
	UpdateHeartbeat(ctx context.Context, instanceID string) error
	GetActiveWorkers(ctx context.Context) ([]*types.WorkerInstance, error)
	MarkWorkerStopped(ctx context.Context, instanceID string) error

	// Vote feed (raw, convention and all; only the ingress layer interprets it)
	AppendRawVotes(ctx context.Context, conversationID string, votes []types.RawVote) (int64, error)
	RawVotesThrough(ctx context.Context, conversationID string, watermark int64) ([]types.RawVote, error)
	VoteWatermark(ctx context.Context, conversationID string) (int64, error)

	// Moderation
	SetModerated(ctx context.Context, conversationID, statementID string, flagged bool) error
	ModeratedStatements(ctx context.Context, conversationID string) (map[string]bool, error)

	// Tick ledger
	CreateTick(ctx context.Context, conversationID string, tick int, watermark int64) error
	LatestTick(ctx context.Context, conversationID string) (tick int, watermark int64, err error)
	TickWatermark(ctx context.Context, conversationID string, tick int) (int64, error)

	// MarkTickComplete writes the per-tick completion marker. Readers must
	// treat a tick as complete only once this is set; it is always written
	// after all three derived artifacts.
	MarkTickComplete(ctx context.Context, conversationID string, tick int) error
	TickCompletedAt(ctx context.Context, conversationID string, tick int) (*time.Time, error)

	// Analytics result publication
	PublishProjection(ctx context.Context, res *projection.Result) error
	GetProjection(ctx context.Context, conversationID string, tick int) (*projection.Result, error)
	PublishClusters(ctx context.Context, a *cluster.Assignment) error
	GetClusters(ctx context.Context, conversationID string, tick int) (*cluster.Assignment, error)
	PublishRepness(ctx context.Context, res *repness.Result) error
	GetRepness(ctx context.Context, conversationID string, tick int) (*repness.Result, error)

	// Narrative reports
	SaveReport(ctx context.Context, conversationID string, tick, groupID int, narrative string) error
	GetReports(ctx context.Context, conversationID string, tick int) (map[int]string, error)

	// Lifecycle
	Close() error
}

// Config holds database configuration
type Config struct {
	// Path is the SQLite database file path.
	// Default: ".prism/prism.db"
	Path string
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Path: ".prism/prism.db",
	}
}

// NewStore creates a new SQLite-backed store
func NewStore(ctx context.Context, cfg *Config) (Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Path == "" {
		cfg.Path = ".prism/prism.db"
	}
	return sqlite.New(cfg.Path)
}
