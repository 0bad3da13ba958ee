// Package pipeline wires the analytics stages into job handlers. A
// compose-pipeline job cuts a new tick and fans out one job per stage,
// chained by dependencies so projection, clustering and representativeness
// run in order even when many workers share the ledger.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/prism-engine/prism/internal/cluster"
	"github.com/prism-engine/prism/internal/conversation"
	"github.com/prism-engine/prism/internal/ingress"
	"github.com/prism-engine/prism/internal/projection"
	"github.com/prism-engine/prism/internal/repness"
	"github.com/prism-engine/prism/internal/storage"
	"github.com/prism-engine/prism/internal/types"
	"github.com/prism-engine/prism/internal/worker"
)

// Pipeline holds the shared state the stage handlers need: the store for
// votes, ticks and published results, and an arena caching rebuilt
// snapshots within this process.
type Pipeline struct {
	store storage.Store
	arena *conversation.Arena
}

// New creates a pipeline bound to a store
func New(store storage.Store) *Pipeline {
	return &Pipeline{
		store: store,
		arena: conversation.NewArena(),
	}
}

// RegisterHandlers installs the analytics stage handlers on a worker
func (p *Pipeline) RegisterHandlers(w *worker.Worker) {
	w.Register(types.JobComposePipeline, p.HandleCompose)
	w.Register(types.JobComputeProjection, p.HandleProjection)
	w.Register(types.JobComputeClusters, p.HandleClusters)
	w.Register(types.JobComputeRepness, p.HandleRepness)
}

// HandleCompose cuts a new tick at the current vote watermark and creates
// the three stage jobs, each depending on the previous stage.
func (p *Pipeline) HandleCompose(ctx context.Context, job *types.Job) (string, error) {
	conv := job.ConversationID

	watermark, err := p.store.VoteWatermark(ctx, conv)
	if err != nil {
		return "", fmt.Errorf("failed to read vote watermark: %w", err)
	}
	if watermark == 0 {
		return "no votes yet, nothing to analyze", nil
	}

	latestTick, latestWM, err := p.store.LatestTick(ctx, conv)
	if err != nil {
		return "", fmt.Errorf("failed to read latest tick: %w", err)
	}
	if latestTick > 0 && latestWM == watermark {
		return fmt.Sprintf("no votes since tick %d, skipping", latestTick), nil
	}

	tick := latestTick + 1
	if err := p.store.CreateTick(ctx, conv, tick, watermark); err != nil {
		return "", fmt.Errorf("failed to create tick %d: %w", tick, err)
	}

	base := job.Config
	base.Tick = tick
	base.VoteWatermark = watermark

	projJob := &types.Job{
		ConversationID: conv,
		Type:           types.JobComputeProjection,
		Priority:       job.Priority,
		MaxRetries:     job.MaxRetries,
		TimeoutSeconds: job.TimeoutSeconds,
		Config:         base,
	}
	if err := p.store.CreateJob(ctx, projJob); err != nil {
		return "", fmt.Errorf("failed to create projection job: %w", err)
	}

	clusterJob := &types.Job{
		ConversationID:  conv,
		Type:            types.JobComputeClusters,
		Priority:        job.Priority,
		MaxRetries:      job.MaxRetries,
		TimeoutSeconds:  job.TimeoutSeconds,
		Config:          base,
		DependencyJobID: projJob.ID,
	}
	if err := p.store.CreateJob(ctx, clusterJob); err != nil {
		return "", fmt.Errorf("failed to create clustering job: %w", err)
	}

	repnessJob := &types.Job{
		ConversationID:  conv,
		Type:            types.JobComputeRepness,
		Priority:        job.Priority,
		MaxRetries:      job.MaxRetries,
		TimeoutSeconds:  job.TimeoutSeconds,
		Config:          base,
		DependencyJobID: clusterJob.ID,
	}
	if err := p.store.CreateJob(ctx, repnessJob); err != nil {
		return "", fmt.Errorf("failed to create representativeness job: %w", err)
	}

	return fmt.Sprintf("tick %d at watermark %d: jobs %s -> %s -> %s",
		tick, watermark, projJob.ID, clusterJob.ID, repnessJob.ID), nil
}

// HandleProjection rebuilds the tick's snapshot and publishes the principal
// component projection.
func (p *Pipeline) HandleProjection(ctx context.Context, job *types.Job) (string, error) {
	conv, tick := job.ConversationID, job.Config.Tick

	if stale, latest, err := p.isStale(ctx, conv, tick); err != nil {
		return "", err
	} else if stale {
		return fmt.Sprintf("tick %d superseded by tick %d, skipping", tick, latest), nil
	}

	snap, err := p.snapshot(ctx, conv, tick)
	if err != nil {
		return "", err
	}

	res, err := projection.Compute(snap, projection.Options{
		NComponents:   job.Config.NComponents,
		MaxIterations: job.Config.MaxIterations,
		Seed:          job.Config.Seed,
	})
	if err != nil {
		return "", fmt.Errorf("projection failed: %w", err)
	}

	// Re-check just before publishing. A long computation can outlive its
	// tick; the newer tick's jobs own the fresh results.
	if stale, latest, err := p.isStale(ctx, conv, tick); err != nil {
		return "", err
	} else if stale {
		return fmt.Sprintf("tick %d superseded by tick %d during computation, discarding", tick, latest), nil
	}

	if err := p.store.PublishProjection(ctx, res); err != nil {
		return "", fmt.Errorf("failed to publish projection: %w", err)
	}

	if res.InsufficientData {
		return fmt.Sprintf("tick %d: insufficient data for projection", tick), nil
	}
	return fmt.Sprintf("tick %d: projected %d participants onto %d components",
		tick, len(res.Coordinates), len(res.Components)), nil
}

// HandleClusters groups the projected participants, weighting each by vote
// count, and publishes the assignment.
func (p *Pipeline) HandleClusters(ctx context.Context, job *types.Job) (string, error) {
	conv, tick := job.ConversationID, job.Config.Tick

	if stale, latest, err := p.isStale(ctx, conv, tick); err != nil {
		return "", err
	} else if stale {
		return fmt.Sprintf("tick %d superseded by tick %d, skipping", tick, latest), nil
	}

	proj, err := p.store.GetProjection(ctx, conv, tick)
	if err != nil {
		return "", fmt.Errorf("projection for tick %d not available: %w", tick, err)
	}

	snap, err := p.snapshot(ctx, conv, tick)
	if err != nil {
		return "", err
	}
	weights := make(map[string]float64, snap.NumParticipants())
	for i, pid := range snap.ParticipantIDs() {
		weights[pid] = float64(snap.VoteCount(i))
	}

	assign, err := cluster.Compute(proj, weights, cluster.Options{
		KMin: job.Config.KMin,
		KMax: job.Config.KMax,
		Seed: job.Config.Seed,
	})
	if err != nil {
		return "", fmt.Errorf("clustering failed: %w", err)
	}

	if stale, latest, err := p.isStale(ctx, conv, tick); err != nil {
		return "", err
	} else if stale {
		return fmt.Sprintf("tick %d superseded by tick %d during computation, discarding", tick, latest), nil
	}

	if err := p.store.PublishClusters(ctx, assign); err != nil {
		return "", fmt.Errorf("failed to publish clusters: %w", err)
	}

	if assign.InsufficientData {
		return fmt.Sprintf("tick %d: insufficient data for clustering", tick), nil
	}
	return fmt.Sprintf("tick %d: %d groups (k=%d)", tick, len(assign.Groups), assign.K), nil
}

// HandleRepness ranks statements by representativeness per group, publishes
// the result, and writes the tick's completion marker. The marker is always
// last: readers treat a tick without it as partially published.
func (p *Pipeline) HandleRepness(ctx context.Context, job *types.Job) (string, error) {
	conv, tick := job.ConversationID, job.Config.Tick

	if stale, latest, err := p.isStale(ctx, conv, tick); err != nil {
		return "", err
	} else if stale {
		return fmt.Sprintf("tick %d superseded by tick %d, skipping", tick, latest), nil
	}

	assign, err := p.store.GetClusters(ctx, conv, tick)
	if err != nil {
		return "", fmt.Errorf("clusters for tick %d not available: %w", tick, err)
	}

	snap, err := p.snapshot(ctx, conv, tick)
	if err != nil {
		return "", err
	}

	res, err := repness.Compute(snap, assign, repness.Options{
		MinVotes: job.Config.MinVotes,
	})
	if err != nil {
		return "", fmt.Errorf("representativeness failed: %w", err)
	}

	if stale, latest, err := p.isStale(ctx, conv, tick); err != nil {
		return "", err
	} else if stale {
		return fmt.Sprintf("tick %d superseded by tick %d during computation, discarding", tick, latest), nil
	}

	if err := p.store.PublishRepness(ctx, res); err != nil {
		return "", fmt.Errorf("failed to publish representativeness: %w", err)
	}
	if err := p.store.MarkTickComplete(ctx, conv, tick); err != nil {
		return "", fmt.Errorf("failed to mark tick complete: %w", err)
	}

	return fmt.Sprintf("tick %d: ranked statements for %d groups, tick complete",
		tick, len(res.ByGroup)), nil
}

// isStale reports whether a newer tick exists for the conversation
func (p *Pipeline) isStale(ctx context.Context, conv string, tick int) (bool, int, error) {
	latest, _, err := p.store.LatestTick(ctx, conv)
	if err != nil {
		return false, 0, fmt.Errorf("failed to read latest tick: %w", err)
	}
	return tick < latest, latest, nil
}

// snapshot returns the snapshot for (conversation, tick), rebuilding it from
// the raw vote feed at the tick's pinned watermark when not cached. Any
// worker rebuilds the identical matrix from the same watermark.
func (p *Pipeline) snapshot(ctx context.Context, conv string, tick int) (*conversation.Snapshot, error) {
	if snap := p.arena.Get(conv, tick); snap != nil {
		return snap, nil
	}

	watermark, err := p.store.TickWatermark(ctx, conv, tick)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tick watermark: %w", err)
	}
	raws, err := p.store.RawVotesThrough(ctx, conv, watermark)
	if err != nil {
		return nil, fmt.Errorf("failed to load votes: %w", err)
	}
	votes, rejects := ingress.NormalizeBatch(raws)
	for _, rerr := range rejects {
		var malformed *types.MalformedVoteError
		if !errors.As(rerr, &malformed) {
			return nil, fmt.Errorf("vote normalization failed: %w", rerr)
		}
		// Malformed feed rows were already rejected at ingest; seeing one
		// here means it predates the ingest check. Skip it the same way.
	}

	moderated, err := p.store.ModeratedStatements(ctx, conv)
	if err != nil {
		return nil, fmt.Errorf("failed to load moderation flags: %w", err)
	}

	snap, err := conversation.Build(conv, tick, votes, moderated)
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot: %w", err)
	}

	// Cache best effort. Rebuilding an old tick after a newer one is
	// published is legal for the caller but rejected by the arena's
	// ordering rule; the rebuilt snapshot is still returned.
	_ = p.arena.Publish(snap)
	return snap, nil
}
