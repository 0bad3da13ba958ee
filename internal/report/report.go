// Package report turns ranked representativeness results into narrative
// group summaries via the Anthropic Message Batches API. Generation is
// asynchronous: a generate job submits the batch and spawns a check job,
// and the check job respawns itself until the batch ends, then stores the
// narratives.
package report

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/prism-engine/prism/internal/repness"
	"github.com/prism-engine/prism/internal/storage"
	"github.com/prism-engine/prism/internal/types"
	"github.com/prism-engine/prism/internal/worker"
)

// DefaultModel is the model used for narrative reports unless the job
// config overrides it.
const DefaultModel = "claude-sonnet-4-5-20250929"

// DefaultMaxTokens bounds each group narrative
const DefaultMaxTokens int64 = 2048

// topStatements is how many ranked statements feed each group's prompt
const topStatements = 5

// Composer owns the report job handlers
type Composer struct {
	store   storage.Store
	api     BatchAPI
	model   string
	retry   RetryConfig
	breaker *CircuitBreaker
}

// NewComposer creates a report composer. model may be empty to use the
// default.
func NewComposer(store storage.Store, api BatchAPI, model string) *Composer {
	if model == "" {
		model = DefaultModel
	}
	cfg := DefaultRetryConfig()
	return &Composer{
		store:   store,
		api:     api,
		model:   model,
		retry:   cfg,
		breaker: NewCircuitBreaker(cfg.FailureThreshold, cfg.SuccessThreshold, cfg.OpenTimeout),
	}
}

// RegisterHandlers installs the report job handlers on a worker
func (c *Composer) RegisterHandlers(w *worker.Worker) {
	w.Register(types.JobGenerateReport, c.HandleGenerate)
	w.Register(types.JobCheckReport, c.HandleCheck)
}

// HandleGenerate submits one narrative request per opinion group for a
// completed tick, then spawns the check job carrying the batch ID.
func (c *Composer) HandleGenerate(ctx context.Context, job *types.Job) (string, error) {
	conv, tick := job.ConversationID, job.Config.Tick

	completed, err := c.store.TickCompletedAt(ctx, conv, tick)
	if err != nil {
		return "", fmt.Errorf("failed to check tick completion: %w", err)
	}
	if completed == nil {
		return "", fmt.Errorf("tick %d is not complete; reports need all three artifacts", tick)
	}

	rep, err := c.store.GetRepness(ctx, conv, tick)
	if err != nil {
		return "", fmt.Errorf("representativeness for tick %d not available: %w", tick, err)
	}
	assign, err := c.store.GetClusters(ctx, conv, tick)
	if err != nil {
		return "", fmt.Errorf("clusters for tick %d not available: %w", tick, err)
	}

	groupSizes := make(map[int]int, len(assign.Groups))
	for _, g := range assign.Groups {
		groupSizes[g.ID] = len(g.MemberIDs)
	}

	var reqs []BatchRequest
	for groupID, entries := range rep.ByGroup {
		if len(entries) == 0 {
			continue
		}
		reqs = append(reqs, BatchRequest{
			CustomID: customID(groupID),
			Prompt:   buildGroupPrompt(groupID, groupSizes[groupID], entries),
		})
	}
	if len(reqs) == 0 {
		return fmt.Sprintf("tick %d has no rankable groups, nothing to report", tick), nil
	}

	model := job.Config.Model
	if model == "" {
		model = c.model
	}

	var batchID string
	err = retryWithBackoff(ctx, c.retry, c.breaker, "batch creation", func(ctx context.Context) error {
		id, apiErr := c.api.CreateBatch(ctx, model, DefaultMaxTokens, reqs)
		if apiErr != nil {
			return apiErr
		}
		batchID = id
		return nil
	})
	if err != nil {
		return "", err
	}

	checkJob := &types.Job{
		ConversationID: conv,
		Type:           types.JobCheckReport,
		Priority:       job.Priority,
		MaxRetries:     job.MaxRetries,
		TimeoutSeconds: job.TimeoutSeconds,
		Config: types.JobConfig{
			Tick:    tick,
			Model:   model,
			BatchID: batchID,
		},
	}
	if err := c.store.CreateJob(ctx, checkJob); err != nil {
		return "", fmt.Errorf("failed to create check job for batch %s: %w", batchID, err)
	}

	return fmt.Sprintf("submitted batch %s for %d groups, check job %s", batchID, len(reqs), checkJob.ID), nil
}

// HandleCheck polls the batch. While the batch is still processing the job
// respawns itself with the same batch ID rather than blocking a worker;
// once ended it stores each group's narrative.
func (c *Composer) HandleCheck(ctx context.Context, job *types.Job) (string, error) {
	conv, tick := job.ConversationID, job.Config.Tick
	batchID := job.Config.BatchID
	if batchID == "" {
		return "", fmt.Errorf("check job %s has no batch id", job.ID)
	}

	var status BatchStatus
	err := retryWithBackoff(ctx, c.retry, c.breaker, "batch status", func(ctx context.Context) error {
		st, apiErr := c.api.GetStatus(ctx, batchID)
		if apiErr != nil {
			return apiErr
		}
		status = st
		return nil
	})
	if err != nil {
		return "", err
	}

	if !status.Ended {
		respawn := &types.Job{
			ConversationID: conv,
			Type:           types.JobCheckReport,
			Priority:       job.Priority,
			MaxRetries:     job.MaxRetries,
			TimeoutSeconds: job.TimeoutSeconds,
			Config:         job.Config,
		}
		if err := c.store.CreateJob(ctx, respawn); err != nil {
			return "", fmt.Errorf("failed to respawn check job for batch %s: %w", batchID, err)
		}
		return fmt.Sprintf("batch %s still processing, respawned as %s", batchID, respawn.ID), nil
	}

	var entries []BatchResultEntry
	err = retryWithBackoff(ctx, c.retry, c.breaker, "batch results", func(ctx context.Context) error {
		es, apiErr := c.api.Results(ctx, batchID)
		if apiErr != nil {
			return apiErr
		}
		entries = es
		return nil
	})
	if err != nil {
		return "", err
	}

	saved := 0
	var failures []string
	for _, entry := range entries {
		groupID, err := parseCustomID(entry.CustomID)
		if err != nil {
			failures = append(failures, err.Error())
			continue
		}
		if entry.Err != nil {
			failures = append(failures, entry.Err.Error())
			continue
		}
		if err := c.store.SaveReport(ctx, conv, tick, groupID, entry.Text); err != nil {
			return "", fmt.Errorf("failed to save report for group %d: %w", groupID, err)
		}
		saved++
	}

	if saved == 0 && len(failures) > 0 {
		return "", fmt.Errorf("batch %s produced no usable narratives: %s", batchID, strings.Join(failures, "; "))
	}
	if len(failures) > 0 {
		return fmt.Sprintf("batch %s: saved %d narratives, %d failed: %s",
			batchID, saved, len(failures), strings.Join(failures, "; ")), nil
	}
	return fmt.Sprintf("batch %s: saved %d narratives for tick %d", batchID, saved, tick), nil
}

func customID(groupID int) string {
	return "group-" + strconv.Itoa(groupID)
}

func parseCustomID(id string) (int, error) {
	num, ok := strings.CutPrefix(id, "group-")
	if !ok {
		return 0, fmt.Errorf("unexpected custom id %q", id)
	}
	groupID, err := strconv.Atoi(num)
	if err != nil {
		return 0, fmt.Errorf("unexpected custom id %q", id)
	}
	return groupID, nil
}

// buildGroupPrompt renders one group's distinctive positions into a prompt.
// Scores and tallies are included so the narrative can qualify how strong
// each position is instead of flattening everything to "the group thinks".
func buildGroupPrompt(groupID, size int, entries []repness.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are summarizing one opinion group from a public consultation.\n\n")
	fmt.Fprintf(&b, "Group %d has %d participants. The statements below are the ones that most distinguish this group from everyone else, ranked by representativeness.\n\n", groupID, size)

	limit := len(entries)
	if limit > topStatements {
		limit = topStatements
	}
	for _, e := range entries[:limit] {
		stance := "agrees with"
		prob := e.AgreeProb
		if e.Direction == types.Disagree {
			stance = "disagrees with"
			prob = e.DisagreeProb
		}
		fmt.Fprintf(&b, "%d. The group %s statement %q (%.0f%% within the group, %d of %d members voted on it).\n",
			e.Rank, stance, e.StatementID, prob*100, e.GroupVotes, size)
	}

	b.WriteString("\nWrite a short narrative summary (2-3 paragraphs) of what this group believes and how it differs from the rest of the participants. Do not invent positions beyond the statements listed.")
	return b.String()
}
