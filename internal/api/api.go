// Package api exposes the vote feed, the job ledger, and published analytics
// results over HTTP. All routes require bearer authentication.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/prism-engine/prism/internal/ingress"
	"github.com/prism-engine/prism/internal/storage"
	"github.com/prism-engine/prism/internal/types"
)

const maxBodySize = 10 << 20 // 10MB

// Deps holds the API layer's dependencies
type Deps struct {
	Store storage.Store
	Token string
}

// NewHandler builds the API router
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Post("/conversations/{conversationID}/votes", handleAppendVotes(deps))
	r.Post("/conversations/{conversationID}/moderation", handleModeration(deps))
	r.Get("/conversations/{conversationID}/ticks/latest", handleLatestTick(deps))
	r.Get("/conversations/{conversationID}/results/{tick}/projection", handleGetProjection(deps))
	r.Get("/conversations/{conversationID}/results/{tick}/clusters", handleGetClusters(deps))
	r.Get("/conversations/{conversationID}/results/{tick}/repness", handleGetRepness(deps))
	r.Get("/conversations/{conversationID}/results/{tick}/reports", handleGetReports(deps))

	r.Post("/jobs", handleSubmitJob(deps))
	r.Get("/jobs", handleListJobs(deps))
	r.Get("/jobs/{id}", handleGetJob(deps))
	r.Get("/jobs/{id}/events", handleJobEvents(deps))
	r.Post("/jobs/{id}/cancel", handleCancelJob(deps))

	r.Get("/workers", handleListWorkers(deps))

	return r
}

// VoteRecord is one vote in an ingest request
type VoteRecord struct {
	ParticipantID string `json:"participant_id"`
	StatementID   string `json:"statement_id"`
	Value         int    `json:"value"`
	Convention    string `json:"convention,omitempty"`
}

// AppendVotesRequest is the vote ingest payload
type AppendVotesRequest struct {
	Votes []VoteRecord `json:"votes"`
}

func handleAppendVotes(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := chi.URLParam(r, "conversationID")
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req AppendVotesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Votes) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "votes is required")
			return
		}

		now := time.Now().UTC()
		accepted := make([]types.RawVote, 0, len(req.Votes))
		var rejected []string
		for _, v := range req.Votes {
			raw := types.RawVote{
				ParticipantID: v.ParticipantID,
				StatementID:   v.StatementID,
				Value:         v.Value,
				Convention:    types.SignConvention(v.Convention),
				ObservedAt:    now,
			}
			if raw.Convention == "" {
				raw.Convention = types.ConventionInternal
			}
			// Malformed votes are rejected here, one by one; the rest of
			// the batch is still accepted.
			if _, err := ingress.Normalize(raw); err != nil {
				rejected = append(rejected, err.Error())
				continue
			}
			accepted = append(accepted, raw)
		}

		var watermark int64
		if len(accepted) > 0 {
			var err error
			watermark, err = deps.Store.AppendRawVotes(r.Context(), conversationID, accepted)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to store votes: %v", err)
				return
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"accepted":  len(accepted),
			"rejected":  rejected,
			"watermark": watermark,
		})
	}
}

// ModerationRequest flags or unflags a statement
type ModerationRequest struct {
	StatementID string `json:"statement_id"`
	Flagged     bool   `json:"flagged"`
}

func handleModeration(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := chi.URLParam(r, "conversationID")
		var req ModerationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.StatementID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "statement_id is required")
			return
		}
		if err := deps.Store.SetModerated(r.Context(), conversationID, req.StatementID, req.Flagged); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update moderation: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"statement_id": req.StatementID, "flagged": req.Flagged})
	}
}

func handleLatestTick(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := chi.URLParam(r, "conversationID")
		tick, watermark, err := deps.Store.LatestTick(r.Context(), conversationID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read latest tick: %v", err)
			return
		}
		if tick == 0 {
			httpError(w, http.StatusNotFound, "not_found", "conversation has no ticks")
			return
		}
		completed, err := deps.Store.TickCompletedAt(r.Context(), conversationID, tick)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read tick completion: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tick":         tick,
			"watermark":    watermark,
			"complete":     completed != nil,
			"completed_at": completed,
		})
	}
}

// requireTick parses the tick path parameter and, unless ?partial=1 is set,
// refuses ticks without the completion marker so clients never read a
// half-published tick by accident.
func requireTick(deps Deps, w http.ResponseWriter, r *http.Request) (string, int, bool) {
	conversationID := chi.URLParam(r, "conversationID")
	tick, err := strconv.Atoi(chi.URLParam(r, "tick"))
	if err != nil || tick < 1 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid tick")
		return "", 0, false
	}
	if r.URL.Query().Get("partial") == "1" {
		return conversationID, tick, true
	}
	completed, err := deps.Store.TickCompletedAt(r.Context(), conversationID, tick)
	if err != nil {
		httpError(w, http.StatusNotFound, "not_found", "tick %d not found", tick)
		return "", 0, false
	}
	if completed == nil {
		httpError(w, http.StatusConflict, "tick_incomplete", "tick %d is still being published; pass partial=1 to read anyway", tick)
		return "", 0, false
	}
	return conversationID, tick, true
}

func handleGetProjection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID, tick, ok := requireTick(deps, w, r)
		if !ok {
			return
		}
		res, err := deps.Store.GetProjection(r.Context(), conversationID, tick)
		if err != nil {
			notFoundOr500(w, err, "projection")
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleGetClusters(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID, tick, ok := requireTick(deps, w, r)
		if !ok {
			return
		}
		res, err := deps.Store.GetClusters(r.Context(), conversationID, tick)
		if err != nil {
			notFoundOr500(w, err, "clusters")
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleGetRepness(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID, tick, ok := requireTick(deps, w, r)
		if !ok {
			return
		}
		res, err := deps.Store.GetRepness(r.Context(), conversationID, tick)
		if err != nil {
			notFoundOr500(w, err, "representativeness")
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleGetReports(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID, tick, ok := requireTick(deps, w, r)
		if !ok {
			return
		}
		reports, err := deps.Store.GetReports(r.Context(), conversationID, tick)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load reports: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
	}
}

// SubmitJobRequest creates a new job
type SubmitJobRequest struct {
	ConversationID string          `json:"conversation_id"`
	Type           types.JobType   `json:"job_type"`
	Priority       int             `json:"priority"`
	MaxRetries     int             `json:"max_retries"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	Config         types.JobConfig `json:"config"`
}

func handleSubmitJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		job := &types.Job{
			ConversationID: req.ConversationID,
			Type:           req.Type,
			Priority:       req.Priority,
			MaxRetries:     req.MaxRetries,
			TimeoutSeconds: req.TimeoutSeconds,
			Config:         req.Config,
		}
		if err := deps.Store.CreateJob(r.Context(), job); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to create job: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, job)
	}
}

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := types.JobFilter{Limit: 100}
		if s := r.URL.Query().Get("status"); s != "" {
			status := types.JobStatus(s)
			if !status.IsValid() {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid status %q", s)
				return
			}
			filter.Status = &status
		}
		if tq := r.URL.Query().Get("type"); tq != "" {
			jobType := types.JobType(tq)
			if !jobType.IsValid() {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid job type %q", tq)
				return
			}
			filter.Type = &jobType
		}
		if c := r.URL.Query().Get("conversation"); c != "" {
			filter.ConversationID = &c
		}
		if l := r.URL.Query().Get("limit"); l != "" {
			limit, err := strconv.Atoi(l)
			if err != nil || limit < 1 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit")
				return
			}
			filter.Limit = limit
		}

		jobs, err := deps.Store.ListJobs(r.Context(), filter)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			notFoundOr500(w, err, "job")
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func handleJobEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetJob(r.Context(), id); err != nil {
			notFoundOr500(w, err, "job")
			return
		}
		events, err := deps.Store.GetJobEvents(r.Context(), id, 50)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load events: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}

func handleCancelJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := deps.Store.GetJob(r.Context(), id)
		if err != nil {
			notFoundOr500(w, err, "job")
			return
		}

		// Cancellation only applies to pending jobs. A job already claimed
		// keeps running; callers see who holds it and can wait it out.
		switch job.Status {
		case types.JobPending:
			err := deps.Store.ConditionalUpdate(r.Context(), id, types.JobPending, job.Version, map[string]interface{}{
				"status":       types.JobCancelled,
				"completed_at": time.Now().UTC(),
			})
			if errors.Is(err, types.ErrConflict) {
				httpError(w, http.StatusConflict, "conflict", "job was claimed before cancellation took effect")
				return
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to cancel job: %v", err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": types.JobCancelled})
		case types.JobProcessing:
			httpError(w, http.StatusConflict, "conflict", "job is processing on worker %s and cannot be cancelled", job.WorkerID)
		default:
			httpError(w, http.StatusConflict, "conflict", "job is already %s", job.Status)
		}
	}
}

func handleListWorkers(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workers, err := deps.Store.GetActiveWorkers(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list workers: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
	}
}

func notFoundOr500(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, types.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "%s not found", what)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "failed to load %s: %v", what, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
