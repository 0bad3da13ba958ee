package types

import (
	"fmt"
	"time"
)

// Job is the unit of schedulable work. Jobs are append-only history: they are
// retained after completion for audit and debugging, never deleted.
type Job struct {
	ID              string     `json:"id"`
	ConversationID  string     `json:"conversation_id"`
	Type            JobType    `json:"job_type"`
	Status          JobStatus  `json:"status"`
	Priority        int        `json:"priority"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	WorkerID        string     `json:"worker_id,omitempty"`
	RetryCount      int        `json:"retry_count"`
	MaxRetries      int        `json:"max_retries"`
	TimeoutSeconds  int        `json:"timeout_seconds"`
	Version         int64      `json:"version"`
	Config          JobConfig  `json:"config"`
	Result          string     `json:"result,omitempty"`
	DependencyJobID string     `json:"dependency_job_id,omitempty"`
	LogTail         string     `json:"log_tail,omitempty"`
}

// Validate checks if the job has valid field values
func (j *Job) Validate() error {
	if j.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if !j.Type.IsValid() {
		return fmt.Errorf("invalid job type: %s", j.Type)
	}
	if !j.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", j.Status)
	}
	if j.Priority < 0 || j.Priority > 9 {
		return fmt.Errorf("priority must be between 0 and 9 (got %d)", j.Priority)
	}
	if j.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if j.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive (got %d)", j.TimeoutSeconds)
	}
	return nil
}

// JobConfig carries job-type-specific parameters. Zero values mean "use the
// engine default". BatchID is only ever set on check-report-batch jobs; the
// generate stage creates the check job with the batch handle filled in.
type JobConfig struct {
	Tick          int    `json:"tick,omitempty"`
	VoteWatermark int64  `json:"vote_watermark,omitempty"`
	NComponents   int    `json:"n_components,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	KMin          int    `json:"k_min,omitempty"`
	KMax          int    `json:"k_max,omitempty"`
	MinVotes      int    `json:"min_votes,omitempty"`
	Seed          int64  `json:"seed,omitempty"`
	Model         string `json:"model,omitempty"`
	BatchID       string `json:"batch_id,omitempty"`
}

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// IsValid checks if the status value is valid
func (s JobStatus) IsValid() bool {
	switch s {
	case JobPending, JobProcessing, JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed from s
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// ValidTransitions defines the job status state machine.
//
// State Machine Diagram:
//
//	pending → processing → {completed, failed}
//	pending → cancelled
//	processing → pending (timeout requeue by the retry manager)
//
// Any other transition is a StateViolationError: always a bug, never retried.
func (s JobStatus) ValidTransitions() []JobStatus {
	switch s {
	case JobPending:
		return []JobStatus{JobProcessing, JobCancelled}
	case JobProcessing:
		return []JobStatus{JobCompleted, JobFailed, JobPending}
	case JobCompleted, JobFailed, JobCancelled:
		return []JobStatus{} // Terminal states
	default:
		return []JobStatus{}
	}
}

// CanTransitionTo checks if a transition from this status to target is valid
func (s JobStatus) CanTransitionTo(target JobStatus) bool {
	for _, valid := range s.ValidTransitions() {
		if valid == target {
			return true
		}
	}
	return false
}

// JobType identifies which handler runs a job. Dispatch is keyed solely by
// this field, set once at creation time; it is never inferred from status.
type JobType string

const (
	JobComputeProjection JobType = "compute-projection"
	JobComputeClusters   JobType = "compute-clusters"
	JobComputeRepness    JobType = "compute-representativeness"
	JobComposePipeline   JobType = "compose-pipeline"
	JobGenerateReport    JobType = "generate-report-batch"
	JobCheckReport       JobType = "check-report-batch"
)

// IsValid checks if the job type value is valid
func (t JobType) IsValid() bool {
	switch t {
	case JobComputeProjection, JobComputeClusters, JobComputeRepness,
		JobComposePipeline, JobGenerateReport, JobCheckReport:
		return true
	}
	return false
}

// WorkerStatus represents the state of a worker instance
type WorkerStatus string

const (
	WorkerRunning WorkerStatus = "running"
	WorkerStopped WorkerStatus = "stopped"
)

// IsValid checks if the worker status value is valid
func (s WorkerStatus) IsValid() bool {
	return s == WorkerRunning || s == WorkerStopped
}

// WorkerInstance represents a running worker process. Workers heartbeat
// periodically; a processing job whose worker has gone silent past its
// timeout is requeued by the retry manager.
type WorkerInstance struct {
	InstanceID    string       `json:"instance_id"`
	Hostname      string       `json:"hostname"`
	PID           int          `json:"pid"`
	Status        WorkerStatus `json:"status"`
	StartedAt     time.Time    `json:"started_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	Version       string       `json:"version"`
}

// Validate checks if the worker instance has valid field values
func (w *WorkerInstance) Validate() error {
	if w.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if w.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if w.PID <= 0 {
		return fmt.Errorf("pid must be positive (got %d)", w.PID)
	}
	if !w.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", w.Status)
	}
	return nil
}

// JobEvent is an audit trail entry recorded on job mutations
type JobEvent struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	EventType string    `json:"event_type"`
	Actor     string    `json:"actor"`
	OldValue  string    `json:"old_value,omitempty"`
	NewValue  string    `json:"new_value,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Job event types
const (
	EventJobCreated   = "created"
	EventJobClaimed   = "claimed"
	EventJobCompleted = "completed"
	EventJobFailed    = "failed"
	EventJobCancelled = "cancelled"
	EventJobRequeued  = "requeued"
)

// JobFilter is used to filter job queries
type JobFilter struct {
	Status         *JobStatus
	Type           *JobType
	ConversationID *string
	Limit          int
}
