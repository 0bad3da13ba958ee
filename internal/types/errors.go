package types

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a job ID is unknown to the store.
var ErrNotFound = errors.New("job not found")

// ErrConflict is returned by conditional updates when the expected status or
// version no longer matches. It means another worker already acted on the
// job; callers should move on to the next job, not retry the same claim.
var ErrConflict = errors.New("conditional update conflict")

// MalformedVoteError rejects a single vote without failing the batch it
// arrived in.
type MalformedVoteError struct {
	ParticipantID string
	StatementID   string
	Reason        string
}

func (e *MalformedVoteError) Error() string {
	return fmt.Sprintf("malformed vote (participant=%q statement=%q): %s",
		e.ParticipantID, e.StatementID, e.Reason)
}

// StateViolationError reports an attempt to apply an invalid job status
// transition. This is always a bug in the caller, never retried.
type StateViolationError struct {
	JobID string
	From  JobStatus
	To    JobStatus
}

func (e *StateViolationError) Error() string {
	return fmt.Sprintf("invalid job transition for %s: %s → %s", e.JobID, e.From, e.To)
}
