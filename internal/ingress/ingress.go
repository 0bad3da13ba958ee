// Package ingress is the single boundary where external vote records are
// converted into the internal polarity encoding (agree=+1, disagree=-1,
// pass=0). Every read path that feeds the analytics engine goes through
// Normalize exactly once; no other package performs sign conversion. A
// historical bug double-counted votes because two layers disagreed about
// which of them flipped the sign, so the conversion lives here and only here.
package ingress

import (
	"github.com/prism-engine/prism/internal/types"
)

// Normalize converts a raw feed vote into the internal encoding, flipping
// the sign if and only if the source convention differs from the internal
// one. It returns a MalformedVoteError for votes outside {-1, 0, 1} or with
// empty identifiers; callers reject the single vote and keep the batch.
func Normalize(raw types.RawVote) (types.Vote, error) {
	if raw.ParticipantID == "" {
		return types.Vote{}, &types.MalformedVoteError{
			ParticipantID: raw.ParticipantID,
			StatementID:   raw.StatementID,
			Reason:        "empty participant id",
		}
	}
	if raw.StatementID == "" {
		return types.Vote{}, &types.MalformedVoteError{
			ParticipantID: raw.ParticipantID,
			StatementID:   raw.StatementID,
			Reason:        "empty statement id",
		}
	}
	if !raw.Convention.IsValid() {
		return types.Vote{}, &types.MalformedVoteError{
			ParticipantID: raw.ParticipantID,
			StatementID:   raw.StatementID,
			Reason:        "unknown sign convention " + string(raw.Convention),
		}
	}

	value := raw.Value
	if raw.Convention != types.ConventionInternal {
		value = -value
	}

	p := types.Polarity(value)
	if !p.IsValid() {
		return types.Vote{}, &types.MalformedVoteError{
			ParticipantID: raw.ParticipantID,
			StatementID:   raw.StatementID,
			Reason:        "polarity outside {-1,0,1} after normalization",
		}
	}

	return types.Vote{
		ParticipantID: raw.ParticipantID,
		StatementID:   raw.StatementID,
		Polarity:      p,
		ObservedAt:    raw.ObservedAt,
	}, nil
}

// NormalizeBatch converts a batch of raw votes, skipping malformed ones.
// It returns the normalized votes and the per-vote errors for the skipped
// entries; a malformed vote never aborts the batch.
func NormalizeBatch(raws []types.RawVote) ([]types.Vote, []error) {
	votes := make([]types.Vote, 0, len(raws))
	var errs []error
	for _, raw := range raws {
		v, err := Normalize(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		votes = append(votes, v)
	}
	return votes, errs
}
