package ingress

import (
	"errors"
	"testing"
	"time"

	"github.com/prism-engine/prism/internal/types"
)

func TestNormalizeInternalConvention(t *testing.T) {
	v, err := Normalize(types.RawVote{
		ParticipantID: "p1",
		StatementID:   "s1",
		Value:         1,
		Convention:    types.ConventionInternal,
		ObservedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if v.Polarity != types.Agree {
		t.Errorf("internal agree must stay +1, got %d", v.Polarity)
	}
}

func TestNormalizeInvertedConvention(t *testing.T) {
	// An external feed that stores agreement as -1 must come out as +1
	// internally, never -1.
	v, err := Normalize(types.RawVote{
		ParticipantID: "p1",
		StatementID:   "s1",
		Value:         -1,
		Convention:    types.ConventionInverted,
	})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if v.Polarity != types.Agree {
		t.Errorf("inverted agree (-1) must normalize to +1, got %d", v.Polarity)
	}

	d, err := Normalize(types.RawVote{
		ParticipantID: "p1",
		StatementID:   "s1",
		Value:         1,
		Convention:    types.ConventionInverted,
	})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if d.Polarity != types.Disagree {
		t.Errorf("inverted disagree (+1) must normalize to -1, got %d", d.Polarity)
	}
}

func TestNormalizePassUnaffectedByConvention(t *testing.T) {
	for _, conv := range []types.SignConvention{types.ConventionInternal, types.ConventionInverted} {
		v, err := Normalize(types.RawVote{
			ParticipantID: "p1",
			StatementID:   "s1",
			Value:         0,
			Convention:    conv,
		})
		if err != nil {
			t.Fatalf("Normalize failed: %v", err)
		}
		if v.Polarity != types.Pass {
			t.Errorf("pass must stay 0 under %s convention, got %d", conv, v.Polarity)
		}
	}
}

func TestDoubleFlipChangesValue(t *testing.T) {
	// Applying the inverted conversion twice is not idempotent. This guards
	// against a second call site sneaking a flip back in: the result of
	// normalizing an already-normalized vote under the inverted convention
	// differs from the single-pass result.
	raw := types.RawVote{
		ParticipantID: "p1",
		StatementID:   "s1",
		Value:         -1,
		Convention:    types.ConventionInverted,
	}
	once, err := Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	twice, err := Normalize(types.RawVote{
		ParticipantID: once.ParticipantID,
		StatementID:   once.StatementID,
		Value:         int(once.Polarity),
		Convention:    types.ConventionInverted,
	})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if once.Polarity == twice.Polarity {
		t.Error("double normalization should change the polarity; it did not")
	}
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	cases := []types.RawVote{
		{ParticipantID: "", StatementID: "s1", Value: 1, Convention: types.ConventionInternal},
		{ParticipantID: "p1", StatementID: "", Value: 1, Convention: types.ConventionInternal},
		{ParticipantID: "p1", StatementID: "s1", Value: 3, Convention: types.ConventionInternal},
		{ParticipantID: "p1", StatementID: "s1", Value: 1, Convention: "mystery"},
	}
	for i, raw := range cases {
		_, err := Normalize(raw)
		if err == nil {
			t.Errorf("case %d: expected MalformedVoteError, got nil", i)
			continue
		}
		var mv *types.MalformedVoteError
		if !errors.As(err, &mv) {
			t.Errorf("case %d: expected MalformedVoteError, got %T", i, err)
		}
	}
}

func TestNormalizeBatchSkipsBadVotes(t *testing.T) {
	raws := []types.RawVote{
		{ParticipantID: "p1", StatementID: "s1", Value: 1, Convention: types.ConventionInternal},
		{ParticipantID: "", StatementID: "s1", Value: 1, Convention: types.ConventionInternal},
		{ParticipantID: "p2", StatementID: "s1", Value: -1, Convention: types.ConventionInternal},
	}
	votes, errs := NormalizeBatch(raws)
	if len(votes) != 2 {
		t.Errorf("expected 2 good votes, got %d", len(votes))
	}
	if len(errs) != 1 {
		t.Errorf("expected 1 rejected vote, got %d", len(errs))
	}
}
