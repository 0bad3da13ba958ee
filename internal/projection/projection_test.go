package projection

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prism-engine/prism/internal/conversation"
	"github.com/prism-engine/prism/internal/types"
)

// twoCampSnapshot builds a conversation where participants a1..a3 agree on
// s1 and disagree on s2, while b1..b3 do the opposite.
func twoCampSnapshot(t *testing.T) *conversation.Snapshot {
	t.Helper()
	var votes []types.Vote
	add := func(pid, sid string, p types.Polarity) {
		votes = append(votes, types.Vote{ParticipantID: pid, StatementID: sid, Polarity: p})
	}
	for _, pid := range []string{"a1", "a2", "a3"} {
		add(pid, "s1", types.Agree)
		add(pid, "s2", types.Disagree)
	}
	for _, pid := range []string{"b1", "b2", "b3"} {
		add(pid, "s1", types.Disagree)
		add(pid, "s2", types.Agree)
	}
	snap, err := conversation.Build("conv-1", 1, votes, nil)
	require.NoError(t, err)
	return snap
}

func TestComputeSeparatesOpposedCamps(t *testing.T) {
	snap := twoCampSnapshot(t)

	res, err := Compute(snap, Options{Seed: 42})
	require.NoError(t, err)
	require.Len(t, res.Components, 2)
	assert.False(t, res.InsufficientData)

	// The two camps must land on opposite sides of the first component.
	for _, a := range []string{"a1", "a2", "a3"} {
		for _, b := range []string{"b1", "b2", "b3"} {
			assert.Less(t, res.Coordinates[a][0]*res.Coordinates[b][0], 0.0,
				"participants %s and %s should project to opposite signs", a, b)
		}
	}
	// Within a camp everyone voted identically, so coordinates coincide.
	assert.InDelta(t, res.Coordinates["a1"][0], res.Coordinates["a2"][0], 1e-9)
}

func TestComputeDeterministicGivenSeed(t *testing.T) {
	snap := twoCampSnapshot(t)

	r1, err := Compute(snap, Options{Seed: 7})
	require.NoError(t, err)
	r2, err := Compute(snap, Options{Seed: 7})
	require.NoError(t, err)

	for k := range r1.Components {
		for j := range r1.Components[k] {
			assert.Equal(t, r1.Components[k][j], r2.Components[k][j])
		}
	}
	for pid := range r1.Coordinates {
		assert.Equal(t, r1.Coordinates[pid], r2.Coordinates[pid])
	}
}

func TestComponentsAreOrthonormalAndOrdered(t *testing.T) {
	snap := twoCampSnapshot(t)
	res, err := Compute(snap, Options{Seed: 1})
	require.NoError(t, err)

	for i, c := range res.Components {
		var ss float64
		for _, x := range c {
			ss += x * x
		}
		assert.InDelta(t, 1.0, ss, 1e-6, "component %d not unit length", i)
	}
	if len(res.Components) == 2 {
		var d float64
		for j := range res.Components[0] {
			d += res.Components[0][j] * res.Components[1][j]
		}
		assert.InDelta(t, 0.0, d, 1e-6, "components not orthogonal")
	}
	for i := 1; i < len(res.Eigenvalues); i++ {
		assert.GreaterOrEqual(t, res.Eigenvalues[i-1], res.Eigenvalues[i],
			"explained variance must be descending")
	}
}

func TestComputeInsufficientData(t *testing.T) {
	votes := []types.Vote{
		{ParticipantID: "p1", StatementID: "s1", Polarity: types.Agree},
	}
	snap, err := conversation.Build("conv-1", 1, votes, nil)
	require.NoError(t, err)

	res, err := Compute(snap, Options{Seed: 1})
	require.NoError(t, err)
	assert.True(t, res.InsufficientData)
	assert.Len(t, res.Coordinates["p1"], DefaultComponents)
}

func TestComputeMissingVotesNotImputed(t *testing.T) {
	// p3 votes on s1 only. Their coordinate must come solely from s1; the
	// sparsity scale compensates for the short row rather than treating the
	// unseen s2 as a neutral vote.
	var votes []types.Vote
	add := func(pid, sid string, p types.Polarity) {
		votes = append(votes, types.Vote{ParticipantID: pid, StatementID: sid, Polarity: p})
	}
	for _, pid := range []string{"a1", "a2"} {
		add(pid, "s1", types.Agree)
		add(pid, "s2", types.Disagree)
	}
	for _, pid := range []string{"b1", "b2"} {
		add(pid, "s1", types.Disagree)
		add(pid, "s2", types.Agree)
	}
	add("p3", "s1", types.Agree)

	snap, err := conversation.Build("conv-1", 1, votes, nil)
	require.NoError(t, err)
	res, err := Compute(snap, Options{Seed: 3})
	require.NoError(t, err)

	// p3 agrees with the a-camp on the only statement they saw, so they
	// must land on the a-camp's side.
	sameSide := res.Coordinates["p3"][0] * res.Coordinates["a1"][0]
	assert.Greater(t, sameSide, 0.0, "sparse voter should project toward the camp they agree with")
}

func TestNonConvergenceIsWarningNotError(t *testing.T) {
	snap := twoCampSnapshot(t)
	res, err := Compute(snap, Options{Seed: 1, MaxIterations: 1, Tolerance: 1e-15})
	require.NoError(t, err, "hitting the iteration cap must not be an error")
	require.NotEmpty(t, res.Components, "last iterate must still be returned")
	if !res.Converged[0] {
		assert.NotEmpty(t, res.Warnings)
	}
	for _, c := range res.Components {
		var ss float64
		for _, x := range c {
			ss += x * x
		}
		assert.False(t, math.IsNaN(ss))
	}
}
