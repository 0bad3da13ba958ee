package repness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prism-engine/prism/internal/cluster"
	"github.com/prism-engine/prism/internal/conversation"
	"github.com/prism-engine/prism/internal/types"
)

func buildSnap(t *testing.T, votes []types.Vote) *conversation.Snapshot {
	t.Helper()
	snap, err := conversation.Build("conv-1", 1, votes, nil)
	require.NoError(t, err)
	return snap
}

func assignment(groups ...[]string) *cluster.Assignment {
	a := &cluster.Assignment{ConversationID: "conv-1", Tick: 1, K: len(groups)}
	for i, members := range groups {
		a.Groups = append(a.Groups, cluster.Group{ID: i, MemberIDs: members})
	}
	return a
}

func v(pid, sid string, p types.Polarity) types.Vote {
	return types.Vote{ParticipantID: pid, StatementID: sid, Polarity: p}
}

func TestZeroVoteStatementExcluded(t *testing.T) {
	// Group 0 never voted on s2; it must not appear in group 0's ranking.
	votes := []types.Vote{
		v("a1", "s1", types.Agree),
		v("a2", "s1", types.Agree),
		v("b1", "s1", types.Disagree),
		v("b1", "s2", types.Agree),
		v("b2", "s2", types.Agree),
	}
	snap := buildSnap(t, votes)
	res, err := Compute(snap, assignment([]string{"a1", "a2"}, []string{"b1", "b2"}), Options{})
	require.NoError(t, err)

	for _, e := range res.ByGroup[0] {
		assert.NotEqual(t, "s2", e.StatementID, "statement with zero group votes must be excluded, not scored zero")
	}
}

func TestUnanimousOutranksSplit(t *testing.T) {
	// Within one group of 5: sU is unanimously agreed, sS splits 3/2.
	group := []string{"g1", "g2", "g3", "g4", "g5"}
	rest := []string{"r1", "r2", "r3"}
	var votes []types.Vote
	for _, pid := range group {
		votes = append(votes, v(pid, "sU", types.Agree))
	}
	votes = append(votes,
		v("g1", "sS", types.Agree), v("g2", "sS", types.Agree), v("g3", "sS", types.Agree),
		v("g4", "sS", types.Disagree), v("g5", "sS", types.Disagree),
	)
	// The rest of the room leans against both statements equally.
	for _, pid := range rest {
		votes = append(votes, v(pid, "sU", types.Disagree), v(pid, "sS", types.Disagree))
	}

	snap := buildSnap(t, votes)
	res, err := Compute(snap, assignment(group, rest), Options{})
	require.NoError(t, err)

	entries := res.ByGroup[0]
	require.Len(t, entries, 2)
	byID := map[string]Entry{}
	for _, e := range entries {
		byID[e.StatementID] = e
	}
	assert.Greater(t, byID["sU"].Score, byID["sS"].Score,
		"unanimous agreement must outrank a 60/40 split")
	assert.Equal(t, 1, byID["sU"].Rank)
	assert.Equal(t, 2, byID["sS"].Rank)
}

func TestMinVotesThreshold(t *testing.T) {
	votes := []types.Vote{
		v("a1", "s1", types.Agree),
		v("a2", "s1", types.Agree),
		v("a3", "s1", types.Agree),
		v("a1", "s2", types.Agree), // only one group vote on s2
		v("b1", "s1", types.Disagree),
		v("b1", "s2", types.Disagree),
	}
	snap := buildSnap(t, votes)
	res, err := Compute(snap, assignment([]string{"a1", "a2", "a3"}, []string{"b1"}), Options{MinVotes: 2})
	require.NoError(t, err)

	for _, e := range res.ByGroup[0] {
		assert.NotEqual(t, "s2", e.StatementID,
			"statement below the vote threshold must be excluded from ranking")
	}
}

func TestDisagreementCanBeRepresentative(t *testing.T) {
	// Group 0 uniformly rejects s1 while everyone else agrees with it.
	votes := []types.Vote{
		v("a1", "s1", types.Disagree),
		v("a2", "s1", types.Disagree),
		v("a3", "s1", types.Disagree),
		v("b1", "s1", types.Agree),
		v("b2", "s1", types.Agree),
		v("b3", "s1", types.Agree),
	}
	snap := buildSnap(t, votes)
	res, err := Compute(snap, assignment([]string{"a1", "a2", "a3"}, []string{"b1", "b2", "b3"}), Options{})
	require.NoError(t, err)

	require.NotEmpty(t, res.ByGroup[0])
	top := res.ByGroup[0][0]
	assert.Equal(t, types.Disagree, top.Direction)
	assert.Greater(t, top.ZTwo, 0.0, "group's disagreement should be significant vs the rest")
}

func TestTiePrefersAgreementDirection(t *testing.T) {
	// Two perfectly mirrored camps: for camp 1, A-agree and C-disagree
	// score identically by symmetry, and likewise C-agree and A-disagree
	// for camp 2. The agreement side must lead each ranking; falling back
	// to statement-id order alone would put "A (disagree)" on top of
	// camp 2.
	camp1 := []string{"p1", "p2", "p3"}
	camp2 := []string{"p4", "p5", "p6", "p7"}
	var votes []types.Vote
	for _, pid := range camp1 {
		votes = append(votes, v(pid, "A", types.Agree), v(pid, "B", types.Agree), v(pid, "C", types.Disagree))
	}
	for _, pid := range camp2 {
		votes = append(votes, v(pid, "A", types.Disagree), v(pid, "B", types.Disagree), v(pid, "C", types.Agree))
	}

	snap := buildSnap(t, votes)
	res, err := Compute(snap, assignment(camp1, camp2), Options{})
	require.NoError(t, err)

	top1 := res.ByGroup[0][0]
	assert.Equal(t, "A", top1.StatementID)
	assert.Equal(t, types.Agree, top1.Direction)

	top2 := res.ByGroup[1][0]
	assert.Equal(t, "C", top2.StatementID)
	assert.Equal(t, types.Agree, top2.Direction)
}

func TestScoreComponentsExposed(t *testing.T) {
	votes := []types.Vote{
		v("a1", "s1", types.Agree),
		v("a2", "s1", types.Agree),
		v("b1", "s1", types.Disagree),
		v("b2", "s1", types.Disagree),
	}
	snap := buildSnap(t, votes)
	res, err := Compute(snap, assignment([]string{"a1", "a2"}, []string{"b1", "b2"}), Options{})
	require.NoError(t, err)

	e := res.ByGroup[0][0]
	assert.Equal(t, 2, e.GroupVotes)
	assert.Equal(t, 2, e.GroupAgrees)
	// Smoothing: (2+1)/(2+2).
	assert.InDelta(t, 0.75, e.AgreeProb, 1e-9)
	assert.NotZero(t, e.Repness)
	assert.NotZero(t, e.Score)
}

func TestTickMismatchRejected(t *testing.T) {
	snap := buildSnap(t, []types.Vote{v("a1", "s1", types.Agree), v("b1", "s1", types.Disagree)})
	a := assignment([]string{"a1"}, []string{"b1"})
	a.Tick = 99
	_, err := Compute(snap, a, Options{})
	assert.Error(t, err)
}

func TestSmoothedProportionBounds(t *testing.T) {
	assert.InDelta(t, 0.5, SmoothedProportion(0, 0), 1e-9)
	assert.InDelta(t, float64(4)/float64(5), SmoothedProportion(3, 3), 1e-9)
	p := SmoothedProportion(100, 100)
	assert.Less(t, p, 1.0, "smoothing must keep proportions away from 1")
	assert.Greater(t, SmoothedProportion(0, 100), 0.0)
}

func TestTwoProportionZSign(t *testing.T) {
	// In-group far more agreeing than out-group → positive z.
	assert.Greater(t, TwoProportionZ(9, 10, 1, 10), 0.0)
	// Reversed → negative.
	assert.Less(t, TwoProportionZ(1, 10, 9, 10), 0.0)
	// Identical proportions → near zero.
	assert.InDelta(t, 0.0, TwoProportionZ(5, 10, 5, 10), 1e-9)
}
