package conversation

import (
	"testing"
	"time"

	"github.com/prism-engine/prism/internal/types"
)

func vote(pid, sid string, p types.Polarity) types.Vote {
	return types.Vote{ParticipantID: pid, StatementID: sid, Polarity: p, ObservedAt: time.Now()}
}

func TestBuildBasic(t *testing.T) {
	votes := []types.Vote{
		vote("p1", "s1", types.Agree),
		vote("p1", "s2", types.Disagree),
		vote("p2", "s1", types.Pass),
	}
	snap, err := Build("conv-1", 1, votes, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if snap.NumParticipants() != 2 {
		t.Errorf("expected 2 participants, got %d", snap.NumParticipants())
	}
	if snap.NumStatements() != 2 {
		t.Errorf("expected 2 statements, got %d", snap.NumStatements())
	}
	if p, ok := snap.Polarity("p1", "s1"); !ok || p != types.Agree {
		t.Errorf("expected p1/s1 agree observed, got %v observed=%v", p, ok)
	}
	if _, ok := snap.Polarity("p2", "s2"); ok {
		t.Error("p2 never voted on s2; must be unseen, not neutral")
	}
	// Pass counts as an observed vote.
	if snap.VoteCount(0) == 0 && snap.VoteCount(1) == 0 {
		t.Error("vote counts not recorded")
	}
}

func TestBuildLastVoteWins(t *testing.T) {
	votes := []types.Vote{
		vote("p1", "s1", types.Agree),
		vote("p1", "s1", types.Disagree),
	}
	snap, err := Build("conv-1", 1, votes, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if p, _ := snap.Polarity("p1", "s1"); p != types.Disagree {
		t.Errorf("re-vote must override: expected disagree, got %v", p)
	}
	if snap.VoteCount(0) != 1 {
		t.Errorf("re-vote must not double count: got %d", snap.VoteCount(0))
	}
}

func TestBuildModerationExcludesStatement(t *testing.T) {
	votes := []types.Vote{
		vote("p1", "s1", types.Agree),
		vote("p1", "s2", types.Agree),
	}
	snap, err := Build("conv-1", 1, votes, map[string]bool{"s2": true})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if snap.NumStatements() != 1 {
		t.Errorf("moderated statement must be excluded, got %d statements", snap.NumStatements())
	}
}

func TestNextDoesNotMutatePrevious(t *testing.T) {
	votes := []types.Vote{vote("p1", "s1", types.Agree)}
	snap, err := Build("conv-1", 1, votes, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	updated := append(votes, vote("p2", "s1", types.Disagree))
	next, err := snap.Next(updated, nil)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}

	if next.Tick() != 2 {
		t.Errorf("expected tick 2, got %d", next.Tick())
	}
	if snap.NumParticipants() != 1 {
		t.Errorf("original snapshot mutated: %d participants", snap.NumParticipants())
	}
	if next.NumParticipants() != 2 {
		t.Errorf("next snapshot missing new vote: %d participants", next.NumParticipants())
	}
}

func TestColumnMeansObservedOnly(t *testing.T) {
	votes := []types.Vote{
		vote("p1", "s1", types.Agree),
		vote("p2", "s1", types.Agree),
		vote("p3", "s2", types.Disagree),
	}
	snap, err := Build("conv-1", 1, votes, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	means := snap.ColumnMeans()
	// s1 mean over its two voters is 1.0, not diluted by p3's absence.
	ids := snap.StatementIDs()
	for j, id := range ids {
		switch id {
		case "s1":
			if means[j] != 1.0 {
				t.Errorf("s1 mean over observed votes should be 1.0, got %f", means[j])
			}
		case "s2":
			if means[j] != -1.0 {
				t.Errorf("s2 mean over observed votes should be -1.0, got %f", means[j])
			}
		}
	}
}

func TestArenaPublishAndLatest(t *testing.T) {
	arena := NewArena()

	s1, _ := Build("conv-1", 1, []types.Vote{vote("p1", "s1", types.Agree)}, nil)
	if err := arena.Publish(s1); err != nil {
		t.Fatalf("Publish tick 1 failed: %v", err)
	}

	s2, _ := s1.Next([]types.Vote{vote("p1", "s1", types.Agree), vote("p2", "s1", types.Pass)}, nil)
	if err := arena.Publish(s2); err != nil {
		t.Fatalf("Publish tick 2 failed: %v", err)
	}

	if got := arena.LatestTick("conv-1"); got != 2 {
		t.Errorf("latest tick = %d, want 2", got)
	}
	if arena.Get("conv-1", 1) != s1 {
		t.Error("old tick must remain retrievable")
	}

	// Re-publishing an old tick is a sequencing bug.
	if err := arena.Publish(s1); err == nil {
		t.Error("expected error publishing stale tick")
	}
}

func TestArenaPrune(t *testing.T) {
	arena := NewArena()
	snap, _ := Build("conv-1", 1, []types.Vote{vote("p1", "s1", types.Agree)}, nil)
	_ = arena.Publish(snap)
	for i := 2; i <= 5; i++ {
		snap, _ = snap.Next([]types.Vote{vote("p1", "s1", types.Agree)}, nil)
		_ = arena.Publish(snap)
	}
	dropped := arena.Prune("conv-1", 1)
	if dropped != 3 {
		t.Errorf("expected 3 pruned ticks, got %d", dropped)
	}
	if arena.Latest("conv-1") == nil || arena.Latest("conv-1").Tick() != 5 {
		t.Error("latest tick must survive pruning")
	}
}
