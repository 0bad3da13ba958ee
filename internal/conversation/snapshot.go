// Package conversation holds the immutable, versioned representation of one
// conversation's votes at a point in time, plus the in-process arena that
// caches snapshots by (conversation, tick).
package conversation

import (
	"fmt"
	"sort"

	"github.com/prism-engine/prism/internal/types"
)

// Cell is one observed vote in a sparse matrix row.
type Cell struct {
	Col int     // statement index
	Val float64 // polarity: -1, 0, or +1
}

// Snapshot is an immutable participant-by-statement vote matrix for a single
// conversation at a single tick. Updates never mutate a snapshot; they build
// a new one with tick+1. Concurrent readers therefore never need locks.
type Snapshot struct {
	conversationID string
	tick           int

	participantIDs []string
	statementIDs   []string

	participantIdx map[string]int
	statementIdx   map[string]int

	// rows[p] holds the observed votes of participant p, sorted by column.
	// Unseen (participant never voted on statement) is simply absent: it
	// contributes nothing and is excluded from per-participant counts.
	rows [][]Cell

	// voteCounts[p] is the number of observed votes for participant p,
	// passes included.
	voteCounts []int

	moderatedOut map[string]bool
}

// Build constructs a snapshot from normalized votes. Votes must already have
// passed through the ingress layer; Build trusts the polarity sign. When the
// same participant re-votes on a statement, the later vote (slice order)
// wins. Statements flagged in moderatedOut are dropped from the matrix.
func Build(conversationID string, tick int, votes []types.Vote, moderatedOut map[string]bool) (*Snapshot, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if tick < 1 {
		return nil, fmt.Errorf("tick must be >= 1 (got %d)", tick)
	}

	// Last vote per (participant, statement) wins.
	latest := make(map[[2]string]types.Polarity)
	participants := make(map[string]bool)
	statements := make(map[string]bool)
	for _, v := range votes {
		if moderatedOut[v.StatementID] {
			continue
		}
		latest[[2]string{v.ParticipantID, v.StatementID}] = v.Polarity
		participants[v.ParticipantID] = true
		statements[v.StatementID] = true
	}

	s := &Snapshot{
		conversationID: conversationID,
		tick:           tick,
		participantIDs: sortedKeys(participants),
		statementIDs:   sortedKeys(statements),
		moderatedOut:   copyFlags(moderatedOut),
	}
	s.participantIdx = indexOf(s.participantIDs)
	s.statementIdx = indexOf(s.statementIDs)

	s.rows = make([][]Cell, len(s.participantIDs))
	s.voteCounts = make([]int, len(s.participantIDs))
	for key, p := range latest {
		pi := s.participantIdx[key[0]]
		si := s.statementIdx[key[1]]
		s.rows[pi] = append(s.rows[pi], Cell{Col: si, Val: float64(p)})
	}
	for pi := range s.rows {
		sort.Slice(s.rows[pi], func(a, b int) bool { return s.rows[pi][a].Col < s.rows[pi][b].Col })
		s.voteCounts[pi] = len(s.rows[pi])
	}

	return s, nil
}

// Next builds the successor snapshot at tick+1 from the full (updated) vote
// set. The receiver is left untouched.
func (s *Snapshot) Next(votes []types.Vote, moderatedOut map[string]bool) (*Snapshot, error) {
	return Build(s.conversationID, s.tick+1, votes, moderatedOut)
}

// ConversationID returns the conversation this snapshot belongs to
func (s *Snapshot) ConversationID() string { return s.conversationID }

// Tick returns the snapshot's monotonically increasing version number
func (s *Snapshot) Tick() int { return s.tick }

// NumParticipants returns the number of participants with at least one vote
func (s *Snapshot) NumParticipants() int { return len(s.participantIDs) }

// NumStatements returns the number of unmoderated statements with votes
func (s *Snapshot) NumStatements() int { return len(s.statementIDs) }

// ParticipantIDs returns participant identifiers in matrix row order
func (s *Snapshot) ParticipantIDs() []string {
	out := make([]string, len(s.participantIDs))
	copy(out, s.participantIDs)
	return out
}

// StatementIDs returns statement identifiers in matrix column order
func (s *Snapshot) StatementIDs() []string {
	out := make([]string, len(s.statementIDs))
	copy(out, s.statementIDs)
	return out
}

// Row returns the observed votes of participant p, sorted by column. The
// returned slice is shared; callers must not modify it.
func (s *Snapshot) Row(p int) []Cell { return s.rows[p] }

// VoteCount returns the number of observed votes for participant p
func (s *Snapshot) VoteCount(p int) int { return s.voteCounts[p] }

// Polarity returns the vote of participant pid on statement sid and whether
// it was observed at all.
func (s *Snapshot) Polarity(pid, sid string) (types.Polarity, bool) {
	pi, ok := s.participantIdx[pid]
	if !ok {
		return types.Pass, false
	}
	si, ok := s.statementIdx[sid]
	if !ok {
		return types.Pass, false
	}
	for _, c := range s.rows[pi] {
		if c.Col == si {
			return types.Polarity(c.Val), true
		}
		if c.Col > si {
			break
		}
	}
	return types.Pass, false
}

// ColumnMeans returns the per-statement mean over observed votes only.
// Unseen entries are not imputed as neutral; they are simply absent.
func (s *Snapshot) ColumnMeans() []float64 {
	sums := make([]float64, len(s.statementIDs))
	counts := make([]int, len(s.statementIDs))
	for _, row := range s.rows {
		for _, c := range row {
			sums[c.Col] += c.Val
			counts[c.Col]++
		}
	}
	for j := range sums {
		if counts[j] > 0 {
			sums[j] /= float64(counts[j])
		}
	}
	return sums
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func indexOf(ids []string) map[string]int {
	m := make(map[string]int, len(ids))
	for i, id := range ids {
		m[id] = i
	}
	return m
}

func copyFlags(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
