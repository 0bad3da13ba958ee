// Package repness ranks statements by how distinctively each opinion group
// agrees or disagrees with them relative to the rest of the population.
package repness

import (
	"fmt"
	"math"
	"sort"

	"github.com/prism-engine/prism/internal/cluster"
	"github.com/prism-engine/prism/internal/conversation"
	"github.com/prism-engine/prism/internal/types"
)

// DefaultMinVotes is the minimum in-group vote count for a statement to be
// scored at all. Below it the statement is excluded from that group's
// ranking, not scored as zero.
const DefaultMinVotes = 1

// Options configures a representativeness run
type Options struct {
	MinVotes int
}

func (o Options) withDefaults() Options {
	if o.MinVotes <= 0 {
		o.MinVotes = DefaultMinVotes
	}
	return o
}

// Entry is the representativeness record for one (group, statement) pair.
// Every score component is exposed so the ranking policy can be audited
// independently of the computation.
type Entry struct {
	ConversationID string         `json:"conversation_id"`
	Tick           int            `json:"tick"`
	GroupID        int            `json:"group_id"`
	StatementID    string         `json:"statement_id"`
	Direction      types.Polarity `json:"direction"` // agree or disagree: the group's distinctive position

	GroupVotes     int `json:"group_votes"`
	GroupAgrees    int `json:"group_agrees"`
	GroupDisagrees int `json:"group_disagrees"`
	RestVotes      int `json:"rest_votes"`

	AgreeProb    float64 `json:"agree_prob"`    // smoothed in-group agreement proportion
	DisagreeProb float64 `json:"disagree_prob"` // smoothed in-group disagreement proportion
	ZOne         float64 `json:"z_one"`         // one-proportion test vs neutral, winning direction
	ZTwo         float64 `json:"z_two"`         // two-proportion test vs rest of population, winning direction
	Repness      float64 `json:"repness"`       // in-group/out-group proportion ratio, winning direction
	Score        float64 `json:"score"`         // composite ranking score
	Rank         int     `json:"rank"`          // 1-based rank within the group
}

// Result holds ranked representativeness entries per group for one tick
type Result struct {
	ConversationID string          `json:"conversation_id"`
	Tick           int             `json:"tick"`
	MinVotes       int             `json:"min_votes"`
	ByGroup        map[int][]Entry `json:"by_group"` // ranked, best first
}

type tally struct {
	agrees    int
	disagrees int
	votes     int // observed votes including passes
}

// Compute scores every (group, statement) pair with at least MinVotes
// in-group votes and ranks statements within each group.
//
// The composite score is smoothed-probability × in/out ratio × (1 + positive
// part of the two-proportion z): proportion magnitude carries the base,
// distinctiveness from the rest of the population scales it, and the +1
// keeps statements the whole room agrees on from collapsing to zero.
func Compute(snap *conversation.Snapshot, assign *cluster.Assignment, opts Options) (*Result, error) {
	if snap == nil {
		return nil, fmt.Errorf("snapshot is required")
	}
	if assign == nil {
		return nil, fmt.Errorf("cluster assignment is required")
	}
	if assign.Tick != snap.Tick() {
		return nil, fmt.Errorf("tick mismatch: snapshot %d vs assignment %d", snap.Tick(), assign.Tick)
	}
	opts = opts.withDefaults()

	res := &Result{
		ConversationID: snap.ConversationID(),
		Tick:           snap.Tick(),
		MinVotes:       opts.MinVotes,
		ByGroup:        make(map[int][]Entry),
	}

	statementIDs := snap.StatementIDs()

	// Population tallies per statement, computed once.
	popTally := make(map[string]tally, len(statementIDs))
	for _, sid := range statementIDs {
		popTally[sid] = tallyFor(snap, snap.ParticipantIDs(), sid)
	}

	for _, group := range assign.Groups {
		var entries []Entry
		for _, sid := range statementIDs {
			in := tallyFor(snap, group.MemberIDs, sid)
			if in.votes < opts.MinVotes {
				continue
			}
			pop := popTally[sid]
			out := tally{
				agrees:    pop.agrees - in.agrees,
				disagrees: pop.disagrees - in.disagrees,
				votes:     pop.votes - in.votes,
			}

			e := Entry{
				ConversationID: res.ConversationID,
				Tick:           res.Tick,
				GroupID:        group.ID,
				StatementID:    sid,
				GroupVotes:     in.votes,
				GroupAgrees:    in.agrees,
				GroupDisagrees: in.disagrees,
				RestVotes:      out.votes,
				AgreeProb:      SmoothedProportion(in.agrees, in.votes),
				DisagreeProb:   SmoothedProportion(in.disagrees, in.votes),
			}

			agreeScore, zA1, zA2, repA := directionScore(in.agrees, in.votes, out.agrees, out.votes)
			disScore, zD1, zD2, repD := directionScore(in.disagrees, in.votes, out.disagrees, out.votes)

			if agreeScore >= disScore {
				e.Direction = types.Agree
				e.Score, e.ZOne, e.ZTwo, e.Repness = agreeScore, zA1, zA2, repA
			} else {
				e.Direction = types.Disagree
				e.Score, e.ZOne, e.ZTwo, e.Repness = disScore, zD1, zD2, repD
			}
			entries = append(entries, e)
		}

		// Ties favor the agreement direction so a group's distinctive
		// agreement surfaces before its mirror-image disagreement; only
		// then does statement id break what remains.
		sort.SliceStable(entries, func(a, b int) bool {
			if entries[a].Score != entries[b].Score {
				return entries[a].Score > entries[b].Score
			}
			if entries[a].Direction != entries[b].Direction {
				return entries[a].Direction == types.Agree
			}
			return entries[a].StatementID < entries[b].StatementID
		})
		for i := range entries {
			entries[i].Rank = i + 1
		}
		res.ByGroup[group.ID] = entries
	}

	return res, nil
}

// directionScore computes the composite score and its components for one
// position (agree or disagree).
func directionScore(inSucc, inVotes, outSucc, outVotes int) (score, zOne, zTwo, repness float64) {
	pIn := SmoothedProportion(inSucc, inVotes)
	pOut := SmoothedProportion(outSucc, outVotes)
	zOne = OneProportionZ(inSucc, inVotes)
	zTwo = TwoProportionZ(inSucc, inVotes, outSucc, outVotes)
	repness = pIn / pOut
	score = pIn * repness * (1 + math.Max(zTwo, 0))
	return score, zOne, zTwo, repness
}

func tallyFor(snap *conversation.Snapshot, memberIDs []string, sid string) tally {
	var t tally
	for _, pid := range memberIDs {
		p, ok := snap.Polarity(pid, sid)
		if !ok {
			continue
		}
		t.votes++
		switch p {
		case types.Agree:
			t.agrees++
		case types.Disagree:
			t.disagrees++
		}
	}
	return t
}
