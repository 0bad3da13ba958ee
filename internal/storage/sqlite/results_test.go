package sqlite

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/prism-engine/prism/internal/cluster"
	"github.com/prism-engine/prism/internal/projection"
	"github.com/prism-engine/prism/internal/repness"
	"github.com/prism-engine/prism/internal/types"
)

func TestProjectionRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	res := &projection.Result{
		ConversationID: "conv-1",
		Tick:           1,
		Components:     [][]float64{{0.8, -0.6}, {0.6, 0.8}},
		Eigenvalues:    []float64{3.2, 1.1},
		Converged:      []bool{true, false},
		Coordinates: map[string][]float64{
			"p1": {1.5, -0.2},
			"p2": {-1.5, 0.2},
		},
		Warnings: []string{"component 1 did not converge"},
	}
	if err := db.PublishProjection(ctx, res); err != nil {
		t.Fatalf("PublishProjection failed: %v", err)
	}

	got, err := db.GetProjection(ctx, "conv-1", 1)
	if err != nil {
		t.Fatalf("GetProjection failed: %v", err)
	}
	if len(got.Components) != 2 || len(got.Coordinates) != 2 {
		t.Fatalf("shape mismatch: %d components, %d coordinates", len(got.Components), len(got.Coordinates))
	}
	if math.Abs(got.Components[0][1]-(-0.6)) > 1e-12 {
		t.Errorf("component values not preserved: %v", got.Components[0])
	}
	if got.Eigenvalues[0] != 3.2 || !got.Converged[0] || got.Converged[1] {
		t.Errorf("per-component metadata not preserved: %v %v", got.Eigenvalues, got.Converged)
	}
	if math.Abs(got.Coordinates["p2"][0]-(-1.5)) > 1e-12 {
		t.Errorf("coordinates not preserved: %v", got.Coordinates["p2"])
	}
	if len(got.Warnings) != 1 {
		t.Errorf("warnings not preserved: %v", got.Warnings)
	}
}

func TestProjectionRepublishSupersedes(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first := &projection.Result{
		ConversationID: "conv-1",
		Tick:           1,
		Components:     [][]float64{{1, 0}},
		Eigenvalues:    []float64{2.0},
		Converged:      []bool{true},
		Coordinates:    map[string][]float64{"p1": {0.5}},
	}
	if err := db.PublishProjection(ctx, first); err != nil {
		t.Fatalf("PublishProjection failed: %v", err)
	}

	second := &projection.Result{
		ConversationID: "conv-1",
		Tick:           1,
		Components:     [][]float64{{0, 1}},
		Eigenvalues:    []float64{5.0},
		Converged:      []bool{true},
		Coordinates:    map[string][]float64{"p1": {0.9}, "p2": {-0.9}},
	}
	if err := db.PublishProjection(ctx, second); err != nil {
		t.Fatalf("republish failed: %v", err)
	}

	got, err := db.GetProjection(ctx, "conv-1", 1)
	if err != nil {
		t.Fatalf("GetProjection failed: %v", err)
	}
	if got.Eigenvalues[0] != 5.0 || len(got.Coordinates) != 2 {
		t.Errorf("republish did not supersede prior rows: %v", got)
	}
}

func TestProjectionPerTickIsolation(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for tick := 1; tick <= 2; tick++ {
		res := &projection.Result{
			ConversationID: "conv-1",
			Tick:           tick,
			Components:     [][]float64{{1, 0}},
			Eigenvalues:    []float64{float64(tick)},
			Converged:      []bool{true},
			Coordinates:    map[string][]float64{"p1": {float64(tick)}},
		}
		if err := db.PublishProjection(ctx, res); err != nil {
			t.Fatalf("PublishProjection tick %d failed: %v", tick, err)
		}
	}

	got, err := db.GetProjection(ctx, "conv-1", 1)
	if err != nil {
		t.Fatalf("GetProjection failed: %v", err)
	}
	if got.Eigenvalues[0] != 1.0 {
		t.Errorf("tick 1 result changed by tick 2 publish: %v", got.Eigenvalues)
	}
}

func TestGetProjectionNotFound(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.GetProjection(context.Background(), "conv-1", 7)
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClustersRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	a := &cluster.Assignment{
		ConversationID: "conv-1",
		Tick:           1,
		K:              2,
		Groups: []cluster.Group{
			{ID: 0, Centroid: []float64{1.0, 1.0}, MemberIDs: []string{"p1", "p2"}},
			{ID: 1, Centroid: []float64{-1.0, -1.0}, MemberIDs: []string{"p3"}},
		},
		Silhouettes: map[int]float64{2: 0.71, 3: 0.40},
	}
	if err := db.PublishClusters(ctx, a); err != nil {
		t.Fatalf("PublishClusters failed: %v", err)
	}

	got, err := db.GetClusters(ctx, "conv-1", 1)
	if err != nil {
		t.Fatalf("GetClusters failed: %v", err)
	}
	if got.K != 2 || len(got.Groups) != 2 {
		t.Fatalf("assignment shape mismatch: k=%d groups=%d", got.K, len(got.Groups))
	}
	if got.Groups[1].MemberIDs[0] != "p3" {
		t.Errorf("membership not preserved: %v", got.Groups[1].MemberIDs)
	}
	if math.Abs(got.Silhouettes[2]-0.71) > 1e-12 {
		t.Errorf("silhouettes not preserved: %v", got.Silhouettes)
	}
}

func TestRepnessRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	res := &repness.Result{
		ConversationID: "conv-1",
		Tick:           1,
		MinVotes:       1,
		ByGroup: map[int][]repness.Entry{
			0: {
				{
					ConversationID: "conv-1", Tick: 1, GroupID: 0,
					StatementID: "s1", Direction: types.Agree, Rank: 1,
					Score: 4.2, AgreeProb: 0.9, DisagreeProb: 0.1,
					ZOne: 2.1, ZTwo: 1.8, Repness: 3.0,
					GroupVotes: 10, GroupAgrees: 9, GroupDisagrees: 1, RestVotes: 12,
				},
				{
					ConversationID: "conv-1", Tick: 1, GroupID: 0,
					StatementID: "s2", Direction: types.Disagree, Rank: 2,
					Score: 1.3, AgreeProb: 0.2, DisagreeProb: 0.8,
					ZOne: -1.5, ZTwo: 1.1, Repness: 1.2,
					GroupVotes: 10, GroupAgrees: 2, GroupDisagrees: 8, RestVotes: 12,
				},
			},
		},
	}
	if err := db.PublishRepness(ctx, res); err != nil {
		t.Fatalf("PublishRepness failed: %v", err)
	}

	got, err := db.GetRepness(ctx, "conv-1", 1)
	if err != nil {
		t.Fatalf("GetRepness failed: %v", err)
	}
	entries := got.ByGroup[0]
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].StatementID != "s1" || entries[1].StatementID != "s2" {
		t.Errorf("entries not ordered by rank: %v %v", entries[0].StatementID, entries[1].StatementID)
	}
	if entries[1].Direction != types.Disagree {
		t.Errorf("direction not preserved: %v", entries[1].Direction)
	}
	if entries[0].GroupAgrees != 9 || got.MinVotes != 1 {
		t.Errorf("tallies not preserved: %+v", entries[0])
	}
}

func TestReportsUpsert(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if err := db.SaveReport(ctx, "conv-1", 1, 0, "draft"); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}
	if err := db.SaveReport(ctx, "conv-1", 1, 0, "final"); err != nil {
		t.Fatalf("SaveReport upsert failed: %v", err)
	}
	if err := db.SaveReport(ctx, "conv-1", 1, 1, "group one"); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}

	reports, err := db.GetReports(ctx, "conv-1", 1)
	if err != nil {
		t.Fatalf("GetReports failed: %v", err)
	}
	if reports[0] != "final" || reports[1] != "group one" {
		t.Errorf("reports = %v", reports)
	}
}
