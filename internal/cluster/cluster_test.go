package cluster

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prism-engine/prism/internal/projection"
)

// blobProjection fabricates a projection result with gaussian blobs centered
// at the given points.
func blobProjection(centers [][]float64, perBlob int, spread float64, seed int64) *projection.Result {
	rng := rand.New(rand.NewSource(seed))
	res := &projection.Result{
		ConversationID: "conv-1",
		Tick:           1,
		Coordinates:    make(map[string][]float64),
	}
	for b, c := range centers {
		for i := 0; i < perBlob; i++ {
			pid := fmt.Sprintf("p%d-%d", b, i)
			res.Coordinates[pid] = []float64{
				c[0] + rng.NormFloat64()*spread,
				c[1] + rng.NormFloat64()*spread,
			}
		}
	}
	return res
}

func TestComputeSelectsFourBlobs(t *testing.T) {
	centers := [][]float64{{-10, -10}, {-10, 10}, {10, -10}, {10, 10}}
	proj := blobProjection(centers, 12, 0.5, 99)

	out, err := Compute(proj, nil, Options{KMin: 2, KMax: 6, Seed: 7})
	require.NoError(t, err)
	assert.False(t, out.InsufficientData)

	// Four well-separated blobs: the winner must be k=4, or at minimum its
	// silhouette must beat the neighbors by a clear margin.
	if out.K != 4 {
		assert.Greater(t, out.Silhouettes[out.K], out.Silhouettes[3]+0.05)
		assert.Greater(t, out.Silhouettes[out.K], out.Silhouettes[5]+0.05)
	}
	for k := 2; k <= 6; k++ {
		_, ok := out.Silhouettes[k]
		assert.True(t, ok, "per-candidate silhouette for k=%d must be exposed", k)
	}
}

func TestComputeTwoBlobsSelectsTwo(t *testing.T) {
	proj := blobProjection([][]float64{{-5, 0}, {5, 0}}, 10, 0.3, 3)
	out, err := Compute(proj, nil, Options{Seed: 11})
	require.NoError(t, err)
	assert.Equal(t, 2, out.K)

	// All members of one blob end up in the same group.
	groupOf := make(map[string]int)
	for _, g := range out.Groups {
		for _, pid := range g.MemberIDs {
			groupOf[pid] = g.ID
		}
	}
	assert.Equal(t, groupOf["p0-0"], groupOf["p0-5"])
	assert.Equal(t, groupOf["p1-0"], groupOf["p1-5"])
	assert.NotEqual(t, groupOf["p0-0"], groupOf["p1-0"])
}

func TestComputeDeterministicGivenSeed(t *testing.T) {
	proj := blobProjection([][]float64{{-5, 0}, {5, 0}, {0, 8}}, 8, 0.4, 5)
	a, err := Compute(proj, nil, Options{Seed: 21})
	require.NoError(t, err)
	b, err := Compute(proj, nil, Options{Seed: 21})
	require.NoError(t, err)

	assert.Equal(t, a.K, b.K)
	require.Equal(t, len(a.Groups), len(b.Groups))
	for i := range a.Groups {
		assert.Equal(t, a.Groups[i].MemberIDs, b.Groups[i].MemberIDs)
	}
}

func TestComputeInsufficientParticipants(t *testing.T) {
	proj := &projection.Result{
		ConversationID: "conv-1",
		Tick:           1,
		Coordinates: map[string][]float64{
			"lonely": {0.5, -0.5},
		},
	}
	out, err := Compute(proj, nil, Options{KMin: 2, KMax: 5, Seed: 1})
	require.NoError(t, err)
	assert.True(t, out.InsufficientData)
	assert.Equal(t, 1, out.K)
	require.Len(t, out.Groups, 1)
	assert.Equal(t, []string{"lonely"}, out.Groups[0].MemberIDs)
}

func TestWeightsPullCentroids(t *testing.T) {
	// Two points in one natural cluster; the heavy one should dominate the
	// centroid position.
	proj := &projection.Result{
		ConversationID: "conv-1",
		Tick:           1,
		Coordinates: map[string][]float64{
			"heavy": {1, 0},
			"light": {3, 0},
			"far1":  {100, 0},
			"far2":  {101, 0},
		},
	}
	weights := map[string]float64{"heavy": 9, "light": 1, "far1": 1, "far2": 1}
	out, err := Compute(proj, weights, Options{KMin: 2, KMax: 2, Seed: 4})
	require.NoError(t, err)

	var near *Group
	for i := range out.Groups {
		for _, pid := range out.Groups[i].MemberIDs {
			if pid == "heavy" {
				near = &out.Groups[i]
			}
		}
	}
	require.NotNil(t, near)
	// Weighted mean of 1 (w=9) and 3 (w=1) is 1.2, far from the unweighted 2.
	assert.InDelta(t, 1.2, near.Centroid[0], 1e-9)
}

func TestEmptyClusterReseeded(t *testing.T) {
	// Degenerate data where duplicate init points can empty a cluster; the
	// clean-start policy must still return k non-empty groups when there is
	// enough spread to support them.
	proj := blobProjection([][]float64{{-5, 0}, {5, 0}, {0, 9}}, 6, 0.2, 13)
	out, err := Compute(proj, nil, Options{KMin: 3, KMax: 3, Seed: 2})
	require.NoError(t, err)
	require.Equal(t, 3, out.K)
	for _, g := range out.Groups {
		assert.NotEmpty(t, g.MemberIDs, "group %d is empty", g.ID)
		for _, c := range g.Centroid {
			assert.False(t, math.IsNaN(c))
		}
	}
}
