// Package cluster partitions projected participants into opinion groups
// using weighted k-means with automatic group-count selection by silhouette
// score.
package cluster

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/prism-engine/prism/internal/projection"
)

// Default parameters
const (
	DefaultKMin          = 2
	DefaultKMax          = 5
	DefaultMaxIterations = 64
)

// Options configures a clustering run
type Options struct {
	KMin          int
	KMax          int
	MaxIterations int
	Seed          int64
}

func (o Options) withDefaults() Options {
	if o.KMin <= 0 {
		o.KMin = DefaultKMin
	}
	if o.KMax < o.KMin {
		o.KMax = DefaultKMax
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	return o
}

// Group is one opinion group in an assignment
type Group struct {
	ID        int       `json:"id"`
	Centroid  []float64 `json:"centroid"`
	MemberIDs []string  `json:"member_ids"`
}

// Assignment is the active cluster assignment for one (conversation, tick).
// A new assignment supersedes the previous tick's assignment outright; the
// two are never merged.
type Assignment struct {
	ConversationID   string          `json:"conversation_id"`
	Tick             int             `json:"tick"`
	K                int             `json:"k"`
	Groups           []Group         `json:"groups"`
	Silhouettes      map[int]float64 `json:"silhouettes"` // per candidate k, for diagnostics
	InsufficientData bool            `json:"insufficient_data"`
}

// Compute clusters the projected participants. weights maps participant id
// to its clustering weight (vote count); high-activity participants pull
// centroids harder. A nil weights map means uniform weights. With fewer
// participants than KMin the result is a single group covering everyone,
// flagged InsufficientData rather than failed.
func Compute(proj *projection.Result, weights map[string]float64, opts Options) (*Assignment, error) {
	if proj == nil {
		return nil, fmt.Errorf("projection result is required")
	}
	opts = opts.withDefaults()

	// Stable participant order makes the run deterministic for a fixed seed.
	pids := make([]string, 0, len(proj.Coordinates))
	for pid := range proj.Coordinates {
		pids = append(pids, pid)
	}
	sort.Strings(pids)

	points := make([][]float64, len(pids))
	w := make([]float64, len(pids))
	for i, pid := range pids {
		points[i] = proj.Coordinates[pid]
		w[i] = 1
		if weights != nil {
			if wt, ok := weights[pid]; ok && wt > 0 {
				w[i] = wt
			}
		}
	}

	out := &Assignment{
		ConversationID: proj.ConversationID,
		Tick:           proj.Tick,
		Silhouettes:    make(map[int]float64),
	}

	if len(points) < opts.KMin {
		out.InsufficientData = true
		out.K = 1
		out.Groups = []Group{singleGroup(pids, points, w)}
		return out, nil
	}

	kMax := opts.KMax
	if kMax > len(points) {
		kMax = len(points)
	}

	// Candidate runs are independent (each k gets its own derived seed), so
	// they evaluate in parallel. Selection stays sequential below to keep
	// the tiebreak deterministic.
	type candidate struct {
		assign    []int
		centroids [][]float64
		score     float64
	}
	candidates := make([]candidate, kMax+1)

	var g errgroup.Group
	for k := opts.KMin; k <= kMax; k++ {
		k := k
		g.Go(func() error {
			assign, centroids := kmeans(points, w, k, opts.MaxIterations, opts.Seed+int64(k))
			candidates[k] = candidate{
				assign:    assign,
				centroids: centroids,
				score:     meanSilhouette(points, assign, k),
			}
			return nil
		})
	}
	_ = g.Wait()

	bestK := 0
	bestScore := math.Inf(-1)
	for k := opts.KMin; k <= kMax; k++ {
		out.Silhouettes[k] = candidates[k].score
		// Strictly-greater comparison walking k upward breaks ties toward
		// the smaller k.
		if candidates[k].score > bestScore {
			bestScore = candidates[k].score
			bestK = k
		}
	}

	out.K = bestK
	out.Groups = buildGroups(pids, candidates[bestK].assign, candidates[bestK].centroids, bestK)
	return out, nil
}

func singleGroup(pids []string, points [][]float64, w []float64) Group {
	dim := 0
	if len(points) > 0 {
		dim = len(points[0])
	}
	centroid := make([]float64, dim)
	var total float64
	for i, p := range points {
		for j, x := range p {
			centroid[j] += x * w[i]
		}
		total += w[i]
	}
	if total > 0 {
		for j := range centroid {
			centroid[j] /= total
		}
	}
	members := make([]string, len(pids))
	copy(members, pids)
	return Group{ID: 0, Centroid: centroid, MemberIDs: members}
}

func buildGroups(pids []string, assign []int, centroids [][]float64, k int) []Group {
	groups := make([]Group, k)
	for g := 0; g < k; g++ {
		groups[g] = Group{ID: g, Centroid: centroids[g]}
	}
	for i, g := range assign {
		groups[g].MemberIDs = append(groups[g].MemberIDs, pids[i])
	}
	return groups
}

// kmeans runs weighted Lloyd iterations with a clean-start policy: a cluster
// that empties mid-iteration is reseeded from the point farthest from its
// nearest surviving centroid rather than discarded.
func kmeans(points [][]float64, w []float64, k, maxIter int, seed int64) ([]int, [][]float64) {
	rng := rand.New(rand.NewSource(seed))
	n := len(points)
	dim := len(points[0])

	// Initialize from k distinct points.
	perm := rng.Perm(n)
	centroids := make([][]float64, k)
	for g := 0; g < k; g++ {
		centroids[g] = append([]float64(nil), points[perm[g]]...)
	}

	assign := make([]int, n)
	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, p := range points {
			g := nearest(p, centroids)
			if assign[i] != g || iter == 0 {
				if assign[i] != g {
					changed = true
				}
				assign[i] = g
			}
		}
		if iter > 0 && !changed {
			break
		}

		// Recompute weighted centroids.
		sums := make([][]float64, k)
		totals := make([]float64, k)
		for g := range sums {
			sums[g] = make([]float64, dim)
		}
		for i, p := range points {
			g := assign[i]
			for j, x := range p {
				sums[g][j] += x * w[i]
			}
			totals[g] += w[i]
		}
		for g := 0; g < k; g++ {
			if totals[g] == 0 {
				// Empty cluster: reseed from the point farthest from its
				// nearest surviving centroid.
				centroids[g] = append([]float64(nil), points[farthestPoint(points, centroids, totals)]...)
				changed = true
				continue
			}
			for j := range centroids[g] {
				centroids[g][j] = sums[g][j] / totals[g]
			}
		}
	}
	return assign, centroids
}

func nearest(p []float64, centroids [][]float64) int {
	best, bestDist := 0, math.Inf(1)
	for g, c := range centroids {
		if d := sqDist(p, c); d < bestDist {
			best, bestDist = g, d
		}
	}
	return best
}

// farthestPoint returns the index of the point with the greatest distance to
// its nearest surviving (non-empty) centroid.
func farthestPoint(points [][]float64, centroids [][]float64, totals []float64) int {
	bestIdx, bestDist := 0, -1.0
	for i, p := range points {
		near := math.Inf(1)
		for g, c := range centroids {
			if totals[g] == 0 {
				continue
			}
			if d := sqDist(p, c); d < near {
				near = d
			}
		}
		if near > bestDist && !math.IsInf(near, 1) {
			bestDist = near
			bestIdx = i
		}
	}
	return bestIdx
}

// meanSilhouette is the plain mean silhouette coefficient over all points.
// Points in singleton clusters score zero by convention.
func meanSilhouette(points [][]float64, assign []int, k int) float64 {
	n := len(points)
	sizes := make([]int, k)
	for _, g := range assign {
		sizes[g]++
	}

	var total float64
	for i, p := range points {
		own := assign[i]
		if sizes[own] <= 1 {
			continue // contributes 0
		}

		// a: mean distance to other points in own cluster.
		// b: smallest mean distance to any other cluster.
		sumOwn := 0.0
		other := make([]float64, k)
		for j, q := range points {
			if i == j {
				continue
			}
			d := math.Sqrt(sqDist(p, q))
			if assign[j] == own {
				sumOwn += d
			} else {
				other[assign[j]] += d
			}
		}
		a := sumOwn / float64(sizes[own]-1)
		b := math.Inf(1)
		for g := 0; g < k; g++ {
			if g == own || sizes[g] == 0 {
				continue
			}
			if mean := other[g] / float64(sizes[g]); mean < b {
				b = mean
			}
		}
		if math.IsInf(b, 1) {
			continue
		}
		if max := math.Max(a, b); max > 0 {
			total += (b - a) / max
		}
	}
	return total / float64(n)
}

func sqDist(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}
