// Package projection computes a low-dimensional principal-component
// projection of a conversation's participant-by-statement vote matrix.
//
// Components are estimated by sequential power iteration against the sparse,
// mean-centered matrix. The covariance matrix is never materialized: each
// iteration computes AᵀAv directly from the sparse rows, which keeps one
// pass at O(votes) instead of O(statements²). Missing votes contribute
// nothing to the product and are excluded from per-participant
// normalization; they are not imputed as neutral opinion.
package projection

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/prism-engine/prism/internal/conversation"
)

// Default parameters
const (
	DefaultComponents    = 2
	DefaultMaxIterations = 100
	DefaultTolerance     = 1e-6
)

// Options configures a projection run
type Options struct {
	NComponents   int
	MaxIterations int
	Tolerance     float64
	Seed          int64 // start-vector seed; fixed seed makes runs deterministic
}

// withDefaults fills in zero-valued options
func (o Options) withDefaults() Options {
	if o.NComponents <= 0 {
		o.NComponents = DefaultComponents
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}
	return o
}

// Result is the derived projection for one (conversation, tick). It is
// immutable once returned, like the snapshot it was computed from.
type Result struct {
	ConversationID string               `json:"conversation_id"`
	Tick           int                  `json:"tick"`
	Components     [][]float64          `json:"components"`         // unit vectors over statement space, variance-descending
	Eigenvalues    []float64            `json:"eigenvalues"`        // explained-variance estimates, same order
	Coordinates    map[string][]float64 `json:"coordinates"`        // participant id → low-dim point
	Converged      []bool               `json:"converged"`          // per component
	InsufficientData bool               `json:"insufficient_data"`  // too few participants/statements for a meaningful projection
	Warnings       []string             `json:"warnings,omitempty"` // non-convergence notes; never a failure
}

// Compute projects the snapshot's participants onto the top principal
// components. Non-convergence is reported in Warnings with the last iterate
// still returned. Too little data yields a degraded result with
// InsufficientData set, not an error.
func Compute(snap *conversation.Snapshot, opts Options) (*Result, error) {
	if snap == nil {
		return nil, fmt.Errorf("snapshot is required")
	}
	opts = opts.withDefaults()

	n := snap.NumParticipants()
	m := snap.NumStatements()

	res := &Result{
		ConversationID: snap.ConversationID(),
		Tick:           snap.Tick(),
		Coordinates:    make(map[string][]float64, n),
	}

	if n < 2 || m < 2 {
		res.InsufficientData = true
		for _, pid := range snap.ParticipantIDs() {
			res.Coordinates[pid] = make([]float64, opts.NComponents)
		}
		return res, nil
	}

	nComp := opts.NComponents
	if nComp > m {
		nComp = m
	}

	means := snap.ColumnMeans()
	components := make([][]float64, 0, nComp)
	eigenvalues := make([]float64, 0, nComp)
	converged := make([]bool, 0, nComp)

	for c := 0; c < nComp; c++ {
		rng := rand.New(rand.NewSource(opts.Seed + int64(c)))
		v := randomUnit(rng, m)
		orthogonalize(v, components)
		if normalize(v) == 0 {
			// Statement space exhausted; no more variance to extract.
			break
		}

		var lambda float64
		ok := false
		for iter := 0; iter < opts.MaxIterations; iter++ {
			w := matTMatVec(snap, means, v)
			// Deflate by previously found components each iteration so
			// rounding never lets them leak back in.
			orthogonalize(w, components)
			lambda = normalize(w)
			if lambda == 0 {
				ok = true
				break
			}
			// Angular change between iterates; eigenvectors of AᵀA have
			// non-negative eigenvalues, so no sign flipping occurs here.
			delta := 1 - math.Abs(dot(w, v))
			v = w
			if delta < opts.Tolerance {
				ok = true
				break
			}
		}

		fixSign(v)
		components = append(components, v)
		eigenvalues = append(eigenvalues, lambda)
		converged = append(converged, ok)
		if !ok {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("component %d did not converge after %d iterations; returning last iterate", c, opts.MaxIterations))
		}
	}

	// Descending explained variance. Sequential deflation already tends to
	// produce this order; the sort is the contract.
	order := make([]int, len(components))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return eigenvalues[order[a]] > eigenvalues[order[b]] })

	res.Components = make([][]float64, len(components))
	res.Eigenvalues = make([]float64, len(components))
	res.Converged = make([]bool, len(components))
	for i, idx := range order {
		res.Components[i] = components[idx]
		res.Eigenvalues[i] = eigenvalues[idx]
		res.Converged[i] = converged[idx]
	}

	// Project each participant: dot of the sparsity-normalized centered row
	// with each component. The sqrt(m/votes) scale keeps low-activity
	// participants from collapsing toward the origin purely for having
	// voted less.
	pids := snap.ParticipantIDs()
	for p, pid := range pids {
		coords := make([]float64, len(res.Components))
		count := snap.VoteCount(p)
		if count > 0 {
			scale := math.Sqrt(float64(m) / float64(count))
			for k, comp := range res.Components {
				var sum float64
				for _, cell := range snap.Row(p) {
					sum += (cell.Val - means[cell.Col]) * comp[cell.Col]
				}
				coords[k] = sum * scale
			}
		}
		res.Coordinates[pid] = coords
	}

	return res, nil
}

// matTMatVec computes Aᵀ(Av) with implicit mean-centering, touching only
// observed entries.
func matTMatVec(snap *conversation.Snapshot, means, v []float64) []float64 {
	m := len(v)
	out := make([]float64, m)
	n := snap.NumParticipants()
	for p := 0; p < n; p++ {
		row := snap.Row(p)
		var s float64
		for _, cell := range row {
			s += (cell.Val - means[cell.Col]) * v[cell.Col]
		}
		if s == 0 {
			continue
		}
		for _, cell := range row {
			out[cell.Col] += (cell.Val - means[cell.Col]) * s
		}
	}
	return out
}

func randomUnit(rng *rand.Rand, dim int) []float64 {
	v := make([]float64, dim)
	for i := range v {
		v[i] = rng.NormFloat64()
	}
	normalize(v)
	return v
}

// orthogonalize removes the projections of v onto each basis vector in place
func orthogonalize(v []float64, basis [][]float64) {
	for _, b := range basis {
		d := dot(v, b)
		for i := range v {
			v[i] -= d * b[i]
		}
	}
}

// normalize scales v to unit length in place and returns the original norm
func normalize(v []float64) float64 {
	var ss float64
	for _, x := range v {
		ss += x * x
	}
	norm := math.Sqrt(ss)
	if norm == 0 {
		return 0
	}
	for i := range v {
		v[i] /= norm
	}
	return norm
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// fixSign flips v so its largest-magnitude entry is positive. Eigenvectors
// are sign-ambiguous; pinning the sign keeps output stable across runs.
func fixSign(v []float64) {
	maxAbs, maxIdx := 0.0, 0
	for i, x := range v {
		if a := math.Abs(x); a > maxAbs {
			maxAbs, maxIdx = a, i
		}
	}
	if v[maxIdx] < 0 {
		for i := range v {
			v[i] = -v[i]
		}
	}
}
