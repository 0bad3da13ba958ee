package repness

import "math"

// SmoothedProportion returns the Bayesian-smoothed proportion
// (successes+1)/(trials+2). The pseudo-counts keep sparse statements away
// from 0/1 extremes and avoid zero divisions.
func SmoothedProportion(successes, trials int) float64 {
	return float64(successes+1) / float64(trials+2)
}

// OneProportionZ tests a smoothed proportion against the neutral 0.5
// baseline. Positive z means more of the group holds the tested position
// than chance would suggest.
func OneProportionZ(successes, trials int) float64 {
	if trials == 0 {
		return 0
	}
	p := SmoothedProportion(successes, trials)
	return (p - 0.5) / math.Sqrt(0.25/float64(trials))
}

// TwoProportionZ compares the in-group proportion against the rest of the
// population using a pooled estimate, with the same +1/+2 smoothing on both
// sides.
func TwoProportionZ(inSucc, inTrials, outSucc, outTrials int) float64 {
	n1 := float64(inTrials + 2)
	n2 := float64(outTrials + 2)
	p1 := SmoothedProportion(inSucc, inTrials)
	p2 := SmoothedProportion(outSucc, outTrials)
	pooled := float64(inSucc+outSucc+2) / (n1 + n2)
	denom := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if denom == 0 {
		return 0
	}
	return (p1 - p2) / denom
}
