// Package adapt picks the jitter buffer depth from the playback quality
// observed over the last measurement interval.
package adapt

// Ladder is the ordered list of depth steps in 10 ms frames.
var Ladder = []int{1, 2, 3, 4, 6, 8}

// DefaultDepth is the starting depth for a new output.
const DefaultDepth = 3

// MinSamples is the number of played frames an interval needs before its
// loss rate is trusted.
const MinSamples = 200

// NextDepth returns the depth to use given the current one and the share of
// frames that had to be concealed.
//
//   - Step UP one rung when more than 5% of frames were concealed.
//   - Step DOWN one rung when fewer than 1% were, to cut latency.
//   - Otherwise HOLD. Intervals with fewer than MinSamples frames also hold.
//
// The result is always in Ladder.
func NextDepth(current, played, concealed int) int {
	idx := stepIndex(current)
	if played < MinSamples {
		return Ladder[idx]
	}
	loss := float64(concealed) / float64(played)
	switch {
	case loss > 0.05 && idx < len(Ladder)-1:
		return Ladder[idx+1]
	case loss < 0.01 && idx > 0:
		return Ladder[idx-1]
	default:
		return Ladder[idx]
	}
}

// stepIndex returns the index of the Ladder rung closest to depth.
func stepIndex(depth int) int {
	best, bestDist := 0, iabs(depth-Ladder[0])
	for i, step := range Ladder {
		if d := iabs(depth - step); d < bestDist {
			bestDist, best = d, i
		}
	}
	return best
}

func iabs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
