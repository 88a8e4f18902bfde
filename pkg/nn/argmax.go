package nn

import "github.com/chewxy/math32"

// Argmax returns the index of the largest score.
// Ties go to the lowest index. NaN scores are never chosen.
// Returns -1 if scores is empty, or contains only NaN.
func Argmax(scores []float32) int {
	best := -1
	bestScore := math32.Inf(-1)
	for i, s := range scores {
		if math32.IsNaN(s) {
			continue
		}
		if best == -1 || s > bestScore {
			best = i
			bestScore = s
		}
	}
	return best
}
