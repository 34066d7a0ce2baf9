package model

// MaxScore is the upper bound of every risk, suspicion and health score.
const MaxScore = 100

// ClampScore limits v to [0, MaxScore].
func ClampScore(v int) int {
	switch {
	case v < 0:
		return 0
	case v > MaxScore:
		return MaxScore
	default:
		return v
	}
}
