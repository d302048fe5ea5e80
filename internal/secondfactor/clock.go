package secondfactor

import "time"

// StepSeconds is the TOTP time-step duration.
const StepSeconds = 30

// DefaultSkew is the number of steps checked on either side of the
// current one to tolerate clock drift.
const DefaultSkew = 1

// StepOf maps a timestamp to its time-step counter: floor division of
// Unix seconds by the step duration.
func StepOf(t time.Time) int64 {
	sec := t.Unix()
	if sec < 0 {
		sec = 0
	}
	return sec / StepSeconds
}

// CandidateSteps returns the 2*skew+1 steps centered on StepOf(t), in
// ascending order, clamped at zero.
func CandidateSteps(t time.Time, skew int) []int64 {
	center := StepOf(t)
	steps := make([]int64, 0, 2*skew+1)
	for i := -skew; i <= skew; i++ {
		s := center + int64(i)
		if s < 0 {
			continue
		}
		steps = append(steps, s)
	}
	return steps
}
