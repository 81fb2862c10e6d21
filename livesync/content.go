package livesync

import (
	"math"
	"time"
)

// ContentState is the structured payload the widget renders. The widget uses
// StepsPerMinute to interpolate smoothly between the discrete pushes the
// network actually delivers.
type ContentState struct {
	Count          int64     `json:"count"`
	Goal           int64     `json:"goal"`
	Percentage     int       `json:"percentage"`
	GoalReached    bool      `json:"goalReached"`
	StepsPerMinute float64   `json:"stepsPerMinute"`
	SentAt         time.Time `json:"sentAt"`
}

func newContentState(count, goal int64, rate float64, sentAt time.Time) ContentState {
	return ContentState{
		Count:          count,
		Goal:           goal,
		Percentage:     percentage(count, goal),
		GoalReached:    count >= goal,
		StepsPerMinute: rate,
		SentAt:         sentAt,
	}
}

// percentage is progress toward the goal, clamped to [0, 100]. A goal of zero
// has no meaningful progress.
func percentage(count, goal int64) int {
	if goal <= 0 {
		return 0
	}
	frac := float64(count) / float64(goal)
	if frac > 1 {
		frac = 1
	}
	if frac < 0 {
		frac = 0
	}
	return int(math.Round(frac * 100))
}

// pushRate is the steps-per-minute slope between the last pushed value and
// the current counter. A negative slope carries no rate signal: the counter
// cannot meaningfully decrease, so it reports as zero rather than a slowdown.
func pushRate(current, lastPushed int64, elapsed time.Duration, rateCap float64) float64 {
	if elapsed <= 0 {
		return 0
	}
	rate := float64(current-lastPushed) / elapsed.Minutes()
	if rate < 0 {
		return 0
	}
	if rate > rateCap {
		return rateCap
	}
	return rate
}
