package audio

import (
	"fmt"
	"math"
	"time"
)

// CrossfadePoint is one step of a gain ramp between two configurations.
type CrossfadePoint struct {
	Offset   time.Duration `json:"offset"`
	FromGain float64       `json:"fromGain"`
	ToGain   float64       `json:"toGain"`
}

// CrossfadePlan describes how playback switches from one configuration to
// another without an audible gap.
type CrossfadePlan struct {
	From     QualityLevel     `json:"from"`
	To       QualityLevel     `json:"to"`
	Duration time.Duration    `json:"duration"`
	Points   []CrossfadePoint `json:"points"`
}

// Crossfade defaults
const (
	DefaultCrossfadeDuration = 150 * time.Millisecond
	DefaultCrossfadeSteps    = 16
	maxCrossfadeSteps        = 1024
)

// CrossfadeSchedule builds an equal-power gain ramp from one configuration to
// another. The sum of squared gains stays at 1 across the ramp. A switch
// into emergency-grade configurations uses half the duration.
func CrossfadeSchedule(from, to QualityConfiguration, duration time.Duration, steps int) (CrossfadePlan, error) {
	if duration <= 0 {
		return CrossfadePlan{}, fmt.Errorf("%w: crossfade duration must be positive", ErrInvalidConfiguration)
	}
	if steps < 2 || steps > maxCrossfadeSteps {
		return CrossfadePlan{}, fmt.Errorf("%w: crossfade steps must be within [2, %d]", ErrInvalidConfiguration, maxCrossfadeSteps)
	}
	if to.Level == QualityMinimal && from.Level > QualityMinimal {
		duration /= 2
	}

	plan := CrossfadePlan{
		From:     from.Level,
		To:       to.Level,
		Duration: duration,
		Points:   make([]CrossfadePoint, steps),
	}
	last := float64(steps - 1)
	for i := 0; i < steps; i++ {
		progress := float64(i) / last
		angle := progress * math.Pi / 2
		plan.Points[i] = CrossfadePoint{
			Offset:   time.Duration(progress * float64(duration)),
			FromGain: math.Cos(angle),
			ToGain:   math.Sin(angle),
		}
	}
	// pin the endpoints exactly
	plan.Points[0].FromGain, plan.Points[0].ToGain = 1, 0
	plan.Points[steps-1].FromGain, plan.Points[steps-1].ToGain = 0, 1
	plan.Points[steps-1].Offset = duration
	return plan, nil
}

// GainAt interpolates the plan's gains at offset.
func (p CrossfadePlan) GainAt(offset time.Duration) (fromGain, toGain float64) {
	if len(p.Points) == 0 || offset <= 0 {
		return 1, 0
	}
	if offset >= p.Duration {
		return 0, 1
	}
	angle := float64(offset) / float64(p.Duration) * math.Pi / 2
	return math.Cos(angle), math.Sin(angle)
}
