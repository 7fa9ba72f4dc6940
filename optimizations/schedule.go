package optimizations

import "math"

// Schedule is a linear-warmup, cosine-decay learning rate schedule.
// Steps are 1-based; the rate climbs linearly to peak over WarmupSteps
// and then follows half a cosine down to zero over DecaySteps.
type Schedule struct {
	WarmupSteps int
	DecaySteps  int
}

func (s Schedule) At(step int, peak float64) float64 {
	if step <= 0 {
		return 0
	}
	if s.WarmupSteps > 0 && step < s.WarmupSteps {
		return peak * float64(step) / float64(s.WarmupSteps)
	}
	if s.DecaySteps <= 0 {
		return peak
	}
	progress := float64(step-s.WarmupSteps) / float64(s.DecaySteps)
	if progress > 1 {
		progress = 1
	}
	return peak * 0.5 * (1 + math.Cos(math.Pi*progress))
}
