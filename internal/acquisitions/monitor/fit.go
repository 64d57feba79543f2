package monitor

import (
	"math"
)

// Fit is the result of a sine fit at a known frequency.
type Fit struct {
	Amplitude float64
	Phase     float64
	Offset    float64
}

// FitSine projects trace onto cos and sin at freq. The trace should cover an
// integer number of periods, otherwise the result is biased.
func FitSine(trace []float64, dt, freq float64) Fit {
	n := float64(len(trace))
	if n == 0 {
		return Fit{}
	}
	var c, s, sum float64
	omega := 2 * math.Pi * freq
	for i, v := range trace {
		t := float64(i) * dt
		c += v * math.Cos(omega*t)
		s += v * math.Sin(omega*t)
		sum += v
	}
	c *= 2 / n
	s *= 2 / n
	return Fit{
		Amplitude: math.Hypot(c, s),
		Phase:     math.Atan2(s, c),
		Offset:    sum / n,
	}
}

// PhaseDifference returns r - i wrapped into [0, 2pi).
func PhaseDifference(i, r float64) float64 {
	d := math.Mod(r-i+2*math.Pi, 2*math.Pi)
	if d < 0 {
		d += 2 * math.Pi
	}
	return d
}
