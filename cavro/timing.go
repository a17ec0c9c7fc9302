package cavro

import (
	"math"
	"time"
)

// PlungerMoveTime estimates how long a plunger move of steps takes with the
// speed profile p, using the trapezoidal velocity equations from the XCalibur
// OEM documentation.
//
// Speeds are in half-steps per second and the ramp rate is slope*2500
// half-steps/s². In microstep mode steps are converted to standard steps.
// The four regimes are mutually exclusive:
//
//   - constant speed when start, top and cutoff speed are equal;
//   - ramp up only, when accelerating over the whole move stays at or below cutoff;
//   - triangular, when the ramp up/ramp down peak lies between cutoff and top speed;
//   - trapezoidal, with a plateau at top speed between the ramps.
func PlungerMoveTime(p SpeedProfile, steps int) time.Duration {
	return seconds(plungerMoveSeconds(p, steps))
}

func plungerMoveSeconds(p SpeedProfile, steps int) float64 {
	if steps < 0 {
		steps = -steps
	}
	if steps == 0 || p.TopSpeed <= 0 {
		return 0
	}

	s := float64(steps)
	if p.Microstep {
		s /= microstepFactor
	}
	v0 := float64(p.StartSpeed)
	vt := float64(p.TopSpeed)
	vc := float64(p.CutoffSpeed)
	k := float64(p.Slope) * slopeUnit

	if (v0 == vt && vt == vc) || k <= 0 {
		return 2 * s / vt
	}

	if attainable := math.Sqrt(4*s*k + v0*v0); attainable <= vc {
		return (attainable - v0) / k
	}

	peak := math.Sqrt(2*s*k + (v0*v0+vc*vc)/2)
	if peak < vt {
		return (2*peak - v0 - vc) / k
	}

	rampUp := (vt*vt - v0*v0) / (2 * k)
	rampDown := (vt*vt - vc*vc) / (2 * k)
	plateau := math.Max(2*s-rampUp-rampDown, 0)

	return (vt-v0)/k + (vt-vc)/k + plateau/vt
}

// ValveMoveTime estimates a valve rotation over delta ports.
func ValveMoveTime(delta int) time.Duration {
	return time.Duration(delta)*valveHopTime + valveMoveOverhead
}

const (
	valveHopTime      = 20 * time.Millisecond
	valveMoveOverhead = 100 * time.Millisecond
)

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
