package cavro

// Device ranges for speed and slope settings.
const (
	MinSpeedCode = 0
	MaxSpeedCode = 40

	MinSlope = 1
	MaxSlope = 20

	MinStartSpeed  = 50
	MaxStartSpeed  = 1000
	MinTopSpeed    = 5
	MaxTopSpeed    = 6000
	MinCutoffSpeed = 50
	MaxCutoffSpeed = 2700

	// slopeUnit converts a slope code to half-steps per second squared.
	slopeUnit = 2500
)

// speedCodes maps a speed code to the top speed in pulses per second.
var speedCodes = [MaxSpeedCode + 1]int{
	6000, 5600, 5000, 4400, 3800, 3200, 2600, 2200, 2000, 1800,
	1600, 1400, 1200, 1000, 800, 600, 400, 200, 190, 180,
	170, 160, 150, 140, 130, 120, 110, 100, 90, 80,
	70, 60, 50, 40, 30, 20, 18, 16, 14, 12,
	10,
}

// SpeedForCode returns the top speed in pulses per second selected by a speed code.
func SpeedForCode(code int) (int, error) {
	if code < MinSpeedCode || code > MaxSpeedCode {
		return 0, validationErr("speed code %d out of range [%d, %d]", code, MinSpeedCode, MaxSpeedCode)
	}

	return speedCodes[code], nil
}

// SpeedProfile is the part of the pump state that determines plunger move timing.
type SpeedProfile struct {
	StartSpeed  int // pulses/sec
	TopSpeed    int // pulses/sec
	CutoffSpeed int // pulses/sec
	Slope       int // slope code, 1-20
	Microstep   bool
}

// clampToTop lowers start and cutoff speed to the top speed, as the firmware
// does when the top speed is set below them.
func (p *SpeedProfile) clampToTop() {
	if p.StartSpeed > p.TopSpeed {
		p.StartSpeed = p.TopSpeed
	}
	if p.CutoffSpeed > p.TopSpeed {
		p.CutoffSpeed = p.TopSpeed
	}
}
