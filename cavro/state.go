package cavro

// Full-stroke plunger travel in each stepping mode.
const (
	StandardStroke  = 3000
	MicrostepStroke = 24000

	microstepFactor = MicrostepStroke / StandardStroke
)

// State is a snapshot of pump state.
//
// A Pump keeps two independent values of this type: the confirmed state, last
// known to be true on the device, and the simulated state, a forward-looking
// copy owned by the pending Chain.
type State struct {
	// PlungerPos is the absolute plunger position in steps of the current mode.
	PlungerPos int
	// Port is the current valve port, 1..N. Zero means unknown.
	Port int

	SpeedProfile
}

// Stroke returns the full-stroke travel for the state's stepping mode.
func (s State) Stroke() int {
	if s.Microstep {
		return MicrostepStroke
	}

	return StandardStroke
}
