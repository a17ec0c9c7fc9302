package cavro

import (
	"strconv"
	"strings"
	"time"
)

// Chain limits.
const (
	MaxRepeatCount = 30000
	MaxDelay       = 30000 * time.Millisecond
)

// Command tokens of the XCalibur command set.
const (
	tokInitCW       = "Z"
	tokInitCCW      = "Y"
	tokMicrostep    = "N"
	tokStartSpeed   = "v"
	tokTopSpeed     = "V"
	tokCutoffSpeed  = "c"
	tokSpeedCode    = "S"
	tokSlope        = "L"
	tokMoveAbs      = "A"
	tokMoveRelDown  = "P"
	tokMoveRelUp    = "D"
	tokValveCW      = "I"
	tokValveCCW     = "O"
	tokRepeatMark   = "g"
	tokRepeat       = "G"
	tokDelay        = "M"
	tokHalt         = "H"
	tokTerminate    = "T"
	tokExecute      = "R"
	tokQueryStatus  = "Q"
	tokQueryPlunger = "?"
	tokQueryStart   = "?1"
	tokQueryTop     = "?2"
	tokQueryCutoff  = "?3"
	tokQueryEncoder = "?4"
	tokQueryPort    = "?6"
)

// Chain accumulates command tokens for one transmission and keeps the
// simulated pump state the queued commands will produce.
//
// Every mutating method validates its arguments first; on a validation error
// the chain is left unmodified. Chain never touches the transport. It is owned
// by a Pump and is not goroutine-safe.
type Chain struct {
	cmd      strings.Builder
	estimate time.Duration
	sim      State

	numPorts int
	initPort int

	speedChanged bool
	readback     bool

	repeatMarked bool
	repeatBase   time.Duration
	block        repeatBlock

	savedSpeeds *SpeedProfile
}

// repeatBlock tracks the plunger travel of the commands a repeat will
// replay. lo and hi bound the relative excursion from start that precedes
// the first absolute move of the block.
type repeatBlock struct {
	start    int
	lo, hi   int
	abs      bool
	rescaled bool
}

func (b *repeatBlock) begin(pos int) {
	*b = repeatBlock{start: pos}
}

func (b *repeatBlock) track(pos int, abs bool) {
	if abs {
		b.abs = true
		return
	}
	if b.abs {
		return
	}
	off := pos - b.start
	b.lo = min(b.lo, off)
	b.hi = max(b.hi, off)
}

// newChain creates an empty chain whose simulated state starts from confirmed.
func newChain(confirmed State, numPorts, initPort int) *Chain {
	c := &Chain{
		sim:      confirmed,
		numPorts: numPorts,
		initPort: initPort,
	}
	c.block.begin(confirmed.PlungerPos)

	return c
}

// String returns the queued command string, without the execute suffix.
func (c *Chain) String() string { return c.cmd.String() }

// Len returns the length of the queued command string.
func (c *Chain) Len() int { return c.cmd.Len() }

// Empty reports whether nothing is queued.
func (c *Chain) Empty() bool { return c.cmd.Len() == 0 }

// Estimate returns the estimated execution time of the queued commands.
func (c *Chain) Estimate() time.Duration { return c.estimate }

// Simulated returns the state the pump is expected to be in once the chain has run.
func (c *Chain) Simulated() State { return c.sim }

// SpeedChanged reports whether a speed, slope or stepping mode command is queued.
func (c *Chain) SpeedChanged() bool { return c.speedChanged }

// NeedsReadback reports whether the simulated state cannot be trusted once
// the chain has run, so the device state has to be queried.
func (c *Chain) NeedsReadback() bool { return c.speedChanged || c.readback }

// reset empties the chain and resynchronizes the simulated state.
func (c *Chain) reset(confirmed State) {
	c.cmd.Reset()
	c.estimate = 0
	c.sim = confirmed
	c.speedChanged = false
	c.readback = false
	c.repeatMarked = false
	c.repeatBase = 0
	c.block.begin(confirmed.PlungerPos)
}

func (c *Chain) append(tok string, arg int) {
	c.cmd.WriteString(tok)
	c.cmd.WriteString(strconv.Itoa(arg))
}

// SetMicrostep queues a stepping mode change. The simulated plunger position
// is rescaled to the new step units.
func (c *Chain) SetMicrostep(on bool) {
	arg := 0
	if on {
		arg = 1
	}
	c.append(tokMicrostep, arg)

	if on != c.sim.Microstep {
		if on {
			c.sim.PlungerPos *= microstepFactor
		} else {
			c.sim.PlungerPos /= microstepFactor
		}
	}
	c.sim.Microstep = on
	c.speedChanged = true
	c.block.rescaled = true
}

// SetSpeed queues a top speed selection by speed code (0-40).
//
// Start and cutoff speed above the new top speed are lowered to it, as the
// firmware does.
func (c *Chain) SetSpeed(code int) error {
	top, err := SpeedForCode(code)
	if err != nil {
		return err
	}
	c.append(tokSpeedCode, code)

	c.sim.TopSpeed = top
	c.sim.clampToTop()
	c.speedChanged = true

	return nil
}

// SetStartSpeed queues a start speed in pulses/sec (50-1000).
func (c *Chain) SetStartSpeed(pps int) error {
	if pps < MinStartSpeed || pps > MaxStartSpeed {
		return validationErr("start speed %d out of range [%d, %d]", pps, MinStartSpeed, MaxStartSpeed)
	}
	c.append(tokStartSpeed, pps)

	c.sim.StartSpeed = pps
	c.sim.clampToTop()
	c.speedChanged = true

	return nil
}

// SetTopSpeed queues a top speed in pulses/sec (5-6000).
func (c *Chain) SetTopSpeed(pps int) error {
	if pps < MinTopSpeed || pps > MaxTopSpeed {
		return validationErr("top speed %d out of range [%d, %d]", pps, MinTopSpeed, MaxTopSpeed)
	}
	c.append(tokTopSpeed, pps)

	c.sim.TopSpeed = pps
	c.sim.clampToTop()
	c.speedChanged = true

	return nil
}

// SetCutoffSpeed queues a cutoff speed in pulses/sec (50-2700).
func (c *Chain) SetCutoffSpeed(pps int) error {
	if pps < MinCutoffSpeed || pps > MaxCutoffSpeed {
		return validationErr("cutoff speed %d out of range [%d, %d]", pps, MinCutoffSpeed, MaxCutoffSpeed)
	}
	c.append(tokCutoffSpeed, pps)

	c.sim.CutoffSpeed = pps
	c.sim.clampToTop()
	c.speedChanged = true

	return nil
}

// SetSlope queues an acceleration/deceleration slope code (1-20).
func (c *Chain) SetSlope(code int) error {
	if code < MinSlope || code > MaxSlope {
		return validationErr("slope code %d out of range [%d, %d]", code, MinSlope, MaxSlope)
	}
	c.append(tokSlope, code)

	c.sim.Slope = code
	c.speedChanged = true

	return nil
}

// SaveSpeeds remembers the simulated speeds so RestoreSpeeds can queue them again.
func (c *Chain) SaveSpeeds() {
	saved := c.sim.SpeedProfile
	c.savedSpeeds = &saved
}

// RestoreSpeeds queues the speeds remembered by SaveSpeeds. The top speed is
// always queued; start and cutoff speed only when within their device ranges.
func (c *Chain) RestoreSpeeds() error {
	if c.savedSpeeds == nil {
		return validationErr("no saved speeds to restore")
	}
	saved := *c.savedSpeeds

	if err := c.SetTopSpeed(saved.TopSpeed); err != nil {
		return err
	}
	if saved.StartSpeed >= MinStartSpeed && saved.StartSpeed <= MaxStartSpeed {
		_ = c.SetStartSpeed(saved.StartSpeed)
	} else {
		c.sim.StartSpeed = saved.StartSpeed
	}
	if saved.CutoffSpeed >= MinCutoffSpeed && saved.CutoffSpeed <= MaxCutoffSpeed {
		_ = c.SetCutoffSpeed(saved.CutoffSpeed)
	} else {
		c.sim.CutoffSpeed = saved.CutoffSpeed
	}

	return nil
}

// MovePlungerAbs queues an absolute plunger move to pos
// (0-24000 in microstep mode, 0-3000 in standard mode).
func (c *Chain) MovePlungerAbs(pos int) error {
	if err := c.checkPosition(pos); err != nil {
		return err
	}
	c.append(tokMoveAbs, pos)

	c.estimate += PlungerMoveTime(c.sim.SpeedProfile, c.sim.PlungerPos-pos)
	c.sim.PlungerPos = pos
	c.block.track(pos, true)

	return nil
}

// MovePlungerRel queues a relative plunger move. A positive delta moves the
// plunger down (aspirate), a negative one up (dispense). The resulting
// position must stay within the stroke.
func (c *Chain) MovePlungerRel(delta int) error {
	target := c.sim.PlungerPos + delta
	if err := c.checkPosition(target); err != nil {
		return err
	}
	if delta < 0 {
		c.append(tokMoveRelUp, -delta)
	} else {
		c.append(tokMoveRelDown, delta)
	}

	c.estimate += PlungerMoveTime(c.sim.SpeedProfile, delta)
	c.sim.PlungerPos = target
	c.block.track(target, false)

	return nil
}

func (c *Chain) checkPosition(pos int) error {
	stroke := c.sim.Stroke()
	if pos < 0 || pos > stroke {
		mode := "standard"
		if c.sim.Microstep {
			mode = "microstep"
		}
		return validationErr("plunger position %d out of range [0, %d] in %s mode", pos, stroke, mode)
	}

	return nil
}

// ChangePort queues a valve move to port, choosing the shorter direction.
func (c *Chain) ChangePort(port int) error {
	return c.changePort(port, nil)
}

// ChangePortDir queues a valve move to port in the given direction.
func (c *Chain) ChangePortDir(port int, clockwise bool) error {
	return c.changePort(port, &clockwise)
}

func (c *Chain) changePort(port int, clockwise *bool) error {
	if port < 1 || port > c.numPorts {
		return validationErr("port %d out of range [1, %d]", port, c.numPorts)
	}

	from := c.sim.Port
	if from == 0 {
		from = c.initPort
	}
	cw, delta := RotationDirection(from, port, c.numPorts, clockwise)

	tok := tokValveCCW
	if cw {
		tok = tokValveCW
	}
	c.append(tok, port)

	c.sim.Port = port
	c.estimate += ValveMoveTime(delta)

	return nil
}

// RotationDirection returns the direction and port count of a valve move from
// one port to another on a ring of n ports. A nil force picks the shorter way,
// preferring clockwise on a tie.
func RotationDirection(from, to, n int, force *bool) (clockwise bool, delta int) {
	cwDelta := ((to-from)%n + n) % n
	ccwDelta := n - cwDelta

	if force != nil {
		clockwise = *force
	} else {
		clockwise = cwDelta <= ccwDelta
	}
	if clockwise {
		return true, cwDelta
	}

	return false, ccwDelta
}

// MarkRepeatStart queues the start of a repeated command block.
func (c *Chain) MarkRepeatStart() {
	c.cmd.WriteString(tokRepeatMark)
	c.repeatMarked = true
	c.repeatBase = c.estimate
	c.block.begin(c.sim.PlungerPos)
}

// Repeat queues a repeat of the commands since MarkRepeatStart, or of the
// whole chain without a mark, n times (0 < n < 30000). The estimated time of
// the repeated block is multiplied by n.
//
// The plunger travel of the block is replayed on the simulated position and
// every pass must stay within the stroke. A block that changes the stepping
// mode cannot be replayed; the plunger position is then read back from the
// device after the chain has run.
func (c *Chain) Repeat(n int) error {
	if n <= 0 || n >= MaxRepeatCount {
		return validationErr("repeat count %d out of range (0, %d)", n, MaxRepeatCount)
	}

	end := c.sim.PlungerPos
	if !c.block.rescaled {
		// later passes start where the previous pass ended
		last := end
		if !c.block.abs {
			last = c.block.start + (n-1)*(end-c.block.start)
			end = c.block.start + n*(end-c.block.start)
		}
		if err := c.checkRepeatedPosition(last+c.block.lo, n); err != nil {
			return err
		}
		if err := c.checkRepeatedPosition(last+c.block.hi, n); err != nil {
			return err
		}
		if err := c.checkRepeatedPosition(end, n); err != nil {
			return err
		}
	} else {
		c.readback = true
	}
	c.append(tokRepeat, n)
	c.sim.PlungerPos = end

	base := time.Duration(0)
	if c.repeatMarked {
		base = c.repeatBase
	}
	c.estimate = base + (c.estimate-base)*time.Duration(n)
	c.repeatMarked = false
	c.repeatBase = 0
	c.block.begin(end)

	return nil
}

func (c *Chain) checkRepeatedPosition(pos int, n int) error {
	if pos < 0 || pos > c.sim.Stroke() {
		return validationErr("plunger position %d out of range [0, %d] after %d repeats", pos, c.sim.Stroke(), n)
	}

	return nil
}

// Delay queues a pause of d (0 < d < 30s), with millisecond resolution.
func (c *Chain) Delay(d time.Duration) error {
	ms := d.Milliseconds()
	if ms <= 0 || d >= MaxDelay {
		return validationErr("delay %v out of range (0, %v)", d, MaxDelay)
	}
	c.append(tokDelay, int(ms))

	c.estimate += time.Duration(ms) * time.Millisecond

	return nil
}

// Halt queues a halt; the pump waits for a resume command before continuing.
func (c *Chain) Halt() {
	c.cmd.WriteString(tokHalt)
}
