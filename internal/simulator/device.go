// Package simulator emulates an XCalibur syringe pump on the DT protocol.
//
// It is used by the examples and by integration tests that exercise the
// transport and the pump driver without hardware.
package simulator

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"sync"

	"github.com/arloliu/go-cavro/cavro"
	"github.com/arloliu/go-cavro/transport"
)

const (
	statusBase  = 0x40
	statusReady = 0x20
)

type op struct {
	tok byte
	arg int
}

// Device is an emulated pump. Its zero value is not usable; use New.
type Device struct {
	mu sync.Mutex

	addr     byte
	numPorts int

	initialized bool
	plunger     int
	port        int
	microstep   bool
	start       int
	top         int
	cutoff      int
	slope       int

	pending   []op
	injected  []cavro.ErrorCode
	busyPolls int
	busyLeft  int
	received  []string
}

// New creates an uninitialized device answering on address addr with a
// valve of numPorts ports.
func New(addr int, numPorts int) *Device {
	return &Device{
		addr:     transport.AddressChar(addr),
		numPorts: numPorts,
		start:    900,
		top:      1400,
		cutoff:   900,
		slope:    14,
	}
}

// SetBusyPolls makes the device report busy for n status polls after each
// executed command.
func (d *Device) SetBusyPolls(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.busyPolls = n
}

// InjectError makes the next commands fail with the given codes, one per command.
func (d *Device) InjectError(codes ...cavro.ErrorCode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.injected = append(d.injected, codes...)
}

// Received returns the commands received so far.
func (d *Device) Received() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.received...)
}

// Plunger returns the plunger position.
func (d *Device) Plunger() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.plunger
}

// Port returns the valve port, zero before initialization.
func (d *Device) Port() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port
}

// Serve answers command frames read from rw until reading fails. Frames for
// other addresses are ignored. It returns nil when rw is closed.
func (d *Device) Serve(rw io.ReadWriter) error {
	r := bufio.NewReader(rw)
	for {
		line, err := r.ReadString('\r')
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}

		// skip line noise before the start character
		for len(line) > 0 && line[0] != '/' {
			line = line[1:]
		}
		if len(line) < 3 || line[1] != d.addr {
			continue
		}

		status, data := d.Handle(line[2 : len(line)-1])
		frame := "/0" + string(status) + data + "\x03\r\n"
		if _, err := io.WriteString(rw, frame); err != nil {
			return err
		}
	}
}

// Handle executes one command string and returns the status byte and reply data.
func (d *Device) Handle(cmd string) (byte, string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.received = append(d.received, cmd)

	if len(d.injected) > 0 {
		code := d.injected[0]
		d.injected = d.injected[1:]
		return d.status(code), ""
	}

	if cmd == "Q" {
		status := d.status(cavro.CodeNoError)
		if d.busyLeft > 0 {
			d.busyLeft--
		}
		return status, ""
	}
	if data, ok := d.query(cmd); ok {
		return d.status(cavro.CodeNoError), data
	}

	ops, err := parse(cmd)
	if err != nil {
		return d.status(cavro.CodeInvalidCommand), ""
	}

	return d.status(d.run(ops)), ""
}

func (d *Device) status(code cavro.ErrorCode) byte {
	s := byte(statusBase) | byte(code)
	if d.busyLeft == 0 {
		s |= statusReady
	}
	return s
}

func (d *Device) query(cmd string) (string, bool) {
	switch cmd {
	case "?", "?4":
		return strconv.Itoa(d.plunger), true
	case "?1":
		return strconv.Itoa(d.start), true
	case "?2":
		return strconv.Itoa(d.top), true
	case "?3":
		return strconv.Itoa(d.cutoff), true
	case "?6":
		if !d.initialized {
			return "X", true
		}
		return strconv.Itoa(d.port), true
	default:
		return "", false
	}
}

// parse splits a command string into tokens and expands repeat blocks.
func parse(cmd string) ([]op, error) {
	var ops []op
	mark := 0
	for i := 0; i < len(cmd); {
		tok := cmd[i]
		i++
		j := i
		for j < len(cmd) && cmd[j] >= '0' && cmd[j] <= '9' {
			j++
		}
		arg := 0
		if j > i {
			arg, _ = strconv.Atoi(cmd[i:j])
		}
		i = j

		switch tok {
		case 'g':
			mark = len(ops)
		case 'G':
			segment := append([]op(nil), ops[mark:]...)
			for n := 1; n < arg; n++ {
				ops = append(ops, segment...)
			}
			mark = 0
		case 'Z', 'Y', 'N', 'v', 'V', 'c', 'S', 'L', 'A', 'P', 'D', 'I', 'O', 'M', 'H', 'T', 'R':
			ops = append(ops, op{tok: tok, arg: arg})
		default:
			return nil, errors.New("simulator: invalid command")
		}
	}

	return ops, nil
}

// run executes ops up to the execute token; a halt keeps the remaining ops
// for the next bare execute.
func (d *Device) run(ops []op) cavro.ErrorCode {
	if len(ops) == 1 && ops[0].tok == 'R' && len(d.pending) > 0 {
		ops, d.pending = d.pending, nil
	}
	if len(ops) == 0 || ops[len(ops)-1].tok != 'R' {
		// stored until executed; a terminate clears it
		if len(ops) > 0 && ops[0].tok == 'T' {
			d.pending = nil
		}
		return cavro.CodeNoError
	}

	for i, o := range ops {
		if code := d.exec(o); code != cavro.CodeNoError {
			return code
		}
		if o.tok == 'H' {
			d.pending = ops[i+1:]
			return cavro.CodeNoError
		}
		if o.tok == 'T' {
			d.pending = nil
			return cavro.CodeNoError
		}
	}
	d.busyLeft = d.busyPolls

	return cavro.CodeNoError
}

func (d *Device) stroke() int {
	if d.microstep {
		return cavro.MicrostepStroke
	}
	return cavro.StandardStroke
}

func (d *Device) exec(o op) cavro.ErrorCode {
	switch o.tok {
	case 'Z', 'Y':
		d.initialized = true
		d.plunger = 0
		d.port = 1
		if o.tok == 'Y' {
			d.port = d.numPorts
		}
	case 'N':
		on := o.arg == 1
		if on != d.microstep {
			if on {
				d.plunger *= cavro.MicrostepStroke / cavro.StandardStroke
			} else {
				d.plunger /= cavro.MicrostepStroke / cavro.StandardStroke
			}
		}
		d.microstep = on
	case 'S':
		top, err := cavro.SpeedForCode(o.arg)
		if err != nil {
			return cavro.CodeInvalidOperand
		}
		d.setTop(top)
	case 'V':
		if o.arg < cavro.MinTopSpeed || o.arg > cavro.MaxTopSpeed {
			return cavro.CodeInvalidOperand
		}
		d.setTop(o.arg)
	case 'v':
		d.start = min(o.arg, d.top)
	case 'c':
		d.cutoff = min(o.arg, d.top)
	case 'L':
		d.slope = o.arg
	case 'A', 'P', 'D':
		if !d.initialized {
			return cavro.CodeNotInitialized
		}
		pos := o.arg
		if o.tok == 'P' {
			pos = d.plunger + o.arg
		} else if o.tok == 'D' {
			pos = d.plunger - o.arg
		}
		if pos < 0 || pos > d.stroke() {
			return cavro.CodeInvalidOperand
		}
		d.plunger = pos
	case 'I', 'O':
		if !d.initialized {
			return cavro.CodeNotInitialized
		}
		if o.arg < 1 || o.arg > d.numPorts {
			return cavro.CodeInvalidOperand
		}
		d.port = o.arg
	}

	return cavro.CodeNoError
}

func (d *Device) setTop(top int) {
	d.top = top
	d.start = min(d.start, top)
	d.cutoff = min(d.cutoff, top)
}
