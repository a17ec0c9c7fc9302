package cavro

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/arloliu/go-cavro/logger"
	"github.com/arloliu/go-cavro/transport"
)

// Pump drives one XCalibur syringe pump with a distribution valve.
//
// It owns the confirmed pump state, the pending command chain and the last
// raw command transmitted. Every exchange with the transport goes through a
// single error handler which discards the pending chain and, for recoverable
// error codes, reinitializes the pump and resends the last command once.
//
// Pump is NOT goroutine-safe; callers must serialize access. Metrics may be
// read concurrently.
type Pump struct {
	cfg    *PumpConfig
	tr     transport.Transport
	clock  Clock
	logger logger.Logger

	decoder StatusDecoder
	policy  RecoveryPolicy
	metrics *PumpMetrics

	confirmed State
	chain     *Chain
	lastCmd   string

	// stale is set when the device state may differ from the confirmed state
	// in ways the chain cannot simulate (reinitialization, terminate).
	stale bool
}

// NewPump creates a pump driver on tr. It performs no I/O; call Open to read
// the device state.
func NewPump(tr transport.Transport, cfg *PumpConfig) (*Pump, error) {
	if tr == nil {
		return nil, ErrTransportNil
	}
	if cfg == nil {
		return nil, ErrPumpConfigNil
	}

	p := &Pump{
		cfg:     cfg,
		tr:      tr,
		clock:   cfg.clock,
		logger:  cfg.logger,
		metrics: newPumpMetrics(),
		confirmed: State{
			SpeedProfile: SpeedProfile{
				Slope:     cfg.slope,
				Microstep: cfg.microstep,
			},
		},
	}
	p.chain = newChain(p.confirmed, cfg.numPorts, cfg.initPort)

	return p, nil
}

// Config returns the pump configuration.
func (p *Pump) Config() *PumpConfig { return p.cfg }

// Metrics returns the pump metrics.
func (p *Pump) Metrics() *PumpMetrics { return p.metrics }

// State returns the confirmed pump state.
func (p *Pump) State() State { return p.confirmed }

// Chain returns the pending command chain. Queue commands on it and run them
// with Execute.
func (p *Pump) Chain() *Chain { return p.chain }

// RecoveryState returns the state of the error recovery policy.
func (p *Pump) RecoveryState() RecoveryState { return p.policy.State() }

// LastCommand returns the last raw command transmitted.
func (p *Pump) LastCommand() string { return p.lastCmd }

// Open applies the configured stepping mode and slope, then reads speeds,
// plunger position and valve port from the device.
func (p *Pump) Open(ctx context.Context) error {
	mode := 0
	if p.cfg.microstep {
		mode = 1
	}
	cmd := tokMicrostep + strconv.Itoa(mode) + tokSlope + strconv.Itoa(p.cfg.slope) + tokExecute
	if _, err := p.SendImmediate(ctx, cmd); err != nil {
		return err
	}
	p.confirmed.Microstep = p.cfg.microstep
	p.confirmed.Slope = p.cfg.slope

	if err := p.refresh(ctx); err != nil {
		return err
	}
	p.stale = false
	p.chain.reset(p.confirmed)

	p.logger.Info("cavro: pump opened",
		"port", p.confirmed.Port,
		"plungerPos", p.confirmed.PlungerPos,
		"topSpeed", p.confirmed.TopSpeed,
		"microstep", p.confirmed.Microstep,
	)

	return nil
}

// Init initializes the pump and blocks until it is ready. A negative force
// selects the force matching the syringe volume; a zero port selects the
// configured init port, which must be 1 or the last port.
//
// The pending chain is discarded and the confirmed state is read back from
// the device.
func (p *Pump) Init(ctx context.Context, force int, port int) error {
	if err := p.initialize(ctx, force, port); err != nil {
		return err
	}
	if err := p.refreshPosition(ctx); err != nil {
		return err
	}
	p.stale = false
	p.chain.reset(p.confirmed)

	return nil
}

func (p *Pump) initialize(ctx context.Context, force int, port int) error {
	if err := p.sendInit(ctx, force, port); err != nil {
		return err
	}

	return p.WaitReady(ctx, 0, 0, 0)
}

func (p *Pump) sendInit(ctx context.Context, force int, port int) error {
	if port == 0 {
		port = p.cfg.initPort
	}

	var tok string
	switch port {
	case 1:
		tok = tokInitCW
	case p.cfg.numPorts:
		tok = tokInitCCW
	default:
		return validationErr("init port %d must be 1 or %d", port, p.cfg.numPorts)
	}

	if force < 0 {
		force = p.cfg.AutoInitForce()
	}
	if !validInitForce(force) {
		return validationErr("init force %d must be 0-2 or 10-40", force)
	}

	p.logger.Info("cavro: initializing pump", "port", port, "force", force)

	_, err := p.exchange(ctx, tok+strconv.Itoa(force)+tokExecute)

	return err
}

// SendImmediate transmits cmd as is, bypassing the chain, and returns the
// reply data. Protocol errors go through the recovery policy.
func (p *Pump) SendImmediate(ctx context.Context, cmd string) (string, error) {
	return p.exchange(ctx, cmd)
}

// Execute transmits the pending chain with the execute suffix and resets it.
//
// With waitReady it blocks until the pump reports ready and returns zero.
// Otherwise it returns the estimated time the chain still needs, the chain
// estimate minus the time already spent, floored at zero.
func (p *Pump) Execute(ctx context.Context, waitReady bool) (time.Duration, error) {
	if p.chain.Empty() {
		if waitReady {
			return 0, p.WaitReady(ctx, 0, 0, 0)
		}
		return 0, nil
	}

	start := p.clock.Now()
	estimate := p.chain.Estimate()

	if _, err := p.exchange(ctx, p.chain.String()+tokExecute); err != nil {
		return 0, err
	}
	p.metrics.incChainExecCount()

	if err := p.ResetChain(ctx, true, waitReady); err != nil {
		return 0, err
	}
	if waitReady {
		return 0, nil
	}

	remaining := estimate - p.clock.Now().Sub(start)
	if remaining < 0 {
		remaining = 0
	}

	return remaining, nil
}

// Do queues commands with build and executes them as one chain. If build
// fails, the chain is discarded and nothing is transmitted.
func (p *Pump) Do(ctx context.Context, waitReady bool, build func(c *Chain) error) (time.Duration, error) {
	if err := build(p.chain); err != nil {
		p.DiscardChain()
		return 0, err
	}

	return p.Execute(ctx, waitReady)
}

// ResetChain clears the pending chain and resynchronizes the simulated state
// with the confirmed state.
//
// With waitReady it first waits for the pump, delaying the first poll by the
// chain estimate. With onExecute the chain is taken to have run: the
// confirmed port and plunger position adopt the simulated values, and when
// a speed, slope or stepping mode command was queued the speeds, port and
// plunger position are read back from the device.
func (p *Pump) ResetChain(ctx context.Context, onExecute bool, waitReady bool) error {
	var err error
	if waitReady {
		err = p.WaitReady(ctx, 0, 0, p.chain.Estimate())
	}
	if onExecute && err == nil {
		err = p.reconcile(ctx)
	}
	p.chain.reset(p.confirmed)

	return err
}

// DiscardChain drops the pending chain without transmitting it.
func (p *Pump) DiscardChain() {
	p.chain.reset(p.confirmed)
}

func (p *Pump) reconcile(ctx context.Context) error {
	sim := p.chain.Simulated()
	p.confirmed.Port = sim.Port
	p.confirmed.PlungerPos = sim.PlungerPos

	if !p.chain.NeedsReadback() && !p.stale {
		return nil
	}

	p.confirmed.Slope = sim.Slope
	p.confirmed.Microstep = sim.Microstep
	if err := p.refresh(ctx); err != nil {
		return err
	}
	p.stale = false

	return nil
}

// refresh reads speeds, plunger position and port into the confirmed state.
func (p *Pump) refresh(ctx context.Context) error {
	if err := p.UpdateSpeeds(ctx); err != nil {
		return err
	}

	return p.refreshPosition(ctx)
}

func (p *Pump) refreshPosition(ctx context.Context) error {
	if _, err := p.PlungerPosition(ctx); err != nil {
		return err
	}
	_, err := p.CurrentPort(ctx)

	return err
}

// WaitReady polls the pump every pollInterval until it reports ready, after
// first sleeping delay. It fails with ErrTimeout when timeout elapses. Zero
// timeout or pollInterval select the configured defaults.
//
// A poll raising a recoverable error is handled by the recovery policy
// before polling continues. Any error discards the pending chain.
func (p *Pump) WaitReady(ctx context.Context, timeout, pollInterval, delay time.Duration) error {
	if timeout <= 0 {
		timeout = p.cfg.readyTimeout
	}
	if pollInterval <= 0 {
		pollInterval = p.cfg.pollInterval
	}

	if delay > 0 {
		if err := p.clock.Sleep(ctx, delay); err != nil {
			p.DiscardChain()
			return err
		}
	}

	deadline := p.clock.Now().Add(timeout)
	for {
		ready, err := p.checkReady(ctx)
		if err != nil {
			if _, err := p.handleError(ctx, tokQueryStatus, err); err != nil {
				return err
			}
			ready = p.decoder.Ready()
		}
		if ready {
			return nil
		}

		now := p.clock.Now()
		if !now.Before(deadline) {
			p.DiscardChain()
			p.logger.Error("cavro: timeout waiting for pump ready", "timeout", timeout)

			return fmt.Errorf("%w after %v", ErrTimeout, timeout)
		}

		if err := p.clock.Sleep(ctx, min(pollInterval, deadline.Sub(now))); err != nil {
			p.DiscardChain()
			return err
		}
	}
}

// IsReady polls the pump status once.
func (p *Pump) IsReady(ctx context.Context) (bool, error) {
	ready, err := p.checkReady(ctx)
	if err != nil {
		if _, err := p.handleError(ctx, tokQueryStatus, err); err != nil {
			return false, err
		}
		return p.decoder.Ready(), nil
	}

	return ready, nil
}

// checkReady sends a status poll. An error code repeating the previous one is
// a condition already handled and only the ready flag is reported.
func (p *Pump) checkReady(ctx context.Context) (bool, error) {
	p.metrics.incPollCount()

	_, ready, err := p.send(ctx, tokQueryStatus)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) && pe.Repeat {
			return ready, nil
		}
		return false, err
	}

	return ready, nil
}

// Resume continues a chain stopped by a halt command.
func (p *Pump) Resume(ctx context.Context) error {
	_, err := p.exchange(ctx, tokExecute)
	return err
}

// Terminate aborts the command in progress. The pending chain is discarded
// and the device state is read back on the next executed chain.
func (p *Pump) Terminate(ctx context.Context) error {
	_, err := p.exchange(ctx, tokTerminate+tokExecute)
	p.stale = true
	p.DiscardChain()

	return err
}

// PlungerPosition queries the absolute plunger position.
func (p *Pump) PlungerPosition(ctx context.Context) (int, error) {
	pos, err := p.queryInt(ctx, tokQueryPlunger)
	if err != nil {
		return 0, err
	}
	p.confirmed.PlungerPos = pos

	return pos, nil
}

// StartSpeed queries the start speed in pulses/sec.
func (p *Pump) StartSpeed(ctx context.Context) (int, error) {
	v, err := p.queryInt(ctx, tokQueryStart)
	if err != nil {
		return 0, err
	}
	p.confirmed.StartSpeed = v

	return v, nil
}

// TopSpeed queries the top speed in pulses/sec.
func (p *Pump) TopSpeed(ctx context.Context) (int, error) {
	v, err := p.queryInt(ctx, tokQueryTop)
	if err != nil {
		return 0, err
	}
	p.confirmed.TopSpeed = v

	return v, nil
}

// CutoffSpeed queries the cutoff speed in pulses/sec.
func (p *Pump) CutoffSpeed(ctx context.Context) (int, error) {
	v, err := p.queryInt(ctx, tokQueryCutoff)
	if err != nil {
		return 0, err
	}
	p.confirmed.CutoffSpeed = v

	return v, nil
}

// UpdateSpeeds queries start, top and cutoff speed.
func (p *Pump) UpdateSpeeds(ctx context.Context) error {
	if _, err := p.StartSpeed(ctx); err != nil {
		return err
	}
	if _, err := p.TopSpeed(ctx); err != nil {
		return err
	}
	_, err := p.CutoffSpeed(ctx)

	return err
}

// EncoderPosition queries the encoder count of the plunger axis.
func (p *Pump) EncoderPosition(ctx context.Context) (int, error) {
	return p.queryInt(ctx, tokQueryEncoder)
}

// CurrentPort queries the valve port.
//
// An uninitialized valve answers with a non-numeric port; this is handled as
// a Device Not Initialized error.
func (p *Pump) CurrentPort(ctx context.Context) (int, error) {
	data, err := p.exchange(ctx, tokQueryPort)
	if err != nil {
		return 0, err
	}

	port, err := parseReply(tokQueryPort, data)
	if err != nil {
		p.logger.Warn("cavro: non-numeric port reply", "data", data)

		data, err = p.handleError(ctx, tokQueryPort, &ProtocolError{Code: CodeNotInitialized})
		if err != nil {
			return 0, err
		}
		if port, err = parseReply(tokQueryPort, data); err != nil {
			return 0, err
		}
	}
	p.confirmed.Port = port

	return port, nil
}

func (p *Pump) queryInt(ctx context.Context, cmd string) (int, error) {
	data, err := p.exchange(ctx, cmd)
	if err != nil {
		return 0, err
	}

	return parseReply(cmd, data)
}

func parseReply(cmd string, data string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(data))
	if err != nil {
		return 0, fmt.Errorf("%w: %s answered %q", ErrInvalidReply, cmd, data)
	}

	return n, nil
}

// exchange transmits cmd and routes any error through handleError.
func (p *Pump) exchange(ctx context.Context, cmd string) (string, error) {
	data, _, err := p.send(ctx, cmd)
	if err == nil {
		return data, nil
	}

	return p.handleError(ctx, cmd, err)
}

// handleError applies the recovery policy to an error raised while exchanging
// cmd. The pending chain is always discarded first. For a recoverable error the
// pump is reinitialized and cmd is resent once; its reply data is returned.
// Once the pump is ready after reinitialization the confirmed plunger position
// is 0 and the confirmed port is the init port.
func (p *Pump) handleError(ctx context.Context, cmd string, cause error) (string, error) {
	p.DiscardChain()

	if p.policy.Classify(cause) != ActionRecover || !p.policy.Begin() {
		if !p.policy.IsRecovering() {
			p.logger.Error("cavro: command failed", "cmd", cmd, "error", cause)
		}
		return "", cause
	}
	defer p.policy.End()

	p.metrics.incRecoveryCount()
	p.stale = true
	p.logger.Warn("cavro: recovering from pump error", "cmd", cmd, "error", cause)

	if err := p.sendInit(ctx, p.cfg.initForce, p.cfg.initPort); err != nil {
		if !p.policy.ToleratesReinitError(err) {
			p.logger.Error("cavro: reinitialization failed", "error", err)
			return "", err
		}
		p.logger.Warn("cavro: ignoring error during reinitialization", "error", err)
	}
	if err := p.WaitReady(ctx, 0, 0, 0); err != nil {
		p.logger.Error("cavro: pump not ready after reinitialization", "error", err)
		return "", err
	}

	// initialization homes the plunger and leaves the valve at the init port
	p.confirmed.PlungerPos = 0
	p.confirmed.Port = p.cfg.initPort
	p.DiscardChain()

	p.logger.Info("cavro: resending last command", "cmd", cmd)

	data, _, err := p.send(ctx, cmd)
	if err != nil {
		p.DiscardChain()
		p.logger.Error("cavro: resend after reinitialization failed", "cmd", cmd, "error", err)

		return "", err
	}

	return data, nil
}

// send transmits cmd and decodes the status byte of the reply. The ready flag
// is valid when a *ProtocolError is returned.
func (p *Pump) send(ctx context.Context, cmd string) (string, bool, error) {
	p.lastCmd = cmd
	p.metrics.incCommandSendCount()
	p.logger.Debug("cavro: send", "cmd", cmd)

	rsp, err := p.tr.SendRcv(ctx, cmd)
	if err != nil {
		return "", false, err
	}

	ready, err := p.decoder.Decode(rsp.StatusByte)
	p.logger.Debug("cavro: recv", "status", rsp.StatusByte, "data", rsp.Data, "ready", ready)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			p.metrics.addProtocolErr(pe.Code)
		}
		return rsp.Data, ready, err
	}

	return rsp.Data, ready, nil
}
