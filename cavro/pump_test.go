package cavro

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-cavro/logger"
	"github.com/arloliu/go-cavro/transport"
)

var reconcileQueries = []string{"?1", "?2", "?3", "?", "?6"}

func TestNewPump_NilArgs(t *testing.T) {
	cfg, err := NewPumpConfig()
	require.NoError(t, err)

	_, err = NewPump(nil, cfg)
	require.ErrorIs(t, err, ErrTransportNil)

	_, err = NewPump(newFakeTransport(), nil)
	require.ErrorIs(t, err, ErrPumpConfigNil)
}

func TestPump_Open(t *testing.T) {
	p, tr, _ := newTestPump(t)
	tr.queries["?"] = "1200"
	tr.queries["?6"] = "3"

	require.NoError(t, p.Open(context.Background()))

	assert.Equal(t, append([]string{"N1L14R"}, reconcileQueries...), tr.Sent())

	want := State{
		PlungerPos: 1200,
		Port:       3,
		SpeedProfile: SpeedProfile{
			StartSpeed:  900,
			TopSpeed:    1400,
			CutoffSpeed: 900,
			Slope:       14,
			Microstep:   true,
		},
	}
	assert.Equal(t, want, p.State())
	assert.Equal(t, want, p.Chain().Simulated())
}

func TestPump_OpenStandardMode(t *testing.T) {
	p, tr, _ := newTestPump(t, WithMicrostep(false), WithSlope(3))

	require.NoError(t, p.Open(context.Background()))
	assert.Equal(t, "N0L3R", tr.Sent()[0])
	assert.False(t, p.State().Microstep)
}

func TestPump_ExecuteNoWait(t *testing.T) {
	p, tr, _ := newOpenedPump(t)
	c := p.Chain()

	require.NoError(t, c.ChangePort(4))
	require.NoError(t, c.MovePlungerAbs(24000))
	est := c.Estimate()
	sim := c.Simulated()

	remaining, err := p.Execute(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, est, remaining)
	assert.Equal(t, []string{"I4A24000R"}, tr.Sent())
	assert.Equal(t, sim, p.State())
	assert.True(t, c.Empty())
	assert.Zero(t, c.Estimate())
	assert.Equal(t, p.State(), c.Simulated())
	assert.Equal(t, uint64(1), p.Metrics().ChainExecCount.Load())
}

func TestPump_ExecuteWait(t *testing.T) {
	p, tr, clk := newOpenedPump(t)
	tr.push(step{cmd: "Q", status: statusBusy})

	require.NoError(t, p.Chain().MovePlungerAbs(12000))
	est := p.Chain().Estimate()

	remaining, err := p.Execute(context.Background(), true)
	require.NoError(t, err)

	assert.Zero(t, remaining)
	assert.Equal(t, []string{"A12000R", "Q", "Q"}, tr.Sent())
	assert.Equal(t, []time.Duration{est, DefaultPollInterval}, clk.Slept())
	assert.Equal(t, 12000, p.State().PlungerPos)
	assert.Equal(t, uint64(2), p.Metrics().PollCount.Load())
}

func TestPump_ExecuteEmptyChain(t *testing.T) {
	p, tr, _ := newOpenedPump(t)

	remaining, err := p.Execute(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, remaining)
	assert.Empty(t, tr.Sent())
}

func TestPump_ExecuteSpeedChangeRequeries(t *testing.T) {
	p, tr, _ := newOpenedPump(t)
	tr.queries["?2"] = "1000"
	tr.queries["?3"] = "800"

	require.NoError(t, p.Chain().SetSpeed(13))
	require.NoError(t, p.Chain().SetSlope(9))

	_, err := p.Execute(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, append([]string{"S13L9R"}, reconcileQueries...), tr.Sent())
	assert.Equal(t, 1000, p.State().TopSpeed)
	assert.Equal(t, 800, p.State().CutoffSpeed)
	assert.Equal(t, 9, p.State().Slope)
	assert.Equal(t, p.State(), p.Chain().Simulated())
}

func TestPump_ValidationErrorSendsNothing(t *testing.T) {
	p, tr, _ := newOpenedPump(t)
	require.NoError(t, p.Chain().MovePlungerAbs(100))

	err := p.Chain().MovePlungerAbs(24001)
	require.ErrorIs(t, err, ErrValidation)

	assert.Equal(t, "A100", p.Chain().String())
	assert.Empty(t, tr.Sent())
}

func TestPump_RecoverableErrorReinitializesAndResends(t *testing.T) {
	p, tr, _ := newOpenedPump(t)
	tr.push(step{cmd: "A24000R", status: statusErr(CodePlungerOverload)})
	tr.queries["?"] = "24000"

	require.NoError(t, p.Chain().MovePlungerAbs(24000))

	_, err := p.Execute(context.Background(), false)
	require.NoError(t, err)

	want := append([]string{"A24000R", "Z0R", "Q", "A24000R"}, reconcileQueries...)
	assert.Equal(t, want, tr.Sent())
	assert.Equal(t, 1, tr.count("Z0R"))
	assert.Equal(t, NormalState, p.RecoveryState())
	assert.Equal(t, 24000, p.State().PlungerPos)

	m := p.Metrics()
	assert.Equal(t, uint64(1), m.RecoveryCount.Load())
	assert.Equal(t, uint64(1), m.ProtocolErrCount.Load())
	assert.Equal(t, uint64(1), m.ErrorCodeCount(CodePlungerOverload))
}

func TestPump_PersistentErrorRecoversOnce(t *testing.T) {
	p, tr, _ := newOpenedPump(t)
	overload := statusErr(CodePlungerOverload)
	tr.push(
		step{cmd: "A24000R", status: overload},
		step{cmd: "Z0R", status: overload},
		step{cmd: "Q", status: overload},
		step{cmd: "A24000R", status: overload},
	)

	require.NoError(t, p.Chain().MovePlungerAbs(24000))

	_, err := p.Execute(context.Background(), false)
	require.Error(t, err)

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CodePlungerOverload, pe.Code)

	assert.Equal(t, []string{"A24000R", "Z0R", "Q", "A24000R"}, tr.Sent())
	assert.Equal(t, NormalState, p.RecoveryState())
	assert.True(t, p.Chain().Empty())
	assert.Equal(t, 0, p.State().PlungerPos)
	assert.Equal(t, uint64(1), p.Metrics().RecoveryCount.Load())
}

func TestPump_ReinitFailurePropagates(t *testing.T) {
	p, tr, _ := newOpenedPump(t)
	tr.push(
		step{cmd: "I2R", status: statusErr(CodeValveOverload)},
		step{cmd: "Z0R", status: statusErr(CodeInitialization)},
	)

	require.NoError(t, p.Chain().ChangePort(2))

	_, err := p.Execute(context.Background(), false)

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CodeInitialization, pe.Code)
	assert.Equal(t, []string{"I2R", "Z0R"}, tr.Sent())
	assert.Equal(t, NormalState, p.RecoveryState())
}

func TestPump_NonRecoverableErrorPropagates(t *testing.T) {
	p, tr, _ := newOpenedPump(t)
	tr.push(step{cmd: "A100R", status: statusErr(CodeInvalidOperand)})

	require.NoError(t, p.Chain().MovePlungerAbs(100))

	_, err := p.Execute(context.Background(), false)
	require.ErrorIs(t, err, ErrProtocol)

	assert.Equal(t, []string{"A100R"}, tr.Sent())
	assert.True(t, p.Chain().Empty())
	assert.Equal(t, 0, p.State().PlungerPos)
	assert.Equal(t, p.State(), p.Chain().Simulated())
	assert.Zero(t, p.Metrics().RecoveryCount.Load())
}

func TestPump_TransportErrorPropagates(t *testing.T) {
	p, tr, _ := newOpenedPump(t)
	tr.push(step{cmd: "A100R", err: transport.ErrResponseTimeout})

	require.NoError(t, p.Chain().MovePlungerAbs(100))

	_, err := p.Execute(context.Background(), false)
	require.ErrorIs(t, err, transport.ErrResponseTimeout)
	assert.True(t, p.Chain().Empty())
	assert.Equal(t, []string{"A100R"}, tr.Sent())
}

func TestPump_WaitReadyTimeout(t *testing.T) {
	p, tr, clk := newOpenedPump(t)
	tr.status["Q"] = statusBusy
	require.NoError(t, p.Chain().MovePlungerAbs(100))

	err := p.WaitReady(context.Background(), time.Second, 300*time.Millisecond, 0)
	require.ErrorIs(t, err, ErrTimeout)

	assert.Equal(t, 5, tr.count("Q"))
	assert.Equal(t, []time.Duration{
		300 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond, 100 * time.Millisecond,
	}, clk.Slept())
	assert.True(t, p.Chain().Empty())
}

func TestPump_WaitReadyContextCanceled(t *testing.T) {
	p, tr, _ := newOpenedPump(t)
	tr.status["Q"] = statusBusy

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.WaitReady(ctx, time.Second, 0, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPump_WaitReadyRecoversPollError(t *testing.T) {
	p, tr, _ := newOpenedPump(t)
	tr.push(
		step{cmd: "A100R"},
		step{cmd: "Q", status: statusErr(CodeValveOverload)},
	)
	require.NoError(t, p.Chain().MovePlungerAbs(100))

	_, err := p.Execute(context.Background(), true)
	require.NoError(t, err)

	want := append([]string{"A100R", "Q", "Z0R", "Q", "Q"}, reconcileQueries...)
	assert.Equal(t, want, tr.Sent())
	assert.Equal(t, uint64(1), p.Metrics().RecoveryCount.Load())
}

func TestPump_WaitReadyRecoveryOutlastsTimeout(t *testing.T) {
	p, tr, clk := newOpenedPump(t)
	tr.push(
		step{cmd: "Q", status: statusErr(CodePlungerOverload)},
		step{cmd: "Z0R"},
		step{cmd: "Q", status: statusBusy},
		step{cmd: "Q", status: statusBusy},
		step{cmd: "Q", status: statusBusy},
		step{cmd: "Q", status: statusBusy},
	)

	// reinitialization takes longer than the caller's timeout; the resent
	// poll reports ready
	require.NoError(t, p.WaitReady(context.Background(), time.Second, 0, 0))

	assert.Equal(t, []string{"Q", "Z0R", "Q", "Q", "Q", "Q", "Q", "Q"}, tr.Sent())
	assert.Len(t, clk.Slept(), 4)
	assert.Equal(t, uint64(1), p.Metrics().RecoveryCount.Load())
}

func TestPump_RecoveryResetsConfirmedState(t *testing.T) {
	p, tr, _ := newOpenedPump(t)
	ctx := context.Background()

	require.NoError(t, p.Chain().ChangePort(4))
	require.NoError(t, p.Chain().MovePlungerAbs(24000))
	_, err := p.Execute(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 24000, p.State().PlungerPos)
	assert.Equal(t, 4, p.State().Port)

	tr.push(step{cmd: "Q", status: statusErr(CodePlungerOverload)})
	ready, err := p.IsReady(ctx)
	require.NoError(t, err)
	assert.True(t, ready)

	assert.Equal(t, []string{"I4A24000R", "Q", "Z0R", "Q", "Q"}, tr.Sent())
	assert.Equal(t, 0, p.State().PlungerPos)
	assert.Equal(t, DefaultInitPort, p.State().Port)
	assert.Equal(t, p.State(), p.Chain().Simulated())

	// the plunger is home, so a dispense has nothing to push out
	assert.ErrorIs(t, p.Chain().MovePlungerRel(-1000), ErrValidation)
	assert.True(t, p.Chain().Empty())
}

func TestPump_ExecuteRepeatedRelativeMove(t *testing.T) {
	p, tr, _ := newOpenedPump(t, WithMicrostep(false))

	_, err := p.Do(context.Background(), false, func(c *Chain) error {
		c.MarkRepeatStart()
		if err := c.MovePlungerRel(1000); err != nil {
			return err
		}
		return c.Repeat(5)
	})
	require.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, tr.Sent())

	_, err = p.Do(context.Background(), false, func(c *Chain) error {
		c.MarkRepeatStart()
		if err := c.MovePlungerRel(1000); err != nil {
			return err
		}
		return c.Repeat(3)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"gP1000G3R"}, tr.Sent())
	assert.Equal(t, 3000, p.State().PlungerPos)
}

func TestPump_WaitReadyToleratesRepeatedError(t *testing.T) {
	p, tr, _ := newOpenedPump(t)
	tr.push(
		step{cmd: "A100R", status: statusErr(CodeInvalidOperand)},
	)
	require.NoError(t, p.Chain().MovePlungerAbs(100))
	_, err := p.Execute(context.Background(), false)
	require.Error(t, err)

	tr.status["Q"] = statusErr(CodeInvalidOperand)
	require.NoError(t, p.WaitReady(context.Background(), 0, 0, 0))

	ready, err := p.IsReady(context.Background())
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestPump_IsReady(t *testing.T) {
	p, tr, _ := newOpenedPump(t)
	tr.push(step{cmd: "Q", status: statusBusy})

	ready, err := p.IsReady(context.Background())
	require.NoError(t, err)
	assert.False(t, ready)

	ready, err = p.IsReady(context.Background())
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestPump_CurrentPortNonNumeric(t *testing.T) {
	p, tr, _ := newOpenedPump(t)
	tr.queries["?6"] = "5"
	tr.push(step{cmd: "?6", data: "`"})

	port, err := p.CurrentPort(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, port)
	assert.Equal(t, 5, p.State().Port)
	assert.Equal(t, []string{"?6", "Z0R", "Q", "?6"}, tr.Sent())
}

func TestPump_QueryInvalidReply(t *testing.T) {
	p, tr, _ := newOpenedPump(t)
	tr.push(step{cmd: "?4", data: "abc"})

	_, err := p.EncoderPosition(context.Background())
	require.ErrorIs(t, err, ErrInvalidReply)
}

func TestPump_Queries(t *testing.T) {
	p, tr, _ := newOpenedPump(t)
	tr.queries["?"] = "321"
	tr.queries["?4"] = "318"

	pos, err := p.PlungerPosition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 321, pos)
	assert.Equal(t, 321, p.State().PlungerPos)

	enc, err := p.EncoderPosition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 318, enc)

	v, err := p.StartSpeed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 900, v)
}

func TestPump_Init(t *testing.T) {
	p, tr, _ := newOpenedPump(t)

	require.NoError(t, p.Chain().MovePlungerAbs(100))
	require.NoError(t, p.Init(context.Background(), -1, 0))

	assert.Equal(t, []string{"Z0R", "Q", "?", "?6"}, tr.Sent())
	assert.True(t, p.Chain().Empty())

	tr.clearSent()
	require.NoError(t, p.Init(context.Background(), 2, 8))
	assert.Equal(t, "Y2R", tr.Sent()[0])
}

func TestPump_InitAutoForce(t *testing.T) {
	p, tr, _ := newOpenedPump(t, WithSyringeVolume(250))

	require.NoError(t, p.Init(context.Background(), -1, 0))
	assert.Equal(t, "Z1R", tr.Sent()[0])
}

func TestPump_InitInvalid(t *testing.T) {
	p, tr, _ := newOpenedPump(t)

	require.ErrorIs(t, p.Init(context.Background(), -1, 3), ErrValidation)
	require.ErrorIs(t, p.Init(context.Background(), 5, 1), ErrValidation)
	assert.Empty(t, tr.Sent())
}

func TestPump_ResetChainWithoutExecute(t *testing.T) {
	p, tr, _ := newOpenedPump(t)
	before := p.State()

	require.NoError(t, p.Chain().ChangePort(5))
	require.NoError(t, p.Chain().SetSpeed(3))
	require.NoError(t, p.Chain().MovePlungerAbs(20000))

	require.NoError(t, p.ResetChain(context.Background(), false, false))

	assert.Equal(t, before, p.State())
	assert.Equal(t, p.State(), p.Chain().Simulated())
	assert.True(t, p.Chain().Empty())
	assert.Empty(t, tr.Sent())
}

func TestPump_Do(t *testing.T) {
	p, tr, _ := newOpenedPump(t)

	_, err := p.Do(context.Background(), false, func(c *Chain) error {
		if err := c.ChangePort(2); err != nil {
			return err
		}
		return c.MovePlungerAbs(99999)
	})
	require.ErrorIs(t, err, ErrValidation)
	assert.True(t, p.Chain().Empty())
	assert.Empty(t, tr.Sent())

	_, err = p.Do(context.Background(), false, func(c *Chain) error {
		c.MarkRepeatStart()
		if err := c.MovePlungerAbs(2400); err != nil {
			return err
		}
		if err := c.MovePlungerAbs(0); err != nil {
			return err
		}
		return c.Repeat(2)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"gA2400A0G2R"}, tr.Sent())
}

func TestPump_HaltResumeTerminate(t *testing.T) {
	p, tr, _ := newOpenedPump(t)

	p.Chain().Halt()
	require.NoError(t, p.Chain().MovePlungerAbs(100))
	_, err := p.Execute(context.Background(), false)
	require.NoError(t, err)

	require.NoError(t, p.Resume(context.Background()))
	require.NoError(t, p.Terminate(context.Background()))

	assert.Equal(t, []string{"HA100R", "R", "TR"}, tr.Sent())
	assert.Equal(t, "TR", p.LastCommand())
}

func TestPump_SendImmediate(t *testing.T) {
	p, tr, _ := newOpenedPump(t)
	tr.queries["?23"] = "XL3000 V1.0"

	data, err := p.SendImmediate(context.Background(), "?23")
	require.NoError(t, err)
	assert.Equal(t, "XL3000 V1.0", data)
	// Open sends the mode command and five queries
	assert.Equal(t, uint64(7), p.Metrics().CommandSendCount.Load())
}

func TestPump_ErrorCodeCounts(t *testing.T) {
	p, tr, _ := newOpenedPump(t)
	tr.push(
		step{cmd: "A1R", status: statusErr(CodeInvalidOperand)},
		step{cmd: "A1R", status: statusErr(CodeInvalidSequence)},
	)

	for i := 0; i < 2; i++ {
		require.NoError(t, p.Chain().MovePlungerAbs(1))
		_, err := p.Execute(context.Background(), false)
		require.True(t, errors.Is(err, ErrProtocol))
	}

	counts := p.Metrics().ErrorCodeCounts()
	assert.Equal(t, map[ErrorCode]uint64{CodeInvalidOperand: 1, CodeInvalidSequence: 1}, counts)
	assert.Equal(t, uint64(2), p.Metrics().ProtocolErrCount.Load())
}

func TestPump_RecoveryLogging(t *testing.T) {
	ml := logger.NewMockLogger()
	ml.On("Debug", mock.Anything, mock.Anything).Maybe()
	ml.On("Info", mock.Anything, mock.Anything).Maybe()
	ml.On("Warn", mock.Anything, mock.Anything).Maybe()
	ml.On("Error", mock.Anything, mock.Anything).Maybe()

	p, tr, _ := newOpenedPump(t, WithLogger(ml))
	tr.push(step{cmd: "A10R", status: statusErr(CodeValveOverload)})
	require.NoError(t, p.Chain().MovePlungerAbs(10))

	_, err := p.Execute(context.Background(), false)
	require.NoError(t, err)

	ml.AssertCalled(t, "Warn", "cavro: recovering from pump error", mock.Anything)
	ml.AssertCalled(t, "Debug", "cavro: send", []any{"cmd", "A10R"})
	ml.AssertNotCalled(t, "Error", "cavro: command failed", mock.Anything)

	tr.push(step{cmd: "A20R", status: statusErr(CodeInvalidOperand)})
	require.NoError(t, p.Chain().MovePlungerAbs(20))
	_, err = p.Execute(context.Background(), false)
	require.Error(t, err)

	ml.AssertCalled(t, "Error", "cavro: command failed", mock.Anything)
}
