package cavro

import (
	"errors"
	"sync/atomic"
)

// RecoveryState is the state of the error recovery policy.
type RecoveryState uint32

const (
	// NormalState: errors are classified and may start a recovery.
	NormalState RecoveryState = iota
	// RecoveringState: the pump is being reinitialized; errors are not recovered again.
	RecoveringState
)

// String returns string representation of the recovery state.
func (s RecoveryState) String() string {
	switch s {
	case NormalState:
		return "normal"
	case RecoveringState:
		return "recovering"
	default:
		return "unknown"
	}
}

// RecoveryAction is the decision taken for an error raised by an exchange.
type RecoveryAction int

const (
	// ActionPropagate discards the pending chain and returns the error.
	ActionPropagate RecoveryAction = iota
	// ActionRecover discards the pending chain, reinitializes the pump and
	// resends the last raw command once.
	ActionRecover
)

// String returns string representation of the action.
func (a RecoveryAction) String() string {
	switch a {
	case ActionPropagate:
		return "propagate"
	case ActionRecover:
		return "recover"
	default:
		return "unknown"
	}
}

// RecoveryPolicy decides how errors raised by pump exchanges are handled.
//
// Recoverable protocol errors raised in NormalState start one recovery cycle.
// Errors raised while recovering, including those of the reinitialization
// itself, are never recovered again, which bounds recovery to a single
// reinitialize-and-resend attempt.
type RecoveryPolicy struct {
	state atomic.Uint32
}

// State returns the current recovery state.
func (p *RecoveryPolicy) State() RecoveryState {
	return RecoveryState(p.state.Load())
}

// IsRecovering reports whether a recovery cycle is in progress.
func (p *RecoveryPolicy) IsRecovering() bool {
	return p.State() == RecoveringState
}

// Classify returns the action for err in the current state.
func (p *RecoveryPolicy) Classify(err error) RecoveryAction {
	if p.IsRecovering() {
		return ActionPropagate
	}
	if isRecoverableErr(err) {
		return ActionRecover
	}

	return ActionPropagate
}

// Begin moves the policy to RecoveringState. It returns false if a recovery
// is already in progress.
func (p *RecoveryPolicy) Begin() bool {
	return p.state.CompareAndSwap(uint32(NormalState), uint32(RecoveringState))
}

// End moves the policy back to NormalState.
func (p *RecoveryPolicy) End() {
	p.state.Store(uint32(NormalState))
}

// ToleratesReinitError reports whether an error raised while reinitializing
// may be ignored: recoverable codes are swallowed once, anything else propagates.
func (p *RecoveryPolicy) ToleratesReinitError(err error) bool {
	return isRecoverableErr(err)
}

func isRecoverableErr(err error) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Recoverable()
	}

	return false
}
