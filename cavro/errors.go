package cavro

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates a client-side argument check failed. The pending
	// chain is left unmodified and nothing is transmitted.
	ErrValidation = errors.New("cavro: invalid argument")

	// ErrTimeout indicates the pump did not report ready within the wait timeout.
	ErrTimeout = errors.New("cavro: timeout waiting for pump ready")

	// ErrProtocol matches every *ProtocolError via errors.Is.
	ErrProtocol = errors.New("cavro: pump reported an error")

	// ErrPumpConfigNil indicates that a nil PumpConfig was provided.
	ErrPumpConfigNil = errors.New("cavro: pump config is nil")

	// ErrTransportNil indicates that a nil transport was provided.
	ErrTransportNil = errors.New("cavro: transport is nil")
	// ErrInvalidReply indicates a query reply that is not a decimal integer.
	ErrInvalidReply = errors.New("cavro: invalid query reply")
)

// ErrorCode is the 4-bit error field of the pump status byte.
type ErrorCode uint8

// Error codes reported by XCalibur pumps.
const (
	CodeNoError               ErrorCode = 0
	CodeInitialization        ErrorCode = 1
	CodeInvalidCommand        ErrorCode = 2
	CodeInvalidOperand        ErrorCode = 3
	CodeInvalidSequence       ErrorCode = 4
	CodeEEPROMFailure         ErrorCode = 6
	CodeNotInitialized        ErrorCode = 7
	CodePlungerOverload       ErrorCode = 9
	CodeValveOverload         ErrorCode = 10
	CodePlungerMoveNotAllowed ErrorCode = 11
	CodeCommandOverflow       ErrorCode = 15
)

// String returns the device documentation name for the code.
func (c ErrorCode) String() string {
	switch c {
	case CodeNoError:
		return "No Error"
	case CodeInitialization:
		return "Initialization Error"
	case CodeInvalidCommand:
		return "Invalid Command"
	case CodeInvalidOperand:
		return "Invalid Operand"
	case CodeInvalidSequence:
		return "Invalid Command Sequence"
	case CodeEEPROMFailure:
		return "EEPROM Failure"
	case CodeNotInitialized:
		return "Device Not Initialized"
	case CodePlungerOverload:
		return "Plunger Overload"
	case CodeValveOverload:
		return "Valve Overload"
	case CodePlungerMoveNotAllowed:
		return "Plunger Move Not Allowed"
	case CodeCommandOverflow:
		return "Command Overflow"
	default:
		return "Unknown Error"
	}
}

// ProtocolError is a non-zero error code reported in a pump status byte.
type ProtocolError struct {
	Code ErrorCode
	// Repeat is true when the same code was reported by the previous response.
	Repeat bool
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("cavro: %s [%d]", e.Code, uint8(e.Code))
}

// Is reports whether target is ErrProtocol.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// Recoverable reports whether the code is cleared by reinitializing the pump.
func (e *ProtocolError) Recoverable() bool {
	return IsRecoverable(e.Code)
}

// IsRecoverable reports whether code belongs to the recoverable set
// {Device Not Initialized, Plunger Overload, Valve Overload}.
func IsRecoverable(code ErrorCode) bool {
	switch code {
	case CodeNotInitialized, CodePlungerOverload, CodeValveOverload:
		return true
	default:
		return false
	}
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
