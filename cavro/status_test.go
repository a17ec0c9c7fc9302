package cavro

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		bits  string
		ready bool
		code  ErrorCode
	}{
		{"01100000", true, CodeNoError},
		{"01000000", false, CodeNoError},
		{"01100111", true, CodeNotInitialized},
		{"01001001", false, CodePlungerOverload},
		{"01101111", true, CodeCommandOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.bits, func(t *testing.T) {
			st, err := ParseStatus(tt.bits)
			require.NoError(t, err)
			assert.Equal(t, tt.ready, st.Ready)
			assert.Equal(t, tt.code, st.Code)
		})
	}
}

func TestParseStatus_Invalid(t *testing.T) {
	_, err := ParseStatus("0110")
	require.Error(t, err)

	_, err = ParseStatus("0110x000")
	require.Error(t, err)

	_, err = ParseStatus("011000001")
	require.Error(t, err)
}

func TestStatusDecoder_Decode(t *testing.T) {
	var d StatusDecoder

	ready, err := d.Decode(statusReady)
	require.NoError(t, err)
	assert.True(t, ready)

	ready, err = d.Decode("01100111")
	require.Error(t, err)
	assert.True(t, ready)

	var pe *ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, CodeNotInitialized, pe.Code)
	assert.False(t, pe.Repeat)
	assert.True(t, pe.Recoverable())
	assert.ErrorIs(t, err, ErrProtocol)

	ready, err = d.Decode("01000111")
	require.ErrorAs(t, err, &pe)
	assert.False(t, ready)
	assert.True(t, pe.Repeat)
	assert.False(t, d.Ready())
	assert.Equal(t, CodeNotInitialized, d.PrevCode())

	_, err = d.Decode(statusBusy)
	require.NoError(t, err)
	assert.Equal(t, CodeNoError, d.PrevCode())
}

func TestProtocolError(t *testing.T) {
	err := &ProtocolError{Code: CodePlungerOverload}
	assert.Equal(t, "cavro: Plunger Overload [9]", err.Error())
	assert.True(t, err.Recoverable())

	for _, code := range []ErrorCode{CodeNotInitialized, CodePlungerOverload, CodeValveOverload} {
		assert.True(t, IsRecoverable(code), code.String())
	}
	for _, code := range []ErrorCode{
		CodeInitialization, CodeInvalidCommand, CodeInvalidOperand, CodeInvalidSequence,
		CodeEEPROMFailure, CodePlungerMoveNotAllowed, CodeCommandOverflow,
	} {
		assert.False(t, IsRecoverable(code), code.String())
	}

	assert.Equal(t, "Unknown Error", ErrorCode(5).String())
}
