package cavro

import (
	"fmt"
)

const (
	statusLen      = 8
	statusReadyBit = 2
	statusErrStart = 4
)

// Status is a decoded pump status byte.
type Status struct {
	Ready bool
	Code  ErrorCode
}

// ParseStatus decodes an MSB-first status bit string such as "01100000".
// Bit index 2 is the ready flag and bits 4-7 hold the error code.
func ParseStatus(bits string) (Status, error) {
	if len(bits) != statusLen {
		return Status{}, fmt.Errorf("cavro: status byte %q is not %d bits", bits, statusLen)
	}

	var code ErrorCode
	for i := 0; i < statusLen; i++ {
		var bit ErrorCode
		switch bits[i] {
		case '0':
		case '1':
			bit = 1
		default:
			return Status{}, fmt.Errorf("cavro: status byte %q is not a bit string", bits)
		}
		if i >= statusErrStart {
			code = code<<1 | bit
		}
	}

	return Status{Ready: bits[statusReadyBit] == '1', Code: code}, nil
}

// StatusDecoder decodes status bytes for a single pump and tracks the previous
// error code so a persistent condition can be told apart from a new one.
//
// StatusDecoder is not goroutine-safe.
type StatusDecoder struct {
	prevCode ErrorCode
	ready    bool
}

// Decode parses bits and returns the ready flag.
//
// A non-zero error code is returned as *ProtocolError, with Repeat set when
// the code equals the one seen in the previous response. The ready flag is
// valid even when an error is returned.
func (d *StatusDecoder) Decode(bits string) (bool, error) {
	st, err := ParseStatus(bits)
	if err != nil {
		return false, err
	}

	repeat := st.Code == d.prevCode
	d.prevCode = st.Code
	d.ready = st.Ready

	if st.Code != CodeNoError {
		return st.Ready, &ProtocolError{Code: st.Code, Repeat: repeat}
	}

	return st.Ready, nil
}

// Ready returns the ready flag of the last decoded status byte.
func (d *StatusDecoder) Ready() bool { return d.ready }

// PrevCode returns the error code of the last decoded status byte.
func (d *StatusDecoder) PrevCode() ErrorCode { return d.prevCode }
