// Package transport carries Cavro pump commands over a byte stream.
//
// A Transport sends one ASCII command string and returns the parsed reply:
// the status byte, rendered as an eight character bit string, and the data
// payload. Framing, addressing and link-level retransmission live here; the
// meaning of the status bits and any recovery from device errors belongs to
// the caller.
//
// DTConn implements the Cavro DT (data terminal) protocol:
//
//	command:  '/' <address> <command> CR
//	reply:    '/' '0' <status> <data> ETX [CR LF]
//
// where <address> is '1' for switch position 0, '2' for position 1, and so on.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Errors returned by transports.
var (
	// ErrResponseTimeout indicates that no complete reply arrived within the response timeout.
	ErrResponseTimeout = errors.New("transport: response timeout")

	// ErrMalformedResponse indicates that a reply frame could not be parsed.
	ErrMalformedResponse = errors.New("transport: malformed response")

	// ErrClosed indicates that the transport has been closed.
	ErrClosed = errors.New("transport: closed")
)

// Transport is a half-duplex request/response link to a single pump.
//
// Implementations must not allow more than one outstanding request.
type Transport interface {
	// SendRcv transmits cmd and blocks until the reply is received.
	SendRcv(ctx context.Context, cmd string) (*Response, error)
}

// Response is a parsed device reply.
type Response struct {
	// StatusByte is the status character as an MSB-first bit string, e.g. "01100000".
	StatusByte string
	// Data is the reply payload, possibly empty.
	Data string
}

// StatusBits renders a status character as an MSB-first eight character bit string.
func StatusBits(b byte) string {
	return fmt.Sprintf("%08b", b)
}

// AddressChar returns the DT address character for a pump switch position.
func AddressChar(addr int) byte {
	return byte('1' + addr)
}
