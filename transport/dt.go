package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-cavro/logger"
)

const (
	frameStart  = '/'
	masterAddr  = '0'
	frameEnd    = '\r'
	etx         = 0x03
	maxFrameLen = 256
)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type inputResetter interface {
	ResetInputBuffer() error
}

// DTConn is a Transport speaking the Cavro DT protocol over an io.ReadWriter.
//
// Only one exchange is in flight at a time; concurrent SendRcv calls are
// serialized.
type DTConn struct {
	mu     sync.Mutex
	rw     io.ReadWriter
	buf    []byte
	pend   []byte
	cfg    *Config
	logger logger.Logger
	closed atomic.Bool
}

var _ Transport = (*DTConn)(nil)

// NewDTConn creates a DT protocol transport on rw. A nil cfg uses the defaults.
//
// If rw implements SetReadDeadline (net.Conn) the response timeout is enforced
// with read deadlines. Serial ports are expected to use a short read timeout
// so that reads return periodically with no data.
func NewDTConn(rw io.ReadWriter, cfg *Config) *DTConn {
	if cfg == nil {
		cfg, _ = NewConfig()
	}

	return &DTConn{
		rw:     rw,
		buf:    make([]byte, maxFrameLen),
		cfg:    cfg,
		logger: cfg.GetLogger(),
	}
}

// Config returns the link configuration.
func (c *DTConn) Config() *Config { return c.cfg }

// SendRcv sends cmd to the configured address and waits for the reply.
//
// A response timeout retransmits the command up to RetryLimit times before
// ErrResponseTimeout is returned.
func (c *DTConn) SendRcv(ctx context.Context, cmd string) (*Response, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	frame := EncodeCommand(c.cfg.address, cmd)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.retryLimit; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if attempt > 0 {
			c.logger.Warn("transport: retransmitting command",
				"cmd", cmd, "attempt", attempt, "error", lastErr)
		}

		rsp, err := c.exchange(ctx, frame)
		if err == nil {
			return rsp, nil
		}
		if !errors.Is(err, ErrResponseTimeout) {
			return nil, err
		}
		lastErr = err
	}

	return nil, lastErr
}

// Close closes the underlying stream if it implements io.Closer.
func (c *DTConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}

	return nil
}

func (c *DTConn) exchange(ctx context.Context, frame []byte) (*Response, error) {
	c.pend = nil
	if r, ok := c.rw.(inputResetter); ok {
		_ = r.ResetInputBuffer()
	}

	c.logger.Debug("transport: send", "frame", strconv.Quote(string(frame)))
	if err := c.writeAll(frame); err != nil {
		return nil, fmt.Errorf("transport: write: %w", err)
	}

	body, err := c.readFrame(ctx, time.Now().Add(c.cfg.responseTimeout))
	if err != nil {
		return nil, err
	}
	c.logger.Debug("transport: recv", "frame", strconv.Quote(string(body)))

	return DecodeResponse(body)
}

func (c *DTConn) writeAll(data []byte) error {
	for written := 0; written < len(data); {
		n, err := c.rw.Write(data[written:])
		written += n

		if err != nil {
			return err
		}
	}

	return nil
}

// readFrame returns the bytes between the reply start character and ETX.
// Bytes before the start character (line noise, the CR LF trailer of the
// previous reply) are discarded.
func (c *DTConn) readFrame(ctx context.Context, deadline time.Time) ([]byte, error) {
	if d, ok := c.rw.(readDeadliner); ok {
		if err := d.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer func() { _ = d.SetReadDeadline(time.Time{}) }()
	}

	var body []byte
	started := false
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrResponseTimeout
		}

		b, ok, err := c.readByte()
		if err != nil {
			switch {
			case errors.Is(err, os.ErrDeadlineExceeded):
				return nil, ErrResponseTimeout
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe):
				return nil, ErrClosed
			default:
				return nil, fmt.Errorf("transport: read: %w", err)
			}
		}

		if !ok {
			// serial read timeout with no data; keep waiting until the deadline
			continue
		}

		if !started {
			if b == frameStart {
				started = true
			}
			continue
		}
		if b == etx {
			return body, nil
		}
		if len(body) >= maxFrameLen {
			return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrMalformedResponse, maxFrameLen)
		}
		body = append(body, b)
	}
}

// readByte returns the next buffered byte, reading from the stream when the
// buffer is empty. ok is false when the stream returned no data and no error.
func (c *DTConn) readByte() (b byte, ok bool, err error) {
	if len(c.pend) == 0 {
		n, err := c.rw.Read(c.buf)
		if n == 0 {
			return 0, false, err
		}
		c.pend = c.buf[:n]
	}
	b = c.pend[0]
	c.pend = c.pend[1:]

	return b, true, nil
}

// EncodeCommand builds a DT command frame for the pump at addr.
func EncodeCommand(addr int, cmd string) []byte {
	frame := make([]byte, 0, len(cmd)+3)
	frame = append(frame, frameStart, AddressChar(addr))
	frame = append(frame, cmd...)
	frame = append(frame, frameEnd)

	return frame
}

// DecodeResponse parses the body of a reply frame, the bytes between '/' and ETX.
func DecodeResponse(body []byte) (*Response, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("%w: frame too short (%d bytes)", ErrMalformedResponse, len(body))
	}
	if body[0] != masterAddr {
		return nil, fmt.Errorf("%w: unexpected master address %q", ErrMalformedResponse, body[0])
	}

	return &Response{
		StatusByte: StatusBits(body[1]),
		Data:       string(body[2:]),
	}, nil
}
