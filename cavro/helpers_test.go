package cavro

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-cavro/logger"
	"github.com/arloliu/go-cavro/transport"
)

const (
	statusReady = "01100000"
	statusBusy  = "01000000"
)

// statusErr returns a ready status byte carrying code.
func statusErr(code ErrorCode) string {
	return fmt.Sprintf("0110%04b", uint8(code))
}

// step is one scripted reply. An empty cmd matches any command.
type step struct {
	cmd    string
	status string
	data   string
	err    error
}

// fakeTransport answers commands from a script, falling back to per-command
// default replies once the head of the script does not match.
type fakeTransport struct {
	mu      sync.Mutex
	script  []step
	queries map[string]string
	status  map[string]string
	sent    []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		queries: map[string]string{
			"?":  "0",
			"?1": "900",
			"?2": "1400",
			"?3": "900",
			"?4": "0",
			"?6": "1",
		},
		status: map[string]string{},
	}
}

func (f *fakeTransport) SendRcv(ctx context.Context, cmd string) (*transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.sent = append(f.sent, cmd)

	if len(f.script) > 0 && (f.script[0].cmd == "" || f.script[0].cmd == cmd) {
		st := f.script[0]
		f.script = f.script[1:]
		if st.err != nil {
			return nil, st.err
		}
		if st.status == "" {
			st.status = statusReady
		}
		return &transport.Response{StatusByte: st.status, Data: st.data}, nil
	}

	status, ok := f.status[cmd]
	if !ok {
		status = statusReady
	}

	return &transport.Response{StatusByte: status, Data: f.queries[cmd]}, nil
}

func (f *fakeTransport) push(steps ...step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, steps...)
}

func (f *fakeTransport) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) clearSent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

func (f *fakeTransport) count(cmd string) int {
	n := 0
	for _, s := range f.Sent() {
		if s == cmd {
			n++
		}
	}
	return n
}

// fakeClock advances only when slept on.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)
	return nil
}

func (c *fakeClock) Slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.slept...)
}

// newTestPump creates a pump on a fake transport and clock. The pump is not opened.
func newTestPump(t *testing.T, opts ...PumpOption) (*Pump, *fakeTransport, *fakeClock) {
	t.Helper()

	clk := newFakeClock()
	base := []PumpOption{
		WithClock(clk),
		WithLogger(logger.NewSlogWriter(io.Discard, logger.DebugLevel, false)),
	}
	cfg, err := NewPumpConfig(append(base, opts...)...)
	require.NoError(t, err)

	tr := newFakeTransport()
	p, err := NewPump(tr, cfg)
	require.NoError(t, err)

	return p, tr, clk
}

// newOpenedPump creates a pump and runs Open against the default replies.
func newOpenedPump(t *testing.T, opts ...PumpOption) (*Pump, *fakeTransport, *fakeClock) {
	t.Helper()

	p, tr, clk := newTestPump(t, opts...)
	require.NoError(t, p.Open(context.Background()))
	tr.clearSent()

	return p, tr, clk
}
