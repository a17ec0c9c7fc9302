package cavro

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// PumpMetrics contains atomic metrics for a pump.
// Metrics can be read from any goroutine while the pump is in use.
type PumpMetrics struct {
	// CommandSendCount indicates the number of commands transmitted.
	CommandSendCount atomic.Uint64
	// ChainExecCount indicates the number of chains executed.
	ChainExecCount atomic.Uint64
	// ProtocolErrCount indicates the number of error codes reported by the pump.
	ProtocolErrCount atomic.Uint64
	// RecoveryCount indicates the number of reinitialize-and-resend cycles started.
	RecoveryCount atomic.Uint64
	// PollCount indicates the number of ready polls.
	PollCount atomic.Uint64

	errCodes *xsync.MapOf[ErrorCode, *atomic.Uint64]
}

func newPumpMetrics() *PumpMetrics {
	return &PumpMetrics{
		errCodes: xsync.NewMapOf[ErrorCode, *atomic.Uint64](),
	}
}

// ErrorCodeCount returns how many times the pump reported code.
func (m *PumpMetrics) ErrorCodeCount(code ErrorCode) uint64 {
	if cnt, ok := m.errCodes.Load(code); ok {
		return cnt.Load()
	}

	return 0
}

// ErrorCodeCounts returns a snapshot of the per-code error counts.
func (m *PumpMetrics) ErrorCodeCounts() map[ErrorCode]uint64 {
	counts := make(map[ErrorCode]uint64, m.errCodes.Size())
	m.errCodes.Range(func(code ErrorCode, cnt *atomic.Uint64) bool {
		counts[code] = cnt.Load()
		return true
	})

	return counts
}

func (m *PumpMetrics) incCommandSendCount() {
	m.CommandSendCount.Add(1)
}

func (m *PumpMetrics) incChainExecCount() {
	m.ChainExecCount.Add(1)
}

func (m *PumpMetrics) incRecoveryCount() {
	m.RecoveryCount.Add(1)
}

func (m *PumpMetrics) incPollCount() {
	m.PollCount.Add(1)
}

func (m *PumpMetrics) addProtocolErr(code ErrorCode) {
	m.ProtocolErrCount.Add(1)
	cnt, _ := m.errCodes.LoadOrCompute(code, func() *atomic.Uint64 { return &atomic.Uint64{} })
	cnt.Add(1)
}
