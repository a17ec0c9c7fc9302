// Package metrics exports pump metrics to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arloliu/go-cavro/cavro"
)

const namespace = "cavro"

var (
	commandsDesc = prometheus.NewDesc(
		namespace+"_commands_sent_total", "Number of commands transmitted to the pump.", []string{"pump"}, nil)
	chainsDesc = prometheus.NewDesc(
		namespace+"_chains_executed_total", "Number of command chains executed.", []string{"pump"}, nil)
	pollsDesc = prometheus.NewDesc(
		namespace+"_ready_polls_total", "Number of status polls issued while waiting for ready.", []string{"pump"}, nil)
	recoveriesDesc = prometheus.NewDesc(
		namespace+"_recoveries_total", "Number of reinitialize-and-resend cycles.", []string{"pump"}, nil)
	protocolErrDesc = prometheus.NewDesc(
		namespace+"_protocol_errors_total", "Number of error codes reported by the pump.", []string{"pump", "code", "name"}, nil)
)

// PumpCollector is a prometheus.Collector reading the metrics of one pump.
type PumpCollector struct {
	name    string
	metrics *cavro.PumpMetrics
}

var _ prometheus.Collector = (*PumpCollector)(nil)

// NewPumpCollector creates a collector for m, labelled with the pump name.
func NewPumpCollector(name string, m *cavro.PumpMetrics) *PumpCollector {
	return &PumpCollector{name: name, metrics: m}
}

// Describe implements prometheus.Collector.
func (c *PumpCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- commandsDesc
	ch <- chainsDesc
	ch <- pollsDesc
	ch <- recoveriesDesc
	ch <- protocolErrDesc
}

// Collect implements prometheus.Collector.
func (c *PumpCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.metrics
	ch <- prometheus.MustNewConstMetric(commandsDesc, prometheus.CounterValue, float64(m.CommandSendCount.Load()), c.name)
	ch <- prometheus.MustNewConstMetric(chainsDesc, prometheus.CounterValue, float64(m.ChainExecCount.Load()), c.name)
	ch <- prometheus.MustNewConstMetric(pollsDesc, prometheus.CounterValue, float64(m.PollCount.Load()), c.name)
	ch <- prometheus.MustNewConstMetric(recoveriesDesc, prometheus.CounterValue, float64(m.RecoveryCount.Load()), c.name)

	for code, n := range m.ErrorCodeCounts() {
		ch <- prometheus.MustNewConstMetric(protocolErrDesc, prometheus.CounterValue, float64(n),
			c.name, strconv.Itoa(int(code)), code.String())
	}
}
