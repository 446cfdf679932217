package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ScanMetrics holds the scan counters. A nil *ScanMetrics records nothing.
type ScanMetrics struct {
	registry *prometheus.Registry

	BlocksScanned      *prometheus.CounterVec
	FeeEvents          *prometheus.CounterVec
	Gaps               *prometheus.CounterVec
	MalformedEvents    *prometheus.CounterVec
	UnrecognizedEvents *prometheus.CounterVec
	RPCRetries         *prometheus.CounterVec
	Cursor             *prometheus.GaugeVec
	RunDuration        *prometheus.HistogramVec
}

var scanLabels = []string{"chain", "contract"}

// New builds the metrics and registers them on a private registry.
func New() *ScanMetrics {
	m := &ScanMetrics{
		registry: prometheus.NewRegistry(),
		BlocksScanned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feescan_blocks_scanned_total",
			Help: "Total number of blocks scanned",
		}, scanLabels),
		FeeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feescan_fee_events_total",
			Help: "Total number of affiliate fee events stored",
		}, []string{"chain", "contract", "priced"}),
		Gaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feescan_gaps_total",
			Help: "Total number of block ranges skipped as gaps",
		}, scanLabels),
		MalformedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feescan_malformed_events_total",
			Help: "Total number of logs that failed to decode",
		}, scanLabels),
		UnrecognizedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feescan_unrecognized_events_total",
			Help: "Total number of logs with an unknown topic0",
		}, scanLabels),
		RPCRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feescan_rpc_retries_total",
			Help: "Total number of RPC retries by error kind",
		}, []string{"chain", "kind"}),
		Cursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "feescan_cursor_block",
			Help: "Last committed block per chain and contract",
		}, scanLabels),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feescan_run_duration_seconds",
			Help:    "Duration of one worker run",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, scanLabels),
	}
	m.registry.MustRegister(
		m.BlocksScanned,
		m.FeeEvents,
		m.Gaps,
		m.MalformedEvents,
		m.UnrecognizedEvents,
		m.RPCRetries,
		m.Cursor,
		m.RunDuration,
	)
	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *ScanMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *ScanMetrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *ScanMetrics) AddBlocks(chain, contract string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.BlocksScanned.WithLabelValues(chain, contract).Add(float64(n))
}

func (m *ScanMetrics) AddFeeEvents(chain, contract string, priced, unpriced int) {
	if m == nil {
		return
	}
	if priced > 0 {
		m.FeeEvents.WithLabelValues(chain, contract, "true").Add(float64(priced))
	}
	if unpriced > 0 {
		m.FeeEvents.WithLabelValues(chain, contract, "false").Add(float64(unpriced))
	}
}

func (m *ScanMetrics) IncGap(chain, contract string) {
	if m == nil {
		return
	}
	m.Gaps.WithLabelValues(chain, contract).Inc()
}

func (m *ScanMetrics) AddMalformed(chain, contract string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MalformedEvents.WithLabelValues(chain, contract).Add(float64(n))
}

func (m *ScanMetrics) AddUnrecognized(chain, contract string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.UnrecognizedEvents.WithLabelValues(chain, contract).Add(float64(n))
}

func (m *ScanMetrics) IncRetry(chain, kind string) {
	if m == nil {
		return
	}
	m.RPCRetries.WithLabelValues(chain, kind).Inc()
}

func (m *ScanMetrics) SetCursor(chain, contract string, block uint64) {
	if m == nil {
		return
	}
	m.Cursor.WithLabelValues(chain, contract).Set(float64(block))
}

func (m *ScanMetrics) ObserveRun(chain, contract string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.WithLabelValues(chain, contract).Observe(d.Seconds())
}
