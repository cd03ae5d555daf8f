package nvmft

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ehrlich-b/go-nvmft/internal/ctrl"
)

// PrometheusObserver exports controller events as Prometheus metrics:
//
//   - nvmft_admin_commands_total: admin commands by opcode and status
//   - nvmft_io_commands_total: dispatched commands by opcode and status
//   - nvmft_io_bytes_total: bytes transferred by opcode
//   - nvmft_io_duration_seconds: dispatched command latency
//   - nvmft_async_events_total: asynchronous events by outcome
//   - nvmft_keep_alive_timeouts_total: associations failed by keep-alive expiry
//   - nvmft_controller_transitions_total: lifecycle transitions by state
//   - nvmft_controllers_active: associations currently alive
//   - nvmft_commands_in_flight: last observed in-flight command count
type PrometheusObserver struct {
	adminCommands *prometheus.CounterVec
	ioCommands    *prometheus.CounterVec
	ioBytes       *prometheus.CounterVec
	ioDuration    *prometheus.HistogramVec
	asyncEvents   *prometheus.CounterVec
	kaTimeouts    prometheus.Counter
	transitions   *prometheus.CounterVec
	active        prometheus.Gauge
	inFlight      prometheus.Gauge
}

// NewPrometheusObserver registers the nvmft metrics with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PrometheusObserver{
		adminCommands: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nvmft_admin_commands_total",
				Help: "Total number of completed admin commands",
			},
			[]string{"opcode", "status"},
		),
		ioCommands: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nvmft_io_commands_total",
				Help: "Total number of completed dispatched commands",
			},
			[]string{"opcode", "status"},
		),
		ioBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nvmft_io_bytes_total",
				Help: "Total bytes transferred by successful commands",
			},
			[]string{"opcode"},
		),
		ioDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nvmft_io_duration_seconds",
				Help:    "Dispatched command latency in seconds",
				Buckets: prometheus.ExponentialBuckets(1e-6, 10, 8),
			},
			[]string{"opcode"},
		),
		asyncEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nvmft_async_events_total",
				Help: "Asynchronous events by outcome",
			},
			[]string{"outcome"},
		),
		kaTimeouts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "nvmft_keep_alive_timeouts_total",
				Help: "Associations failed because the keep-alive timer expired",
			},
		),
		transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nvmft_controller_transitions_total",
				Help: "Controller lifecycle transitions by target state",
			},
			[]string{"state"},
		),
		active: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "nvmft_controllers_active",
				Help: "Number of live controller associations",
			},
		),
		inFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "nvmft_commands_in_flight",
				Help: "Last observed number of commands handed to the dispatcher",
			},
		),
	}
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func opcodeLabel(opcode uint8) string {
	return fmt.Sprintf("0x%02x", opcode)
}

func (p *PrometheusObserver) ObserveAdminCommand(opcode uint8, success bool) {
	p.adminCommands.WithLabelValues(opcodeLabel(opcode), statusLabel(success)).Inc()
}

func (p *PrometheusObserver) ObserveIOCommand(opcode uint8, bytes uint64, latencyNs uint64, success bool) {
	op := opcodeLabel(opcode)
	p.ioCommands.WithLabelValues(op, statusLabel(success)).Inc()
	if bytes > 0 {
		p.ioBytes.WithLabelValues(op).Add(float64(bytes))
	}
	p.ioDuration.WithLabelValues(op).Observe(time.Duration(latencyNs).Seconds())
}

func (p *PrometheusObserver) ObserveAsyncEvent(delivered bool) {
	outcome := "dropped"
	if delivered {
		outcome = "delivered"
	}
	p.asyncEvents.WithLabelValues(outcome).Inc()
}

func (p *PrometheusObserver) ObserveKeepAliveTimeout() {
	p.kaTimeouts.Inc()
}

func (p *PrometheusObserver) ObserveControllerState(_ uint16, state string) {
	p.transitions.WithLabelValues(state).Inc()
	switch state {
	case ctrl.StateConnecting.String():
		p.active.Inc()
	case ctrl.StateFreed.String():
		p.active.Dec()
	}
}

func (p *PrometheusObserver) ObserveInFlight(depth uint32) {
	p.inFlight.Set(float64(depth))
}

var _ Observer = (*PrometheusObserver)(nil)
