// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标（Counter/Gauge/Histogram），实现 transport.ARQObserver
// =============================================================================
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/rudp/internal/transport"
)

// ARQMetrics ARQ 事件指标
type ARQMetrics struct {
	AckLatency       prometheus.Histogram
	StateTransitions *prometheus.CounterVec
	SendResults      *prometheus.CounterVec
	SendAttempts     *prometheus.HistogramVec
}

// NewARQMetrics 创建并注册指标
func NewARQMetrics(registry prometheus.Registerer) *ARQMetrics {
	m := &ARQMetrics{
		AckLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "arq",
			Name:      "ack_latency_seconds",
			Help:      "Time from first transmission of a data frame to its acknowledgement",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arq",
			Name:      "state_transitions_total",
			Help:      "Connection state transitions",
		}, []string{"from", "to"}),

		SendResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arq",
			Name:      "send_results_total",
			Help:      "Outcome of reliable sends by frame kind",
		}, []string{"flag", "result"}),

		SendAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "arq",
			Name:      "send_attempts",
			Help:      "Transmissions needed per reliable send",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}, []string{"flag"}),
	}

	registry.MustRegister(
		m.AckLatency,
		m.StateTransitions,
		m.SendResults,
		m.SendAttempts,
	)

	return m
}

// OnAckLatency 实现 transport.ARQObserver
func (m *ARQMetrics) OnAckLatency(d time.Duration) {
	m.AckLatency.Observe(d.Seconds())
}

// OnStateChange 实现 transport.ARQObserver
func (m *ARQMetrics) OnStateChange(from, to transport.ARQState) {
	m.StateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// OnSendResult 实现 transport.ARQObserver
func (m *ARQMetrics) OnSendResult(flag transport.Flag, attempts int, err error) {
	m.SendResults.WithLabelValues(flag.String(), sendResult(err)).Inc()
	if attempts > 0 {
		m.SendAttempts.WithLabelValues(flag.String()).Observe(float64(attempts))
	}
}

func sendResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, transport.ErrRetriesExhausted):
		return "exhausted"
	case errors.Is(err, transport.ErrPeerClosed):
		return "peer_closed"
	case errors.Is(err, transport.ErrConnClosed):
		return "closed"
	default:
		return "error"
	}
}

var _ transport.ARQObserver = (*ARQMetrics)(nil)
