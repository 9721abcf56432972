// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/rudp/internal/transport"
)

const namespace = "rudp"

// =============================================================================
// ARQ 连接收集器
// =============================================================================

// ARQStatsProvider ARQ 连接统计接口 (*transport.ARQConn 实现)
type ARQStatsProvider interface {
	GetStats() *transport.ARQStats
}

// ARQCollector 抓取时读取连接快照
type ARQCollector struct {
	statsProvider ARQStatsProvider

	stateDesc          *prometheus.Desc
	framesSentDesc     *prometheus.Desc
	sendAttemptsDesc   *prometheus.Desc
	retransmitsDesc    *prometheus.Desc
	timeoutsDesc       *prometheus.Desc
	simulatedDesc      *prometheus.Desc
	sendFailuresDesc   *prometheus.Desc
	framesRecvDesc     *prometheus.Desc
	framesDroppedDesc  *prometheus.Desc
	framesIgnoredDesc  *prometheus.Desc
	deliveredDesc      *prometheus.Desc
	duplicatesDesc     *prometheus.Desc
	bytesSentDesc      *prometheus.Desc
	bytesDeliveredDesc *prometheus.Desc
	handshakesDesc     *prometheus.Desc
	uptimeDesc         *prometheus.Desc
	rttDesc            *prometheus.Desc
	rtoDesc            *prometheus.Desc
}

// NewARQCollector 创建 ARQ 收集器
func NewARQCollector(provider ARQStatsProvider) *ARQCollector {
	subsystem := "arq"
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}

	return &ARQCollector{
		statsProvider: provider,

		stateDesc:          desc("state", "Current connection state (1 = active)", "state"),
		framesSentDesc:     desc("frames_sent_total", "Frames written to the socket"),
		sendAttemptsDesc:   desc("send_attempts_total", "Transmission attempts including simulated loss"),
		retransmitsDesc:    desc("retransmits_total", "Retransmissions after a timeout"),
		timeoutsDesc:       desc("timeouts_total", "Attempt timeouts while waiting for a reply"),
		simulatedDesc:      desc("simulated_faults_total", "Injected faults", "kind"),
		sendFailuresDesc:   desc("send_failures_total", "Reliable sends that exhausted the retry budget"),
		framesRecvDesc:     desc("frames_received_total", "Frames that passed decoding and checksum"),
		framesDroppedDesc:  desc("frames_dropped_total", "Frames dropped as malformed or corrupted"),
		framesIgnoredDesc:  desc("frames_ignored_total", "Frames illegal for the current state or from a stranger"),
		deliveredDesc:      desc("delivered_total", "Data frames delivered to the application"),
		duplicatesDesc:     desc("duplicates_total", "Duplicate data frames re-acknowledged"),
		bytesSentDesc:      desc("bytes_sent_total", "Acknowledged payload bytes sent"),
		bytesDeliveredDesc: desc("bytes_delivered_total", "Payload bytes delivered"),
		handshakesDesc:     desc("handshakes_total", "Completed handshakes"),
		uptimeDesc:         desc("uptime_seconds", "Endpoint uptime"),
		rttDesc:            desc("rtt_seconds", "Acknowledgement round trip time", "stat"),
		rtoDesc:            desc("suggested_rto_seconds", "RFC 6298 retransmission timeout for the measured RTT"),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *ARQCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.stateDesc
	ch <- c.framesSentDesc
	ch <- c.sendAttemptsDesc
	ch <- c.retransmitsDesc
	ch <- c.timeoutsDesc
	ch <- c.simulatedDesc
	ch <- c.sendFailuresDesc
	ch <- c.framesRecvDesc
	ch <- c.framesDroppedDesc
	ch <- c.framesIgnoredDesc
	ch <- c.deliveredDesc
	ch <- c.duplicatesDesc
	ch <- c.bytesSentDesc
	ch <- c.bytesDeliveredDesc
	ch <- c.handshakesDesc
	ch <- c.uptimeDesc
	ch <- c.rttDesc
	ch <- c.rtoDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *ARQCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.statsProvider.GetStats()

	for _, state := range allStates {
		value := 0.0
		if state.String() == stats.State {
			value = 1
		}
		ch <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue, value, state.String())
	}

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(c.framesSentDesc, stats.FramesSent)
	counter(c.sendAttemptsDesc, stats.SendAttempts)
	counter(c.retransmitsDesc, stats.Retransmits)
	counter(c.timeoutsDesc, stats.Timeouts)
	counter(c.simulatedDesc, stats.SimulatedLoss, "loss")
	counter(c.simulatedDesc, stats.SimulatedBad, "corruption")
	counter(c.sendFailuresDesc, stats.SendFailures)
	counter(c.framesRecvDesc, stats.FramesReceived)
	counter(c.framesDroppedDesc, stats.FramesDropped)
	counter(c.framesIgnoredDesc, stats.FramesIgnored)
	counter(c.deliveredDesc, stats.Delivered)
	counter(c.duplicatesDesc, stats.Duplicates)
	counter(c.bytesSentDesc, stats.BytesSent)
	counter(c.bytesDeliveredDesc, stats.BytesDelivered)
	counter(c.handshakesDesc, stats.HandshakesDone)

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, stats.Uptime.Seconds())

	if stats.RTT.Samples > 0 {
		gauge := func(v float64, stat string) {
			ch <- prometheus.MustNewConstMetric(c.rttDesc, prometheus.GaugeValue, v, stat)
		}
		gauge(stats.RTT.Smoothed.Seconds(), "smoothed")
		gauge(stats.RTT.Variance.Seconds(), "variance")
		gauge(stats.RTT.Min.Seconds(), "min")
		gauge(stats.RTT.Max.Seconds(), "max")
		ch <- prometheus.MustNewConstMetric(c.rtoDesc, prometheus.GaugeValue, stats.RTT.SuggestedRTO().Seconds())
	}
}

var allStates = []transport.ARQState{
	transport.ARQStateClosed,
	transport.ARQStateConnecting,
	transport.ARQStateSynReceived,
	transport.ARQStateEstablished,
	transport.ARQStateClosing,
}

// =============================================================================
// Handler 收集器
// =============================================================================

// HandlerStats 文件服务统计接口
type HandlerStats interface {
	GetActiveSessions() int64
	GetTotalSessions() uint64
	GetTotalRequests() uint64
	GetRequestsByStatus() map[string]uint64
	GetBytesIn() uint64
	GetBytesOut() uint64
	GetSessionErrors() uint64
}

// HandlerCollector Handler 指标收集器
type HandlerCollector struct {
	statsProvider HandlerStats

	activeSessionsDesc *prometheus.Desc
	totalSessionsDesc  *prometheus.Desc
	requestsDesc       *prometheus.Desc
	responsesDesc      *prometheus.Desc
	bytesInDesc        *prometheus.Desc
	bytesOutDesc       *prometheus.Desc
	sessionErrorsDesc  *prometheus.Desc
}

// NewHandlerCollector 创建 Handler 收集器
func NewHandlerCollector(provider HandlerStats) *HandlerCollector {
	subsystem := "handler"

	return &HandlerCollector{
		statsProvider: provider,

		activeSessionsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "active_sessions"),
			"Number of sessions currently being served",
			nil, nil,
		),
		totalSessionsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "sessions_total"),
			"Total sessions accepted",
			nil, nil,
		),
		requestsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "requests_total"),
			"Total requests handled",
			nil, nil,
		),
		responsesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "responses_total"),
			"Responses by status code",
			[]string{"status"}, nil,
		),
		bytesInDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "bytes_received_total"),
			"Total request bytes received",
			nil, nil,
		),
		bytesOutDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "bytes_sent_total"),
			"Total response bytes sent",
			nil, nil,
		),
		sessionErrorsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "session_errors_total"),
			"Sessions that ended with an error",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *HandlerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessionsDesc
	ch <- c.totalSessionsDesc
	ch <- c.requestsDesc
	ch <- c.responsesDesc
	ch <- c.bytesInDesc
	ch <- c.bytesOutDesc
	ch <- c.sessionErrorsDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *HandlerCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.activeSessionsDesc, prometheus.GaugeValue,
		float64(c.statsProvider.GetActiveSessions()))
	ch <- prometheus.MustNewConstMetric(c.totalSessionsDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetTotalSessions()))
	ch <- prometheus.MustNewConstMetric(c.requestsDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetTotalRequests()))
	for status, n := range c.statsProvider.GetRequestsByStatus() {
		ch <- prometheus.MustNewConstMetric(c.responsesDesc, prometheus.CounterValue,
			float64(n), status)
	}
	ch <- prometheus.MustNewConstMetric(c.bytesInDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetBytesIn()))
	ch <- prometheus.MustNewConstMetric(c.bytesOutDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetBytesOut()))
	ch <- prometheus.MustNewConstMetric(c.sessionErrorsDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetSessionErrors()))
}
