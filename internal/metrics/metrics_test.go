package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcgq/rudp/internal/transport"
)

type fakeARQ struct {
	stats transport.ARQStats
}

func (f *fakeARQ) GetStats() *transport.ARQStats {
	s := f.stats
	return &s
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestARQCollector(t *testing.T) {
	provider := &fakeARQ{stats: transport.ARQStats{
		State:         "ESTABLISHED",
		FramesSent:    12,
		Retransmits:   3,
		SimulatedLoss: 2,
		SimulatedBad:  1,
		Delivered:     7,
		Uptime:        90 * time.Second,
	}}
	c := NewARQCollector(provider)

	// 5 个状态 + 15 个计数器 (含 2 个故障标签) + uptime
	assert.Equal(t, 5+15+1, testutil.CollectAndCount(c), "无 RTT 采样时不输出 RTT")

	provider.stats.RTT = transport.RTTSnapshot{Smoothed: 20 * time.Millisecond, Min: 10 * time.Millisecond, Samples: 3}

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += fmt.Sprintf("{%s=%s}", lp.GetName(), lp.GetValue())
			}
			switch {
			case m.GetCounter() != nil:
				values[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[key] = m.GetGauge().GetValue()
			}
		}
	}

	assert.Equal(t, 1.0, values["rudp_arq_state{state=ESTABLISHED}"])
	assert.Equal(t, 0.0, values["rudp_arq_state{state=CLOSED}"])
	assert.Equal(t, 12.0, values["rudp_arq_frames_sent_total"])
	assert.Equal(t, 3.0, values["rudp_arq_retransmits_total"])
	assert.Equal(t, 2.0, values["rudp_arq_simulated_faults_total{kind=loss}"])
	assert.Equal(t, 1.0, values["rudp_arq_simulated_faults_total{kind=corruption}"])
	assert.Equal(t, 7.0, values["rudp_arq_delivered_total"])
	assert.Equal(t, 90.0, values["rudp_arq_uptime_seconds"])
	assert.Equal(t, 0.02, values["rudp_arq_rtt_seconds{stat=smoothed}"])
	assert.Equal(t, 0.01, values["rudp_arq_rtt_seconds{stat=min}"])
	assert.Equal(t, 0.1, values["rudp_arq_suggested_rto_seconds"], "RTO 不低于下限")
}

func TestARQMetricsObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewARQMetrics(reg)

	m.OnStateChange(transport.ARQStateClosed, transport.ARQStateConnecting)
	m.OnStateChange(transport.ARQStateConnecting, transport.ARQStateEstablished)
	m.OnSendResult(transport.FlagDATA, 1, nil)
	m.OnSendResult(transport.FlagDATA, 5, fmt.Errorf("%w: test", transport.ErrRetriesExhausted))
	m.OnSendResult(transport.FlagFIN, 2, transport.ErrPeerClosed)
	m.OnAckLatency(20 * time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StateTransitions.WithLabelValues("CLOSED", "CONNECTING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SendResults.WithLabelValues("DATA", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SendResults.WithLabelValues("DATA", "exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SendResults.WithLabelValues("FIN", "peer_closed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.AckLatency))
}

func TestServerMetrics(t *testing.T) {
	m := NewServerMetrics()

	m.SessionStarted()
	m.RecordRequest(200, 40, 300)
	m.RecordRequest(404, 30, 120)
	m.RecordRequest(200, 10, 100)
	assert.Equal(t, int64(1), m.GetActiveSessions())

	m.SessionEnded(SessionRecord{Remote: "127.0.0.1:5000", Requests: 3})
	m.SessionStarted()
	m.SessionEnded(SessionRecord{Remote: "127.0.0.1:5001", Err: "重试次数耗尽"})

	assert.Equal(t, int64(0), m.GetActiveSessions())
	assert.Equal(t, uint64(2), m.GetTotalSessions())
	assert.Equal(t, uint64(1), m.GetSessionErrors())
	assert.Equal(t, uint64(3), m.GetTotalRequests())
	assert.Equal(t, uint64(80), m.GetBytesIn())
	assert.Equal(t, uint64(520), m.GetBytesOut())
	assert.Equal(t, map[string]uint64{"200": 2, "404": 1}, m.GetRequestsByStatus())

	history := m.GetSessionHistory(0)
	require.Len(t, history, 2)
	assert.Equal(t, "127.0.0.1:5001", history[0].Remote, "最近的在前")

	// HandlerCollector: 6 个固定指标 + 2 个状态码
	assert.Equal(t, 6+2, testutil.CollectAndCount(NewHandlerCollector(m)))
}

func TestServerMetricsHistoryBounded(t *testing.T) {
	m := NewServerMetrics()
	for i := 0; i < maxSessionHistory+20; i++ {
		m.SessionStarted()
		m.SessionEnded(SessionRecord{Requests: i})
	}

	history := m.GetSessionHistory(0)
	assert.Len(t, history, maxSessionHistory)
	assert.Equal(t, maxSessionHistory+19, history[0].Requests)
}

func TestMetricsServerEndpoints(t *testing.T) {
	s := NewMetricsServer("127.0.0.1:0", "/metrics", "/health", quietLogger())
	s.MustRegisterCollector(NewARQCollector(&fakeARQ{stats: transport.ARQStats{State: "CLOSED"}}))

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "rudp_arq_state")
	assert.Contains(t, string(body), "go_goroutines")

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	var status HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, "healthy", status.Status)

	s.SetHealthCheck(func() HealthStatus {
		return HealthStatus{Status: "unhealthy"}
	})
	resp, err = http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	s.SetHealthy(false)
	resp, err = http.Get(ts.URL + "/health/live")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "NOT OK", strings.TrimSpace(string(body)))
}

func TestMetricsServerStart(t *testing.T) {
	s := NewMetricsServer("127.0.0.1:0", "/metrics", "/health", quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	resp, err := http.Get("http://" + s.Addr() + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.Stop()
}
