// =============================================================================
// 文件: internal/transport/arq_rtt.go
// 描述: 确认往返时间估算 (RFC 6298)
//       只用于统计与监控，重传超时仍使用固定的 AttemptTimeout
// =============================================================================
package transport

import (
	"sync"
	"time"
)

const (
	rttAlpha = 0.125 // SRTT 平滑因子 (1/8)
	rttBeta  = 0.25  // RTTVAR 因子 (1/4)

	minRTO = 100 * time.Millisecond
	maxRTO = 60 * time.Second
)

// RTTSnapshot 往返时间快照
type RTTSnapshot struct {
	Smoothed time.Duration
	Variance time.Duration
	Min      time.Duration
	Max      time.Duration
	Latest   time.Duration
	Samples  uint64
}

// SuggestedRTO RFC 6298 给出的重传超时，无采样时为 0
func (s RTTSnapshot) SuggestedRTO() time.Duration {
	if s.Samples == 0 {
		return 0
	}
	rto := s.Smoothed + 4*s.Variance
	if rto < minRTO {
		rto = minRTO
	}
	if rto > maxRTO {
		rto = maxRTO
	}
	return rto
}

// rttEstimator 往返时间估算器
// 调用方只提交未重传过的帧的采样 (Karn)
type rttEstimator struct {
	mu   sync.Mutex
	snap RTTSnapshot
}

func (r *rttEstimator) Update(sample time.Duration) {
	if sample <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s := &r.snap
	s.Latest = sample
	if s.Min == 0 || sample < s.Min {
		s.Min = sample
	}
	if sample > s.Max {
		s.Max = sample
	}

	if s.Samples == 0 {
		s.Smoothed = sample
		s.Variance = sample / 2
	} else {
		diff := s.Smoothed - sample
		if diff < 0 {
			diff = -diff
		}
		s.Variance = time.Duration(float64(s.Variance)*(1-rttBeta) + float64(diff)*rttBeta)
		s.Smoothed = time.Duration(float64(s.Smoothed)*(1-rttAlpha) + float64(sample)*rttAlpha)
	}
	s.Samples++
}

func (r *rttEstimator) Snapshot() RTTSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}
