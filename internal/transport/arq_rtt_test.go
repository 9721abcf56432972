package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRTTEstimatorFirstSample(t *testing.T) {
	var r rttEstimator

	assert.Zero(t, r.Snapshot().SuggestedRTO(), "无采样时不给出建议")

	r.Update(40 * time.Millisecond)
	s := r.Snapshot()
	assert.Equal(t, 40*time.Millisecond, s.Smoothed)
	assert.Equal(t, 20*time.Millisecond, s.Variance)
	assert.Equal(t, uint64(1), s.Samples)
	assert.Equal(t, 120*time.Millisecond, s.SuggestedRTO())
}

func TestRTTEstimatorSmoothing(t *testing.T) {
	var r rttEstimator
	r.Update(100 * time.Millisecond)
	r.Update(20 * time.Millisecond)
	r.Update(0)

	s := r.Snapshot()
	if s.Samples != 2 {
		t.Errorf("非正采样应被忽略: samples=%d", s.Samples)
	}
	// SRTT = 7/8*100 + 1/8*20 = 90ms, RTTVAR = 3/4*50 + 1/4*80 = 57.5ms
	assert.Equal(t, 90*time.Millisecond, s.Smoothed)
	assert.Equal(t, 57500*time.Microsecond, s.Variance)
	assert.Equal(t, 20*time.Millisecond, s.Min)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.Equal(t, 20*time.Millisecond, s.Latest)
}

func TestSuggestedRTOBounds(t *testing.T) {
	assert.Equal(t, minRTO, RTTSnapshot{Smoothed: time.Millisecond, Samples: 1}.SuggestedRTO())
	assert.Equal(t, maxRTO, RTTSnapshot{Smoothed: time.Minute, Variance: time.Minute, Samples: 1}.SuggestedRTO())
}
