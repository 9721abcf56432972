// =============================================================================
// 文件: internal/metrics/metrics.go
// 描述: 文件服务运行统计 - 会话、请求、流量，供 HandlerCollector 读取
// =============================================================================
package metrics

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ServerMetrics 服务端统计
type ServerMetrics struct {
	// 会话统计
	activeSessions int64
	totalSessions  uint64
	sessionErrors  uint64

	// 请求统计
	totalRequests uint64
	byStatus      map[int]uint64

	// 流量统计
	bytesIn  uint64
	bytesOut uint64

	// 最近的会话
	history []SessionRecord

	startTime time.Time

	mu sync.RWMutex
}

// SessionRecord 会话记录
type SessionRecord struct {
	Started  time.Time
	Duration time.Duration
	Remote   string
	Requests int
	Err      string
}

const maxSessionHistory = 100

// NewServerMetrics 创建统计
func NewServerMetrics() *ServerMetrics {
	return &ServerMetrics{
		byStatus:  make(map[int]uint64),
		history:   make([]SessionRecord, 0, maxSessionHistory),
		startTime: time.Now(),
	}
}

// =============================================================================
// 会话统计方法
// =============================================================================

// SessionStarted 会话开始
func (m *ServerMetrics) SessionStarted() {
	atomic.AddInt64(&m.activeSessions, 1)
	atomic.AddUint64(&m.totalSessions, 1)
}

// SessionEnded 会话结束并记录
func (m *ServerMetrics) SessionEnded(rec SessionRecord) {
	atomic.AddInt64(&m.activeSessions, -1)
	if rec.Err != "" {
		atomic.AddUint64(&m.sessionErrors, 1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// 保留最近100条记录
	if len(m.history) >= maxSessionHistory {
		m.history = m.history[1:]
	}
	m.history = append(m.history, rec)
}

// GetActiveSessions 活跃会话数
func (m *ServerMetrics) GetActiveSessions() int64 {
	return atomic.LoadInt64(&m.activeSessions)
}

// GetTotalSessions 总会话数
func (m *ServerMetrics) GetTotalSessions() uint64 {
	return atomic.LoadUint64(&m.totalSessions)
}

// GetSessionErrors 出错的会话数
func (m *ServerMetrics) GetSessionErrors() uint64 {
	return atomic.LoadUint64(&m.sessionErrors)
}

// GetSessionHistory 最近的会话（倒序）
func (m *ServerMetrics) GetSessionHistory(limit int) []SessionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}

	result := make([]SessionRecord, limit)
	for i := 0; i < limit; i++ {
		result[i] = m.history[len(m.history)-1-i]
	}
	return result
}

// =============================================================================
// 请求与流量统计方法
// =============================================================================

// RecordRequest 记录一次请求/响应
func (m *ServerMetrics) RecordRequest(status, bytesIn, bytesOut int) {
	atomic.AddUint64(&m.totalRequests, 1)
	if bytesIn > 0 {
		atomic.AddUint64(&m.bytesIn, uint64(bytesIn))
	}
	if bytesOut > 0 {
		atomic.AddUint64(&m.bytesOut, uint64(bytesOut))
	}

	m.mu.Lock()
	m.byStatus[status]++
	m.mu.Unlock()
}

// GetTotalRequests 总请求数
func (m *ServerMetrics) GetTotalRequests() uint64 {
	return atomic.LoadUint64(&m.totalRequests)
}

// GetRequestsByStatus 按状态码统计
func (m *ServerMetrics) GetRequestsByStatus() map[string]uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]uint64, len(m.byStatus))
	for status, n := range m.byStatus {
		result[strconv.Itoa(status)] = n
	}
	return result
}

// GetBytesIn 请求字节数
func (m *ServerMetrics) GetBytesIn() uint64 {
	return atomic.LoadUint64(&m.bytesIn)
}

// GetBytesOut 响应字节数
func (m *ServerMetrics) GetBytesOut() uint64 {
	return atomic.LoadUint64(&m.bytesOut)
}

// GetUptime 运行时间
func (m *ServerMetrics) GetUptime() time.Duration {
	return time.Since(m.startTime)
}

// GetStats 获取所有统计信息
func (m *ServerMetrics) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"uptime":          m.GetUptime().String(),
		"active_sessions": m.GetActiveSessions(),
		"total_sessions":  m.GetTotalSessions(),
		"session_errors":  m.GetSessionErrors(),
		"total_requests":  m.GetTotalRequests(),
		"bytes_in":        m.GetBytesIn(),
		"bytes_out":       m.GetBytesOut(),
	}
}

var _ HandlerStats = (*ServerMetrics)(nil)
