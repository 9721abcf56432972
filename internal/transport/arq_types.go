// =============================================================================
// 文件: internal/transport/arq_types.go
// 描述: 停等式 ARQ 可靠传输 - 统一类型定义 (唯一定义位置)
// =============================================================================
package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// ARQ 协议常量
const (
	// 单次读取上限，一帧必须装进一个数据报
	DefaultReadBufferSize = 4096

	// CBOR 头部与校验和的开销远小于 96 字节
	ARQFrameOverhead  = 96
	ARQMaxPayloadSize = DefaultReadBufferSize - ARQFrameOverhead

	// 校验和宽度 (BLAKE2b-128)
	ChecksumSize = 16

	// 帧格式版本
	FrameVersion uint8 = 1

	// 默认参数
	ARQDefaultMaxRetries       = 5
	ARQDefaultAttemptTimeout   = 2 * time.Second
	ARQDefaultRecvPollAttempts = 10
	ARQDefaultLinger           = 2 * time.Second
)

// Flag 帧角色，互斥的封闭枚举
type Flag uint8

const (
	// FlagNone 仅用于表示"无期望"，不会出现在线路上
	FlagNone Flag = iota
	FlagDATA
	FlagACK
	FlagSYN
	FlagSYNACK
	FlagFIN
	FlagFINACK
)

func (f Flag) String() string {
	switch f {
	case FlagNone:
		return "NONE"
	case FlagDATA:
		return "DATA"
	case FlagACK:
		return "ACK"
	case FlagSYN:
		return "SYN"
	case FlagSYNACK:
		return "SYNACK"
	case FlagFIN:
		return "FIN"
	case FlagFINACK:
		return "FINACK"
	}
	return fmt.Sprintf("Flag(%d)", uint8(f))
}

// Valid 是否是合法的线路标志
func (f Flag) Valid() bool {
	return f >= FlagDATA && f <= FlagFINACK
}

// ARQState 连接状态
type ARQState uint8

const (
	ARQStateClosed ARQState = iota
	ARQStateConnecting
	ARQStateSynReceived
	ARQStateEstablished
	ARQStateClosing
)

func (s ARQState) String() string {
	names := []string{
		"CLOSED", "CONNECTING", "SYN_RECEIVED", "ESTABLISHED", "CLOSING",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// ARQConnConfig ARQ 连接配置 (唯一定义)
type ARQConnConfig struct {
	// 每个出站帧最多发送次数
	MaxRetries int

	// 每次等待入站帧的超时
	AttemptTimeout time.Duration

	// 一次 Recv 最多读取次数
	RecvPollAttempts int

	// 单次读取缓冲区
	ReadBufferSize int

	// 回复 FINACK 后保持套接字、重答重传 FIN 的时长 (0 表示不等待)
	Linger time.Duration
}

// DefaultARQConnConfig 默认配置 (唯一定义)
func DefaultARQConnConfig() *ARQConnConfig {
	return &ARQConnConfig{
		MaxRetries:       ARQDefaultMaxRetries,
		AttemptTimeout:   ARQDefaultAttemptTimeout,
		RecvPollAttempts: ARQDefaultRecvPollAttempts,
		ReadBufferSize:   DefaultReadBufferSize,
		Linger:           ARQDefaultLinger,
	}
}

// Validate 校验配置
func (c *ARQConnConfig) Validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries 必须 >= 1: %d", c.MaxRetries)
	}
	if c.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt_timeout 必须 > 0: %s", c.AttemptTimeout)
	}
	if c.RecvPollAttempts < 1 {
		return fmt.Errorf("recv_poll_attempts 必须 >= 1: %d", c.RecvPollAttempts)
	}
	if c.ReadBufferSize < ARQFrameOverhead+1 {
		return fmt.Errorf("read_buffer_size 过小: %d", c.ReadBufferSize)
	}
	if c.Linger < 0 {
		return fmt.Errorf("linger 不能为负: %s", c.Linger)
	}
	return nil
}

// ARQStats 连接统计
type ARQStats struct {
	// 出站
	FramesSent    uint64 // 实际写入套接字的帧
	SendAttempts  uint64 // 发送尝试 (含模拟丢失)
	Retransmits   uint64 // 超时后的重传
	Timeouts      uint64 // 等待超时次数
	SimulatedLoss uint64 // 注入丢失
	SimulatedBad  uint64 // 注入损坏
	AcksSent      uint64
	SendFailures  uint64 // 重试耗尽

	// 入站
	FramesReceived uint64 // 通过校验的帧
	FramesDropped  uint64 // 解析或校验失败
	FramesIgnored  uint64 // 状态不合法或来源不匹配
	Delivered      uint64 // 交付给应用的数据帧
	Duplicates     uint64 // 重复数据帧
	BytesSent      uint64
	BytesDelivered uint64

	// 状态
	State          string
	NextSendSeq    uint8
	ExpectedRecv   uint8
	LocalAddr      string
	RemoteAddr     string
	LastActivity   time.Time
	Uptime         time.Duration
	HandshakesDone uint64

	// 只统计首次发送即被确认的交换
	RTT RTTSnapshot
}

// ARQObserver 实时事件观察者 (由 metrics 包实现)
type ARQObserver interface {
	// OnAckLatency 数据帧从首次发送到确认的耗时
	OnAckLatency(d time.Duration)

	// OnStateChange 状态迁移
	OnStateChange(from, to ARQState)

	// OnSendResult 一次可靠发送的结果
	OnSendResult(flag Flag, attempts int, err error)
}

// PacketBinding 传输绑定接口，引擎只通过它收发字节
type PacketBinding interface {
	LocalAddr() *net.UDPAddr
	WriteTo(b []byte, addr *net.UDPAddr) error
	ReadFrom(ctx context.Context, timeout time.Duration) ([]byte, *net.UDPAddr, error)
	Close() error
}
