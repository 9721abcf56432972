// =============================================================================
// 文件: internal/transport/arq_conn.go
// 描述: 停等式 ARQ 可靠传输 - 连接管理
//       同一时刻只有一帧在途，1 位序列号交替区分新帧与重传
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mrcgq/rudp/internal/logging"
)

// 错误定义
var (
	// 致命: 套接字已释放
	ErrConnClosed = fmt.Errorf("连接已关闭")

	// 使用错误
	ErrInvalidState    = fmt.Errorf("无效状态")
	ErrNoRemote        = fmt.Errorf("远程地址未设置")
	ErrEmptyPayload    = fmt.Errorf("载荷为空")
	ErrPayloadTooLarge = fmt.Errorf("载荷过大")

	// 操作失败
	ErrRetriesExhausted = fmt.Errorf("重试次数耗尽")
	ErrHandshakeTimeout = fmt.Errorf("握手超时")
	ErrNoData           = fmt.Errorf("没有数据")
	ErrPeerClosed       = fmt.Errorf("对端已关闭")
	ErrForcedClose      = fmt.Errorf("强制关闭")

	// 传输绑定内部使用
	ErrReadTimeout = fmt.Errorf("读取超时")
)

// verdict 入站帧分类结果
type verdict int

const (
	verdictContinue verdict = iota // 继续本次尝试的等待
	verdictDone                    // 交换完成
)

// classifier 可靠发送期间对入站帧的分类
type classifier func(in *Frame, from *net.UDPAddr) (verdict, error)

// arqCounters 统计计数器
type arqCounters struct {
	framesSent     atomic.Uint64
	sendAttempts   atomic.Uint64
	retransmits    atomic.Uint64
	timeouts       atomic.Uint64
	simulatedLoss  atomic.Uint64
	simulatedBad   atomic.Uint64
	acksSent       atomic.Uint64
	sendFailures   atomic.Uint64
	framesReceived atomic.Uint64
	framesDropped  atomic.Uint64
	framesIgnored  atomic.Uint64
	delivered      atomic.Uint64
	duplicates     atomic.Uint64
	bytesSent      atomic.Uint64
	bytesDelivered atomic.Uint64
	handshakes     atomic.Uint64
	lastRecv       atomic.Int64
}

// ARQConn 单端 ARQ 连接
type ARQConn struct {
	id      string
	binding PacketBinding
	config  *ARQConnConfig
	faults  *FaultInjector

	// 状态 (mu 保护，供其他 goroutine 读取)
	sm         *arqStateMachine
	remoteAddr *net.UDPAddr
	mu         sync.RWMutex

	// 串行化公开操作: 同一时刻只有一个交换在途
	opMu sync.Mutex

	// 已确认、待交付的数据 (opMu 保护)
	ready [][]byte

	// 曾回复过 FINACK，关闭时需要逗留
	finAnswered bool

	observer ARQObserver
	log      *logrus.Entry
	debug    int32

	counters  arqCounters
	rtt       rttEstimator
	startTime time.Time

	closed    int32
	closeOnce sync.Once
	closeErr  error
}

// NewARQConn 在传输绑定上创建连接
func NewARQConn(binding PacketBinding, config *ARQConnConfig, logger logrus.FieldLogger) (*ARQConn, error) {
	if binding == nil {
		return nil, fmt.Errorf("传输绑定为空")
	}
	if config == nil {
		config = DefaultARQConnConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	faults, err := NewFaultInjector()
	if err != nil {
		return nil, fmt.Errorf("创建故障注入器失败: %w", err)
	}

	if logger == nil {
		logger = logging.Default()
	}

	id := uuid.NewString()
	c := &ARQConn{
		id:        id,
		binding:   binding,
		config:    config,
		faults:    faults,
		startTime: time.Now(),
	}
	c.log = logger.WithFields(logrus.Fields{
		"conn":  id[:8],
		"local": binding.LocalAddr().String(),
	})
	c.sm = newARQStateMachine(c.onStateChange)

	return c, nil
}

// Listen 绑定本地地址并创建连接
func Listen(addr string, config *ARQConnConfig, logger logrus.FieldLogger) (*ARQConn, error) {
	if config == nil {
		config = DefaultARQConnConfig()
	}
	binding, err := ListenUDPBinding(addr, config.ReadBufferSize)
	if err != nil {
		return nil, err
	}
	c, err := NewARQConn(binding, config, logger)
	if err != nil {
		binding.Close()
		return nil, err
	}
	return c, nil
}

// Dial 绑定本地地址并作为发起方建立连接，失败时释放套接字
func Dial(ctx context.Context, local, remote string, config *ARQConnConfig, logger logrus.FieldLogger) (*ARQConn, error) {
	raddr, err := net.ResolveUDPAddr("udp4", remote)
	if err != nil {
		return nil, fmt.Errorf("解析远程地址失败: %w", err)
	}
	c, err := Listen(local, config, logger)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx, raddr); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// =============================================================================
// 配置方法
// =============================================================================

// SetObserver 设置事件观察者
func (c *ARQConn) SetObserver(o ARQObserver) {
	c.mu.Lock()
	c.observer = o
	c.mu.Unlock()
}

// SetDebug 打开后逐帧跟踪以 Info 级别输出
func (c *ARQConn) SetDebug(on bool) {
	if on {
		atomic.StoreInt32(&c.debug, 1)
	} else {
		atomic.StoreInt32(&c.debug, 0)
	}
}

// SetFaultInjector 替换故障注入器 (如使用固定种子)
func (c *ARQConn) SetFaultInjector(f *FaultInjector) {
	if f != nil {
		c.faults = f
	}
}

// ConfigureFaultPolicy 设置丢包率与损坏率，越界返回 ErrRateOutOfRange
func (c *ARQConn) ConfigureFaultPolicy(lossRate, corruptionRate float64) error {
	return c.faults.SetPolicy(FaultPolicy{
		LossRate:       lossRate,
		CorruptionRate: corruptionRate,
	})
}

// FaultInjector 当前故障注入器
func (c *ARQConn) FaultInjector() *FaultInjector {
	return c.faults
}

// =============================================================================
// 公开操作
// =============================================================================

// Connect 作为发起方建立连接 (SYN -> SYNACK -> ACK)
func (c *ARQConn) Connect(ctx context.Context, remote *net.UDPAddr) error {
	if remote == nil {
		return ErrNoRemote
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.IsClosed() {
		return ErrConnClosed
	}

	c.mu.Lock()
	seq, err := c.sm.StartConnect()
	if err == nil {
		c.remoteAddr = remote
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.log.WithField("remote", remote.String()).Info("发起连接")

	start := time.Now()
	syn := NewFrame(seq, 0, FlagSYN, nil)
	attempts, err := c.exchange(ctx, syn, func(in *Frame, from *net.UDPAddr) (verdict, error) {
		switch in.Flags {
		case FlagSYNACK:
			c.mu.Lock()
			peerSeq, ok := c.sm.OnSynAck(in)
			c.mu.Unlock()
			if !ok {
				c.tracef("SYNACK 确认号不匹配: %s", in)
				return verdictContinue, nil
			}
			c.sendControl(FlagACK, peerSeq, from)
			c.counters.handshakes.Add(1)
			return verdictDone, nil

		case FlagFIN:
			c.answerFin(in, from)
			return verdictDone, ErrPeerClosed
		}
		return verdictContinue, nil
	})
	c.reportSend(FlagSYN, attempts, err)
	if err == nil && attempts == 1 {
		c.rtt.Update(time.Since(start))
	}

	if err != nil {
		c.mu.Lock()
		c.sm.Reset()
		c.mu.Unlock()
		if errors.Is(err, ErrRetriesExhausted) {
			return fmt.Errorf("%w: %w", ErrHandshakeTimeout, err)
		}
		return err
	}

	c.log.Info("连接已建立")
	return nil
}

// Accept 作为接受方等待 SYN 并完成握手
// 阻塞直到收到 SYN 或 ctx 结束
func (c *ARQConn) Accept(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.IsClosed() {
		return ErrConnClosed
	}
	if state := c.GetState(); state != ARQStateClosed {
		return fmt.Errorf("%w: %s", ErrInvalidState, state)
	}

	_, err := c.receive(ctx, FlagSYN, 0)
	return err
}

// Send 可靠发送一帧数据，成功表示对端已确认
func (c *ARQConn) Send(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if len(payload) > ARQMaxPayloadSize {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), ARQMaxPayloadSize)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.IsClosed() {
		return ErrConnClosed
	}

	c.mu.Lock()
	remote := c.remoteAddr
	err := c.sm.CanSend(FlagDATA)
	seq := c.sm.nextSendSeq
	c.mu.Unlock()
	if remote == nil {
		return ErrNoRemote
	}
	if err != nil {
		return err
	}

	start := time.Now()
	frame := NewFrame(seq, 0, FlagDATA, payload)
	attempts, err := c.exchange(ctx, frame, func(in *Frame, from *net.UDPAddr) (verdict, error) {
		switch in.Flags {
		case FlagACK:
			if in.Ack != seq {
				c.tracef("ACK 不匹配: got %d, want %d", in.Ack, seq)
				return verdictContinue, nil
			}
			c.mu.Lock()
			c.sm.flipSend()
			c.mu.Unlock()
			return verdictDone, nil

		case FlagDATA:
			// 对端同时在发送: 确认并暂存，下次 Recv 交付
			if data, fresh := c.acceptData(in, from); fresh {
				c.ready = append(c.ready, data)
			}

		case FlagSYNACK:
			c.answerDuplicateSynAck(in, from)

		case FlagFIN:
			c.answerFin(in, from)
			return verdictDone, ErrPeerClosed
		}
		return verdictContinue, nil
	})
	c.reportSend(FlagDATA, attempts, err)

	if err != nil {
		return err
	}

	latency := time.Since(start)
	c.counters.bytesSent.Add(uint64(len(payload)))
	if attempts == 1 {
		c.rtt.Update(latency)
	}
	if o := c.getObserver(); o != nil {
		o.OnAckLatency(latency)
	}
	return nil
}

// Recv 接收一帧数据
// 数据帧返回载荷；握手完成返回空切片；对端关闭返回 io.EOF；
// 轮询次数耗尽返回 ErrNoData
// 对端关闭不作为空载荷的成功返回，调用方以 io.EOF 区分拆除与空数据
func (c *ARQConn) Recv(ctx context.Context) ([]byte, error) {
	return c.Receive(ctx, FlagNone)
}

// Receive 接收，expect 为期望的帧类型 (FlagNone / FlagDATA / FlagSYN)
// 期望 DATA 时握手在内部完成后继续轮询
func (c *ARQConn) Receive(ctx context.Context, expect Flag) ([]byte, error) {
	switch expect {
	case FlagNone, FlagDATA, FlagSYN:
	default:
		return nil, fmt.Errorf("%w: 不支持的期望标志 %s", ErrInvalidState, expect)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.IsClosed() {
		return nil, ErrConnClosed
	}
	return c.receive(ctx, expect, c.config.RecvPollAttempts)
}

// Disconnect 通过 FIN 交换关闭逻辑连接，保留套接字以便再次 Accept
func (c *ARQConn) Disconnect(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.IsClosed() {
		return ErrConnClosed
	}
	return c.disconnect(ctx)
}

// Close 尽力完成 FIN 交换后释放套接字
// 重试耗尽时返回 ErrForcedClose，套接字仍会释放
func (c *ARQConn) Close() error {
	c.closeOnce.Do(func() {
		if !c.opMu.TryLock() {
			// 有操作阻塞中: 直接释放套接字打断读取
			atomic.StoreInt32(&c.closed, 1)
			c.closeErr = c.binding.Close()
			c.opMu.Lock()
			c.mu.Lock()
			c.sm.Reset()
			c.mu.Unlock()
			c.opMu.Unlock()
			if c.closeErr == nil {
				c.closeErr = ErrForcedClose
			}
			c.log.Warn("操作进行中，强制关闭")
			return
		}
		defer c.opMu.Unlock()

		ctx := context.Background()
		err := c.disconnect(ctx)
		c.linger(ctx)

		atomic.StoreInt32(&c.closed, 1)
		if cerr := c.binding.Close(); cerr != nil && err == nil {
			err = cerr
		}
		c.closeErr = err
		c.log.Info("套接字已释放")
	})
	return c.closeErr
}

// =============================================================================
// 可靠发送
// =============================================================================

// exchange 发送出站帧并等待 classify 判定完成，最多 MaxRetries 次发送
// 超时消耗一次重试；丢弃帧与意外帧继续本次等待，不重传也不计数
func (c *ARQConn) exchange(ctx context.Context, out *Frame, classify classifier) (int, error) {
	remote := c.GetRemoteAddr()
	if remote == nil {
		return 0, ErrNoRemote
	}

	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.counters.retransmits.Add(1)
			c.tracef("重传 %s (第 %d 次)", out, attempt+1)
		}
		if err := c.transmit(out, remote); err != nil {
			return attempt + 1, err
		}

		for {
			in, from, err := c.readFrame(ctx)
			if err != nil {
				if errors.Is(err, ErrReadTimeout) {
					c.counters.timeouts.Add(1)
					c.tracef("等待 %s 的回复超时", out.Flags)
					break
				}
				if errors.Is(err, ErrFrameDropped) {
					continue
				}
				return attempt + 1, err
			}

			if !c.fromPeer(from) {
				c.ignore(in, from, "来源不匹配")
				continue
			}
			if !c.accepts(in.Flags) {
				// 同 receive: 非法控制帧不回应
				c.handleIllegal(in, from)
				continue
			}

			v, err := classify(in, from)
			if err != nil {
				return attempt + 1, err
			}
			if v == verdictDone {
				return attempt + 1, nil
			}
		}
	}

	c.counters.sendFailures.Add(1)
	return c.config.MaxRetries, fmt.Errorf("%w: %s 发送 %d 次未确认",
		ErrRetriesExhausted, out.Flags, c.config.MaxRetries)
}

// transmit 发送一帧，先询问故障注入器
func (c *ARQConn) transmit(f *Frame, to *net.UDPAddr) error {
	c.counters.sendAttempts.Add(1)

	if c.faults.DecideLoss() {
		c.counters.simulatedLoss.Add(1)
		c.tracef("模拟丢失 %s", f)
		return nil
	}

	corrupt := c.faults.DecideCorruption()
	raw, err := f.Encode(corrupt)
	if err != nil {
		return err
	}
	if corrupt {
		c.counters.simulatedBad.Add(1)
		c.tracef("模拟损坏 %s", f)
	}

	if err := c.binding.WriteTo(raw, to); err != nil {
		return err
	}
	c.counters.framesSent.Add(1)
	c.tracef("发送 %s -> %s", f, to)
	return nil
}

// sendControl 发送不需要确认的控制帧 (ACK / FINACK)
func (c *ARQConn) sendControl(flag Flag, ack uint8, to *net.UDPAddr) {
	c.mu.RLock()
	seq := c.sm.nextSendSeq
	c.mu.RUnlock()

	if err := c.transmit(NewFrame(seq, ack, flag, nil), to); err != nil {
		c.log.WithError(err).Warnf("发送 %s 失败", flag)
		return
	}
	if flag == FlagACK {
		c.counters.acksSent.Add(1)
	}
}

// =============================================================================
// 可靠接收
// =============================================================================

// receive 轮询入站帧，polls <= 0 表示不限次数 (仅受 ctx 约束)
func (c *ARQConn) receive(ctx context.Context, expect Flag, polls int) ([]byte, error) {
	if expect != FlagSYN {
		if data, ok := c.popReady(); ok {
			return data, nil
		}
	}

	for poll := 0; polls <= 0 || poll < polls; poll++ {
		in, from, err := c.readFrame(ctx)
		if err != nil {
			if errors.Is(err, ErrReadTimeout) || errors.Is(err, ErrFrameDropped) {
				continue
			}
			return nil, err
		}

		state := c.GetState()
		if state != ARQStateClosed && !c.fromPeer(from) {
			c.ignore(in, from, "来源不匹配")
			continue
		}
		if !c.accepts(in.Flags) {
			// 只有非法数据帧回 ACK，非法控制帧不回应 (DESIGN.md 第 6 节)
			c.handleIllegal(in, from)
			continue
		}

		switch in.Flags {
		case FlagSYN:
			if err := c.acceptHandshake(ctx, in, from); err != nil {
				return nil, err
			}
			if expect == FlagDATA {
				if data, ok := c.popReady(); ok {
					return data, nil
				}
				continue
			}
			return []byte{}, nil

		case FlagFIN:
			c.answerFin(in, from)
			if expect == FlagSYN {
				// 上一个连接的迟到 FIN
				continue
			}
			return nil, io.EOF

		case FlagDATA:
			if data, fresh := c.acceptData(in, from); fresh {
				return data, nil
			}

		case FlagSYNACK:
			c.answerDuplicateSynAck(in, from)

		default:
			c.ignore(in, from, "无需处理")
		}
	}

	return nil, ErrNoData
}

// acceptHandshake 接受方握手: 回复 SYNACK 并等待最终 ACK
func (c *ARQConn) acceptHandshake(ctx context.Context, syn *Frame, from *net.UDPAddr) error {
	c.mu.Lock()
	seq, err := c.sm.OnSyn(syn)
	if err == nil {
		c.remoteAddr = from
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.log.WithField("remote", from.String()).Info("收到 SYN")

	synAck := NewFrame(seq, syn.Seq, FlagSYNACK, nil)
	attempts, err := c.exchange(ctx, synAck, func(in *Frame, from *net.UDPAddr) (verdict, error) {
		switch in.Flags {
		case FlagACK:
			c.mu.Lock()
			ok := c.sm.OnFinalAck(in)
			c.mu.Unlock()
			if !ok {
				c.tracef("最终 ACK 不匹配: %s", in)
				return verdictContinue, nil
			}
			return verdictDone, nil

		case FlagDATA:
			// 最终 ACK 丢失但对端已开始发送数据
			c.mu.Lock()
			c.sm.OnImplicitEstablish()
			c.mu.Unlock()
			if data, fresh := c.acceptData(in, from); fresh {
				c.ready = append(c.ready, data)
			}
			return verdictDone, nil

		case FlagFIN:
			c.answerFin(in, from)
			return verdictDone, ErrPeerClosed
		}
		// 重复 SYN: 等待超时后重传 SYNACK
		return verdictContinue, nil
	})
	c.reportSend(FlagSYNACK, attempts, err)

	if err != nil {
		c.mu.Lock()
		c.sm.Reset()
		c.mu.Unlock()
		if errors.Is(err, ErrRetriesExhausted) {
			c.log.Warn("握手未完成，回到 CLOSED")
			return fmt.Errorf("%w: %w", ErrHandshakeTimeout, err)
		}
		return err
	}

	c.counters.handshakes.Add(1)
	c.log.Info("连接已建立")
	return nil
}

// acceptData 处理合法状态下的数据帧
// 新帧: 记录来源、ACK、翻转期望序列号；重复帧: 只重发 ACK
func (c *ARQConn) acceptData(in *Frame, from *net.UDPAddr) ([]byte, bool) {
	c.mu.Lock()
	fresh := in.Seq == c.sm.expectedRecvSeq
	if fresh {
		c.remoteAddr = from
		c.sm.flipRecv()
	}
	c.mu.Unlock()

	c.sendControl(FlagACK, in.Seq, from)

	if !fresh {
		c.counters.duplicates.Add(1)
		c.tracef("重复数据帧 %s，重发 ACK", in)
		return nil, false
	}

	c.counters.delivered.Add(1)
	c.counters.bytesDelivered.Add(uint64(len(in.Data)))
	c.tracef("收到 %s", in)

	data := in.Data
	if data == nil {
		data = []byte{}
	}
	return data, true
}

// answerFin 回复 FINACK 并进入 CLOSED
func (c *ARQConn) answerFin(in *Frame, from *net.UDPAddr) {
	c.mu.Lock()
	simultaneous := c.sm.OnPeerFin()
	c.finAnswered = true
	c.mu.Unlock()

	c.sendControl(FlagFINACK, in.Seq, from)

	if simultaneous {
		c.log.Info("同时关闭，回复 FINACK")
	} else {
		c.log.Info("对端关闭，回复 FINACK")
	}
}

// answerDuplicateSynAck 发起方的最终 ACK 丢失，对端重传了 SYNACK
func (c *ARQConn) answerDuplicateSynAck(in *Frame, from *net.UDPAddr) {
	c.mu.RLock()
	dup := c.sm.IsDuplicateSynAck(in)
	c.mu.RUnlock()

	if !dup {
		c.ignore(in, from, "SYNACK 不匹配")
		return
	}
	c.tracef("重复 SYNACK，重发最终 ACK")
	c.sendControl(FlagACK, in.Seq, from)
}

// =============================================================================
// 关闭
// =============================================================================

// disconnect FIN 交换，需持有 opMu
func (c *ARQConn) disconnect(ctx context.Context) error {
	c.mu.Lock()
	state := c.sm.state
	if state == ARQStateConnecting || state == ARQStateSynReceived {
		c.sm.Reset()
	}
	c.mu.Unlock()
	if state != ARQStateEstablished {
		return nil
	}

	c.mu.Lock()
	seq, err := c.sm.StartClose()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.log.Info("发起关闭")

	fin := NewFrame(seq, 0, FlagFIN, nil)
	attempts, err := c.exchange(ctx, fin, func(in *Frame, from *net.UDPAddr) (verdict, error) {
		switch in.Flags {
		case FlagFINACK:
			c.mu.Lock()
			ok := c.sm.OnFinAck(in)
			c.mu.Unlock()
			if !ok {
				c.tracef("FINACK 不匹配: %s", in)
				return verdictContinue, nil
			}
			c.sendControl(FlagACK, in.Seq, from)
			return verdictDone, nil

		case FlagFIN:
			c.answerFin(in, from)
			return verdictDone, nil
		}
		return verdictContinue, nil
	})
	c.reportSend(FlagFIN, attempts, err)

	if err != nil {
		c.mu.Lock()
		c.sm.Reset()
		c.mu.Unlock()
		if errors.Is(err, ErrRetriesExhausted) {
			c.log.Warn("FIN 未确认，强制关闭")
			return fmt.Errorf("%w: %w", ErrForcedClose, err)
		}
		return err
	}

	c.log.Info("连接已关闭")
	return nil
}

// linger 回复过 FINACK 时保留套接字一段时间，重答对端重传的 FIN
func (c *ARQConn) linger(ctx context.Context) {
	c.mu.RLock()
	answered := c.finAnswered
	c.mu.RUnlock()
	if !answered || c.config.Linger <= 0 {
		return
	}

	deadline := time.Now().Add(c.config.Linger)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		raw, from, err := c.binding.ReadFrom(ctx, remaining)
		if err != nil {
			if errors.Is(err, ErrReadTimeout) {
				return
			}
			if errors.Is(err, ErrConnClosed) || ctx.Err() != nil {
				return
			}
			continue
		}
		in, err := DecodeFrame(raw)
		if err != nil {
			c.counters.framesDropped.Add(1)
			continue
		}
		if in.Flags == FlagFIN && c.fromPeer(from) {
			c.sendControl(FlagFINACK, in.Seq, from)
		}
	}
}

// =============================================================================
// 内部工具
// =============================================================================

// readFrame 读取并解码一帧，解码失败返回包装 ErrFrameDropped 的错误
func (c *ARQConn) readFrame(ctx context.Context) (*Frame, *net.UDPAddr, error) {
	raw, from, err := c.binding.ReadFrom(ctx, c.config.AttemptTimeout)
	if err != nil {
		return nil, nil, err
	}

	f, err := DecodeFrame(raw)
	if err != nil {
		c.counters.framesDropped.Add(1)
		c.tracef("丢弃来自 %s 的帧: %v", from, err)
		return nil, from, err
	}

	c.counters.framesReceived.Add(1)
	c.counters.lastRecv.Store(time.Now().UnixNano())
	return f, from, nil
}

// handleIllegal 当前状态不接受的帧
// 数据帧仍然 ACK，避免困惑的对端卡住；控制帧直接忽略
func (c *ARQConn) handleIllegal(in *Frame, from *net.UDPAddr) {
	if in.Flags == FlagDATA {
		c.sendControl(FlagACK, in.Seq, from)
	}
	c.ignore(in, from, fmt.Sprintf("状态 %s 不接受", c.GetState()))
}

func (c *ARQConn) ignore(in *Frame, from *net.UDPAddr, reason string) {
	c.counters.framesIgnored.Add(1)
	c.tracef("忽略 %s (来自 %s): %s", in, from, reason)
}

func (c *ARQConn) accepts(flag Flag) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sm.Accepts(flag)
}

// fromPeer 远程地址未知时接受任意来源
func (c *ARQConn) fromPeer(from *net.UDPAddr) bool {
	c.mu.RLock()
	remote := c.remoteAddr
	c.mu.RUnlock()
	if remote == nil || from == nil {
		return true
	}
	return remote.IP.Equal(from.IP) && remote.Port == from.Port
}

func (c *ARQConn) popReady() ([]byte, bool) {
	if len(c.ready) == 0 {
		return nil, false
	}
	data := c.ready[0]
	c.ready = c.ready[1:]
	return data, true
}

func (c *ARQConn) onStateChange(from, to ARQState) {
	c.log.WithFields(logrus.Fields{"from": from, "to": to}).Debug("状态迁移")
	if c.observer != nil {
		c.observer.OnStateChange(from, to)
	}
}

func (c *ARQConn) reportSend(flag Flag, attempts int, err error) {
	if o := c.getObserver(); o != nil {
		o.OnSendResult(flag, attempts, err)
	}
	if err != nil {
		c.log.WithError(err).Warnf("%s 发送失败 (尝试 %d 次)", flag, attempts)
	}
}

func (c *ARQConn) getObserver() ARQObserver {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.observer
}

func (c *ARQConn) tracef(format string, args ...interface{}) {
	if atomic.LoadInt32(&c.debug) == 1 {
		c.log.Infof(format, args...)
		return
	}
	c.log.Debugf(format, args...)
}

// =============================================================================
// 状态查询 (任意 goroutine)
// =============================================================================

// ID 连接标识
func (c *ARQConn) ID() string {
	return c.id
}

// GetState 获取状态
func (c *ARQConn) GetState() ARQState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sm.state
}

// Sequence 返回 (下一个发送序列号, 期望接收序列号)
func (c *ARQConn) Sequence() (nextSend, expectedRecv uint8) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sm.nextSendSeq, c.sm.expectedRecvSeq
}

// GetRemoteAddr 获取远程地址
func (c *ARQConn) GetRemoteAddr() *net.UDPAddr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteAddr
}

// GetLocalAddr 获取本地地址
func (c *ARQConn) GetLocalAddr() *net.UDPAddr {
	return c.binding.LocalAddr()
}

// IsEstablished 是否已建立
func (c *ARQConn) IsEstablished() bool {
	return c.GetState() == ARQStateEstablished
}

// IsClosed 套接字是否已释放
func (c *ARQConn) IsClosed() bool {
	return atomic.LoadInt32(&c.closed) != 0
}

// GetStats 获取统计快照
func (c *ARQConn) GetStats() *ARQStats {
	c.mu.RLock()
	state := c.sm.state
	nextSend, expected := c.sm.nextSendSeq, c.sm.expectedRecvSeq
	remote := ""
	if c.remoteAddr != nil {
		remote = c.remoteAddr.String()
	}
	c.mu.RUnlock()

	stats := &ARQStats{
		FramesSent:     c.counters.framesSent.Load(),
		SendAttempts:   c.counters.sendAttempts.Load(),
		Retransmits:    c.counters.retransmits.Load(),
		Timeouts:       c.counters.timeouts.Load(),
		SimulatedLoss:  c.counters.simulatedLoss.Load(),
		SimulatedBad:   c.counters.simulatedBad.Load(),
		AcksSent:       c.counters.acksSent.Load(),
		SendFailures:   c.counters.sendFailures.Load(),
		FramesReceived: c.counters.framesReceived.Load(),
		FramesDropped:  c.counters.framesDropped.Load(),
		FramesIgnored:  c.counters.framesIgnored.Load(),
		Delivered:      c.counters.delivered.Load(),
		Duplicates:     c.counters.duplicates.Load(),
		BytesSent:      c.counters.bytesSent.Load(),
		BytesDelivered: c.counters.bytesDelivered.Load(),
		HandshakesDone: c.counters.handshakes.Load(),
		RTT:            c.rtt.Snapshot(),
		State:          state.String(),
		NextSendSeq:    nextSend,
		ExpectedRecv:   expected,
		LocalAddr:      c.binding.LocalAddr().String(),
		RemoteAddr:     remote,
		Uptime:         time.Since(c.startTime),
	}
	if ns := c.counters.lastRecv.Load(); ns > 0 {
		stats.LastActivity = time.Unix(0, ns)
	}
	return stats
}
