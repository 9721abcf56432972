// =============================================================================
// 文件: internal/transport/arq_test.go
// 描述: ARQ 可靠传输测试 (回环 UDP)
// =============================================================================
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func testARQConfig() *ARQConnConfig {
	return &ARQConnConfig{
		MaxRetries:       5,
		AttemptTimeout:   100 * time.Millisecond,
		RecvPollAttempts: 20,
		ReadBufferSize:   DefaultReadBufferSize,
		Linger:           50 * time.Millisecond,
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestConn(t *testing.T, config *ARQConnConfig) *ARQConn {
	t.Helper()
	c, err := Listen("127.0.0.1:0", config, testLogger())
	if err != nil {
		t.Fatalf("创建连接失败: %v", err)
	}
	c.SetFaultInjector(NewSeededFaultInjector(time.Now().UnixNano()))
	t.Cleanup(func() { c.binding.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// establish 在回环上完成握手
func establish(t *testing.T, server, client *ARQConn) {
	t.Helper()
	g, ctx := errgroup.WithContext(testContext(t))
	g.Go(func() error { return server.Accept(ctx) })
	g.Go(func() error { return client.Connect(ctx, server.GetLocalAddr()) })
	require.NoError(t, g.Wait())
}

// rawPeer 手工收发帧的对端
type rawPeer struct {
	conn *net.UDPConn
}

func newRawPeer(t *testing.T) *rawPeer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawPeer{conn: conn}
}

func (p *rawPeer) addr() *net.UDPAddr {
	return p.conn.LocalAddr().(*net.UDPAddr)
}

func (p *rawPeer) send(t *testing.T, f *Frame, to *net.UDPAddr) {
	t.Helper()
	raw, err := f.Encode(false)
	require.NoError(t, err)
	_, err = p.conn.WriteToUDP(raw, to)
	require.NoError(t, err)
}

// expect 读取帧直到出现指定标志
func (p *rawPeer) expect(t *testing.T, flag Flag, timeout time.Duration) (*Frame, *net.UDPAddr) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	buf := make([]byte, DefaultReadBufferSize)
	for {
		p.conn.SetReadDeadline(deadline)
		n, from, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("等待 %s 失败: %v", flag, err)
		}
		f, err := DecodeFrame(buf[:n])
		if err != nil {
			continue
		}
		if f.Flags == flag {
			return f, from
		}
	}
}

func TestARQHandshake(t *testing.T) {
	server := newTestConn(t, testARQConfig())
	client := newTestConn(t, testARQConfig())

	establish(t, server, client)

	for name, c := range map[string]*ARQConn{"server": server, "client": client} {
		if c.GetState() != ARQStateEstablished {
			t.Errorf("%s 状态不正确: got %s, want ESTABLISHED", name, c.GetState())
		}
		next, expected := c.Sequence()
		if next != 1 || expected != 1 {
			t.Errorf("%s 序列号不正确: next=%d expected=%d, want 1/1", name, next, expected)
		}
	}

	assert.Equal(t, client.GetLocalAddr().String(), server.GetRemoteAddr().String())
	assert.Equal(t, uint64(1), server.GetStats().HandshakesDone)
	assert.Equal(t, uint64(1), client.GetStats().HandshakesDone)
	assert.Equal(t, uint64(1), client.GetStats().RTT.Samples, "发起方记录 SYN 往返时间")
}

func TestARQHelloAndClose(t *testing.T) {
	server := newTestConn(t, testARQConfig())
	client := newTestConn(t, testARQConfig())

	var received []byte
	g, ctx := errgroup.WithContext(testContext(t))
	g.Go(func() error {
		if err := server.Accept(ctx); err != nil {
			return err
		}
		data, err := server.Recv(ctx)
		if err != nil {
			return err
		}
		received = data

		// 对端关闭
		if _, err := server.Recv(ctx); !errors.Is(err, io.EOF) {
			return errors.New("期望 io.EOF")
		}
		return server.Close()
	})
	g.Go(func() error {
		if err := client.Connect(ctx, server.GetLocalAddr()); err != nil {
			return err
		}
		if err := client.Send(ctx, []byte("Hello from client!")); err != nil {
			return err
		}
		return client.Close()
	})
	require.NoError(t, g.Wait())

	assert.Equal(t, "Hello from client!", string(received))
	assert.Equal(t, ARQStateClosed, server.GetState())
	assert.Equal(t, ARQStateClosed, client.GetState())
	assert.True(t, server.IsClosed())
	assert.True(t, client.IsClosed())
}

func TestARQAlternatingBit(t *testing.T) {
	server := newTestConn(t, testARQConfig())
	client := newTestConn(t, testARQConfig())
	establish(t, server, client)

	messages := []string{"one", "two", "three", "four", "five"}

	var got []string
	g, ctx := errgroup.WithContext(testContext(t))
	g.Go(func() error {
		for range messages {
			data, err := server.Recv(ctx)
			if err != nil {
				return err
			}
			got = append(got, string(data))
		}
		return nil
	})
	g.Go(func() error {
		for _, m := range messages {
			if err := client.Send(ctx, []byte(m)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())

	assert.Equal(t, messages, got)

	// 握手后为 1，五次翻转后为 0
	next, _ := client.Sequence()
	_, expected := server.Sequence()
	assert.Equal(t, uint8(0), next)
	assert.Equal(t, uint8(0), expected)
	assert.Equal(t, uint64(len(messages)), server.GetStats().Delivered)
}

func TestARQDuplicateSuppression(t *testing.T) {
	server := newTestConn(t, testARQConfig())
	client := newTestConn(t, testARQConfig())
	establish(t, server, client)

	// 接收方的第一个 ACK 丢失，发送方必然重传
	require.NoError(t, server.ConfigureFaultPolicy(1, 0))

	var first, second []byte
	g, ctx := errgroup.WithContext(testContext(t))
	g.Go(func() error {
		var err error
		if first, err = server.Recv(ctx); err != nil {
			return err
		}
		if err := server.ConfigureFaultPolicy(0, 0); err != nil {
			return err
		}
		second, err = server.Recv(ctx)
		return err
	})
	g.Go(func() error {
		if err := client.Send(ctx, []byte("first")); err != nil {
			return err
		}
		return client.Send(ctx, []byte("second"))
	})
	require.NoError(t, g.Wait())

	assert.Equal(t, "first", string(first))
	assert.Equal(t, "second", string(second))

	stats := server.GetStats()
	assert.Equal(t, uint64(2), stats.Delivered, "重复帧不应交付")
	assert.GreaterOrEqual(t, stats.Duplicates, uint64(1))
	assert.GreaterOrEqual(t, client.GetStats().Retransmits, uint64(1))
}

func TestARQBoundedRetry(t *testing.T) {
	config := testARQConfig()
	server := newTestConn(t, config)
	client := newTestConn(t, config)
	establish(t, server, client)

	require.NoError(t, client.ConfigureFaultPolicy(1, 0))
	before := client.GetStats()

	err := client.Send(testContext(t), []byte("lost"))
	require.ErrorIs(t, err, ErrRetriesExhausted)

	after := client.GetStats()
	if got := after.SimulatedLoss - before.SimulatedLoss; got != uint64(config.MaxRetries) {
		t.Errorf("发送次数不正确: got %d, want %d", got, config.MaxRetries)
	}
	assert.Equal(t, before.FramesSent, after.FramesSent, "没有数据报应被写出")
	assert.Equal(t, uint64(config.MaxRetries-1), after.Retransmits-before.Retransmits)
	assert.Equal(t, uint64(1), after.SendFailures-before.SendFailures)

	// 失败后序列号不翻转
	next, _ := client.Sequence()
	assert.Equal(t, uint8(1), next)
}

func TestARQCorruptionDropped(t *testing.T) {
	config := testARQConfig()
	config.RecvPollAttempts = 8
	server := newTestConn(t, config)
	client := newTestConn(t, config)
	establish(t, server, client)

	require.NoError(t, client.ConfigureFaultPolicy(0, 1))

	g, ctx := errgroup.WithContext(testContext(t))
	var recvErr, sendErr error
	g.Go(func() error {
		_, recvErr = server.Recv(ctx)
		return nil
	})
	g.Go(func() error {
		sendErr = client.Send(ctx, []byte("garbled"))
		return nil
	})
	require.NoError(t, g.Wait())

	assert.ErrorIs(t, sendErr, ErrRetriesExhausted)
	assert.ErrorIs(t, recvErr, ErrNoData)
	assert.Equal(t, uint64(0), server.GetStats().Delivered)
	assert.GreaterOrEqual(t, server.GetStats().FramesDropped, uint64(1))
}

func TestARQSimultaneousClose(t *testing.T) {
	server := newTestConn(t, testARQConfig())
	client := newTestConn(t, testARQConfig())
	establish(t, server, client)

	g, ctx := errgroup.WithContext(testContext(t))
	g.Go(func() error { return server.Disconnect(ctx) })
	g.Go(func() error { return client.Disconnect(ctx) })
	require.NoError(t, g.Wait())

	assert.Equal(t, ARQStateClosed, server.GetState())
	assert.Equal(t, ARQStateClosed, client.GetState())
	assert.False(t, server.IsClosed(), "Disconnect 不释放套接字")
}

func TestARQAcceptorHandshakeTimeout(t *testing.T) {
	config := testARQConfig()
	server := newTestConn(t, config)
	peer := newRawPeer(t)

	done := make(chan error, 1)
	go func() { done <- server.Accept(testContext(t)) }()

	// 只发 SYN，从不回复最终 ACK
	peer.send(t, NewFrame(0, 0, FlagSYN, nil), server.GetLocalAddr())
	synAck, _ := peer.expect(t, FlagSYNACK, time.Second)
	assert.Equal(t, uint8(0), synAck.Ack)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrHandshakeTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("Accept 未在重试耗尽后返回")
	}
	assert.Equal(t, ARQStateClosed, server.GetState())
}

func TestARQImplicitEstablish(t *testing.T) {
	server := newTestConn(t, testARQConfig())
	peer := newRawPeer(t)
	ctx := testContext(t)

	done := make(chan error, 1)
	go func() { done <- server.Accept(ctx) }()

	peer.send(t, NewFrame(0, 0, FlagSYN, nil), server.GetLocalAddr())
	peer.expect(t, FlagSYNACK, time.Second)

	// 最终 ACK "丢失"，直接发送数据
	peer.send(t, NewFrame(1, 0, FlagDATA, []byte("early")), server.GetLocalAddr())
	ack, _ := peer.expect(t, FlagACK, time.Second)
	assert.Equal(t, uint8(1), ack.Ack)

	require.NoError(t, <-done)
	assert.Equal(t, ARQStateEstablished, server.GetState())

	data, err := server.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "early", string(data))
}

func TestARQDuplicateSynAck(t *testing.T) {
	client := newTestConn(t, testARQConfig())
	peer := newRawPeer(t)
	ctx := testContext(t)

	connected := make(chan error, 1)
	go func() { connected <- client.Connect(ctx, peer.addr()) }()

	syn, from := peer.expect(t, FlagSYN, time.Second)
	synAck := NewFrame(0, syn.Seq, FlagSYNACK, nil)
	peer.send(t, synAck, from)
	peer.expect(t, FlagACK, time.Second)
	require.NoError(t, <-connected)

	var wg sync.WaitGroup
	var data []byte
	var recvErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		data, recvErr = client.Recv(ctx)
	}()

	// 对端未收到最终 ACK，重传 SYNACK
	peer.send(t, synAck, from)
	again, _ := peer.expect(t, FlagACK, time.Second)
	assert.Equal(t, uint8(0), again.Ack)

	peer.send(t, NewFrame(1, 0, FlagDATA, []byte("after synack")), from)
	wg.Wait()

	require.NoError(t, recvErr)
	assert.Equal(t, "after synack", string(data))
}

func TestARQIgnoresStrangers(t *testing.T) {
	config := testARQConfig()
	config.RecvPollAttempts = 3
	server := newTestConn(t, config)
	client := newTestConn(t, config)
	establish(t, server, client)

	stranger := newRawPeer(t)
	stranger.send(t, NewFrame(1, 0, FlagDATA, []byte("intruder")), server.GetLocalAddr())

	_, err := server.Recv(testContext(t))
	require.ErrorIs(t, err, ErrNoData)
	assert.Equal(t, uint64(0), server.GetStats().Delivered)
	assert.GreaterOrEqual(t, server.GetStats().FramesIgnored, uint64(1))
}

func TestARQIllegalFrames(t *testing.T) {
	server := newTestConn(t, testARQConfig())
	peer := newRawPeer(t)
	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- server.Accept(ctx) }()

	// CLOSED 状态下 SYNACK 与 DATA 都不合法，只有数据帧得到 ACK
	peer.send(t, NewFrame(0, 0, FlagSYNACK, nil), server.GetLocalAddr())
	peer.send(t, NewFrame(1, 0, FlagDATA, []byte("too early")), server.GetLocalAddr())

	ack, _ := peer.expect(t, FlagACK, time.Second)
	if ack.Ack != 1 {
		t.Errorf("第一个 ACK 应确认数据帧: ack=%d", ack.Ack)
	}

	cancel()
	<-done
	assert.Equal(t, ARQStateClosed, server.GetState())
	assert.Equal(t, uint64(0), server.GetStats().Delivered)
	assert.GreaterOrEqual(t, server.GetStats().FramesIgnored, uint64(2))
}

func TestARQForcedClose(t *testing.T) {
	server := newTestConn(t, testARQConfig())
	client := newTestConn(t, testARQConfig())
	establish(t, server, client)

	require.NoError(t, client.ConfigureFaultPolicy(1, 0))
	err := client.Close()
	require.ErrorIs(t, err, ErrForcedClose)

	assert.Equal(t, ARQStateClosed, client.GetState())
	assert.True(t, client.IsClosed())

	// 关闭后操作失败
	assert.ErrorIs(t, client.Send(testContext(t), []byte("x")), ErrConnClosed)
	_, err = client.Recv(testContext(t))
	assert.ErrorIs(t, err, ErrConnClosed)

	// 重复关闭返回同一结果
	assert.ErrorIs(t, client.Close(), ErrForcedClose)
}

func TestARQUsageErrors(t *testing.T) {
	c := newTestConn(t, testARQConfig())
	ctx := testContext(t)

	assert.ErrorIs(t, c.Send(ctx, nil), ErrEmptyPayload)
	assert.ErrorIs(t, c.Send(ctx, make([]byte, ARQMaxPayloadSize+1)), ErrPayloadTooLarge)
	assert.ErrorIs(t, c.Send(ctx, []byte("x")), ErrNoRemote)
	assert.ErrorIs(t, c.Connect(ctx, nil), ErrNoRemote)
	assert.ErrorIs(t, c.ConfigureFaultPolicy(2, 0), ErrRateOutOfRange)
	assert.ErrorIs(t, c.ConfigureFaultPolicy(0, -0.5), ErrRateOutOfRange)

	_, err := c.Receive(ctx, FlagFINACK)
	assert.ErrorIs(t, err, ErrInvalidState)

	// 关闭状态下 Disconnect 无事可做
	assert.NoError(t, c.Disconnect(ctx))
}

func TestARQRecvNoData(t *testing.T) {
	config := testARQConfig()
	config.RecvPollAttempts = 3
	config.AttemptTimeout = 30 * time.Millisecond
	c := newTestConn(t, config)

	start := time.Now()
	_, err := c.Recv(testContext(t))
	require.ErrorIs(t, err, ErrNoData)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestARQAcceptContextCancel(t *testing.T) {
	c := newTestConn(t, testARQConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err := c.Accept(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, ARQStateClosed, c.GetState())
}

func TestARQCloseInterruptsBlockedAccept(t *testing.T) {
	c := newTestConn(t, testARQConfig())

	done := make(chan error, 1)
	go func() { done <- c.Accept(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Close 未打断阻塞的 Accept")
	}
}

type recordingObserver struct {
	mu        sync.Mutex
	latencies []time.Duration
	changes   []transition
	results   []Flag
}

func (o *recordingObserver) OnAckLatency(d time.Duration) {
	o.mu.Lock()
	o.latencies = append(o.latencies, d)
	o.mu.Unlock()
}

func (o *recordingObserver) OnStateChange(from, to ARQState) {
	o.mu.Lock()
	o.changes = append(o.changes, transition{from, to})
	o.mu.Unlock()
}

func (o *recordingObserver) OnSendResult(flag Flag, attempts int, err error) {
	o.mu.Lock()
	o.results = append(o.results, flag)
	o.mu.Unlock()
}

func TestARQObserver(t *testing.T) {
	server := newTestConn(t, testARQConfig())
	client := newTestConn(t, testARQConfig())

	obs := &recordingObserver{}
	client.SetObserver(obs)

	establish(t, server, client)

	g, ctx := errgroup.WithContext(testContext(t))
	g.Go(func() error {
		_, err := server.Recv(ctx)
		return err
	})
	g.Go(func() error { return client.Send(ctx, []byte("observed")) })
	require.NoError(t, g.Wait())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Len(t, obs.latencies, 1)
	assert.Equal(t, []Flag{FlagSYN, FlagDATA}, obs.results)
	assert.Equal(t, []transition{
		{ARQStateClosed, ARQStateConnecting},
		{ARQStateConnecting, ARQStateEstablished},
	}, obs.changes)
}
