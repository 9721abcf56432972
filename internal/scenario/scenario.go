// =============================================================================
// 文件: internal/scenario/scenario.go
// 描述: 故障场景演练 - 回环上运行一对端点，在注入的丢包/损坏下完成
//       握手、发送一条消息并关闭，报告各阶段结果
// =============================================================================
package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/rudp/internal/logging"
	"github.com/mrcgq/rudp/internal/transport"
)

// Scenario 一次演练的参数
type Scenario struct {
	Name         string
	Message      string
	ClientFaults transport.FaultPolicy
	ServerFaults transport.FaultPolicy

	// 0 表示随机种子
	Seed int64
}

// EndpointResult 单个端点的结果
type EndpointResult struct {
	Handshake  error
	Transfer   error
	Close      error
	Received   string
	FinalState transport.ARQState
	Stats      *transport.ARQStats
}

// Result 演练结果
type Result struct {
	Scenario Scenario
	Client   EndpointResult
	Server   EndpointResult
	Elapsed  time.Duration
}

// Delivered 服务端收到了完整消息
func (r *Result) Delivered() bool {
	return r.Server.Transfer == nil && r.Server.Received == r.Scenario.Message
}

// OK 握手与传输都成功，关闭可以是强制的
func (r *Result) OK() bool {
	return r.Client.Handshake == nil && r.Server.Handshake == nil &&
		r.Client.Transfer == nil && r.Delivered()
}

// Summary 单行摘要
func (r *Result) Summary() string {
	var b strings.Builder
	status := "OK"
	if !r.OK() {
		status = "FAIL"
	}
	fmt.Fprintf(&b, "[%s] %s (%s)", status, r.Scenario.Name, r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(&b, " client: handshake=%s send=%s close=%s",
		outcome(r.Client.Handshake), outcome(r.Client.Transfer), outcome(r.Client.Close))
	fmt.Fprintf(&b, " server: handshake=%s recv=%s close=%s",
		outcome(r.Server.Handshake), outcome(r.Server.Transfer), outcome(r.Server.Close))
	if r.Client.Stats != nil && r.Server.Stats != nil {
		fmt.Fprintf(&b, " retransmits=%d", r.Client.Stats.Retransmits+r.Server.Stats.Retransmits)
	}
	return b.String()
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}

// DefaultScenarios 预置场景
func DefaultScenarios() []Scenario {
	return []Scenario{
		{
			Name:    "lossless",
			Message: "Hello from client!",
			Seed:    1,
		},
		{
			Name:         "loss-10-corruption-10",
			Message:      "Hello from client!",
			ClientFaults: transport.FaultPolicy{LossRate: 0.1, CorruptionRate: 0.1},
			ServerFaults: transport.FaultPolicy{LossRate: 0.1, CorruptionRate: 0.1},
			Seed:         2,
		},
		{
			Name:         "client-loss-30",
			Message:      "Hello from client!",
			ClientFaults: transport.FaultPolicy{LossRate: 0.3},
			Seed:         3,
		},
		{
			Name:         "server-corruption-30",
			Message:      "Hello from client!",
			ServerFaults: transport.FaultPolicy{CorruptionRate: 0.3},
			Seed:         4,
		},
		{
			Name:         "blackhole",
			Message:      "Hello from client!",
			ClientFaults: transport.FaultPolicy{LossRate: 1},
			Seed:         5,
		},
	}
}

// Run 运行一个场景
// 配置或故障参数非法时返回错误；各阶段失败记录在 Result 中
func Run(ctx context.Context, s Scenario, config *transport.ARQConnConfig, logger logrus.FieldLogger) (*Result, error) {
	if err := s.ClientFaults.Validate(); err != nil {
		return nil, fmt.Errorf("客户端故障参数: %w", err)
	}
	if err := s.ServerFaults.Validate(); err != nil {
		return nil, fmt.Errorf("服务端故障参数: %w", err)
	}
	if config == nil {
		config = transport.DefaultARQConnConfig()
	}
	if logger == nil {
		logger = logging.Default()
	}
	log := logger.WithField("scenario", s.Name)

	server, err := newEndpoint("server", s.ServerFaults, s.Seed, config, log)
	if err != nil {
		return nil, err
	}
	client, err := newEndpoint("client", s.ClientFaults, s.Seed+1, config, log)
	if err != nil {
		server.Close()
		return nil, err
	}

	result := &Result{Scenario: s}
	start := time.Now()

	// 客户端握手失败时服务端不会再收到 SYN，取消其等待
	serverCtx, cancelServer := context.WithCancel(ctx)
	defer cancelServer()

	var g errgroup.Group
	g.Go(func() error {
		runServer(serverCtx, server, &result.Server)
		return nil
	})
	g.Go(func() error {
		runClient(ctx, client, server.GetLocalAddr(), s.Message, &result.Client)
		if result.Client.Handshake != nil {
			cancelServer()
		}
		return nil
	})
	g.Wait()

	result.Elapsed = time.Since(start)
	log.Info(result.Summary())
	return result, nil
}

func newEndpoint(role string, policy transport.FaultPolicy, seed int64, config *transport.ARQConnConfig, log logrus.FieldLogger) (*transport.ARQConn, error) {
	conn, err := transport.Listen("127.0.0.1:0", config, log.WithField("role", role))
	if err != nil {
		return nil, fmt.Errorf("创建 %s 端点失败: %w", role, err)
	}

	var faults *transport.FaultInjector
	if seed != 0 {
		faults = transport.NewSeededFaultInjector(seed)
	} else if faults, err = transport.NewFaultInjector(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := faults.SetPolicy(policy); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetFaultInjector(faults)
	return conn, nil
}

func runServer(ctx context.Context, conn *transport.ARQConn, res *EndpointResult) {
	defer finish(conn, res)

	if res.Handshake = conn.Accept(ctx); res.Handshake != nil {
		return
	}

	data, err := conn.Receive(ctx, transport.FlagDATA)
	switch {
	case errors.Is(err, io.EOF):
		res.Transfer = transport.ErrPeerClosed
	case err != nil:
		res.Transfer = err
	default:
		res.Received = string(data)
	}
}

func runClient(ctx context.Context, conn *transport.ARQConn, remote *net.UDPAddr, message string, res *EndpointResult) {
	defer finish(conn, res)

	if res.Handshake = conn.Connect(ctx, remote); res.Handshake != nil {
		return
	}
	res.Transfer = conn.Send(ctx, []byte(message))
}

// finish 关闭端点并记录最终状态
func finish(conn *transport.ARQConn, res *EndpointResult) {
	if res.Handshake == nil {
		res.Close = conn.Close()
	} else {
		conn.Close()
	}
	res.FinalState = conn.GetState()
	res.Stats = conn.GetStats()
}
