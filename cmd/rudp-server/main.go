// =============================================================================
// 文件: cmd/rudp-server/main.go
// 描述: 服务端入口 - 在可靠 UDP 上提供文件 GET / POST，可选 Prometheus 指标
// =============================================================================
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrcgq/rudp/internal/config"
	"github.com/mrcgq/rudp/internal/handler"
	"github.com/mrcgq/rudp/internal/logging"
	"github.com/mrcgq/rudp/internal/metrics"
	"github.com/mrcgq/rudp/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("c", "config.yaml", "配置文件路径 (.yaml / .toml)")
	showVersion := flag.Bool("v", false, "显示版本")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	listen := flag.String("listen", "", "监听地址，覆盖配置")
	root := flag.String("root", "", "文件根目录，覆盖配置")
	debug := flag.Bool("debug", false, "输出每一帧的收发")
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	if *listen != "" {
		cfg.Listen = *listen
	}
	if *root != "" {
		cfg.Server.Root = *root
	}
	if *debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("服务异常退出")
		os.Exit(1)
	}
}

// loadConfig 默认路径不存在时使用默认配置
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !flagPassed("c") {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func flagPassed(name string) bool {
	passed := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			passed = true
		}
	})
	return passed
}

func run(cfg *config.Config, log *logrus.Logger) error {
	conn, err := transport.Listen(cfg.Listen, cfg.ARQConnConfig(), log)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetDebug(cfg.Debug)
	if cfg.HasFaults() {
		faults, err := cfg.FaultInjector()
		if err != nil {
			return err
		}
		conn.SetFaultInjector(faults)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverMetrics := metrics.NewServerMetrics()

	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Listen, cfg.Metrics.Path, cfg.Metrics.HealthPath, log)
		metricsServer.MustRegisterCollector(metrics.NewARQCollector(conn))
		metricsServer.MustRegisterCollector(metrics.NewHandlerCollector(serverMetrics))
		conn.SetObserver(metrics.NewARQMetrics(metricsServer.GetRegistry()))

		metricsServer.SetHealthCheck(func() metrics.HealthStatus {
			return createHealthStatus(conn, serverMetrics)
		})

		if err := metricsServer.Start(ctx); err != nil {
			log.WithError(err).Warn("Metrics 启动失败")
			metricsServer = nil
		}
	}

	fileHandler := handler.NewFileHandler(cfg.Server.Root, cfg.Server.PostOutput, log)
	server := handler.NewServer(conn, fileHandler, serverMetrics, log)

	printBanner(cfg, conn, metricsServer)

	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\n正在关闭...")
		cancel()
		<-done
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}

	if metricsServer != nil {
		metricsServer.Stop()
	}

	stats := serverMetrics.GetStats()
	log.WithFields(logrus.Fields{
		"sessions": stats["total_sessions"],
		"requests": stats["total_requests"],
	}).Info("服务已停止")
	return nil
}

// =============================================================================
// 健康检查
// =============================================================================

func createHealthStatus(conn *transport.ARQConn, m *metrics.ServerMetrics) metrics.HealthStatus {
	status := metrics.HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Components: make(map[string]metrics.ComponentHealth),
	}

	if conn.IsClosed() {
		status.Status = "unhealthy"
		status.Components["transport"] = metrics.ComponentHealth{Status: "unhealthy", Message: "socket released"}
	} else {
		status.Components["transport"] = metrics.ComponentHealth{
			Status:  "healthy",
			Message: fmt.Sprintf("state: %s", conn.GetState()),
		}
	}

	status.Components["sessions"] = metrics.ComponentHealth{
		Status:  "healthy",
		Message: fmt.Sprintf("active: %d, total: %d", m.GetActiveSessions(), m.GetTotalSessions()),
	}
	return status
}

// =============================================================================
// 版本和横幅
// =============================================================================

func printVersion() {
	fmt.Printf("rudp-server v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func printBanner(cfg *config.Config, conn *transport.ARQConn, ms *metrics.MetricsServer) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════════╗")
	fmt.Printf("║  rudp-server v%-51s║\n", Version)
	fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  监听地址: %-53s ║\n", conn.GetLocalAddr())
	fmt.Printf("║  文件根目录: %-51s ║\n", cfg.Server.Root)
	fmt.Printf("║  重试/超时: %-52s ║\n", fmt.Sprintf("%d 次 / %d ms", cfg.ARQ.MaxRetries, cfg.ARQ.AttemptTimeoutMs))
	if cfg.HasFaults() {
		fmt.Printf("║  故障注入: %-53s ║\n",
			fmt.Sprintf("丢包 %.0f%%, 损坏 %.0f%%", cfg.Faults.LossRate*100, cfg.Faults.CorruptionRate*100))
	}
	if ms != nil {
		fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
		fmt.Printf("║  Prometheus: http://%-44s ║\n", ms.Addr()+cfg.Metrics.Path)
		fmt.Printf("║  健康检查:   http://%-44s ║\n", ms.Addr()+cfg.Metrics.HealthPath)
	}
	fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
	fmt.Println("║  按 Ctrl+C 停止                                                  ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
}
