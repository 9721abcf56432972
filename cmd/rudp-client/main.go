// =============================================================================
// 文件: cmd/rudp-client/main.go
// 描述: 客户端入口 - 建立连接，交互式发送一条 GET / POST 请求并打印响应
// =============================================================================
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/mrcgq/rudp/internal/config"
	"github.com/mrcgq/rudp/internal/handler"
	"github.com/mrcgq/rudp/internal/logging"
	"github.com/mrcgq/rudp/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("c", "", "配置文件路径 (.yaml / .toml)")
	showVersion := flag.Bool("v", false, "显示版本")
	server := flag.String("server", "", "服务端地址，覆盖配置")
	local := flag.String("local", "127.0.0.1:0", "本地绑定地址")
	debug := flag.Bool("debug", false, "输出每一帧的收发")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rudp-client v%s (%s, %s, %s)\n", Version, BuildTime, GitCommit, runtime.Version())
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
	}
	if *server != "" {
		cfg.Remote = *server
	}
	if *debug {
		cfg.Debug = true
	}

	log := logging.New(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *local, os.Stdin, os.Stdout, log); err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, local string, in io.Reader, out io.Writer, log *logrus.Logger) error {
	conn, err := transport.Dial(ctx, local, cfg.Remote, cfg.ARQConnConfig(), log)
	if err != nil {
		return fmt.Errorf("无法连接服务端: %w", err)
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

	fmt.Fprintln(out, "连接已建立")

	reader := bufio.NewReader(in)
	method := strings.ToUpper(prompt(reader, out, "请输入方法 (GET 或 POST): "))

	var path, body string
	switch method {
	case "GET":
		path = prompt(reader, out, "请输入路径: ")
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
	case "POST":
		path = "/"
		body = prompt(reader, out, "请输入要提交的数据: ")
	default:
		fmt.Fprintln(out, "不支持的方法")
		return conn.Disconnect(ctx)
	}

	resp, err := handler.Fetch(ctx, conn, method, path, "localhost", body)
	if err != nil {
		if errors.Is(err, transport.ErrPeerClosed) {
			return err
		}
		conn.Disconnect(ctx)
		return err
	}

	fmt.Fprintf(out, "\n服务端响应: %d %s\n\n%s\n", resp.StatusCode, resp.Reason, resp.Body)

	if err := conn.Disconnect(ctx); err != nil {
		log.WithError(err).Warn("关闭连接失败")
	}
	return nil
}

func prompt(r *bufio.Reader, out io.Writer, text string) string {
	fmt.Fprint(out, text)
	line, _ := r.ReadString('\n')
	return strings.TrimSpace(line)
}
