// =============================================================================
// 文件: cmd/rudp-scenarios/main.go
// 描述: 场景演练入口 - 在回环上依次运行预置的故障场景并输出结果
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrcgq/rudp/internal/config"
	"github.com/mrcgq/rudp/internal/logging"
	"github.com/mrcgq/rudp/internal/scenario"
)

func main() {
	configPath := flag.String("c", "", "配置文件路径，仅使用 arq 部分")
	only := flag.String("run", "", "只运行指定名称的场景")
	level := flag.String("log", "warn", "日志级别")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
	}

	log := logging.New(*level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	failed := 0
	ran := 0
	start := time.Now()
	for _, s := range scenario.DefaultScenarios() {
		if *only != "" && s.Name != *only {
			continue
		}
		ran++

		r, err := scenario.Run(ctx, s, cfg.ARQConnConfig(), log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[ERROR] %s: %v\n", s.Name, err)
			failed++
			continue
		}
		fmt.Println(r.Summary())
		if !r.OK() {
			failed++
		}
		if ctx.Err() != nil {
			break
		}
	}

	fmt.Printf("\n%d 个场景, %d 个失败, 用时 %s\n", ran, failed, time.Since(start).Round(time.Millisecond))
}
