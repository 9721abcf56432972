// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - YAML / TOML 加载、默认值、校验、示例配置生成
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/mrcgq/rudp/internal/transport"
)

// Config 主配置
type Config struct {
	Listen   string `yaml:"listen" toml:"listen"`
	Remote   string `yaml:"remote" toml:"remote"`
	LogLevel string `yaml:"log_level" toml:"log_level"`
	Debug    bool   `yaml:"debug" toml:"debug"`

	ARQ     ARQConfig     `yaml:"arq" toml:"arq"`
	Faults  FaultsConfig  `yaml:"faults" toml:"faults"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
	Server  ServerConfig  `yaml:"server" toml:"server"`
}

// ARQConfig 停等式 ARQ 参数
type ARQConfig struct {
	MaxRetries       int `yaml:"max_retries" toml:"max_retries"`
	AttemptTimeoutMs int `yaml:"attempt_timeout_ms" toml:"attempt_timeout_ms"`
	RecvPollAttempts int `yaml:"recv_poll_attempts" toml:"recv_poll_attempts"`
	ReadBufferSize   int `yaml:"read_buffer_size" toml:"read_buffer_size"`
	LingerMs         int `yaml:"linger_ms" toml:"linger_ms"`
}

// FaultsConfig 故障注入
type FaultsConfig struct {
	LossRate       float64 `yaml:"loss_rate" toml:"loss_rate"`
	CorruptionRate float64 `yaml:"corruption_rate" toml:"corruption_rate"`
	Seed           int64   `yaml:"seed" toml:"seed"` // 0 表示随机
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	Listen     string `yaml:"listen" toml:"listen"`
	Path       string `yaml:"path" toml:"path"`
	HealthPath string `yaml:"health_path" toml:"health_path"`
}

// ServerConfig 文件服务
type ServerConfig struct {
	Root       string `yaml:"root" toml:"root"`
	PostOutput string `yaml:"post_output" toml:"post_output"`
}

// Load 加载配置文件，.toml 后缀按 TOML 解析，其余按 YAML
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("未知配置项: %v", undecoded)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Listen:   "127.0.0.1:12345",
		Remote:   "127.0.0.1:12345",
		LogLevel: "info",

		ARQ: ARQConfig{
			MaxRetries:       transport.ARQDefaultMaxRetries,
			AttemptTimeoutMs: int(transport.ARQDefaultAttemptTimeout / time.Millisecond),
			RecvPollAttempts: transport.ARQDefaultRecvPollAttempts,
			ReadBufferSize:   transport.DefaultReadBufferSize,
			LingerMs:         int(transport.ARQDefaultLinger / time.Millisecond),
		},

		Metrics: MetricsConfig{
			Enabled:    false,
			Listen:     ":9100",
			Path:       "/metrics",
			HealthPath: "/health",
		},

		Server: ServerConfig{
			Root:       ".",
			PostOutput: "post_output.html",
		},
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	listenPort, err := parsePort(c.Listen)
	if err != nil {
		return fmt.Errorf("listen 端口格式错误: %w", err)
	}
	if listenPort < 0 || listenPort > 65535 {
		return fmt.Errorf("listen 端口越界: %d", listenPort)
	}

	if c.Remote != "" {
		if _, err := parsePort(c.Remote); err != nil {
			return fmt.Errorf("remote 端口格式错误: %w", err)
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level 无效: %s", c.LogLevel)
	}

	if err := c.validateARQConfig(); err != nil {
		return err
	}
	if err := c.validateFaultsConfig(); err != nil {
		return err
	}

	if c.Metrics.Enabled {
		metricsPort, err := parsePort(c.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
		}
		if metricsPort != 0 && metricsPort == listenPort && sameHost(c.Listen, c.Metrics.Listen) {
			return fmt.Errorf("metrics.listen 端口 (%d) 与 listen 冲突", metricsPort)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path 必须以 / 开头")
		}
		if !strings.HasPrefix(c.Metrics.HealthPath, "/") {
			return fmt.Errorf("metrics.health_path 必须以 / 开头")
		}
	}

	return nil
}

func (c *Config) validateARQConfig() error {
	if c.ARQ.MaxRetries < 1 || c.ARQ.MaxRetries > 100 {
		return fmt.Errorf("arq.max_retries 需在 1-100 之间: %d", c.ARQ.MaxRetries)
	}
	if c.ARQ.AttemptTimeoutMs < 1 || c.ARQ.AttemptTimeoutMs > 60000 {
		return fmt.Errorf("arq.attempt_timeout_ms 需在 1-60000 之间: %d", c.ARQ.AttemptTimeoutMs)
	}
	if c.ARQ.RecvPollAttempts < 1 {
		return fmt.Errorf("arq.recv_poll_attempts 必须 >= 1: %d", c.ARQ.RecvPollAttempts)
	}
	if c.ARQ.ReadBufferSize <= transport.ARQFrameOverhead || c.ARQ.ReadBufferSize > 65507 {
		return fmt.Errorf("arq.read_buffer_size 需在 %d-65507 之间: %d",
			transport.ARQFrameOverhead+1, c.ARQ.ReadBufferSize)
	}
	if c.ARQ.LingerMs < 0 {
		return fmt.Errorf("arq.linger_ms 不能为负: %d", c.ARQ.LingerMs)
	}
	return nil
}

func (c *Config) validateFaultsConfig() error {
	if err := c.FaultPolicy().Validate(); err != nil {
		return fmt.Errorf("faults: %w", err)
	}
	return nil
}

// ARQConnConfig 转换为连接配置
func (c *Config) ARQConnConfig() *transport.ARQConnConfig {
	return &transport.ARQConnConfig{
		MaxRetries:       c.ARQ.MaxRetries,
		AttemptTimeout:   time.Duration(c.ARQ.AttemptTimeoutMs) * time.Millisecond,
		RecvPollAttempts: c.ARQ.RecvPollAttempts,
		ReadBufferSize:   c.ARQ.ReadBufferSize,
		Linger:           time.Duration(c.ARQ.LingerMs) * time.Millisecond,
	}
}

// FaultPolicy 转换为故障策略
func (c *Config) FaultPolicy() transport.FaultPolicy {
	return transport.FaultPolicy{
		LossRate:       c.Faults.LossRate,
		CorruptionRate: c.Faults.CorruptionRate,
	}
}

// FaultInjector 按配置创建故障注入器，seed 为 0 时使用随机种子
func (c *Config) FaultInjector() (*transport.FaultInjector, error) {
	var f *transport.FaultInjector
	if c.Faults.Seed != 0 {
		f = transport.NewSeededFaultInjector(c.Faults.Seed)
	} else {
		var err error
		if f, err = transport.NewFaultInjector(); err != nil {
			return nil, err
		}
	}
	if err := f.SetPolicy(c.FaultPolicy()); err != nil {
		return nil, err
	}
	return f, nil
}

// HasFaults 是否启用了故障注入
func (c *Config) HasFaults() bool {
	return c.Faults.LossRate > 0 || c.Faults.CorruptionRate > 0
}

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

func sameHost(a, b string) bool {
	ha, _, errA := net.SplitHostPort(a)
	hb, _, errB := net.SplitHostPort(b)
	if errA != nil || errB != nil {
		return true
	}
	if ha == "" || hb == "" || ha == "0.0.0.0" || hb == "0.0.0.0" {
		return true
	}
	return ha == hb
}

// GetListenPort 获取监听端口
func (c *Config) GetListenPort() int {
	port, _ := parsePort(c.Listen)
	return port
}

// =============================================================================
// 配置文件示例生成
// =============================================================================

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# rudp 配置文件示例
# =============================================================================

# 基础配置
listen: "127.0.0.1:12345"           # 本地 UDP 地址
remote: "127.0.0.1:12345"           # 客户端连接的服务器地址
log_level: "info"                   # 日志级别: debug, info, warn, error
debug: false                        # 逐帧跟踪

# 停等式 ARQ
arq:
  max_retries: 5                    # 每帧最多发送次数
  attempt_timeout_ms: 2000          # 每次等待回复的超时 (毫秒)
  recv_poll_attempts: 10            # 一次接收最多读取次数
  read_buffer_size: 4096            # 单次读取上限 (字节)
  linger_ms: 2000                   # 回复 FINACK 后的逗留时间 (毫秒)

# 故障注入 (测试用)
faults:
  loss_rate: 0.0                    # 丢包率 [0,1]
  corruption_rate: 0.0              # 校验和损坏率 [0,1]
  seed: 0                           # 随机种子，0 表示随机

# Prometheus 监控
metrics:
  enabled: false
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"

# 文件服务 (rudp-server)
server:
  root: "."                         # GET 请求的根目录
  post_output: "post_output.html"   # POST 内容写入位置
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
