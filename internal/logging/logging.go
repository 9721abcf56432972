// =============================================================================
// 文件: internal/logging/logging.go
// 描述: 日志 - logrus 封装，输出格式 "[LEVEL] 15:04:05 消息 key=value"
// =============================================================================
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Formatter 紧凑的单行格式
type Formatter struct{}

// Format 实现 logrus.Formatter
func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer

	fmt.Fprintf(&b, "[%s] %s %s",
		levelTag(entry.Level), entry.Time.Format("15:04:05"), entry.Message)

	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
		}
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func levelTag(l logrus.Level) string {
	switch l {
	case logrus.DebugLevel, logrus.TraceLevel:
		return "DEBUG"
	case logrus.InfoLevel:
		return "INFO"
	case logrus.WarnLevel:
		return "WARN"
	default:
		return "ERROR"
	}
}

// ParseLevel 解析日志级别 (debug / info / warn / error)，未知值返回 info
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// New 创建日志器，输出到 stderr
func New(level string) *logrus.Logger {
	return NewWithOutput(level, os.Stderr)
}

// NewWithOutput 创建日志器并指定输出
func NewWithOutput(level string, out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(new(Formatter))
	l.SetLevel(ParseLevel(level))
	return l
}

var (
	defaultLogger *logrus.Logger
	defaultOnce   sync.Once
)

// Default 进程级日志器
func Default() *logrus.Logger {
	defaultOnce.Do(func() {
		defaultLogger = New("info")
	})
	return defaultLogger
}

// Discard 丢弃所有输出，测试使用
func Discard() *logrus.Logger {
	return NewWithOutput("error", io.Discard)
}
