package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]logrus.Level{
		"debug":   logrus.DebugLevel,
		"DEBUG":   logrus.DebugLevel,
		"info":    logrus.InfoLevel,
		"warn":    logrus.WarnLevel,
		"warning": logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
		"":        logrus.InfoLevel,
		"bogus":   logrus.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestFormatterOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOutput("debug", &buf)

	l.WithFields(logrus.Fields{"remote": "127.0.0.1:9000", "conn": "ab12cd34"}).Info("连接已建立")

	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "[INFO] "), line)
	assert.Contains(t, line, "连接已建立")
	// 字段按键排序
	assert.Contains(t, line, "conn=ab12cd34 remote=127.0.0.1:9000")
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOutput("error", &buf)

	l.Info("hidden")
	l.Debug("hidden")
	assert.Empty(t, buf.String())

	l.Error("shown")
	assert.Contains(t, buf.String(), "[ERROR]")
}
