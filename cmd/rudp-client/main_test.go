package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcgq/rudp/internal/config"
	"github.com/mrcgq/rudp/internal/handler"
	"github.com/mrcgq/rudp/internal/logging"
	"github.com/mrcgq/rudp/internal/transport"
)

// startServer 在回环上启动文件服务
func startServer(t *testing.T, cfg *config.Config) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>hi</h1>"), 0644))

	conn, err := transport.Listen("127.0.0.1:0", cfg.ARQConnConfig(), logging.Discard())
	require.NoError(t, err)

	h := handler.NewFileHandler(dir, filepath.Join(dir, "post_output.html"), logging.Discard())
	s := handler.NewServer(conn, h, nil, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		conn.Close()
	})
	return conn.GetLocalAddr().String()
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ARQ.AttemptTimeoutMs = 100
	cfg.ARQ.RecvPollAttempts = 20
	cfg.ARQ.LingerMs = 50
	return cfg
}

func runClient(t *testing.T, input string) string {
	t.Helper()
	cfg := testConfig()
	cfg.Remote = startServer(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	err := run(ctx, cfg, "127.0.0.1:0", strings.NewReader(input), &out, logging.Discard())
	require.NoError(t, err)
	return out.String()
}

func TestClientGet(t *testing.T) {
	out := runClient(t, "get\nindex.html\n")

	assert.Contains(t, out, "连接已建立")
	assert.Contains(t, out, "服务端响应: 200 OK")
	assert.Contains(t, out, "<h1>hi</h1>")
}

func TestClientPost(t *testing.T) {
	out := runClient(t, "POST\nhello there\n")

	assert.Contains(t, out, "服务端响应: 200 OK")
	assert.Contains(t, out, "<p>hello there</p>")
}

func TestClientUnsupportedMethod(t *testing.T) {
	out := runClient(t, "DELETE\n")
	assert.Contains(t, out, "不支持的方法")
	assert.NotContains(t, out, "服务端响应")
}
