// =============================================================================
// 文件: internal/handler/client.go
// 描述: 客户端请求 - 发送一条请求并等待响应
// =============================================================================
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mrcgq/rudp/internal/httptext"
	"github.com/mrcgq/rudp/internal/transport"
)

// ClientConn 客户端使用的可靠连接
type ClientConn interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context, expect transport.Flag) ([]byte, error)
}

// Fetch 发送请求并返回解析后的响应
func Fetch(ctx context.Context, conn ClientConn, method, path, host, body string) (*httptext.Response, error) {
	raw := httptext.BuildRequest(method, path, host, body, time.Now())
	if err := conn.Send(ctx, []byte(raw)); err != nil {
		return nil, fmt.Errorf("发送请求失败: %w", err)
	}

	data, err := conn.Receive(ctx, transport.FlagDATA)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("等待响应时对端关闭: %w", transport.ErrPeerClosed)
		}
		return nil, fmt.Errorf("接收响应失败: %w", err)
	}

	return httptext.ParseResponse(string(data))
}
