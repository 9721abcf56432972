// =============================================================================
// 文件: internal/transport/udp.go
// 描述: UDP 传输绑定 - 本地套接字、带超时的收发原语
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// UDPBinding 单个 UDP 套接字的薄封装
type UDPBinding struct {
	conn      *net.UDPConn
	localAddr *net.UDPAddr
	readBuf   []byte
	closed    int32

	// 统计信息
	packetsRecv uint64
	packetsSent uint64
	bytesRecv   uint64
	bytesSent   uint64
}

// ListenUDPBinding 绑定本地地址 (仅 IPv4)
func ListenUDPBinding(addr string, readBufferSize int) (*UDPBinding, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("解析地址失败: %w", err)
	}

	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("监听失败: %w", err)
	}

	return NewUDPBinding(conn, readBufferSize), nil
}

// NewUDPBinding 包装已有套接字
func NewUDPBinding(conn *net.UDPConn, readBufferSize int) *UDPBinding {
	if readBufferSize <= 0 {
		readBufferSize = DefaultReadBufferSize
	}
	return &UDPBinding{
		conn:      conn,
		localAddr: conn.LocalAddr().(*net.UDPAddr),
		readBuf:   make([]byte, readBufferSize),
	}
}

// LocalAddr 本地地址
func (b *UDPBinding) LocalAddr() *net.UDPAddr {
	return b.localAddr
}

// WriteTo 发送一个数据报
func (b *UDPBinding) WriteTo(data []byte, addr *net.UDPAddr) error {
	if b.IsClosed() {
		return ErrConnClosed
	}
	if addr == nil {
		return ErrNoRemote
	}

	n, err := b.conn.WriteToUDP(data, addr)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrConnClosed
		}
		return fmt.Errorf("发送失败: %w", err)
	}

	atomic.AddUint64(&b.packetsSent, 1)
	atomic.AddUint64(&b.bytesSent, uint64(n))
	return nil
}

// ReadFrom 读取一个数据报，最长等待 timeout
// 超时返回 ErrReadTimeout；ctx 的截止时间更早时以 ctx 为准
func (b *UDPBinding) ReadFrom(ctx context.Context, timeout time.Duration) ([]byte, *net.UDPAddr, error) {
	if b.IsClosed() {
		return nil, nil, ErrConnClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := b.conn.SetReadDeadline(deadline); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, nil, ErrConnClosed
		}
		return nil, nil, fmt.Errorf("设置读超时失败: %w", err)
	}

	n, addr, err := b.conn.ReadFromUDP(b.readBuf)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, ctxErr
			}
			return nil, nil, ErrReadTimeout
		case errors.Is(err, net.ErrClosed):
			return nil, nil, ErrConnClosed
		}
		return nil, nil, fmt.Errorf("接收失败: %w", err)
	}

	atomic.AddUint64(&b.packetsRecv, 1)
	atomic.AddUint64(&b.bytesRecv, uint64(n))

	data := make([]byte, n)
	copy(data, b.readBuf[:n])
	return data, addr, nil
}

// Close 释放套接字，可重复调用
func (b *UDPBinding) Close() error {
	if !atomic.CompareAndSwapInt32(&b.closed, 0, 1) {
		return nil
	}
	return b.conn.Close()
}

// IsClosed 是否已关闭
func (b *UDPBinding) IsClosed() bool {
	return atomic.LoadInt32(&b.closed) != 0
}

// GetStats 获取统计
func (b *UDPBinding) GetStats() map[string]uint64 {
	return map[string]uint64{
		"packets_recv": atomic.LoadUint64(&b.packetsRecv),
		"packets_sent": atomic.LoadUint64(&b.packetsSent),
		"bytes_recv":   atomic.LoadUint64(&b.bytesRecv),
		"bytes_sent":   atomic.LoadUint64(&b.bytesSent),
	}
}
