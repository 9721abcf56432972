// =============================================================================
// 文件: internal/handler/server.go
// 描述: 服务端主循环 - 接受连接，逐条处理请求，会话结束后重新等待
// =============================================================================
package handler

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrcgq/rudp/internal/logging"
	"github.com/mrcgq/rudp/internal/metrics"
	"github.com/mrcgq/rudp/internal/transport"
)

// Conn 服务端使用的可靠连接
type Conn interface {
	Accept(ctx context.Context) error
	Recv(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, payload []byte) error
	Disconnect(ctx context.Context) error
	GetRemoteAddr() *net.UDPAddr
}

// Server 单连接串行服务器
type Server struct {
	conn    Conn
	handler *FileHandler
	metrics *metrics.ServerMetrics
	log     logrus.FieldLogger
}

// NewServer 创建服务器，m 可为 nil
func NewServer(conn Conn, h *FileHandler, m *metrics.ServerMetrics, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	if m == nil {
		m = metrics.NewServerMetrics()
	}
	return &Server{
		conn:    conn,
		handler: h,
		metrics: m,
		log:     logger.WithField("component", "server"),
	}
}

// Metrics 会话统计
func (s *Server) Metrics() *metrics.ServerMetrics {
	return s.metrics
}

// Serve 循环接受连接直到 ctx 结束或连接被释放
func (s *Server) Serve(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.log.Info("等待连接...")
		if err := s.conn.Accept(ctx); err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, transport.ErrConnClosed):
				return err
			case errors.Is(err, transport.ErrHandshakeTimeout):
				s.log.WithError(err).Warn("握手未完成")
			default:
				s.log.WithError(err).Warn("接受连接失败")
			}
			continue
		}

		s.session(ctx)
	}
}

// session 处理一个已建立的连接
func (s *Server) session(ctx context.Context) {
	rec := metrics.SessionRecord{Started: time.Now()}
	if addr := s.conn.GetRemoteAddr(); addr != nil {
		rec.Remote = addr.String()
	}
	log := s.log.WithField("remote", rec.Remote)
	log.Info("会话开始")

	s.metrics.SessionStarted()
	defer func() {
		rec.Duration = time.Since(rec.Started)
		s.metrics.SessionEnded(rec)
		log.WithField("requests", rec.Requests).Info("会话结束")
	}()

	for {
		data, err := s.conn.Recv(ctx)
		switch {
		case errors.Is(err, io.EOF):
			return
		case errors.Is(err, transport.ErrNoData):
			log.Debug("无更多请求，主动关闭")
			s.disconnect(ctx, &rec)
			return
		case err != nil:
			rec.Err = err.Error()
			if ctx.Err() == nil && !errors.Is(err, transport.ErrConnClosed) {
				s.disconnect(ctx, &rec)
			}
			return
		case len(data) == 0:
			continue
		}

		resp, status := s.handler.Handle(string(data))
		log.WithField("status", status).Debug("请求已处理")

		if err := s.conn.Send(ctx, []byte(resp)); err != nil {
			rec.Err = err.Error()
			if errors.Is(err, transport.ErrPeerClosed) {
				return
			}
			log.WithError(err).Warn("发送响应失败")
			if !errors.Is(err, transport.ErrConnClosed) {
				s.disconnect(ctx, &rec)
			}
			return
		}

		rec.Requests++
		s.metrics.RecordRequest(status, len(data), len(resp))
	}
}

func (s *Server) disconnect(ctx context.Context, rec *metrics.SessionRecord) {
	if err := s.conn.Disconnect(ctx); err != nil {
		if rec.Err == "" {
			rec.Err = err.Error()
		}
		s.log.WithError(err).Warn("关闭连接失败")
	}
}
