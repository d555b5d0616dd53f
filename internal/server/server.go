// Package server 实现 HTTP 前门：在回环地址上监听，把每个请求交给 Bridge。
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/oriys/nimbus-runtime/internal/bridge"
	"github.com/oriys/nimbus-runtime/internal/domain"
	"github.com/oriys/nimbus-runtime/internal/metrics"
	"github.com/oriys/nimbus-runtime/internal/telemetry"
)

// DefaultShutdownTimeout 停止时等待在途请求完成的时间上限
const DefaultShutdownTimeout = 30 * time.Second

// StopRequest 是 Stop 发给服务协程的停止信号。
// 监听器关闭后服务协程关闭 Ack。
type StopRequest struct {
	Reason string
	Ack    chan struct{}
}

// Config 前门配置
type Config struct {
	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration
}

// Server 是一次部署的 HTTP 前门
type Server struct {
	bridge  *bridge.Bridge
	router  chi.Router
	cfg     Config
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

// New 创建一次部署的 HTTP 前门。
//
// 参数:
//   - b: 把请求送入沙箱的 Bridge
//   - cfg: 停止时的排空超时和读取请求头超时，零值使用默认值
//   - m: 指标收集器，可以为 nil
//   - logger: 日志记录器实例
//
// 返回值:
//   - *Server: 前门实例，调用 ListenAndServe 或 Serve 开始服务
func New(b *bridge.Bridge, cfg Config, m *metrics.Metrics, logger *logrus.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	s := &Server{
		bridge:  b,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("nimbus-runtime"))
	r.HandleFunc("/*", s.serveGuest)
	s.router = r
	return s
}

// Handler 返回前门的 HTTP 处理器
func (s *Server) Handler() http.Handler {
	return s.router
}

// serveGuest 把请求交给 Bridge 并写回 guest 的响应。
// 请求级错误映射为 413 或 500，响应体为空。
func (s *Server) serveGuest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	resp, err := s.bridge.Handle(r.Context(), r)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrOversizedBody) {
			status = http.StatusRequestEntityTooLarge
		}
		w.WriteHeader(status)
		s.metrics.RecordRequest(status, float64(time.Since(start).Milliseconds()))
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for name, values := range resp.Header {
		header[name] = values
	}
	w.WriteHeader(resp.Status)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.WithError(err).Debug("Failed to stream response body")
	}
	s.metrics.RecordRequest(resp.Status, float64(time.Since(start).Milliseconds()))
}

// ListenAndServe 在 addr 上监听并服务，直到监听失败或收到停止信号。
func (s *Server) ListenAndServe(addr string, stop <-chan StopRequest) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln, stop)
}

// Serve 在 ln 上服务。服务退出与停止信号竞争，先发生者决定结果。
//
// 收到停止信号后：先关闭监听器（拒绝新连接）并确认停止，
// 再在 ShutdownTimeout 内等待在途请求完成，最后等待所有日志转发协程结束。
func (s *Server) Serve(ln net.Listener, stop <-chan StopRequest) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	s.logger.WithField("addr", ln.Addr().String()).Info("Front door listening")

	select {
	case err := <-errc:
		s.logger.WithError(err).Error("Front door exited")
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = s.bridge.Wait(ctx)
		return err
	case req := <-stop:
		return s.shutdown(srv, ln, req, errc)
	}
}

func (s *Server) shutdown(srv *http.Server, ln net.Listener, req StopRequest, errc <-chan error) error {
	s.logger.WithField("reason", req.Reason).Info("Stopping front door")

	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.WithError(err).Warn("Failed to close listener")
	}
	if req.Ack != nil {
		close(req.Ack)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Warn("In-flight requests did not finish before the shutdown timeout")
	}
	<-errc

	if err := s.bridge.Wait(ctx); err != nil {
		s.logger.WithError(err).Warn("Log forwarders did not finish before the shutdown timeout")
	}
	s.logger.Info("Front door stopped")
	return nil
}
