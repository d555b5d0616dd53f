// Package bridge 将单个 HTTP 请求桥接进沙箱，并把 guest 的响应带回。
//
// 每个请求使用一个全新的会话：四个 IPC 通道加一个新的 guest 实例。
// 会话在响应体被关闭或出错时拆除，不会被其他请求复用。
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/oriys/nimbus-runtime/internal/domain"
	"github.com/oriys/nimbus-runtime/internal/ipc"
	"github.com/oriys/nimbus-runtime/internal/logmux"
	"github.com/oriys/nimbus-runtime/internal/metrics"
	"github.com/oriys/nimbus-runtime/internal/sandbox"
	"github.com/oriys/nimbus-runtime/internal/telemetry"
	"github.com/oriys/nimbus-runtime/internal/wire"
)

// DefaultMaxBodyBytes 请求体上限
const DefaultMaxBodyBytes = 65536

// DefaultChannelBufferBytes 每个通道方向的缓冲上限
const DefaultChannelBufferBytes = 16 << 20

// Runner 在专用工作协程上执行阻塞调用
type Runner interface {
	Run(ctx context.Context, fn func() error) error
}

// Config 桥接配置
type Config struct {
	MaxBodyBytes       int64
	MaxFrameBytes      uint32
	ChannelBufferBytes int
	Table              ipc.Table
}

func (c *Config) applyDefaults() {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = wire.DefaultMaxFrameSize
	}
	if c.ChannelBufferBytes <= 0 {
		c.ChannelBufferBytes = DefaultChannelBufferBytes
	}
	if c.Table == (ipc.Table{}) {
		c.Table = ipc.DefaultTable
	}
}

// Response 是 guest 产生的响应。调用方必须关闭 Body 以拆除会话。
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// Bridge 把请求送入沙箱。一个 Bridge 服务一次部署的所有请求，可并发使用。
type Bridge struct {
	handle       sandbox.Handle
	deploymentID []byte
	logs         *logmux.Sender
	runner       Runner
	cfg          Config
	metrics      *metrics.Metrics
	logger       *logrus.Logger

	// ctx 约束日志转发协程，Close 后阻塞中的转发立即放弃
	ctx        context.Context
	cancel     context.CancelFunc
	forwarders sync.WaitGroup
}

// New 创建服务一次部署的 Bridge。
//
// 参数:
//   - handle: 已编译的 guest 模块，每个请求从中创建一个新实例
//   - deploymentID: 部署标识，附加到该部署产生的每条日志
//   - logs: 日志队列的生产者端，所有请求的转发协程共享
//   - runner: 执行阻塞 guest 调用的工作池
//   - cfg: 请求体上限、帧上限、通道缓冲和描述符表，零值字段使用默认值
//   - m: 指标收集器，可以为 nil
//   - logger: 日志记录器实例
//
// 返回值:
//   - *Bridge: 可并发使用的桥接器，不再使用时调用 Close 释放日志转发协程
func New(
	handle sandbox.Handle,
	deploymentID []byte,
	logs *logmux.Sender,
	runner Runner,
	cfg Config,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *Bridge {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		handle:       handle,
		deploymentID: append([]byte(nil), deploymentID...),
		logs:         logs,
		runner:       runner,
		cfg:          cfg,
		metrics:      m,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// session 是一个请求独占的沙箱会话
type session struct {
	id        string
	transport *ipc.Transport
	instance  sandbox.Instance
	once      sync.Once
	onClose   func()

	// forwarding 为 true 时宿主 logs 端点归转发协程所有，它在读到 EOF 后关闭端点
	forwarding bool
}

// closeInstance 释放 guest 实例并关闭 guest 端通道，宿主读取端随后得到 EOF。
func (s *session) closeInstance(ctx context.Context) {
	s.transport.CloseGuest()
	if s.instance != nil {
		_ = s.instance.Close(ctx)
		s.instance = nil
	}
}

// teardown 释放实例和请求通道。日志转发协程不在这里等待：
// 队列满时它会阻塞，而日志背压不能传导到响应路径。转发协程由 Bridge.Wait 统一等待。
func (s *session) teardown(ctx context.Context) {
	s.once.Do(func() {
		s.closeInstance(ctx)
		s.transport.Close()
		if !s.forwarding {
			_ = s.transport.Host(ipc.RoleLogs).Close()
		}
		s.onClose()
	})
}

// Handle 处理一个请求。
//
// 返回的错误只影响本次请求：domain.ErrOversizedBody 对应 413，
// 其他错误（IPC、编解码、guest 调用）对应 500。guest 调用开始前 ctx 结束时返回
// domain.ErrRequestCancelled。
func (b *Bridge) Handle(ctx context.Context, r *http.Request) (resp *Response, err error) {
	ctx, span := telemetry.StartSpan(ctx, "bridge.handle")
	sessionID := uuid.New().String()
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("http.method", r.Method),
	)
	logger := telemetry.EntryWithTraceContext(ctx, b.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"method":     r.Method,
		"uri":        r.URL.RequestURI(),
	}))

	// 1. 新会话
	sess := &session{
		id:        sessionID,
		transport: ipc.NewTransport(b.cfg.Table, b.cfg.ChannelBufferBytes),
		onClose:   b.metrics.SessionClosed,
	}
	b.metrics.SessionOpened()

	defer func() {
		if err != nil {
			sess.teardown(context.WithoutCancel(ctx))
			b.recordError(logger, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	instance, err := b.handle.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	sess.instance = instance

	// 2. 日志转发，生命周期受会话约束
	logsEP := sess.transport.Host(ipc.RoleLogs)
	_ = logsEP.CloseWrite()
	sess.forwarding = true
	b.forwarders.Add(1)
	go b.forwardLogs(logsEP, logger)

	// 3. 请求元数据
	parts := sess.transport.Host(ipc.RoleParts)
	if err := wire.WriteFrame(parts, wire.NewRequestParts(r)); err != nil {
		return nil, fmt.Errorf("%w: write request parts: %v", domain.ErrIPCIO, err)
	}
	_ = parts.CloseWrite()
	_ = sess.transport.Host(ipc.RoleBodyRead).CloseWrite()

	// 4. 请求体上限
	if r.ContentLength > b.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("%w: declared %d bytes", domain.ErrOversizedBody, r.ContentLength)
	}
	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, b.cfg.MaxBodyBytes+1))
		if err != nil {
			return nil, fmt.Errorf("%w: read request body: %v", domain.ErrIPCIO, err)
		}
	}
	if int64(len(body)) > b.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", domain.ErrOversizedBody, b.cfg.MaxBodyBytes)
	}

	// 5. 请求体，关闭写端作为结束信号
	bodyWrite := sess.transport.Host(ipc.RoleBodyWrite)
	if len(body) > 0 {
		if _, err := bodyWrite.Write(body); err != nil {
			return nil, fmt.Errorf("%w: write request body: %v", domain.ErrIPCIO, err)
		}
	}
	_ = bodyWrite.CloseWrite()

	// 6. 在工作池上调用 guest。开始执行后不受请求取消影响。
	guest := sess.transport.Guest()
	callCtx := context.WithoutCancel(ctx)
	err = b.runner.Run(ctx, func() error {
		return instance.Call(callCtx, guest)
	})
	sess.closeInstance(callCtx)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, fmt.Errorf("%w: %v", domain.ErrRequestCancelled, err)
		}
		if !errors.Is(err, domain.ErrGuestInvocation) {
			err = fmt.Errorf("%w: %v", domain.ErrGuestInvocation, err)
		}
		return nil, err
	}

	// 7. 响应元数据
	var out wire.ResponseParts
	if err := wire.ReadFrame(parts, &out, b.cfg.MaxFrameBytes); err != nil {
		return nil, classifyReadError(err)
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIPCCodec, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", int(out.Status)))

	// 8. 惰性响应体；9. 关闭响应体时拆除会话
	return &Response{
		Status: int(out.Status),
		Header: out.HTTPHeader(),
		Body: &sessionBody{
			r:    sess.transport.Host(ipc.RoleBodyRead),
			sess: sess,
			ctx:  callCtx,
		},
	}, nil
}

// Close 取消日志转发：阻塞在队列上的转发协程放弃剩余记录并退出。可重复调用。
func (b *Bridge) Close() {
	b.cancel()
}

// Wait 等待所有日志转发协程结束
func (b *Bridge) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.forwarders.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classifyReadError(err error) error {
	switch {
	case errors.Is(err, wire.ErrDecode),
		errors.Is(err, wire.ErrFrameTooLarge),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: read response parts: %v", domain.ErrIPCCodec, err)
	default:
		return fmt.Errorf("%w: read response parts: %v", domain.ErrIPCIO, err)
	}
}

func (b *Bridge) recordError(logger *logrus.Entry, err error) {
	switch {
	case errors.Is(err, domain.ErrOversizedBody):
		b.metrics.RecordOversized()
		logger.WithError(err).Info("Request body too large")
		return
	case errors.Is(err, domain.ErrRequestCancelled):
		b.metrics.RecordGuestError("cancelled")
		logger.WithError(err).Debug("Request cancelled before the guest call started")
		return
	case errors.Is(err, domain.ErrIPCCodec):
		b.metrics.RecordGuestError("codec")
	case errors.Is(err, domain.ErrIPCIO):
		b.metrics.RecordGuestError("io")
	default:
		b.metrics.RecordGuestError("invocation")
	}
	logger.WithError(err).Error("Request failed in sandbox")
}

// sessionBody 从 body-read 通道读取响应体，关闭时拆除会话
type sessionBody struct {
	r    io.Reader
	sess *session
	ctx  context.Context
}

func (b *sessionBody) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func (b *sessionBody) Close() error {
	b.sess.teardown(b.ctx)
	return nil
}
