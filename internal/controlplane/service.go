package controlplane

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/oriys/nimbus-runtime/internal/domain"
	"github.com/oriys/nimbus-runtime/internal/logmux"
)

// Lifecycle 是控制面驱动的生命周期状态机
type Lifecycle interface {
	Load(ctx context.Context, path string) error
	Start(ctx context.Context, deploymentID []byte, port uint16) error
	SubscribeLogs() (*logmux.Receiver, error)
	Stop(name string) error
}

// RuntimeServer 是服务端需要实现的方法集合
type RuntimeServer interface {
	Load(context.Context, *LoadRequest) (*Ack, error)
	Start(context.Context, *StartRequest) (*Ack, error)
	Stop(context.Context, *StopRequest) (*Ack, error)
	SubscribeLogs(*SubscribeLogsRequest, LogStream) error
}

// LogStream 是 SubscribeLogs 的服务端流
type LogStream interface {
	Send(*LogItem) error
	Context() context.Context
}

// Service 把 gRPC 调用转发给 Lifecycle，并把领域错误映射为 gRPC 状态码。
type Service struct {
	lc     Lifecycle
	logger *logrus.Logger
}

// NewService 创建服务
func NewService(lc Lifecycle, logger *logrus.Logger) *Service {
	return &Service{lc: lc, logger: logger}
}

// Register 将服务注册到 gRPC 服务器
func Register(s *grpc.Server, svc RuntimeServer) {
	s.RegisterService(&serviceDesc, svc)
}

func (s *Service) Load(ctx context.Context, req *LoadRequest) (*Ack, error) {
	if err := s.lc.Load(ctx, req.Path); err != nil {
		return nil, toStatus(err)
	}
	return &Ack{Success: true}, nil
}

func (s *Service) Start(ctx context.Context, req *StartRequest) (*Ack, error) {
	if err := s.lc.Start(ctx, req.DeploymentID, req.Port); err != nil {
		return nil, toStatus(err)
	}
	return &Ack{Success: true}, nil
}

func (s *Service) Stop(_ context.Context, req *StopRequest) (*Ack, error) {
	if err := s.lc.Stop(req.ServiceName); err != nil {
		return nil, toStatus(err)
	}
	return &Ack{Success: true}, nil
}

// SubscribeLogs 将日志流推送给调用方，直到调用方断开。
// 调用方断开后接收端被关闭，之后产生的日志被丢弃。
func (s *Service) SubscribeLogs(_ *SubscribeLogsRequest, stream LogStream) error {
	rx, err := s.lc.SubscribeLogs()
	if err != nil {
		return toStatus(err)
	}
	defer rx.Close()

	ctx := stream.Context()
	for {
		rec, err := rx.Recv(ctx)
		if err != nil {
			if errors.Is(err, logmux.ErrDetached) || ctx.Err() != nil {
				return nil
			}
			return status.Error(codes.Internal, err.Error())
		}
		if err := stream.Send(newLogItem(rec)); err != nil {
			s.logger.WithError(err).Warn("Log subscriber went away")
			return err
		}
	}
}

// toStatus 将领域错误映射为 gRPC 状态
func toStatus(err error) error {
	code := codes.Unknown
	switch {
	case errors.Is(err, domain.ErrCompile):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrNotLoaded),
		errors.Is(err, domain.ErrNotRunning),
		errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrInvalidServiceName):
		code = codes.FailedPrecondition
	case errors.Is(err, domain.ErrAlreadySubscribed):
		code = codes.AlreadyExists
	case errors.Is(err, domain.ErrShutdownFailed):
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// LoggingInterceptor 记录每个一元调用的方法、耗时和结果
func LoggingInterceptor(logger *logrus.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		entry := logger.WithFields(logrus.Fields{
			"method":      info.FullMethod,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if err != nil {
			entry.WithField("code", status.Code(err).String()).WithError(err).Warn("Control plane call failed")
		} else {
			entry.Info("Control plane call")
		}
		return resp, err
	}
}

func unaryHandler[Req any](method string, call func(RuntimeServer, context.Context, *Req) (*Ack, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RuntimeServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(RuntimeServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

type logStream struct {
	grpc.ServerStream
}

func (s *logStream) Send(item *LogItem) error {
	return s.ServerStream.SendMsg(item)
}

func subscribeLogsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(SubscribeLogsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RuntimeServer).SubscribeLogs(in, &logStream{stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RuntimeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Load", Handler: unaryHandler("Load", RuntimeServer.Load)},
		{MethodName: "Start", Handler: unaryHandler("Start", RuntimeServer.Start)},
		{MethodName: "Stop", Handler: unaryHandler("Stop", RuntimeServer.Stop)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SubscribeLogs",
			Handler:       subscribeLogsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "nimbus/runtime/v1/runtime",
}
