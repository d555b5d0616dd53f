package controlplane

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client 是控制面的 gRPC 客户端
type Client struct {
	conn *grpc.ClientConn
}

// Dial 连接到 target 处的控制面
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control plane at %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close 关闭连接
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req interface{}) error {
	var ack Ack
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, &ack, grpc.CallContentSubtype(codecName)); err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("%s was not acknowledged", method)
	}
	return nil
}

// Load 加载 path 处的模块
func (c *Client) Load(ctx context.Context, path string) error {
	return c.invoke(ctx, "Load", &LoadRequest{Path: path})
}

// Start 以 deploymentID 在 port 上开始服务
func (c *Client) Start(ctx context.Context, deploymentID []byte, port uint16) error {
	return c.invoke(ctx, "Start", &StartRequest{DeploymentID: deploymentID, Port: port})
}

// Stop 停止名为 name 的服务
func (c *Client) Stop(ctx context.Context, name string) error {
	return c.invoke(ctx, "Stop", &StopRequest{ServiceName: name})
}

// LogSubscription 是 SubscribeLogs 的客户端流
type LogSubscription struct {
	stream grpc.ClientStream
}

// SubscribeLogs 打开日志流。ctx 结束时流关闭。
func (c *Client) SubscribeLogs(ctx context.Context) (*LogSubscription, error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], "/"+ServiceName+"/SubscribeLogs", grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&SubscribeLogsRequest{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &LogSubscription{stream: stream}, nil
}

// Recv 接收下一条日志。流结束时返回 io.EOF。
func (s *LogSubscription) Recv() (*LogItem, error) {
	item := new(LogItem)
	if err := s.stream.RecvMsg(item); err != nil {
		return nil, err
	}
	return item, nil
}
