// Package controller 实现对外的生命周期状态机：Load、Start、SubscribeLogs、Stop。
//
// 状态转换：Unloaded → Loaded → Running → Stopped。
// 模块、运行句柄和日志接收端都保存在一次性槽中，每次转换恰好取出一次，
// 从而避免重复启动、重复订阅和重复停止。
package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/oriys/nimbus-runtime/internal/bridge"
	"github.com/oriys/nimbus-runtime/internal/domain"
	"github.com/oriys/nimbus-runtime/internal/logmux"
	"github.com/oriys/nimbus-runtime/internal/metrics"
	"github.com/oriys/nimbus-runtime/internal/sandbox"
	"github.com/oriys/nimbus-runtime/internal/server"
)

// Config 控制器配置
type Config struct {
	// Host 前门监听地址，默认 127.0.0.1
	Host             string
	LogQueueCapacity int
	Bridge           bridge.Config
	Server           server.Config
}

// run 是一次 Start 产生的服务协程句柄
type run struct {
	deploymentID []byte
	addr         string
	bridge       *bridge.Bridge
	stop         chan server.StopRequest
	done         chan struct{}
	err          error
}

// Controller 是单个 guest 部署的生命周期状态机。所有方法并发安全。
type Controller struct {
	mu     sync.Mutex
	state  domain.State
	module slot[sandbox.Handle]
	active slot[*run]
	logs   slot[*logmux.Receiver]
	last   *run

	sender  *logmux.Sender
	loader  sandbox.Loader
	runner  bridge.Runner
	cfg     Config
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

// New 创建处于 Unloaded 状态的控制器。
//
// 参数:
//   - loader: 模块加载器，通常是进程级的 sandbox.Engine
//   - runner: 执行阻塞 guest 调用的工作池
//   - cfg: 前门地址、日志队列容量以及桥接和前门配置
//   - m: 指标收集器，可以为 nil
//   - logger: 日志记录器实例，为 nil 时使用 logrus 标准日志器
//
// 返回值:
//   - *Controller: 控制器实例，日志接收端已就绪，可以在 Start 之前订阅
func New(loader sandbox.Loader, runner bridge.Runner, cfg Config, m *metrics.Metrics, logger *logrus.Logger) *Controller {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	tx, rx := logmux.New(cfg.LogQueueCapacity, m)
	c := &Controller{
		state:   domain.StateUnloaded,
		sender:  tx,
		loader:  loader,
		runner:  runner,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
	c.logs.put(rx)
	return c
}

// State 返回当前状态
func (c *Controller) State() domain.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status 是控制器的只读快照
type Status struct {
	State domain.State
	// DeploymentID 和 Addr 来自最近一次 Start，未启动过时为空
	DeploymentID []byte
	Addr         string
	// LogsAvailable 为 true 表示日志流尚未被订阅
	LogsAvailable bool
}

// Status 返回当前状态快照
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state, LogsAvailable: c.logs.full()}
	if c.last != nil {
		st.DeploymentID = c.last.deploymentID
		st.Addr = c.last.addr
	}
	return st
}

// Load 编译 path 处的模块并保存，替换之前加载的模块。
// 只能在 Unloaded 或 Loaded 状态调用。
func (c *Controller) Load(ctx context.Context, path string) (err error) {
	defer func() { c.metrics.RecordLifecycle("load", err) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != domain.StateUnloaded && c.state != domain.StateLoaded {
		return fmt.Errorf("%w: cannot load while %s", domain.ErrInvalidState, c.state)
	}

	handle, err := c.loader.Load(ctx, path)
	if err != nil {
		c.logger.WithError(err).WithField("path", path).Error("Failed to load guest module")
		if !errors.Is(err, domain.ErrCompile) {
			err = fmt.Errorf("%w: %v", domain.ErrCompile, err)
		}
		return err
	}

	if old, replaced := c.module.put(handle); replaced {
		if err := old.Close(ctx); err != nil {
			c.logger.WithError(err).Warn("Failed to release previous guest module")
		}
	}
	c.state = domain.StateLoaded
	c.logger.WithField("path", path).Info("Guest module loaded")
	return nil
}

// Start 取走已加载的模块，在 127.0.0.1:port 上异步启动前门后立即返回。
// 不等待监听器就绪。
//
// 参数:
//   - ctx: 请求上下文，只用于派生释放模块时的上下文，不约束前门的运行时间
//   - deploymentID: 部署标识，附加到之后产生的每条 guest 日志
//   - port: 前门监听端口
//
// 返回值:
//   - error: 没有已加载的模块时返回 domain.ErrNotLoaded
func (c *Controller) Start(ctx context.Context, deploymentID []byte, port uint16) (err error) {
	defer func() { c.metrics.RecordLifecycle("start", err) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	handle, ok := c.module.take()
	if !ok {
		return domain.ErrNotLoaded
	}

	r := &run{
		deploymentID: append([]byte(nil), deploymentID...),
		addr:         net.JoinHostPort(c.cfg.Host, strconv.Itoa(int(port))),
		stop:         make(chan server.StopRequest),
		done:         make(chan struct{}),
	}
	b := bridge.New(handle, r.deploymentID, c.sender, c.runner, c.cfg.Bridge, c.metrics, c.logger)
	r.bridge = b
	srv := server.New(b, c.cfg.Server, c.metrics, c.logger)

	logger := c.logger.WithFields(logrus.Fields{
		"addr":          r.addr,
		"deployment_id": fmt.Sprintf("%x", r.deploymentID),
	})
	go func() {
		defer close(r.done)
		r.err = srv.ListenAndServe(r.addr, r.stop)
		if r.err != nil {
			logger.WithError(r.err).Error("Front door terminated")
		}
		if err := handle.Close(context.WithoutCancel(ctx)); err != nil {
			logger.WithError(err).Warn("Failed to release guest module")
		}
	}()

	c.active.put(r)
	c.last = r
	c.state = domain.StateRunning
	logger.Info("Deployment started")
	return nil
}

// SubscribeLogs 返回日志流的唯一接收端。只能成功调用一次。
func (c *Controller) SubscribeLogs() (rx *logmux.Receiver, err error) {
	defer func() { c.metrics.RecordLifecycle("subscribe_logs", err) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	rx, ok := c.logs.take()
	if !ok {
		return nil, domain.ErrAlreadySubscribed
	}
	return rx, nil
}

// Stop 向运行中的前门发送停止信号，并等待监听器关闭。
// 信号无法送达（服务协程已退出）时返回 domain.ErrShutdownFailed；
// 两种情况下控制器都转换到 Stopped。
func (c *Controller) Stop(name string) (err error) {
	defer func() { c.metrics.RecordLifecycle("stop", err) }()

	if err := domain.ValidateServiceName(name); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.active.take()
	if !ok {
		return domain.ErrNotRunning
	}
	c.state = domain.StateStopped

	req := server.StopRequest{
		Reason: "stopping deployment: " + name,
		Ack:    make(chan struct{}),
	}
	select {
	case r.stop <- req:
	case <-r.done:
		return fmt.Errorf("%w: %s: server already exited", domain.ErrShutdownFailed, name)
	}
	select {
	case <-req.Ack:
	case <-r.done:
	}
	c.logger.WithField("service", name).Info("Deployment stopped")
	return nil
}

// Wait 阻塞直到最近一次启动的服务协程退出（包括完成在途请求）。
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	r := c.last
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止运行中的服务并释放已加载的模块和未被订阅的日志接收端。
// 等待结束（或 ctx 超时）后取消仍阻塞在日志队列上的转发协程。
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	last := c.last
	if r, ok := c.active.take(); ok {
		c.state = domain.StateStopped
		select {
		case r.stop <- server.StopRequest{Reason: "controller closing"}:
		case <-r.done:
		}
	}
	if handle, ok := c.module.take(); ok {
		if err := handle.Close(ctx); err != nil {
			c.logger.WithError(err).Warn("Failed to release guest module")
		}
	}
	if rx, ok := c.logs.take(); ok {
		rx.Close()
	}
	c.mu.Unlock()

	// 监听失败已在服务协程中记录，这里只报告等待超时
	err := c.Wait(ctx)
	if last != nil {
		last.bridge.Close()
	}
	if err != nil && ctx.Err() != nil {
		return err
	}
	return nil
}
