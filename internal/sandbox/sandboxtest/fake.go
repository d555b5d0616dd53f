// Package sandboxtest 提供用 Go 实现 guest 协议的沙箱替身，供其他包的测试使用。
package sandboxtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/nimbus-runtime/internal/domain"
	"github.com/oriys/nimbus-runtime/internal/ipc"
	"github.com/oriys/nimbus-runtime/internal/sandbox"
	"github.com/oriys/nimbus-runtime/internal/wire"
)

// GuestFunc 是 guest 入口函数的 Go 实现
type GuestFunc func(ctx context.Context, g *Guest) error

// Guest 是 guest 视角下的会话通道
type Guest struct {
	side *ipc.GuestSide
	// State 每个实例独有的可变状态，新实例总是为空
	State map[string]int
}

func (g *Guest) endpoint(fd uint32) (*ipc.Endpoint, error) {
	ep, ok := g.side.Endpoint(fd)
	if !ok {
		return nil, fmt.Errorf("bad descriptor %d", fd)
	}
	return ep, nil
}

// Request 从 parts 通道读取请求元数据
func (g *Guest) Request() (wire.RequestParts, error) {
	var parts wire.RequestParts
	ep, err := g.endpoint(g.side.Table().Parts)
	if err != nil {
		return parts, err
	}
	err = wire.ReadFrame(ep, &parts, wire.DefaultMaxFrameSize)
	return parts, err
}

// Body 读取完整的请求体
func (g *Guest) Body() ([]byte, error) {
	ep, err := g.endpoint(g.side.Table().BodyWrite)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(ep)
}

// Log 向 logs 通道写入一条日志
func (g *Guest) Log(level, message string) error {
	ep, err := g.endpoint(g.side.Table().Logs)
	if err != nil {
		return err
	}
	return wire.WriteFrame(ep, wire.LogEntry{
		Timestamp: time.Now().UnixNano(),
		Level:     level,
		Target:    "guest",
		Message:   message,
	})
}

// Respond 写回响应元数据和响应体，并关闭 body-read。
func (g *Guest) Respond(status uint16, headers []wire.Header, body []byte) error {
	parts, err := g.endpoint(g.side.Table().Parts)
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(parts, wire.ResponseParts{Status: status, Headers: headers}); err != nil {
		return err
	}
	return g.WriteBody(body)
}

// WriteBody 写入响应体并关闭 body-read
func (g *Guest) WriteBody(body []byte) error {
	ep, err := g.endpoint(g.side.Table().BodyRead)
	if err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := ep.Write(body); err != nil {
			return err
		}
	}
	return ep.CloseWrite()
}

// WriteRaw 向 parts 通道写入任意字节，用于构造畸形响应
func (g *Guest) WriteRaw(b []byte) error {
	ep, err := g.endpoint(g.side.Table().Parts)
	if err != nil {
		return err
	}
	_, err = ep.Write(b)
	return err
}

// Handle 是 sandbox.Handle 的替身
type Handle struct {
	fn       GuestFunc
	sessions atomic.Int64
	calls    atomic.Int64
	live     atomic.Int64
	closed   atomic.Bool
}

// NewHandle 以 fn 作为 guest 入口创建替身
func NewHandle(fn GuestFunc) *Handle {
	return &Handle{fn: fn}
}

// NewSession 创建新实例
func (h *Handle) NewSession(context.Context) (sandbox.Instance, error) {
	if h.closed.Load() {
		return nil, fmt.Errorf("%w: module closed", domain.ErrGuestInvocation)
	}
	h.sessions.Add(1)
	h.live.Add(1)
	return &instance{h: h, state: make(map[string]int)}, nil
}

// Close 标记模块已释放
func (h *Handle) Close(context.Context) error {
	h.closed.Store(true)
	return nil
}

// Sessions 返回已创建的实例数
func (h *Handle) Sessions() int64 { return h.sessions.Load() }

// Calls 返回入口函数被调用的次数
func (h *Handle) Calls() int64 { return h.calls.Load() }

// Live 返回尚未关闭的实例数
func (h *Handle) Live() int64 { return h.live.Load() }

// Closed 报告模块是否已被释放
func (h *Handle) Closed() bool { return h.closed.Load() }

type instance struct {
	h      *Handle
	state  map[string]int
	mu     sync.Mutex
	closed bool
}

// Call 调用 guest 函数。guest 中的 panic 不在此处恢复，由调用方的工作池处理。
func (i *instance) Call(ctx context.Context, side *ipc.GuestSide) error {
	i.h.calls.Add(1)
	if err := i.h.fn(ctx, &Guest{side: side, State: i.state}); err != nil {
		if errors.Is(err, domain.ErrGuestInvocation) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrGuestInvocation, err)
	}
	return nil
}

func (i *instance) Close(context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.closed {
		i.closed = true
		i.h.live.Add(-1)
	}
	return nil
}

// Loader 是 sandbox.Loader 的替身：每次 Load 以注册的 guest 创建新的 Handle。
type Loader struct {
	mu      sync.Mutex
	modules map[string]GuestFunc
	loaded  map[string][]*Handle
}

// NewLoader 创建替身加载器
func NewLoader() *Loader {
	return &Loader{
		modules: make(map[string]GuestFunc),
		loaded:  make(map[string][]*Handle),
	}
}

// Register 注册路径对应的 guest
func (l *Loader) Register(path string, fn GuestFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.modules[path] = fn
}

// Load 创建新的 Handle；未注册的路径视为编译失败。
func (l *Loader) Load(_ context.Context, path string) (sandbox.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn, ok := l.modules[path]
	if !ok {
		return nil, fmt.Errorf("%w: no such module %q", domain.ErrCompile, path)
	}
	h := NewHandle(fn)
	l.loaded[path] = append(l.loaded[path], h)
	return h, nil
}

// Loaded 返回 path 已加载出的全部 Handle，按加载顺序排列
func (l *Loader) Loaded(path string) []*Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Handle(nil), l.loaded[path]...)
}
