// Package sandbox 封装 wazero 运行时，为每个请求创建隔离的 guest 实例。
//
// 编译后的模块在 Load 之后只读，被所有会话共享；
// 每个会话实例化一个匿名模块，拥有独立的线性内存，不继承任何先前请求的状态。
package sandbox

import (
	"context"

	"github.com/oriys/nimbus-runtime/internal/ipc"
)

// DefaultEntryPoint guest 导出的请求处理入口
const DefaultEntryPoint = "__SHUTTLE_Axum_call"

// Loader 从文件加载并编译 guest 模块
type Loader interface {
	Load(ctx context.Context, path string) (Handle, error)
}

// Handle 是已编译的 guest 模块
type Handle interface {
	// NewSession 创建一个全新的实例。不能因为先前请求的行为而失败。
	NewSession(ctx context.Context) (Instance, error)
	Close(ctx context.Context) error
}

// Instance 是单个请求使用的 guest 实例，用完即弃
type Instance interface {
	// Call 以 guest 通道集合调用入口函数，阻塞直到 guest 返回。
	Call(ctx context.Context, guest *ipc.GuestSide) error
	Close(ctx context.Context) error
}
