// Package domain 定义了沙箱运行时的核心领域模型。
package domain

import "errors"

// 领域错误定义
// 生命周期错误同步返回给控制面调用方；请求级错误只终止对应的沙箱会话。

var (
	// ========== 生命周期相关错误 ==========

	// ErrCompile 表示模块文件缺失、不可读或格式错误
	ErrCompile = errors.New("failed to compile guest module")
	// ErrNotLoaded 表示在没有已加载模块时调用 Start
	ErrNotLoaded = errors.New("tried to start a service that was not loaded")
	// ErrNotRunning 表示在服务未运行时调用 Stop
	ErrNotRunning = errors.New("trying to stop a service that was not started")
	// ErrAlreadySubscribed 表示日志流已经被订阅过
	ErrAlreadySubscribed = errors.New("logs have already been subscribed to")
	// ErrShutdownFailed 表示停止信号无法送达（服务协程已退出）
	ErrShutdownFailed = errors.New("failed to stop deployment")
	// ErrInvalidState 表示当前状态不允许该生命周期操作
	ErrInvalidState = errors.New("invalid lifecycle transition")
	// ErrInvalidServiceName 表示服务名称不合法
	ErrInvalidServiceName = errors.New("invalid service name")

	// ========== 请求相关错误 ==========

	// ErrOversizedBody 表示请求体超过上限（对应 HTTP 413）
	ErrOversizedBody = errors.New("request body too large")
	// ErrIPCCodec 表示与 guest 交换的元数据无法编解码
	ErrIPCCodec = errors.New("ipc codec error")
	// ErrIPCIO 表示 IPC 通道读写失败
	ErrIPCIO = errors.New("ipc i/o error")
	// ErrRequestCancelled 表示请求在 guest 调用开始前被取消
	ErrRequestCancelled = errors.New("request cancelled")
	// ErrGuestInvocation 表示 guest 入口调用失败（trap、panic、缺少导出等）
	ErrGuestInvocation = errors.New("guest invocation failed")
)
