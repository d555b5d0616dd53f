package domain

// State 表示生命周期控制器的状态。
// 合法迁移：Unloaded → Loaded → Running → Stopped，Load 可在 Loaded 状态下重复调用。
type State int

const (
	StateUnloaded State = iota // 尚未加载模块
	StateLoaded                // 模块已编译，等待启动
	StateRunning               // HTTP 服务运行中
	StateStopped               // 已停止，终态
)

// String 返回状态名称，用于日志和错误信息。
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
