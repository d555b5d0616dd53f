// Package controlplane 通过 gRPC 暴露生命周期操作：Load、Start、Stop 和服务端流式的 SubscribeLogs。
//
// 服务描述是手写的，消息使用 CBOR 编码（content-subtype "cbor"），不依赖 protobuf 代码生成。
package controlplane

import (
	"time"

	"github.com/oriys/nimbus-runtime/internal/domain"
)

// ServiceName gRPC 服务全名
const ServiceName = "nimbus.runtime.v1.Runtime"

// LoadRequest 加载模块请求
type LoadRequest struct {
	Path string `cbor:"path"`
}

// StartRequest 启动请求
type StartRequest struct {
	DeploymentID []byte `cbor:"deployment_id"`
	Port         uint16 `cbor:"port"`
}

// StopRequest 停止请求
type StopRequest struct {
	ServiceName string `cbor:"service_name"`
}

// SubscribeLogsRequest 订阅日志请求
type SubscribeLogsRequest struct{}

// Ack 是一元调用的响应
type Ack struct {
	Success bool `cbor:"success"`
}

// LogItem 是日志流中的一条记录
type LogItem struct {
	ID        []byte `cbor:"id"`
	Timestamp int64  `cbor:"timestamp"` // Unix 纳秒
	Level     string `cbor:"level"`
	Target    string `cbor:"target,omitempty"`
	File      string `cbor:"file,omitempty"`
	Line      uint32 `cbor:"line,omitempty"`
	Message   string `cbor:"message"`
}

func newLogItem(rec domain.LogRecord) *LogItem {
	return &LogItem{
		ID:        rec.DeploymentID,
		Timestamp: rec.Timestamp.UnixNano(),
		Level:     rec.Level,
		Target:    rec.Target,
		File:      rec.File,
		Line:      rec.Line,
		Message:   rec.Message,
	}
}

// Record 转换为领域日志记录
func (l *LogItem) Record() domain.LogRecord {
	return domain.LogRecord{
		DeploymentID: l.ID,
		Timestamp:    time.Unix(0, l.Timestamp).UTC(),
		Level:        l.Level,
		Target:       l.Target,
		File:         l.File,
		Line:         l.Line,
		Message:      l.Message,
	}
}
