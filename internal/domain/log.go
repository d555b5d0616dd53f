// Package domain 定义了沙箱运行时的核心领域模型。
package domain

import "time"

// LogRecord 表示一条由 guest 产生、经日志多路复用器转发的日志。
// DeploymentID 在转发时附加，不属于 guest 产生的数据。
type LogRecord struct {
	DeploymentID []byte    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Level        string    `json:"level"`
	Target       string    `json:"target,omitempty"`
	File         string    `json:"file,omitempty"`
	Line         uint32    `json:"line,omitempty"`
	Message      string    `json:"message"`
}
