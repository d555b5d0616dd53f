package wire

import (
	"errors"
	"io"
	"time"

	"github.com/oriys/nimbus-runtime/internal/domain"
)

// LogEntry 表示 guest 在 logs 通道写入的一条结构化日志。
type LogEntry struct {
	Timestamp int64  `cbor:"timestamp"` // Unix 纳秒
	Level     string `cbor:"level"`
	Target    string `cbor:"target,omitempty"`
	File      string `cbor:"file,omitempty"`
	Line      uint32 `cbor:"line,omitempty"`
	Message   string `cbor:"message"`
}

// Record 将日志条目转换为领域日志记录并附加部署标识。
func (e LogEntry) Record(deploymentID []byte) domain.LogRecord {
	return domain.LogRecord{
		DeploymentID: deploymentID,
		Timestamp:    time.Unix(0, e.Timestamp).UTC(),
		Level:        e.Level,
		Target:       e.Target,
		File:         e.File,
		Line:         e.Line,
		Message:      e.Message,
	}
}

// LogScanner 从 logs 通道惰性读取日志帧，直到通道关闭（EOF）为止。
// 每个会话创建一个新的 LogScanner，不跨会话复用。
//
// 使用方式与 bufio.Scanner 相同：
//
//	scanner := wire.NewLogScanner(r, wire.DefaultMaxFrameSize)
//	for scanner.Scan() {
//	    entry := scanner.Entry()
//	}
//	if err := scanner.Err(); err != nil { ... }
type LogScanner struct {
	r       io.Reader
	maxSize uint32
	entry   LogEntry
	err     error
	done    bool
}

// NewLogScanner 创建日志扫描器。
func NewLogScanner(r io.Reader, maxSize uint32) *LogScanner {
	return &LogScanner{r: r, maxSize: maxSize}
}

// Scan 读取下一条日志。通道关闭或出错时返回 false。
func (s *LogScanner) Scan() bool {
	if s.done {
		return false
	}

	var entry LogEntry
	if err := ReadFrame(s.r, &entry, s.maxSize); err != nil {
		s.done = true
		if !errors.Is(err, io.EOF) {
			s.err = err
		}
		return false
	}

	s.entry = entry
	return true
}

// Entry 返回最近一次 Scan 读取的日志。
func (s *LogScanner) Entry() LogEntry {
	return s.entry
}

// Err 返回导致扫描提前结束的错误；正常 EOF 返回 nil。
func (s *LogScanner) Err() error {
	return s.err
}
