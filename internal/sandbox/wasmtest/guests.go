package wasmtest

import (
	"bytes"

	"github.com/oriys/nimbus-runtime/internal/wire"
)

// PageSize 是测试 guest 的线性内存大小（一页）
const PageSize = 65536

// 内存布局
const (
	PartsIovec = 0
	BodyIovec  = 8
	Scratch    = 16
	Counter    = 32
	ReadIovec  = 40
	Nread      = 48
	Payload    = 64
	ReadBuffer = 1024
)

func mustFrame(v any) []byte {
	var buf bytes.Buffer
	if err := wire.WriteFrame(&buf, v); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// ResponseFrame 编码带 content-type: text/plain 的响应元数据帧
func ResponseFrame(status uint16) []byte {
	return mustFrame(wire.ResponseParts{
		Status:  status,
		Headers: []wire.Header{{Name: "content-type", Value: []byte("text/plain")}},
	})
}

// WriteIovec 调用 fd_write(fd, iov, 1, Scratch) 并丢弃 errno
func WriteIovec(m Module, fd []byte, iov int32) []byte {
	return Code(fd, I32Const(iov), I32Const(1), I32Const(Scratch), Call(m.FuncIndex("fd_write")), Drop)
}

// BumpCounter 递增内存中的计数器，大于 1 时 trap。
// 新实例的计数器总是从 0 开始。
func BumpCounter() []byte {
	return Code(
		I32Const(Counter), I32Const(Counter), Load, I32Const(1), Add, Store,
		I32Const(Counter), Load, I32Const(1), GtU, If, Unreachable, End,
	)
}

// layout 在 Payload 之后顺序放置数据和指向它的 iovec
type layout struct {
	next uint32
	data []Segment
}

func (l *layout) iovec(b []byte) int32 {
	dataOff := l.next
	iovOff := dataOff + uint32(len(b))
	l.data = append(l.data,
		Segment{Offset: int32(dataOff), Bytes: b},
		Segment{Offset: int32(iovOff), Bytes: Code(LE32(dataOff), LE32(uint32(len(b))))},
	)
	l.next = iovOff + 8
	return int32(iovOff)
}

// Fixed 写回固定的响应元数据和响应体。同一实例被调用两次会 trap。
func Fixed(status uint16, body string) Module {
	frame := ResponseFrame(status)
	m := Module{
		Imports:     []string{"fd_write"},
		EntryName:   EntryPoint,
		EntryParams: 4,
	}
	m.Data = []Segment{
		{Offset: PartsIovec, Bytes: Code(LE32(Payload), LE32(uint32(len(frame))))},
		{Offset: BodyIovec, Bytes: Code(LE32(Payload+uint32(len(frame))), LE32(uint32(len(body))))},
		{Offset: Payload, Bytes: Code(frame, []byte(body))},
	}
	m.Body = Code(
		BumpCounter(),
		WriteIovec(m, LocalGet(1), PartsIovec),
		WriteIovec(m, LocalGet(3), BodyIovec),
	)
	return m
}

// Echo 读取请求体（最多 4096 字节）并原样写回
func Echo() Module {
	frame := ResponseFrame(200)
	m := Module{
		Imports:     []string{"fd_read", "fd_write", "fd_close"},
		EntryName:   EntryPoint,
		EntryParams: 4,
	}
	m.Data = []Segment{
		{Offset: PartsIovec, Bytes: Code(LE32(Payload), LE32(uint32(len(frame))))},
		{Offset: BodyIovec, Bytes: LE32(ReadBuffer)},
		{Offset: ReadIovec, Bytes: Code(LE32(ReadBuffer), LE32(4096))},
		{Offset: Payload, Bytes: frame},
	}
	m.Body = Code(
		// fd_read(body_write, ReadIovec, 1, Nread)
		LocalGet(2), I32Const(ReadIovec), I32Const(1), I32Const(Nread), Call(m.FuncIndex("fd_read")), Drop,
		// BodyIovec.len = Nread
		I32Const(BodyIovec+4), I32Const(Nread), Load, Store,
		WriteIovec(m, LocalGet(1), PartsIovec),
		WriteIovec(m, LocalGet(3), BodyIovec),
		LocalGet(3), Call(m.FuncIndex("fd_close")), Drop,
	)
	return m
}

// Logging 在 logs 描述符上依次写入 messages 对应的日志帧，然后写回响应。
func Logging(status uint16, body string, messages ...string) Module {
	m := Module{
		Imports:     []string{"fd_write"},
		EntryName:   EntryPoint,
		EntryParams: 4,
	}
	l := &layout{next: Payload}
	var code [][]byte
	for i, msg := range messages {
		iov := l.iovec(mustFrame(wire.LogEntry{
			Timestamp: int64(i + 1),
			Level:     "INFO",
			Target:    "guest",
			Message:   msg,
		}))
		code = append(code, WriteIovec(m, LocalGet(0), iov))
	}
	code = append(code, WriteIovec(m, LocalGet(1), l.iovec(ResponseFrame(status))))
	if body != "" {
		code = append(code, WriteIovec(m, LocalGet(3), l.iovec([]byte(body))))
	}
	m.Body = Code(code...)
	m.Data = l.data
	return m
}

// Errno 调用 fn(args...)，errno 不等于 want 时 trap，否则写回 200 响应元数据。
func Errno(fn string, want uint32, args ...[]byte) Module {
	frame := ResponseFrame(200)
	m := Module{
		Imports:     []string{"fd_read", "fd_write"},
		EntryName:   EntryPoint,
		EntryParams: 4,
	}
	m.Data = []Segment{
		{Offset: PartsIovec, Bytes: Code(LE32(Payload), LE32(uint32(len(frame))))},
		{Offset: Payload, Bytes: frame},
	}
	m.Body = Code(
		Code(args...), Call(m.FuncIndex(fn)),
		I32Const(int32(want)), Ne, If, Unreachable, End,
		WriteIovec(m, LocalGet(1), PartsIovec),
	)
	return m
}

// Trap 入口函数立即执行 unreachable
func Trap() Module {
	return Module{
		Imports:     []string{"fd_write"},
		EntryName:   EntryPoint,
		EntryParams: 4,
		Body:        Unreachable,
	}
}
