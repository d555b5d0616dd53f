package sandbox

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero/api"

	"github.com/oriys/nimbus-runtime/internal/ipc"
)

// WASI errno
const (
	errnoSuccess uint32 = 0
	errnoBadf    uint32 = 8
	errnoFault   uint32 = 21
	errnoInval   uint32 = 28
	errnoIO      uint32 = 29
	errnoPipe    uint32 = 64
)

const (
	fdStdin  = 0
	fdStdout = 1
	fdStderr = 2
)

type guestKey struct{}

func withGuest(ctx context.Context, guest *ipc.GuestSide) context.Context {
	return context.WithValue(ctx, guestKey{}, guest)
}

func guestFrom(ctx context.Context) *ipc.GuestSide {
	guest, _ := ctx.Value(guestKey{}).(*ipc.GuestSide)
	return guest
}

// iovMax 单次 fd_read/fd_write 接受的 iovec 数量上限，与 Linux 的 IOV_MAX 相同
const iovMax = 1024

// iovec 是 guest 内存中的一个缓冲区描述
type iovec struct {
	buf []byte
}

// readIovecs 解析 iovec 数组，失败时返回 WASI errno。返回的切片是 guest 内存的视图。
// iovsLen 来自 guest，在分配之前先与 iovMax 和内存大小比较。
func readIovecs(mem api.Memory, iovs, iovsLen uint32) ([]iovec, uint32) {
	if iovsLen > iovMax {
		return nil, errnoInval
	}
	if uint64(iovs)+uint64(iovsLen)*8 > uint64(mem.Size()) {
		return nil, errnoFault
	}
	vecs := make([]iovec, 0, iovsLen)
	for i := uint32(0); i < iovsLen; i++ {
		offset := iovs + i*8
		ptr, ok := mem.ReadUint32Le(offset)
		if !ok {
			return nil, errnoFault
		}
		length, ok := mem.ReadUint32Le(offset + 4)
		if !ok {
			return nil, errnoFault
		}
		buf, ok := mem.Read(ptr, length)
		if !ok {
			return nil, errnoFault
		}
		vecs = append(vecs, iovec{buf: buf})
	}
	return vecs, errnoSuccess
}

func errnoFor(err error) uint32 {
	if errors.Is(err, io.ErrClosedPipe) {
		return errnoPipe
	}
	return errnoIO
}

// fdRead 从会话通道读取。stdin 始终为空。
// 一次调用最多阻塞一次：读到部分数据即返回，与 POSIX read 语义一致。
func fdRead(ctx context.Context, mod api.Module, stack []uint64) {
	fd := api.DecodeU32(stack[0])
	iovs := api.DecodeU32(stack[1])
	iovsLen := api.DecodeU32(stack[2])
	resultNread := api.DecodeU32(stack[3])
	mem := mod.Memory()

	var r io.Reader
	switch {
	case fd == fdStdin:
		r = eofReader{}
	default:
		guest := guestFrom(ctx)
		if guest == nil {
			stack[0] = uint64(errnoBadf)
			return
		}
		ep, ok := guest.Endpoint(fd)
		if !ok {
			stack[0] = uint64(errnoBadf)
			return
		}
		r = ep
	}

	vecs, errno := readIovecs(mem, iovs, iovsLen)
	if errno != errnoSuccess {
		stack[0] = uint64(errno)
		return
	}

	var total uint32
	for _, v := range vecs {
		if len(v.buf) == 0 {
			continue
		}
		n, err := r.Read(v.buf)
		total += uint32(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			stack[0] = uint64(errnoFor(err))
			return
		}
		if n < len(v.buf) {
			break
		}
	}

	if !mem.WriteUint32Le(resultNread, total) {
		stack[0] = uint64(errnoFault)
		return
	}
	stack[0] = uint64(errnoSuccess)
}

// stdioSink 将 guest 的 stdout/stderr 输出写入宿主日志（debug 级别）。
type stdioSink struct {
	stdout io.Writer
	stderr io.Writer
}

func newStdioSink(logger *logrus.Logger) *stdioSink {
	return &stdioSink{
		stdout: logger.WithField("stream", "stdout").WriterLevel(logrus.DebugLevel),
		stderr: logger.WithField("stream", "stderr").WriterLevel(logrus.DebugLevel),
	}
}

func (s *stdioSink) fdWrite(ctx context.Context, mod api.Module, stack []uint64) {
	fd := api.DecodeU32(stack[0])
	iovs := api.DecodeU32(stack[1])
	iovsLen := api.DecodeU32(stack[2])
	resultNwritten := api.DecodeU32(stack[3])
	mem := mod.Memory()

	var w io.Writer
	switch fd {
	case fdStdout:
		w = s.stdout
	case fdStderr:
		w = s.stderr
	default:
		guest := guestFrom(ctx)
		if guest == nil {
			stack[0] = uint64(errnoBadf)
			return
		}
		ep, ok := guest.Endpoint(fd)
		if !ok {
			stack[0] = uint64(errnoBadf)
			return
		}
		w = ep
	}

	vecs, errno := readIovecs(mem, iovs, iovsLen)
	if errno != errnoSuccess {
		stack[0] = uint64(errno)
		return
	}

	var total uint32
	for _, v := range vecs {
		if len(v.buf) == 0 {
			continue
		}
		n, err := w.Write(v.buf)
		total += uint32(n)
		if err != nil {
			stack[0] = uint64(errnoFor(err))
			return
		}
	}

	if !mem.WriteUint32Le(resultNwritten, total) {
		stack[0] = uint64(errnoFault)
		return
	}
	stack[0] = uint64(errnoSuccess)
}

// fdClose 关闭会话通道的 guest 端。stdio 的关闭被忽略。
func fdClose(ctx context.Context, _ api.Module, stack []uint64) {
	fd := api.DecodeU32(stack[0])
	if fd <= fdStderr {
		stack[0] = uint64(errnoSuccess)
		return
	}
	guest := guestFrom(ctx)
	if guest == nil || !guest.Close(fd) {
		stack[0] = uint64(errnoBadf)
		return
	}
	stack[0] = uint64(errnoSuccess)
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
