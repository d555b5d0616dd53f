// Package ipc 实现宿主与沙箱之间的进程内字节流通道。
//
// 每个请求会话持有四个双工通道，guest 通过固定编号的文件描述符访问它们。
// 通道支持半关闭：关闭写端后，读端在读完缓冲数据后得到 io.EOF。
package ipc

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrPipeFull 表示非阻塞管道的缓冲已达上限
var ErrPipeFull = errors.New("pipe buffer limit exceeded")

// Pipe 是单向字节流。写端和读端可以分别关闭。
type Pipe struct {
	mu          sync.Mutex
	cond        *sync.Cond
	buf         bytes.Buffer
	limit       int
	blocking    bool
	writeClosed bool
	readClosed  bool
}

// NewPipe 创建管道。limit 为缓冲上限（<=0 表示不限制）。
// blocking 为 true 时写入在缓冲满时等待读端消费，否则直接返回 ErrPipeFull。
// 只有存在并发读者的通道（如 logs）才可以使用阻塞模式。
func NewPipe(limit int, blocking bool) *Pipe {
	p := &Pipe{limit: limit, blocking: blocking}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Read 读取数据。缓冲为空时阻塞，直到有数据写入或写端关闭。
func (p *Pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.readClosed {
			return 0, io.ErrClosedPipe
		}
		if p.buf.Len() > 0 {
			n, _ := p.buf.Read(b)
			p.cond.Broadcast()
			return n, nil
		}
		if p.writeClosed {
			return 0, io.EOF
		}
		if len(b) == 0 {
			return 0, nil
		}
		p.cond.Wait()
	}
}

// Write 写入数据。读端或写端已关闭时返回 io.ErrClosedPipe。
func (p *Pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.writableLocked(); err != nil {
		return 0, err
	}
	if p.limit <= 0 {
		n, _ := p.buf.Write(b)
		p.cond.Broadcast()
		return n, nil
	}
	if !p.blocking {
		if p.buf.Len()+len(b) > p.limit {
			return 0, ErrPipeFull
		}
		n, _ := p.buf.Write(b)
		p.cond.Broadcast()
		return n, nil
	}

	written := 0
	for written < len(b) {
		for p.buf.Len() >= p.limit {
			p.cond.Wait()
			if err := p.writableLocked(); err != nil {
				return written, err
			}
		}
		chunk := len(b) - written
		if space := p.limit - p.buf.Len(); chunk > space {
			chunk = space
		}
		p.buf.Write(b[written : written+chunk])
		written += chunk
		p.cond.Broadcast()
	}
	return written, nil
}

func (p *Pipe) writableLocked() error {
	if p.writeClosed || p.readClosed {
		return io.ErrClosedPipe
	}
	return nil
}

// CloseWrite 关闭写端。读端读完剩余数据后得到 io.EOF。
func (p *Pipe) CloseWrite() {
	p.mu.Lock()
	p.writeClosed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// CloseRead 关闭读端并丢弃缓冲数据，后续写入失败。
func (p *Pipe) CloseRead() {
	p.mu.Lock()
	p.readClosed = true
	p.buf.Reset()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Buffered 返回当前缓冲的字节数
func (p *Pipe) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Len()
}
