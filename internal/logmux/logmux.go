// Package logmux 实现有界的日志多路复用队列。
//
// 所有请求的日志转发协程作为生产者共享同一个 Sender，唯一的订阅者持有 Receiver。
// 队列满时生产者阻塞（背压）；订阅者关闭 Receiver 之后，发送的记录被丢弃并返回 ErrDetached。
package logmux

import (
	"context"
	"errors"
	"sync"

	"github.com/oriys/nimbus-runtime/internal/domain"
	"github.com/oriys/nimbus-runtime/internal/metrics"
)

// DefaultCapacity 默认队列容量
const DefaultCapacity = 32768

// ErrDetached 表示订阅者已离开，记录被丢弃
var ErrDetached = errors.New("log receiver detached")

type queue struct {
	ch       chan domain.LogRecord
	detached chan struct{}
	once     sync.Once
	metrics  *metrics.Metrics
}

// Sender 是队列的生产者端，可被任意数量的协程并发使用。
type Sender struct {
	q *queue
}

// Receiver 是队列的唯一消费者端。
type Receiver struct {
	q *queue
}

// New 创建容量为 capacity 的队列。capacity <= 0 时使用 DefaultCapacity。
func New(capacity int, m *metrics.Metrics) (*Sender, *Receiver) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &queue{
		ch:       make(chan domain.LogRecord, capacity),
		detached: make(chan struct{}),
		metrics:  m,
	}
	return &Sender{q: q}, &Receiver{q: q}
}

// Send 将记录放入队列。队列满时阻塞，直到有空间、ctx 结束或订阅者离开。
// 同一协程的多次 Send 保持先后顺序。
func (s *Sender) Send(ctx context.Context, rec domain.LogRecord) error {
	select {
	case <-s.q.detached:
		s.q.metrics.RecordLogDropped("detached")
		return ErrDetached
	default:
	}

	select {
	case s.q.ch <- rec:
		s.q.metrics.RecordLogForwarded()
		s.q.metrics.SetLogQueueDepth(len(s.q.ch))
		return nil
	case <-s.q.detached:
		s.q.metrics.RecordLogDropped("detached")
		return ErrDetached
	case <-ctx.Done():
		s.q.metrics.RecordLogDropped("cancelled")
		return ctx.Err()
	}
}

// Len 返回队列中等待消费的记录数
func (s *Sender) Len() int {
	return len(s.q.ch)
}

// C 返回用于接收记录的通道。通道永不关闭；订阅者通过 Done 或自身的 ctx 结束消费。
func (r *Receiver) C() <-chan domain.LogRecord {
	return r.q.ch
}

// Recv 阻塞直到收到一条记录、ctx 结束或 Receiver 被关闭。
func (r *Receiver) Recv(ctx context.Context) (domain.LogRecord, error) {
	select {
	case <-r.q.detached:
		return domain.LogRecord{}, ErrDetached
	default:
	}

	select {
	case rec := <-r.q.ch:
		r.q.metrics.SetLogQueueDepth(len(r.q.ch))
		return rec, nil
	case <-r.q.detached:
		return domain.LogRecord{}, ErrDetached
	case <-ctx.Done():
		return domain.LogRecord{}, ctx.Err()
	}
}

// Done 在 Receiver 关闭后被关闭
func (r *Receiver) Done() <-chan struct{} {
	return r.q.detached
}

// Close 使订阅者离开。之后的 Send 丢弃记录，阻塞中的 Send 立即返回。
// 可重复调用。
func (r *Receiver) Close() {
	r.q.once.Do(func() {
		close(r.q.detached)
	})
}
