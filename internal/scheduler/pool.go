// Package scheduler 提供 guest 调用的调度实现。
// 调度器使用工作队列模式，通过固定数量的工作协程同步执行阻塞的 guest 调用，
// 使其不会阻塞 HTTP 前门的 accept 循环和其他请求。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oriys/nimbus-runtime/internal/domain"
	"github.com/oriys/nimbus-runtime/internal/metrics"
)

// ErrPoolStopped 表示调度器已停止，不再接受新任务
var ErrPoolStopped = errors.New("scheduler pool stopped")

// Config 调度器配置
type Config struct {
	Workers   int // 工作协程数量
	QueueSize int // 等待队列长度
}

// Pool 是执行阻塞 guest 调用的工作池。
// guest 调用在工作协程上同步执行，不会占用前门的 accept 循环。
type Pool struct {
	cfg     Config
	metrics *metrics.Metrics
	logger  *logrus.Logger

	workQueue chan *workItem
	wg        sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
}

// 任务状态
const (
	itemPending int32 = iota
	itemStarted
	itemAbandoned
)

// workItem 表示一个待执行的调用
type workItem struct {
	fn       func() error
	state    atomic.Int32
	resultCh chan error
}

// NewPool 创建执行 guest 调用的工作池。
//
// 参数:
//   - cfg: 工作协程数量和等待队列长度；Workers <= 0 时使用 1
//   - m: 指标收集器，可以为 nil
//   - logger: 日志记录器实例
//
// 返回值:
//   - *Pool: 工作池实例，调用 Start() 后开始处理任务
func NewPool(cfg Config, m *metrics.Metrics, logger *logrus.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		workQueue: make(chan *workItem, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start 启动工作协程和指标上报
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.metrics.UpdateSchedulerStats(0, p.cfg.Workers)
	if p.metrics != nil {
		go p.metricsWorker()
	}
	p.logger.WithField("workers", p.cfg.Workers).Info("Scheduler pool started")
}

func (p *Pool) metricsWorker() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.metrics.UpdateSchedulerStats(len(p.workQueue), p.cfg.Workers)
		}
	}
}

// Stop 停止接收新任务，等待已排队和正在执行的任务完成。
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.workQueue)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
	p.metrics.UpdateSchedulerStats(0, 0)
	p.logger.Info("Scheduler pool stopped")
}

// Run 在工作协程上执行 fn 并等待其返回。
//
// 在 fn 开始执行之前，ctx 结束会放弃该任务并返回 ctx.Err()；
// 一旦开始执行，fn 总会运行到结束，Run 也会等待它。
// fn 中的 panic 被转换为 domain.ErrGuestInvocation。
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	item := &workItem{
		fn:       fn,
		resultCh: make(chan error, 1),
	}

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return ErrPoolStopped
	}
	select {
	case p.workQueue <- item:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-item.resultCh:
		return err
	case <-ctx.Done():
		// 与工作协程竞争：任务已开始执行时必须等待结果
		if item.state.CompareAndSwap(itemPending, itemAbandoned) {
			return ctx.Err()
		}
		return <-item.resultCh
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for item := range p.workQueue {
		p.process(id, item)
	}
}

// process 执行单个任务
func (p *Pool) process(workerID int, item *workItem) {
	if !item.state.CompareAndSwap(itemPending, itemStarted) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"worker_id": workerID,
				"panic":     r,
			}).Error("Guest call panicked")
			item.resultCh <- fmt.Errorf("%w: panic: %v", domain.ErrGuestInvocation, r)
		}
	}()
	item.resultCh <- item.fn()
}
