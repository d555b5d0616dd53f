package bridge

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/oriys/nimbus-runtime/internal/ipc"
	"github.com/oriys/nimbus-runtime/internal/logmux"
	"github.com/oriys/nimbus-runtime/internal/wire"
)

// forwardLogs 读取会话的日志帧直到 EOF，附加部署标识后送入日志队列。
// 队列满时阻塞；订阅者离开或 Bridge 关闭后继续读取并丢弃，避免 guest 的日志写入被阻塞。
// 读到 EOF 后关闭 ep。
func (b *Bridge) forwardLogs(ep *ipc.Endpoint, logger *logrus.Entry) {
	defer b.forwarders.Done()
	defer ep.Close()

	scanner := wire.NewLogScanner(ep, b.cfg.MaxFrameBytes)
	dropReason := ""
	for scanner.Scan() {
		if dropReason != "" {
			b.metrics.RecordLogDropped(dropReason)
			continue
		}
		rec := scanner.Entry().Record(b.deploymentID)
		err := b.logs.Send(b.ctx, rec)
		switch {
		case err == nil:
		case errors.Is(err, logmux.ErrDetached):
			dropReason = "detached"
			logger.Debug("Log subscriber detached, dropping guest logs")
		case b.ctx.Err() != nil:
			dropReason = "cancelled"
			logger.Debug("Bridge closed, dropping guest logs")
		default:
			logger.WithError(err).Warn("Failed to forward guest log")
		}
	}
	if err := scanner.Err(); err != nil {
		b.metrics.RecordLogDropped("decode")
		logger.WithError(err).Warn("Malformed guest log stream")
	}
}
