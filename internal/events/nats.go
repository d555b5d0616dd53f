// Package events 将 guest 日志流发布到 NATS。
// 启用后它成为日志队列的唯一订阅者，每条记录以 CBOR 编码发布到
// "<subject>.<部署标识的十六进制>"，便于按部署订阅。
package events

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/oriys/nimbus-runtime/internal/domain"
	"github.com/oriys/nimbus-runtime/internal/logmux"
	"github.com/oriys/nimbus-runtime/internal/wire"
)

// DefaultSubject 默认的日志 subject 前缀
const DefaultSubject = "nimbus.runtime.logs"

// Publisher 是发布消息的最小接口，*nats.Conn 满足该接口。
type Publisher interface {
	Publish(subject string, data []byte) error
}

// LogEvent 是发布到 NATS 的日志消息
type LogEvent struct {
	DeploymentID []byte `cbor:"id"`
	Timestamp    int64  `cbor:"timestamp"` // Unix 纳秒
	Level        string `cbor:"level"`
	Target       string `cbor:"target,omitempty"`
	File         string `cbor:"file,omitempty"`
	Line         uint32 `cbor:"line,omitempty"`
	Message      string `cbor:"message"`
}

// EventBus 封装 NATS 连接与日志发布。
type EventBus struct {
	conn    *nats.Conn
	pub     Publisher
	subject string
	logger  *logrus.Logger
}

// Connect 连接 NATS 并创建 EventBus。连接失败时在后台持续重试。
func Connect(natsURL, subject string, logger *logrus.Logger) (*EventBus, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("nimbus-runtime"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	bus := NewEventBus(nc, subject, logger)
	bus.conn = nc
	return bus, nil
}

// NewEventBus 使用任意 Publisher 创建 EventBus
func NewEventBus(pub Publisher, subject string, logger *logrus.Logger) *EventBus {
	if subject == "" {
		subject = DefaultSubject
	}
	return &EventBus{pub: pub, subject: subject, logger: logger}
}

// Close 刷新待发送消息并关闭底层连接。
func (eb *EventBus) Close() error {
	if eb.conn == nil {
		return nil
	}
	err := eb.conn.Drain()
	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}

// Subject 返回记录对应的 subject
func (eb *EventBus) Subject(rec domain.LogRecord) string {
	id := "unknown"
	if len(rec.DeploymentID) > 0 {
		id = hex.EncodeToString(rec.DeploymentID)
	}
	return eb.subject + "." + id
}

// PublishLog 发布一条日志记录
func (eb *EventBus) PublishLog(rec domain.LogRecord) error {
	data, err := wire.Marshal(LogEvent{
		DeploymentID: rec.DeploymentID,
		Timestamp:    rec.Timestamp.UnixNano(),
		Level:        rec.Level,
		Target:       rec.Target,
		File:         rec.File,
		Line:         rec.Line,
		Message:      rec.Message,
	})
	if err != nil {
		return err
	}

	subject := eb.Subject(rec)
	if err := eb.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish log: %w", err)
	}
	return nil
}

// ShipLogs 从 rx 读取日志并逐条发布，直到 ctx 结束或 rx 被关闭。
// 发布失败只记录告警，不中断日志流。
func (eb *EventBus) ShipLogs(ctx context.Context, rx *logmux.Receiver) error {
	for {
		rec, err := rx.Recv(ctx)
		if err != nil {
			if errors.Is(err, logmux.ErrDetached) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := eb.PublishLog(rec); err != nil {
			eb.logger.WithError(err).WithField("subject", eb.Subject(rec)).Warn("Failed to ship guest log")
		}
	}
}
