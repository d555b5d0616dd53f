// 本文件实现 serve 命令：组装沙箱引擎、调度器、控制器、gRPC 控制面、
// 管理端和可选的 NATS 日志投递，直到收到 SIGINT/SIGTERM。
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/oriys/nimbus-runtime/internal/api"
	"github.com/oriys/nimbus-runtime/internal/bridge"
	"github.com/oriys/nimbus-runtime/internal/config"
	"github.com/oriys/nimbus-runtime/internal/controller"
	"github.com/oriys/nimbus-runtime/internal/controlplane"
	"github.com/oriys/nimbus-runtime/internal/events"
	"github.com/oriys/nimbus-runtime/internal/metrics"
	"github.com/oriys/nimbus-runtime/internal/sandbox"
	"github.com/oriys/nimbus-runtime/internal/scheduler"
	"github.com/oriys/nimbus-runtime/internal/server"
	"github.com/oriys/nimbus-runtime/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the runtime host process",
	Long: `Run the host process: the gRPC control plane on server.control_addr and
the admin endpoint (/health, /status, /metrics) on server.metrics_port.

Without --config all settings take their defaults; NIMBUS_RUNTIME_* environment
variables override individual values.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, logger, nil)
}

// newLogger 按配置创建 logrus 日志记录器，默认 JSON 格式
func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// listeners 记录 serve 实际绑定的地址
type listeners struct {
	Control string
	Admin   string
}

// serve 运行宿主进程直到 ctx 结束。ready 非 nil 时在所有监听器就绪后被调用。
func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger, ready func(listeners)) error {
	logger.WithField("control_addr", cfg.Server.ControlAddr).Info("Starting Nimbus Runtime")

	if cfg.Telemetry.Enabled {
		tel, err := telemetry.New(ctx, telemetry.Config{
			Enabled:     true,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			SampleRate:  cfg.Telemetry.SampleRate,
			Environment: cfg.Telemetry.Environment,
			Version:     Version,
		})
		if err != nil {
			// 遥测初始化失败不影响主服务运行
			logger.WithError(err).Warn("Failed to initialize telemetry, continuing without tracing")
		} else {
			defer tel.Shutdown(context.Background())
			logger.AddHook(telemetry.NewLogrusHook())
			logger.WithFields(logrus.Fields{
				"endpoint":    cfg.Telemetry.Endpoint,
				"sample_rate": cfg.Telemetry.SampleRate,
			}).Info("Telemetry initialized")
		}
	}

	registry := prometheus.NewRegistry()
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.NewMetrics(cfg.Metrics.Namespace, registry)
	}

	engine, err := sandbox.NewEngine(ctx, sandbox.Config{
		EntryPoint:       cfg.Sandbox.EntryPoint,
		MemoryLimitPages: cfg.Sandbox.MemoryLimitPages,
		InvokeTimeout:    cfg.Sandbox.InvokeTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create sandbox engine: %w", err)
	}
	defer engine.Close(context.Background())

	pool := scheduler.NewPool(scheduler.Config{
		Workers:   cfg.Sandbox.Workers,
		QueueSize: cfg.Sandbox.QueueSize,
	}, m, logger)
	pool.Start()
	defer pool.Stop()

	ctrl := controller.New(engine, pool, controller.Config{
		Host:             cfg.Server.Host,
		LogQueueCapacity: cfg.Logs.QueueCapacity,
		Bridge: bridge.Config{
			MaxBodyBytes:       cfg.Sandbox.MaxBodyBytes,
			MaxFrameBytes:      cfg.Sandbox.MaxFrameBytes,
			ChannelBufferBytes: cfg.Sandbox.ChannelBufferBytes,
		},
		Server: server.Config{
			ShutdownTimeout:   cfg.Server.ShutdownTimeout,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		},
	}, m, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := ctrl.Close(closeCtx); err != nil {
			logger.WithError(err).Warn("Controller did not shut down cleanly")
		}
	}()

	// 启用 NATS 时由宿主自己订阅日志流
	if cfg.Logs.NatsURL != "" {
		bus, err := events.Connect(cfg.Logs.NatsURL, cfg.Logs.NatsSubject, logger)
		if err != nil {
			return err
		}
		defer bus.Close()

		rx, err := ctrl.SubscribeLogs()
		if err != nil {
			return err
		}
		go func() {
			if err := bus.ShipLogs(ctx, rx); err != nil {
				logger.WithError(err).Error("Log shipping stopped")
			}
		}()
		logger.WithFields(logrus.Fields{
			"url":     cfg.Logs.NatsURL,
			"subject": cfg.Logs.NatsSubject,
		}).Info("Shipping guest logs to NATS")
	}

	var bound listeners

	controlLn, err := net.Listen("tcp", cfg.Server.ControlAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.ControlAddr, err)
	}
	bound.Control = controlLn.Addr().String()

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(controlplane.LoggingInterceptor(logger)))
	controlplane.Register(grpcServer, controlplane.NewService(ctrl, logger))

	errCh := make(chan error, 2)
	go func() {
		if err := grpcServer.Serve(controlLn); err != nil {
			errCh <- fmt.Errorf("control plane: %w", err)
		}
	}()

	var adminServer *http.Server
	if cfg.Server.MetricsPort > 0 {
		adminAddr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.MetricsPort))
		adminLn, err := net.Listen("tcp", adminAddr)
		if err != nil {
			grpcServer.Stop()
			return fmt.Errorf("failed to listen on %s: %w", adminAddr, err)
		}
		bound.Admin = adminLn.Addr().String()

		adminServer = &http.Server{
			Handler: api.NewRouter(&api.RouterConfig{
				Handler:  api.NewHandler(ctrl, logger),
				Gatherer: registry,
				Logger:   logger,
			}),
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		}
		go func() {
			if err := adminServer.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	logger.WithFields(logrus.Fields{
		"control": bound.Control,
		"admin":   bound.Admin,
	}).Info("Runtime ready")
	if ready != nil {
		ready(bound)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down runtime")
	case serveErr = <-errCh:
		logger.WithError(serveErr).Error("Runtime listener failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), controlGrace)
	defer cancel()
	if adminServer != nil {
		_ = adminServer.Shutdown(shutdownCtx)
	}
	gracefulStop(shutdownCtx, grpcServer)
	return serveErr
}

// controlGrace 关闭时等待控制面调用结束的时间
const controlGrace = 5 * time.Second

// gracefulStop 等待一元调用结束；日志流等长连接在 ctx 结束后被强制关闭
func gracefulStop(ctx context.Context, s *grpc.Server) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Stop()
		<-done
	}
}
