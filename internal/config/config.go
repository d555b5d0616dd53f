// Package config 提供沙箱运行时的配置管理功能。
// 该包负责从 YAML 配置文件加载配置，并支持通过环境变量覆盖部署相关的配置项。
// 配置包含控制面、沙箱、日志流、日志输出、指标和遥测等多个方面的设置。
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是运行时的主配置结构体，包含所有子系统的配置。
type Config struct {
	// Server 控制面与管理端口配置
	Server ServerConfig `yaml:"server"`
	// Sandbox 沙箱与请求桥接配置
	Sandbox SandboxConfig `yaml:"sandbox"`
	// Logs guest 日志队列与 NATS 投递配置
	Logs LogsConfig `yaml:"logs"`
	// Logging 运行时自身的日志配置
	Logging LoggingConfig `yaml:"logging"`
	// Metrics 指标配置，用于 Prometheus 监控
	Metrics MetricsConfig `yaml:"metrics"`
	// Telemetry 遥测配置，用于分布式追踪
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig 服务器配置结构体。
type ServerConfig struct {
	// ControlAddr gRPC 控制面监听地址
	// 默认值：127.0.0.1:8000
	ControlAddr string `yaml:"control_addr"`
	// Host 前门监听的主机地址
	// 默认值：127.0.0.1
	Host string `yaml:"host"`
	// MetricsPort 管理端口，暴露 /health 和 /metrics，0 表示使用默认值，负数表示关闭
	// 默认值：9090
	MetricsPort int `yaml:"metrics_port"`
	// ShutdownTimeout 停止时等待在途请求完成的时间
	// 默认值：30 秒
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// ReadHeaderTimeout 前门读取请求头的超时时间
	// 默认值：10 秒
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// SandboxConfig 沙箱配置结构体。
type SandboxConfig struct {
	// EntryPoint guest 导出的入口函数名
	// 默认值：__SHUTTLE_Axum_call
	EntryPoint string `yaml:"entry_point"`
	// MaxBodyBytes 请求体上限，超过时返回 413
	// 默认值：65536
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// MaxFrameBytes 单个 IPC 帧的上限
	// 默认值：1 MiB
	MaxFrameBytes uint32 `yaml:"max_frame_bytes"`
	// ChannelBufferBytes 每个通道方向的缓冲上限
	// 默认值：16 MiB
	ChannelBufferBytes int `yaml:"channel_buffer_bytes"`
	// MemoryLimitPages guest 线性内存上限（64 KiB 页），0 表示不额外限制
	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`
	// Workers 执行 guest 调用的工作协程数
	// 默认值：10
	Workers int `yaml:"workers"`
	// QueueSize 等待工作协程的调用队列大小
	// 默认值：1000
	QueueSize int `yaml:"queue_size"`
	// InvokeTimeout 单次 guest 调用的时间上限，0 表示不限制
	InvokeTimeout time.Duration `yaml:"invoke_timeout"`
}

// LogsConfig guest 日志配置结构体。
type LogsConfig struct {
	// QueueCapacity 日志队列容量
	// 默认值：32768
	QueueCapacity int `yaml:"queue_capacity"`
	// NatsURL 非空时 serve 把日志发布到 NATS，可通过 NIMBUS_RUNTIME_NATS_URL 覆盖
	NatsURL string `yaml:"nats_url"`
	// NatsSubject 发布日志的 subject 前缀
	// 默认值：nimbus.runtime.logs
	NatsSubject string `yaml:"nats_subject"`
}

// LoggingConfig 日志配置结构体。
type LoggingConfig struct {
	// Level 日志级别，可选值：debug、info、warn、error
	Level string `yaml:"level"`
	// Format 日志格式，可选值：json、text
	Format string `yaml:"format"`
}

// MetricsConfig 指标配置结构体。
type MetricsConfig struct {
	// Enabled 是否启用指标收集
	Enabled bool `yaml:"enabled"`
	// Namespace 指标命名空间前缀
	// 默认值：nimbus_runtime
	Namespace string `yaml:"namespace"`
}

// TelemetryConfig 遥测配置结构体。
// 定义了分布式追踪的相关设置，支持 OpenTelemetry 协议。
type TelemetryConfig struct {
	// Enabled 是否启用遥测
	Enabled bool `yaml:"enabled"`
	// Endpoint OTLP 端点地址（如 "tempo:4317"）
	// 默认值：tempo:4317
	Endpoint string `yaml:"endpoint"`
	// ServiceName 服务名称，用于追踪标识
	// 默认值：nimbus-runtime
	ServiceName string `yaml:"service_name"`
	// SampleRate 采样率，范围 0.0 到 1.0
	// 默认值：0.1（10% 采样）
	SampleRate float64 `yaml:"sample_rate"`
	// Environment 环境标识（如 production、staging、development）
	// 默认值：development
	Environment string `yaml:"environment"`
}

// Default 返回填充了默认值的配置，并应用环境变量覆盖。
// 用于未提供配置文件的场景。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

// Load 从指定路径加载配置文件。
// 该函数会读取 YAML 配置文件，应用默认值，并处理环境变量覆盖。
//
// 参数：
//   - path: 配置文件的路径
//
// 返回值：
//   - *Config: 加载并处理后的配置对象
//   - error: 如果读取或解析失败则返回错误
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides 应用环境变量覆盖。
// 支持直接设置环境变量（如 NIMBUS_RUNTIME_NATS_URL），
// 或通过 _FILE 后缀指定包含值的文件路径（如 NIMBUS_RUNTIME_NATS_URL_FILE），
// _FILE 方式优先级更高。
func (c *Config) applyEnvOverrides() {
	if v := readEnvOrFileAny(
		[]string{"NIMBUS_RUNTIME_NATS_URL"},
		[]string{"NIMBUS_RUNTIME_NATS_URL_FILE"},
	); v != "" {
		c.Logs.NatsURL = v
	}
	if v := readEnvOrFileAny([]string{"NIMBUS_RUNTIME_CONTROL_ADDR"}, nil); v != "" {
		c.Server.ControlAddr = v
	}
	if v := readEnvOrFileAny([]string{"NIMBUS_RUNTIME_LOG_LEVEL"}, nil); v != "" {
		c.Logging.Level = v
	}
	if v := readEnvOrFileAny([]string{"NIMBUS_RUNTIME_MAX_BODY_BYTES"}, nil); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Sandbox.MaxBodyBytes = n
		}
	}
}

// readEnvOrFileAny 从环境变量或文件读取配置值。
// 优先从 fileKeys 指定的文件路径读取，如果文件不存在或读取失败，
// 则从 envKeys 指定的环境变量读取。
func readEnvOrFileAny(envKeys []string, fileKeys []string) string {
	for _, fileKey := range fileKeys {
		if filePath := strings.TrimSpace(os.Getenv(fileKey)); filePath != "" {
			if b, err := os.ReadFile(filePath); err == nil {
				return strings.TrimSpace(string(b))
			}
		}
	}

	for _, envKey := range envKeys {
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
			return v
		}
	}

	return ""
}

// applyDefaults 为未设置的配置项填充默认值。
func (c *Config) applyDefaults() {
	if c.Server.ControlAddr == "" {
		c.Server.ControlAddr = "127.0.0.1:8000"
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if c.Sandbox.EntryPoint == "" {
		c.Sandbox.EntryPoint = "__SHUTTLE_Axum_call"
	}
	// 请求体上限与 guest 端约定一致
	if c.Sandbox.MaxBodyBytes == 0 {
		c.Sandbox.MaxBodyBytes = 65536
	}
	if c.Sandbox.MaxFrameBytes == 0 {
		c.Sandbox.MaxFrameBytes = 1 << 20
	}
	if c.Sandbox.ChannelBufferBytes == 0 {
		c.Sandbox.ChannelBufferBytes = 16 << 20
	}
	if c.Sandbox.Workers == 0 {
		c.Sandbox.Workers = 10
	}
	if c.Sandbox.QueueSize == 0 {
		c.Sandbox.QueueSize = 1000
	}
	if c.Logs.QueueCapacity == 0 {
		c.Logs.QueueCapacity = 32768
	}
	if c.Logs.NatsSubject == "" {
		c.Logs.NatsSubject = "nimbus.runtime.logs"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "nimbus_runtime"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "nimbus-runtime"
	}
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "tempo:4317"
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 0.1
	}
	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = "development"
	}
}
