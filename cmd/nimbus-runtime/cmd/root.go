// Package cmd 包含 nimbus-runtime 的所有子命令实现
// 使用 cobra 框架构建命令行接口，viper 负责标志与环境变量的合并
package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/oriys/nimbus-runtime/internal/controlplane"
)

// 全局命令行标志变量
var (
	cfgFile   string // 宿主配置文件路径（serve 使用）
	addr      string // 控制面地址
	outputFmt string // 输出格式（text/json）
)

// rootCmd 是 CLI 的根命令
var rootCmd = &cobra.Command{
	Use:   "nimbus-runtime",
	Short: "Nimbus Runtime - sandboxed WebAssembly request host",
	Long: `nimbus-runtime 在 WebAssembly 沙箱中为每个 HTTP 请求创建全新的 guest 实例。

使用示例:
  # 启动宿主进程
  nimbus-runtime serve --config /etc/nimbus/runtime.yaml

  # 加载模块并在 8001 端口启动
  nimbus-runtime load ./service.wasm
  nimbus-runtime start --port 8001

  # 跟随 guest 日志
  nimbus-runtime logs -o json

  # 停止部署
  nimbus-runtime stop hello-world`,
	SilenceUsage: true,
}

// Execute 执行根命令
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "宿主配置文件路径（YAML）")
	rootCmd.PersistentFlags().StringVarP(&addr, "addr", "a", "127.0.0.1:8000", "控制面地址")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "text", "输出格式（text、json）")

	viper.BindPFlag("addr", rootCmd.PersistentFlags().Lookup("addr"))
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
}

// initConfig 按优先级合并配置：命令行标志 > 环境变量（NIMBUS_RUNTIME_*）
func initConfig() {
	viper.SetEnvPrefix("NIMBUS_RUNTIME")
	viper.AutomaticEnv()
	_ = viper.BindEnv("addr", "NIMBUS_RUNTIME_ADDR")
	_ = viper.BindEnv("output", "NIMBUS_RUNTIME_OUTPUT")
}

// dialTimeout 连接控制面的超时时间
const dialTimeout = 10 * time.Second

// newClient 连接到 --addr 指定的控制面
func newClient(ctx context.Context) (*controlplane.Client, error) {
	return controlplane.Dial(ctx, viper.GetString("addr"))
}
