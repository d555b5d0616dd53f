// 本文件实现 load、start、stop 三个生命周期命令，
// 每个命令对应控制面的一次一元调用。
package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var loadCmd = &cobra.Command{
	Use:   "load <path>",
	Short: "Compile a guest module and keep it ready to start",
	Long: `Load 编译宿主机上 path 处的 WebAssembly 模块。
在 start 之前可以多次调用，后一次加载替换前一次。

Examples:
  nimbus-runtime load ./target/wasm32-wasi/release/service.wasm`,
	Args: cobra.ExactArgs(1),
	RunE: runLoad,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Serve the loaded module on 127.0.0.1:<port>",
	Long: `Start 在回环地址的指定端口上启动前门，立即返回，不等待监听器就绪。
未指定 --deployment-id 时生成一个随机 UUID。

Examples:
  nimbus-runtime start --port 8001
  nimbus-runtime start --port 8001 --deployment-id 7f1c2b6e-53c4-4f8e-9d8a-2f2b9c1e0a11`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop <service-name>",
	Short: "Stop the running deployment",
	Long: `Stop 关闭前门监听器。service-name 必须是合法的服务名（小写字母、数字和连字符）。

Examples:
  nimbus-runtime stop hello-world`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

var (
	startPort         uint16
	startDeploymentID string
)

func init() {
	rootCmd.AddCommand(loadCmd, startCmd, stopCmd)
	startCmd.Flags().Uint16VarP(&startPort, "port", "p", 8001, "前门监听端口")
	startCmd.Flags().StringVar(&startDeploymentID, "deployment-id", "", "部署标识（UUID 或十六进制，默认随机生成）")
}

func runLoad(cmd *cobra.Command, args []string) error {
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	return withClient(func(ctx context.Context, c controlClient) error {
		if err := c.Load(ctx, path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Module %s loaded\n", path)
		return nil
	})
}

func runStart(cmd *cobra.Command, args []string) error {
	id, err := parseDeploymentID(startDeploymentID)
	if err != nil {
		return err
	}
	return withClient(func(ctx context.Context, c controlClient) error {
		if err := c.Start(ctx, id, startPort); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deployment %x starting on 127.0.0.1:%d\n", id, startPort)
		return nil
	})
}

func runStop(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c controlClient) error {
		if err := c.Stop(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deployment %s stopped\n", args[0])
		return nil
	})
}

// parseDeploymentID 依次尝试 UUID 和十六进制，为空时生成随机 UUID
func parseDeploymentID(s string) ([]byte, error) {
	if s == "" {
		id := uuid.New()
		return id[:], nil
	}
	if id, err := uuid.Parse(s); err == nil {
		return id[:], nil
	}
	if b, err := hex.DecodeString(s); err == nil && len(b) > 0 {
		return b, nil
	}
	return nil, fmt.Errorf("invalid deployment id %q: expected a UUID or hex string", s)
}

// controlClient 是生命周期命令使用的控制面方法
type controlClient interface {
	Load(ctx context.Context, path string) error
	Start(ctx context.Context, deploymentID []byte, port uint16) error
	Stop(ctx context.Context, name string) error
}

// withClient 建立连接并在 dialTimeout 内执行 fn
func withClient(fn func(ctx context.Context, c controlClient) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}
