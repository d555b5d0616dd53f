// 本文件实现 status 命令，从管理端的 /status 读取控制器状态。
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the controller state",
	Long: `Show the lifecycle state reported by the admin endpoint.

Examples:
  nimbus-runtime status
  nimbus-runtime status --admin-url http://127.0.0.1:9090 -o json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

// runtimeStatus 对应管理端 GET /status 的响应
type runtimeStatus struct {
	State         string `json:"state"`
	DeploymentID  string `json:"deployment_id,omitempty"`
	Addr          string `json:"addr,omitempty"`
	LogsAvailable bool   `json:"logs_available"`
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("admin-url", "http://127.0.0.1:9090", "管理端地址")
	viper.BindPFlag("admin_url", statusCmd.Flags().Lookup("admin-url"))
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	url := strings.TrimRight(viper.GetString("admin_url"), "/") + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach admin endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin endpoint returned %s", resp.Status)
	}

	var st runtimeStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("failed to decode status: %w", err)
	}
	return NewPrinter(cmd.OutOrStdout()).PrintStatus(&st)
}
