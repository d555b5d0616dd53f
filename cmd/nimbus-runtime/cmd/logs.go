// 本文件实现 logs 命令：订阅 guest 日志流并逐条打印。
// 日志流只能被订阅一次，宿主启用 NATS 投递时订阅会被拒绝。
package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Stream guest logs",
	Long: `Stream the logs emitted by guest instances.

Examples:
  # Follow logs until interrupted
  nimbus-runtime logs

  # Print the first 10 records as JSON lines and exit
  nimbus-runtime logs -n 10 -o json`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

// logsLimit 收到多少条记录后退出，0 表示一直跟随
var logsLimit int

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().IntVarP(&logsLimit, "limit", "n", 0, "Exit after this many records (0 = follow)")
}

func runLogs(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	sub, err := c.SubscribeLogs(ctx)
	if err != nil {
		return err
	}

	printer := NewPrinter(cmd.OutOrStdout())
	for n := 0; logsLimit == 0 || n < logsLimit; n++ {
		item, err := sub.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		}
		if err := printer.PrintLog(item); err != nil {
			return err
		}
	}
	return nil
}
