// Package main 是 nimbus-runtime 的入口点。
// 同一个二进制既运行宿主进程（serve），也作为控制面的命令行客户端。
package main

import (
	"os"

	"github.com/oriys/nimbus-runtime/cmd/nimbus-runtime/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
