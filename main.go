/**
 * marketcore 主入口文件
 *
 * 负责：
 * 1. 解析命令行参数
 * 2. 加载配置、初始化日志
 * 3. 分派到 serve / migrate / reconcile 等子命令
 */

package main

import (
	"fmt"
	"os"
)

/** 构建时通过 -ldflags 注入 */
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
