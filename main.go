package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zheng/codectx/cmd"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "codectx",
		Short: "codectx - 代码上下文检索工具",
		Long: `codectx 解析 Go、Python 和 JavaScript 项目，构建实体关系图，
根据自然语言问题检索理解或修改代码所需的最小上下文闭包，
并追踪代码变更的影响范围，减少 AI 编码时的漏改问题。`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: cmd.Setup,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cmd.ConfigPath, "config", "c", "", "配置文件路径 (默认 .codectx.yaml)")
	rootCmd.PersistentFlags().StringVarP(&cmd.DbPath, "db", "d", "", "数据库文件路径 (默认使用配置)")
	rootCmd.PersistentFlags().StringVar(&cmd.LogLevel, "log-level", "", "日志级别: debug, info, warn, error")

	cmd.RegisterCommands(rootCmd)

	err := rootCmd.Execute()
	cmd.Shutdown()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
