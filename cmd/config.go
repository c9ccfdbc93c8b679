package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zheng/codectx/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "管理配置文件",
	}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [file]",
		Short: "生成默认配置文件",
		Long: fmt.Sprintf(`生成包含全部默认值的配置文件 (默认 %s)。

API key 不会写入文件，请通过环境变量 %sLLM_API_KEY 或 OPENAI_API_KEY 设置。`,
			config.DefaultFile, config.EnvPrefix),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultFile
			if len(args) > 0 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s 已存在, 使用 --force 覆盖", path)
			}

			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("创建配置文件失败: %w", err)
			}
			defer f.Close()
			if err := config.Default().Write(f); err != nil {
				return fmt.Errorf("写入配置文件失败: %w", err)
			}
			fmt.Printf("✅ 已生成 %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "覆盖已有文件")

	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "显示生效的配置 (不含 API key)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.Write(os.Stdout)
		},
	}
}
