package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zheng/codectx/internal/graph"
)

func riskCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "risk [entity]",
		Short: "分析实体变更风险",
		Long: `分析实体的变更风险等级，基于直接依赖方数量评估。

风险等级说明：
  - critical: 直接依赖方 >= 50
  - high:     直接依赖方 >= 20
  - medium:   直接依赖方 >= 5
  - low:      其他

示例：
  codectx risk HandleRequest   # 查看单个实体的风险
  codectx risk --top 20        # 显示风险最高的20个实体`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			showTop, _ := cmd.Flags().GetBool("top")
			ctx := cmd.Context()

			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if showTop || len(args) == 0 {
				risks, err := db.GetTopRiskyEntities(ctx, limit)
				if err != nil {
					return fmt.Errorf("查询失败: %w", err)
				}

				if len(risks) == 0 {
					fmt.Println("项目中没有被依赖的实体")
					return nil
				}

				fmt.Printf("高风险实体排行 (Top %d)\n\n", limit)
				for _, r := range risks {
					fmt.Printf("%s %-8s  %s\n", riskIcon(r.RiskLevel), r.RiskLevel, r.Entity.Name)
					fmt.Printf("             依赖方: %d (间接共 %d)  %s:%d\n\n",
						r.DirectDependents, r.TotalDependents, r.Entity.Path, r.Entity.Span.Start.Line)
				}

				fmt.Println("风险等级: 🔴critical(>=50) 🟠high(>=20) 🟡medium(>=5) 🟢low")
				fmt.Println("\n💡 使用 codectx risk <实体名> 查看详细分析")
				return nil
			}

			name := args[0]
			entities, err := db.FindEntities(ctx, name, 1)
			if err != nil {
				return fmt.Errorf("查询失败: %w", err)
			}
			if len(entities) == 0 {
				return fmt.Errorf("未找到实体: %s", name)
			}

			risk, err := db.GetRiskScore(ctx, entities[0].ID)
			if err != nil {
				return fmt.Errorf("计算风险失败: %w", err)
			}

			fmt.Printf("## 变更风险分析: %s\n\n", risk.Entity.Name)
			fmt.Printf("**位置:** %s:%d\n", risk.Entity.Path, risk.Entity.Span.Start.Line)
			if risk.Entity.Signature != "" {
				fmt.Printf("**签名:** `%s`\n", risk.Entity.Signature)
			}
			fmt.Println()

			fmt.Printf("### 风险等级: %s %s\n\n", riskIcon(risk.RiskLevel), risk.RiskLevel)
			fmt.Printf("直接依赖方: %d\n", risk.DirectDependents)
			fmt.Printf("全部依赖方: %d\n", risk.TotalDependents)

			fmt.Println("\n**建议:**")
			switch risk.RiskLevel {
			case graph.RiskCritical:
				fmt.Println("- ⚠️  此实体被大量依赖，修改需极其谨慎")
				fmt.Println("- 建议先运行 `codectx trace` 查看完整影响范围")
				fmt.Println("- 修改前确保有充分的测试覆盖")
				fmt.Println("- 考虑是否可以添加新实体而非修改现有实体")
			case graph.RiskHigh:
				fmt.Println("- ⚠️  此实体依赖方较多，修改需谨慎")
				fmt.Println("- 建议运行 `codectx upstream` 查看依赖方")
				fmt.Println("- 确保修改后同步更新所有调用处")
			case graph.RiskMedium:
				fmt.Println("- 正常风险，注意检查调用处是否需要同步修改")
				fmt.Println("- 可运行 `codectx upstream` 查看具体依赖方")
			default:
				fmt.Println("- 低风险，影响范围较小")
				fmt.Println("- 正常修改即可")
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "显示数量")
	cmd.Flags().Bool("top", false, "显示风险最高的实体列表")

	return cmd
}

func hubsCmd() *cobra.Command {
	var limit int
	var format string

	cmd := &cobra.Command{
		Use:   "hubs",
		Short: "列出依赖方最多的核心实体",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := loadEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()

			hubs := eng.Hubs(limit)
			if format == "json" {
				return outputJSON(hubs)
			}
			if len(hubs) == 0 {
				fmt.Println("没有被依赖的实体")
				return nil
			}
			for i, h := range hubs {
				fmt.Printf("%2d. %s %-30s 依赖方 %-4d 依赖 %-4d %s:%d\n", i+1, riskIcon(h.Risk),
					h.Entity.Name, h.Dependents, h.Dependencies, h.Entity.Path, h.Entity.Span.Start.Line)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "显示数量")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "输出格式: text, json")

	return cmd
}

func cyclesCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "cycles",
		Short: "检测循环依赖",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := loadEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()

			cycles := eng.Cycles()
			if format == "json" {
				if cycles == nil {
					cycles = [][]string{}
				}
				return outputJSON(cycles)
			}
			if len(cycles) == 0 {
				fmt.Println("✅ 没有检测到循环依赖")
				return nil
			}
			fmt.Printf("检测到 %d 个循环依赖:\n\n", len(cycles))
			for i, c := range cycles {
				fmt.Printf("[%d] %d 个实体\n", i+1, len(c))
				for _, id := range c {
					fmt.Printf("    %s\n", id)
				}
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "输出格式: text, json")

	return cmd
}

func pathCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "path <from> <to>",
		Short: "查找两个实体之间的最短路径",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := loadEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()

			p, err := eng.ShortestPath(args[0], args[1])
			if err != nil {
				return err
			}
			if format == "json" {
				return outputJSON(p)
			}

			fmt.Printf("最短路径 (%d 步):\n\n", p.Len())
			for i, e := range p.Entities {
				fmt.Printf("  %s  %s:%d\n", e.Name, e.Path, e.Span.Start.Line)
				if i < len(p.Relationships) {
					fmt.Printf("    │ %s\n", p.Relationships[i].Kind)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "输出格式: text, json")

	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "显示数据库统计信息",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			st, err := db.GetStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("查询失败: %w", err)
			}
			fmt.Printf("数据库:   %s\n", cfg.Storage.DBPath)
			if st.Root != "" {
				fmt.Printf("项目根目录: %s\n", st.Root)
			}
			if st.IndexedAt != "" {
				fmt.Printf("索引时间: %s\n", st.IndexedAt)
			}
			fmt.Printf("文件:     %d\n", st.Scopes)
			fmt.Printf("实体:     %d\n", st.Entities)
			fmt.Printf("关系:     %d\n", st.Relationships)
			fmt.Printf("向量:     %d\n", st.Vectors)
			return nil
		},
	}

	return cmd
}
