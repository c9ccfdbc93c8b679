package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zheng/codectx/internal/closure"
	"github.com/zheng/codectx/internal/display"
	"github.com/zheng/codectx/internal/engine"
	"github.com/zheng/codectx/internal/graph"
)

func queryCmd() *cobra.Command {
	var topK int
	var maxChars int
	var depth int
	var summarize bool
	var format string

	cmd := &cobra.Command{
		Use:   "query <question...>",
		Short: "检索与问题相关的最小上下文闭包",
		Long: `根据自然语言问题检索相关实体，并沿依赖关系展开为上下文闭包。

输出格式：
  text      树形文本 (默认)
  markdown  包含源码的 Markdown，可直接作为 AI 上下文
  json      完整的查询结果
  mermaid   闭包的关系图
  prompt    发送给总结模型的提示词

示例：
  codectx query 用户登录时如何校验密码
  codectx query "retry backoff" --top-k 5 --format markdown
  codectx query "cache eviction" --summarize`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			eng, cleanup, err := loadEngine(ctx, true)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := eng.Query(ctx, engine.QueryRequest{
				Text:      strings.Join(args, " "),
				TopK:      topK,
				Budget:    closure.Budget{MaxChars: maxChars},
				MaxDepth:  depth,
				Summarize: summarize,
			})
			if err != nil {
				return fmt.Errorf("查询失败: %w", err)
			}

			switch format {
			case "json":
				return outputJSON(res)
			case "markdown":
				if res.Summary != "" {
					fmt.Printf("## 总结\n\n%s\n\n", res.Summary)
				}
				fmt.Print(display.ClosureMarkdown(res.Closure, true))
			case "mermaid":
				fmt.Print(display.ClosureMermaid(res.Closure))
			case "prompt":
				fmt.Print(engine.Prompt(res.Query, res.Closure))
			default:
				fmt.Printf("🔍 %s\n", res.Query)
				if res.Degraded {
					fmt.Println("⚠️  语义检索不可用, 仅使用关键词检索")
				}
				fmt.Println()
				fmt.Print(display.FormatClosure(res.Closure))
				if res.Summary != "" {
					fmt.Printf("\n📝 总结\n%s\n", res.Summary)
				}
				if res.SummaryError != "" {
					fmt.Printf("\n⚠️  总结不可用: %s\n", res.SummaryError)
				}
				fmt.Printf("\n耗时 %v (图版本 %d)\n", res.Elapsed.Round(time.Millisecond), res.Version)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "检索的候选实体数量 (0 表示使用配置)")
	cmd.Flags().IntVar(&maxChars, "max-chars", 0, "闭包的字符预算 (0 表示使用配置)")
	cmd.Flags().IntVar(&depth, "depth", 0, "依赖展开深度 (0 表示使用配置, 负数表示不展开)")
	cmd.Flags().BoolVarP(&summarize, "summarize", "s", false, "生成自然语言总结 (需要 API key)")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "输出格式: text, markdown, json, mermaid, prompt")

	return cmd
}

func traceCmd() *cobra.Command {
	var depth int
	var direction string
	var format string
	var selectN int

	cmd := &cobra.Command{
		Use:     "trace <entity>",
		Aliases: []string{"impact"},
		Short:   "分析实体变更的影响范围",
		Long: `追踪实体的依赖方和依赖，评估修改它的影响范围。

实体可以是完整 id (如 internal/auth/login.go::Login)，也可以是名称。
名称匹配到多个实体时会提示选择。

示例：
  codectx trace Login
  codectx trace Login --direction upstream --depth 5
  codectx trace Login --format markdown`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := graph.ParseDirection(direction)
			if err != nil {
				return err
			}
			return runTrace(cmd, args[0], dir, depth, format, selectN)
		},
	}

	cmd.Flags().IntVar(&depth, "depth", 3, "递归深度 (0 表示不限)")
	cmd.Flags().StringVar(&direction, "direction", "both", "方向: upstream, downstream, both")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "输出格式: text, json, markdown")
	cmd.Flags().IntVar(&selectN, "select", 0, "当匹配到多个实体时，直接选择第N个（跳过交互提示）")

	return cmd
}

func upstreamCmd() *cobra.Command {
	return directionalCmd("upstream", "查询实体的上游依赖方", graph.Incoming)
}

func downstreamCmd() *cobra.Command {
	return directionalCmd("downstream", "查询实体的下游依赖", graph.Outgoing)
}

func directionalCmd(use, short string, dir graph.Direction) *cobra.Command {
	var depth int
	var format string
	var selectN int

	cmd := &cobra.Command{
		Use:   use + " <entity>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(cmd, args[0], dir, depth, format, selectN)
		},
	}

	cmd.Flags().IntVar(&depth, "depth", 3, "递归深度 (0 表示不限)")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "输出格式: text, json, markdown")
	cmd.Flags().IntVar(&selectN, "select", 0, "当匹配到多个实体时，直接选择第N个（跳过交互提示）")

	return cmd
}

func runTrace(cmd *cobra.Command, name string, dir graph.Direction, depth int, format string, selectN int) error {
	ctx := cmd.Context()
	eng, cleanup, err := loadEngine(ctx, false)
	if err != nil {
		return err
	}
	defer cleanup()

	id, err := resolveEntity(eng, name, selectN)
	if err != nil {
		return err
	}
	report, err := eng.Trace(ctx, id, dir, depth)
	if err != nil {
		return err
	}

	switch format {
	case "json":
		return outputJSON(report)
	case "markdown":
		fmt.Print(report.FormatMarkdown())
		return nil
	}

	if dir == graph.Both {
		fmt.Print(report.FormatTree())
		fmt.Printf("\n风险等级: %s %s\n", riskIcon(report.Risk), report.Risk)
		return nil
	}

	upstream := dir == graph.Incoming
	title, count := "⬇️ 依赖", len(report.Dependencies)
	if upstream {
		title, count = "⬆️ 依赖方", len(report.Dependents)
	}
	fmt.Printf("📍 %s  %s:%d\n\n", report.Target.Name, report.Target.Path, report.Target.Span.Start.Line)
	if count == 0 {
		fmt.Printf("%s\n└── (无)\n", title)
		return nil
	}
	fmt.Printf("%s (共 %d 个)\n", title, count)

	tree := display.BuildTree(report, upstream)
	maxWidth, maxDepth := 0, 0
	display.CalcTreeMaxWidth(tree, &maxWidth, 0, &maxDepth)
	fmt.Print(display.FormatTree(tree, "", maxWidth, maxDepth, 0))
	return nil
}

func searchCmd() *cobra.Command {
	var limit int
	var format string

	cmd := &cobra.Command{
		Use:   "search <pattern>",
		Short: "按名称搜索实体",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			entities, err := db.FindEntities(cmd.Context(), args[0], limit)
			if err != nil {
				return fmt.Errorf("查询失败: %w", err)
			}
			if format == "json" {
				return outputJSON(entities)
			}
			if len(entities) == 0 {
				fmt.Printf("未找到匹配 '%s' 的实体\n", args[0])
				return nil
			}

			fmt.Printf("找到 %d 个匹配的实体:\n\n", len(entities))
			for _, e := range entities {
				fmt.Printf("  %-10s %s\n", e.Kind, e.Name)
				fmt.Printf("             %s:%d\n", e.Path, e.Span.Start.Line)
				fmt.Printf("             id: %s\n\n", e.ID)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "最多显示的结果数量")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "输出格式: text, json")

	return cmd
}
