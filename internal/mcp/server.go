// Package mcp exposes the engine as Model Context Protocol tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/zheng/codectx/internal/closure"
	"github.com/zheng/codectx/internal/display"
	"github.com/zheng/codectx/internal/engine"
	"github.com/zheng/codectx/internal/graph"
	"github.com/zheng/codectx/internal/impact"
)

// Version is reported to clients.
const Version = "1.0.0"

// Engine is what the tools need from *engine.Engine.
type Engine interface {
	Query(ctx context.Context, req engine.QueryRequest) (*engine.QueryResult, error)
	Trace(ctx context.Context, ref string, dir graph.Direction, maxDepth int) (*engine.TraceResult, error)
	Search(pattern string, limit int) []*graph.Entity
	Stats() engine.Stats
	Hubs(limit int) []graph.Hub
}

// Server implements the MCP protocol for codectx
type Server struct {
	engine Engine
	server *sdk.Server
	logger *slog.Logger
}

// NewServer creates a new MCP server with its tools registered.
func NewServer(eng Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine: eng,
		server: sdk.NewServer(&sdk.Implementation{Name: "codectx", Version: Version}, nil),
		logger: logger,
	}
	s.registerTools()
	return s
}

// Run serves on stdin/stdout until the client disconnects or ctx ends.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server started", slog.String("transport", "stdio"))
	return s.server.Run(ctx, &sdk.StdioTransport{})
}

// Connect serves one session on t.
func (s *Server) Connect(ctx context.Context, t sdk.Transport) (*sdk.ServerSession, error) {
	return s.server.Connect(ctx, t, nil)
}

// Arguments structs

type QueryArgs struct {
	Query     string `json:"query" jsonschema:"自然语言描述的问题或需求"`
	TopK      int    `json:"top_k,omitempty" jsonschema:"检索的候选实体数量, 默认使用配置"`
	MaxChars  int    `json:"max_chars,omitempty" jsonschema:"闭包的字符预算, 0 表示使用配置"`
	MaxDepth  int    `json:"max_depth,omitempty" jsonschema:"依赖展开深度, 0 表示使用配置"`
	Summarize bool   `json:"summarize,omitempty" jsonschema:"是否生成自然语言总结"`
	Format    string `json:"format,omitempty" jsonschema:"输出格式: markdown (默认), json 或 mermaid"`
}

type TraceArgs struct {
	Entity    string `json:"entity" jsonschema:"实体 id 或名称 (支持模糊匹配)"`
	Direction string `json:"direction,omitempty" jsonschema:"方向: upstream (依赖方), downstream (依赖), both (默认)"`
	Depth     int    `json:"depth,omitempty" jsonschema:"递归深度, 默认 3"`
}

type SearchArgs struct {
	Pattern string `json:"pattern" jsonschema:"名称匹配模式"`
	Limit   int    `json:"limit,omitempty" jsonschema:"最多返回的结果数量, 默认 20"`
}

type StatsArgs struct{}

type RiskArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"返回的实体数量, 默认 20"`
}

func (s *Server) registerTools() {
	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "query",
		Description: "根据问题检索代码实体, 返回理解或修改问题所需的最小上下文闭包",
	}, s.toolQuery)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "trace",
		Description: "分析实体变更的影响范围, 返回依赖它的上游实体和它依赖的下游实体",
	}, s.toolTrace)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "search",
		Description: "按名称搜索代码实体",
	}, s.toolSearch)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "stats",
		Description: "返回代码图和索引的统计信息",
	}, s.toolStats)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "risk",
		Description: "列出依赖方最多的高风险实体",
	}, s.toolRisk)
}

func (s *Server) toolQuery(ctx context.Context, _ *sdk.CallToolRequest, args QueryArgs) (*sdk.CallToolResult, any, error) {
	if strings.TrimSpace(args.Query) == "" {
		return errorResult("错误：需要提供查询内容"), nil, nil
	}
	res, err := s.engine.Query(ctx, engine.QueryRequest{
		Text:      args.Query,
		TopK:      args.TopK,
		Budget:    closure.Budget{MaxChars: args.MaxChars},
		MaxDepth:  args.MaxDepth,
		Summarize: args.Summarize,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("错误：%v", err)), nil, nil
	}

	switch args.Format {
	case "json":
		return jsonResult(res)
	case "mermaid":
		return textResult(display.ClosureMermaid(res.Closure)), nil, nil
	}

	var sb strings.Builder
	if res.Summary != "" {
		sb.WriteString("## 总结\n\n" + res.Summary + "\n\n")
	}
	if res.SummaryError != "" {
		sb.WriteString(fmt.Sprintf("_总结不可用: %s_\n\n", res.SummaryError))
	}
	if res.Degraded {
		sb.WriteString("_语义检索不可用, 仅使用关键词检索_\n\n")
	}
	sb.WriteString(display.ClosureMarkdown(res.Closure, true))
	return textResult(sb.String()), nil, nil
}

func (s *Server) toolTrace(ctx context.Context, _ *sdk.CallToolRequest, args TraceArgs) (*sdk.CallToolResult, any, error) {
	if args.Entity == "" {
		return errorResult("错误：需要提供实体名称"), nil, nil
	}
	dir, err := graph.ParseDirection(args.Direction)
	if err != nil {
		return errorResult(fmt.Sprintf("错误：%v", err)), nil, nil
	}
	depth := args.Depth
	if depth <= 0 {
		depth = 3
	}

	report, err := s.engine.Trace(ctx, args.Entity, dir, depth)
	if err != nil {
		var amb *impact.AmbiguousError
		if errors.As(err, &amb) {
			return errorResult(fmt.Sprintf("找到多个匹配的实体, 请使用完整 id:\n- %s", strings.Join(amb.Matches, "\n- "))), nil, nil
		}
		return errorResult(fmt.Sprintf("错误：%v", err)), nil, nil
	}
	return textResult(report.FormatMarkdown()), nil, nil
}

func (s *Server) toolSearch(_ context.Context, _ *sdk.CallToolRequest, args SearchArgs) (*sdk.CallToolResult, any, error) {
	if args.Pattern == "" {
		return errorResult("错误：需要提供搜索模式"), nil, nil
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 20
	}

	matches := s.engine.Search(args.Pattern, limit)
	if len(matches) == 0 {
		return textResult(fmt.Sprintf("未找到匹配 '%s' 的实体", args.Pattern)), nil, nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## 搜索结果: %s\n\n", args.Pattern))
	sb.WriteString("| 实体 | 类型 | 位置 | id |\n")
	sb.WriteString("|------|------|------|----|\n")
	for _, e := range matches {
		sb.WriteString(fmt.Sprintf("| %s | %s | %s:%d | `%s` |\n", e.Name, e.Kind, e.Path, e.Span.Start.Line, e.ID))
	}
	return textResult(sb.String()), nil, nil
}

func (s *Server) toolStats(_ context.Context, _ *sdk.CallToolRequest, _ StatsArgs) (*sdk.CallToolResult, any, error) {
	return jsonResult(s.engine.Stats())
}

func (s *Server) toolRisk(_ context.Context, _ *sdk.CallToolRequest, args RiskArgs) (*sdk.CallToolResult, any, error) {
	limit := args.Limit
	if limit <= 0 {
		limit = 20
	}
	hubs := s.engine.Hubs(limit)
	if len(hubs) == 0 {
		return textResult("_没有被依赖的实体_"), nil, nil
	}

	var sb strings.Builder
	sb.WriteString("## 高风险实体\n\n")
	sb.WriteString("| 实体 | 位置 | 依赖方 | 依赖 | 风险 |\n")
	sb.WriteString("|------|------|--------|------|------|\n")
	for _, h := range hubs {
		sb.WriteString(fmt.Sprintf("| %s | %s:%d | %d | %d | %s |\n",
			h.Entity.Name, h.Entity.Path, h.Entity.Span.Start.Line, h.Dependents, h.Dependencies, h.Risk))
	}
	return textResult(sb.String()), nil, nil
}

func textResult(text string) *sdk.CallToolResult {
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: text}}}
}

func errorResult(text string) *sdk.CallToolResult {
	res := textResult(text)
	res.IsError = true
	return res
}

func jsonResult(v any) (*sdk.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	return textResult(string(data)), nil, nil
}
