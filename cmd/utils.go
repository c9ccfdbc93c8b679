package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/zheng/codectx/internal/engine"
	"github.com/zheng/codectx/internal/graph"
	"github.com/zheng/codectx/internal/impact"
)

// out receives progress messages. The MCP server moves it to stderr
// because stdout carries the protocol.
var out io.Writer = os.Stdout

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// createOutput opens path for writing; "" and "-" mean stdout.
func createOutput(path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("创建输出文件失败: %w", err)
	}
	return f, f.Close, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// resolveEntity resolves a user supplied name. When the name is ambiguous,
// selectN picks a match directly; otherwise the user is asked to choose.
func resolveEntity(eng *engine.Engine, name string, selectN int) (string, error) {
	ent, err := impact.Resolve(eng.Snapshot(), name)
	if err == nil {
		return ent.ID, nil
	}
	var amb *impact.AmbiguousError
	if !errors.As(err, &amb) {
		if errors.Is(err, graph.ErrNotFound) {
			return "", fmt.Errorf("未找到实体: %s", name)
		}
		return "", err
	}

	if selectN >= 1 && selectN <= len(amb.Matches) {
		return amb.Matches[selectN-1], nil
	}

	fmt.Println("找到多个匹配的实体，请选择:")
	for i, id := range amb.Matches {
		if e, err := eng.Get(id); err == nil {
			fmt.Printf("  [%d] %s\n      %s:%d\n", i+1, e.Name, e.Path, e.Span.Start.Line)
		}
	}
	fmt.Print("\n请输入序号 [1-" + fmt.Sprint(len(amb.Matches)) + "]: ")

	var choice int
	if _, err := fmt.Scanf("%d", &choice); err != nil || choice < 1 || choice > len(amb.Matches) {
		return "", fmt.Errorf("无效的选择")
	}
	return amb.Matches[choice-1], nil
}

func riskIcon(level graph.RiskLevel) string {
	switch level {
	case graph.RiskCritical:
		return "🔴"
	case graph.RiskHigh:
		return "🟠"
	case graph.RiskMedium:
		return "🟡"
	default:
		return "🟢"
	}
}
