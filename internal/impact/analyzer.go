package impact

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zheng/codectx/internal/graph"
)

// ErrAmbiguous is returned when a name matches more than one entity.
var ErrAmbiguous = errors.New("ambiguous entity name")

// AmbiguousError lists the entities a name could refer to.
type AmbiguousError struct {
	Name    string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous entity name %q, found %d matches: %s", e.Name, len(e.Matches), strings.Join(e.Matches, ", "))
}

func (e *AmbiguousError) Unwrap() error { return ErrAmbiguous }

// Resolve finds the entity a user-supplied name refers to: an exact id
// first, then the unique exact short or qualified name, then the unique
// pattern match.
func Resolve(snap *graph.Snapshot, name string) (*graph.Entity, error) {
	if e, ok := snap.Get(name); ok {
		return e, nil
	}

	matches := snap.FindByName(name)
	if len(matches) == 0 {
		return nil, fmt.Errorf("entity %q: %w", name, graph.ErrNotFound)
	}
	if len(matches) == 1 {
		return matches[0], nil
	}

	var exact []*graph.Entity
	for _, e := range matches {
		if strings.EqualFold(e.ShortName(), name) || strings.EqualFold(e.Name, name) {
			exact = append(exact, e)
		}
	}
	if len(exact) == 1 {
		return exact[0], nil
	}
	if len(exact) > 1 {
		matches = exact
	}

	ids := make([]string, len(matches))
	for i, e := range matches {
		ids[i] = e.ID
	}
	return nil, &AmbiguousError{Name: name, Matches: ids}
}

// Item is an entity reached by a trace.
type Item struct {
	Entity *graph.Entity       `json:"entity"`
	Depth  int                 `json:"depth"`
	Via    *graph.Relationship `json:"via,omitempty"`
}

// Report represents the dependencies and dependents of one entity
type Report struct {
	Target       *graph.Entity   `json:"target"`
	Direction    graph.Direction `json:"-"`
	MaxDepth     int             `json:"max_depth"`
	Dependencies []Item          `json:"dependencies"`
	Dependents   []Item          `json:"dependents"`
	Risk         graph.RiskLevel `json:"risk"`
}

// Analyze traces the dependency relationships around target. Outgoing
// collects what target depends on, Incoming what depends on target.
// maxDepth <= 0 means unlimited.
func Analyze(snap *graph.Snapshot, target *graph.Entity, dir graph.Direction, maxDepth int) (*Report, error) {
	report := &Report{Target: target, Direction: dir, MaxDepth: maxDepth}
	kinds := DependencyKinds()

	if dir == graph.Outgoing || dir == graph.Both {
		list, err := snap.Neighbors(target.ID, kinds, graph.Outgoing, maxDepth)
		if err != nil {
			return nil, fmt.Errorf("failed to get dependencies: %w", err)
		}
		report.Dependencies = items(list)
	}
	if dir == graph.Incoming || dir == graph.Both {
		list, err := snap.Neighbors(target.ID, kinds, graph.Incoming, maxDepth)
		if err != nil {
			return nil, fmt.Errorf("failed to get dependents: %w", err)
		}
		report.Dependents = items(list)
	}

	direct := 0
	for _, it := range report.Dependents {
		if it.Depth == 1 {
			direct++
		}
	}
	report.Risk = graph.RiskFromDependents(direct)
	return report, nil
}

// DependencyKinds lists the relationship kinds a trace follows.
func DependencyKinds() []graph.RelationKind {
	return []graph.RelationKind{
		graph.RelCalls, graph.RelImports, graph.RelInherits,
		graph.RelImplements, graph.RelReferences, graph.RelUses,
	}
}

func items(list []graph.Neighbor) []Item {
	out := make([]Item, len(list))
	for i, n := range list {
		out[i] = Item{Entity: n.Entity, Depth: n.Depth, Via: n.Via}
	}
	return out
}

func split(list []Item) (direct, indirect []Item) {
	for _, it := range list {
		if it.Depth <= 1 {
			direct = append(direct, it)
		} else {
			indirect = append(indirect, it)
		}
	}
	return direct, indirect
}

// FormatMarkdown formats the report as markdown
func (r *Report) FormatMarkdown() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("## 变更影响分析: %s\n\n", r.Target.Name))
	sb.WriteString(fmt.Sprintf("**位置:** %s:%d\n\n", r.Target.Path, r.Target.Span.Start.Line))
	sb.WriteString(fmt.Sprintf("**类型:** %s | **风险:** %s\n\n", r.Target.Kind, r.Risk))

	if r.Target.Signature != "" {
		sb.WriteString(fmt.Sprintf("**签名:** `%s`\n\n", r.Target.Signature))
	}
	if r.Target.Description != "" {
		sb.WriteString(fmt.Sprintf("**文档:** %s\n\n", r.Target.Description))
	}

	if r.Direction != graph.Outgoing {
		direct, indirect := split(r.Dependents)
		sb.WriteString("### 直接依赖方 (需检查是否需要同步修改)\n\n")
		if len(direct) == 0 {
			sb.WriteString("_无直接依赖方_\n\n")
		} else {
			writeTable(&sb, direct)
		}
		if len(indirect) > 0 {
			sb.WriteString("### 间接依赖方 (可能受影响)\n\n")
			writeTable(&sb, indirect)
		}
	}

	if r.Direction != graph.Incoming {
		direct, indirect := split(r.Dependencies)
		sb.WriteString("### 下游依赖 (本实体依赖的)\n\n")
		if len(direct) == 0 {
			sb.WriteString("_无下游依赖_\n\n")
		} else {
			writeTable(&sb, direct)
		}
		if len(indirect) > 0 {
			sb.WriteString("### 间接下游依赖\n\n")
			writeTable(&sb, indirect)
		}
	}

	return sb.String()
}

func writeTable(sb *strings.Builder, list []Item) {
	sb.WriteString("| 实体 | 关系 | 文件 | 行号 | 深度 |\n")
	sb.WriteString("|------|------|------|------|------|\n")
	for _, it := range list {
		kind := "-"
		if it.Via != nil {
			kind = string(it.Via.Kind)
		}
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %d | %d |\n",
			it.Entity.Name, kind, it.Entity.Path, it.Entity.Span.Start.Line, it.Depth))
	}
	sb.WriteString("\n")
}

// FormatTree formats the report as a tree structure
func (r *Report) FormatTree() string {
	var sb strings.Builder

	maxWidth := len(location(r.Target))
	for _, list := range [][]Item{r.Dependents, r.Dependencies} {
		for _, it := range list {
			if w := len(location(it.Entity)); w > maxWidth {
				maxWidth = w
			}
		}
	}

	sb.WriteString("📍 当前实体\n")
	sb.WriteString(fmt.Sprintf("%-*s  %s\n", maxWidth, location(r.Target), r.Target.Name))
	if r.Target.Signature != "" {
		sb.WriteString(fmt.Sprintf("   %s\n", r.Target.Signature))
	}
	sb.WriteString("\n")

	if r.Direction != graph.Outgoing {
		writeBranch(&sb, "⬆️ 依赖方", r.Dependents, maxWidth)
	}
	if r.Direction != graph.Incoming {
		writeBranch(&sb, "⬇️ 依赖", r.Dependencies, maxWidth)
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}

func writeBranch(sb *strings.Builder, title string, list []Item, maxWidth int) {
	if len(list) == 0 {
		sb.WriteString(title + "\n")
		sb.WriteString("└── (无)\n\n")
		return
	}
	sb.WriteString(fmt.Sprintf("%s (共 %d 个)\n", title, len(list)))
	for i, it := range list {
		prefix := "├──"
		if i == len(list)-1 {
			prefix = "└──"
		}
		indent := strings.Repeat("  ", it.Depth-1)
		sb.WriteString(fmt.Sprintf("%s %-*s  %s%s\n", prefix, maxWidth, location(it.Entity), indent, it.Entity.Name))
	}
	sb.WriteString("\n")
}

func location(e *graph.Entity) string {
	return fmt.Sprintf("%s:%d", ShortPath(e.Path), e.Span.Start.Line)
}

// ShortPath extracts the last two path components
// e.g., "internal/livepk/livepk.go" -> "livepk/livepk.go"
func ShortPath(fullPath string) string {
	parts := strings.Split(fullPath, "/")
	if len(parts) <= 2 {
		return fullPath
	}
	return strings.Join(parts[len(parts)-2:], "/")
}

// Summary returns a brief summary of the report
func (r *Report) Summary() string {
	depDirect, depIndirect := split(r.Dependencies)
	userDirect, userIndirect := split(r.Dependents)
	return fmt.Sprintf(
		"Target: %s, Direct Dependents: %d, Indirect Dependents: %d, Direct Dependencies: %d, Indirect Dependencies: %d",
		r.Target.ID,
		len(userDirect),
		len(userIndirect),
		len(depDirect),
		len(depIndirect),
	)
}
