package export

import (
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/zheng/codectx/internal/graph"
)

// MarkdownOptions configures the markdown export.
type MarkdownOptions struct {
	IncludeMermaid  bool
	IncludeLinks    bool
	ProjectName     string
	MaxDiagramNodes int
	Generated       time.Time
}

// DefaultMarkdownOptions returns default markdown options
func DefaultMarkdownOptions() MarkdownOptions {
	return MarkdownOptions{
		IncludeMermaid:  true,
		IncludeLinks:    true,
		ProjectName:     "项目",
		MaxDiagramNodes: 40,
	}
}

// Exporter generates RAG documentation from a graph snapshot
type Exporter struct {
	snap *graph.Snapshot
}

// NewExporter creates a new exporter
func NewExporter(snap *graph.Snapshot) *Exporter {
	return &Exporter{snap: snap}
}

// WriteMarkdown generates a complete RAG document
func (e *Exporter) WriteMarkdown(w io.Writer, opts MarkdownOptions) error {
	if opts.Generated.IsZero() {
		opts.Generated = time.Now()
	}
	stats := e.snap.Stats()

	fmt.Fprintf(w, "# %s代码图谱 (RAG)\n\n", opts.ProjectName)
	fmt.Fprintf(w, "> 生成时间: %s\n", opts.Generated.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "> 实体: %d | 关系: %d | 文件: %d\n\n", stats.Entities, stats.Relationships, stats.Scopes)

	byDir := e.groupByDir()
	e.writeProjectStructure(w, byDir)

	if opts.IncludeMermaid && stats.Entities > 0 {
		e.writeArchitectureDiagram(w, byDir, opts.MaxDiagramNodes)
	}

	fmt.Fprintf(w, "---\n\n## 模块详解\n\n")
	for _, scope := range e.snap.Scopes() {
		entities, _, _ := e.snap.Scope(scope)
		e.writeFileSection(w, scope, entities, opts)
	}

	e.writeImpactTable(w)
	return nil
}

// groupByDir maps directories to the files they contain.
func (e *Exporter) groupByDir() map[string][]string {
	dirs := make(map[string][]string)
	for _, scope := range e.snap.Scopes() {
		dir := path.Dir(scope)
		dirs[dir] = append(dirs[dir], scope)
	}
	return dirs
}

// writeProjectStructure writes the project directory structure
func (e *Exporter) writeProjectStructure(w io.Writer, byDir map[string][]string) {
	fmt.Fprintf(w, "## 项目结构\n\n```\n")

	dirs := make(map[string]bool)
	for dir := range byDir {
		if dir == "." {
			continue
		}
		parts := strings.Split(dir, "/")
		for i := range parts {
			dirs[strings.Join(parts[:i+1], "/")] = true
		}
	}
	var sorted []string
	for dir := range dirs {
		sorted = append(sorted, dir)
	}
	sort.Strings(sorted)

	for _, dir := range sorted {
		indent := strings.Count(dir, "/")
		prefix := strings.Repeat("│   ", indent)
		fmt.Fprintf(w, "%s├── %s/\n", prefix, path.Base(dir))
	}
	for _, file := range byDir["."] {
		fmt.Fprintf(w, "├── %s\n", file)
	}

	fmt.Fprintf(w, "```\n\n")
}

// writeArchitectureDiagram writes a Mermaid diagram with one subgraph per directory
func (e *Exporter) writeArchitectureDiagram(w io.Writer, byDir map[string][]string, maxNodes int) {
	keys := e.keyEntities(maxNodes)
	if len(keys) == 0 {
		return
	}

	fmt.Fprintf(w, "## 架构图\n\n```mermaid\nflowchart TB\n")

	dirs := make([]string, 0, len(byDir))
	for dir := range byDir {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	for i, dir := range dirs {
		var members []*graph.Entity
		for _, scope := range byDir[dir] {
			entities, _, _ := e.snap.Scope(scope)
			for _, ent := range entities {
				if keys[ent.ID] {
					members = append(members, ent)
				}
			}
		}
		if len(members) == 0 {
			continue
		}
		fmt.Fprintf(w, "    subgraph d%d [%s]\n", i, dir)
		for _, ent := range members {
			fmt.Fprintf(w, "        %s[%s]\n", MermaidID(ent.ID), ent.Name)
		}
		fmt.Fprintf(w, "    end\n\n")
	}

	fmt.Fprintf(w, "    %%%% 关键依赖关系\n")
	for _, r := range e.snap.AllRelationships() {
		if !r.Kind.IsDependency() || !keys[r.Source] || !keys[r.Target] || r.Source == r.Target {
			continue
		}
		fmt.Fprintf(w, "    %s -->|%s| %s\n", MermaidID(r.Source), r.Kind, MermaidID(r.Target))
	}

	fmt.Fprintf(w, "```\n\n")
}

// keyEntities picks the definitions worth drawing: exported names and
// anything other code depends on, most depended on first.
func (e *Exporter) keyEntities(limit int) map[string]bool {
	type scored struct {
		id         string
		dependents int
	}
	var list []scored
	for _, ent := range e.snap.Entities() {
		if !isKeyEntity(ent) {
			continue
		}
		in, _ := e.degree(ent.ID)
		if in == 0 && !isExported(ent.ShortName()) {
			continue
		}
		list = append(list, scored{ent.ID, in})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].dependents > list[j].dependents })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	keys := make(map[string]bool, len(list))
	for _, s := range list {
		keys[s.id] = true
	}
	return keys
}

// writeFileSection writes detailed info for one file
func (e *Exporter) writeFileSection(w io.Writer, scope string, entities []*graph.Entity, opts MarkdownOptions) {
	if len(entities) == 0 {
		return
	}
	fmt.Fprintf(w, "### 📄 %s\n\n", scope)

	sorted := append([]*graph.Entity(nil), entities...)
	sort.SliceStable(sorted, func(i, j int) bool {
		iExp := isExported(sorted[i].ShortName())
		jExp := isExported(sorted[j].ShortName())
		if iExp != jExp {
			return iExp
		}
		return sorted[i].Name < sorted[j].Name
	})

	fmt.Fprintf(w, "| 实体 | 类型 | 说明 | 被依赖 | 依赖 |\n")
	fmt.Fprintf(w, "|------|------|------|--------|------|\n")
	for _, ent := range sorted {
		if ent.Kind == graph.KindModule {
			continue
		}
		doc := TruncateDoc(ent.Description, 30)
		if doc == "" {
			doc = "-"
		}
		in, out := e.degree(ent.ID)
		fmt.Fprintf(w, "| `%s` | %s | %s | %d | %d |\n", ent.Name, ent.Kind, doc, in, out)
	}
	fmt.Fprintf(w, "\n")

	for _, ent := range sorted {
		if !isKeyEntity(ent) || !isExported(ent.ShortName()) {
			continue
		}
		fmt.Fprintf(w, "#### `%s`\n\n", ent.Name)
		fmt.Fprintf(w, "- **位置**: `%s:%d`\n", ent.Path, ent.Span.Start.Line)
		if ent.Signature != "" {
			fmt.Fprintf(w, "- **签名**: `%s`\n", ent.Signature)
		}
		if ent.Description != "" {
			fmt.Fprintf(w, "- **说明**: %s\n", TruncateDoc(ent.Description, 200))
		}
		if opts.IncludeLinks {
			dependents, dependencies := e.neighbors(ent.ID)
			if len(dependents) > 0 {
				fmt.Fprintf(w, "- **被依赖**: %s\n", joinNames(dependents))
			}
			if len(dependencies) > 0 {
				fmt.Fprintf(w, "- **依赖**: %s\n", joinNames(dependencies))
			}
		}
		fmt.Fprintf(w, "\n")
	}
}

// writeImpactTable writes a summary table for impact analysis
func (e *Exporter) writeImpactTable(w io.Writer) {
	hubs := e.snap.Hubs(0)
	fmt.Fprintf(w, "---\n\n## 修改影响速查\n\n")
	if len(hubs) == 0 {
		fmt.Fprintf(w, "_没有被依赖的实体_\n")
		return
	}
	fmt.Fprintf(w, "| 实体 | 位置 | 被依赖次数 | 依赖次数 | 风险 |\n")
	fmt.Fprintf(w, "|------|------|-----------|----------|------|\n")
	for _, h := range hubs {
		fmt.Fprintf(w, "| `%s` | %s:%d | %d | %d | %s |\n",
			h.Entity.Name,
			h.Entity.Path,
			h.Entity.Span.Start.Line,
			h.Dependents,
			h.Dependencies,
			RiskBadge(h.Risk),
		)
	}
}

// WriteIncremental generates a report for the entities of changed files
func (e *Exporter) WriteIncremental(w io.Writer, changedPaths []string, opts MarkdownOptions) error {
	if opts.Generated.IsZero() {
		opts.Generated = time.Now()
	}
	if len(changedPaths) == 0 {
		fmt.Fprintf(w, "# 增量更新报告\n\n> 没有检测到变更\n")
		return nil
	}

	var changed []*graph.Entity
	for _, p := range changedPaths {
		entities, _, ok := e.snap.Scope(p)
		if !ok {
			continue
		}
		changed = append(changed, entities...)
	}

	fmt.Fprintf(w, "# 增量更新报告\n\n")
	fmt.Fprintf(w, "> 生成时间: %s\n", opts.Generated.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "> 变更文件: %d | 变更实体: %d\n\n", len(changedPaths), len(changed))

	fmt.Fprintf(w, "## 变更范围\n\n")
	for _, p := range changedPaths {
		fmt.Fprintf(w, "- `%s`\n", p)
	}
	fmt.Fprintf(w, "\n")

	if len(changed) == 0 {
		fmt.Fprintf(w, "_没有受影响的实体_\n")
		return nil
	}

	fmt.Fprintf(w, "## 影响分析\n\n")
	for _, ent := range changed {
		dependents, _ := e.neighbors(ent.ID)
		if len(dependents) == 0 {
			continue
		}
		fmt.Fprintf(w, "### ⚠️ `%s`\n\n", ent.Name)
		fmt.Fprintf(w, "**位置**: `%s:%d`\n\n", ent.Path, ent.Span.Start.Line)
		fmt.Fprintf(w, "**以下 %d 个实体依赖此实体，可能需要检查：**\n\n", len(dependents))
		fmt.Fprintf(w, "| 依赖方 | 文件 | 行号 |\n")
		fmt.Fprintf(w, "|--------|------|------|\n")
		for _, d := range dependents {
			fmt.Fprintf(w, "| `%s` | %s | %d |\n", d.Name, d.Path, d.Span.Start.Line)
		}
		fmt.Fprintf(w, "\n")
	}
	return nil
}

// degree counts distinct dependency neighbors in each direction.
func (e *Exporter) degree(id string) (in, out int) {
	dependents, dependencies := e.neighbors(id)
	return len(dependents), len(dependencies)
}

func (e *Exporter) neighbors(id string) (dependents, dependencies []*graph.Entity) {
	seen := map[bool]map[string]bool{true: {}, false: {}}
	for _, adj := range e.snap.Adjacent(id, nil, graph.Both) {
		if !adj.Relationship.Kind.IsDependency() || adj.Other == id || seen[adj.Outgoing][adj.Other] {
			continue
		}
		seen[adj.Outgoing][adj.Other] = true
		other, ok := e.snap.Get(adj.Other)
		if !ok {
			continue
		}
		if adj.Outgoing {
			dependencies = append(dependencies, other)
		} else {
			dependents = append(dependents, other)
		}
	}
	return dependents, dependencies
}

func joinNames(list []*graph.Entity) string {
	names := make([]string, len(list))
	for i, ent := range list {
		names[i] = "`" + ent.Name + "`"
	}
	return strings.Join(names, ", ")
}

func isKeyEntity(e *graph.Entity) bool {
	return e.Kind.Priority() == 0 && e.Kind != graph.KindModule
}

func isExported(name string) bool {
	r, _ := utf8.DecodeRuneInString(name)
	return unicode.IsUpper(r)
}

// MermaidID turns an entity id into a valid Mermaid node id.
func MermaidID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// RiskBadge renders a risk level the way the reports show it.
func RiskBadge(level graph.RiskLevel) string {
	switch level {
	case graph.RiskCritical:
		return "🔴 严重"
	case graph.RiskHigh:
		return "🟠 高"
	case graph.RiskMedium:
		return "🟡 中"
	default:
		return "🟢 低"
	}
}

// TruncateDoc keeps the first line of doc, cut to maxLen runes.
func TruncateDoc(doc string, maxLen int) string {
	doc = strings.TrimSpace(doc)
	if idx := strings.Index(doc, "\n"); idx >= 0 {
		doc = doc[:idx]
	}
	runes := []rune(doc)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return doc
}
