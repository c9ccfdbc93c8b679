package display

import (
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/zheng/codectx/internal/closure"
	"github.com/zheng/codectx/internal/graph"
	"github.com/zheng/codectx/internal/impact"
)

// TreeNode is one entity in a dependency tree.
type TreeNode struct {
	Entity   *graph.Entity
	Via      *graph.Relationship
	Children []*TreeNode
}

// BuildTree arranges trace items under the entity that reached them.
// upstream selects the dependents of the report, otherwise its dependencies.
func BuildTree(r *impact.Report, upstream bool) []*TreeNode {
	items := r.Dependencies
	if upstream {
		items = r.Dependents
	}

	nodes := map[string]*TreeNode{r.Target.ID: {Entity: r.Target}}
	for _, it := range items {
		n := &TreeNode{Entity: it.Entity, Via: it.Via}
		nodes[it.Entity.ID] = n
		if it.Via == nil {
			continue
		}
		parent := it.Via.Source
		if upstream {
			parent = it.Via.Target
		}
		if p, ok := nodes[parent]; ok {
			p.Children = append(p.Children, n)
		}
	}
	return nodes[r.Target.ID].Children
}

// CalcTreeMaxWidth calculates the maximum name width and depth for alignment in the tree.
func CalcTreeMaxWidth(tree []*TreeNode, maxWidth *int, currentDepth int, maxDepth *int) {
	if currentDepth > *maxDepth {
		*maxDepth = currentDepth
	}
	for _, node := range tree {
		if w := len(node.Entity.Name); w > *maxWidth {
			*maxWidth = w
		}
		if len(node.Children) > 0 {
			CalcTreeMaxWidth(node.Children, maxWidth, currentDepth+1, maxDepth)
		}
	}
}

// FormatTree renders a dependency tree with box-drawing characters.
func FormatTree(tree []*TreeNode, indent string, maxWidth int, maxDepth int, currentDepth int) string {
	var sb strings.Builder
	for i, node := range tree {
		isLast := i == len(tree)-1
		prefix := "├──"
		if isLast {
			prefix = "└──"
		}

		loc := fmt.Sprintf("%s:%d", node.Entity.Path, node.Entity.Span.Start.Line)
		padding := maxWidth + (maxDepth-currentDepth)*4
		sb.WriteString(fmt.Sprintf("%s%s %-*s  %s\n", indent, prefix, padding, node.Entity.Name, loc))

		if len(node.Children) > 0 {
			childIndent := indent + "│   "
			if isLast {
				childIndent = indent + "    "
			}
			sb.WriteString(FormatTree(node.Children, childIndent, maxWidth, maxDepth, currentDepth+1))
		}
	}
	return sb.String()
}

// FormatClosure renders a closure as plain text.
func FormatClosure(res *closure.Result) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("🧩 上下文闭包: %d 个实体, %d 条关系, 大小 %d, 置信度 %.2f\n",
		len(res.Entities), len(res.Relationships), res.Size, res.Confidence))
	if flags := Flags(res); flags != "" {
		sb.WriteString("   " + flags + "\n")
	}
	sb.WriteString("\n")

	if len(res.Entities) == 0 {
		sb.WriteString("└── (无)\n")
		return sb.String()
	}

	width := 0
	for _, m := range res.Entities {
		if len(m.Entity.Name) > width {
			width = len(m.Entity.Name)
		}
	}
	for i, m := range res.Entities {
		prefix := "├──"
		if i == len(res.Entities)-1 && len(res.Relationships) == 0 {
			prefix = "└──"
		}
		mark := "  "
		if m.Seed {
			mark = "★ "
		}
		sb.WriteString(fmt.Sprintf("%s %s%-*s  %.3f  d%d  %s:%d\n",
			prefix, mark, width, m.Entity.Name, m.Score, m.Depth, m.Entity.Path, m.Entity.Span.Start.Line))
	}

	if len(res.Relationships) > 0 {
		sb.WriteString("\n🔗 关系\n")
		for i, r := range res.Relationships {
			prefix := "├──"
			if i == len(res.Relationships)-1 {
				prefix = "└──"
			}
			sb.WriteString(fmt.Sprintf("%s %s --%s--> %s\n", prefix, r.Source, r.Kind, r.Target))
		}
	}
	return sb.String()
}

// Flags lists the result flags that are set, in Chinese.
func Flags(res *closure.Result) string {
	var flags []string
	if res.Truncated {
		flags = append(flags, "⚠️ 已截断")
	}
	if res.OversizedSeed {
		flags = append(flags, "超大种子")
	}
	if res.TimedOut {
		flags = append(flags, "超时")
	}
	if res.CoherenceBroken {
		flags = append(flags, "依赖不完整")
	}
	return strings.Join(flags, " | ")
}

// ClosureMarkdown renders a closure as markdown. With content the code
// excerpt of every entity is included.
func ClosureMarkdown(res *closure.Result, content bool) string {
	var sb strings.Builder

	sb.WriteString("## 上下文闭包\n\n")
	sb.WriteString(fmt.Sprintf("> 实体: %d | 关系: %d | 大小: %d | 置信度: %.2f\n", len(res.Entities), len(res.Relationships), res.Size, res.Confidence))
	if flags := Flags(res); flags != "" {
		sb.WriteString("> " + flags + "\n")
	}
	sb.WriteString("\n")

	if len(res.Entities) == 0 {
		sb.WriteString("_没有匹配的实体_\n")
		return sb.String()
	}

	sb.WriteString("| 实体 | 类型 | 位置 | 得分 | 深度 |\n")
	sb.WriteString("|------|------|------|------|------|\n")
	for _, m := range res.Entities {
		name := m.Entity.Name
		if m.Seed {
			name = "**" + name + "**"
		}
		sb.WriteString(fmt.Sprintf("| %s | %s | %s:%d | %.3f | %d |\n",
			name, m.Entity.Kind, m.Entity.Path, m.Entity.Span.Start.Line, m.Score, m.Depth))
	}
	sb.WriteString("\n")

	for _, m := range res.Entities {
		e := m.Entity
		sb.WriteString(fmt.Sprintf("### `%s`\n\n", e.Name))
		if e.Signature != "" {
			sb.WriteString(fmt.Sprintf("**签名:** `%s`\n\n", e.Signature))
		}
		if e.Description != "" {
			sb.WriteString(e.Description + "\n\n")
		}
		if content && e.Content != "" {
			sb.WriteString("```" + language(e.Path) + "\n")
			sb.WriteString(strings.TrimRight(e.Content, "\n") + "\n")
			sb.WriteString("```\n\n")
		}
	}

	if len(res.Relationships) > 0 {
		sb.WriteString("### 关系\n\n")
		for _, r := range res.Relationships {
			sb.WriteString(fmt.Sprintf("- `%s` %s `%s`\n", r.Source, r.Kind, r.Target))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// ClosureMermaid renders a closure as a Mermaid flowchart. Seeds are highlighted.
func ClosureMermaid(res *closure.Result) string {
	var sb strings.Builder
	sb.WriteString("flowchart LR\n")
	var seeds []string
	for _, m := range res.Entities {
		id := nodeID(m.Entity.ID)
		sb.WriteString(fmt.Sprintf("    %s[\"%s\"]\n", id, strings.ReplaceAll(m.Entity.Name, `"`, "'")))
		if m.Seed {
			seeds = append(seeds, id)
		}
	}
	for _, r := range res.Relationships {
		sb.WriteString(fmt.Sprintf("    %s -->|%s| %s\n", nodeID(r.Source), r.Kind, nodeID(r.Target)))
	}
	if len(seeds) > 0 {
		sb.WriteString("    classDef seed fill:#ffe08a,stroke:#b58900\n")
		sb.WriteString(fmt.Sprintf("    class %s seed\n", strings.Join(seeds, ",")))
	}
	return sb.String()
}

func nodeID(id string) string {
	var b strings.Builder
	b.WriteString("n_")
	for _, r := range id {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func language(p string) string {
	switch path.Ext(p) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".mjs", ".jsx":
		return "javascript"
	}
	return ""
}
