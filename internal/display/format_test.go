package display

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zheng/codectx/internal/closure"
	"github.com/zheng/codectx/internal/graph"
	"github.com/zheng/codectx/internal/impact"
)

func entity(path, name string, line int) *graph.Entity {
	return &graph.Entity{ID: graph.NewEntityID(path, name), Kind: graph.KindFunction, Name: name, Path: path,
		Span: graph.Span{Start: graph.Position{Line: line}}}
}

func TestBuildTreeAndFormat(t *testing.T) {
	target := entity("a.go", "Save", 1)
	batch := entity("b.go", "Batch", 2)
	all := entity("c.go", "SaveAll", 3)
	r := &impact.Report{
		Target: target,
		Dependents: []impact.Item{
			{Entity: batch, Depth: 1, Via: &graph.Relationship{Source: batch.ID, Target: target.ID, Kind: graph.RelCalls}},
			{Entity: all, Depth: 2, Via: &graph.Relationship{Source: all.ID, Target: batch.ID, Kind: graph.RelCalls}},
		},
	}

	tree := BuildTree(r, true)
	require.Len(t, tree, 1)
	assert.Equal(t, batch.ID, tree[0].Entity.ID)
	require.Len(t, tree[0].Children, 1)
	assert.Equal(t, all.ID, tree[0].Children[0].Entity.ID)
	assert.Empty(t, BuildTree(r, false))

	maxWidth, maxDepth := 0, 0
	CalcTreeMaxWidth(tree, &maxWidth, 0, &maxDepth)
	assert.Equal(t, len("SaveAll"), maxWidth)
	assert.Equal(t, 1, maxDepth)

	out := FormatTree(tree, "", maxWidth, maxDepth, 0)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "└── Batch"))
	assert.True(t, strings.HasSuffix(lines[0], "b.go:2"))
	assert.True(t, strings.HasPrefix(lines[1], "    └── SaveAll"))
}

func sampleClosure() *closure.Result {
	foo := entity("a.py", "Foo", 1)
	foo.Kind = graph.KindClass
	foo.Content = "class Foo:\n    pass\n"
	bar := entity("b.py", "bar", 5)
	return &closure.Result{
		Entities: []closure.Member{
			{Entity: foo, Score: 1, Seed: true},
			{Entity: bar, Score: 0.5, Depth: 1},
		},
		Relationships: []*graph.Relationship{{ID: "b1", Source: bar.ID, Target: foo.ID, Kind: graph.RelCalls}},
		Truncated:     true,
		Size:          42,
		Confidence:    0.8,
	}
}

func TestFormatClosure(t *testing.T) {
	out := FormatClosure(sampleClosure())
	assert.Contains(t, out, "🧩 上下文闭包: 2 个实体, 1 条关系, 大小 42, 置信度 0.80")
	assert.Contains(t, out, "⚠️ 已截断")
	assert.Contains(t, out, "★ Foo")
	assert.Contains(t, out, "└── b.py::bar --calls--> a.py::Foo")

	empty := FormatClosure(&closure.Result{})
	assert.Contains(t, empty, "└── (无)")
}

func TestClosureMarkdown(t *testing.T) {
	md := ClosureMarkdown(sampleClosure(), true)
	assert.Contains(t, md, "| **Foo** | class | a.py:1 | 1.000 | 0 |")
	assert.Contains(t, md, "```python\nclass Foo:\n    pass\n```")
	assert.Contains(t, md, "- `b.py::bar` calls `a.py::Foo`")

	md = ClosureMarkdown(sampleClosure(), false)
	assert.NotContains(t, md, "```python")
}

func TestClosureMermaid(t *testing.T) {
	out := ClosureMermaid(sampleClosure())
	assert.True(t, strings.HasPrefix(out, "flowchart LR\n"))
	assert.Contains(t, out, `n_a_py__Foo["Foo"]`)
	assert.Contains(t, out, "n_b_py__bar -->|calls| n_a_py__Foo")
	assert.Contains(t, out, "class n_a_py__Foo seed")
}
