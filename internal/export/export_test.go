package export

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zheng/codectx/internal/graph"
	"github.com/zheng/codectx/internal/semantic"
)

func fixture(t *testing.T) (*graph.Store, *semantic.Index) {
	t.Helper()
	s := graph.NewStore()
	_, err := s.UpsertFile("pkg/a.go", []graph.Entity{
		{ID: "pkg/a.go", Kind: graph.KindModule, Name: "a", Path: "pkg/a.go"},
		{ID: "pkg/a.go::Store", Kind: graph.KindStruct, Name: "Store", Path: "pkg/a.go",
			Span: graph.Span{Start: graph.Position{Line: 3, Column: 1}, End: graph.Position{Line: 9, Column: 2}},
			Description: "Store keeps widgets.\nSecond line.", Metadata: map[string]string{"lang": "go"}},
	}, []graph.Relationship{
		{ID: "a1", Source: "pkg/a.go", Target: "pkg/a.go::Store", Kind: graph.RelContains},
	})
	require.NoError(t, err)
	_, err = s.UpsertFile("cmd/main.go", []graph.Entity{
		{ID: "cmd/main.go::main", Kind: graph.KindFunction, Name: "main", Path: "cmd/main.go", Signature: "func main()"},
	}, []graph.Relationship{
		{ID: "m1", Source: "cmd/main.go::main", Target: "pkg/a.go::Store", Kind: graph.RelUses, Weight: 0.5},
	})
	require.NoError(t, err)

	sem := semantic.New(0)
	require.NoError(t, sem.Put("pkg/a.go::Store", []float32{1, 0, 0}))
	return s, sem
}

func TestDocumentRoundTrip(t *testing.T) {
	s, sem := fixture(t)
	doc := Build(s.Snapshot(), sem, 3)
	assert.Equal(t, SchemaVersion, doc.SchemaVersion)
	assert.Len(t, doc.Nodes, 3)
	assert.Len(t, doc.Edges, 2)
	assert.Equal(t, IndexInfo{EmbeddingDimensions: 3, LexicalDocuments: 3, SemanticVectors: 1}, doc.Index)

	var buf bytes.Buffer
	require.NoError(t, doc.Write(&buf))
	read, err := Read(&buf)
	require.NoError(t, err)

	scopes, vectors, err := read.Scopes()
	require.NoError(t, err)
	assert.Equal(t, map[string][]float32{"pkg/a.go::Store": {1, 0, 0}}, vectors)

	restored := graph.NewStore()
	require.NoError(t, restored.Load(scopes))
	sem2 := semantic.New(0)
	for id, vec := range vectors {
		require.NoError(t, sem2.Put(id, vec))
	}
	again := Build(restored.Snapshot(), sem2, 3)
	assert.Equal(t, doc, again)

	e, err := restored.Get("pkg/a.go::Store")
	require.NoError(t, err)
	assert.Equal(t, 3, e.Span.Start.Line)
	assert.Equal(t, "go", e.Metadata["lang"])
}

func TestRead_RejectsUnknownSchema(t *testing.T) {
	_, err := Read(strings.NewReader(`{"schema_version": 99, "nodes": [], "edges": []}`))
	assert.ErrorIs(t, err, ErrUnsupportedSchema)

	doc := &Document{SchemaVersion: 0}
	_, _, err = doc.Scopes()
	assert.ErrorIs(t, err, ErrUnsupportedSchema)

	_, err = Read(strings.NewReader(`not json`))
	assert.Error(t, err)
}

func TestScopes_RejectsMixedDimensions(t *testing.T) {
	s, sem := fixture(t)
	doc := Build(s.Snapshot(), sem, 3)
	doc.Nodes[0].Embedding = []float32{1, 2}

	_, _, err := doc.Scopes()
	assert.ErrorIs(t, err, semantic.ErrDimensionMismatch)

	doc = Build(s.Snapshot(), sem, 3)
	doc.Index.EmbeddingDimensions = 4
	_, _, err = doc.Scopes()
	assert.ErrorIs(t, err, semantic.ErrDimensionMismatch, "vectors must match the recorded dimension")
}

func TestWriteMarkdown(t *testing.T) {
	s, _ := fixture(t)
	opts := DefaultMarkdownOptions()
	opts.Generated = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	var buf bytes.Buffer
	require.NoError(t, NewExporter(s.Snapshot()).WriteMarkdown(&buf, opts))
	out := buf.String()

	assert.Contains(t, out, "> 生成时间: 2024-01-02 03:04:05")
	assert.Contains(t, out, "> 实体: 3 | 关系: 2 | 文件: 2")
	assert.Contains(t, out, "├── pkg/")
	assert.Contains(t, out, "```mermaid")
	assert.Contains(t, out, "pkg_a_go__Store[Store]")
	assert.Contains(t, out, "| `Store` | struct | Store keeps widgets. | 1 | 0 |")
	assert.Contains(t, out, "- **被依赖**: `main`")
	assert.Contains(t, out, "| `Store` | pkg/a.go:3 | 1 | 0 | 🟢 低 |")
}

func TestWriteIncremental(t *testing.T) {
	s, _ := fixture(t)
	var buf bytes.Buffer
	exp := NewExporter(s.Snapshot())

	require.NoError(t, exp.WriteIncremental(&buf, nil, DefaultMarkdownOptions()))
	assert.Contains(t, buf.String(), "没有检测到变更")

	buf.Reset()
	require.NoError(t, exp.WriteIncremental(&buf, []string{"pkg/a.go"}, DefaultMarkdownOptions()))
	out := buf.String()
	assert.Contains(t, out, "> 变更文件: 1 | 变更实体: 2")
	assert.Contains(t, out, "### ⚠️ `Store`")
	assert.Contains(t, out, "| `main` | cmd/main.go | 0 |")
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "a_b_c", MermaidID("a.b/c"))
	assert.Equal(t, "first", TruncateDoc("  first\nsecond", 30))
	assert.Equal(t, "abcdefg...", TruncateDoc("abcdefghijklmnop", 10))
	assert.Equal(t, "🔴 严重", RiskBadge(graph.RiskCritical))
}
