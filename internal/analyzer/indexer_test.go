package analyzer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zheng/codectx/internal/graph"
	"github.com/zheng/codectx/internal/parser"
	"github.com/zheng/codectx/internal/updater"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func project(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		".gitignore":          "generated/\n*.gen.py\n",
		"a.py":                "from b import bar\n\nclass Foo:\n    def run(self):\n        return bar()\n",
		"b.py":                "def bar():\n    return 1\n\ndef helper():\n    return Foo()\n",
		"x.gen.py":            "def gen():\n    pass\n",
		"generated/c.py":      "def c():\n    pass\n",
		"node_modules/lib.js": "function lib() {}\n",
		"notes.txt":           "not code\n",
		"bad.go":              "this is not go\n",
		"svc/store.go":        "package svc\n\ntype Store struct{}\n",
		"svc/save.go":         "package svc\n\nfunc (s *Store) Save() {\n\thelperFn()\n}\n\nfunc helperFn() {}\n",
	})
	return root
}

func relIDs(scopes []graph.ScopeData) map[string]bool {
	ids := make(map[string]bool)
	for _, sc := range scopes {
		for _, r := range sc.Relationships {
			ids[r.ID] = true
		}
	}
	return ids
}

func TestWalker_HonorsIgnoreRules(t *testing.T) {
	root := project(t)
	w, err := NewWalker(root, DefaultSkipDirs, 0, parser.NewRegistry().Supports)
	require.NoError(t, err)

	files, err := w.Files()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py", "b.py", "bad.go", "svc/save.go", "svc/store.go"}, files)

	assert.True(t, w.Ignored("generated/c.py", false))
	assert.True(t, w.Ignored("node_modules", true))
	assert.False(t, w.Accept("notes.txt"))

	rel, err := w.Rel(filepath.Join(root, "svc", "save.go"))
	require.NoError(t, err)
	assert.Equal(t, "svc/save.go", rel)
}

func TestIndexer_Index(t *testing.T) {
	root := project(t)
	ix, err := New(root, parser.NewRegistry(), Options{Workers: 2}, nil)
	require.NoError(t, err)

	res, err := ix.Index(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Files)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "bad.go", res.Skipped[0].Path)
	assert.ErrorIs(t, res.Skipped[0].Err, parser.ErrSyntax)
	require.Len(t, res.Scopes, 4)

	ids := relIDs(res.Scopes)
	assert.True(t, ids["a.py::Foo.run->calls->b.py::bar"])
	assert.True(t, ids["a.py::from b import bar->imports->b.py::bar"])
	assert.True(t, ids["b.py::helper->calls->a.py::Foo"])
	assert.True(t, ids["svc/save.go::Store.Save->references->svc/store.go::Store"])
	assert.True(t, ids["svc/save.go::Store.Save->calls->svc/save.go::helperFn"])
	assert.Positive(t, res.Links.Resolved)

	store := graph.NewStore()
	require.NoError(t, store.Load(res.Scopes), "linked scopes load without dangling references")
	assert.Equal(t, res.Entities(), store.Stats().Entities)
}

func TestIndexer_Cancelled(t *testing.T) {
	ix, err := New(project(t), parser.NewRegistry(), Options{}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ix.Index(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolver(t *testing.T) {
	fn := func(path, name string, kind graph.EntityKind) *graph.Entity {
		return &graph.Entity{ID: graph.NewEntityID(path, name), Kind: kind, Name: name, Path: path}
	}
	r := NewResolver([]*graph.Entity{
		fn("pkg/a/util.go", "Run", graph.KindFunction),
		fn("pkg/b/util.go", "Run", graph.KindFunction),
		fn("pkg/b/job.go", "Job.Run", graph.KindMethod),
		fn("pkg/b/job.go", "", graph.KindModule),
	})

	tests := []struct {
		name      string
		ref       parser.Reference
		from      string
		target    string
		weight    float64
		ambiguous bool
	}{
		{"same directory wins", parser.Reference{Name: "Run", Kind: graph.RelCalls}, "pkg/a/main.go", "pkg/a/util.go::Run", WeightSameDir, false},
		{"qualifier still ambiguous", parser.Reference{Name: "Run", Qualifier: "b", Kind: graph.RelCalls}, "main.go", "", 0, true},
		{"type qualifier", parser.Reference{Name: "Run", Qualifier: "Job", Kind: graph.RelCalls}, "main.go", "pkg/b/job.go::Job.Run", WeightQualified, false},
		{"unknown receiver", parser.Reference{Name: "Run", Qualifier: "j", Kind: graph.RelCalls}, "main.go", "pkg/b/job.go::Job.Run", WeightReceiver, false},
		{"module import", parser.Reference{Name: "job", Kind: graph.RelImports}, "main.py", "pkg/b/job.go", WeightQualified, false},
		{"modules are not called", parser.Reference{Name: "job", Kind: graph.RelCalls}, "main.py", "", 0, false},
		{"missing", parser.Reference{Name: "Missing", Kind: graph.RelCalls}, "main.go", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, weight, ok, ambiguous := r.Resolve(tt.ref, tt.from)
			assert.Equal(t, tt.target, target)
			assert.Equal(t, tt.target != "", ok)
			assert.Equal(t, tt.ambiguous, ambiguous)
			assert.InDelta(t, tt.weight, weight, 1e-9)
		})
	}
}

type storeApplier struct {
	store *graph.Store
	calls []string
}

func (a *storeApplier) ApplyChange(_ context.Context, path string, entities []graph.Entity, relationships []graph.Relationship) (*updater.ChangeSet, error) {
	a.calls = append(a.calls, path)
	if _, err := a.store.UpsertFile(path, entities, relationships); err != nil {
		return nil, err
	}
	return &updater.ChangeSet{}, nil
}

func TestApplyScopes_MutualReferences(t *testing.T) {
	reg := parser.NewRegistry()
	x, err := reg.Parse(context.Background(), "x.py", []byte("def xf():\n    return yf()\n"))
	require.NoError(t, err)
	y, err := reg.Parse(context.Background(), "y.py", []byte("def yf():\n    return xf()\n"))
	require.NoError(t, err)

	scopes, stats := Link([]*parser.FileResult{x, y}, nil)
	assert.Equal(t, 2, stats.Resolved)

	a := &storeApplier{store: graph.NewStore()}
	require.NoError(t, ApplyScopes(context.Background(), a, scopes))
	assert.Equal(t, []string{"x.py", "y.py", "x.py", "y.py"}, a.calls)

	snap := a.store.Snapshot()
	_, ok := snap.Relationship("x.py::xf->calls->y.py::yf")
	assert.True(t, ok)
	_, ok = snap.Relationship("y.py::yf->calls->x.py::xf")
	assert.True(t, ok)
}

func TestIndexer_Reindex(t *testing.T) {
	root := project(t)
	ix, err := New(root, parser.NewRegistry(), Options{}, nil)
	require.NoError(t, err)
	res, err := ix.Index(context.Background())
	require.NoError(t, err)
	store := graph.NewStore()
	require.NoError(t, store.Load(res.Scopes))

	writeFiles(t, root, map[string]string{"b.py": "def baz():\n    return Foo()\n"})
	require.NoError(t, os.Remove(filepath.Join(root, "svc", "store.go")))

	scopes, removed, skipped, err := ix.Reindex(context.Background(), store.Snapshot(), []string{"b.py", "svc/store.go"})
	require.NoError(t, err)
	assert.Empty(t, skipped)
	assert.Equal(t, []string{"svc/store.go"}, removed)
	require.Len(t, scopes, 1)
	assert.True(t, relIDs(scopes)["b.py::baz->calls->a.py::Foo"])

	a := &storeApplier{store: store}
	require.NoError(t, ApplyScopes(context.Background(), a, scopes))
	snap := store.Snapshot()
	assert.True(t, snap.Has("b.py::baz"))
	assert.False(t, snap.Has("b.py::bar"))
}
