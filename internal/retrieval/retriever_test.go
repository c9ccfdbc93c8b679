package retrieval

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zheng/codectx/internal/graph"
	"github.com/zheng/codectx/internal/lexical"
	"github.com/zheng/codectx/internal/semantic"
)

type fixture struct {
	store *graph.Store
	lex   *lexical.Index
	sem   *semantic.Index
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: graph.NewStore(), lex: lexical.New(lexical.DefaultConfig()), sem: semantic.New(0)}

	upsert := func(scope string, entities []graph.Entity, rels []graph.Relationship) {
		_, err := f.store.UpsertFile(scope, entities, rels)
		require.NoError(t, err)
		for i := range entities {
			f.lex.Put(&entities[i])
		}
	}
	upsert("a.py", []graph.Entity{
		{ID: "a.py", Kind: graph.KindModule, Name: "a", Path: "a.py"},
		{ID: "a.py::Foo", Kind: graph.KindClass, Name: "Foo", Path: "a.py", Description: "stores widgets"},
	}, []graph.Relationship{{ID: "a1", Source: "a.py", Target: "a.py::Foo", Kind: graph.RelContains}})
	upsert("b.py", []graph.Entity{
		{ID: "b.py::bar", Kind: graph.KindFunction, Name: "bar", Path: "b.py", Description: "renders a page"},
	}, []graph.Relationship{{ID: "b1", Source: "b.py::bar", Target: "a.py::Foo", Kind: graph.RelCalls}})
	upsert("c.py", []graph.Entity{
		{ID: "c.py::qux", Kind: graph.KindFunction, Name: "qux", Path: "c.py", Description: "widgets and more widgets"},
	}, nil)
	return f
}

func ids(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.ID
	}
	return out
}

func TestRank_LexicalOnlyWithNearMisses(t *testing.T) {
	f := newFixture(t)
	r := New(f.lex, f.sem, nil)

	cands, err := r.Rank(context.Background(), f.store.Snapshot(), Query{Text: "Foo"}, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, cands, 3)
	assert.Equal(t, "a.py::Foo", cands[0].ID)
	assert.InDelta(t, 1.0, cands[0].Combined, 1e-9, "lexical carries both weights without a vector")
	assert.Equal(t, []string{"a.py", "b.py::bar"}, ids(cands[1:]))
	for _, c := range cands[1:] {
		assert.Zero(t, c.Lexical)
		assert.Zero(t, c.Semantic)
		assert.Equal(t, 1.0, c.Structural)
		assert.InDelta(t, 0.1, c.Combined, 1e-9)
	}
}

func TestRank_StructuralDisabled(t *testing.T) {
	f := newFixture(t)
	r := New(f.lex, f.sem, nil)
	opts := DefaultOptions()
	opts.StructuralWeight = 0

	cands, err := r.Rank(context.Background(), f.store.Snapshot(), Query{Text: "Foo"}, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py::Foo"}, ids(cands))
}

func TestRank_FusesSemanticSignal(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sem.Put("b.py::bar", []float32{1, 0}))
	require.NoError(t, f.sem.Put("c.py::qux", []float32{0, 1}))
	r := New(f.lex, f.sem, nil)

	cands, err := r.Rank(context.Background(), f.store.Snapshot(), Query{Text: "widgets", Vector: []float32{1, 0}}, DefaultOptions())
	require.NoError(t, err)

	byID := make(map[string]Candidate)
	for _, c := range cands {
		byID[c.ID] = c
	}
	require.Contains(t, byID, "b.py::bar")
	require.Contains(t, byID, "c.py::qux")
	require.Contains(t, byID, "a.py::Foo")

	// bar: semantic only, adjacent to the lexical match Foo.
	assert.InDelta(t, 1.0, byID["b.py::bar"].Semantic, 1e-9)
	assert.Equal(t, 1.0, byID["b.py::bar"].Structural)
	assert.InDelta(t, 0.6, byID["b.py::bar"].Combined, 1e-9)

	// qux matched the most widgets but nothing around it.
	assert.InDelta(t, 1.0, byID["c.py::qux"].Lexical, 1e-9)
	assert.Zero(t, byID["c.py::qux"].Structural)
	assert.Equal(t, []string{"b.py::bar", "a.py::Foo", "c.py::qux", "a.py"}, ids(cands))

	for i := 1; i < len(cands); i++ {
		assert.GreaterOrEqual(t, cands[i-1].Combined, cands[i].Combined)
	}
}

func TestRank_DimensionMismatchDegrades(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sem.Put("b.py::bar", []float32{1, 0}))
	r := New(f.lex, f.sem, nil)

	cands, err := r.Rank(context.Background(), f.store.Snapshot(), Query{Text: "Foo", Vector: []float32{1, 0, 0}}, DefaultOptions())
	require.NoError(t, err)
	require.NotEmpty(t, cands)
	assert.Equal(t, "a.py::Foo", cands[0].ID)
}

func TestRank_SkipsEntitiesMissingFromSnapshot(t *testing.T) {
	f := newFixture(t)
	f.lex.Put(&graph.Entity{ID: "gone.py::Foo", Kind: graph.KindClass, Name: "Foo"})
	r := New(f.lex, f.sem, nil)

	cands, err := r.Rank(context.Background(), f.store.Snapshot(), Query{Text: "Foo"}, DefaultOptions())
	require.NoError(t, err)
	assert.NotContains(t, ids(cands), "gone.py::Foo")
}

func TestRank_CancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(f.lex, f.sem, nil).Rank(ctx, f.store.Snapshot(), Query{Text: "Foo"}, DefaultOptions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRank_FusionIsMonotonic(t *testing.T) {
	// Raising one entity's semantic similarity, with lexical scores fixed,
	// never moves it down the ranking.
	f := newFixture(t)
	require.NoError(t, f.sem.Put("a.py::Foo", []float32{1, 0}))
	require.NoError(t, f.sem.Put("b.py::bar", []float32{0.8, 0.6}))
	r := New(f.lex, f.sem, nil)

	position := func(id string, angle float64) int {
		require.NoError(t, f.sem.Put("c.py::qux", []float32{float32(math.Cos(angle)), float32(math.Sin(angle))}))
		cands, err := r.Rank(context.Background(), f.store.Snapshot(), Query{Text: "widgets Foo", Vector: []float32{1, 0}}, DefaultOptions())
		require.NoError(t, err)
		for i, c := range cands {
			if c.ID == id {
				return i
			}
		}
		return len(cands)
	}

	prev := position("c.py::qux", 1.5)
	for _, angle := range []float64{1.2, 0.9, 0.6, 0.3, 0} {
		cur := position("c.py::qux", angle)
		assert.LessOrEqual(t, cur, prev, "angle %v", angle)
		prev = cur
	}
}

func TestNormalize(t *testing.T) {
	scores := map[string]float64{"a": 4, "b": 2, "c": -1}
	normalize(scores)
	assert.Equal(t, map[string]float64{"a": 1, "b": 0.5, "c": 0}, scores)

	zero := map[string]float64{"a": 0}
	normalize(zero)
	assert.Equal(t, 0.0, zero["a"])
}
