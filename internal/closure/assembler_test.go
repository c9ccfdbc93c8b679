package closure

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zheng/codectx/internal/graph"
	"github.com/zheng/codectx/internal/retrieval"
)

func upsert(t *testing.T, s *graph.Store, scope string, entities []graph.Entity, rels []graph.Relationship) {
	t.Helper()
	_, err := s.UpsertFile(scope, entities, rels)
	require.NoError(t, err)
}

// scenario builds a.py (module + Foo), b.py (bar calls Foo) and c.py
// (module importing a.py).
func scenario(t *testing.T) *graph.Snapshot {
	s := graph.NewStore()
	upsert(t, s, "a.py", []graph.Entity{
		{ID: "a.py", Kind: graph.KindModule, Name: "a", Path: "a.py"},
		{ID: "a.py::Foo", Kind: graph.KindClass, Name: "Foo", Path: "a.py", Content: "class Foo: pass"},
	}, []graph.Relationship{{ID: "a1", Source: "a.py", Target: "a.py::Foo", Kind: graph.RelContains}})
	upsert(t, s, "b.py", []graph.Entity{
		{ID: "b.py::bar", Kind: graph.KindFunction, Name: "bar", Path: "b.py", Content: "def bar(): Foo()"},
	}, []graph.Relationship{{ID: "b1", Source: "b.py::bar", Target: "a.py::Foo", Kind: graph.RelCalls}})
	upsert(t, s, "c.py", []graph.Entity{
		{ID: "c.py", Kind: graph.KindModule, Name: "c", Path: "c.py"},
	}, []graph.Relationship{{ID: "c1", Source: "c.py", Target: "a.py", Kind: graph.RelImports}})
	return s.Snapshot()
}

func relIDs(res *Result) []string {
	ids := make([]string, len(res.Relationships))
	for i, r := range res.Relationships {
		ids[i] = r.ID
	}
	return ids
}

func TestAssemble_QueryFooReachesBarAndImport(t *testing.T) {
	snap := scenario(t)
	cands := []retrieval.Candidate{
		{ID: "a.py::Foo", Combined: 1},
		{ID: "a.py", Combined: 0.1},
		{ID: "b.py::bar", Combined: 0.1},
	}

	res, err := New(nil).Assemble(context.Background(), snap, cands, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, []string{"a.py::Foo", "a.py", "b.py::bar", "c.py"}, res.IDs())
	assert.Equal(t, []string{"a1", "b1", "c1"}, relIDs(res))
	assert.False(t, res.Truncated)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, []Phase{PhaseSeeding, PhaseExpanding, PhasePruning, PhaseFinalized}, res.Phases)
	assert.Equal(t, 4, res.Expanded)

	c := res.Entities[3]
	assert.Equal(t, 1, c.Depth)
	assert.InDelta(t, 0.05, c.Score, 1e-9)
	assert.Equal(t, "c1", c.Via.ID)
}

func TestAssemble_SingleSeedExpandsTwoHops(t *testing.T) {
	snap := scenario(t)
	res, err := New(nil).Assemble(context.Background(), snap, []retrieval.Candidate{{ID: "b.py::bar", Combined: 0.8}}, DefaultOptions())
	require.NoError(t, err)
	// bar -> Foo (1 hop) -> a.py (2 hops); c.py is 3 hops away.
	assert.ElementsMatch(t, []string{"b.py::bar", "a.py::Foo", "a.py"}, res.IDs())
	assert.Equal(t, []string{"a1", "b1"}, relIDs(res))

	opts := DefaultOptions()
	opts.Direction = graph.Incoming
	res, err = New(nil).Assemble(context.Background(), snap, []retrieval.Candidate{{ID: "b.py::bar", Combined: 0.8}}, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.py::bar"}, res.IDs())

	opts = DefaultOptions()
	opts.MaxDepth = -1
	res, err = New(nil).Assemble(context.Background(), snap, []retrieval.Candidate{{ID: "b.py::bar", Combined: 0.8}}, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.py::bar"}, res.IDs())
}

func TestAssemble_NoCandidates(t *testing.T) {
	snap := scenario(t)
	res, err := New(nil).Assemble(context.Background(), snap, nil, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, res.Entities)
	assert.Empty(t, res.Relationships)
	assert.Zero(t, res.Confidence)
	assert.False(t, res.Truncated)

	res, err = New(nil).Assemble(context.Background(), snap, []retrieval.Candidate{{ID: "ghost", Combined: 1}}, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, res.Entities)
}

func TestAssemble_BudgetTruncatesLowestFirst(t *testing.T) {
	// A budget below the total candidate size drops the weakest entities
	// and keeps the top seed intact.
	snap := scenario(t)
	cands := []retrieval.Candidate{
		{ID: "a.py::Foo", Combined: 0.9},
		{ID: "b.py::bar", Combined: 0.5},
		{ID: "c.py", Combined: 0.2},
	}
	foo, _ := snap.Get("a.py::Foo")
	bar, _ := snap.Get("b.py::bar")
	opts := DefaultOptions()
	opts.MaxDepth = -1
	opts.Budget.MaxChars = foo.Size() + bar.Size()

	res, err := New(nil).Assemble(context.Background(), snap, cands, opts)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.False(t, res.OversizedSeed)
	assert.Equal(t, []string{"a.py::Foo", "b.py::bar"}, res.IDs())
	assert.Equal(t, foo.Content, res.Entities[0].Entity.Content)
	assert.LessOrEqual(t, res.Size, opts.Budget.MaxChars)

	opts.Budget = Budget{MaxEntities: 1}
	res, err = New(nil).Assemble(context.Background(), snap, cands, opts)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, []string{"a.py::Foo"}, res.IDs())
}

func TestAssemble_OversizedSeed(t *testing.T) {
	snap := scenario(t)
	foo, _ := snap.Get("a.py::Foo")
	opts := DefaultOptions()
	opts.Budget.MaxChars = foo.Size() - 5

	res, err := New(nil).Assemble(context.Background(), snap, []retrieval.Candidate{
		{ID: "a.py::Foo", Combined: 2},
		{ID: "b.py::bar", Combined: 0.5},
	}, opts)
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	m := res.Entities[0]
	assert.True(t, res.OversizedSeed)
	assert.True(t, res.Truncated)
	assert.True(t, m.Clipped)
	assert.Equal(t, "a.py::Foo", m.Entity.ID)
	assert.Equal(t, opts.Budget.MaxChars, m.Entity.Size())
	assert.Equal(t, "class Foo:", m.Entity.Content)
	assert.Equal(t, 1.0, res.Confidence, "confidence is clamped")

	// The snapshot entity is untouched.
	assert.Equal(t, "class Foo: pass", foo.Content)
}

func TestAssemble_ProtectsSoleResolver(t *testing.T) {
	s := graph.NewStore()
	upsert(t, s, "m.go", []graph.Entity{
		{ID: "m.go::main", Kind: graph.KindFunction, Name: "main", Content: strings.Repeat("x", 10)},
		{ID: "m.go::helper", Kind: graph.KindFunction, Name: "helper", Content: strings.Repeat("x", 10)},
		{ID: "m.go::extra", Kind: graph.KindFunction, Name: "extra", Content: strings.Repeat("x", 10)},
	}, []graph.Relationship{
		{ID: "r1", Source: "m.go::main", Target: "m.go::helper", Kind: graph.RelCalls},
	})
	snap := s.Snapshot()

	opts := DefaultOptions()
	opts.MaxDepth = -1
	main, _ := snap.Get("m.go::main")
	helper, _ := snap.Get("m.go::helper")
	opts.Budget.MaxChars = main.Size() + helper.Size()

	// helper scores lowest but main depends on it, so extra goes instead.
	res, err := New(nil).Assemble(context.Background(), snap, []retrieval.Candidate{
		{ID: "m.go::main", Combined: 1},
		{ID: "m.go::extra", Combined: 0.5},
		{ID: "m.go::helper", Combined: 0.1},
	}, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"m.go::main", "m.go::helper"}, res.IDs())
	assert.True(t, res.Truncated)
	assert.False(t, res.CoherenceBroken)
	assert.Equal(t, []string{"r1"}, relIDs(res))

	// With room for one entity only, the protected helper has to go.
	opts.Budget = Budget{MaxEntities: 1}
	res, err = New(nil).Assemble(context.Background(), snap, []retrieval.Candidate{
		{ID: "m.go::main", Combined: 1},
		{ID: "m.go::helper", Combined: 0.1},
	}, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"m.go::main"}, res.IDs())
	assert.True(t, res.CoherenceBroken)
	assert.Empty(t, res.Relationships)
}

func TestAssemble_DuplicateResolversAreNotProtected(t *testing.T) {
	s := graph.NewStore()
	upsert(t, s, "x.py", []graph.Entity{
		{ID: "x.py::caller", Kind: graph.KindFunction, Name: "caller"},
		{ID: "x.py::A.run", Kind: graph.KindMethod, Name: "A.run"},
		{ID: "x.py::B.run", Kind: graph.KindMethod, Name: "B.run"},
	}, []graph.Relationship{
		{ID: "r1", Source: "x.py::caller", Target: "x.py::A.run", Kind: graph.RelCalls},
		{ID: "r2", Source: "x.py::caller", Target: "x.py::B.run", Kind: graph.RelCalls},
	})
	opts := DefaultOptions()
	opts.MaxDepth = -1
	opts.Budget = Budget{MaxEntities: 2}

	res, err := New(nil).Assemble(context.Background(), s.Snapshot(), []retrieval.Candidate{
		{ID: "x.py::caller", Combined: 1},
		{ID: "x.py::A.run", Combined: 0.5},
		{ID: "x.py::B.run", Combined: 0.4},
	}, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"x.py::caller", "x.py::A.run"}, res.IDs())
	assert.False(t, res.CoherenceBroken)
}

func ring(t *testing.T, n int) *graph.Snapshot {
	s := graph.NewStore()
	var entities []graph.Entity
	var rels []graph.Relationship
	for i := 0; i < n; i++ {
		entities = append(entities, graph.Entity{ID: fmt.Sprintf("r.go::f%03d", i), Kind: graph.KindFunction, Name: fmt.Sprintf("f%03d", i)})
	}
	for i := 0; i < n; i++ {
		rels = append(rels,
			graph.Relationship{Source: entities[i].ID, Target: entities[(i+1)%n].ID, Kind: graph.RelCalls},
			graph.Relationship{Source: entities[i].ID, Target: entities[(i+7)%n].ID, Kind: graph.RelCalls},
		)
	}
	upsert(t, s, "r.go", entities, rels)
	return s.Snapshot()
}

func TestAssemble_TerminatesOnCycles(t *testing.T) {
	snap := ring(t, 50)
	opts := DefaultOptions()
	opts.MaxDepth = 100

	res, err := New(nil).Assemble(context.Background(), snap, []retrieval.Candidate{{ID: "r.go::f000", Combined: 1}}, opts)
	require.NoError(t, err)
	assert.Len(t, res.Entities, 50)
	assert.Equal(t, 50, res.Expanded)
	// Every entity is expanded once and has four incident relationships.
	assert.LessOrEqual(t, res.Steps, 50*4)

	seen := make(map[string]bool)
	for _, m := range res.Entities {
		assert.False(t, seen[m.Entity.ID])
		seen[m.Entity.ID] = true
	}
	assert.Len(t, res.Relationships, 100)
}

func TestAssemble_ShallowerPathReExpands(t *testing.T) {
	// A -> M -> X and B -> X -> Z. The strong seed A reaches X at depth 2,
	// the weak seed B reaches it at depth 1, so Z is still within reach.
	s := graph.NewStore()
	fn := func(name string) graph.Entity {
		return graph.Entity{ID: "g.go::" + name, Kind: graph.KindFunction, Name: name, Path: "g.go"}
	}
	call := func(from, to string) graph.Relationship {
		return graph.Relationship{Source: "g.go::" + from, Target: "g.go::" + to, Kind: graph.RelCalls}
	}
	upsert(t, s, "g.go",
		[]graph.Entity{fn("A"), fn("M"), fn("X"), fn("B"), fn("Z")},
		[]graph.Relationship{call("A", "M"), call("M", "X"), call("B", "X"), call("X", "Z")})

	opts := DefaultOptions()
	opts.Direction = graph.Outgoing
	cands := []retrieval.Candidate{{ID: "g.go::A", Combined: 1}, {ID: "g.go::B", Combined: 0.1}}
	res, err := New(nil).Assemble(context.Background(), s.Snapshot(), cands, opts)
	require.NoError(t, err)

	assert.Equal(t, []string{"g.go::A", "g.go::M", "g.go::X", "g.go::B", "g.go::Z"}, res.IDs())
	assert.False(t, res.Truncated)
	for _, m := range res.Entities {
		if m.Entity.ID == "g.go::X" {
			assert.Equal(t, 1, m.Depth)
			assert.InDelta(t, 0.25, m.Score, 1e-9)
		}
		if m.Entity.ID == "g.go::Z" {
			assert.Equal(t, 2, m.Depth)
		}
	}
}

func TestAssemble_BudgetStopsExpansion(t *testing.T) {
	snap := ring(t, 50)
	opts := DefaultOptions()
	opts.MaxDepth = 100
	opts.Budget.MaxEntities = 5

	res, err := New(nil).Assemble(context.Background(), snap, []retrieval.Candidate{{ID: "r.go::f000", Combined: 1}}, opts)
	require.NoError(t, err)
	assert.Len(t, res.Entities, 5)
	assert.True(t, res.Truncated)
	assert.Equal(t, "r.go::f000", res.Entities[0].Entity.ID)
	assert.Less(t, res.Expanded, 50)
}

func TestAssemble_DeadlineReturnsPartialResult(t *testing.T) {
	snap := ring(t, 50)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	res, err := New(nil).Assemble(ctx, snap, []retrieval.Candidate{{ID: "r.go::f000", Combined: 1}}, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.True(t, res.TimedOut)
	assert.Equal(t, []string{"r.go::f000"}, res.IDs())
	assert.Equal(t, PhaseFinalized, res.Phases[len(res.Phases)-1])
}

func TestClip(t *testing.T) {
	e := &graph.Entity{Name: "n", Signature: "sig", Description: "desc", Content: "body"}
	c := clip(e, 6)
	assert.Equal(t, 6, c.Size())
	assert.Empty(t, c.Content)
	assert.Equal(t, "de", c.Description)
	assert.Equal(t, "sig", c.Signature)
	assert.Equal(t, "body", e.Content)
}
