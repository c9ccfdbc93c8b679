package graph

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ent(path, name string, kind EntityKind) Entity {
	return Entity{ID: NewEntityID(path, name), Kind: kind, Name: name, Path: path}
}

func rel(id, src, dst string, kind RelationKind) Relationship {
	return Relationship{ID: id, Source: src, Target: dst, Kind: kind}
}

// assertNoDangling checks that every attached relationship references live
// entities and that adjacency lists agree with the relationship table.
func assertNoDangling(t *testing.T, s *Store) {
	t.Helper()
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, e := range s.d.edges {
		assert.Contains(t, s.d.entities, e.rel.Source, "relationship %s source", id)
		assert.Contains(t, s.d.entities, e.rel.Target, "relationship %s target", id)
		assert.Contains(t, s.d.scopes, e.scope, "relationship %s scope", id)
	}
	for id, list := range s.d.out {
		for _, rid := range list {
			require.Contains(t, s.d.edges, rid, "out list of %s", id)
			assert.Equal(t, id, s.d.edges[rid].rel.Source)
		}
	}
	for id, list := range s.d.in {
		for _, rid := range list {
			require.Contains(t, s.d.edges, rid, "in list of %s", id)
			assert.Equal(t, id, s.d.edges[rid].rel.Target)
		}
	}
	for id, owner := range s.d.owner {
		assert.Contains(t, s.d.scopes[owner].entities, id)
	}
}

// scenarioStore builds the three-file graph used across tests:
// a.py defines Foo, b.py defines bar which calls Foo, c.py imports a.py.
func scenarioStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore()

	modA := ent("a.py", "", KindModule)
	foo := ent("a.py", "Foo", KindClass)
	_, err := s.UpsertFile("a.py", []Entity{modA, foo}, []Relationship{
		rel("a.py#contains-Foo", modA.ID, foo.ID, RelContains),
	})
	require.NoError(t, err)
	assertNoDangling(t, s)

	bar := ent("b.py", "bar", KindFunction)
	_, err = s.UpsertFile("b.py", []Entity{bar}, []Relationship{
		rel("b.py#calls-Foo", bar.ID, foo.ID, RelCalls),
	})
	require.NoError(t, err)
	assertNoDangling(t, s)

	modC := ent("c.py", "", KindModule)
	_, err = s.UpsertFile("c.py", []Entity{modC}, []Relationship{
		rel("c.py#imports-a", modC.ID, modA.ID, RelImports),
	})
	require.NoError(t, err)
	assertNoDangling(t, s)
	return s
}

func TestStore_UpsertAndGet(t *testing.T) {
	s := NewStore()
	e := ent("x.go", "Run", KindFunction)
	e.Signature = "func Run() error"
	e.Metadata = map[string]string{"exported": "true"}

	stats, err := s.UpsertFile("x.go", []Entity{e}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EntitiesAdded)
	assert.Equal(t, []string{e.ID}, stats.AddedIDs)

	got, err := s.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, e, *got)

	// The store keeps its own copy.
	e.Metadata["exported"] = "false"
	got, err = s.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, "true", got.Metadata["exported"])

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpsertRejectsDanglingReference(t *testing.T) {
	s := scenarioStore(t)
	before := s.Stats()

	bar := ent("b.py", "bar", KindFunction)
	_, err := s.UpsertFile("b.py", []Entity{bar}, []Relationship{
		rel("b.py#calls-ghost", bar.ID, "nowhere.py::Ghost", RelCalls),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDanglingReference))

	var de *DanglingReferenceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "nowhere.py::Ghost", de.Missing)
	assert.Equal(t, "b.py#calls-ghost", de.RelationshipID)

	// The store is untouched.
	assert.Equal(t, before, s.Stats())
	_, err = s.Get(bar.ID)
	assert.NoError(t, err)
	assertNoDangling(t, s)
}

func TestStore_UpsertCannotReferenceItsOwnReplacedEntities(t *testing.T) {
	s := NewStore()
	old := ent("a.go", "Old", KindFunction)
	_, err := s.UpsertFile("a.go", []Entity{old}, nil)
	require.NoError(t, err)

	fresh := ent("a.go", "New", KindFunction)
	_, err = s.UpsertFile("a.go", []Entity{fresh}, []Relationship{
		rel("", fresh.ID, old.ID, RelCalls),
	})
	assert.ErrorIs(t, err, ErrDanglingReference)
}

func TestStore_UpsertValidation(t *testing.T) {
	s := scenarioStore(t)
	foo := ent("a.py", "Foo", KindClass)

	tests := []struct {
		name     string
		scope    string
		entities []Entity
		rels     []Relationship
		want     error
	}{
		{
			name:     "empty id",
			scope:    "d.py",
			entities: []Entity{{Kind: KindFunction}},
			want:     ErrInvalidEntity,
		},
		{
			name:     "missing kind",
			scope:    "d.py",
			entities: []Entity{{ID: "d.py::x"}},
			want:     ErrInvalidEntity,
		},
		{
			name:     "duplicate in call",
			scope:    "d.py",
			entities: []Entity{ent("d.py", "x", KindFunction), ent("d.py", "x", KindFunction)},
			want:     ErrDuplicateEntity,
		},
		{
			name:     "owned by another scope",
			scope:    "d.py",
			entities: []Entity{foo},
			want:     ErrDuplicateEntity,
		},
		{
			name:     "relationship owned by another scope",
			scope:    "d.py",
			entities: []Entity{ent("d.py", "x", KindFunction)},
			rels:     []Relationship{rel("b.py#calls-Foo", "d.py::x", foo.ID, RelCalls)},
			want:     ErrDuplicateRelationship,
		},
		{
			name:     "weight out of range",
			scope:    "d.py",
			entities: []Entity{ent("d.py", "x", KindFunction)},
			rels:     []Relationship{{Source: "d.py::x", Target: foo.ID, Kind: RelCalls, Weight: 2}},
			want:     ErrInvalidRelationship,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := s.Version()
			_, err := s.UpsertFile(tt.scope, tt.entities, tt.rels)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, s.Version())
			assertNoDangling(t, s)
		})
	}
}

func TestStore_AssignsRelationshipIDs(t *testing.T) {
	s := NewStore()
	a := ent("a.go", "A", KindFunction)
	b := ent("a.go", "B", KindFunction)
	_, err := s.UpsertFile("a.go", []Entity{a, b}, []Relationship{
		{Source: a.ID, Target: b.ID, Kind: RelCalls},
		{Source: b.ID, Target: a.ID, Kind: RelCalls},
	})
	require.NoError(t, err)

	rels, err := s.Relationships(a.ID, Both)
	require.NoError(t, err)
	require.Len(t, rels, 2)
	assert.Equal(t, "a.go#0", rels[0].ID)
	assert.Equal(t, "a.go#1", rels[1].ID)
}

func TestStore_RemoveFile(t *testing.T) {
	// Removing b.py deletes bar and its calls edge.
	s := scenarioStore(t)

	stats, err := s.RemoveFile("b.py")
	require.NoError(t, err)
	assertNoDangling(t, s)
	assert.Equal(t, 1, stats.EntitiesRemoved)
	assert.Equal(t, 1, stats.RelationshipsRemoved)
	assert.Equal(t, []string{"b.py::bar"}, stats.RemovedIDs)

	_, err = s.Get("b.py::bar")
	assert.ErrorIs(t, err, ErrNotFound)

	rels, err := s.Relationships("a.py::Foo", Incoming)
	require.NoError(t, err)
	assert.Len(t, rels, 1)
	assert.Equal(t, RelContains, rels[0].Kind)

	_, err = s.RemoveFile("b.py")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RemoveFileParksIncomingEdges(t *testing.T) {
	s := scenarioStore(t)

	stats, err := s.RemoveFile("a.py")
	require.NoError(t, err)
	assertNoDangling(t, s)
	assert.Equal(t, 2, stats.EntitiesRemoved)
	assert.Equal(t, 2, stats.Detached)
	assert.Equal(t, 2, s.Parked())
	assert.Equal(t, 0, s.Snapshot().RelationshipCount())

	// Bringing a.py back re-attaches the edges of b.py and c.py.
	modA := ent("a.py", "", KindModule)
	foo := ent("a.py", "Foo", KindClass)
	stats, err = s.UpsertFile("a.py", []Entity{modA, foo}, nil)
	require.NoError(t, err)
	assertNoDangling(t, s)
	assert.Equal(t, 2, stats.Restored)
	assert.Equal(t, 0, s.Parked())

	snap := s.Snapshot()
	_, ok := snap.Relationship("b.py#calls-Foo")
	assert.True(t, ok)
	_, ok = snap.Relationship("c.py#imports-a")
	assert.True(t, ok)

	owner, ok := snap.RelationshipScope("b.py#calls-Foo")
	require.True(t, ok)
	assert.Equal(t, "b.py", owner)
}

func TestStore_ReplaceKeepsForeignEdgesForStableIDs(t *testing.T) {
	s := scenarioStore(t)

	modA := ent("a.py", "", KindModule)
	foo := ent("a.py", "Foo", KindClass)
	foo.Description = "changed docs"
	stats, err := s.UpsertFile("a.py", []Entity{modA, foo}, []Relationship{
		rel("a.py#contains-Foo", modA.ID, foo.ID, RelContains),
	})
	require.NoError(t, err)
	assertNoDangling(t, s)
	assert.Equal(t, 2, stats.Detached)
	assert.Equal(t, 2, stats.Restored)
	assert.Empty(t, stats.RemovedIDs)
	assert.Equal(t, 3, s.Snapshot().RelationshipCount())

	got, err := s.Get(foo.ID)
	require.NoError(t, err)
	assert.Equal(t, "changed docs", got.Description)
}

func TestStore_ParkedEdgesDroppedWithOwner(t *testing.T) {
	s := scenarioStore(t)

	_, err := s.RemoveFile("a.py")
	require.NoError(t, err)
	_, err = s.RemoveFile("b.py")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Parked())

	modA := ent("a.py", "", KindModule)
	foo := ent("a.py", "Foo", KindClass)
	stats, err := s.UpsertFile("a.py", []Entity{modA, foo}, nil)
	require.NoError(t, err)
	assertNoDangling(t, s)
	assert.Equal(t, 1, stats.Restored)
	assert.Equal(t, 1, s.Snapshot().RelationshipCount())
}

func TestStore_Neighbors(t *testing.T) {
	s := scenarioStore(t)

	got, err := s.Neighbors("a.py::Foo", nil, Both, 1)
	require.NoError(t, err)
	ids := neighborIDs(got)
	assert.Equal(t, []string{"a.py", "b.py::bar"}, ids)
	for _, n := range got {
		assert.Equal(t, 1, n.Depth)
	}

	got, err = s.Neighbors("a.py::Foo", nil, Both, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py", "b.py::bar", "c.py"}, neighborIDs(got))
	assert.Equal(t, 2, got[2].Depth)
	assert.Equal(t, "c.py#imports-a", got[2].Via.ID)

	got, err = s.Neighbors("b.py::bar", []RelationKind{RelCalls}, Outgoing, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py::Foo"}, neighborIDs(got))

	got, err = s.Neighbors("b.py::bar", nil, Incoming, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = s.Neighbors("nope", nil, Both, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_NeighborsTerminatesOnCycles(t *testing.T) {
	s := NewStore()
	var entities []Entity
	var rels []Relationship
	for i := 0; i < 5; i++ {
		entities = append(entities, ent("ring.go", fmt.Sprintf("f%d", i), KindFunction))
	}
	for i := 0; i < 5; i++ {
		rels = append(rels, rel("", entities[i].ID, entities[(i+1)%5].ID, RelCalls))
	}
	// Self loop.
	rels = append(rels, rel("", entities[0].ID, entities[0].ID, RelCalls))
	_, err := s.UpsertFile("ring.go", entities, rels)
	require.NoError(t, err)

	got, err := s.Neighbors(entities[0].ID, nil, Both, 0)
	require.NoError(t, err)
	assert.Len(t, got, 4)
	seen := make(map[string]bool)
	for _, n := range got {
		assert.False(t, seen[n.Entity.ID], "duplicate %s", n.Entity.ID)
		seen[n.Entity.ID] = true
	}
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].Depth, got[i].Depth)
	}
}

func TestStore_SnapshotIsolation(t *testing.T) {
	s := scenarioStore(t)
	snap := s.Snapshot()
	assert.Same(t, snap, s.Snapshot(), "snapshot is cached until the next mutation")

	_, err := s.RemoveFile("b.py")
	require.NoError(t, err)

	assert.True(t, snap.Has("b.py::bar"))
	assert.Len(t, snap.Relationships("a.py::Foo", Incoming), 2)
	assert.False(t, s.Snapshot().Has("b.py::bar"))
	assert.NotEqual(t, snap.Version(), s.Snapshot().Version())
}

func TestStore_GetReturnsCopies(t *testing.T) {
	s := NewStore()
	e := ent("a.go", "x", KindFunction)
	e.Metadata = map[string]string{"k": "v"}
	_, err := s.UpsertFile("a.go", []Entity{e}, nil)
	require.NoError(t, err)
	snap := s.Snapshot()

	got, err := s.Get(e.ID)
	require.NoError(t, err)
	got.Name = "y"
	got.Metadata["k"] = "mutated"

	fromSnap, ok := snap.Get(e.ID)
	require.True(t, ok)
	fromSnap.Metadata["k"] = "again"

	found := snap.FindByName("x")
	require.Len(t, found, 1)
	found[0].Name = "z"

	again, ok := snap.Get(e.ID)
	require.True(t, ok)
	assert.Equal(t, e, *again)
	current, err := s.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, e, *current)
}

func TestStore_ScopeFingerprintsDoNotBuildSnapshots(t *testing.T) {
	s := scenarioStore(t)
	s.Snapshot()
	_, err := s.UpsertFile("b.py", []Entity{ent("b.py", "baz", KindFunction)}, nil)
	require.NoError(t, err)

	fps, ok := s.ScopeFingerprints("a.py")
	require.True(t, ok)
	assert.Len(t, fps, 2)
	foo, err := s.Get("a.py::Foo")
	require.NoError(t, err)
	assert.Equal(t, foo.Fingerprint(), fps["a.py::Foo"])

	fp, ok := s.Fingerprint("b.py::baz")
	assert.True(t, ok)
	assert.NotZero(t, fp)
	_, ok = s.ScopeFingerprints("missing.py")
	assert.False(t, ok)

	entities, relationships := s.Counts()
	assert.Equal(t, 4, entities)
	assert.Equal(t, 2, relationships)

	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.Nil(t, s.snap, "no snapshot is materialized by these reads")
}

func TestStore_ClearAndLoad(t *testing.T) {
	s := scenarioStore(t)
	snap := s.Snapshot()

	var scopes []ScopeData
	// Reverse order so that cross-scope edges precede their targets.
	for i := len(snap.Scopes()) - 1; i >= 0; i-- {
		id := snap.Scopes()[i]
		entities, rels, ok := snap.Scope(id)
		require.True(t, ok)
		sd := ScopeData{ID: id}
		for _, e := range entities {
			sd.Entities = append(sd.Entities, *e)
		}
		for _, r := range rels {
			sd.Relationships = append(sd.Relationships, *r)
		}
		scopes = append(scopes, sd)
	}

	s.Clear()
	assert.Equal(t, 0, s.Snapshot().Len())

	require.NoError(t, s.Load(scopes))
	assertNoDangling(t, s)
	assert.Equal(t, snap.Len(), s.Snapshot().Len())
	assert.Equal(t, snap.RelationshipCount(), s.Snapshot().RelationshipCount())

	scopes[0].Relationships = append(scopes[0].Relationships, rel("x", "c.py", "ghost", RelImports))
	err := s.Load(scopes)
	assert.ErrorIs(t, err, ErrDanglingReference)
	assert.Equal(t, snap.Len(), s.Snapshot().Len())
}

func TestStore_ConcurrentReaders(t *testing.T) {
	s := scenarioStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if i%2 == 0 {
					bar := ent("b.py", "bar", KindFunction)
					_, err := s.UpsertFile("b.py", []Entity{bar}, []Relationship{
						rel("b.py#calls-Foo", bar.ID, "a.py::Foo", RelCalls),
					})
					assert.NoError(t, err)
					continue
				}
				snap := s.Snapshot()
				_, err := snap.Neighbors("a.py::Foo", nil, Both, 2)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()
	assertNoDangling(t, s)
}

func TestParseDirection(t *testing.T) {
	for in, want := range map[string]Direction{"out": Outgoing, "in": Incoming, "both": Both, "": Both} {
		got, err := ParseDirection(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		if in != "" {
			assert.Equal(t, in, got.String())
		}
	}
	_, err := ParseDirection("sideways")
	assert.Error(t, err)
}

func neighborIDs(ns []Neighbor) []string {
	ids := make([]string, len(ns))
	for i, n := range ns {
		ids[i] = n.Entity.ID
	}
	return ids
}
