package graph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_FindByName(t *testing.T) {
	s := NewStore()
	_, err := s.UpsertFile("svc.go", []Entity{
		ent("svc.go", "Server.Handle", KindMethod),
		ent("svc.go", "Handle", KindFunction),
		ent("svc.go", "handleRequest", KindFunction),
		ent("svc.go", "Router.ServeHandle", KindMethod),
	}, nil)
	require.NoError(t, err)

	got := s.Snapshot().FindByName("handle")
	ids := make([]string, len(got))
	for i, e := range got {
		ids[i] = e.ID
	}
	assert.Equal(t, []string{
		"svc.go::Handle",
		"svc.go::Server.Handle",
		"svc.go::Router.ServeHandle",
		"svc.go::handleRequest",
	}, ids)

	assert.Empty(t, s.Snapshot().FindByName("  "))
	assert.Equal(t, []string{"svc.go::Handle", "svc.go::Server.Handle"}, s.Snapshot().LookupName("HANDLE"))
}

func TestSnapshot_ShortestPath(t *testing.T) {
	s := scenarioStore(t)
	snap := s.Snapshot()

	p, err := snap.ShortestPath("c.py", "a.py::Foo", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Len())
	assert.Equal(t, "c.py", p.Entities[0].ID)
	assert.Equal(t, "a.py", p.Entities[1].ID)
	assert.Equal(t, "a.py::Foo", p.Entities[2].ID)
	assert.Equal(t, RelImports, p.Relationships[0].Kind)
	assert.Equal(t, RelContains, p.Relationships[1].Kind)

	_, err = snap.ShortestPath("c.py", "a.py::Foo", []RelationKind{RelImports})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = snap.ShortestPath("a.py::Foo", "b.py::bar", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	p, err = snap.ShortestPath("b.py::bar", "b.py::bar", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Len())
}

func TestSnapshot_CyclesAndHubs(t *testing.T) {
	s := NewStore()
	a := ent("m.go", "a", KindFunction)
	b := ent("m.go", "b", KindFunction)
	c := ent("m.go", "c", KindFunction)
	d := ent("m.go", "d", KindFunction)
	_, err := s.UpsertFile("m.go", []Entity{a, b, c, d}, []Relationship{
		rel("", a.ID, b.ID, RelCalls),
		rel("", b.ID, a.ID, RelCalls),
		rel("", c.ID, a.ID, RelCalls),
		rel("", d.ID, d.ID, RelCalls),
	})
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, [][]string{{a.ID, b.ID}}, snap.Cycles(nil))
	assert.Empty(t, snap.Cycles([]RelationKind{RelImports}))

	hubs := snap.Hubs(0)
	require.Len(t, hubs, 2)
	assert.Equal(t, a.ID, hubs[0].Entity.ID)
	assert.Equal(t, 2, hubs[0].Dependents)
	assert.Equal(t, 1, hubs[0].Dependencies)
	assert.Equal(t, RiskLow, hubs[0].Risk)
	assert.Equal(t, b.ID, hubs[1].Entity.ID)

	assert.Len(t, snap.Hubs(1), 1)
}

func TestRiskFromDependents(t *testing.T) {
	tests := []struct {
		n    int
		want RiskLevel
	}{
		{0, RiskLow},
		{4, RiskLow},
		{5, RiskMedium},
		{20, RiskHigh},
		{49, RiskHigh},
		{50, RiskCritical},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.n), func(t *testing.T) {
			assert.Equal(t, tt.want, RiskFromDependents(tt.n))
		})
	}
}

func TestSnapshot_Stats(t *testing.T) {
	s := scenarioStore(t)
	st := s.Stats()
	assert.Equal(t, 4, st.Entities)
	assert.Equal(t, 3, st.Relationships)
	assert.Equal(t, 3, st.Scopes)
	assert.Equal(t, 2, st.ByKind[KindModule])
	assert.Equal(t, 1, st.ByRelation[RelCalls])
	assert.Equal(t, []string{"a.py", "b.py", "c.py"}, s.Scopes())
}

func TestEntity_Fingerprint(t *testing.T) {
	e := ent("x.go", "F", KindFunction)
	e.Metadata = map[string]string{"b": "2", "a": "1"}
	same := e.Clone()
	assert.Equal(t, e.Fingerprint(), same.Fingerprint())

	same.Span = Span{Start: Position{Line: 40}}
	assert.Equal(t, e.Fingerprint(), same.Fingerprint(), "position is not content")

	same.Content = "func F() {}"
	assert.NotEqual(t, e.Fingerprint(), same.Fingerprint())
	assert.Equal(t, 1, (&Entity{}).Size())
}
