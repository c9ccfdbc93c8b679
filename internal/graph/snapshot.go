package graph

import (
	"fmt"
	"sort"
	"strings"
)

// Snapshot is an immutable view of a Store at one version. It is safe to
// share between goroutines. Entities and relationships returned by a
// snapshot must not be modified.
type Snapshot struct {
	d       *data
	version uint64
}

// Version returns the store version the snapshot was taken at.
func (s *Snapshot) Version() uint64 { return s.version }

// Len returns the number of entities.
func (s *Snapshot) Len() int { return len(s.d.entities) }

// RelationshipCount returns the number of attached relationships.
func (s *Snapshot) RelationshipCount() int { return len(s.d.edges) }

// Get returns a copy of the entity with the given id. Records are shared
// by every snapshot, so callers only ever see copies.
func (s *Snapshot) Get(id string) (*Entity, bool) {
	e, ok := s.d.entities[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Has reports whether the entity exists.
func (s *Snapshot) Has(id string) bool {
	_, ok := s.d.entities[id]
	return ok
}

// Relationship returns the relationship with the given id.
func (s *Snapshot) Relationship(id string) (*Relationship, bool) {
	e, ok := s.d.edges[id]
	if !ok {
		return nil, false
	}
	return e.rel, true
}

// ScopeOf returns the scope owning an entity.
func (s *Snapshot) ScopeOf(id string) (string, bool) {
	sc, ok := s.d.owner[id]
	return sc, ok
}

// RelationshipScope returns the scope owning a relationship.
func (s *Snapshot) RelationshipScope(id string) (string, bool) {
	e, ok := s.d.edges[id]
	if !ok {
		return "", false
	}
	return e.scope, true
}

// Adjacent lists the relationships incident to id, filtered by kind and
// direction, in insertion order.
func (s *Snapshot) Adjacent(id string, kinds []RelationKind, dir Direction) []Adjacency {
	return s.d.adjacent(id, kindSet(kinds), dir)
}

// Relationships returns the relationships incident to id in the given
// direction, in insertion order.
func (s *Snapshot) Relationships(id string, dir Direction) []*Relationship {
	adj := s.d.adjacent(id, nil, dir)
	rels := make([]*Relationship, len(adj))
	for i, a := range adj {
		rels[i] = a.Relationship
	}
	return rels
}

// AllRelationships returns every relationship in insertion order.
func (s *Snapshot) AllRelationships() []*Relationship {
	edges := s.d.sortedEdges()
	rels := make([]*Relationship, len(edges))
	for i, e := range edges {
		rels[i] = e.rel
	}
	return rels
}

// Entities returns every entity sorted by id. The records are shared with
// the store and must not be modified.
func (s *Snapshot) Entities() []*Entity {
	return s.d.sortedEntities()
}

// InducedRelationships returns the relationships whose endpoints are both
// in ids, in insertion order.
func (s *Snapshot) InducedRelationships(ids map[string]bool) []*Relationship {
	var rels []*Relationship
	for _, e := range s.d.sortedEdges() {
		if ids[e.rel.Source] && ids[e.rel.Target] {
			rels = append(rels, e.rel)
		}
	}
	return rels
}

// Scopes returns all scope ids, sorted.
func (s *Snapshot) Scopes() []string {
	ids := make([]string, 0, len(s.d.scopes))
	for id := range s.d.scopes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Scope returns the entities and relationships owned by a scope, in
// insertion order.
func (s *Snapshot) Scope(id string) ([]*Entity, []*Relationship, bool) {
	sc, ok := s.d.scopes[id]
	if !ok {
		return nil, nil, false
	}
	entities := make([]*Entity, 0, len(sc.entities))
	for _, eid := range sc.entities {
		entities = append(entities, s.d.entities[eid].Clone())
	}
	refs := make([]*edge, 0, len(sc.relationships))
	for _, rid := range sc.relationships {
		if e, ok := s.d.edges[rid]; ok {
			refs = append(refs, e)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].seq < refs[j].seq })
	rels := make([]*Relationship, len(refs))
	for i, e := range refs {
		rels[i] = e.rel
	}
	return entities, rels, true
}

// Neighbors runs a breadth-first traversal from id.
//
// Results are in non-decreasing depth; entities at the same depth are
// ordered by the insertion order of the relationship that reached them.
// Empty kinds follows every kind. maxDepth <= 0 means unlimited.
func (s *Snapshot) Neighbors(id string, kinds []RelationKind, dir Direction, maxDepth int) ([]Neighbor, error) {
	return s.d.neighbors(id, kinds, dir, maxDepth)
}

// FindByName returns entities whose short or qualified name matches
// pattern, case-insensitively. Exact short-name matches come first, then
// names ending with the pattern, then names containing it; shorter names
// win inside a group.
func (s *Snapshot) FindByName(pattern string) []*Entity {
	p := strings.ToLower(strings.TrimSpace(pattern))
	if p == "" {
		return nil
	}

	type match struct {
		e    *Entity
		rank int
	}
	var matches []match
	for _, e := range s.d.entities {
		name := strings.ToLower(e.Name)
		switch {
		case nameKey(e) == p || name == p || strings.ToLower(e.ID) == p:
			matches = append(matches, match{e, 0})
		case strings.HasSuffix(name, p):
			matches = append(matches, match{e, 1})
		case strings.Contains(name, p):
			matches = append(matches, match{e, 2})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		if len(a.e.Name) != len(b.e.Name) {
			return len(a.e.Name) < len(b.e.Name)
		}
		return a.e.ID < b.e.ID
	})
	result := make([]*Entity, len(matches))
	for i, m := range matches {
		result[i] = m.e.Clone()
	}
	return result
}

// LookupName returns the ids of entities whose short name equals name,
// case-insensitively, sorted.
func (s *Snapshot) LookupName(name string) []string {
	ids := append([]string(nil), s.d.byName[strings.ToLower(name)]...)
	sort.Strings(ids)
	return ids
}

// Stats returns the entity count per kind, the relationship count per kind
// and the scope count.
func (s *Snapshot) Stats() Stats {
	st := Stats{
		Entities:      len(s.d.entities),
		Relationships: len(s.d.edges),
		Scopes:        len(s.d.scopes),
		ByKind:        make(map[EntityKind]int),
		ByRelation:    make(map[RelationKind]int),
	}
	for _, e := range s.d.entities {
		st.ByKind[e.Kind]++
	}
	for _, e := range s.d.edges {
		st.ByRelation[e.rel.Kind]++
	}
	return st
}

// Stats summarizes the graph content.
type Stats struct {
	Entities      int                  `json:"entities"`
	Relationships int                  `json:"relationships"`
	Scopes        int                  `json:"scopes"`
	Parked        int                  `json:"parked"`
	ByKind        map[EntityKind]int   `json:"by_kind"`
	ByRelation    map[RelationKind]int `json:"by_relation"`
}

// Stats returns a summary of the live store.
func (s *Store) Stats() Stats {
	st := s.Snapshot().Stats()
	st.Parked = s.Parked()
	return st
}

// Scopes returns all scope ids, sorted.
func (s *Store) Scopes() []string {
	return s.Snapshot().Scopes()
}

// Entities returns every entity sorted by id. The records are shared with
// the store and must not be modified.
func (s *Store) Entities() []*Entity {
	return s.Snapshot().Entities()
}

// Relationships returns the relationships incident to id.
func (s *Store) Relationships(id string, dir Direction) ([]*Relationship, error) {
	snap := s.Snapshot()
	if !snap.Has(id) {
		return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	return snap.Relationships(id, dir), nil
}
