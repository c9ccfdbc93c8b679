package graph

import (
	"fmt"
	"sort"
)

// Path is a chain of relationships between two entities.
type Path struct {
	Entities      []*Entity
	Relationships []*Relationship
}

// Len returns the number of hops.
func (p *Path) Len() int { return len(p.Relationships) }

// ShortestPath finds the path with the fewest hops from one entity to
// another following outgoing relationships of the given kinds. It returns
// ErrNotFound when either entity is missing or no path exists.
func (s *Snapshot) ShortestPath(from, to string, kinds []RelationKind) (*Path, error) {
	if !s.Has(from) {
		return nil, fmt.Errorf("entity %s: %w", from, ErrNotFound)
	}
	if !s.Has(to) {
		return nil, fmt.Errorf("entity %s: %w", to, ErrNotFound)
	}
	if from == to {
		return &Path{Entities: []*Entity{s.d.entities[from]}}, nil
	}

	set := kindSet(kinds)
	via := map[string]*Relationship{from: nil}
	queue := []string{from}
	for len(queue) > 0 && via[to] == nil {
		cur := queue[0]
		queue = queue[1:]
		for _, adj := range s.d.adjacent(cur, set, Outgoing) {
			if _, seen := via[adj.Other]; seen {
				continue
			}
			via[adj.Other] = adj.Relationship
			queue = append(queue, adj.Other)
		}
	}
	if via[to] == nil {
		return nil, fmt.Errorf("no path from %s to %s: %w", from, to, ErrNotFound)
	}

	var path Path
	for id := to; id != from; id = via[id].Source {
		path.Entities = append(path.Entities, s.d.entities[id])
		path.Relationships = append(path.Relationships, via[id])
	}
	path.Entities = append(path.Entities, s.d.entities[from])
	reverseEntities(path.Entities)
	for i, j := 0, len(path.Relationships)-1; i < j; i, j = i+1, j-1 {
		path.Relationships[i], path.Relationships[j] = path.Relationships[j], path.Relationships[i]
	}
	return &path, nil
}

func reverseEntities(list []*Entity) {
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
}

// Cycles returns the strongly connected components with more than one
// entity, following outgoing relationships of the given kinds. Each
// component is sorted by id and components are sorted by their first id.
func (s *Snapshot) Cycles(kinds []RelationKind) [][]string {
	set := kindSet(kinds)
	t := &tarjan{
		d:     s.d,
		kinds: set,
		index: make(map[string]int),
		low:   make(map[string]int),
		on:    make(map[string]bool),
	}
	for _, e := range s.d.sortedEntities() {
		if _, seen := t.index[e.ID]; !seen {
			t.connect(e.ID)
		}
	}
	sort.Slice(t.components, func(i, j int) bool { return t.components[i][0] < t.components[j][0] })
	return t.components
}

type tarjan struct {
	d          *data
	kinds      map[RelationKind]bool
	next       int
	index      map[string]int
	low        map[string]int
	on         map[string]bool
	stack      []string
	components [][]string
}

func (t *tarjan) connect(v string) {
	t.index[v] = t.next
	t.low[v] = t.next
	t.next++
	t.stack = append(t.stack, v)
	t.on[v] = true

	for _, adj := range t.d.adjacent(v, t.kinds, Outgoing) {
		w := adj.Other
		if _, seen := t.index[w]; !seen {
			t.connect(w)
			t.low[v] = min(t.low[v], t.low[w])
		} else if t.on[w] {
			t.low[v] = min(t.low[v], t.index[w])
		}
	}

	if t.low[v] != t.index[v] {
		return
	}
	var comp []string
	for {
		w := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		t.on[w] = false
		comp = append(comp, w)
		if w == v {
			break
		}
	}
	if len(comp) > 1 {
		sort.Strings(comp)
		t.components = append(t.components, comp)
	}
}

// RiskLevel grades how risky it is to change an entity.
type RiskLevel string

const (
	RiskCritical RiskLevel = "critical"
	RiskHigh     RiskLevel = "high"
	RiskMedium   RiskLevel = "medium"
	RiskLow      RiskLevel = "low"
)

// RiskFromDependents determines the risk level from the number of direct
// dependents.
func RiskFromDependents(n int) RiskLevel {
	if n >= 50 {
		return RiskCritical
	}
	if n >= 20 {
		return RiskHigh
	}
	if n >= 5 {
		return RiskMedium
	}
	return RiskLow
}

// Hub is an entity with many dependents.
type Hub struct {
	Entity       *Entity   `json:"entity"`
	Dependents   int       `json:"dependents"`
	Dependencies int       `json:"dependencies"`
	Risk         RiskLevel `json:"risk"`
}

// Hubs ranks entities by the number of distinct entities that depend on
// them. Only dependency relationships are counted.
func (s *Snapshot) Hubs(limit int) []Hub {
	var hubs []Hub
	for _, e := range s.d.entities {
		in := make(map[string]bool)
		out := make(map[string]bool)
		for _, adj := range s.d.adjacent(e.ID, nil, Both) {
			if !adj.Relationship.Kind.IsDependency() || adj.Other == e.ID {
				continue
			}
			if adj.Outgoing {
				out[adj.Other] = true
			} else {
				in[adj.Other] = true
			}
		}
		if len(in) == 0 {
			continue
		}
		hubs = append(hubs, Hub{
			Entity:       e,
			Dependents:   len(in),
			Dependencies: len(out),
			Risk:         RiskFromDependents(len(in)),
		})
	}
	sort.Slice(hubs, func(i, j int) bool {
		if hubs[i].Dependents != hubs[j].Dependents {
			return hubs[i].Dependents > hubs[j].Dependents
		}
		return hubs[i].Entity.ID < hubs[j].Entity.ID
	})
	if limit > 0 && len(hubs) > limit {
		hubs = hubs[:limit]
	}
	return hubs
}
