package graph

import (
	"sort"
	"strings"
)

// edge is a stored relationship together with its owning scope and
// insertion sequence number.
type edge struct {
	rel   *Relationship
	scope string
	seq   uint64
}

// fileScope lists the ids owned by one scope, in insertion order.
type fileScope struct {
	entities      []string
	relationships []string
}

// data is the adjacency-list representation shared by the live store and
// its snapshots. Entities and relationships are addressed by id; adjacency
// lists hold relationship ids in insertion order.
type data struct {
	entities map[string]*Entity
	owner    map[string]string
	edges    map[string]*edge
	out      map[string][]string
	in       map[string][]string
	scopes   map[string]*fileScope
	byName   map[string][]string
}

func newData() *data {
	return &data{
		entities: make(map[string]*Entity),
		owner:    make(map[string]string),
		edges:    make(map[string]*edge),
		out:      make(map[string][]string),
		in:       make(map[string][]string),
		scopes:   make(map[string]*fileScope),
		byName:   make(map[string][]string),
	}
}

// clone copies every map and slice so that later in-place edits of the
// receiver never become visible through the copy.
func (d *data) clone() *data {
	c := &data{
		entities: make(map[string]*Entity, len(d.entities)),
		owner:    make(map[string]string, len(d.owner)),
		edges:    make(map[string]*edge, len(d.edges)),
		out:      make(map[string][]string, len(d.out)),
		in:       make(map[string][]string, len(d.in)),
		scopes:   make(map[string]*fileScope, len(d.scopes)),
		byName:   make(map[string][]string, len(d.byName)),
	}
	for k, v := range d.entities {
		c.entities[k] = v
	}
	for k, v := range d.owner {
		c.owner[k] = v
	}
	for k, v := range d.edges {
		c.edges[k] = v
	}
	for k, v := range d.out {
		c.out[k] = append([]string(nil), v...)
	}
	for k, v := range d.in {
		c.in[k] = append([]string(nil), v...)
	}
	for k, v := range d.scopes {
		c.scopes[k] = &fileScope{
			entities:      append([]string(nil), v.entities...),
			relationships: append([]string(nil), v.relationships...),
		}
	}
	for k, v := range d.byName {
		c.byName[k] = append([]string(nil), v...)
	}
	return c
}

func nameKey(e *Entity) string {
	return strings.ToLower(e.ShortName())
}

func (d *data) addEntity(scope string, e *Entity) {
	d.entities[e.ID] = e
	d.owner[e.ID] = scope
	key := nameKey(e)
	d.byName[key] = append(d.byName[key], e.ID)
}

func (d *data) deleteEntity(id string) {
	e, ok := d.entities[id]
	if !ok {
		return
	}
	key := nameKey(e)
	d.byName[key] = without(d.byName[key], id)
	if len(d.byName[key]) == 0 {
		delete(d.byName, key)
	}
	delete(d.entities, id)
	delete(d.owner, id)
	delete(d.out, id)
	delete(d.in, id)
}

func (d *data) addEdge(e *edge) {
	d.edges[e.rel.ID] = e
	d.out[e.rel.Source] = append(d.out[e.rel.Source], e.rel.ID)
	d.in[e.rel.Target] = append(d.in[e.rel.Target], e.rel.ID)
}

func (d *data) deleteEdge(id string) *edge {
	e, ok := d.edges[id]
	if !ok {
		return nil
	}
	delete(d.edges, id)
	if list, ok := d.out[e.rel.Source]; ok {
		d.out[e.rel.Source] = without(list, id)
	}
	if list, ok := d.in[e.rel.Target]; ok {
		d.in[e.rel.Target] = without(list, id)
	}
	return e
}

// without returns a new slice with every occurrence of id removed. It never
// edits the input in place because snapshots may share the backing array.
func without(list []string, id string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Adjacency is one relationship seen from an entity.
type Adjacency struct {
	Relationship *Relationship
	Other        string // id of the entity on the other end
	Outgoing     bool   // true when the entity is the relationship source
}

// adjacent lists the relationships incident to id that match kinds and
// direction, in insertion order.
func (d *data) adjacent(id string, kinds map[RelationKind]bool, dir Direction) []Adjacency {
	var refs []*edge
	if dir == Outgoing || dir == Both {
		for _, rid := range d.out[id] {
			refs = append(refs, d.edges[rid])
		}
	}
	if dir == Incoming || dir == Both {
		for _, rid := range d.in[id] {
			e := d.edges[rid]
			// Self loops are already listed as outgoing.
			if dir == Both && e.rel.Source == id {
				continue
			}
			refs = append(refs, e)
		}
	}
	if dir == Both {
		sort.SliceStable(refs, func(i, j int) bool { return refs[i].seq < refs[j].seq })
	}

	result := make([]Adjacency, 0, len(refs))
	for _, e := range refs {
		if len(kinds) > 0 && !kinds[e.rel.Kind] {
			continue
		}
		if e.rel.Source == id {
			result = append(result, Adjacency{Relationship: e.rel, Other: e.rel.Target, Outgoing: true})
		} else {
			result = append(result, Adjacency{Relationship: e.rel, Other: e.rel.Source})
		}
	}
	return result
}

func kindSet(kinds []RelationKind) map[RelationKind]bool {
	if len(kinds) == 0 {
		return nil
	}
	set := make(map[RelationKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return set
}

// sortedEdges returns all stored edges in insertion order.
func (d *data) sortedEdges() []*edge {
	list := make([]*edge, 0, len(d.edges))
	for _, e := range d.edges {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	return list
}

func (d *data) sortedEntities() []*Entity {
	list := make([]*Entity, 0, len(d.entities))
	for _, e := range d.entities {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}
