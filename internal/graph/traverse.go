package graph

import "fmt"

// Neighbor is an entity reached by a traversal.
type Neighbor struct {
	Entity *Entity
	Depth  int
	// Via is the relationship the entity was first reached through.
	Via *Relationship
}

func (d *data) neighbors(id string, kinds []RelationKind, dir Direction, maxDepth int) ([]Neighbor, error) {
	if _, ok := d.entities[id]; !ok {
		return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	set := kindSet(kinds)

	visited := map[string]bool{id: true}
	queue := []Neighbor{{Entity: d.entities[id].Clone()}}
	var result []Neighbor

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if maxDepth > 0 && cur.Depth >= maxDepth {
			continue
		}
		for _, adj := range d.adjacent(cur.Entity.ID, set, dir) {
			if visited[adj.Other] {
				continue
			}
			visited[adj.Other] = true
			n := Neighbor{Entity: d.entities[adj.Other].Clone(), Depth: cur.Depth + 1, Via: adj.Relationship}
			result = append(result, n)
			queue = append(queue, n)
		}
	}
	return result, nil
}
