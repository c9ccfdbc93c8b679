package graph

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Direction selects which relationships a traversal follows.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
	Both
)

// ParseDirection parses "out", "in" or "both" (and a few aliases).
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "out", "outgoing", "downstream", "dependencies":
		return Outgoing, nil
	case "in", "incoming", "upstream", "dependents":
		return Incoming, nil
	case "both", "":
		return Both, nil
	}
	return Both, fmt.Errorf("unknown direction: %s", s)
}

func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "out"
	case Incoming:
		return "in"
	default:
		return "both"
	}
}

// UpsertStats reports what a mutation changed.
type UpsertStats struct {
	EntitiesAdded        int `json:"entities_added"`
	EntitiesRemoved      int `json:"entities_removed"`
	RelationshipsAdded   int `json:"relationships_added"`
	RelationshipsRemoved int `json:"relationships_removed"`
	// Detached counts relationships owned by other scopes that lost an
	// endpoint and were parked until the endpoint reappears.
	Detached int `json:"detached"`
	// Restored counts parked relationships re-attached by this call.
	Restored int `json:"restored"`

	// AddedIDs lists the entity ids written by the call.
	AddedIDs []string `json:"-"`
	// RemovedIDs lists entity ids that no longer exist after the call.
	RemovedIDs []string `json:"-"`
}

// ScopeData is the full content of one file scope, used for bulk loads.
type ScopeData struct {
	ID            string
	Entities      []Entity
	Relationships []Relationship
}

// Store owns the entities and relationships of one analysis session.
//
// Store is safe for concurrent use: mutations are serialized and reads see
// either the state before or after a mutation. Long-running readers should
// take a Snapshot instead of holding on to the store.
//
// Lifecycle: NewStore, then UpsertFile/RemoveFile any number of times, then
// Clear to start over. There is no package-level store.
type Store struct {
	mu     sync.RWMutex
	d      *data
	parked map[string]*edge
	seq    uint64
	ver    uint64
	snap   *Snapshot
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		d:      newData(),
		parked: make(map[string]*edge),
	}
}

// Clear removes all data from the store.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d = newData()
	s.parked = make(map[string]*edge)
	s.ver++
	s.snap = nil
}

// UpsertFile atomically replaces everything owned by scopeID with the given
// entities and relationships.
//
// Every relationship endpoint must be an entity of this call or an entity
// owned by another scope; otherwise a *DanglingReferenceError is returned and
// the store is left untouched. Relationships of other scopes that point at
// entities dropped by the replacement are parked and re-attached once the
// entity exists again.
func (s *Store) UpsertFile(scopeID string, entities []Entity, relationships []Relationship) (UpsertStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newEntities, newRels, err := s.validate(scopeID, entities, relationships)
	if err != nil {
		return UpsertStats{}, err
	}

	stats := s.detachScope(scopeID)

	sc := &fileScope{}
	s.d.scopes[scopeID] = sc
	added := make(map[string]bool, len(newEntities))
	for _, e := range newEntities {
		s.d.addEntity(scopeID, e)
		sc.entities = append(sc.entities, e.ID)
		added[e.ID] = true
		stats.AddedIDs = append(stats.AddedIDs, e.ID)
	}
	for _, r := range newRels {
		s.seq++
		s.d.addEdge(&edge{rel: r, scope: scopeID, seq: s.seq})
		sc.relationships = append(sc.relationships, r.ID)
	}
	stats.EntitiesAdded = len(newEntities)
	stats.RelationshipsAdded = len(newRels)
	stats.Restored = s.restoreParked(added)

	removed := stats.RemovedIDs[:0]
	for _, id := range stats.RemovedIDs {
		if !added[id] {
			removed = append(removed, id)
		}
	}
	stats.RemovedIDs = removed

	s.touch()
	return stats, nil
}

// RemoveFile deletes the entities owned by scopeID and every relationship
// incident to them, in both directions.
func (s *Store) RemoveFile(scopeID string) (UpsertStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.d.scopes[scopeID]; !ok {
		return UpsertStats{}, fmt.Errorf("scope %s: %w", scopeID, ErrNotFound)
	}
	stats := s.detachScope(scopeID)
	delete(s.d.scopes, scopeID)
	s.touch()
	return stats, nil
}

// Load replaces the whole store content with the given scopes. Endpoints
// are validated against the union of all scopes, so cross-scope
// relationships may appear in any order.
func (s *Store) Load(scopes []ScopeData) error {
	fresh := newData()
	var seq uint64

	for _, sc := range scopes {
		if _, dup := fresh.scopes[sc.ID]; dup {
			return fmt.Errorf("scope %s: loaded twice", sc.ID)
		}
		fs := &fileScope{}
		fresh.scopes[sc.ID] = fs
		for i := range sc.Entities {
			e := &sc.Entities[i]
			if err := checkEntity(e); err != nil {
				return fmt.Errorf("scope %s: %w", sc.ID, err)
			}
			if _, dup := fresh.entities[e.ID]; dup {
				return fmt.Errorf("scope %s: %w: %s", sc.ID, ErrDuplicateEntity, e.ID)
			}
			fresh.addEntity(sc.ID, e.Clone())
			fs.entities = append(fs.entities, e.ID)
		}
	}
	for _, sc := range scopes {
		fs := fresh.scopes[sc.ID]
		for i := range sc.Relationships {
			r := sc.Relationships[i].Clone()
			if r.ID == "" {
				r.ID = fmt.Sprintf("%s#%d", sc.ID, i)
			}
			if err := checkRelationship(r); err != nil {
				return fmt.Errorf("scope %s: %w", sc.ID, err)
			}
			if _, dup := fresh.edges[r.ID]; dup {
				return fmt.Errorf("scope %s: %w: %s", sc.ID, ErrDuplicateRelationship, r.ID)
			}
			for _, end := range []string{r.Source, r.Target} {
				if _, ok := fresh.entities[end]; !ok {
					return &DanglingReferenceError{Scope: sc.ID, RelationshipID: r.ID, Missing: end}
				}
			}
			seq++
			fresh.addEdge(&edge{rel: r, scope: sc.ID, seq: seq})
			fs.relationships = append(fs.relationships, r.ID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.d = fresh
	s.parked = make(map[string]*edge)
	s.seq = seq
	s.touch()
	return nil
}

// validate checks a whole upsert batch before anything is mutated and
// returns cloned records ready for insertion.
func (s *Store) validate(scopeID string, entities []Entity, relationships []Relationship) ([]*Entity, []*Relationship, error) {
	if scopeID == "" {
		return nil, nil, fmt.Errorf("%w: empty scope id", ErrInvalidEntity)
	}

	batch := make(map[string]bool, len(entities))
	newEntities := make([]*Entity, 0, len(entities))
	for i := range entities {
		e := &entities[i]
		if err := checkEntity(e); err != nil {
			return nil, nil, fmt.Errorf("scope %s: %w", scopeID, err)
		}
		if batch[e.ID] {
			return nil, nil, fmt.Errorf("scope %s: %w: %s", scopeID, ErrDuplicateEntity, e.ID)
		}
		if owner, ok := s.d.owner[e.ID]; ok && owner != scopeID {
			return nil, nil, fmt.Errorf("scope %s: %w: %s owned by %s", scopeID, ErrDuplicateEntity, e.ID, owner)
		}
		batch[e.ID] = true
		newEntities = append(newEntities, e.Clone())
	}

	visible := func(id string) bool {
		if batch[id] {
			return true
		}
		owner, ok := s.d.owner[id]
		return ok && owner != scopeID
	}

	seen := make(map[string]bool, len(relationships))
	newRels := make([]*Relationship, 0, len(relationships))
	for i := range relationships {
		r := relationships[i].Clone()
		if r.ID == "" {
			r.ID = fmt.Sprintf("%s#%d", scopeID, i)
		}
		if err := checkRelationship(r); err != nil {
			return nil, nil, fmt.Errorf("scope %s: %w", scopeID, err)
		}
		if seen[r.ID] {
			return nil, nil, fmt.Errorf("scope %s: %w: %s", scopeID, ErrDuplicateRelationship, r.ID)
		}
		if e, ok := s.d.edges[r.ID]; ok && e.scope != scopeID {
			return nil, nil, fmt.Errorf("scope %s: %w: %s owned by %s", scopeID, ErrDuplicateRelationship, r.ID, e.scope)
		}
		if e, ok := s.parked[r.ID]; ok && e.scope != scopeID {
			return nil, nil, fmt.Errorf("scope %s: %w: %s owned by %s", scopeID, ErrDuplicateRelationship, r.ID, e.scope)
		}
		for _, end := range []string{r.Source, r.Target} {
			if !visible(end) {
				return nil, nil, &DanglingReferenceError{Scope: scopeID, RelationshipID: r.ID, Missing: end}
			}
		}
		seen[r.ID] = true
		newRels = append(newRels, r)
	}
	return newEntities, newRels, nil
}

func checkEntity(e *Entity) error {
	if e.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidEntity)
	}
	if e.Kind == "" {
		return fmt.Errorf("%w: %s has no kind", ErrInvalidEntity, e.ID)
	}
	return nil
}

func checkRelationship(r *Relationship) error {
	if r.Kind == "" {
		return fmt.Errorf("%w: %s has no kind", ErrInvalidRelationship, r.ID)
	}
	if math.IsNaN(r.Weight) || r.Weight < 0 || r.Weight > 1 {
		return fmt.Errorf("%w: %s weight %v outside [0, 1]", ErrInvalidRelationship, r.ID, r.Weight)
	}
	return nil
}

// detachScope removes every entity and relationship owned by scopeID.
// Relationships of other scopes incident to removed entities are parked.
// Parked relationships owned by scopeID are dropped: the caller is
// replacing or deleting them.
func (s *Store) detachScope(scopeID string) UpsertStats {
	var stats UpsertStats
	for id, e := range s.parked {
		if e.scope == scopeID {
			delete(s.parked, id)
		}
	}

	sc, ok := s.d.scopes[scopeID]
	if !ok {
		return stats
	}
	for _, rid := range sc.relationships {
		if s.d.deleteEdge(rid) != nil {
			stats.RelationshipsRemoved++
		}
	}
	for _, id := range sc.entities {
		incident := append(append([]string(nil), s.d.out[id]...), s.d.in[id]...)
		for _, rid := range incident {
			e := s.d.deleteEdge(rid)
			if e == nil {
				continue
			}
			s.parked[rid] = e
			if owner := s.d.scopes[e.scope]; owner != nil {
				owner.relationships = without(owner.relationships, rid)
			}
			stats.Detached++
		}
		s.d.deleteEntity(id)
		stats.RemovedIDs = append(stats.RemovedIDs, id)
	}
	stats.EntitiesRemoved = len(sc.entities)
	sc.entities = nil
	sc.relationships = nil
	return stats
}

// restoreParked re-attaches parked relationships whose endpoints exist
// again. Only relationships touching a newly added entity are candidates.
func (s *Store) restoreParked(added map[string]bool) int {
	var ready []*edge
	for _, e := range s.parked {
		if !added[e.rel.Source] && !added[e.rel.Target] {
			continue
		}
		_, srcOK := s.d.entities[e.rel.Source]
		_, tgtOK := s.d.entities[e.rel.Target]
		if srcOK && tgtOK {
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })
	for _, e := range ready {
		delete(s.parked, e.rel.ID)
		sc, ok := s.d.scopes[e.scope]
		if !ok {
			continue
		}
		s.seq++
		s.d.addEdge(&edge{rel: e.rel, scope: e.scope, seq: s.seq})
		sc.relationships = append(sc.relationships, e.rel.ID)
	}
	return len(ready)
}

func (s *Store) touch() {
	s.ver++
	s.snap = nil
}

// Get returns a copy of the entity with the given id.
func (s *Store) Get(id string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.d.entities[id]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	return e.Clone(), nil
}

// Fingerprint returns the fingerprint of the entity with the given id.
func (s *Store) Fingerprint(id string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.d.entities[id]
	if !ok {
		return 0, false
	}
	return e.Fingerprint(), true
}

// ScopeFingerprints returns the fingerprints of the entities owned by a
// scope, keyed by id. It reads the live store without building a snapshot.
func (s *Store) ScopeFingerprints(scope string) (map[string]uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.d.scopes[scope]
	if !ok {
		return nil, false
	}
	fps := make(map[string]uint64, len(sc.entities))
	for _, id := range sc.entities {
		fps[id] = s.d.entities[id].Fingerprint()
	}
	return fps, true
}

// Counts returns the number of entities and attached relationships.
func (s *Store) Counts() (entities, relationships int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.d.entities), len(s.d.edges)
}

// Neighbors runs a breadth-first traversal from id. See Snapshot.Neighbors.
func (s *Store) Neighbors(id string, kinds []RelationKind, dir Direction, maxDepth int) ([]Neighbor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.neighbors(id, kinds, dir, maxDepth)
}

// Snapshot returns an immutable view of the current state. Snapshots are
// cached until the next mutation, so repeated calls are cheap.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	if snap := s.snap; snap != nil {
		s.mu.RUnlock()
		return snap
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		s.snap = &Snapshot{d: s.d.clone(), version: s.ver}
	}
	return s.snap
}

// Version increments on every mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ver
}

// Parked returns the number of relationships waiting for a missing endpoint.
func (s *Store) Parked() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.parked)
}
