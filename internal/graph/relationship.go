package graph

// RelationKind represents the type of relationship between entities.
type RelationKind string

const (
	RelContains   RelationKind = "contains"
	RelCalls      RelationKind = "calls"
	RelImports    RelationKind = "imports"
	RelInherits   RelationKind = "inherits"
	RelImplements RelationKind = "implements"
	RelReferences RelationKind = "references"
	RelUses       RelationKind = "uses"
)

// IsDependency reports whether the source of a relationship of this kind
// needs the target to be understood.
func (k RelationKind) IsDependency() bool {
	switch k {
	case RelCalls, RelImports, RelInherits, RelImplements, RelReferences, RelUses:
		return true
	}
	return false
}

// Relationship represents a directed, typed edge between two entities.
type Relationship struct {
	ID       string            `json:"id"`
	Source   string            `json:"source"`
	Target   string            `json:"target"`
	Kind     RelationKind      `json:"kind"`
	Weight   float64           `json:"weight,omitempty"` // 置信度 (0 表示 1)
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EffectiveWeight returns the confidence of the relationship, treating an
// unset weight as full confidence.
func (r *Relationship) EffectiveWeight() float64 {
	if r.Weight <= 0 {
		return 1
	}
	return r.Weight
}

// Clone returns a deep copy of the relationship.
func (r *Relationship) Clone() *Relationship {
	c := *r
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
