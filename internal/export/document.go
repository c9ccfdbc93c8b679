package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/zheng/codectx/internal/graph"
	"github.com/zheng/codectx/internal/semantic"
)

// SchemaVersion is the version written by Build.
const SchemaVersion = 1

// ErrUnsupportedSchema is returned when a document has an unknown schema version.
var ErrUnsupportedSchema = errors.New("unsupported schema version")

// Document is the serialized form of a graph and its index metadata.
type Document struct {
	SchemaVersion int       `json:"schema_version"`
	Nodes         []Node    `json:"nodes"`
	Edges         []Edge    `json:"edges"`
	Index         IndexInfo `json:"index"`
}

// Node is one entity.
type Node struct {
	ID          string            `json:"id"`
	Kind        graph.EntityKind  `json:"kind"`
	Name        string            `json:"name"`
	Path        string            `json:"path"`
	Span        graph.Span        `json:"span"`
	Signature   string            `json:"signature,omitempty"`
	Description string            `json:"description,omitempty"`
	Content     string            `json:"content,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Scope       string            `json:"scope"`
	Embedding   []float32         `json:"embedding,omitempty"`
}

// Edge is one relationship.
type Edge struct {
	ID       string             `json:"id"`
	Source   string             `json:"source"`
	Target   string             `json:"target"`
	Kind     graph.RelationKind `json:"kind"`
	Weight   float64            `json:"weight"`
	Metadata map[string]string  `json:"metadata,omitempty"`
	Scope    string             `json:"scope"`
}

// IndexInfo describes the derived indices at export time.
type IndexInfo struct {
	EmbeddingDimensions int `json:"embedding_dimensions"`
	LexicalDocuments    int `json:"lexical_documents"`
	SemanticVectors     int `json:"semantic_vectors"`
}

// Build serializes snap. Vectors come from sem when it has one for the
// entity, otherwise from the entity itself. lexicalDocs is recorded as is.
func Build(snap *graph.Snapshot, sem *semantic.Index, lexicalDocs int) *Document {
	doc := &Document{
		SchemaVersion: SchemaVersion,
		Nodes:         make([]Node, 0, snap.Len()),
		Edges:         make([]Edge, 0, snap.RelationshipCount()),
	}
	for _, scope := range snap.Scopes() {
		entities, rels, _ := snap.Scope(scope)
		for _, e := range entities {
			n := Node{
				ID:          e.ID,
				Kind:        e.Kind,
				Name:        e.Name,
				Path:        e.Path,
				Span:        e.Span,
				Signature:   e.Signature,
				Description: e.Description,
				Content:     e.Content,
				Metadata:    e.Metadata,
				Scope:       scope,
				Embedding:   e.Embedding,
			}
			if sem != nil {
				if vec, ok := sem.Vector(e.ID); ok {
					n.Embedding = vec
				}
			}
			doc.Nodes = append(doc.Nodes, n)
		}
		for _, r := range rels {
			doc.Edges = append(doc.Edges, Edge{
				ID:       r.ID,
				Source:   r.Source,
				Target:   r.Target,
				Kind:     r.Kind,
				Weight:   r.EffectiveWeight(),
				Metadata: r.Metadata,
				Scope:    scope,
			})
		}
	}
	doc.Index.LexicalDocuments = lexicalDocs
	if sem != nil {
		doc.Index.EmbeddingDimensions = sem.Dimensions()
		doc.Index.SemanticVectors = sem.Len()
	}
	return doc
}

// Scopes converts the document back into store input. Embeddings are
// returned separately, keyed by entity id. Every embedding must have the
// length recorded in the index section, or a common length when none is
// recorded.
func (d *Document) Scopes() ([]graph.ScopeData, map[string][]float32, error) {
	if d.SchemaVersion != SchemaVersion {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedSchema, d.SchemaVersion)
	}

	index := make(map[string]int)
	var scopes []graph.ScopeData
	scopeFor := func(id string) *graph.ScopeData {
		i, ok := index[id]
		if !ok {
			i = len(scopes)
			index[id] = i
			scopes = append(scopes, graph.ScopeData{ID: id})
		}
		return &scopes[i]
	}

	dim := d.Index.EmbeddingDimensions
	vectors := make(map[string][]float32)
	for _, n := range d.Nodes {
		scope := n.Scope
		if scope == "" {
			scope = n.Path
		}
		sc := scopeFor(scope)
		sc.Entities = append(sc.Entities, graph.Entity{
			ID:          n.ID,
			Kind:        n.Kind,
			Name:        n.Name,
			Path:        n.Path,
			Span:        n.Span,
			Signature:   n.Signature,
			Description: n.Description,
			Content:     n.Content,
			Metadata:    n.Metadata,
		})
		if len(n.Embedding) > 0 {
			if dim == 0 {
				dim = len(n.Embedding)
			}
			if len(n.Embedding) != dim {
				return nil, nil, fmt.Errorf("node %s: got %d, want %d: %w", n.ID, len(n.Embedding), dim, semantic.ErrDimensionMismatch)
			}
			vectors[n.ID] = n.Embedding
		}
	}
	for _, e := range d.Edges {
		sc := scopeFor(e.Scope)
		sc.Relationships = append(sc.Relationships, graph.Relationship{
			ID:       e.ID,
			Source:   e.Source,
			Target:   e.Target,
			Kind:     e.Kind,
			Weight:   e.Weight,
			Metadata: e.Metadata,
		})
	}
	return scopes, vectors, nil
}

// Write encodes the document as indented JSON.
func (d *Document) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}

// Read decodes a document and checks its schema version.
func Read(r io.Reader) (*Document, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSchema, doc.SchemaVersion)
	}
	return &doc, nil
}
