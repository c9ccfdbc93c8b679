package graph

import (
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// EntityKind represents the type of a code element.
// The set is open: parsers may emit kinds that are not listed here.
type EntityKind string

const (
	KindModule    EntityKind = "module"
	KindClass     EntityKind = "class"
	KindStruct    EntityKind = "struct"
	KindInterface EntityKind = "interface"
	KindFunction  EntityKind = "function"
	KindMethod    EntityKind = "method"
	KindVariable  EntityKind = "variable"
	KindConstant  EntityKind = "constant"
	KindImport    EntityKind = "import"
)

// Priority orders kinds for tie breaking: definitions first, then
// data declarations, then imports and references, then everything else.
func (k EntityKind) Priority() int {
	switch k {
	case KindModule, KindClass, KindStruct, KindInterface, KindFunction, KindMethod:
		return 0
	case KindVariable, KindConstant:
		return 1
	case KindImport, "reference":
		return 2
	default:
		return 3
	}
}

// Position is a 1-based line/column location in a source file.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Span is the source range of an entity.
type Span struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Entity represents a code element in the graph.
type Entity struct {
	ID          string            `json:"id"`
	Kind        EntityKind        `json:"kind"`
	Name        string            `json:"name"`                  // 限定名 (Type.method)
	Path        string            `json:"path"`                  // 源文件路径
	Span        Span              `json:"span"`                  // 起止位置
	Signature   string            `json:"signature,omitempty"`   // 签名
	Description string            `json:"description,omitempty"` // 文档注释
	Content     string            `json:"content,omitempty"`     // 代码片段
	Embedding   []float32         `json:"embedding,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NewEntityID builds the stable id of an entity from its file path and
// qualified name. Line numbers are deliberately not part of the id so that
// moving code inside a file keeps its identity.
func NewEntityID(path, qualifiedName string) string {
	if qualifiedName == "" {
		return path
	}
	return path + "::" + qualifiedName
}

// ShortName returns the last segment of the qualified name.
// e.g., "Server.handleRequest" -> "handleRequest"
func (e *Entity) ShortName() string {
	if idx := strings.LastIndex(e.Name, "."); idx >= 0 && idx < len(e.Name)-1 {
		return e.Name[idx+1:]
	}
	return e.Name
}

// Size is the text length an entity contributes to a closure budget.
func (e *Entity) Size() int {
	n := len(e.Name) + len(e.Signature) + len(e.Description) + len(e.Content)
	if n < 1 {
		return 1
	}
	return n
}

// Fingerprint hashes every content-bearing field. Two records with the same
// id and fingerprint are considered unchanged by incremental updates.
func (e *Entity) Fingerprint() uint64 {
	d := xxhash.New()
	for _, s := range []string{string(e.Kind), e.Name, e.Path, e.Signature, e.Description, e.Content} {
		d.WriteString(s)
		d.Write([]byte{0})
	}
	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		d.WriteString(k)
		d.Write([]byte{'='})
		d.WriteString(e.Metadata[k])
		d.Write([]byte{0})
	}
	return d.Sum64()
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	c := *e
	if e.Embedding != nil {
		c.Embedding = append([]float32(nil), e.Embedding...)
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
