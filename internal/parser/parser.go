// Package parser turns source files into graph entities and relationships.
//
// A parser only sees one file. Relationships it can resolve inside the file
// are returned directly; names it cannot resolve are returned as References
// for the project indexer to link across files.
package parser

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zheng/codectx/internal/graph"
	"github.com/zheng/codectx/internal/telemetry"
)

var (
	// ErrUnsupported is returned for files no registered parser handles.
	ErrUnsupported = errors.New("unsupported file type")

	// ErrSyntax is returned when the source cannot be parsed at all.
	ErrSyntax = errors.New("syntax error")
)

// ParseError reports a file that was skipped. It is recoverable: indexing
// continues with the remaining files.
type ParseError struct {
	Path string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s:%d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parser extracts entities and relationships from one file.
type Parser interface {
	Parse(ctx context.Context, path string, content []byte) (*FileResult, error)
}

// Reference is a dependency on a name that is not defined in the file.
type Reference struct {
	Source    string             // 引用方实体 id
	Name      string             // 被引用的短名
	Qualifier string             // 限定前缀 (pkg.Name 中的 pkg)
	Kind      graph.RelationKind // 关系类型
	Line      int
}

// FileResult is the parse output of one file.
type FileResult struct {
	Path          string
	Language      string
	Entities      []graph.Entity
	Relationships []graph.Relationship
	References    []Reference
	// Partial is set when the file had syntax errors and only the
	// recognizable parts were extracted.
	Partial bool
}

// RelationshipID builds the id of a relationship. Source ids are owned by a
// single file, so the id is unique across the project.
func RelationshipID(source string, kind graph.RelationKind, target string) string {
	return source + "->" + string(kind) + "->" + target
}

// builder collects the output of one file, dropping duplicate ids.
type builder struct {
	res      *FileResult
	entities map[string]int
	rels     map[string]bool
	refs     map[string]bool
}

func newBuilder(path, language string) *builder {
	return &builder{
		res:      &FileResult{Path: path, Language: language},
		entities: make(map[string]int),
		rels:     make(map[string]bool),
		refs:     make(map[string]bool),
	}
}

// entity adds e unless an entity with the same id exists. It reports
// whether e was added.
func (b *builder) entity(e graph.Entity) bool {
	if _, ok := b.entities[e.ID]; ok {
		return false
	}
	b.entities[e.ID] = len(b.res.Entities)
	b.res.Entities = append(b.res.Entities, e)
	return true
}

func (b *builder) has(id string) bool {
	_, ok := b.entities[id]
	return ok
}

func (b *builder) relate(source, target string, kind graph.RelationKind) {
	if source == target {
		return
	}
	id := RelationshipID(source, kind, target)
	if b.rels[id] {
		return
	}
	b.rels[id] = true
	b.res.Relationships = append(b.res.Relationships, graph.Relationship{ID: id, Source: source, Target: target, Kind: kind})
}

func (b *builder) reference(source, qualifier, name string, kind graph.RelationKind, line int) {
	if name == "" || source == "" {
		return
	}
	key := source + "\x00" + string(kind) + "\x00" + qualifier + "\x00" + name
	if b.refs[key] {
		return
	}
	b.refs[key] = true
	b.res.References = append(b.res.References, Reference{Source: source, Name: name, Qualifier: qualifier, Kind: kind, Line: line})
}

// finish links references to names defined in the same file. A name
// matching exactly one entity becomes a relationship; everything else is
// left for the indexer.
func (b *builder) finish() *FileResult {
	byName := make(map[string][]string)
	for i := range b.res.Entities {
		e := &b.res.Entities[i]
		if e.Kind == graph.KindImport || e.Kind == graph.KindModule {
			continue
		}
		byName[e.ShortName()] = append(byName[e.ShortName()], e.ID)
	}

	var unresolved []Reference
	for _, ref := range b.res.References {
		// Imports always point outside the file.
		if ref.Kind == graph.RelImports {
			unresolved = append(unresolved, ref)
			continue
		}
		if ids := byName[ref.Name]; len(ids) == 1 {
			b.relate(ref.Source, ids[0], ref.Kind)
			continue
		}
		unresolved = append(unresolved, ref)
	}
	b.res.References = unresolved
	return b.res
}

// Registry selects a parser by file extension.
type Registry struct {
	parsers   map[string]Parser
	languages map[string]string
}

// NewRegistry returns a registry with the Go, Python, JavaScript and
// TypeScript parsers.
func NewRegistry() *Registry {
	r := &Registry{
		parsers:   make(map[string]Parser),
		languages: make(map[string]string),
	}
	r.Register("go", NewGoParser(), ".go")
	r.Register("python", NewPythonParser(), ".py", ".pyw", ".pyi")
	r.Register("javascript", NewJavaScriptParser(), ".js", ".mjs", ".cjs", ".jsx")
	r.Register("typescript", NewTypeScriptParser(), ".ts", ".mts", ".cts")
	r.Register("typescript", NewTSXParser(), ".tsx")
	return r
}

// Register binds p to the given extensions, replacing earlier bindings.
func (r *Registry) Register(language string, p Parser, exts ...string) {
	for _, ext := range exts {
		ext = strings.ToLower(ext)
		r.parsers[ext] = p
		r.languages[ext] = language
	}
}

// Language returns the language of path, or "" when unsupported.
func (r *Registry) Language(path string) string {
	return r.languages[strings.ToLower(filepath.Ext(path))]
}

// Supports reports whether some parser handles path.
func (r *Registry) Supports(path string) bool {
	_, ok := r.parsers[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Extensions lists the registered extensions, sorted.
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.parsers))
	for ext := range r.parsers {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Parse dispatches to the parser registered for the extension of path.
// Every failure is returned as a *ParseError.
func (r *Registry) Parse(ctx context.Context, path string, content []byte) (*FileResult, error) {
	ext := strings.ToLower(filepath.Ext(path))
	p, ok := r.parsers[ext]
	if !ok {
		return nil, &ParseError{Path: path, Err: ErrUnsupported}
	}
	res, err := p.Parse(ctx, path, content)
	if err != nil {
		telemetry.ParseFailures.WithLabelValues(r.languages[ext]).Inc()
		var pe *ParseError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, &ParseError{Path: path, Err: err}
	}
	return res, nil
}

// lineCount returns the number of lines in content, at least 1.
func lineCount(content []byte) int {
	n := strings.Count(string(content), "\n")
	if len(content) > 0 && content[len(content)-1] != '\n' {
		n++
	}
	if n < 1 {
		return 1
	}
	return n
}
