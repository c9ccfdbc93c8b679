// Package lexical implements an incrementally maintained BM25 index over
// code entities.
package lexical

import (
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/zheng/codectx/internal/graph"
)

// Config holds the BM25 parameters.
type Config struct {
	K1 float64 `yaml:"k1" env:"K1"` // 词频饱和度
	B  float64 `yaml:"b" env:"B"`   // 文档长度归一化
	// MaxExcerpt bounds how many bytes of entity content are indexed.
	MaxExcerpt int `yaml:"max_excerpt" env:"MAX_EXCERPT"`
}

// DefaultConfig returns k1=1.2, b=0.75 and a 2000 byte excerpt.
func DefaultConfig() Config {
	return Config{K1: 1.2, B: 0.75, MaxExcerpt: 2000}
}

// Hit is one search result.
type Hit struct {
	ID    string
	Score float64
}

type document struct {
	kind   graph.EntityKind
	path   string
	length int
	terms  map[string]int
}

// Index is a BM25 inverted index. Put and Remove touch only the postings
// of the affected entity. Index is safe for concurrent use.
type Index struct {
	cfg Config

	mu       sync.RWMutex
	docs     map[string]*document
	postings map[string]map[string]int // term -> doc id -> tf
	totalLen int
}

// New creates an empty index. Zero fields of cfg take their defaults.
func New(cfg Config) *Index {
	def := DefaultConfig()
	if cfg.K1 <= 0 {
		cfg.K1 = def.K1
	}
	if cfg.B < 0 || cfg.B > 1 {
		cfg.B = def.B
	}
	if cfg.MaxExcerpt <= 0 {
		cfg.MaxExcerpt = def.MaxExcerpt
	}
	return &Index{
		cfg:      cfg,
		docs:     make(map[string]*document),
		postings: make(map[string]map[string]int),
	}
}

// Text returns the text indexed for an entity.
func (idx *Index) Text(e *graph.Entity) string {
	content := e.Content
	if len(content) > idx.cfg.MaxExcerpt {
		content = content[:idx.cfg.MaxExcerpt]
	}
	return strings.Join([]string{e.Name, e.Description, e.Signature, content}, " ")
}

// Put indexes an entity, replacing any previous entry with the same id.
func (idx *Index) Put(e *graph.Entity) {
	tokens := Tokenize(idx.Text(e))
	doc := &document{
		kind:   e.Kind,
		path:   e.Path,
		length: len(tokens),
		terms:  make(map[string]int),
	}
	for _, t := range tokens {
		doc.terms[t]++
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.remove(e.ID)
	idx.docs[e.ID] = doc
	idx.totalLen += doc.length
	for t, tf := range doc.terms {
		p := idx.postings[t]
		if p == nil {
			p = make(map[string]int)
			idx.postings[t] = p
		}
		p[e.ID] = tf
	}
}

// Remove drops an entity from the index. Unknown ids are ignored.
func (idx *Index) Remove(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.remove(id)
}

func (idx *Index) remove(id string) {
	doc, ok := idx.docs[id]
	if !ok {
		return
	}
	for t := range doc.terms {
		p := idx.postings[t]
		delete(p, id)
		if len(p) == 0 {
			delete(idx.postings, t)
		}
	}
	idx.totalLen -= doc.length
	delete(idx.docs, id)
}

// Clear removes every entry.
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.docs = make(map[string]*document)
	idx.postings = make(map[string]map[string]int)
	idx.totalLen = 0
}

// Len returns the number of indexed entities.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// Has reports whether an entity is indexed.
func (idx *Index) Has(id string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.docs[id]
	return ok
}

// Search tokenizes query and returns at most topK entities with a positive
// score. Results are ordered by score desc, then kind priority, then path,
// then id. topK <= 0 returns every match.
func (idx *Index) Search(query string, topK int) []Hit {
	return idx.SearchTerms(Tokenize(query), topK)
}

// SearchTerms is Search over already tokenized terms.
func (idx *Index) SearchTerms(terms []string, topK int) []Hit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := len(idx.docs)
	if n == 0 || len(terms) == 0 {
		return nil
	}
	avg := float64(idx.totalLen) / float64(n)
	if avg == 0 {
		avg = 1
	}

	scores := make(map[string]float64)
	seen := make(map[string]bool, len(terms))
	for _, t := range terms {
		t = strings.ToLower(t)
		if seen[t] {
			continue
		}
		seen[t] = true
		p := idx.postings[t]
		if len(p) == 0 {
			continue
		}
		df := float64(len(p))
		idf := math.Log(1 + (float64(n)-df+0.5)/(df+0.5))
		for id, tf := range p {
			dl := float64(idx.docs[id].length)
			f := float64(tf)
			scores[id] += idf * f * (idx.cfg.K1 + 1) / (f + idx.cfg.K1*(1-idx.cfg.B+idx.cfg.B*dl/avg))
		}
	}

	hits := make([]Hit, 0, len(scores))
	for id, s := range scores {
		if s > 0 {
			hits = append(hits, Hit{ID: id, Score: s})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		da, db := idx.docs[a.ID], idx.docs[b.ID]
		if pa, pb := da.kind.Priority(), db.kind.Priority(); pa != pb {
			return pa < pb
		}
		if da.path != db.path {
			return da.path < db.path
		}
		return a.ID < b.ID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}
