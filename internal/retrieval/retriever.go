// Package retrieval fuses lexical, semantic and structural signals into a
// single ranked candidate list.
package retrieval

import (
	"context"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zheng/codectx/internal/graph"
	"github.com/zheng/codectx/internal/lexical"
	"github.com/zheng/codectx/internal/semantic"
	"github.com/zheng/codectx/internal/telemetry"
)

var tracer = telemetry.Tracer("retrieval")

// Query is what the user asked. Vector may be nil.
type Query struct {
	Text   string
	Vector []float32
}

// Options tunes fusion. Zero TopK, OverFetch and weights take the defaults
// of DefaultOptions, except StructuralWeight.
type Options struct {
	TopK      int `yaml:"top_k" env:"TOP_K"`           // 返回的候选数
	OverFetch int `yaml:"over_fetch" env:"OVER_FETCH"` // 每个信号多取的倍数

	LexicalWeight  float64 `yaml:"lexical_weight" env:"LEXICAL_WEIGHT"`   // BM25 权重
	SemanticWeight float64 `yaml:"semantic_weight" env:"SEMANTIC_WEIGHT"` // 向量相似度权重
	// StructuralWeight rewards entities one hop away from a match; 0
	// disables the signal.
	StructuralWeight float64 `yaml:"structural_weight" env:"STRUCTURAL_WEIGHT"`
	MinSimilarity    float64 `yaml:"min_similarity" env:"MIN_SIMILARITY"` // 低于此相似度的向量命中被忽略
}

// DefaultOptions returns equal lexical and semantic weights and a small
// structural boost.
func DefaultOptions() Options {
	return Options{
		TopK:             10,
		OverFetch:        3,
		LexicalWeight:    0.5,
		SemanticWeight:   0.5,
		StructuralWeight: 0.1,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.TopK <= 0 {
		o.TopK = def.TopK
	}
	if o.OverFetch <= 0 {
		o.OverFetch = def.OverFetch
	}
	if o.LexicalWeight == 0 && o.SemanticWeight == 0 {
		o.LexicalWeight = def.LexicalWeight
		o.SemanticWeight = def.SemanticWeight
	}
	if o.LexicalWeight < 0 {
		o.LexicalWeight = 0
	}
	if o.SemanticWeight < 0 {
		o.SemanticWeight = 0
	}
	if o.StructuralWeight < 0 {
		o.StructuralWeight = 0
	}
	return o
}

// Candidate is a ranked entity with its normalized sub-scores.
type Candidate struct {
	ID         string  `json:"id"`
	Combined   float64 `json:"combined"`   // 加权后的总分
	Lexical    float64 `json:"lexical"`    // 归一化 BM25 分
	Semantic   float64 `json:"semantic"`   // 归一化余弦相似度
	Structural float64 `json:"structural"` // 邻接命中的加分
}

// Retriever ranks entities using a lexical and a semantic index.
type Retriever struct {
	lex    *lexical.Index
	sem    *semantic.Index
	logger *slog.Logger
}

// New creates a retriever over the given indices.
func New(lex *lexical.Index, sem *semantic.Index, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{lex: lex, sem: sem, logger: logger}
}

// Rank returns at most opts.TopK candidates for q. Every candidate exists in
// snap. A semantic failure degrades to lexical-only ranking.
func (r *Retriever) Rank(ctx context.Context, snap *graph.Snapshot, q Query, opts Options) ([]Candidate, error) {
	opts = opts.withDefaults()
	fetch := opts.TopK * opts.OverFetch

	_, span := tracer.Start(ctx, "retrieval.Rank", trace.WithAttributes(
		attribute.Int("top_k", opts.TopK),
		attribute.Bool("has_vector", len(q.Vector) > 0),
	))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	lexScores := make(map[string]float64)
	for _, h := range r.lex.Search(q.Text, fetch) {
		if snap.Has(h.ID) {
			lexScores[h.ID] = h.Score
		}
	}

	semScores := make(map[string]float64)
	useSemantic := len(q.Vector) > 0 && r.sem != nil && r.sem.Len() > 0
	if useSemantic {
		hits, serr := r.sem.Search(q.Vector, fetch, opts.MinSimilarity)
		if serr != nil {
			r.logger.Warn("semantic search failed, using lexical ranking only",
				slog.String("error", serr.Error()))
			useSemantic = false
		}
		for _, h := range hits {
			if snap.Has(h.ID) {
				semScores[h.ID] = h.Similarity
			}
		}
	}

	normalize(lexScores)
	normalize(semScores)

	// Without a semantic signal the lexical score carries both weights.
	if !useSemantic {
		opts.LexicalWeight += opts.SemanticWeight
		opts.SemanticWeight = 0
	}

	cands := make(map[string]*Candidate, len(lexScores)+len(semScores))
	get := func(id string) *Candidate {
		c, ok := cands[id]
		if !ok {
			c = &Candidate{ID: id}
			cands[id] = c
		}
		return c
	}
	for id, s := range lexScores {
		get(id).Lexical = s
	}
	for id, s := range semScores {
		get(id).Semantic = s
	}

	if opts.StructuralWeight > 0 {
		r.boost(snap, cands, lexScores, semScores)
	}

	list := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		c.Combined = opts.LexicalWeight*c.Lexical + opts.SemanticWeight*c.Semantic + opts.StructuralWeight*c.Structural
		list = append(list, *c)
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Combined != list[j].Combined {
			return list[i].Combined > list[j].Combined
		}
		return list[i].ID < list[j].ID
	})
	if len(list) > opts.TopK {
		list = list[:opts.TopK]
	}
	span.SetAttributes(
		attribute.Int("lexical_hits", len(lexScores)),
		attribute.Int("semantic_hits", len(semScores)),
		attribute.Int("candidates", len(list)),
	)
	return list, nil
}

// boost sets the structural signal. An entity matched by one signal is
// boosted when it is one hop from an entity matched by the other; an
// entity matched by both is boosted when it is one hop from any match.
// Unmatched neighbors of matches are added as near misses.
func (r *Retriever) boost(snap *graph.Snapshot, cands map[string]*Candidate, lexScores, semScores map[string]float64) {
	matched := make([]string, 0, len(cands))
	for id := range cands {
		matched = append(matched, id)
	}
	sort.Strings(matched)

	for _, id := range matched {
		_, byLex := lexScores[id]
		_, bySem := semScores[id]
		for _, adj := range snap.Adjacent(id, nil, graph.Both) {
			other := adj.Other
			if other == id {
				continue
			}
			_, otherLex := lexScores[other]
			_, otherSem := semScores[other]
			switch {
			case byLex && bySem && (otherLex || otherSem):
				cands[id].Structural = 1
			case byLex && !bySem && otherSem:
				cands[id].Structural = 1
			case bySem && !byLex && otherLex:
				cands[id].Structural = 1
			case !otherLex && !otherSem:
				c, ok := cands[other]
				if !ok {
					c = &Candidate{ID: other}
					cands[other] = c
				}
				c.Structural = 1
			}
		}
	}
}

// normalize divides every score by the maximum, clamping negatives to 0.
func normalize(scores map[string]float64) {
	var top float64
	for _, s := range scores {
		if s > top {
			top = s
		}
	}
	for id, s := range scores {
		if s <= 0 || top == 0 {
			scores[id] = 0
			continue
		}
		scores[id] = s / top
	}
}
