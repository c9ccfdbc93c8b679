// Package engine is the query and update facade over the graph store, the
// lexical and semantic indices, the retriever and the closure assembler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zheng/codectx/internal/closure"
	"github.com/zheng/codectx/internal/export"
	"github.com/zheng/codectx/internal/graph"
	"github.com/zheng/codectx/internal/impact"
	"github.com/zheng/codectx/internal/lexical"
	"github.com/zheng/codectx/internal/llm"
	"github.com/zheng/codectx/internal/retrieval"
	"github.com/zheng/codectx/internal/semantic"
	"github.com/zheng/codectx/internal/telemetry"
	"github.com/zheng/codectx/internal/updater"
)

var tracer = telemetry.Tracer("engine")

// Options configures an engine.
type Options struct {
	Retrieval retrieval.Options
	Closure   closure.Options
	Lexical   lexical.Config
	Pool      updater.PoolConfig

	// QueryTimeout bounds ranking and assembly of one query.
	QueryTimeout time.Duration
	// SummaryTimeout bounds the narrative step after assembly.
	SummaryTimeout time.Duration
	// EmbeddingDimensions fixes the vector size; 0 takes the first vector's.
	EmbeddingDimensions int
}

// DefaultOptions returns the defaults of every component with a 10s query
// timeout and a 30s summary timeout.
func DefaultOptions() Options {
	return Options{
		Retrieval:      retrieval.DefaultOptions(),
		Closure:        closure.DefaultOptions(),
		Lexical:        lexical.DefaultConfig(),
		Pool:           updater.DefaultPoolConfig(),
		QueryTimeout:   10 * time.Second,
		SummaryTimeout: 30 * time.Second,
	}
}

// Engine answers queries over one code graph.
type Engine struct {
	opts       Options
	store      *graph.Store
	lex        *lexical.Index
	sem        *semantic.Index
	updater    *updater.Updater
	retriever  *retrieval.Retriever
	assembler  *closure.Assembler
	embedder   llm.Embedder
	summarizer llm.Summarizer
	logger     *slog.Logger
}

// Option customizes an engine.
type Option func(*Engine)

// WithEmbedder sets the embedding collaborator used for entities and queries.
func WithEmbedder(e llm.Embedder) Option {
	return func(en *Engine) { en.embedder = e }
}

// WithSummarizer sets the collaborator that narrates closures.
func WithSummarizer(s llm.Summarizer) Option {
	return func(en *Engine) { en.summarizer = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(en *Engine) { en.logger = l }
}

// New creates an engine with an empty graph.
func New(opts Options, options ...Option) *Engine {
	e := &Engine{opts: opts, logger: slog.Default()}
	for _, o := range options {
		o(e)
	}
	if e.opts.QueryTimeout <= 0 {
		e.opts.QueryTimeout = 10 * time.Second
	}
	if e.opts.SummaryTimeout <= 0 {
		e.opts.SummaryTimeout = 30 * time.Second
	}

	e.store = graph.NewStore()
	e.lex = lexical.New(opts.Lexical)
	e.sem = semantic.New(opts.EmbeddingDimensions)
	e.updater = updater.New(e.store, e.lex, e.sem, e.embedder, opts.Pool, e.logger)
	e.retriever = retrieval.New(e.lex, e.sem, e.logger)
	e.assembler = closure.New(e.logger)
	return e
}

// Close stops background embedding.
func (e *Engine) Close() {
	e.updater.Close()
}

// Wait blocks until background embeddings are done.
func (e *Engine) Wait() {
	e.updater.Wait()
}

// Snapshot returns the current graph snapshot.
func (e *Engine) Snapshot() *graph.Snapshot {
	return e.store.Snapshot()
}

// QueryRequest is one query. Zero fields take the engine defaults.
type QueryRequest struct {
	Text     string         `json:"text"`
	TopK     int            `json:"top_k,omitempty"`     // 0 使用配置值
	Budget   closure.Budget `json:"budget"`              // 零值使用配置的预算
	MaxDepth int            `json:"max_depth,omitempty"` // 负数表示不扩展
	// Summarize asks the reasoning collaborator for a narrative.
	Summarize bool `json:"summarize,omitempty"`
}

// QueryResult is the answer to a query.
type QueryResult struct {
	ID         string                `json:"id"` // 查询 ID, 用于日志关联
	Query      string                `json:"query"`
	Candidates []retrieval.Candidate `json:"candidates"`
	Closure    *closure.Result       `json:"closure"`
	Summary    string                `json:"summary,omitempty"`
	// SummaryError is set when a summary was requested and could not be produced.
	SummaryError string `json:"summary_error,omitempty"`
	// Degraded is set when the query ran without its semantic signal.
	Degraded bool          `json:"degraded,omitempty"`
	Version  uint64        `json:"version"` // 查询所用快照的版本
	Elapsed  time.Duration `json:"elapsed"`
}

// Query ranks entities for req.Text and assembles the closure around them.
// Ranking and the snapshot it ran on always agree; mutations that start
// later are not visible to the result.
func (e *Engine) Query(ctx context.Context, req QueryRequest) (res *QueryResult, err error) {
	start := time.Now()
	res = &QueryResult{ID: uuid.NewString(), Query: req.Text}

	ctx, span := tracer.Start(ctx, "engine.Query", trace.WithAttributes(
		attribute.String("query.id", res.ID),
		attribute.Int("top_k", req.TopK),
	))
	defer func() {
		telemetry.EndSpan(span, err)
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "error"
		case res.Closure != nil && res.Closure.Truncated:
			outcome = "truncated"
		}
		telemetry.QueriesTotal.WithLabelValues(outcome).Inc()
	}()

	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("query: empty text")
	}

	qctx, cancel := context.WithTimeout(ctx, e.opts.QueryTimeout)
	defer cancel()

	q := retrieval.Query{Text: req.Text}
	q.Vector, res.Degraded = e.embedQuery(qctx, req.Text)

	ropts := e.opts.Retrieval
	if req.TopK > 0 {
		ropts.TopK = req.TopK
	}

	var snap *graph.Snapshot
	var rankErr error
	rankStart := time.Now()
	e.updater.Read(func() {
		snap = e.store.Snapshot()
		res.Candidates, rankErr = e.retriever.Rank(qctx, snap, q, ropts)
	})
	telemetry.QueryDuration.WithLabelValues("rank").Observe(time.Since(rankStart).Seconds())
	if rankErr != nil && !errors.Is(rankErr, context.DeadlineExceeded) {
		return nil, fmt.Errorf("query %s: %w", res.ID, rankErr)
	}
	res.Version = snap.Version()

	copts := e.opts.Closure
	if req.MaxDepth != 0 {
		copts.MaxDepth = req.MaxDepth
	}
	if req.Budget.MaxChars > 0 || req.Budget.MaxEntities > 0 {
		copts.Budget = req.Budget
	}

	assembleStart := time.Now()
	res.Closure, err = e.assembler.Assemble(qctx, snap, res.Candidates, copts)
	telemetry.QueryDuration.WithLabelValues("assemble").Observe(time.Since(assembleStart).Seconds())
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", res.ID, err)
	}
	if rankErr != nil {
		res.Closure.Truncated = true
		res.Closure.TimedOut = true
	}

	if req.Summarize {
		e.summarize(ctx, res)
	}

	res.Elapsed = time.Since(start)
	span.SetAttributes(
		attribute.Int("candidates", len(res.Candidates)),
		attribute.Int("closure.entities", len(res.Closure.Entities)),
	)
	e.logger.Debug("query answered",
		slog.String("id", res.ID),
		slog.Int("candidates", len(res.Candidates)),
		slog.Int("entities", len(res.Closure.Entities)),
		slog.Bool("truncated", res.Closure.Truncated),
		slog.Duration("elapsed", res.Elapsed))
	return res, nil
}

// embedQuery returns the query vector, or nil and true when an embedder is
// configured but failed.
func (e *Engine) embedQuery(ctx context.Context, text string) ([]float32, bool) {
	if e.embedder == nil || e.sem.Len() == 0 {
		return nil, false
	}
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		telemetry.EmbeddingRequests.WithLabelValues("query_failed").Inc()
		e.logger.Warn("query embedding failed, ranking lexically",
			slog.String("error", (&llm.EmbeddingError{Err: err}).Error()))
		return nil, true
	}
	return vec, false
}

// summarize narrates the closure. Failures are recorded on the result and
// never change the closure.
func (e *Engine) summarize(ctx context.Context, res *QueryResult) {
	if e.summarizer == nil {
		res.SummaryError = (&llm.ReasoningError{Err: errors.New("no summarizer configured")}).Error()
		return
	}
	if len(res.Closure.Entities) == 0 {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, e.opts.SummaryTimeout)
	defer cancel()
	start := time.Now()
	text, err := e.summarizer.Summarize(sctx, Prompt(res.Query, res.Closure))
	telemetry.QueryDuration.WithLabelValues("summarize").Observe(time.Since(start).Seconds())
	if err != nil {
		rerr := &llm.ReasoningError{Err: err}
		res.SummaryError = rerr.Error()
		e.logger.Warn("summary omitted", slog.String("id", res.ID), slog.String("error", rerr.Error()))
		return
	}
	res.Summary = text
}

// Prompt builds the summarization prompt for a closure.
func Prompt(query string, res *closure.Result) string {
	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(query)
	sb.WriteString("\n\nRelevant code entities:\n")
	for _, m := range res.Entities {
		ent := m.Entity
		sb.WriteString(fmt.Sprintf("\n### %s %s (%s:%d)\n", ent.Kind, ent.Name, ent.Path, ent.Span.Start.Line))
		if ent.Signature != "" {
			sb.WriteString(ent.Signature + "\n")
		}
		if ent.Description != "" {
			sb.WriteString(ent.Description + "\n")
		}
		if ent.Content != "" {
			sb.WriteString("```\n" + ent.Content + "\n```\n")
		}
	}
	if len(res.Relationships) > 0 {
		sb.WriteString("\nRelationships:\n")
		for _, r := range res.Relationships {
			sb.WriteString(fmt.Sprintf("- %s %s %s\n", r.Source, r.Kind, r.Target))
		}
	}
	return sb.String()
}

// TraceResult lists the dependencies and dependents of one entity.
type TraceResult = impact.Report

// Trace follows dependency relationships from the entity named by ref,
// which is an id or a name FindByName resolves unambiguously.
func (e *Engine) Trace(ctx context.Context, ref string, dir graph.Direction, maxDepth int) (res *TraceResult, err error) {
	_, span := tracer.Start(ctx, "engine.Trace", trace.WithAttributes(
		attribute.String("ref", ref),
		attribute.String("direction", dir.String()),
		attribute.Int("max_depth", maxDepth),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := e.store.Snapshot()
	target, err := impact.Resolve(snap, ref)
	if err != nil {
		return nil, err
	}
	return impact.Analyze(snap, target, dir, maxDepth)
}

// Search returns the entities whose name matches pattern.
func (e *Engine) Search(pattern string, limit int) []*graph.Entity {
	matches := e.store.Snapshot().FindByName(pattern)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// Get returns one entity.
func (e *Engine) Get(id string) (*graph.Entity, error) {
	return e.store.Get(id)
}

// ApplyChange replaces the entities and relationships of one file.
func (e *Engine) ApplyChange(ctx context.Context, path string, entities []graph.Entity, relationships []graph.Relationship) (*updater.ChangeSet, error) {
	return e.updater.ApplyChange(ctx, path, entities, relationships)
}

// ApplyDeletion removes one file.
func (e *Engine) ApplyDeletion(ctx context.Context, path string) (*updater.ChangeSet, error) {
	return e.updater.ApplyDeletion(ctx, path)
}

// Load replaces the whole graph.
func (e *Engine) Load(scopes []graph.ScopeData, vectors map[string][]float32) error {
	return e.updater.Load(scopes, vectors)
}

// Clear empties the graph and indices.
func (e *Engine) Clear() {
	e.updater.Clear()
}

// Export serializes the graph, its vectors and index metadata.
func (e *Engine) Export() *export.Document {
	var doc *export.Document
	e.updater.Read(func() {
		doc = export.Build(e.store.Snapshot(), e.sem, e.lex.Len())
	})
	return doc
}

// Import replaces the graph with the content of doc. A document whose
// embedding dimension differs from the engine's is rejected before
// anything changes; otherwise the engine adopts the document's dimension.
func (e *Engine) Import(doc *export.Document) error {
	scopes, vectors, err := doc.Scopes()
	if err != nil {
		return err
	}
	dim := doc.Index.EmbeddingDimensions
	for _, vec := range vectors {
		dim = len(vec)
		break
	}
	if cur := e.sem.Dimensions(); dim > 0 && cur > 0 && cur != dim {
		return fmt.Errorf("import: document has %d dimensions, engine uses %d: %w", dim, cur, semantic.ErrDimensionMismatch)
	}
	if err := e.updater.Load(scopes, vectors); err != nil {
		return fmt.Errorf("import: %w", err)
	}
	if dim > 0 {
		if err := e.sem.Fix(dim); err != nil {
			return fmt.Errorf("import: %w", err)
		}
	}
	return nil
}

// Stats is a summary of the engine state.
type Stats struct {
	graph.Stats
	LexicalDocuments    int               `json:"lexical_documents"`
	SemanticVectors     int               `json:"semantic_vectors"`
	EmbeddingDimensions int               `json:"embedding_dimensions"`
	Embeddings          updater.PoolStats `json:"embeddings"`
}

// Stats returns graph and index counters.
func (e *Engine) Stats() Stats {
	var st Stats
	e.updater.Read(func() {
		st = Stats{
			Stats:               e.store.Stats(),
			LexicalDocuments:    e.lex.Len(),
			SemanticVectors:     e.sem.Len(),
			EmbeddingDimensions: e.sem.Dimensions(),
		}
	})
	st.Embeddings = e.updater.PoolStats()
	return st
}

// Hubs ranks entities by their number of dependents.
func (e *Engine) Hubs(limit int) []graph.Hub {
	return e.store.Snapshot().Hubs(limit)
}

// Cycles returns the dependency cycles of the graph.
func (e *Engine) Cycles() [][]string {
	return e.store.Snapshot().Cycles(impact.DependencyKinds())
}

// ShortestPath finds the shortest path between two entities named like
// Trace arguments, following relationships of every kind.
func (e *Engine) ShortestPath(from, to string) (*graph.Path, error) {
	snap := e.store.Snapshot()
	src, err := impact.Resolve(snap, from)
	if err != nil {
		return nil, err
	}
	dst, err := impact.Resolve(snap, to)
	if err != nil {
		return nil, err
	}
	return snap.ShortestPath(src.ID, dst.ID, nil)
}
