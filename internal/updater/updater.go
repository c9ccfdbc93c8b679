// Package updater applies per-file changes to the graph store and keeps the
// lexical and semantic indices in step with it.
package updater

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/zheng/codectx/internal/graph"
	"github.com/zheng/codectx/internal/lexical"
	"github.com/zheng/codectx/internal/llm"
	"github.com/zheng/codectx/internal/semantic"
	"github.com/zheng/codectx/internal/telemetry"
)

// ChangeSet describes what one file update did.
type ChangeSet struct {
	Path      string   `json:"path"`
	Added     []string `json:"added,omitempty"`
	Changed   []string `json:"changed,omitempty"`
	Unchanged []string `json:"unchanged,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	// Embeddings is the number of embedding jobs dispatched.
	Embeddings int              `json:"embeddings"`
	Stats      graph.UpsertStats `json:"stats"`
}

// Updater is the single writer of a store and its indices. All mutations
// go through it; readers that need the store and indices to agree use Read.
type Updater struct {
	mu     sync.RWMutex
	store  *graph.Store
	lex    *lexical.Index
	sem    *semantic.Index
	pool   *Pool
	logger *slog.Logger
}

// New creates an updater. With a nil embedder no embeddings are computed
// and entities without a vector stay lexical-only.
func New(store *graph.Store, lex *lexical.Index, sem *semantic.Index, embedder llm.Embedder, cfg PoolConfig, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	u := &Updater{store: store, lex: lex, sem: sem, logger: logger}
	if embedder != nil {
		u.pool = NewPool(embedder, cfg, u.promote, logger)
	}
	return u
}

// Read runs fn under the read lock. No mutation is applied while fn runs.
func (u *Updater) Read(fn func()) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	fn()
}

// ApplyChange replaces the content of path and updates the indices for the
// entities that were added, changed or removed. Embeddings for added and
// changed entities are computed in the background.
func (u *Updater) ApplyChange(ctx context.Context, path string, entities []graph.Entity, relationships []graph.Relationship) (*ChangeSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	u.mu.Lock()
	cs, jobs, err := u.applyChange(path, entities, relationships)
	u.mu.Unlock()
	if err != nil {
		return nil, err
	}

	u.dispatch(jobs)
	cs.Embeddings = len(jobs)
	telemetry.FileUpdates.WithLabelValues("change").Inc()
	u.logger.Debug("file updated",
		slog.String("path", path),
		slog.Int("added", len(cs.Added)),
		slog.Int("changed", len(cs.Changed)),
		slog.Int("removed", len(cs.Removed)),
		slog.Int("restored", cs.Stats.Restored))
	return cs, nil
}

func (u *Updater) applyChange(path string, entities []graph.Entity, relationships []graph.Relationship) (*ChangeSet, []Job, error) {
	old, _ := u.store.ScopeFingerprints(path)

	stats, err := u.store.UpsertFile(path, entities, relationships)
	if err != nil {
		return nil, nil, fmt.Errorf("apply %s: %w", path, err)
	}

	cs := &ChangeSet{Path: path, Stats: stats}
	var jobs []Job
	seen := make(map[string]bool, len(entities))
	for i := range entities {
		e := &entities[i]
		seen[e.ID] = true
		fp := e.Fingerprint()
		prevFP, existed := old[e.ID]
		switch {
		case !existed:
			cs.Added = append(cs.Added, e.ID)
		case prevFP != fp:
			cs.Changed = append(cs.Changed, e.ID)
			u.sem.Remove(e.ID)
		default:
			cs.Unchanged = append(cs.Unchanged, e.ID)
			continue
		}
		u.lex.Put(e)
		if job, ok := u.index(e, fp); ok {
			jobs = append(jobs, job)
		}
	}
	for id := range old {
		if !seen[id] {
			cs.Removed = append(cs.Removed, id)
			u.lex.Remove(id)
			u.sem.Remove(id)
		}
	}
	sort.Strings(cs.Removed)
	u.gauge()
	return cs, jobs, nil
}

// index stores a parser-provided vector, or returns an embedding job when
// the entity has none.
func (u *Updater) index(e *graph.Entity, fp uint64) (Job, bool) {
	if len(e.Embedding) > 0 {
		err := u.sem.Put(e.ID, e.Embedding)
		if err == nil {
			return Job{}, false
		}
		u.logger.Warn("ignoring entity embedding",
			slog.String("entity", e.ID), slog.String("error", err.Error()))
	}
	if u.pool == nil {
		return Job{}, false
	}
	return Job{ID: e.ID, Fingerprint: fp, Text: EmbeddingText(e)}, true
}

// ApplyDeletion removes path and its entities from the store and indices.
func (u *Updater) ApplyDeletion(ctx context.Context, path string) (*ChangeSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	prev, ok := u.store.ScopeFingerprints(path)
	if !ok {
		return nil, fmt.Errorf("delete %s: %w", path, graph.ErrNotFound)
	}
	stats, err := u.store.RemoveFile(path)
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", path, err)
	}
	cs := &ChangeSet{Path: path, Stats: stats}
	for id := range prev {
		cs.Removed = append(cs.Removed, id)
		u.lex.Remove(id)
		u.sem.Remove(id)
	}
	sort.Strings(cs.Removed)
	u.gauge()
	telemetry.FileUpdates.WithLabelValues("delete").Inc()
	return cs, nil
}

// Load replaces everything with scopes and rebuilds both indices. Vectors
// take precedence over entity embeddings; entities with neither are sent
// to the embedding pool. Vectors the semantic index rejects are skipped.
func (u *Updater) Load(scopes []graph.ScopeData, vectors map[string][]float32) error {
	u.mu.Lock()
	if err := u.store.Load(scopes); err != nil {
		u.mu.Unlock()
		return err
	}
	u.lex.Clear()
	u.sem.Clear()

	var jobs []Job
	for _, sc := range scopes {
		for i := range sc.Entities {
			e := &sc.Entities[i]
			u.lex.Put(e)
			if vec, ok := vectors[e.ID]; ok && len(vec) > 0 {
				if err := u.sem.Put(e.ID, vec); err != nil {
					u.logger.Warn("ignoring stored vector",
						slog.String("entity", e.ID), slog.String("error", err.Error()))
				}
				continue
			}
			if job, ok := u.index(e, e.Fingerprint()); ok {
				jobs = append(jobs, job)
			}
		}
	}
	u.gauge()
	u.mu.Unlock()

	u.dispatch(jobs)
	u.logger.Info("graph loaded",
		slog.Int("scopes", len(scopes)),
		slog.Int("embedding_jobs", len(jobs)))
	return nil
}

// Clear empties the store and both indices.
func (u *Updater) Clear() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.store.Clear()
	u.lex.Clear()
	u.sem.Clear()
	u.gauge()
}

// promote stores a computed vector if the entity still has the
// fingerprint the job was created for.
func (u *Updater) promote(job Job, vec []float32) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	fp, ok := u.store.Fingerprint(job.ID)
	if !ok || fp != job.Fingerprint {
		return false
	}
	if err := u.sem.Put(job.ID, vec); err != nil {
		u.logger.Warn("embedding rejected",
			slog.String("entity", job.ID), slog.String("error", err.Error()))
		return false
	}
	return true
}

func (u *Updater) dispatch(jobs []Job) {
	if u.pool != nil && len(jobs) > 0 {
		u.pool.Submit(jobs...)
	}
}

func (u *Updater) gauge() {
	entities, relationships := u.store.Counts()
	telemetry.GraphEntities.Set(float64(entities))
	telemetry.GraphRelationships.Set(float64(relationships))
}

// Wait blocks until in-flight embeddings are done.
func (u *Updater) Wait() {
	if u.pool != nil {
		u.pool.Wait()
	}
}

// Close cancels in-flight embeddings.
func (u *Updater) Close() {
	if u.pool != nil {
		u.pool.Close()
	}
}

// PoolStats returns the embedding pool counters.
func (u *Updater) PoolStats() PoolStats {
	if u.pool == nil {
		return PoolStats{}
	}
	return u.pool.Stats()
}

// EmbeddingText is the text embedded for an entity.
func EmbeddingText(e *graph.Entity) string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(" ")
	b.WriteString(e.Name)
	for _, s := range []string{e.Signature, e.Description, e.Content} {
		if s == "" {
			continue
		}
		b.WriteString("\n")
		b.WriteString(s)
	}
	const maxLen = 8000
	text := b.String()
	if len(text) > maxLen {
		text = text[:maxLen]
	}
	return text
}
