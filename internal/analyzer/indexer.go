// Package analyzer walks a project, parses its files in parallel and links
// names across files into a loadable graph.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zheng/codectx/internal/graph"
	"github.com/zheng/codectx/internal/parser"
	"github.com/zheng/codectx/internal/updater"
)

// Options configures an Indexer.
type Options struct {
	Workers     int      // 并发解析数, 0 表示 CPU 数
	SkipDirs    []string // 额外跳过的目录名
	MaxFileSize int64    // 超过该大小的文件不解析, 0 表示不限
}

// DefaultOptions returns the options used by the CLI.
func DefaultOptions() Options {
	return Options{MaxFileSize: 1 << 20}
}

// Skipped is a file that could not be parsed.
type Skipped struct {
	Path string
	Err  error
}

// Result is the outcome of indexing a project.
type Result struct {
	Scopes  []graph.ScopeData
	Files   int
	Skipped []Skipped
	Links   LinkStats
	Elapsed time.Duration
}

// Entities counts the entities of all scopes.
func (r *Result) Entities() int {
	n := 0
	for _, s := range r.Scopes {
		n += len(s.Entities)
	}
	return n
}

// Relationships counts the relationships of all scopes.
func (r *Result) Relationships() int {
	n := 0
	for _, s := range r.Scopes {
		n += len(s.Relationships)
	}
	return n
}

// Indexer turns a project directory into graph scopes.
type Indexer struct {
	registry *parser.Registry
	walker   *Walker
	opts     Options
	logger   *slog.Logger
}

// New creates an indexer for the project at root.
func New(root string, registry *parser.Registry, opts Options, logger *slog.Logger) (*Indexer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	skip := append(append([]string(nil), DefaultSkipDirs...), opts.SkipDirs...)
	w, err := NewWalker(root, skip, opts.MaxFileSize, registry.Supports)
	if err != nil {
		return nil, fmt.Errorf("read ignore rules: %w", err)
	}
	return &Indexer{registry: registry, walker: w, opts: opts, logger: logger}, nil
}

// Root returns the absolute project root.
func (ix *Indexer) Root() string { return ix.walker.Root() }

// Walker exposes the file filter, shared with the watcher.
func (ix *Indexer) Walker() *Walker { return ix.walker }

// Index parses every supported file and links them into scopes.
func (ix *Indexer) Index(ctx context.Context) (*Result, error) {
	start := time.Now()
	files, err := ix.walker.Files()
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", ix.Root(), err)
	}
	ix.logger.Info("indexing project", slog.String("root", ix.Root()), slog.Int("files", len(files)))

	results, skipped, err := ix.ParseFiles(ctx, files)
	if err != nil {
		return nil, err
	}
	scopes, links := Link(results, nil)

	res := &Result{
		Scopes:  scopes,
		Files:   len(files),
		Skipped: skipped,
		Links:   links,
		Elapsed: time.Since(start),
	}
	ix.logger.Info("indexing done",
		slog.Int("files", res.Files),
		slog.Int("skipped", len(skipped)),
		slog.Int("entities", res.Entities()),
		slog.Int("relationships", res.Relationships()),
		slog.Int("unresolved", links.Unresolved),
		slog.Duration("elapsed", res.Elapsed))
	return res, nil
}

// ParseFiles parses files with bounded parallelism. Files that fail to
// parse are skipped; only cancellation aborts the whole run. Results keep
// the order of files.
func (ix *Indexer) ParseFiles(ctx context.Context, files []string) ([]*parser.FileResult, []Skipped, error) {
	results := make([]*parser.FileResult, len(files))
	var (
		mu      sync.Mutex
		skipped []Skipped
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.opts.Workers)
	for i, rel := range files {
		g.Go(func() error {
			res, err := ix.ParseFile(gctx, rel)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				ix.logger.Warn("skipping file", slog.String("path", rel), slog.String("error", err.Error()))
				mu.Lock()
				skipped = append(skipped, Skipped{Path: rel, Err: err})
				mu.Unlock()
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	// tree-sitter reports cancellation as its own error, so check again.
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	parsed := make([]*parser.FileResult, 0, len(results))
	for _, res := range results {
		if res != nil {
			parsed = append(parsed, res)
		}
	}
	return parsed, skipped, nil
}

// ParseFile reads and parses one file given by its relative path.
func (ix *Indexer) ParseFile(ctx context.Context, rel string) (*parser.FileResult, error) {
	content, err := os.ReadFile(filepath.Join(ix.Root(), filepath.FromSlash(rel)))
	if err != nil {
		return nil, &parser.ParseError{Path: rel, Err: err}
	}
	return ix.registry.Parse(ctx, rel, content)
}

// Reindex parses the given files again and links them against the
// entities already in snap. Files that no longer exist are reported in
// removed and are not link targets.
func (ix *Indexer) Reindex(ctx context.Context, snap *graph.Snapshot, files []string) (scopes []graph.ScopeData, removed []string, skipped []Skipped, err error) {
	var present []string
	for _, rel := range files {
		if _, statErr := os.Stat(filepath.Join(ix.Root(), filepath.FromSlash(rel))); os.IsNotExist(statErr) {
			removed = append(removed, rel)
			continue
		}
		present = append(present, rel)
	}

	results, skipped, err := ix.ParseFiles(ctx, present)
	if err != nil {
		return nil, nil, nil, err
	}
	gone := make(map[string]bool, len(removed))
	for _, rel := range removed {
		gone[rel] = true
	}
	var existing []*graph.Entity
	for _, e := range snap.Entities() {
		if !gone[e.Path] {
			existing = append(existing, e)
		}
	}
	scopes, _ = Link(results, existing)
	return scopes, removed, skipped, nil
}

// Applier receives incremental file changes. *engine.Engine implements it.
type Applier interface {
	ApplyChange(ctx context.Context, path string, entities []graph.Entity, relationships []graph.Relationship) (*updater.ChangeSet, error)
}

// ApplyScopes writes re-parsed scopes one file at a time. Relationships
// between two of the re-parsed files cannot be inserted before both files
// exist, so they are held back in a first pass and added in a second.
func ApplyScopes(ctx context.Context, a Applier, scopes []graph.ScopeData) error {
	pending := make(map[string]bool)
	for _, sc := range scopes {
		for _, e := range sc.Entities {
			pending[e.ID] = true
		}
	}

	var deferred []graph.ScopeData
	for _, sc := range scopes {
		own := make(map[string]bool, len(sc.Entities))
		for _, e := range sc.Entities {
			own[e.ID] = true
		}
		rels := make([]graph.Relationship, 0, len(sc.Relationships))
		for _, r := range sc.Relationships {
			if pending[r.Target] && !own[r.Target] {
				continue
			}
			rels = append(rels, r)
		}
		if _, err := a.ApplyChange(ctx, sc.ID, sc.Entities, rels); err != nil {
			return fmt.Errorf("apply %s: %w", sc.ID, err)
		}
		if len(rels) < len(sc.Relationships) {
			deferred = append(deferred, sc)
		}
	}

	for _, sc := range deferred {
		if _, err := a.ApplyChange(ctx, sc.ID, sc.Entities, sc.Relationships); err != nil {
			return fmt.Errorf("apply %s: %w", sc.ID, err)
		}
	}
	return nil
}
