package analyzer

import (
	"path"
	"strings"

	"github.com/zheng/codectx/internal/graph"
	"github.com/zheng/codectx/internal/parser"
)

// Confidence of relationships linked by name across files.
const (
	WeightQualified = 1.0 // 唯一匹配, 或限定名命中
	WeightSameDir   = 0.7 // 多个候选, 取同目录唯一者
	WeightReceiver  = 0.5 // 限定前缀未知, 唯一候选是方法
)

// LinkStats counts how references were resolved.
type LinkStats struct {
	Resolved   int `json:"resolved"`
	Ambiguous  int `json:"ambiguous"`
	Unresolved int `json:"unresolved"`
}

// Resolver links references to entities by short name.
type Resolver struct {
	byName map[string][]*graph.Entity
}

// NewResolver indexes entities by short name. Imports are not targets.
func NewResolver(entities []*graph.Entity) *Resolver {
	r := &Resolver{byName: make(map[string][]*graph.Entity)}
	for _, e := range entities {
		r.add(e)
	}
	return r
}

func (r *Resolver) add(e *graph.Entity) {
	if e.Kind == graph.KindImport {
		return
	}
	key := e.ShortName()
	if e.Kind == graph.KindModule {
		key = moduleKey(e)
	}
	r.byName[key] = append(r.byName[key], e)
}

// moduleKey is the name a module is imported by: the file name without
// extension, or the directory for package files.
func moduleKey(e *graph.Entity) string {
	base := path.Base(e.Path)
	stem := strings.TrimSuffix(base, path.Ext(base))
	if stem == "__init__" || stem == "index" {
		return path.Base(path.Dir(e.Path))
	}
	return stem
}

// Resolve finds the target of ref, which was found in the file at from.
// ok is false when no candidate or several equally good ones exist;
// ambiguous distinguishes the second case.
func (r *Resolver) Resolve(ref parser.Reference, from string) (target string, weight float64, ok, ambiguous bool) {
	var candidates []*graph.Entity
	for _, e := range r.byName[ref.Name] {
		if e.ID == ref.Source {
			continue
		}
		if e.Kind == graph.KindModule && ref.Kind != graph.RelImports {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return "", 0, false, false
	}

	if ref.Qualifier != "" {
		var qualified []*graph.Entity
		for _, e := range candidates {
			if matchesQualifier(e, ref.Qualifier) {
				qualified = append(qualified, e)
			}
		}
		switch {
		case len(qualified) == 1:
			return qualified[0].ID, WeightQualified, true, false
		case len(qualified) > 1:
			candidates = qualified
		default:
			// The qualifier is a variable or an external package. Only a
			// method call on a project type can still be linked.
			var methods []*graph.Entity
			for _, e := range candidates {
				if e.Kind == graph.KindMethod {
					methods = append(methods, e)
				}
			}
			if len(methods) == 1 {
				return methods[0].ID, WeightReceiver, true, false
			}
			if len(methods) == 0 {
				return "", 0, false, false
			}
			candidates = methods
		}
	}

	if len(candidates) == 1 {
		return candidates[0].ID, WeightQualified, true, false
	}

	dir := path.Dir(from)
	var local []*graph.Entity
	for _, e := range candidates {
		if path.Dir(e.Path) == dir {
			local = append(local, e)
		}
	}
	if len(local) == 1 {
		return local[0].ID, WeightSameDir, true, false
	}
	return "", 0, false, true
}

// matchesQualifier reports whether qualifier names the module, package
// directory or type that holds e.
func matchesQualifier(e *graph.Entity, qualifier string) bool {
	last := qualifier
	if idx := strings.LastIndexAny(qualifier, "./"); idx >= 0 {
		last = qualifier[idx+1:]
	}
	if strings.HasPrefix(e.Name, last+".") {
		return true
	}
	base := path.Base(e.Path)
	if strings.TrimSuffix(base, path.Ext(base)) == last {
		return true
	}
	return path.Base(path.Dir(e.Path)) == last
}

// Link turns the references of parsed files into relationships and returns
// one scope per file. existing holds entities already in the graph; those
// belonging to a re-parsed file are replaced by its new entities.
func Link(results []*parser.FileResult, existing []*graph.Entity) ([]graph.ScopeData, LinkStats) {
	replaced := make(map[string]bool, len(results))
	for _, res := range results {
		replaced[res.Path] = true
	}

	all := make([]*graph.Entity, 0, len(existing))
	for _, e := range existing {
		if !replaced[e.Path] {
			all = append(all, e)
		}
	}
	for _, res := range results {
		for i := range res.Entities {
			all = append(all, &res.Entities[i])
		}
	}
	resolver := NewResolver(all)

	var stats LinkStats
	scopes := make([]graph.ScopeData, 0, len(results))
	for _, res := range results {
		rels := append([]graph.Relationship(nil), res.Relationships...)
		seen := make(map[string]bool, len(rels))
		for _, r := range rels {
			seen[r.ID] = true
		}
		for _, ref := range res.References {
			target, weight, ok, ambiguous := resolver.Resolve(ref, res.Path)
			if !ok {
				if ambiguous {
					stats.Ambiguous++
				} else {
					stats.Unresolved++
				}
				continue
			}
			id := parser.RelationshipID(ref.Source, ref.Kind, target)
			if seen[id] {
				continue
			}
			seen[id] = true
			stats.Resolved++
			rel := graph.Relationship{ID: id, Source: ref.Source, Target: target, Kind: ref.Kind}
			if weight < 1 {
				rel.Weight = weight
				rel.Metadata = map[string]string{"resolved_by": "name"}
			}
			rels = append(rels, rel)
		}
		scopes = append(scopes, graph.ScopeData{ID: res.Path, Entities: res.Entities, Relationships: rels})
	}
	return scopes, stats
}
