// Package closure expands ranked candidates through the graph into the
// smallest self-contained set of entities that fits a size budget.
package closure

import (
	"container/heap"
	"context"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zheng/codectx/internal/graph"
	"github.com/zheng/codectx/internal/retrieval"
	"github.com/zheng/codectx/internal/telemetry"
)

var tracer = telemetry.Tracer("closure")

// Phase is a state of the assembly state machine.
type Phase string

const (
	PhaseSeeding   Phase = "seeding"
	PhaseExpanding Phase = "expanding"
	PhasePruning   Phase = "pruning"
	PhaseFinalized Phase = "finalized"
)

// Budget bounds a closure. Zero fields are unlimited.
type Budget struct {
	MaxChars    int `yaml:"max_chars" json:"max_chars"`
	MaxEntities int `yaml:"max_entities" json:"max_entities"`
}

// Options controls expansion. Start from DefaultOptions: the zero
// Direction is Outgoing.
type Options struct {
	// MaxDepth is the number of hops from a seed; 0 means the default of 2
	// and a negative value disables expansion.
	MaxDepth int
	// Decay multiplies the parent score for every hop; 0 means 0.5.
	Decay     float64
	Budget    Budget
	Kinds     []graph.RelationKind // 为空时沿所有关系扩展
	Direction graph.Direction
	// Seeds caps how many candidates seed the closure; 0 means all.
	Seeds int
}

// DefaultOptions returns depth 2, decay 0.5, both directions, no budget.
func DefaultOptions() Options {
	return Options{MaxDepth: 2, Decay: 0.5, Direction: graph.Both}
}

// Member is an entity included in a closure.
type Member struct {
	Entity *graph.Entity `json:"entity"`
	Score  float64       `json:"score"` // 种子分数按跳数衰减
	Depth  int           `json:"depth"` // 距最近种子的跳数
	Seed   bool          `json:"seed"`  // 检索直接命中
	// Via is the relationship through which the entity was reached.
	Via *graph.Relationship `json:"via,omitempty"`
	// Clipped is set when the entity text was shortened to fit the budget.
	Clipped bool `json:"clipped,omitempty"`
}

// Result is a finalized closure.
type Result struct {
	Entities      []Member              `json:"entities"`
	Relationships []*graph.Relationship `json:"relationships"`

	Truncated       bool    `json:"truncated"`        // 因预算或超时丢弃了实体
	OversizedSeed   bool    `json:"oversized_seed"`   // 首个种子本身超出预算
	CoherenceBroken bool    `json:"coherence_broken"` // 被迫移除了唯一依赖
	TimedOut        bool    `json:"timed_out"`
	TotalScore      float64 `json:"total_score"`
	Confidence      float64 `json:"confidence"`
	Size            int     `json:"size"`
	Expanded        int     `json:"expanded"`
	Steps           int     `json:"steps"`
	Phases          []Phase `json:"phases"`
}

// IDs returns the included entity ids in result order.
func (r *Result) IDs() []string {
	ids := make([]string, len(r.Entities))
	for i, m := range r.Entities {
		ids[i] = m.Entity.ID
	}
	return ids
}

// Assembler builds closures. It holds no state between calls.
type Assembler struct {
	logger *slog.Logger
}

// New creates an assembler.
func New(logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{logger: logger}
}

// run is the state of one assembly.
type run struct {
	snap     *graph.Snapshot
	opts     Options
	res      *Result
	members  map[string]*Member
	size     int
	topSeed  string
	frontier frontier
	// expanded holds the smallest depth each entity was expanded at.
	expanded map[string]int
}

// Assemble expands candidates into a closure over snap.
//
// Candidates missing from snap are ignored. When ctx expires during
// expansion the best partial result is returned with Truncated and
// TimedOut set and a nil error.
func (a *Assembler) Assemble(ctx context.Context, snap *graph.Snapshot, candidates []retrieval.Candidate, opts Options) (*Result, error) {
	if opts.MaxDepth == 0 {
		opts.MaxDepth = 2
	}
	if opts.Decay <= 0 {
		opts.Decay = 0.5
	}

	_, span := tracer.Start(ctx, "closure.Assemble", trace.WithAttributes(
		attribute.Int("candidates", len(candidates)),
		attribute.Int("max_depth", opts.MaxDepth),
		attribute.Int("budget.max_chars", opts.Budget.MaxChars),
		attribute.Int("budget.max_entities", opts.Budget.MaxEntities),
	))
	defer span.End()

	r := &run{
		snap:     snap,
		opts:     opts,
		res:      &Result{},
		members:  make(map[string]*Member),
		expanded: make(map[string]int),
	}

	r.seed(candidates)
	if r.topSeed == "" {
		r.finalize(0)
		return r.res, nil
	}
	var confidence float64
	for _, c := range candidates {
		if c.ID == r.topSeed {
			confidence = clamp(c.Combined)
			break
		}
	}

	top := r.members[r.topSeed]
	if opts.Budget.MaxChars > 0 && top.Entity.Size() > opts.Budget.MaxChars {
		r.oversized(top)
		r.finalize(confidence)
		a.record(span, r.res)
		return r.res, nil
	}

	r.expand(ctx)
	if r.res.TimedOut {
		a.logger.Warn("closure assembly hit its deadline",
			slog.Int("included", len(r.members)),
			slog.Int("expanded", r.res.Expanded))
	}
	r.prune()
	r.finalize(confidence)
	a.record(span, r.res)
	return r.res, nil
}

func (a *Assembler) record(span trace.Span, res *Result) {
	span.SetAttributes(
		attribute.Int("entities", len(res.Entities)),
		attribute.Int("size", res.Size),
		attribute.Bool("truncated", res.Truncated),
	)
	telemetry.ClosureEntities.Observe(float64(len(res.Entities)))
	switch {
	case res.TimedOut:
		telemetry.ClosureTruncations.WithLabelValues("deadline").Inc()
	case res.OversizedSeed:
		telemetry.ClosureTruncations.WithLabelValues("oversized_seed").Inc()
	case res.Truncated:
		telemetry.ClosureTruncations.WithLabelValues("budget").Inc()
	}
}

// seed turns the candidates into depth-0 members and the initial frontier.
func (r *run) seed(candidates []retrieval.Candidate) {
	r.res.Phases = append(r.res.Phases, PhaseSeeding)

	seeds := make([]retrieval.Candidate, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if seen[c.ID] || !r.snap.Has(c.ID) {
			continue
		}
		seen[c.ID] = true
		seeds = append(seeds, c)
	}
	sort.SliceStable(seeds, func(i, j int) bool {
		if seeds[i].Combined != seeds[j].Combined {
			return seeds[i].Combined > seeds[j].Combined
		}
		return seeds[i].ID < seeds[j].ID
	})
	if r.opts.Seeds > 0 && len(seeds) > r.opts.Seeds {
		seeds = seeds[:r.opts.Seeds]
	}

	for _, c := range seeds {
		e, _ := r.snap.Get(c.ID)
		r.include(&Member{Entity: e, Score: c.Combined, Seed: true})
	}
	if len(seeds) > 0 {
		r.topSeed = seeds[0].ID
	}
}

func (r *run) include(m *Member) {
	r.members[m.Entity.ID] = m
	r.size += m.Entity.Size()
	heap.Push(&r.frontier, item{id: m.Entity.ID, score: m.Score, depth: m.Depth})
}

// exhausted reports whether the included set reached the budget.
func (r *run) exhausted() bool {
	b := r.opts.Budget
	return (b.MaxChars > 0 && r.size >= b.MaxChars) ||
		(b.MaxEntities > 0 && len(r.members) >= b.MaxEntities)
}

// over reports whether the included set exceeds the budget.
func (r *run) over() bool {
	b := r.opts.Budget
	return (b.MaxChars > 0 && r.size > b.MaxChars) ||
		(b.MaxEntities > 0 && len(r.members) > b.MaxEntities)
}

// expand runs best-first expansion until the frontier empties, the budget
// is reached or ctx expires.
func (r *run) expand(ctx context.Context) {
	r.res.Phases = append(r.res.Phases, PhaseExpanding)

	for r.frontier.Len() > 0 {
		if ctx.Err() != nil {
			r.res.TimedOut = true
			r.res.Truncated = true
			return
		}
		if r.exhausted() {
			if r.frontier.pending(r.expanded, r.opts.MaxDepth) {
				r.res.Truncated = true
			}
			return
		}

		it := heap.Pop(&r.frontier).(item)
		if d, ok := r.expanded[it.id]; ok && d <= it.depth {
			continue
		}
		r.expanded[it.id] = it.depth
		r.res.Expanded++
		if it.depth >= r.opts.MaxDepth {
			continue
		}

		for _, adj := range r.snap.Adjacent(it.id, r.opts.Kinds, r.opts.Direction) {
			r.res.Steps++
			score := it.score * r.opts.Decay * adj.Relationship.EffectiveWeight()
			if m, ok := r.members[adj.Other]; ok {
				// A shorter path lets the entity reach further.
				if m.Depth > it.depth+1 {
					m.Depth = it.depth + 1
					if score > m.Score {
						m.Score = score
						m.Via = adj.Relationship
					}
					heap.Push(&r.frontier, item{id: m.Entity.ID, score: score, depth: m.Depth})
				}
				continue
			}
			e, ok := r.snap.Get(adj.Other)
			if !ok {
				continue
			}
			r.include(&Member{
				Entity: e,
				Score:  score,
				Depth:  it.depth + 1,
				Via:    adj.Relationship,
			})
		}
	}
}

// prune removes the weakest members until the budget holds.
func (r *run) prune() {
	r.res.Phases = append(r.res.Phases, PhasePruning)

	for r.over() {
		victims := make([]*Member, 0, len(r.members))
		for id, m := range r.members {
			if id != r.topSeed {
				victims = append(victims, m)
			}
		}
		if len(victims) == 0 {
			return
		}
		sort.Slice(victims, func(i, j int) bool {
			a, b := victims[i], victims[j]
			if a.Score != b.Score {
				return a.Score < b.Score
			}
			if a.Depth != b.Depth {
				return a.Depth > b.Depth
			}
			return a.Entity.ID > b.Entity.ID
		})

		victim := victims[0]
		found := false
		for _, m := range victims {
			if !r.protected(m.Entity) {
				victim = m
				found = true
				break
			}
		}
		if !found {
			r.res.CoherenceBroken = true
		}
		delete(r.members, victim.Entity.ID)
		r.size -= victim.Entity.Size()
		r.res.Truncated = true
	}
}

// protected reports whether e is the only included resolver of some
// dependency of another included entity. Resolvers of the same dependency
// share the source, the relationship kind and the target short name.
func (r *run) protected(e *graph.Entity) bool {
	for _, adj := range r.snap.Adjacent(e.ID, nil, graph.Incoming) {
		rel := adj.Relationship
		if !rel.Kind.IsDependency() || rel.Source == e.ID {
			continue
		}
		if _, ok := r.members[rel.Source]; !ok {
			continue
		}
		if !r.hasOtherResolver(rel.Source, rel.Kind, e) {
			return true
		}
	}
	return false
}

func (r *run) hasOtherResolver(source string, kind graph.RelationKind, e *graph.Entity) bool {
	name := e.ShortName()
	for _, adj := range r.snap.Adjacent(source, []graph.RelationKind{kind}, graph.Outgoing) {
		if adj.Other == e.ID {
			continue
		}
		if _, ok := r.members[adj.Other]; !ok {
			continue
		}
		other, _ := r.snap.Get(adj.Other)
		if other != nil && other.ShortName() == name {
			return true
		}
	}
	return false
}

// oversized keeps only the top seed, clipped to the character budget.
func (r *run) oversized(top *Member) {
	clipped := clip(top.Entity, r.opts.Budget.MaxChars)
	m := &Member{Entity: clipped, Score: top.Score, Seed: true, Clipped: true}
	r.members = map[string]*Member{clipped.ID: m}
	r.size = clipped.Size()
	r.res.OversizedSeed = true
	r.res.Truncated = true
}

// clip returns a copy of e whose Size fits within limit, shortening the
// content first, then the description, then the signature.
func clip(e *graph.Entity, limit int) *graph.Entity {
	c := e.Clone()
	excess := c.Size() - limit
	for _, field := range []*string{&c.Content, &c.Description, &c.Signature} {
		if excess <= 0 {
			break
		}
		cut := min(excess, len(*field))
		*field = (*field)[:len(*field)-cut]
		excess -= cut
	}
	return c
}

// finalize orders the members and collects induced relationships.
func (r *run) finalize(confidence float64) {
	res := r.res
	res.Phases = append(res.Phases, PhaseFinalized)

	res.Entities = make([]Member, 0, len(r.members))
	ids := make(map[string]bool, len(r.members))
	for id, m := range r.members {
		res.Entities = append(res.Entities, *m)
		ids[id] = true
	}
	sort.Slice(res.Entities, func(i, j int) bool {
		a, b := res.Entities[i], res.Entities[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Entity.ID < b.Entity.ID
	})

	res.Relationships = r.snap.InducedRelationships(ids)
	for i := range res.Entities {
		m := &res.Entities[i]
		if m.Via != nil && !(ids[m.Via.Source] && ids[m.Via.Target]) {
			m.Via = nil
		}
		res.TotalScore += m.Score
		res.Size += m.Entity.Size()
	}
	if len(res.Entities) > 0 {
		res.Confidence = confidence
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
