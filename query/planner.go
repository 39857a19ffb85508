package query

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/INLOpen/dirindex/attr"
	"github.com/INLOpen/dirindex/entryid"
	"github.com/INLOpen/dirindex/filter"
	"github.com/INLOpen/dirindex/index"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// IndexResolver finds the index serving an attribute and lookup kind.
// Untrusted or missing indexes resolve as absent.
type IndexResolver interface {
	Lookup(attribute string, kind index.Kind) (index.Index, attr.KeyEncoder, bool)
	SubstringLength(attribute string) int
}

// Observer is told the outcome class of every evaluation.
type Observer interface {
	QueryEvaluated(result string)
}

// Result classes passed to Observer.
const (
	ResultDefined   = "defined"
	ResultEmpty     = "empty"
	ResultUnbounded = "unbounded"
)

type PlannerOptions struct {
	// CandidateThreshold defaults to DefaultCandidateThreshold.
	CandidateThreshold int
	Logger             *slog.Logger
	Tracer             trace.Tracer
	Stats              *Stats
	Metrics            Observer
}

// Planner evaluates filters against the indexes supplied by its resolver.
//
// AND children are evaluated in three structural groups: equality, presence
// and approximate leaves first, then everything else except ranges, then
// range predicates, with a GE/LE pair on one attribute fused into a single
// bounded range read. Evaluation stops as soon as the running intersection
// is Defined and no larger than CandidateThreshold.
type Planner struct {
	resolver  IndexResolver
	threshold int
	logger    *slog.Logger
	tracer    trace.Tracer
	stats     *Stats
	metrics   Observer
}

func NewPlanner(resolver IndexResolver, opts PlannerOptions) *Planner {
	if opts.CandidateThreshold <= 0 {
		opts.CandidateThreshold = DefaultCandidateThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("query")
	}
	return &Planner{
		resolver:  resolver,
		threshold: opts.CandidateThreshold,
		logger:    opts.Logger.With("component", "Planner"),
		tracer:    opts.Tracer,
		stats:     opts.Stats,
		metrics:   opts.Metrics,
	}
}

// Evaluate computes the candidate set of f.
func (p *Planner) Evaluate(ctx context.Context, f *filter.Filter) (entryid.Set, error) {
	set, _, err := p.run(ctx, f, nil)
	return set, err
}

// Explain is Evaluate plus a human-readable trace of every lookup made.
func (p *Planner) Explain(ctx context.Context, f *filter.Filter) (entryid.Set, string, error) {
	ex := &explainer{}
	set, _, err := p.run(ctx, f, ex)
	return set, ex.String(), err
}

func (p *Planner) run(ctx context.Context, f *filter.Filter, ex *explainer) (set entryid.Set, covered bool, err error) {
	ctx, span := p.tracer.Start(ctx, "Planner.Evaluate")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	if f == nil {
		return entryid.Set{}, false, nil
	}
	span.SetAttributes(attribute.String("filter", f.String()))

	set, covered, err = p.eval(ctx, f, ex, 0)
	if err != nil {
		return entryid.Set{}, false, err
	}

	class := ResultDefined
	switch {
	case set.IsUnbounded():
		class = ResultUnbounded
	case set.IsEmpty():
		class = ResultEmpty
	}
	span.SetAttributes(attribute.String("result", class), attribute.Int("result.size", set.Len()))
	if p.stats != nil {
		p.stats.Record(set)
	}
	if p.metrics != nil {
		p.metrics.QueryEvaluated(class)
	}
	p.logger.Debug("Filter evaluated", "filter", f.String(), "result", class, "size", set.Len())
	return set, covered, nil
}

// eval returns the candidate set of f and whether any index covered it. An
// uncovered node yields an empty Defined set.
func (p *Planner) eval(ctx context.Context, f *filter.Filter, ex *explainer, depth int) (entryid.Set, bool, error) {
	if err := ctx.Err(); err != nil {
		return entryid.Set{}, false, err
	}
	switch f.Type {
	case filter.And:
		ex.line(depth, "AND %s", f)
		return p.evalAnd(ctx, f.Children, ex, depth+1)
	case filter.Or:
		ex.line(depth, "OR %s", f)
		set, err := p.evalOr(ctx, f.Children, ex, depth+1)
		return set, true, err
	case filter.Equality:
		return p.evalKey(ctx, f, index.Equality, ex, depth)
	case filter.Present:
		return p.evalKey(ctx, f, index.Presence, ex, depth)
	case filter.Approx:
		return p.evalKey(ctx, f, index.Approximate, ex, depth)
	case filter.GreaterOrEqual, filter.LessOrEqual:
		return p.evalRange(ctx, f, ex, depth)
	case filter.Substring:
		return p.evalSubstring(ctx, f, ex, depth)
	default:
		// NOT, extensible and unknown nodes have no index coverage.
		p.notIndexed(f, ex, depth)
		return entryid.Set{}, false, nil
	}
}

func (p *Planner) notIndexed(f *filter.Filter, ex *explainer, depth int) {
	ex.line(depth, "[NOT-INDEXED] %s", f)
	if p.stats != nil {
		p.stats.recordNotIndexed()
	}
}

// evalAnd intersects the covered children. With no covered child the AND
// constrains nothing and is itself uncovered.
func (p *Planner) evalAnd(ctx context.Context, children []*filter.Filter, ex *explainer, depth int) (entryid.Set, bool, error) {
	var fast, generic, ranges []*filter.Filter
	for _, c := range children {
		switch c.Type {
		case filter.Equality, filter.Present, filter.Approx:
			fast = append(fast, c)
		case filter.GreaterOrEqual, filter.LessOrEqual:
			ranges = append(ranges, c)
		default:
			generic = append(generic, c)
		}
	}

	var (
		result entryid.Set
		have   bool
	)
	// merge folds one child result into the running intersection and
	// reports whether evaluation can stop.
	merge := func(set entryid.Set, covered bool) bool {
		if !covered {
			return false
		}
		if !have {
			result, have = set, true
		} else {
			result.IntersectWith(set)
		}
		if small(result, p.threshold) {
			ex.line(depth, "candidate threshold reached with %d ids", result.Len())
			return true
		}
		return false
	}

	for _, group := range [][]*filter.Filter{fast, generic} {
		for _, c := range group {
			set, covered, err := p.eval(ctx, c, ex, depth)
			if err != nil {
				return entryid.Set{}, false, err
			}
			if merge(set, covered) {
				return result, true, nil
			}
		}
	}

	for _, rg := range groupRanges(ranges) {
		var (
			set     entryid.Set
			covered bool
			err     error
		)
		if rg.fused() {
			set, covered, err = p.evalFusedRange(ctx, rg, ex, depth)
			if err != nil {
				return entryid.Set{}, false, err
			}
			if merge(set, covered) {
				return result, true, nil
			}
			continue
		}
		for _, c := range rg.leaves {
			if set, covered, err = p.evalRange(ctx, c, ex, depth); err != nil {
				return entryid.Set{}, false, err
			}
			if merge(set, covered) {
				return result, true, nil
			}
		}
	}
	return result, have, nil
}

func (p *Planner) evalOr(ctx context.Context, children []*filter.Filter, ex *explainer, depth int) (entryid.Set, error) {
	sets := make([]entryid.Set, 0, len(children))
	for _, c := range children {
		set, covered, err := p.eval(ctx, c, ex, depth)
		if err != nil {
			return entryid.Set{}, err
		}
		if !covered || set.IsUnbounded() {
			ex.line(depth, "unbounded: %s", c)
			return entryid.Unbounded(), nil
		}
		sets = append(sets, set)
	}
	return entryid.UnionAll(sets...), nil
}

func (p *Planner) evalKey(ctx context.Context, f *filter.Filter, kind index.Kind, ex *explainer, depth int) (entryid.Set, bool, error) {
	idx, enc, ok := p.resolver.Lookup(f.Attribute, kind)
	if !ok {
		p.notIndexed(f, ex, depth)
		return entryid.Set{}, false, nil
	}
	var key []byte
	switch kind {
	case index.Presence:
		key = index.PresenceKey
	case index.Approximate:
		approx, ok := enc.(attr.ApproxEncoder)
		if !ok {
			p.notIndexed(f, ex, depth)
			return entryid.Set{}, false, nil
		}
		k, err := approx.ApproximateKey(f.Value)
		if err != nil {
			return entryid.Set{}, false, fmt.Errorf("encode %s: %w", f.Attribute, err)
		}
		key = k
	default:
		k, err := enc.Encode(f.Value)
		if err != nil {
			return entryid.Set{}, false, fmt.Errorf("encode %s: %w", f.Attribute, err)
		}
		key = k
	}
	set, err := ExactMatch(idx, key).Evaluate(ctx)
	if err != nil {
		return entryid.Set{}, false, err
	}
	ex.result(depth, idx, f, set)
	return set, true, nil
}

func (p *Planner) evalRange(ctx context.Context, f *filter.Filter, ex *explainer, depth int) (entryid.Set, bool, error) {
	idx, enc, ok := p.resolver.Lookup(f.Attribute, index.Ordering)
	if !ok {
		p.notIndexed(f, ex, depth)
		return entryid.Set{}, false, nil
	}
	key, err := enc.Encode(f.Value)
	if err != nil {
		return entryid.Set{}, false, fmt.Errorf("encode %s: %w", f.Attribute, err)
	}
	var q Query
	if f.Type == filter.GreaterOrEqual {
		q = RangeMatch(idx, key, nil, true, false)
	} else {
		q = RangeMatch(idx, nil, key, false, true)
	}
	set, err := q.Evaluate(ctx)
	if err != nil {
		return entryid.Set{}, false, err
	}
	ex.result(depth, idx, f, set)
	return set, true, nil
}

func (p *Planner) evalFusedRange(ctx context.Context, rg rangeGroup, ex *explainer, depth int) (entryid.Set, bool, error) {
	idx, enc, ok := p.resolver.Lookup(rg.attribute, index.Ordering)
	if !ok {
		p.notIndexed(rg.ge, ex, depth)
		p.notIndexed(rg.le, ex, depth)
		return entryid.Set{}, false, nil
	}
	low, err := enc.Encode(rg.ge.Value)
	if err != nil {
		return entryid.Set{}, false, fmt.Errorf("encode %s: %w", rg.attribute, err)
	}
	high, err := enc.Encode(rg.le.Value)
	if err != nil {
		return entryid.Set{}, false, fmt.Errorf("encode %s: %w", rg.attribute, err)
	}
	set, err := RangeMatch(idx, low, high, true, true).Evaluate(ctx)
	if err != nil {
		return entryid.Set{}, false, err
	}
	ex.line(depth, "[INDEX:%s] %s%s fused -> %s", idx.Name(), rg.ge, rg.le, describe(set))
	return set, true, nil
}

// rangeGroup holds the range leaves of one attribute within an AND.
type rangeGroup struct {
	attribute string
	leaves    []*filter.Filter
	ge, le    *filter.Filter
}

func (g rangeGroup) fused() bool {
	return len(g.leaves) == 2 && g.ge != nil && g.le != nil
}

// groupRanges buckets range leaves by attribute, keeping first-seen order.
func groupRanges(ranges []*filter.Filter) []rangeGroup {
	var groups []rangeGroup
	pos := make(map[string]int)
	for _, f := range ranges {
		i, ok := pos[f.Attribute]
		if !ok {
			i = len(groups)
			pos[f.Attribute] = i
			groups = append(groups, rangeGroup{attribute: f.Attribute})
		}
		g := &groups[i]
		g.leaves = append(g.leaves, f)
		if f.Type == filter.GreaterOrEqual {
			g.ge = f
		} else {
			g.le = f
		}
	}
	return groups
}

// evalSubstring combines an equality-index prefix range over the initial
// component with n-gram reads on the substring index.
func (p *Planner) evalSubstring(ctx context.Context, f *filter.Filter, ex *explainer, depth int) (entryid.Set, bool, error) {
	sf := f.Substring
	if sf == nil {
		p.notIndexed(f, ex, depth)
		return entryid.Set{}, false, nil
	}
	eqIdx, eqEnc, haveEq := p.resolver.Lookup(f.Attribute, index.Equality)
	subIdx, subEnc, haveSub := p.resolver.Lookup(f.Attribute, index.Substring)
	if !haveSub && !(haveEq && sf.Initial != nil) {
		p.notIndexed(f, ex, depth)
		return entryid.Set{}, false, nil
	}

	var (
		result entryid.Set
		have   bool
	)
	merge := func(set entryid.Set) bool {
		if !have {
			result, have = set, true
		} else {
			result.IntersectWith(set)
		}
		return small(result, p.threshold)
	}

	if haveEq && sf.Initial != nil {
		prefix, err := eqEnc.Encode(sf.Initial)
		if err != nil {
			return entryid.Set{}, false, fmt.Errorf("encode %s: %w", f.Attribute, err)
		}
		set, err := RangeMatch(eqIdx, prefix, index.PrefixUpperBound(prefix), true, false).Evaluate(ctx)
		if err != nil {
			return entryid.Set{}, false, err
		}
		ex.line(depth, "[INDEX:%s] %s initial prefix -> %s", eqIdx.Name(), f, describe(set))
		if merge(set) {
			return result, true, nil
		}
	}

	if haveSub {
		n := p.resolver.SubstringLength(f.Attribute)
		if n <= 0 {
			n = index.DefaultSubstringLength
		}
		components := make([][]byte, 0, len(sf.Any)+2)
		if sf.Initial != nil {
			components = append(components, sf.Initial)
		}
		components = append(components, sf.Any...)
		if sf.Final != nil {
			components = append(components, sf.Final)
		}
		for _, c := range components {
			enc, err := subEnc.Encode(c)
			if err != nil {
				return entryid.Set{}, false, fmt.Errorf("encode %s: %w", f.Attribute, err)
			}
			if len(enc) == 0 {
				continue
			}
			if len(enc) < n {
				set, err := RangeMatch(subIdx, enc, index.PrefixUpperBound(enc), true, false).Evaluate(ctx)
				if err != nil {
					return entryid.Set{}, false, err
				}
				ex.line(depth, "[INDEX:%s] %s prefix %q -> %s", subIdx.Name(), f, enc, describe(set))
				if merge(set) {
					return result, true, nil
				}
				continue
			}
			for i := 0; i+n <= len(enc); i++ {
				gram := enc[i : i+n]
				set, err := ExactMatch(subIdx, gram).Evaluate(ctx)
				if err != nil {
					return entryid.Set{}, false, err
				}
				ex.line(depth, "[INDEX:%s] %s key %q -> %s", subIdx.Name(), f, gram, describe(set))
				if merge(set) {
					return result, true, nil
				}
			}
		}
	}
	if !have {
		// Only empty components: the assertion constrains nothing.
		p.notIndexed(f, ex, depth)
		return entryid.Set{}, false, nil
	}
	return result, true, nil
}

func describe(s entryid.Set) string {
	if s.IsUnbounded() {
		return "unbounded"
	}
	return fmt.Sprintf("%d ids", s.Len())
}

// explainer accumulates the Explain trace. A nil explainer records nothing.
type explainer struct {
	sb strings.Builder
}

func (e *explainer) line(depth int, format string, args ...any) {
	if e == nil {
		return
	}
	e.sb.WriteString(strings.Repeat("  ", depth))
	fmt.Fprintf(&e.sb, format, args...)
	e.sb.WriteByte('\n')
}

func (e *explainer) result(depth int, idx index.Index, f *filter.Filter, set entryid.Set) {
	e.line(depth, "[INDEX:%s] %s -> %s", idx.Name(), f, describe(set))
}

func (e *explainer) String() string {
	if e == nil {
		return ""
	}
	return e.sb.String()
}
