// Package query turns search filters into candidate entry sets using the
// attribute indexes.
package query

import (
	"context"

	"github.com/INLOpen/dirindex/entryid"
	"github.com/INLOpen/dirindex/index"
)

// DefaultCandidateThreshold is the running candidate count at or below which
// an intersection stops doing further lookups.
const DefaultCandidateThreshold = 10

// Query is a composable candidate-set computation.
type Query interface {
	Evaluate(ctx context.Context) (entryid.Set, error)
}

// QueryFunc adapts a function to Query.
type QueryFunc func(ctx context.Context) (entryid.Set, error)

func (f QueryFunc) Evaluate(ctx context.Context) (entryid.Set, error) { return f(ctx) }

// ExactMatch reads one key of idx.
func ExactMatch(idx index.Index, key []byte) Query {
	return QueryFunc(func(ctx context.Context) (entryid.Set, error) {
		return idx.ReadKey(ctx, key)
	})
}

// RangeMatch reads a key range of idx. A nil bound is open.
func RangeMatch(idx index.Index, low, high []byte, lowInclusive, highInclusive bool) Query {
	return QueryFunc(func(ctx context.Context) (entryid.Set, error) {
		return idx.ReadRange(ctx, low, high, lowInclusive, highInclusive)
	})
}

// Intersection intersects the results of queries in order and stops once the
// running result is Defined and no larger than DefaultCandidateThreshold.
func Intersection(queries ...Query) Query {
	return intersection{threshold: DefaultCandidateThreshold, queries: queries}
}

// IntersectionWithThreshold is Intersection with an explicit early-exit threshold.
func IntersectionWithThreshold(threshold int, queries ...Query) Query {
	return intersection{threshold: threshold, queries: queries}
}

type intersection struct {
	threshold int
	queries   []Query
}

func (q intersection) Evaluate(ctx context.Context) (entryid.Set, error) {
	var (
		result entryid.Set
		have   bool
	)
	for _, sub := range q.queries {
		set, err := sub.Evaluate(ctx)
		if err != nil {
			return entryid.Set{}, err
		}
		if !have {
			result, have = set, true
		} else {
			result.IntersectWith(set)
		}
		if small(result, q.threshold) {
			break
		}
	}
	return result, nil
}

// Union unions the results of queries and returns Unbounded as soon as any
// of them is Unbounded.
func Union(queries ...Query) Query {
	return QueryFunc(func(ctx context.Context) (entryid.Set, error) {
		sets := make([]entryid.Set, 0, len(queries))
		for _, sub := range queries {
			set, err := sub.Evaluate(ctx)
			if err != nil {
				return entryid.Set{}, err
			}
			if set.IsUnbounded() {
				return set, nil
			}
			sets = append(sets, set)
		}
		return entryid.UnionAll(sets...), nil
	})
}

// MatchAll returns an empty Defined set. It expresses "no opinion", not
// "every entry".
func MatchAll() Query {
	return QueryFunc(func(context.Context) (entryid.Set, error) {
		return entryid.Set{}, nil
	})
}

func small(s entryid.Set, threshold int) bool {
	n, ok := s.Size()
	return ok && n <= threshold
}
