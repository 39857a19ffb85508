package index

import (
	"context"
	"fmt"
)

// VerifyReport summarises a full scan of one index.
type VerifyReport struct {
	Index     string
	Keys      int
	Unbounded int
	MaxSize   int
	Problems  []string
}

func (r VerifyReport) OK() bool {
	return len(r.Problems) == 0
}

// Verify decodes every record of idx and checks it against the entry limit.
// Records that fail to decode are reported rather than aborting the scan.
func Verify(ctx context.Context, idx *KeyIndex) (VerifyReport, error) {
	rep := VerifyReport{Index: idx.Name()}
	cur, err := idx.tbl.Scan(nil, nil)
	if err != nil {
		return rep, fmt.Errorf("verify %s: %w", idx.Name(), err)
	}
	defer cur.Close()

	for cur.Next() {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		kv, err := cur.At()
		if err != nil {
			return rep, fmt.Errorf("verify %s: %w", idx.Name(), err)
		}
		rep.Keys++
		set, err := idx.decode(kv.Key, kv.Value)
		if err != nil {
			rep.Problems = append(rep.Problems, err.Error())
			continue
		}
		if set.IsUnbounded() {
			rep.Unbounded++
			continue
		}
		n := set.Len()
		if n == 0 {
			rep.Problems = append(rep.Problems, fmt.Sprintf("key %q: empty record", kv.Key))
		}
		if idx.overLimit(n) {
			rep.Problems = append(rep.Problems, fmt.Sprintf("key %q: %d ids exceeds entry limit %d", kv.Key, n, idx.limit))
		}
		rep.MaxSize = max(rep.MaxSize, n)
	}
	if err := cur.Error(); err != nil {
		return rep, fmt.Errorf("verify %s: %w", idx.Name(), err)
	}
	return rep, nil
}
