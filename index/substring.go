package index

import "bytes"

// DefaultSubstringLength is the n-gram length used when none is configured.
const DefaultSubstringLength = 6

// SubstringKeys returns every suffix of value cut to at most n bytes, in
// order of first appearance and without duplicates. For n=3, "abcde" yields
// abc, bcd, cde, de, e.
func SubstringKeys(value []byte, n int) [][]byte {
	if n <= 0 {
		n = DefaultSubstringLength
	}
	keys := make([][]byte, 0, len(value))
	seen := make(map[string]struct{}, len(value))
	for i := range value {
		end := min(i+n, len(value))
		k := value[i:end]
		if _, ok := seen[string(k)]; ok {
			continue
		}
		seen[string(k)] = struct{}{}
		keys = append(keys, bytes.Clone(k))
	}
	return keys
}

// PrefixUpperBound returns the smallest key greater than every key that
// starts with prefix. It returns nil when no such key exists.
func PrefixUpperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
