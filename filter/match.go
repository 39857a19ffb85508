package filter

import (
	"bytes"

	"github.com/INLOpen/dirindex/attr"
	"github.com/INLOpen/dirindex/core"
)

// Matches tests e against f directly, without any index. Values compare
// case-insensitively. Extensible matches never match.
func (f *Filter) Matches(e *core.Entry) bool {
	if f == nil || e == nil {
		return false
	}
	switch f.Type {
	case And:
		for _, c := range f.Children {
			if !c.Matches(e) {
				return false
			}
		}
		return true
	case Or:
		for _, c := range f.Children {
			if c.Matches(e) {
				return true
			}
		}
		return false
	case Not:
		return f.Child != nil && !f.Child.Matches(e)
	case Present:
		return e.Has(f.Attribute)
	case Equality:
		return anyValue(e.Values(f.Attribute), func(v []byte) bool { return bytes.EqualFold(v, f.Value) })
	case GreaterOrEqual:
		want := fold(f.Value)
		return anyValue(e.Values(f.Attribute), func(v []byte) bool { return bytes.Compare(fold(v), want) >= 0 })
	case LessOrEqual:
		want := fold(f.Value)
		return anyValue(e.Values(f.Attribute), func(v []byte) bool { return bytes.Compare(fold(v), want) <= 0 })
	case Substring:
		if f.Substring == nil {
			return false
		}
		return anyValue(e.Values(f.Attribute), func(v []byte) bool { return matchSubstring(fold(v), f.Substring) })
	case Approx:
		want, err := attr.CaseIgnore{}.ApproximateKey(f.Value)
		if err != nil {
			return false
		}
		return anyValue(e.Values(f.Attribute), func(v []byte) bool {
			got, err := attr.CaseIgnore{}.ApproximateKey(v)
			return err == nil && bytes.Equal(got, want)
		})
	default:
		return false
	}
}

func anyValue(values [][]byte, fn func([]byte) bool) bool {
	for _, v := range values {
		if fn(v) {
			return true
		}
	}
	return false
}

func fold(v []byte) []byte {
	return bytes.ToLower(v)
}

func matchSubstring(v []byte, sf *SubstringFilter) bool {
	if sf.Initial != nil {
		initial := fold(sf.Initial)
		if !bytes.HasPrefix(v, initial) {
			return false
		}
		v = v[len(initial):]
	}
	var final []byte
	if sf.Final != nil {
		final = fold(sf.Final)
		if len(v) < len(final) || !bytes.HasSuffix(v, final) {
			return false
		}
		v = v[:len(v)-len(final)]
	}
	for _, part := range sf.Any {
		p := fold(part)
		i := bytes.Index(v, p)
		if i < 0 {
			return false
		}
		v = v[i+len(p):]
	}
	return true
}
