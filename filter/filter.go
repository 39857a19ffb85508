// Package filter holds the search filter tree evaluated by the query planner,
// its constructors and the RFC 4515 string form.
package filter

import (
	"strings"
)

// Type is the kind of a filter node.
type Type int

const (
	And Type = iota
	Or
	Not
	Equality
	Substring
	GreaterOrEqual
	LessOrEqual
	Present
	Approx
	Extensible
)

func (t Type) String() string {
	switch t {
	case And:
		return "AND"
	case Or:
		return "OR"
	case Not:
		return "NOT"
	case Equality:
		return "EQUALITY"
	case Substring:
		return "SUBSTRING"
	case GreaterOrEqual:
		return "GREATER_OR_EQUAL"
	case LessOrEqual:
		return "LESS_OR_EQUAL"
	case Present:
		return "PRESENT"
	case Approx:
		return "APPROX"
	case Extensible:
		return "EXTENSIBLE"
	default:
		return "UNKNOWN"
	}
}

// Filter is a node of a search filter tree. Which fields are set depends on
// Type: Children for And/Or, Child for Not, Substring for Substring, and
// Attribute/Value for the remaining leaves.
type Filter struct {
	Type      Type
	Attribute string
	Value     []byte
	Children  []*Filter
	Child     *Filter
	Substring *SubstringFilter

	// Extensible match only.
	MatchingRule string
	DNAttributes bool
}

// SubstringFilter holds the components of a substring assertion. Initial and
// Final are nil when the assertion starts or ends with '*'.
type SubstringFilter struct {
	Initial []byte
	Any     [][]byte
	Final   []byte
}

// IsLeaf reports whether f tests a single attribute.
func (f *Filter) IsLeaf() bool {
	switch f.Type {
	case And, Or, Not:
		return false
	}
	return true
}

func normalizeAttribute(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}

func NewAnd(children ...*Filter) *Filter {
	return &Filter{Type: And, Children: children}
}

func NewOr(children ...*Filter) *Filter {
	return &Filter{Type: Or, Children: children}
}

func NewNot(child *Filter) *Filter {
	return &Filter{Type: Not, Child: child}
}

func NewEquality(attribute string, value []byte) *Filter {
	return &Filter{Type: Equality, Attribute: normalizeAttribute(attribute), Value: value}
}

func NewSubstring(attribute string, sf *SubstringFilter) *Filter {
	return &Filter{Type: Substring, Attribute: normalizeAttribute(attribute), Substring: sf}
}

func NewGreaterOrEqual(attribute string, value []byte) *Filter {
	return &Filter{Type: GreaterOrEqual, Attribute: normalizeAttribute(attribute), Value: value}
}

func NewLessOrEqual(attribute string, value []byte) *Filter {
	return &Filter{Type: LessOrEqual, Attribute: normalizeAttribute(attribute), Value: value}
}

func NewPresent(attribute string) *Filter {
	return &Filter{Type: Present, Attribute: normalizeAttribute(attribute)}
}

func NewApprox(attribute string, value []byte) *Filter {
	return &Filter{Type: Approx, Attribute: normalizeAttribute(attribute), Value: value}
}

// NewExtensible builds an extensible match. Either attribute or rule may be
// empty, but not both.
func NewExtensible(attribute, rule string, dnAttributes bool, value []byte) *Filter {
	return &Filter{
		Type:         Extensible,
		Attribute:    normalizeAttribute(attribute),
		MatchingRule: rule,
		DNAttributes: dnAttributes,
		Value:        value,
	}
}

// String renders f in RFC 4515 form, escaping value bytes as needed.
func (f *Filter) String() string {
	var sb strings.Builder
	f.write(&sb)
	return sb.String()
}

func (f *Filter) write(sb *strings.Builder) {
	sb.WriteByte('(')
	switch f.Type {
	case And, Or:
		if f.Type == And {
			sb.WriteByte('&')
		} else {
			sb.WriteByte('|')
		}
		for _, c := range f.Children {
			c.write(sb)
		}
	case Not:
		sb.WriteByte('!')
		if f.Child != nil {
			f.Child.write(sb)
		}
	case Equality:
		sb.WriteString(f.Attribute)
		sb.WriteByte('=')
		writeEscaped(sb, f.Value)
	case GreaterOrEqual:
		sb.WriteString(f.Attribute)
		sb.WriteString(">=")
		writeEscaped(sb, f.Value)
	case LessOrEqual:
		sb.WriteString(f.Attribute)
		sb.WriteString("<=")
		writeEscaped(sb, f.Value)
	case Approx:
		sb.WriteString(f.Attribute)
		sb.WriteString("~=")
		writeEscaped(sb, f.Value)
	case Present:
		sb.WriteString(f.Attribute)
		sb.WriteString("=*")
	case Substring:
		sb.WriteString(f.Attribute)
		sb.WriteByte('=')
		if f.Substring != nil {
			writeEscaped(sb, f.Substring.Initial)
			sb.WriteByte('*')
			for _, a := range f.Substring.Any {
				writeEscaped(sb, a)
				sb.WriteByte('*')
			}
			writeEscaped(sb, f.Substring.Final)
		}
	case Extensible:
		sb.WriteString(f.Attribute)
		if f.DNAttributes {
			sb.WriteString(":dn")
		}
		if f.MatchingRule != "" {
			sb.WriteByte(':')
			sb.WriteString(f.MatchingRule)
		}
		sb.WriteString(":=")
		writeEscaped(sb, f.Value)
	}
	sb.WriteByte(')')
}

const hexDigits = "0123456789abcdef"

func writeEscaped(sb *strings.Builder, v []byte) {
	for _, b := range v {
		switch {
		case b == '*' || b == '(' || b == ')' || b == '\\' || b == 0 || b >= 0x80:
			sb.WriteByte('\\')
			sb.WriteByte(hexDigits[b>>4])
			sb.WriteByte(hexDigits[b&0x0f])
		default:
			sb.WriteByte(b)
		}
	}
}
