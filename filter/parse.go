package filter

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyFilter      = errors.New("empty filter")
	ErrInvalidFilter    = errors.New("invalid filter syntax")
	ErrUnbalancedParens = errors.New("unbalanced parentheses")
	ErrMissingAttribute = errors.New("missing attribute name")
	ErrInvalidEscape    = errors.New("invalid escape sequence")
)

// SyntaxError locates a parse failure within the filter string.
type SyntaxError struct {
	Offset int
	Err    error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("filter: %v at offset %d", e.Err, e.Offset)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// Parse parses an RFC 4515 filter string:
//
//	(attr=value)  (attr=*)  (attr=in*any*fin)  (attr>=v)  (attr<=v)  (attr~=v)
//	(attr:dn:rule:=v)  (&(f1)(f2)...)  (|(f1)(f2)...)  (!(f))
//
// A bare item without outer parentheses is accepted. Values may carry \XX
// hex escapes.
func Parse(s string) (*Filter, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptyFilter
	}
	if s[0] != '(' {
		s = "(" + s + ")"
	}
	p := &parser{src: s}
	f, err := p.parseFilter()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, p.fail(ErrInvalidFilter)
	}
	return f, nil
}

type parser struct {
	src string
	pos int
}

func (p *parser) fail(err error) error {
	return &SyntaxError{Offset: p.pos, Err: err}
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
}

func (p *parser) parseFilter() (*Filter, error) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return nil, p.fail(ErrUnbalancedParens)
	}
	if p.src[p.pos] != '(' {
		return nil, p.fail(ErrInvalidFilter)
	}
	p.pos++
	p.skipSpace()
	if p.pos >= len(p.src) {
		return nil, p.fail(ErrUnbalancedParens)
	}

	var f *Filter
	var err error
	switch p.src[p.pos] {
	case '&', '|':
		op := p.src[p.pos]
		p.pos++
		var children []*Filter
		if children, err = p.parseList(); err != nil {
			return nil, err
		}
		if op == '&' {
			f = NewAnd(children...)
		} else {
			f = NewOr(children...)
		}
	case '!':
		p.pos++
		var child *Filter
		if child, err = p.parseFilter(); err != nil {
			return nil, err
		}
		p.skipSpace()
		f = NewNot(child)
	case ')':
		return nil, p.fail(ErrEmptyFilter)
	default:
		if f, err = p.parseItem(); err != nil {
			return nil, err
		}
	}

	if p.pos >= len(p.src) || p.src[p.pos] != ')' {
		return nil, p.fail(ErrUnbalancedParens)
	}
	p.pos++
	return f, nil
}

func (p *parser) parseList() ([]*Filter, error) {
	var children []*Filter
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			return nil, p.fail(ErrUnbalancedParens)
		}
		if p.src[p.pos] == ')' {
			break
		}
		child, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	if len(children) == 0 {
		return nil, p.fail(ErrInvalidFilter)
	}
	return children, nil
}

// parseItem parses a simple item up to, but not including, its ')'.
func (p *parser) parseItem() (*Filter, error) {
	end := strings.IndexByte(p.src[p.pos:], ')')
	if end < 0 {
		return nil, p.fail(ErrUnbalancedParens)
	}
	item := p.src[p.pos : p.pos+end]
	start := p.pos
	p.pos += end

	eq := strings.IndexByte(item, '=')
	if eq < 0 {
		return nil, &SyntaxError{Offset: start, Err: ErrInvalidFilter}
	}
	lhs, raw := item[:eq], item[eq+1:]

	op := byte('=')
	if eq > 0 {
		switch item[eq-1] {
		case '>', '<', '~', ':':
			op = item[eq-1]
			lhs = item[:eq-1]
		}
	}
	if op == ':' {
		return parseExtensible(lhs, raw, start)
	}
	attribute := strings.TrimSpace(lhs)
	if attribute == "" {
		return nil, &SyntaxError{Offset: start, Err: ErrMissingAttribute}
	}

	switch op {
	case '>', '<', '~':
		value, err := unescape(raw)
		if err != nil {
			return nil, &SyntaxError{Offset: start + eq + 1, Err: err}
		}
		switch op {
		case '>':
			return NewGreaterOrEqual(attribute, value), nil
		case '<':
			return NewLessOrEqual(attribute, value), nil
		default:
			return NewApprox(attribute, value), nil
		}
	}

	if raw == "*" {
		return NewPresent(attribute), nil
	}
	if strings.IndexByte(raw, '*') < 0 {
		value, err := unescape(raw)
		if err != nil {
			return nil, &SyntaxError{Offset: start + eq + 1, Err: err}
		}
		return NewEquality(attribute, value), nil
	}

	parts := strings.Split(raw, "*")
	sf := &SubstringFilter{}
	for i, part := range parts {
		v, err := unescape(part)
		if err != nil {
			return nil, &SyntaxError{Offset: start + eq + 1, Err: err}
		}
		switch {
		case i == 0:
			if part != "" {
				sf.Initial = v
			}
		case i == len(parts)-1:
			if part != "" {
				sf.Final = v
			}
		case part == "":
			// "**" is not valid RFC 4515 but is harmless; skip the empty any.
		default:
			sf.Any = append(sf.Any, v)
		}
	}
	return NewSubstring(attribute, sf), nil
}

// parseExtensible handles attr[:dn][:rule]:=value and [:dn]:rule:=value.
func parseExtensible(lhs, raw string, offset int) (*Filter, error) {
	fields := strings.Split(lhs, ":")
	attribute := strings.TrimSpace(fields[0])
	var rule string
	var dn bool
	for _, f := range fields[1:] {
		switch {
		case strings.EqualFold(f, "dn"):
			dn = true
		case f == "":
			return nil, &SyntaxError{Offset: offset, Err: ErrInvalidFilter}
		default:
			rule = f
		}
	}
	if attribute == "" && rule == "" {
		return nil, &SyntaxError{Offset: offset, Err: ErrMissingAttribute}
	}
	value, err := unescape(raw)
	if err != nil {
		return nil, &SyntaxError{Offset: offset, Err: err}
	}
	return NewExtensible(attribute, rule, dn, value), nil
}

func unescape(s string) ([]byte, error) {
	if strings.IndexByte(s, '\\') < 0 {
		return []byte(s), nil
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		if i+2 >= len(s) {
			return nil, ErrInvalidEscape
		}
		hi, ok1 := fromHex(s[i+1])
		lo, ok2 := fromHex(s[i+2])
		if !ok1 || !ok2 {
			return nil, ErrInvalidEscape
		}
		out = append(out, hi<<4|lo)
		i += 2
	}
	return out, nil
}

func fromHex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
