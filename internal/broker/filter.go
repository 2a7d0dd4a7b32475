package broker

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var ErrInvalidFilter = errors.New("broker: invalid filter")

// Fixed properties every session exposes to filters and handlers.
const (
	PropertyPrincipal = "$Principal"
	PropertySessionID = "$SessionId"
)

// Filter is a parsed session-property predicate such as
//
//	role is 'worker' and not (zone ne 'eu' or $Principal is 'ops')
//
// Keywords are case-insensitive. A missing property never equals a value.
type Filter struct {
	source string
	root   filterNode
}

func (f *Filter) String() string { return f.source }

// Matches evaluates f against a session's properties.
func (f *Filter) Matches(props map[string]string) bool {
	return f.root.eval(props)
}

type filterNode interface {
	eval(props map[string]string) bool
}

type compareNode struct {
	key    string
	value  string
	negate bool
}

func (n compareNode) eval(props map[string]string) bool {
	v, ok := props[n.key]
	if n.negate {
		return !ok || v != n.value
	}
	return ok && v == n.value
}

type notNode struct{ inner filterNode }

func (n notNode) eval(props map[string]string) bool { return !n.inner.eval(props) }

type andNode struct{ left, right filterNode }

func (n andNode) eval(props map[string]string) bool {
	return n.left.eval(props) && n.right.eval(props)
}

type orNode struct{ left, right filterNode }

func (n orNode) eval(props map[string]string) bool {
	return n.left.eval(props) || n.right.eval(props)
}

// ParseFilter compiles expr. Errors wrap ErrInvalidFilter.
func ParseFilter(expr string) (*Filter, error) {
	toks, err := lexFilter(expr)
	if err != nil {
		return nil, err
	}
	p := &filterParser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrInvalidFilter, t.text, t.pos)
	}
	return &Filter{source: strings.TrimSpace(expr), root: root}, nil
}

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lexFilter(expr string) ([]token, error) {
	var out []token
	rs := []rune(expr)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			out = append(out, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			out = append(out, token{kind: tokRParen, text: ")", pos: i})
			i++
		case r == '\'' || r == '"':
			start := i
			var sb strings.Builder
			i++
			closed := false
			for i < len(rs) {
				if rs[i] == r {
					// a doubled quote is a literal quote
					if i+1 < len(rs) && rs[i+1] == r {
						sb.WriteRune(r)
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteRune(rs[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("%w: unterminated string at %d", ErrInvalidFilter, start)
			}
			out = append(out, token{kind: tokString, text: sb.String(), pos: start})
		case isIdentRune(r, true):
			start := i
			for i < len(rs) && isIdentRune(rs[i], false) {
				i++
			}
			out = append(out, token{kind: tokIdent, text: string(rs[start:i]), pos: start})
		default:
			return nil, fmt.Errorf("%w: unexpected character %q at %d", ErrInvalidFilter, r, i)
		}
	}
	out = append(out, token{kind: tokEOF, pos: len(rs)})
	return out, nil
}

func isIdentRune(r rune, first bool) bool {
	if r == '$' || r == '_' || unicode.IsLetter(r) {
		return true
	}
	return !first && (unicode.IsDigit(r) || r == '.' || r == '-')
}

type filterParser struct {
	toks []token
	pos  int
}

func (p *filterParser) peek() token { return p.toks[p.pos] }

func (p *filterParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *filterParser) keyword(word string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, word) {
		p.pos++
		return true
	}
	return false
}

func (p *filterParser) parseOr() (filterNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left: left, right: right}
	}
	return left, nil
}

func (p *filterParser) parseAnd() (filterNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.keyword("and") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left: left, right: right}
	}
	return left, nil
}

func (p *filterParser) parseUnary() (filterNode, error) {
	if p.keyword("not") {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *filterParser) parsePrimary() (filterNode, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("%w: missing ')' at %d", ErrInvalidFilter, closing.pos)
		}
		return inner, nil
	case tokIdent:
		if isKeyword(t.text) {
			return nil, fmt.Errorf("%w: expected property name, got %q at %d", ErrInvalidFilter, t.text, t.pos)
		}
		var negate bool
		switch {
		case p.keyword("is"):
		case p.keyword("ne"):
			negate = true
		default:
			op := p.peek()
			return nil, fmt.Errorf("%w: expected 'is' or 'ne' after %q at %d", ErrInvalidFilter, t.text, op.pos)
		}
		v := p.next()
		if v.kind != tokString {
			return nil, fmt.Errorf("%w: expected quoted value at %d", ErrInvalidFilter, v.pos)
		}
		return compareNode{key: t.text, value: v.text, negate: negate}, nil
	case tokEOF:
		return nil, fmt.Errorf("%w: unexpected end of filter", ErrInvalidFilter)
	default:
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrInvalidFilter, t.text, t.pos)
	}
}

func isKeyword(s string) bool {
	switch strings.ToLower(s) {
	case "and", "or", "not", "is", "ne":
		return true
	}
	return false
}
