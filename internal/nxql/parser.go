package nxql

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/juju/errors"
)

// SyntaxError locates a parse failure.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s at position %d", e.Msg, e.Pos)
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokKeyword
	tokString
	tokInt
	tokFloat
	tokSymbol
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var keywords = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "AND": true, "OR": true, "NOT": true,
	"LIKE": true, "ILIKE": true, "IN": true, "BETWEEN": true, "IS": true, "NULL": true,
	"ORDER": true, "BY": true, "ASC": true, "DESC": true, "TRUE": true, "FALSE": true,
	"DATE": true, "TIMESTAMP": true, "STARTSWITH": true,
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("_:/*.-", r)
}

func lex(input string) ([]token, error) {
	var toks []token
	runes := []rune(input)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case isIdentStart(r):
			start := i
			for i < len(runes) && isIdentPart(runes[i]) {
				i++
			}
			text := string(runes[start:i])
			if keywords[strings.ToUpper(text)] {
				toks = append(toks, token{kind: tokKeyword, text: strings.ToUpper(text), pos: start})
			} else {
				toks = append(toks, token{kind: tokIdent, text: text, pos: start})
			}
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			start := i
			i++
			float := false
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.' || runes[i] == 'e' || runes[i] == 'E') {
				if runes[i] == '.' || runes[i] == 'e' || runes[i] == 'E' {
					float = true
				}
				i++
			}
			kind := tokInt
			if float {
				kind = tokFloat
			}
			toks = append(toks, token{kind: kind, text: string(runes[start:i]), pos: start})
		case r == '\'' || r == '"':
			start := i
			quote := r
			var b strings.Builder
			i++
			closed := false
			for i < len(runes) {
				c := runes[i]
				if c == '\\' && i+1 < len(runes) {
					b.WriteRune(runes[i+1])
					i += 2
					continue
				}
				if c == quote {
					if i+1 < len(runes) && runes[i+1] == quote {
						b.WriteRune(quote)
						i += 2
						continue
					}
					closed = true
					i++
					break
				}
				b.WriteRune(c)
				i++
			}
			if !closed {
				return nil, &SyntaxError{Pos: start, Msg: "unterminated string"}
			}
			toks = append(toks, token{kind: tokString, text: b.String(), pos: start})
		case r == '<' || r == '>' || r == '!':
			start := i
			i++
			if i < len(runes) && (runes[i] == '=' || (r == '<' && runes[i] == '>')) {
				i++
			}
			text := string(runes[start:i])
			if text == "!" {
				return nil, &SyntaxError{Pos: start, Msg: "unexpected '!'"}
			}
			toks = append(toks, token{kind: tokSymbol, text: text, pos: start})
		case strings.ContainsRune("=(),*", r):
			toks = append(toks, token{kind: tokSymbol, text: string(r), pos: i})
			i++
		default:
			return nil, &SyntaxError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", r)}
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(runes)}), nil
}

type parser struct {
	toks []token
	pos  int
}

// Parse reads an NXQL SELECT statement. Syntax errors are NotValid and wrap a *SyntaxError.
func Parse(input string) (*Query, error) {
	toks, err := lex(input)
	if err != nil {
		return nil, errors.NewNotValid(err, "NXQL query")
	}
	p := &parser{toks: toks}
	q, err := p.query()
	if err != nil {
		return nil, errors.NewNotValid(err, "NXQL query")
	}
	return q, nil
}

// MustParse is Parse for queries known to be valid.
func MustParse(input string) *Query {
	q, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return q
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) isKeyword(kw string) bool {
	t := p.peek()
	return t.kind == tokKeyword && t.text == kw
}

func (p *parser) acceptKeyword(kw string) bool {
	if p.isKeyword(kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) isSymbol(s string) bool {
	t := p.peek()
	return t.kind == tokSymbol && t.text == s
}

func (p *parser) acceptSymbol(s string) bool {
	if p.isSymbol(s) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) fail(msg string) error {
	t := p.peek()
	found := t.text
	if t.kind == tokEOF {
		found = "end of query"
	}
	return &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("%s, found %q", msg, found)}
}

func (p *parser) expectKeyword(kw string) error {
	if !p.acceptKeyword(kw) {
		return p.fail("expected " + kw)
	}
	return nil
}

func (p *parser) ident() (string, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return "", p.fail("expected identifier")
	}
	p.pos++
	return t.text, nil
}

func (p *parser) query() (*Query, error) {
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}
	q := &Query{}
	if !p.acceptSymbol("*") {
		for {
			col, err := p.ident()
			if err != nil {
				return nil, err
			}
			q.Select = append(q.Select, col)
			if !p.acceptSymbol(",") {
				break
			}
		}
	}
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	for {
		typ, err := p.ident()
		if err != nil {
			return nil, err
		}
		q.From = append(q.From, typ)
		if !p.acceptSymbol(",") {
			break
		}
	}
	if p.acceptKeyword("WHERE") {
		where, err := p.or()
		if err != nil {
			return nil, err
		}
		q.Where = where
	}
	if p.acceptKeyword("ORDER") {
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			field, err := p.ident()
			if err != nil {
				return nil, err
			}
			o := OrderBy{Field: field}
			if p.acceptKeyword("DESC") {
				o.Desc = true
			} else {
				p.acceptKeyword("ASC")
			}
			q.OrderBy = append(q.OrderBy, o)
			if !p.acceptSymbol(",") {
				break
			}
		}
	}
	if p.peek().kind != tokEOF {
		return nil, p.fail("unexpected token")
	}
	return q, nil
}

func (p *parser) or() (Expr, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("OR") {
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = Or{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) and() (Expr, error) {
	left, err := p.not()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("AND") {
		right, err := p.not()
		if err != nil {
			return nil, err
		}
		left = And{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) not() (Expr, error) {
	if p.acceptKeyword("NOT") {
		x, err := p.not()
		if err != nil {
			return nil, err
		}
		return Not{X: x}, nil
	}
	return p.primary()
}

func (p *parser) primary() (Expr, error) {
	if p.acceptSymbol("(") {
		e, err := p.or()
		if err != nil {
			return nil, err
		}
		if !p.acceptSymbol(")") {
			return nil, p.fail("expected ')'")
		}
		return e, nil
	}
	field, err := p.ident()
	if err != nil {
		return nil, err
	}
	return p.predicate(field)
}

func (p *parser) predicate(field string) (Expr, error) {
	t := p.peek()
	if t.kind == tokSymbol {
		var op Operator
		switch t.text {
		case "=":
			op = OpEq
		case "<>", "!=":
			op = OpNotEq
		case "<":
			op = OpLt
		case "<=":
			op = OpLte
		case ">":
			op = OpGt
		case ">=":
			op = OpGte
		default:
			return nil, p.fail("expected operator")
		}
		p.pos++
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		return Compare{Field: field, Op: op, Value: v}, nil
	}
	negated := p.acceptKeyword("NOT")
	switch {
	case p.acceptKeyword("LIKE"), p.isKeyword("ILIKE"):
		op := OpLike
		if p.acceptKeyword("ILIKE") {
			op = OpILike
		}
		if negated {
			op = map[Operator]Operator{OpLike: OpNotLike, OpILike: OpNotILike}[op]
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		if _, ok := v.(string); !ok {
			return nil, &SyntaxError{Pos: p.toks[p.pos-1].pos, Msg: "LIKE pattern must be a string"}
		}
		return Compare{Field: field, Op: op, Value: v}, nil
	case p.acceptKeyword("IN"):
		if !p.acceptSymbol("(") {
			return nil, p.fail("expected '('")
		}
		var vals []any
		for {
			v, err := p.value()
			if err != nil {
				return nil, err
			}
			vals = append(vals, v)
			if !p.acceptSymbol(",") {
				break
			}
		}
		if !p.acceptSymbol(")") {
			return nil, p.fail("expected ')'")
		}
		return In{Field: field, Values: vals, Negated: negated}, nil
	case p.acceptKeyword("BETWEEN"):
		low, err := p.value()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("AND"); err != nil {
			return nil, err
		}
		high, err := p.value()
		if err != nil {
			return nil, err
		}
		return Between{Field: field, Low: low, High: high, Negated: negated}, nil
	case !negated && p.acceptKeyword("IS"):
		not := p.acceptKeyword("NOT")
		if err := p.expectKeyword("NULL"); err != nil {
			return nil, err
		}
		return IsNull{Field: field, Negated: not}, nil
	case !negated && p.acceptKeyword("STARTSWITH"):
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		if _, ok := v.(string); !ok {
			return nil, &SyntaxError{Pos: p.toks[p.pos-1].pos, Msg: "STARTSWITH needs a string"}
		}
		return Compare{Field: field, Op: OpStartsWith, Value: v}, nil
	}
	return nil, p.fail("expected operator")
}

func (p *parser) value() (any, error) {
	t := p.peek()
	switch t.kind {
	case tokString:
		p.pos++
		return t.text, nil
	case tokInt:
		p.pos++
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("bad integer %q", t.text)}
		}
		return n, nil
	case tokFloat:
		p.pos++
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("bad number %q", t.text)}
		}
		return f, nil
	case tokKeyword:
		switch t.text {
		case "TRUE", "FALSE":
			p.pos++
			return t.text == "TRUE", nil
		case "DATE", "TIMESTAMP":
			p.pos++
			s := p.peek()
			if s.kind != tokString {
				return nil, p.fail(t.text + " needs a quoted value")
			}
			p.pos++
			ts, err := parseTime(s.text, t.text == "DATE")
			if err != nil {
				return nil, &SyntaxError{Pos: s.pos, Msg: err.Error()}
			}
			return ts, nil
		}
	}
	return nil, p.fail("expected literal")
}

func parseTime(s string, dateOnly bool) (time.Time, error) {
	if dateOnly {
		return time.Parse("2006-01-02", s)
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02 15:04:05.000", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("bad timestamp %q", s)
}
