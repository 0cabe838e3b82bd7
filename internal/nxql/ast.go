package nxql

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Operator of a comparison.
type Operator string

const (
	OpEq         Operator = "="
	OpNotEq      Operator = "<>"
	OpLt         Operator = "<"
	OpLte        Operator = "<="
	OpGt         Operator = ">"
	OpGte        Operator = ">="
	OpLike       Operator = "LIKE"
	OpILike      Operator = "ILIKE"
	OpNotLike    Operator = "NOT LIKE"
	OpNotILike   Operator = "NOT ILIKE"
	OpStartsWith Operator = "STARTSWITH"
)

// Negated reports whether the operator holds when no value of a multi-valued field matches.
func (o Operator) Negated() bool {
	return o == OpNotEq || o == OpNotLike || o == OpNotILike
}

// Query is a parsed SELECT statement.
type Query struct {
	// Select is nil for SELECT *.
	Select  []string
	From    []string
	Where   Expr
	OrderBy []OrderBy
}

// OrderBy is one ORDER BY item.
type OrderBy struct {
	Field string
	Desc  bool
}

// Expr is a boolean expression of the WHERE clause.
type Expr interface {
	String() string
	isExpr()
}

// And is a conjunction.
type And struct{ Left, Right Expr }

// Or is a disjunction.
type Or struct{ Left, Right Expr }

// Not negates X.
type Not struct{ X Expr }

// Compare applies Op between Field and a literal. Value is a string, int64, float64, bool or time.Time.
type Compare struct {
	Field string
	Op    Operator
	Value any
}

// In tests membership in Values.
type In struct {
	Field   string
	Values  []any
	Negated bool
}

// Between tests Low <= Field <= High.
type Between struct {
	Field     string
	Low, High any
	Negated   bool
}

// IsNull tests the absence of a value.
type IsNull struct {
	Field   string
	Negated bool
}

func (And) isExpr()     {}
func (Or) isExpr()      {}
func (Not) isExpr()     {}
func (Compare) isExpr() {}
func (In) isExpr()      {}
func (Between) isExpr() {}
func (IsNull) isExpr()  {}

func (e And) String() string { return "(" + e.Left.String() + " AND " + e.Right.String() + ")" }
func (e Or) String() string  { return "(" + e.Left.String() + " OR " + e.Right.String() + ")" }
func (e Not) String() string { return "NOT " + e.X.String() }

func (e Compare) String() string {
	return e.Field + " " + string(e.Op) + " " + Literal(e.Value)
}

func (e In) String() string {
	vals := make([]string, len(e.Values))
	for i, v := range e.Values {
		vals[i] = Literal(v)
	}
	op := " IN ("
	if e.Negated {
		op = " NOT IN ("
	}
	return e.Field + op + strings.Join(vals, ", ") + ")"
}

func (e Between) String() string {
	op := " BETWEEN "
	if e.Negated {
		op = " NOT BETWEEN "
	}
	return e.Field + op + Literal(e.Low) + " AND " + Literal(e.High)
}

func (e IsNull) String() string {
	if e.Negated {
		return e.Field + " IS NOT NULL"
	}
	return e.Field + " IS NULL"
}

// Literal renders a value as NXQL.
func Literal(v any) string {
	switch x := v.(type) {
	case string:
		return EscapeString(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case time.Time:
		return "TIMESTAMP " + EscapeString(x.Format(time.RFC3339Nano))
	case nil:
		return "NULL"
	}
	return EscapeString(fmt.Sprint(v))
}

func (q *Query) String() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	if q.Select == nil {
		b.WriteString("*")
	} else {
		b.WriteString(strings.Join(q.Select, ", "))
	}
	b.WriteString(" FROM ")
	b.WriteString(strings.Join(q.From, ", "))
	if q.Where != nil {
		b.WriteString(" WHERE ")
		b.WriteString(q.Where.String())
	}
	if len(q.OrderBy) > 0 {
		b.WriteString(" ORDER BY ")
		for i, o := range q.OrderBy {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(o.Field)
			if o.Desc {
				b.WriteString(" DESC")
			}
		}
	}
	return b.String()
}

// Fields returns every field referenced by the WHERE clause.
func (q *Query) Fields() []string {
	var out []string
	var walk func(Expr)
	walk = func(e Expr) {
		switch x := e.(type) {
		case And:
			walk(x.Left)
			walk(x.Right)
		case Or:
			walk(x.Left)
			walk(x.Right)
		case Not:
			walk(x.X)
		case Compare:
			out = append(out, x.Field)
		case In:
			out = append(out, x.Field)
		case Between:
			out = append(out, x.Field)
		case IsNull:
			out = append(out, x.Field)
		}
	}
	if q.Where != nil {
		walk(q.Where)
	}
	return out
}
