package mongostore

import (
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"ecm/internal/nxql"
	"ecm/internal/repository"
)

var textKeys = map[string]string{
	nxql.ECMUUID:                 "_id",
	nxql.ECMParentID:             "parentId",
	nxql.ECMName:                 "name",
	nxql.ECMPath:                 "path",
	nxql.ECMPrimaryType:          "type",
	nxql.ECMMixinType:            "facets",
	nxql.ECMVersionVersionableID: "versionSeriesId",
	nxql.ECMLifeCycleState:       "state",
	nxql.ECMLockOwner:            "lockOwner",
	nxql.ECMLock:                 "lockOwner",
	nxql.ECMVersionDescription:   "versionDescription",
}

var boolKeys = map[string]string{
	nxql.ECMIsVersion:            "isVersion",
	nxql.ECMIsVersionOld:         "isVersion",
	nxql.ECMIsCheckedIn:          "isCheckedIn",
	nxql.ECMIsLatestVersion:      "isLatestVersion",
	nxql.ECMIsLatestMajorVersion: "isLatestMajorVersion",
}

var dateKeys = map[string]string{
	nxql.ECMVersionCreated: "versionCreated",
	nxql.ECMLockCreated:    "lockCreated",
}

var (
	matchAll  = bson.D{}
	matchNone = bson.D{{Key: "_id", Value: bson.D{{Key: "$exists", Value: false}}}}
)

// translator builds a filter selecting a superset of the matching documents. Predicates it
// cannot express match everything and mark the filter inexact.
type translator struct {
	schema repository.Schema
	pathOf func(id string) (string, bool)
}

func (t *translator) filter(q *nxql.Query) (bson.D, bool) {
	var parts []bson.D
	exact := true
	if types := t.types(q.From); types != nil {
		parts = append(parts, bson.D{{Key: "type", Value: bson.D{{Key: "$in", Value: types}}}})
	}
	if q.Where != nil {
		w, ok := t.expr(q.Where)
		exact = ok
		if len(w) > 0 {
			parts = append(parts, w)
		}
	}
	return and(parts), exact
}

func and(parts []bson.D) bson.D {
	switch len(parts) {
	case 0:
		return matchAll
	case 1:
		return parts[0]
	}
	arr := make(bson.A, len(parts))
	for i, p := range parts {
		arr[i] = p
	}
	return bson.D{{Key: "$and", Value: arr}}
}

func (t *translator) types(from []string) []string {
	var out []string
	for _, f := range from {
		if f == "Document" {
			return nil
		}
		if t.schema == nil {
			out = append(out, f)
			continue
		}
		out = append(out, t.schema.Subtypes(f)...)
	}
	return out
}

func (t *translator) expr(e nxql.Expr) (bson.D, bool) {
	switch x := e.(type) {
	case nxql.And:
		l, le := t.expr(x.Left)
		r, re := t.expr(x.Right)
		var parts []bson.D
		for _, p := range []bson.D{l, r} {
			if len(p) > 0 {
				parts = append(parts, p)
			}
		}
		return and(parts), le && re
	case nxql.Or:
		l, le := t.expr(x.Left)
		r, re := t.expr(x.Right)
		if len(l) == 0 || len(r) == 0 {
			return matchAll, le && re
		}
		return bson.D{{Key: "$or", Value: bson.A{l, r}}}, le && re
	case nxql.Not:
		inner, exact := t.expr(x.X)
		if !exact {
			return matchAll, false
		}
		if len(inner) == 0 {
			return matchNone, true
		}
		return bson.D{{Key: "$nor", Value: bson.A{inner}}}, true
	case nxql.Compare:
		return t.compare(x)
	case nxql.In:
		key, ok := t.key(x.Field)
		if !ok || !allStrings(x.Values) {
			return matchAll, false
		}
		op := "$in"
		if x.Negated {
			op = "$nin"
		}
		return bson.D{{Key: key, Value: bson.D{{Key: op, Value: x.Values}}}}, true
	case nxql.Between:
		key, ok := t.key(x.Field)
		lo, ok1 := x.Low.(string)
		hi, ok2 := x.High.(string)
		if !ok || !ok1 || !ok2 {
			return matchAll, false
		}
		rng := bson.D{{Key: "$gte", Value: lo}, {Key: "$lte", Value: hi}}
		if x.Negated {
			return bson.D{{Key: key, Value: bson.D{{Key: "$not", Value: rng}}}}, true
		}
		return bson.D{{Key: key, Value: rng}}, true
	case nxql.IsNull:
		key, ok := t.key(x.Field)
		if _, isBool := boolKeys[x.Field]; isBool {
			if x.Negated {
				return matchAll, true
			}
			return matchNone, true
		}
		if !ok || x.Field == nxql.ECMMixinType {
			return matchAll, false
		}
		if x.Negated {
			return bson.D{{Key: key, Value: bson.D{{Key: "$ne", Value: nil}}}}, true
		}
		return bson.D{{Key: key, Value: nil}}, true
	}
	return matchAll, false
}

// key maps a field holding strings to its document key.
func (t *translator) key(field string) (string, bool) {
	if k, ok := textKeys[field]; ok {
		return k, true
	}
	if strings.ContainsAny(field, ".$") || t.schema == nil || !t.schema.IsScalarString(field) {
		return "", false
	}
	return "properties." + field, true
}

var compareOps = map[nxql.Operator]string{
	nxql.OpEq:    "$eq",
	nxql.OpNotEq: "$ne",
	nxql.OpLt:    "$lt",
	nxql.OpLte:   "$lte",
	nxql.OpGt:    "$gt",
	nxql.OpGte:   "$gte",
}

func (t *translator) compare(c nxql.Compare) (bson.D, bool) {
	if k, ok := boolKeys[c.Field]; ok {
		b, ok := boolLiteral(c.Value)
		if !ok || (c.Op != nxql.OpEq && c.Op != nxql.OpNotEq) {
			return matchAll, false
		}
		return bson.D{{Key: k, Value: bson.D{{Key: compareOps[c.Op], Value: b}}}}, true
	}
	if k, ok := dateKeys[c.Field]; ok {
		tm, ok := c.Value.(time.Time)
		op, known := compareOps[c.Op]
		if !ok || !known || c.Op == nxql.OpNotEq {
			return matchAll, false
		}
		return bson.D{{Key: k, Value: bson.D{{Key: op, Value: primitive.NewDateTimeFromTime(tm)}}}}, true
	}
	s, ok := c.Value.(string)
	if !ok {
		return matchAll, false
	}
	if c.Field == nxql.ECMAncestorID {
		if c.Op != nxql.OpEq || t.pathOf == nil {
			return matchAll, false
		}
		p, found := t.pathOf(s)
		if !found {
			return matchNone, true
		}
		return t.under(p), true
	}
	key, ok := t.key(c.Field)
	if !ok {
		return matchAll, false
	}
	if op, known := compareOps[c.Op]; known {
		if c.Field == nxql.ECMMixinType && c.Op != nxql.OpEq && c.Op != nxql.OpNotEq {
			return matchAll, false
		}
		return bson.D{{Key: key, Value: bson.D{{Key: op, Value: s}}}}, true
	}
	switch c.Op {
	case nxql.OpLike, nxql.OpILike:
		return bson.D{{Key: key, Value: likeRegex(s, c.Op == nxql.OpILike)}}, true
	case nxql.OpNotLike, nxql.OpNotILike:
		return bson.D{{Key: key, Value: bson.D{{Key: "$not", Value: likeRegex(s, c.Op == nxql.OpNotILike)}}}}, true
	case nxql.OpStartsWith:
		if c.Field == nxql.ECMPath {
			return t.under(s), true
		}
	}
	return matchAll, false
}

// under matches live paths strictly below p.
func (t *translator) under(p string) bson.D {
	prefix := strings.TrimSuffix(p, "/") + "/"
	return bson.D{{Key: "path", Value: primitive.Regex{Pattern: "^" + regexp.QuoteMeta(prefix) + ".", Options: "s"}}}
}

// likeRegex converts a LIKE pattern: % is any run, _ any character, \ escapes.
func likeRegex(pattern string, insensitive bool) primitive.Regex {
	var b strings.Builder
	b.WriteString("^")
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			b.WriteString(".*")
		case r == '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	opts := "s"
	if insensitive {
		opts = "is"
	}
	return primitive.Regex{Pattern: b.String(), Options: opts}
}

// sortSpec translates ORDER BY when every item is a top-level key.
func sortSpec(order []nxql.OrderBy) (bson.D, bool) {
	out := bson.D{}
	for _, o := range order {
		k, ok := textKeys[o.Field]
		if !ok || o.Field == nxql.ECMMixinType {
			if k, ok = boolKeys[o.Field]; !ok {
				return nil, false
			}
		}
		dir := 1
		if o.Desc {
			dir = -1
		}
		out = append(out, bson.E{Key: k, Value: dir})
	}
	for _, k := range []string{"created", "_id"} {
		if !hasKey(out, k) {
			out = append(out, bson.E{Key: k, Value: 1})
		}
	}
	return out, true
}

func allStrings(vals []any) bool {
	for _, v := range vals {
		if _, ok := v.(string); !ok {
			return false
		}
	}
	return len(vals) > 0
}

func boolLiteral(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case int64:
		if b == 0 || b == 1 {
			return b == 1, true
		}
	}
	return false, false
}

func hasKey(d bson.D, key string) bool {
	for _, e := range d {
		if e.Key == key {
			return true
		}
	}
	return false
}
