package sqlstore

import (
	"strings"
	"unicode/utf8"

	"ecm/internal/database"
	"ecm/internal/nxql"
	"ecm/internal/repository"
)

const (
	sqlTrue  = "1=1"
	sqlFalse = "1=0"
)

var textColumns = map[string]string{
	nxql.ECMUUID:                 "id",
	nxql.ECMParentID:             "parent_id",
	nxql.ECMName:                 "name",
	nxql.ECMPath:                 "path",
	nxql.ECMPrimaryType:          "type",
	nxql.ECMVersionVersionableID: "version_series_id",
	nxql.ECMLifeCycleState:       "lifecycle_state",
	nxql.ECMLockOwner:            "lock_owner",
	nxql.ECMLock:                 "lock_owner",
}

var boolColumns = map[string]string{
	nxql.ECMIsVersion:       "is_version",
	nxql.ECMIsVersionOld:    "is_version",
	nxql.ECMIsCheckedIn:     "is_checked_in",
	nxql.ECMIsLatestVersion: "is_latest_version",
}

// translator turns an NXQL WHERE clause into a SQL condition selecting a superset of the
// matching rows. Parts it cannot express become TRUE and the result is flagged inexact so
// that rows are evaluated again in memory.
type translator struct {
	dialect database.Dialect
	schema  repository.Schema
	args    []any
}

func (t *translator) arg(v any) string {
	t.args = append(t.args, v)
	return t.dialect.Placeholder(len(t.args))
}

// from restricts the primary type. Document and unknown hierarchies are left to the caller.
func (t *translator) from(types []string) (string, bool) {
	var names []string
	for _, f := range types {
		if f == "Document" {
			return "", true
		}
		if t.schema == nil {
			names = append(names, f)
			continue
		}
		names = append(names, t.schema.Subtypes(f)...)
	}
	if len(names) == 0 {
		return "", true
	}
	ph := make([]string, len(names))
	for i, n := range names {
		ph[i] = t.arg(n)
	}
	return "type IN (" + strings.Join(ph, ", ") + ")", true
}

func (t *translator) where(e nxql.Expr) (string, bool) {
	switch x := e.(type) {
	case nxql.And:
		l, le := t.where(x.Left)
		r, re := t.where(x.Right)
		switch {
		case l == sqlTrue:
			return r, le && re
		case r == sqlTrue:
			return l, le && re
		}
		return "(" + l + " AND " + r + ")", le && re
	case nxql.Or:
		mark := len(t.args)
		l, le := t.where(x.Left)
		r, re := t.where(x.Right)
		if l == sqlTrue || r == sqlTrue {
			t.args = t.args[:mark]
			return sqlTrue, le && re
		}
		return "(" + l + " OR " + r + ")", le && re
	case nxql.Not:
		mark := len(t.args)
		inner, exact := t.where(x.X)
		if !exact {
			t.args = t.args[:mark]
			return sqlTrue, false
		}
		return "NOT COALESCE(" + inner + ", " + sqlFalse + ")", true
	case nxql.Compare:
		return t.compare(x)
	case nxql.In:
		return t.in(x)
	case nxql.IsNull:
		return t.isNull(x)
	}
	return sqlTrue, false
}

// column returns the SQL expression of a single valued string field.
func (t *translator) column(field string) (string, bool) {
	if col, ok := textColumns[field]; ok {
		return col, true
	}
	if strings.Contains(field, "'") || strings.Contains(field, `"`) {
		return "", false
	}
	if t.schema != nil && t.schema.IsScalarString(field) {
		return t.dialect.JSONText("data", "properties", field), true
	}
	return "", false
}

func (t *translator) compare(c nxql.Compare) (string, bool) {
	if col, ok := boolColumns[c.Field]; ok {
		b, ok := boolLiteral(c.Value)
		if !ok || (c.Op != nxql.OpEq && c.Op != nxql.OpNotEq) {
			return sqlTrue, false
		}
		return col + " " + string(c.Op) + " " + t.arg(b), true
	}
	if c.Field == nxql.ECMIsProxy {
		b, ok := boolLiteral(c.Value)
		if !ok || c.Op != nxql.OpEq {
			return sqlTrue, false
		}
		if b {
			return sqlFalse, true
		}
		return sqlTrue, true
	}
	s, isString := c.Value.(string)
	if !isString {
		return sqlTrue, false
	}
	switch c.Field {
	case nxql.ECMAncestorID:
		if c.Op != nxql.OpEq {
			return sqlTrue, false
		}
		return t.ancestor(s), true
	case nxql.ECMMixinType:
		switch c.Op {
		case nxql.OpEq:
			return t.hasFacet(s), true
		case nxql.OpNotEq:
			return "NOT " + t.hasFacet(s), true
		}
		return sqlTrue, false
	}
	col, ok := t.column(c.Field)
	if !ok {
		return sqlTrue, false
	}
	switch c.Op {
	case nxql.OpEq:
		return col + " = " + t.arg(s), true
	case nxql.OpNotEq:
		return "(" + col + " IS NULL OR " + col + " <> " + t.arg(s) + ")", true
	case nxql.OpLike:
		// sqlite LIKE ignores ASCII case
		return col + " LIKE " + t.arg(s) + ` ESCAPE '\'`, t.dialect == database.Postgres
	case nxql.OpILike:
		if t.dialect == database.Postgres {
			return col + " ILIKE " + t.arg(s) + ` ESCAPE '\'`, true
		}
		if isASCII(s) {
			return col + " LIKE " + t.arg(s) + ` ESCAPE '\'`, false
		}
	case nxql.OpNotLike:
		if t.dialect == database.Postgres {
			return "(" + col + " IS NULL OR " + col + " NOT LIKE " + t.arg(s) + ` ESCAPE '\')`, true
		}
	case nxql.OpNotILike:
		if t.dialect == database.Postgres {
			return "(" + col + " IS NULL OR " + col + " NOT ILIKE " + t.arg(s) + ` ESCAPE '\')`, true
		}
	case nxql.OpStartsWith:
		if c.Field == nxql.ECMPath {
			return t.under("path", s), true
		}
	}
	return sqlTrue, false
}

// under matches paths strictly below prefix.
func (t *translator) under(col, prefix string) string {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	return "(substr(" + col + ", 1, " + t.arg(utf8.RuneCountInString(prefix)) + ") = " + t.arg(prefix) + " AND " + col + " <> " + t.arg(prefix) + ")"
}

func (t *translator) ancestor(id string) string {
	return "EXISTS (SELECT 1 FROM documents a WHERE a.id = " + t.arg(id) + " AND NOT a.is_version AND (" +
		"(a.path = '/' AND documents.path LIKE '/_%') OR " +
		"substr(documents.path, 1, length(a.path) + 1) = a.path || '/'))"
}

func (t *translator) hasFacet(facet string) string {
	if t.dialect == database.SQLite {
		return "EXISTS (SELECT 1 FROM json_each(data, '$.facets') WHERE value = " + t.arg(facet) + ")"
	}
	return "COALESCE(data->'facets', '[]'::jsonb) @> jsonb_build_array(" + t.arg(facet) + "::text)"
}

func (t *translator) in(x nxql.In) (string, bool) {
	col, ok := t.column(x.Field)
	if !ok || len(x.Values) == 0 {
		return sqlTrue, false
	}
	ph := make([]string, len(x.Values))
	mark := len(t.args)
	for i, v := range x.Values {
		s, ok := v.(string)
		if !ok {
			t.args = t.args[:mark]
			return sqlTrue, false
		}
		ph[i] = t.arg(s)
	}
	list := "(" + strings.Join(ph, ", ") + ")"
	if x.Negated {
		return "(" + col + " IS NULL OR " + col + " NOT IN " + list + ")", true
	}
	return col + " IN " + list, true
}

func (t *translator) isNull(x nxql.IsNull) (string, bool) {
	if _, ok := boolColumns[x.Field]; ok {
		if x.Negated {
			return sqlTrue, true
		}
		return sqlFalse, true
	}
	col, ok := t.column(x.Field)
	if !ok {
		return sqlTrue, false
	}
	if x.Negated {
		return col + " IS NOT NULL", true
	}
	return col + " IS NULL", true
}

// orderBy translates ORDER BY when every item is a column, comparing bytes like the
// in-memory evaluation does.
func (t *translator) orderBy(order []nxql.OrderBy) (string, bool) {
	items := make([]string, 0, len(order)+2)
	for _, o := range order {
		col, ok := textColumns[o.Field]
		if ok && t.dialect == database.Postgres {
			col += ` COLLATE "C"`
		}
		if !ok {
			if col, ok = boolColumns[o.Field]; !ok {
				return "", false
			}
		}
		if o.Desc {
			items = append(items, col+" DESC NULLS LAST")
		} else {
			items = append(items, col+" ASC NULLS FIRST")
		}
	}
	items = append(items, "created ASC", "id ASC")
	return strings.Join(items, ", "), true
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

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
