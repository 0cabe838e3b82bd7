package nxql

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/juju/errors"

	"ecm/internal/model"
)

// TypeChecker tells whether a document type satisfies an entry of the FROM clause.
type TypeChecker interface {
	IsSubtype(typeName, ancestor string) bool
}

// Values exposes the fields of a candidate document. Multi-valued fields return every value.
type Values interface {
	Type() string
	Field(name string) []any
}

type docValues struct {
	doc       *model.Document
	ancestors []string
}

// DocumentValues adapts a document for evaluation. ancestorIDs feed ecm:ancestorId.
func DocumentValues(doc *model.Document, ancestorIDs ...string) Values {
	return &docValues{doc: doc, ancestors: ancestorIDs}
}

func (d *docValues) Type() string {
	return d.doc.Type
}

func nonEmpty(s string) []any {
	if s == "" {
		return nil
	}
	return []any{s}
}

func timeValue(t *time.Time) []any {
	if t == nil {
		return nil
	}
	return []any{*t}
}

func (d *docValues) Field(name string) []any {
	doc := d.doc
	switch name {
	case ECMUUID:
		return nonEmpty(doc.ID)
	case ECMPath:
		return nonEmpty(doc.Path)
	case ECMName:
		return nonEmpty(doc.Name)
	case ECMParentID:
		return nonEmpty(doc.ParentID)
	case ECMPrimaryType:
		return nonEmpty(doc.Type)
	case ECMMixinType:
		out := make([]any, len(doc.Facets))
		for i, f := range doc.Facets {
			out[i] = f
		}
		return out
	case ECMIsProxy:
		return []any{false}
	case ECMIsVersion, ECMIsVersionOld:
		return []any{doc.IsVersion}
	case ECMIsCheckedIn:
		return []any{doc.IsCheckedIn}
	case ECMIsLatestVersion:
		return []any{doc.IsLatestVersion}
	case ECMIsLatestMajorVersion:
		return []any{doc.IsLatestMajorVersion}
	case ECMLifeCycleState:
		return nonEmpty(doc.LifeCycleState)
	case ECMVersionLabel:
		return []any{doc.VersionLabel()}
	case ECMVersionCreated:
		return timeValue(doc.VersionCreated)
	case ECMVersionDescription:
		return nonEmpty(doc.VersionDescription)
	case ECMVersionVersionableID:
		return nonEmpty(doc.VersionSeriesID)
	case ECMLock, ECMLockOwner:
		return nonEmpty(doc.LockOwner)
	case ECMLockCreated:
		return timeValue(doc.LockCreated)
	case ECMAncestorID:
		out := make([]any, len(d.ancestors))
		for i, a := range d.ancestors {
			out[i] = a
		}
		return out
	case ECMFulltext:
		return []any{d.fulltext()}
	}
	if strings.HasPrefix(name, ECMACL+"/") {
		return d.aclField(name)
	}
	if doc.Properties == nil {
		return nil
	}
	parts := strings.Split(name, "/")
	v, err := doc.Properties.Get(parts[0])
	if err != nil {
		return nil
	}
	return expand(v, parts[1:])
}

func (d *docValues) fulltext() string {
	var b strings.Builder
	b.WriteString(d.doc.Name)
	if d.doc.Properties != nil {
		for _, n := range d.doc.Properties.Names() {
			if s := d.doc.Properties.String(n); s != "" {
				b.WriteByte(' ')
				b.WriteString(s)
			}
		}
	}
	b.WriteByte(' ')
	b.WriteString(d.doc.Fulltext)
	return b.String()
}

func (d *docValues) aclField(name string) []any {
	if d.doc.ACP == nil {
		return nil
	}
	parts := strings.Split(name, "/")
	if len(parts) != 3 {
		return nil
	}
	var out []any
	for _, acl := range d.doc.ACP.ACLs {
		for pos, ace := range acl.ACEs {
			var v any
			switch parts[2] {
			case ECMACLName:
				v = acl.Name
			case ECMACLPrincipal:
				v = ace.Username
			case ECMACLPermission:
				v = ace.Permission
			case ECMACLGrant:
				v = ace.Granted
			case ECMACLCreator:
				v = ace.Creator
			case ECMACLPos:
				v = int64(pos)
			case ECMACLBegin:
				if ace.Begin != nil {
					v = *ace.Begin
				}
			case ECMACLEnd:
				if ace.End != nil {
					v = *ace.End
				}
			}
			if v != nil {
				out = append(out, v)
			}
		}
	}
	return out
}

func expand(v any, segs []string) []any {
	if v == nil {
		return nil
	}
	if len(segs) == 0 {
		if l, ok := v.([]any); ok {
			var out []any
			for _, e := range l {
				if e != nil {
					out = append(out, e)
				}
			}
			return out
		}
		return []any{v}
	}
	seg, rest := segs[0], segs[1:]
	switch x := v.(type) {
	case []any:
		if i, err := strconv.Atoi(seg); err == nil {
			if i < 0 || i >= len(x) {
				return nil
			}
			return expand(x[i], rest)
		}
		if seg != "*" {
			rest = segs
		}
		var out []any
		for _, e := range x {
			out = append(out, expand(e, rest)...)
		}
		return out
	case map[string]any:
		return expand(x[seg], rest)
	case *model.Blob:
		f, err := x.Field(seg)
		if err != nil {
			return nil
		}
		return expand(f, rest)
	}
	return nil
}

// Match reports whether the candidate satisfies the FROM and WHERE clauses. A nil checker
// matches types by name, Document matching everything.
func Match(q *Query, v Values, types TypeChecker) (bool, error) {
	if !matchType(q.From, v.Type(), types) {
		return false, nil
	}
	if q.Where == nil {
		return true, nil
	}
	return eval(q.Where, v)
}

func matchType(from []string, typeName string, types TypeChecker) bool {
	if len(from) == 0 {
		return true
	}
	for _, f := range from {
		if types != nil {
			if types.IsSubtype(typeName, f) {
				return true
			}
			continue
		}
		if f == "Document" || f == typeName {
			return true
		}
	}
	return false
}

func eval(e Expr, v Values) (bool, error) {
	switch x := e.(type) {
	case And:
		l, err := eval(x.Left, v)
		if err != nil || !l {
			return false, err
		}
		return eval(x.Right, v)
	case Or:
		l, err := eval(x.Left, v)
		if err != nil {
			return false, err
		}
		if l {
			return true, nil
		}
		return eval(x.Right, v)
	case Not:
		r, err := eval(x.X, v)
		return !r, err
	case Compare:
		return evalCompare(x, v)
	case In:
		vals := v.Field(x.Field)
		found := false
		for _, val := range vals {
			for _, lit := range x.Values {
				if equal(val, lit) {
					found = true
				}
			}
		}
		return found != x.Negated, nil
	case Between:
		found := false
		for _, val := range v.Field(x.Field) {
			lo, ok1 := compare(val, x.Low)
			hi, ok2 := compare(val, x.High)
			if ok1 && ok2 && lo >= 0 && hi <= 0 {
				found = true
			}
		}
		return found != x.Negated, nil
	case IsNull:
		return (len(v.Field(x.Field)) == 0) != x.Negated, nil
	}
	return false, errors.NotSupportedf("expression %T", e)
}

func evalCompare(c Compare, v Values) (bool, error) {
	vals := v.Field(c.Field)
	if c.Field == ECMFulltext {
		s, ok := c.Value.(string)
		if !ok || (c.Op != OpEq && c.Op != OpNotEq && c.Op != OpLike) {
			return false, errors.NotSupportedf("fulltext operator %s", c.Op)
		}
		text := ""
		if len(vals) > 0 {
			text, _ = vals[0].(string)
		}
		return FulltextMatch(text, s) != (c.Op == OpNotEq), nil
	}
	if c.Op == OpStartsWith {
		p, _ := c.Value.(string)
		prefix := strings.TrimSuffix(p, "/")
		for _, val := range vals {
			s, ok := val.(string)
			if !ok {
				continue
			}
			if strings.HasPrefix(s, prefix+"/") || (c.Field != ECMPath && s == prefix) {
				return true, nil
			}
		}
		return false, nil
	}
	op := c.Op
	if op.Negated() {
		op = map[Operator]Operator{OpNotEq: OpEq, OpNotLike: OpLike, OpNotILike: OpILike}[op]
	}
	found := false
	for _, val := range vals {
		ok, err := apply(val, op, c.Value)
		if err != nil {
			return false, err
		}
		if ok {
			found = true
			break
		}
	}
	return found != c.Op.Negated(), nil
}

func apply(val any, op Operator, lit any) (bool, error) {
	switch op {
	case OpEq:
		return equal(val, lit), nil
	case OpLike, OpILike:
		s, ok := val.(string)
		pattern, isString := lit.(string)
		if !ok || !isString {
			return false, nil
		}
		re, err := likeRegexp(pattern, op == OpILike)
		if err != nil {
			return false, err
		}
		return re.MatchString(s), nil
	}
	c, ok := compare(val, lit)
	if !ok {
		return false, nil
	}
	switch op {
	case OpLt:
		return c < 0, nil
	case OpLte:
		return c <= 0, nil
	case OpGt:
		return c > 0, nil
	case OpGte:
		return c >= 0, nil
	}
	return false, errors.NotSupportedf("operator %s", op)
}

func equal(a, b any) bool {
	c, ok := compare(a, b)
	return ok && c == 0
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// compare orders two values of compatible types. Booleans compare with 0 and 1, dates with
// date strings.
func compare(a, b any) (int, bool) {
	switch x := a.(type) {
	case string:
		switch y := b.(type) {
		case string:
			return strings.Compare(x, y), true
		case time.Time:
			if t, err := parseTime(x, false); err == nil {
				return compareTime(t, y), true
			}
		}
		return 0, false
	case time.Time:
		switch y := b.(type) {
		case time.Time:
			return compareTime(x, y), true
		case string:
			if t, err := parseTime(y, false); err == nil {
				return compareTime(x, t), true
			}
		}
		return 0, false
	}
	fa, ok1 := toFloat(a)
	fb, ok2 := toFloat(b)
	if !ok1 || !ok2 {
		return 0, false
	}
	switch {
	case fa < fb:
		return -1, true
	case fa > fb:
		return 1, true
	}
	return 0, true
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

var likeCache sync.Map

func likeRegexp(pattern string, insensitive bool) (*regexp.Regexp, error) {
	key := "s:" + pattern
	if insensitive {
		key = "i:" + pattern
	}
	if re, ok := likeCache.Load(key); ok {
		return re.(*regexp.Regexp), nil
	}
	var b strings.Builder
	b.WriteString("(?s)")
	if insensitive {
		b.WriteString("(?i)")
	}
	b.WriteString("^")
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch r := runes[i]; r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		case '\\':
			if i+1 < len(runes) {
				i++
				b.WriteString(regexp.QuoteMeta(string(runes[i])))
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, errors.NewNotValid(err, fmt.Sprintf("LIKE pattern %q", pattern))
	}
	likeCache.Store(key, re)
	return re, nil
}

// Words splits text into lower-cased fulltext tokens.
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// FulltextMatch reports whether text contains every word of query. Words prefixed with "-"
// must be absent and a trailing "*" matches a prefix.
func FulltextMatch(text, query string) bool {
	words := map[string]bool{}
	for _, w := range Words(text) {
		words[w] = true
	}
	has := func(term string) bool {
		if strings.HasSuffix(term, "*") {
			prefix := strings.TrimSuffix(term, "*")
			for w := range words {
				if strings.HasPrefix(w, prefix) {
					return true
				}
			}
			return false
		}
		return words[term]
	}
	matched := false
	for _, raw := range strings.Fields(strings.ToLower(query)) {
		exclude := strings.HasPrefix(raw, "-")
		term := strings.TrimLeft(raw, "-+")
		for _, sub := range Words(strings.TrimSuffix(term, "*")) {
			if strings.HasSuffix(term, "*") {
				sub += "*"
			}
			if has(sub) == exclude {
				return false
			}
			if !exclude {
				matched = true
			}
		}
	}
	return matched
}

// Less orders two candidates by the ORDER BY items. Missing values sort first.
func Less(a, b Values, order []OrderBy) bool {
	for _, o := range order {
		c := compareFirst(a.Field(o.Field), b.Field(o.Field))
		if c == 0 {
			continue
		}
		if o.Desc {
			return c > 0
		}
		return c < 0
	}
	return false
}

func compareFirst(a, b []any) int {
	switch {
	case len(a) == 0 && len(b) == 0:
		return 0
	case len(a) == 0:
		return -1
	case len(b) == 0:
		return 1
	}
	if c, ok := compare(a[0], b[0]); ok {
		return c
	}
	return strings.Compare(fmt.Sprint(a[0]), fmt.Sprint(b[0]))
}

// SortDocuments orders docs in place, stably.
func SortDocuments(docs []*model.Document, order []OrderBy) {
	if len(order) == 0 {
		return
	}
	vals := make(map[*model.Document]Values, len(docs))
	for _, d := range docs {
		vals[d] = DocumentValues(d)
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return Less(vals[docs[i]], vals[docs[j]], order)
	})
}
