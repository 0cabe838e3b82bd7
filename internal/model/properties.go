package model

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// Resolver validates and converts property values against the schemas of a document type.
type Resolver interface {
	// Coerce converts v to the canonical Go type of the field at xpath.
	Coerce(xpath string, v any) (any, error)
	// Known reports whether xpath designates a field of the type.
	Known(xpath string) bool
}

// Properties is the schema-prefixed property bag of a document. Top-level names look like
// "dc:title"; nested values are reached with "/" separated xpaths ("files:files/0/file/name").
// Each top-level property tracks whether it changed since the last ClearDirty, and lists also
// track which elements changed.
type Properties struct {
	resolver Resolver
	values   map[string]any
	dirty    map[string]bool
	elems    map[string][]bool
}

// NewProperties returns an empty bag. A nil resolver accepts any name and value.
func NewProperties(r Resolver) *Properties {
	return &Properties{
		resolver: r,
		values:   map[string]any{},
		dirty:    map[string]bool{},
		elems:    map[string][]bool{},
	}
}

// SetResolver binds the bag to a document type.
func (p *Properties) SetResolver(r Resolver) {
	p.resolver = r
}

func splitXPath(xpath string) (string, []string) {
	parts := strings.Split(strings.Trim(xpath, "/"), "/")
	return parts[0], parts[1:]
}

// Known reports whether xpath may be set on the bag. Unbound bags accept any name.
func (p *Properties) Known(xpath string) bool {
	return p.resolver == nil || p.resolver.Known(xpath)
}

// Get returns the value at xpath, nil when unset.
func (p *Properties) Get(xpath string) (any, error) {
	if p.resolver != nil && !p.resolver.Known(xpath) {
		return nil, errors.NotFoundf("property %q", xpath)
	}
	root, rest := splitXPath(xpath)
	v := p.values[root]
	for _, seg := range rest {
		var err error
		if v, err = child(v, seg); err != nil {
			return nil, errors.Annotatef(err, "property %q", xpath)
		}
	}
	return CloneValue(v), nil
}

// String returns the value at xpath when it is a string, empty otherwise.
func (p *Properties) String(xpath string) string {
	v, err := p.Get(xpath)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func child(v any, seg string) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return x[seg], nil
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil {
			return nil, errors.NotValidf("list index %q", seg)
		}
		if i < 0 || i >= len(x) {
			return nil, errors.NotFoundf("list index %d", i)
		}
		return x[i], nil
	case *Blob:
		return x.Field(seg)
	}
	return nil, errors.NotValidf("path segment %q into a scalar", seg)
}

// Set assigns v at xpath. The property becomes dirty only when its value actually changes.
func (p *Properties) Set(xpath string, v any) error {
	var err error
	if p.resolver != nil {
		if v, err = p.resolver.Coerce(xpath, v); err != nil {
			return errors.Trace(err)
		}
	} else {
		v = Normalize(v)
	}
	root, rest := splitXPath(xpath)
	if len(rest) > 0 {
		if v, err = setChild(CloneValue(p.values[root]), rest, v); err != nil {
			return errors.Annotatef(err, "property %q", xpath)
		}
	}
	p.assign(root, v)
	return nil
}

func setChild(container any, path []string, v any) (any, error) {
	seg := path[0]
	switch x := container.(type) {
	case nil:
		if _, err := strconv.Atoi(seg); err == nil {
			return nil, errors.NotFoundf("list index %s", seg)
		}
		m := map[string]any{}
		return setChild(m, path, v)
	case map[string]any:
		if len(path) == 1 {
			x[seg] = v
			return x, nil
		}
		sub, err := setChild(x[seg], path[1:], v)
		if err != nil {
			return nil, err
		}
		x[seg] = sub
		return x, nil
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil {
			return nil, errors.NotValidf("list index %q", seg)
		}
		if i < 0 || i >= len(x) {
			return nil, errors.NotFoundf("list index %d", i)
		}
		if len(path) == 1 {
			x[i] = v
			return x, nil
		}
		sub, err := setChild(x[i], path[1:], v)
		if err != nil {
			return nil, err
		}
		x[i] = sub
		return x, nil
	case *Blob:
		if len(path) > 1 {
			return nil, errors.NotValidf("path below blob field %q", seg)
		}
		if err := x.SetField(seg, v); err != nil {
			return nil, err
		}
		return x, nil
	}
	return nil, errors.NotValidf("path segment %q into a scalar", seg)
}

func (p *Properties) assign(name string, v any) {
	old := p.values[name]
	if list, ok := v.([]any); ok {
		oldList, _ := old.([]any)
		oldFlags := p.elementFlags(name, oldList)
		flags := make([]bool, len(list))
		for i := range list {
			switch {
			case i >= len(oldList):
				flags[i] = true
			case !EqualValues(oldList[i], list[i]):
				flags[i] = true
			default:
				flags[i] = oldFlags[i]
			}
		}
		p.elems[name] = flags
	} else {
		delete(p.elems, name)
	}
	p.values[name] = v
	if !EqualValues(old, v) {
		p.dirty[name] = true
	}
}

func (p *Properties) elementFlags(name string, list []any) []bool {
	flags := p.elems[name]
	if len(flags) < len(list) {
		flags = append(flags, make([]bool, len(list)-len(flags))...)
	}
	return flags
}

// Load replaces the content with stored values and clears every dirty flag.
func (p *Properties) Load(values map[string]any) error {
	p.values = make(map[string]any, len(values))
	for name, v := range values {
		if p.resolver != nil {
			if !p.resolver.Known(name) {
				continue
			}
			c, err := p.resolver.Coerce(name, v)
			if err != nil {
				return errors.Annotatef(err, "loading %q", name)
			}
			v = c
		} else {
			v = Normalize(v)
		}
		p.values[name] = v
	}
	p.ClearDirty()
	return nil
}

// IsDirty reports whether any property changed.
func (p *Properties) IsDirty() bool {
	return len(p.dirty) > 0
}

// IsPropertyDirty reports whether the top-level property changed.
func (p *Properties) IsPropertyDirty(name string) bool {
	return p.dirty[name]
}

// IsElementDirty reports whether element i of a list property changed or moved.
func (p *Properties) IsElementDirty(name string, i int) (bool, error) {
	list, _ := p.values[name].([]any)
	flags := p.elementFlags(name, list)
	if i < 0 || i >= len(flags) {
		return false, errors.NotValidf("index %d out of bounds 0 - %d of %q", i, len(flags)-1, name)
	}
	return flags[i], nil
}

// DirtyNames returns the changed top-level properties, sorted.
func (p *Properties) DirtyNames() []string {
	names := make([]string, 0, len(p.dirty))
	for n := range p.dirty {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DirtyMap returns a copy of the changed top-level values. Cleared properties map to nil.
func (p *Properties) DirtyMap() map[string]any {
	out := make(map[string]any, len(p.dirty))
	for n := range p.dirty {
		out[n] = CloneValue(p.values[n])
	}
	return out
}

// ClearDirty forgets every change, including list element flags.
func (p *Properties) ClearDirty() {
	p.dirty = map[string]bool{}
	p.elems = map[string][]bool{}
}

// Names returns the set top-level properties, sorted.
func (p *Properties) Names() []string {
	names := make([]string, 0, len(p.values))
	for n, v := range p.values {
		if v != nil {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// Map returns a deep copy of the non-nil values.
func (p *Properties) Map() map[string]any {
	out := make(map[string]any, len(p.values))
	for n, v := range p.values {
		if v != nil {
			out[n] = CloneValue(v)
		}
	}
	return out
}

// Clone returns an independent copy keeping the dirty state.
func (p *Properties) Clone() *Properties {
	c := NewProperties(p.resolver)
	for n, v := range p.values {
		c.values[n] = CloneValue(v)
	}
	for n := range p.dirty {
		c.dirty[n] = true
	}
	for n, f := range p.elems {
		c.elems[n] = append([]bool(nil), f...)
	}
	return c
}

func (p *Properties) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Map())
}

func (p *Properties) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if p.values == nil {
		*p = *NewProperties(p.resolver)
	}
	return p.Load(m)
}
