package schema

import (
	"bytes"
	_ "embed"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"ecm/internal/lifecycle"
	"ecm/internal/model"
)

// DocumentType is the implicit ancestor of every type, usable in queries.
const DocumentType = "Document"

//go:embed types.yaml
var defaultTypes []byte

type definitions struct {
	Schemas    []*Schema           `yaml:"schemas"`
	Facets     []*Facet            `yaml:"facets"`
	Types      []*DocType          `yaml:"types"`
	Lifecycles []*lifecycle.Policy `yaml:"lifecycles"`
}

type resolvedType struct {
	def       *DocType
	schemas   []string
	facets    []string
	policy    string
	ancestors []string
}

// Registry holds schemas, facets, document types and lifecycle policies.
type Registry struct {
	schemas    map[string]*Schema
	prefixes   map[string]*Schema
	facets     map[string]*Facet
	types      map[string]*resolvedType
	lifecycles *lifecycle.Registry
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the registry of the built-in types.
func Default() *Registry {
	defaultOnce.Do(func() {
		r, err := Load(bytes.NewReader(defaultTypes))
		if err != nil {
			panic(errors.Annotate(err, "built-in types"))
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

// LoadFile reads type definitions from a YAML file.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "open types file")
	}
	defer f.Close()
	return Load(f)
}

// Load reads type definitions. The default lifecycle policy is always available.
func Load(r io.Reader) (*Registry, error) {
	var defs definitions
	if err := yaml.NewDecoder(r).Decode(&defs); err != nil {
		return nil, errors.NewNotValid(err, "types definition")
	}
	reg := &Registry{
		schemas:  map[string]*Schema{},
		prefixes: map[string]*Schema{},
		facets:   map[string]*Facet{},
		types:    map[string]*resolvedType{},
	}
	for _, s := range defs.Schemas {
		if err := s.init(); err != nil {
			return nil, err
		}
		if _, dup := reg.prefixes[s.Prefix]; dup {
			return nil, errors.AlreadyExistsf("schema prefix %q", s.Prefix)
		}
		reg.schemas[s.Name] = s
		reg.prefixes[s.Prefix] = s
	}
	for _, f := range defs.Facets {
		for _, sn := range f.Schemas {
			if reg.schemas[sn] == nil {
				return nil, errors.NotFoundf("schema %q of facet %q", sn, f.Name)
			}
		}
		reg.facets[f.Name] = f
	}

	lc, err := lifecycle.NewRegistry(lifecycle.Default())
	if err != nil {
		return nil, err
	}
	for _, p := range defs.Lifecycles {
		if err := lc.Register(p); err != nil {
			return nil, err
		}
	}
	reg.lifecycles = lc

	defsByName := make(map[string]*DocType, len(defs.Types))
	for _, t := range defs.Types {
		if t.Name == "" || t.Name == DocumentType {
			return nil, errors.NotValidf("document type name %q", t.Name)
		}
		defsByName[t.Name] = t
	}
	for _, t := range defs.Types {
		if _, err := reg.resolve(t.Name, defsByName, map[string]bool{}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (r *Registry) resolve(name string, defs map[string]*DocType, visiting map[string]bool) (*resolvedType, error) {
	if rt, ok := r.types[name]; ok {
		return rt, nil
	}
	def, ok := defs[name]
	if !ok {
		return nil, errors.NotFoundf("document type %q", name)
	}
	if visiting[name] {
		return nil, errors.NotValidf("document type %q inheritance cycle", name)
	}
	visiting[name] = true
	rt := &resolvedType{def: def}
	if def.Parent != "" {
		parent, err := r.resolve(def.Parent, defs, visiting)
		if err != nil {
			return nil, errors.Annotatef(err, "parent of %q", name)
		}
		rt.schemas = append(rt.schemas, parent.schemas...)
		rt.facets = append(rt.facets, parent.facets...)
		rt.policy = parent.policy
		rt.ancestors = append([]string{def.Parent}, parent.ancestors...)
	}
	for _, s := range def.Schemas {
		if r.schemas[s] == nil {
			return nil, errors.NotFoundf("schema %q of type %q", s, name)
		}
		rt.schemas = appendUnique(rt.schemas, s)
	}
	for _, f := range def.Facets {
		if r.facets[f] == nil {
			return nil, errors.NotFoundf("facet %q of type %q", f, name)
		}
		rt.facets = appendUnique(rt.facets, f)
	}
	if def.LifeCycle != "" {
		rt.policy = def.LifeCycle
	}
	if _, err := r.lifecycles.Policy(rt.policy); err != nil {
		return nil, errors.Annotatef(err, "type %q", name)
	}
	r.types[name] = rt
	return rt, nil
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// Lifecycles returns the lifecycle policies.
func (r *Registry) Lifecycles() *lifecycle.Registry {
	return r.lifecycles
}

// Types lists the document type names.
func (r *Registry) Types() []string {
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Type returns a type definition.
func (r *Registry) Type(name string) (*DocType, error) {
	rt, ok := r.types[name]
	if !ok {
		return nil, errors.NotFoundf("document type %q", name)
	}
	return rt.def, nil
}

// Schema returns a schema by name.
func (r *Registry) Schema(name string) (*Schema, error) {
	s, ok := r.schemas[name]
	if !ok {
		return nil, errors.NotFoundf("schema %q", name)
	}
	return s, nil
}

// Facets returns the static facets of a type, inherited ones included.
func (r *Registry) Facets(typeName string) []string {
	rt, ok := r.types[typeName]
	if !ok {
		return nil
	}
	return append([]string(nil), rt.facets...)
}

// HasFacet reports whether the type statically has facet.
func (r *Registry) HasFacet(typeName, facet string) bool {
	for _, f := range r.Facets(typeName) {
		if f == facet {
			return true
		}
	}
	return false
}

// Schemas returns the schema names of a type plus those brought by facets, which may
// include dynamic facets of a given document.
func (r *Registry) Schemas(typeName string, facets ...string) ([]string, error) {
	rt, ok := r.types[typeName]
	if !ok {
		return nil, errors.NotFoundf("document type %q", typeName)
	}
	out := append([]string(nil), rt.schemas...)
	for _, fn := range append(append([]string(nil), rt.facets...), facets...) {
		f, ok := r.facets[fn]
		if !ok {
			continue
		}
		for _, s := range f.Schemas {
			out = appendUnique(out, s)
		}
	}
	return out, nil
}

// LifeCyclePolicy returns the policy name of a type.
func (r *Registry) LifeCyclePolicy(typeName string) string {
	if rt, ok := r.types[typeName]; ok && rt.policy != "" {
		return rt.policy
	}
	return lifecycle.NoPolicy
}

// IsSubtype reports whether typeName is ancestor or inherits from it. Every type is a Document.
func (r *Registry) IsSubtype(typeName, ancestor string) bool {
	if ancestor == DocumentType || typeName == ancestor {
		return true
	}
	rt, ok := r.types[typeName]
	if !ok {
		return false
	}
	for _, a := range rt.ancestors {
		if a == ancestor {
			return true
		}
	}
	return false
}

// Subtypes returns ancestor and every type inheriting from it.
func (r *Registry) Subtypes(ancestor string) []string {
	var out []string
	for _, n := range r.Types() {
		if r.IsSubtype(n, ancestor) {
			out = append(out, n)
		}
	}
	if ancestor != DocumentType && len(out) == 0 {
		out = []string{ancestor}
	}
	return out
}

// Field resolves an xpath like "dc:title", "files:files/0/file/name" or "picture:views/*/tag".
func (r *Registry) Field(xpath string) (*Field, error) {
	_, f, err := r.field(xpath)
	return f, err
}

func (r *Registry) field(xpath string) (*Schema, *Field, error) {
	parts := strings.Split(strings.Trim(xpath, "/"), "/")
	prefix, name, ok := strings.Cut(parts[0], ":")
	if !ok {
		return nil, nil, errors.NotFoundf("property %q without prefix", xpath)
	}
	s, ok := r.prefixes[prefix]
	if !ok {
		if s, ok = r.schemas[prefix]; !ok {
			return nil, nil, errors.NotFoundf("property %q", xpath)
		}
	}
	f := s.Field(name)
	if f == nil {
		return nil, nil, errors.NotFoundf("property %q", xpath)
	}
	for _, seg := range parts[1:] {
		switch f.kind {
		case List:
			if _, err := strconv.Atoi(seg); err != nil && seg != "*" {
				return nil, nil, errors.NotFoundf("property %q", xpath)
			}
			f = f.Item
		case Complex:
			if f = f.Child(seg); f == nil {
				return nil, nil, errors.NotFoundf("property %q", xpath)
			}
		case Blob:
			if f = blobFields[seg]; f == nil {
				return nil, nil, errors.NotFoundf("property %q", xpath)
			}
		default:
			return nil, nil, errors.NotFoundf("property %q", xpath)
		}
	}
	return s, f, nil
}

// Coerce converts v to the canonical Go type of the field at xpath.
func (r *Registry) Coerce(xpath string, v any) (any, error) {
	f, err := r.Field(xpath)
	if err != nil {
		return nil, err
	}
	out, err := coerce(f, v)
	if err != nil {
		return nil, errors.Annotatef(err, "property %q", xpath)
	}
	return out, nil
}

// Resolver binds property validation to a type and the given dynamic facets.
func (r *Registry) Resolver(typeName string, facets ...string) (model.Resolver, error) {
	names, err := r.Schemas(typeName, facets...)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	return &typeResolver{reg: r, allowed: allowed}, nil
}

type typeResolver struct {
	reg     *Registry
	allowed map[string]bool
}

var _ model.Resolver = (*typeResolver)(nil)

func (t *typeResolver) Known(xpath string) bool {
	s, _, err := t.reg.field(xpath)
	return err == nil && t.allowed[s.Name]
}

func (t *typeResolver) Coerce(xpath string, v any) (any, error) {
	if !t.Known(xpath) {
		return nil, errors.NotFoundf("property %q", xpath)
	}
	return t.reg.Coerce(xpath, v)
}

// IsScalarString reports whether xpath names a top-level single string field.
func (r *Registry) IsScalarString(xpath string) bool {
	if strings.Contains(xpath, "/") {
		return false
	}
	f, err := r.Field(xpath)
	return err == nil && f.Kind() == String
}

// Bind attaches doc's properties to the resolver of its type and facets, converting the
// raw values read from storage to their canonical Go types.
func (r *Registry) Bind(doc *model.Document) error {
	res, err := r.Resolver(doc.Type, doc.Facets...)
	if err != nil {
		return err
	}
	if doc.Properties == nil {
		doc.Properties = model.NewProperties(res)
		return nil
	}
	dirty := doc.Properties.DirtyMap()
	values := doc.Properties.Map()
	doc.Properties.SetResolver(res)
	if err := doc.Properties.Load(values); err != nil {
		return errors.Annotatef(err, "document %s", doc.ID)
	}
	for name, v := range dirty {
		if err := doc.Properties.Set(name, v); err != nil {
			return errors.Annotatef(err, "document %s", doc.ID)
		}
	}
	return nil
}
