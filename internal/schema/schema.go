package schema

import (
	"strings"

	"github.com/juju/errors"
)

// Kind is the type of a field.
type Kind string

const (
	String  Kind = "string"
	Long    Kind = "long"
	Double  Kind = "double"
	Boolean Kind = "boolean"
	Date    Kind = "date"
	Blob    Kind = "blob"
	Complex Kind = "complex"
	List    Kind = "list"
)

func (k Kind) valid() bool {
	switch k {
	case String, Long, Double, Boolean, Date, Blob, Complex, List:
		return true
	}
	return false
}

// Field describes a schema field. Lists have an Item, complex fields have Fields.
type Field struct {
	Name   string   `yaml:"name"`
	Type   string   `yaml:"type"`
	Item   *Field   `yaml:"item,omitempty"`
	Fields []*Field `yaml:"fields,omitempty"`

	kind     Kind
	children map[string]*Field
}

// Kind returns the resolved kind.
func (f *Field) Kind() Kind {
	return f.kind
}

// Child returns the sub-field of a complex field.
func (f *Field) Child(name string) *Field {
	return f.children[name]
}

// init resolves "list<elem>" shorthands and indexes children.
func (f *Field) init(path string) error {
	t := strings.TrimSpace(f.Type)
	if strings.HasPrefix(t, "list<") && strings.HasSuffix(t, ">") {
		if f.Item != nil {
			return errors.NotValidf("field %q with both list<...> and item", path)
		}
		f.Item = &Field{Type: strings.TrimSuffix(strings.TrimPrefix(t, "list<"), ">")}
		t = string(List)
	}
	f.kind = Kind(t)
	if !f.kind.valid() {
		return errors.NotValidf("field %q type %q", path, f.Type)
	}
	switch f.kind {
	case List:
		if f.Item == nil {
			return errors.NotValidf("list field %q without item", path)
		}
		return f.Item.init(path + "/*")
	case Complex:
		f.children = make(map[string]*Field, len(f.Fields))
		for _, c := range f.Fields {
			if c.Name == "" {
				return errors.NotValidf("unnamed field in %q", path)
			}
			if err := c.init(path + "/" + c.Name); err != nil {
				return err
			}
			f.children[c.Name] = c
		}
	}
	return nil
}

var blobFields = map[string]*Field{
	"name":      {Name: "name", kind: String},
	"mime-type": {Name: "mime-type", kind: String},
	"encoding":  {Name: "encoding", kind: String},
	"digest":    {Name: "digest", kind: String},
	"length":    {Name: "length", kind: Long},
	"data":      {Name: "data", kind: String},
}

// Schema groups fields under a prefix.
type Schema struct {
	Name   string   `yaml:"name"`
	Prefix string   `yaml:"prefix"`
	Fields []*Field `yaml:"fields"`

	fields map[string]*Field
}

func (s *Schema) init() error {
	if s.Name == "" {
		return errors.NotValidf("schema without name")
	}
	if s.Prefix == "" {
		s.Prefix = s.Name
	}
	s.fields = make(map[string]*Field, len(s.Fields))
	for _, f := range s.Fields {
		if err := f.init(s.Prefix + ":" + f.Name); err != nil {
			return err
		}
		s.fields[f.Name] = f
	}
	return nil
}

// Field returns the top-level field or nil.
func (s *Schema) Field(name string) *Field {
	return s.fields[name]
}

// FieldNames returns the prefixed names of the top-level fields.
func (s *Schema) FieldNames() []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = s.Prefix + ":" + f.Name
	}
	return out
}

// Facet may bring schemas to the documents having it.
type Facet struct {
	Name    string   `yaml:"name"`
	Schemas []string `yaml:"schemas,omitempty"`
}

// DocType is a document type definition. Schemas and facets of Parent are inherited, and so is
// the lifecycle policy when LifeCycle is empty.
type DocType struct {
	Name      string   `yaml:"name"`
	Parent    string   `yaml:"parent,omitempty"`
	Schemas   []string `yaml:"schemas,omitempty"`
	Facets    []string `yaml:"facets,omitempty"`
	LifeCycle string   `yaml:"lifecycle,omitempty"`
}
