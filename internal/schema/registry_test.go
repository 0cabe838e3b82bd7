package schema

import (
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecm/internal/lifecycle"
	"ecm/internal/model"
)

func TestDefault(t *testing.T) {
	reg := Default()

	assert.Contains(t, reg.Types(), "File")
	assert.True(t, reg.HasFacet("Folder", model.FacetFolderish))
	assert.True(t, reg.HasFacet("OrderedFolder", model.FacetFolderish))
	assert.True(t, reg.HasFacet("OrderedFolder", model.FacetOrderable))
	assert.False(t, reg.HasFacet("File", model.FacetFolderish))

	assert.True(t, reg.IsSubtype("OrderedFolder", "Folder"))
	assert.True(t, reg.IsSubtype("Note", DocumentType))
	assert.False(t, reg.IsSubtype("Folder", "OrderedFolder"))
	assert.ElementsMatch(t, []string{"Folder", "OrderedFolder"}, reg.Subtypes("Folder"))

	assert.Equal(t, lifecycle.DefaultPolicy, reg.LifeCyclePolicy("OrderedFolder"))
	assert.Equal(t, lifecycle.NoPolicy, reg.LifeCyclePolicy("Root"))

	schemas, err := reg.Schemas("Picture")
	require.NoError(t, err)
	assert.Contains(t, schemas, "picture")

	schemas, err = reg.Schemas("File", "CollectionMember")
	require.NoError(t, err)
	assert.Contains(t, schemas, "collectionMember")

	_, err = reg.Type("Unknown")
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestRegistry_Field(t *testing.T) {
	reg := Default()

	tests := []struct {
		xpath string
		kind  Kind
	}{
		{"dc:title", String},
		{"dc:subjects", List},
		{"dc:subjects/0", String},
		{"files:files/0/file", Blob},
		{"files:files/*/file/length", Long},
		{"picture:views/1/width", Long},
		{"dublincore:created", Date},
	}
	for _, tt := range tests {
		f, err := reg.Field(tt.xpath)
		require.NoError(t, err, tt.xpath)
		assert.Equal(t, tt.kind, f.Kind(), tt.xpath)
	}

	for _, bad := range []string{"title", "dc:nope", "files:files/x", "dc:title/sub", "zz:title"} {
		_, err := reg.Field(bad)
		assert.True(t, errors.Is(err, errors.NotFound), bad)
	}
}

func TestRegistry_Coerce(t *testing.T) {
	reg := Default()
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		xpath string
		in    any
		want  any
	}{
		{"string", "dc:title", "x", "x"},
		{"number to string", "dc:title", 12, "12"},
		{"float to long", "uid:major_version", float64(3), int64(3)},
		{"string to long", "uid:minor_version", "7", int64(7)},
		{"date string", "dc:created", "2024-03-01", day},
		{"date millis", "dc:created", day.UnixMilli(), day},
		{"typed list", "dc:subjects", []string{"a", "b"}, []any{"a", "b"}},
		{"nil", "dc:title", nil, nil},
		{
			"blob map",
			"file:content",
			map[string]any{"name": "a.txt", "mime-type": "text/plain", "digest": "d", "length": float64(1), "data": "d"},
			&model.Blob{Filename: "a.txt", MimeType: "text/plain", Digest: "d", Length: 1, Key: "d"},
		},
		{
			"complex list",
			"files:files",
			[]any{map[string]any{"file": &model.Blob{Filename: "f"}}},
			[]any{map[string]any{"file": &model.Blob{Filename: "f"}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.Coerce(tt.xpath, tt.in)
			require.NoError(t, err)
			assert.True(t, model.EqualValues(tt.want, got), "got %#v", got)
		})
	}

	for _, bad := range []struct {
		xpath string
		in    any
	}{
		{"uid:major_version", 1.5},
		{"uid:major_version", "abc"},
		{"dc:created", "yesterday"},
		{"dc:subjects", "single"},
		{"files:files", []any{map[string]any{"other": "x"}}},
	} {
		_, err := reg.Coerce(bad.xpath, bad.in)
		assert.Error(t, err, "%s %v", bad.xpath, bad.in)
	}
}

func TestRegistry_Resolver(t *testing.T) {
	reg := Default()
	r, err := reg.Resolver("Note")
	require.NoError(t, err)

	assert.True(t, r.Known("note:note"))
	assert.True(t, r.Known("dc:title"))
	assert.False(t, r.Known("file:content"))
	assert.False(t, r.Known("collectionMember:collectionIds"))

	_, err = r.Coerce("file:content", nil)
	assert.True(t, errors.Is(err, errors.NotFound))

	r, err = reg.Resolver("Note", "CollectionMember")
	require.NoError(t, err)
	assert.True(t, r.Known("collectionMember:collectionIds"))

	props := model.NewProperties(r)
	require.NoError(t, props.Set("dc:title", "note"))
	assert.Error(t, props.Set("file:content", model.NewBlob(nil, "", "")))
}

func TestLoad(t *testing.T) {
	const defs = `
schemas:
  - name: task
    prefix: tk
    fields:
      - {name: due, type: date}
facets:
  - {name: Folderish}
types:
  - name: Task
    schemas: [task]
    lifecycle: workflow
  - name: UrgentTask
    parent: Task
lifecycles:
  - name: workflow
    initial: open
    states:
      - {name: open, transitions: [close]}
      - {name: closed}
    transitions:
      - {name: close, destination: closed}
`
	reg, err := Load(strings.NewReader(defs))
	require.NoError(t, err)
	assert.Equal(t, "workflow", reg.LifeCyclePolicy("UrgentTask"))
	p, err := reg.Lifecycles().Policy("workflow")
	require.NoError(t, err)
	assert.Equal(t, "open", p.Initial())

	tests := []struct {
		name string
		defs string
	}{
		{"unknown schema", "types:\n  - {name: T, schemas: [missing]}\n"},
		{"cycle", "types:\n  - {name: A, parent: B}\n  - {name: B, parent: A}\n"},
		{"bad field type", "schemas:\n  - {name: s, fields: [{name: f, type: money}]}\n"},
		{"duplicate prefix", "schemas:\n  - {name: a, prefix: p}\n  - {name: b, prefix: p}\n"},
		{"unknown lifecycle", "types:\n  - {name: T, lifecycle: nope}\n"},
		{"not yaml", "types: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.defs))
			assert.Error(t, err)
		})
	}
}

func TestRegistry_IsScalarString(t *testing.T) {
	reg := Default()
	assert.True(t, reg.IsScalarString("dc:title"))
	assert.True(t, reg.IsScalarString("dublincore:title"))
	assert.False(t, reg.IsScalarString("dc:subjects"))
	assert.False(t, reg.IsScalarString("uid:major_version"))
	assert.False(t, reg.IsScalarString("file:content/name"))
	assert.False(t, reg.IsScalarString("nope:title"))
}

func TestRegistry_Bind(t *testing.T) {
	reg := Default()
	doc := &model.Document{ID: "1", Type: "File", Properties: model.NewProperties(nil)}
	require.NoError(t, doc.Properties.Load(map[string]any{
		"dc:title":     "report",
		"dc:created":   "2024-03-01T10:00:00Z",
		"file:content": map[string]any{"name": "a.txt", "mime-type": "text/plain", "length": float64(3), "data": "abc"},
		"note:note":    "dropped, not a File schema",
	}))
	require.NoError(t, doc.Properties.Set("dc:description", "pending"))

	require.NoError(t, reg.Bind(doc))

	created, err := doc.PropertyValue("dc:created")
	require.NoError(t, err)
	assert.IsType(t, time.Time{}, created)
	content, err := doc.PropertyValue("file:content")
	require.NoError(t, err)
	require.IsType(t, &model.Blob{}, content)
	assert.Equal(t, int64(3), content.(*model.Blob).Length)
	assert.Equal(t, "abc", content.(*model.Blob).Key)
	assert.Equal(t, []string{"dc:description"}, doc.Properties.DirtyNames())
	_, err = doc.PropertyValue("note:note")
	assert.True(t, errors.Is(err, errors.NotFound))

	assert.True(t, errors.Is(reg.Bind(&model.Document{Type: "Unknown"}), errors.NotFound))
}
