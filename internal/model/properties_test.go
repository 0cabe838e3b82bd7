package model

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProperties_SetMarksDirtyOnChange(t *testing.T) {
	p := NewProperties(nil)
	require.NoError(t, p.Load(map[string]any{"dc:title": "a"}))
	assert.False(t, p.IsDirty())

	require.NoError(t, p.Set("dc:title", "a"))
	assert.False(t, p.IsDirty(), "same value keeps the property clean")

	require.NoError(t, p.Set("dc:title", "b"))
	assert.True(t, p.IsPropertyDirty("dc:title"))
	assert.Equal(t, []string{"dc:title"}, p.DirtyNames())
	assert.Equal(t, map[string]any{"dc:title": "b"}, p.DirtyMap())

	p.ClearDirty()
	assert.False(t, p.IsDirty())
}

func TestProperties_ArrayElementDirty(t *testing.T) {
	p := NewProperties(nil)
	require.NoError(t, p.Load(map[string]any{"dc:subjects": []any{"a", "b", "c"}}))

	for i := 0; i < 3; i++ {
		dirty, err := p.IsElementDirty("dc:subjects", i)
		require.NoError(t, err)
		assert.False(t, dirty)
	}

	// changed middle element, appended one
	require.NoError(t, p.Set("dc:subjects", []string{"a", "x", "c", "d"}))
	want := []bool{false, true, false, true}
	for i, w := range want {
		dirty, err := p.IsElementDirty("dc:subjects", i)
		require.NoError(t, err)
		assert.Equal(t, w, dirty, "element %d", i)
	}

	// unchanged elements keep their previous flag
	require.NoError(t, p.Set("dc:subjects", []string{"a", "x", "c", "d"}))
	dirty, err := p.IsElementDirty("dc:subjects", 1)
	require.NoError(t, err)
	assert.True(t, dirty)
	dirty, err = p.IsElementDirty("dc:subjects", 0)
	require.NoError(t, err)
	assert.False(t, dirty)

	_, err = p.IsElementDirty("dc:subjects", 4)
	assert.True(t, errors.Is(err, errors.NotValid))

	require.NoError(t, p.Set("dc:subjects", nil))
	_, err = p.IsElementDirty("dc:subjects", 0)
	assert.Error(t, err)

	p.ClearDirty()
	require.NoError(t, p.Set("dc:subjects", []any{"z"}))
	dirty, err = p.IsElementDirty("dc:subjects", 0)
	require.NoError(t, err)
	assert.True(t, dirty)
}

func TestProperties_NilEqualsEmptyList(t *testing.T) {
	p := NewProperties(nil)
	require.NoError(t, p.Set("dc:contributors", []any{}))
	assert.False(t, p.IsDirty())
	require.NoError(t, p.Set("dc:contributors", nil))
	assert.False(t, p.IsDirty())
}

func TestProperties_NestedPaths(t *testing.T) {
	p := NewProperties(nil)
	blob := NewBlob([]byte("hello"), "hello.txt", "text/plain")
	require.NoError(t, p.Load(map[string]any{
		"files:files":  []any{map[string]any{"file": blob}},
		"file:content": blob,
	}))

	v, err := p.Get("files:files/0/file/name")
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", v)

	v, err = p.Get("file:content/length")
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	require.NoError(t, p.Set("file:content/name", "renamed.txt"))
	assert.True(t, p.IsPropertyDirty("file:content"))
	v, err = p.Get("file:content/name")
	require.NoError(t, err)
	assert.Equal(t, "renamed.txt", v)

	require.NoError(t, p.Set("files:files/0/file/mime-type", "text/x-log"))
	dirty, err := p.IsElementDirty("files:files", 0)
	require.NoError(t, err)
	assert.True(t, dirty)

	_, err = p.Get("files:files/3/file")
	assert.True(t, errors.Is(err, errors.NotFound))

	_, err = p.Get("file:content/name/x")
	assert.Error(t, err)

	require.NoError(t, p.Set("dc:complex/street", "main"))
	v, err = p.Get("dc:complex")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"street": "main"}, v)
}

func TestProperties_GetReturnsCopies(t *testing.T) {
	p := NewProperties(nil)
	require.NoError(t, p.Set("dc:subjects", []any{"a"}))
	v, err := p.Get("dc:subjects")
	require.NoError(t, err)
	v.([]any)[0] = "mutated"

	v, err = p.Get("dc:subjects")
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, v)
}

func TestProperties_NormalizesValues(t *testing.T) {
	p := NewProperties(nil)
	when := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, p.Set("x:count", 3))
	require.NoError(t, p.Set("x:when", &when))
	require.NoError(t, p.Set("x:tags", map[string]string{"k": "v"}))

	assert.Equal(t, map[string]any{
		"x:count": int64(3),
		"x:when":  when,
		"x:tags":  map[string]any{"k": "v"},
	}, p.Map())
}

func TestNormalize_Unsigned(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"uint", uint(7), int64(7)},
		{"uint8", uint8(7), int64(7)},
		{"uint16", uint16(7), int64(7)},
		{"uint32", uint32(7), int64(7)},
		{"uint64", uint64(7), int64(7)},
		{"uint64 max int64", uint64(math.MaxInt64), int64(math.MaxInt64)},
		{"uint64 overflow", uint64(math.MaxUint64), uint64(math.MaxUint64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}

	assert.True(t, EqualValues(uint64(3), int64(3)))
	assert.True(t, EqualValues(int64(3), uint8(3)))
	assert.False(t, EqualValues(uint64(math.MaxUint64), int64(-1)))
}

func TestProperties_SameUnsignedValueIsNotDirty(t *testing.T) {
	p := NewProperties(nil)
	require.NoError(t, p.Set("x:count", int64(3)))
	p.ClearDirty()

	require.NoError(t, p.Set("x:count", uint64(3)))
	assert.False(t, p.IsPropertyDirty("x:count"))

	require.NoError(t, p.Set("x:count", uint16(4)))
	assert.True(t, p.IsPropertyDirty("x:count"))
}

type stubResolver struct{}

func (stubResolver) Known(xpath string) bool {
	root, _ := splitXPath(xpath)
	return root == "dc:title"
}

func (stubResolver) Coerce(xpath string, v any) (any, error) {
	if _, ok := v.(string); !ok && v != nil {
		return nil, errors.NotValidf("value %T for %q", v, xpath)
	}
	return v, nil
}

func TestProperties_Resolver(t *testing.T) {
	p := NewProperties(stubResolver{})
	require.NoError(t, p.Set("dc:title", "ok"))
	assert.True(t, errors.Is(p.Set("dc:title", 12), errors.NotValid))

	_, err := p.Get("dc:unknown")
	assert.True(t, errors.Is(err, errors.NotFound))

	require.NoError(t, p.Load(map[string]any{"dc:title": "t", "legacy:field": "dropped"}))
	assert.Equal(t, []string{"dc:title"}, p.Names())
}

func TestProperties_JSON(t *testing.T) {
	p := NewProperties(nil)
	require.NoError(t, p.Set("dc:title", "doc"))
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"dc:title":"doc"}`, string(data))

	var q Properties
	require.NoError(t, json.Unmarshal(data, &q))
	assert.Equal(t, "doc", q.String("dc:title"))
	assert.False(t, q.IsDirty())
}
