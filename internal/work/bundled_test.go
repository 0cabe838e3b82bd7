package work

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecm/internal/blob"
	"ecm/internal/convert"
	"ecm/internal/imaging"
	"ecm/internal/logging"
	"ecm/internal/model"
	"ecm/internal/repository/memory"
	"ecm/internal/schema"
	"ecm/internal/storage"
)

func newEnv(t *testing.T) *Env {
	t.Helper()
	types := schema.Default()
	return &Env{
		Repository: "default",
		Store:      memory.New(types),
		Types:      types,
		Blobs:      blob.NewManager(storage.NewMemory("ecm"), nil),
		Converters: convert.NewRegistry(),
	}
}

func wctx(d *Descriptor) *Context {
	return &Context{Log: logging.Nop(), desc: d}
}

func createDoc(t *testing.T, env *Env, id, docType string, props map[string]any) {
	t.Helper()
	doc := &model.Document{ID: id, Name: id, Path: "/" + id, Type: docType, Properties: model.NewProperties(nil)}
	doc.Facets = env.Types.Facets(docType)
	require.NoError(t, env.Types.Bind(doc))
	for k, v := range props {
		require.NoError(t, doc.SetPropertyValue(k, v))
	}
	require.NoError(t, env.Store.Create(context.Background(), doc))
}

func TestFulltextExtractorWork(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	text, err := env.Blobs.Save(ctx, model.NewBlob([]byte("quarterly figures"), "a.txt", "text/plain"))
	require.NoError(t, err)
	page, err := env.Blobs.Save(ctx, model.NewBlob([]byte("<p>annex <b>one</b></p>"), "b.html", "text/html"))
	require.NoError(t, err)
	opaque, err := env.Blobs.Save(ctx, model.NewBlob([]byte{0, 1, 2}, "c.bin", "application/octet-stream"))
	require.NoError(t, err)

	createDoc(t, env, "f1", "File", map[string]any{
		model.PropContent: text,
		model.PropFiles: []any{
			map[string]any{"file": page},
			map[string]any{"file": opaque},
		},
	})

	w := NewFulltextExtractorWork(env, "f1")
	assert.Equal(t, "fulltext:default:f1", w.Descriptor().ID)
	require.NoError(t, w.Run(ctx, wctx(w.Descriptor())))

	doc, err := env.Store.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "quarterly figures\nannex one", doc.Fulltext)
	assert.Equal(t, int64(1), doc.ChangeToken)

	// unchanged text does not update the document
	require.NoError(t, w.Run(ctx, wctx(w.Descriptor())))
	doc, _ = env.Store.Get(ctx, "f1")
	assert.Equal(t, int64(1), doc.ChangeToken)

	// removed documents are skipped
	gone := NewFulltextExtractorWork(env, "gone")
	assert.NoError(t, gone.Run(ctx, wctx(gone.Descriptor())))
}

func TestPictureViewsWork(t *testing.T) {
	env := newEnv(t)
	env.Views = []imaging.ViewDefinition{{Title: "Thumbnail", Tag: "thumbnail", MaxSize: 10}}
	ctx := context.Background()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 40, 20))))
	src, err := env.Blobs.Save(ctx, model.NewBlob(buf.Bytes(), "pic.png", "image/png"))
	require.NoError(t, err)
	createDoc(t, env, "p1", "Picture", map[string]any{model.PropContent: src})

	w := NewPictureViewsWork(env, "p1", "")
	require.NoError(t, w.Run(ctx, wctx(w.Descriptor())))

	doc, err := env.Store.Get(ctx, "p1")
	require.NoError(t, err)
	require.NoError(t, env.Types.Bind(doc))
	thumb := imaging.Thumbnail(doc)
	require.NotNil(t, thumb)
	assert.Equal(t, "Thumbnail_pic.png", thumb.Filename)
	assert.True(t, thumb.IsSaved())

	info, err := doc.PropertyValue(imaging.PropInfo + "/width")
	require.NoError(t, err)
	assert.Equal(t, int64(40), info)
	height, err := doc.PropertyValue(imaging.PropViews + "/0/height")
	require.NoError(t, err)
	assert.Equal(t, int64(5), height)
}

func TestBlobGCWork(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	kept, err := env.Blobs.Save(ctx, model.NewBlob([]byte("kept"), "k", ""))
	require.NoError(t, err)
	_, err = env.Blobs.Save(ctx, model.NewBlob([]byte("dropped"), "d", ""))
	require.NoError(t, err)
	env.Marker = blob.MarkerFunc(func(_ context.Context, mark func(string)) error {
		mark(kept.Key)
		return nil
	})

	w := NewBlobGCWork(env, true)
	wc := wctx(w.Descriptor())
	require.NoError(t, w.Run(ctx, wc))
	assert.Equal(t, "1", wc.Descriptor().Param("numBinariesGC"))
	assert.Equal(t, "1", wc.Descriptor().Param("numBinaries"))

	rebuilt := NewManager(NewMemoryQueuing(), nil)
	env.RegisterFactories(rebuilt)
	got, err := rebuilt.take(w.Descriptor())
	require.NoError(t, err)
	assert.IsType(t, &BlobGCWork{}, got)
}
