package imaging

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecm/internal/model"
)

func picture(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestInfo(t *testing.T) {
	info, err := Info(bytes.NewReader(picture(t, 40, 30)))
	require.NoError(t, err)
	assert.Equal(t, ImageInfo{Width: 40, Height: 30, Format: "png"}, info)

	_, err = Info(bytes.NewReader([]byte("not a picture")))
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestFit(t *testing.T) {
	tests := []struct {
		w, h, max    int
		wantW, wantH int
	}{
		{400, 200, 100, 100, 50},
		{200, 400, 100, 50, 100},
		{50, 20, 100, 50, 20},
		{1000, 1, 100, 100, 1},
		{300, 300, 0, 300, 300},
	}
	for _, tt := range tests {
		w, h := Fit(tt.w, tt.h, tt.max)
		assert.Equal(t, tt.wantW, w, "%dx%d in %d", tt.w, tt.h, tt.max)
		assert.Equal(t, tt.wantH, h, "%dx%d in %d", tt.w, tt.h, tt.max)
	}
}

func TestResize(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 200))
	got := Resize(img, 100)
	assert.Equal(t, image.Rect(0, 0, 100, 50), got.Bounds())
	assert.Same(t, img, Resize(img, 1000))
}

func TestCrop(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 80))
	img.Set(10, 20, color.RGBA{R: 255, A: 255})

	got, err := Crop(img, 10, 20, 30, 30)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 30, 30), got.Bounds())
	r, _, _, _ := got.At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), r)

	clipped, err := Crop(img, 90, 70, 50, 50)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 10, 10), clipped.Bounds())

	_, err = Crop(img, 200, 0, 10, 10)
	assert.True(t, errors.Is(err, errors.NotValid))
	_, err = Crop(img, 0, 0, 0, 10)
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestComputeViews(t *testing.T) {
	views, info, err := ComputeViews(context.Background(), bytes.NewReader(picture(t, 600, 300)), "holiday.png", DefaultViews())
	require.NoError(t, err)
	assert.Equal(t, ImageInfo{Width: 600, Height: 300, Format: "png"}, info)
	require.Len(t, views, 4)

	byTitle := map[string]View{}
	for _, v := range views {
		byTitle[v.Title] = v
	}
	assert.Equal(t, 100, byTitle["Thumbnail"].Width)
	assert.Equal(t, 50, byTitle["Thumbnail"].Height)
	assert.Equal(t, "Thumbnail_holiday.png", byTitle["Thumbnail"].Filename)
	assert.Equal(t, "image/png", byTitle["Thumbnail"].MimeType)
	assert.Equal(t, 280, byTitle["Small"].Width)
	assert.Equal(t, 600, byTitle["Medium"].Width, "never upscaled")
	assert.Equal(t, "OriginalJpeg_holiday.jpg", byTitle["OriginalJpeg"].Filename)
	assert.Equal(t, "image/jpeg", byTitle["OriginalJpeg"].MimeType)

	decoded, err := Info(bytes.NewReader(byTitle["OriginalJpeg"].Content))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", decoded.Format)
	assert.Equal(t, 600, decoded.Width)

	prop := byTitle["Small"].Property(&model.Blob{Key: "k"})
	assert.Equal(t, int64(140), prop["height"])
	assert.Equal(t, "small", prop["tag"])
}

func TestComputeViews_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := ComputeViews(ctx, bytes.NewReader(picture(t, 10, 10)), "a.png", DefaultViews())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestThumbnail(t *testing.T) {
	thumb := &model.Blob{Key: "thumb"}
	doc := &model.Document{Facets: []string{model.FacetPicture}, Properties: model.NewProperties(nil)}
	assert.Nil(t, Thumbnail(doc))

	require.NoError(t, doc.SetPropertyValue(PropViews, []any{
		map[string]any{"title": "Small", "tag": "small", "content": &model.Blob{Key: "small"}},
		map[string]any{"title": "Thumbnail", "tag": "thumbnail", "content": thumb},
	}))
	assert.Equal(t, thumb, Thumbnail(doc))

	file := &model.Document{Properties: model.NewProperties(nil)}
	assert.Nil(t, Thumbnail(file))
}
