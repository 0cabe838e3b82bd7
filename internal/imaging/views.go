package imaging

import (
	"bytes"
	"context"
	"io"

	"github.com/juju/errors"

	"ecm/internal/model"
)

// Picture property names.
const (
	PropViews = "picture:views"
	PropInfo  = "picture:info"
)

// ViewDefinition describes a view to compute. A zero MaxSize keeps the original size.
type ViewDefinition struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Tag         string `yaml:"tag"`
	MaxSize     int    `yaml:"maxSize"`
	// Format forces the encoding; empty follows the source picture.
	Format string `yaml:"format"`
}

// DefaultViews are computed for every picture.
func DefaultViews() []ViewDefinition {
	return []ViewDefinition{
		{Title: "Thumbnail", Description: "Thumbnail size", Tag: "thumbnail", MaxSize: 100},
		{Title: "Small", Description: "Small size", Tag: "small", MaxSize: 280},
		{Title: "Medium", Description: "Medium size", Tag: "medium", MaxSize: 1200},
		{Title: "OriginalJpeg", Description: "Original jpeg image", Tag: "originalJpeg", Format: "jpeg"},
	}
}

// View is a computed picture view.
type View struct {
	Title       string
	Description string
	Tag         string
	Width       int
	Height      int
	Filename    string
	MimeType    string
	Content     []byte
}

// Blob returns an unsaved blob holding the view content.
func (v View) Blob() *model.Blob {
	return model.NewBlob(v.Content, v.Filename, v.MimeType)
}

// Property returns the picture:views entry of the view stored as content.
func (v View) Property(content *model.Blob) map[string]any {
	return map[string]any{
		"title":       v.Title,
		"description": v.Description,
		"tag":         v.Tag,
		"width":       int64(v.Width),
		"height":      int64(v.Height),
		"filename":    v.Filename,
		"content":     content,
	}
}

// ComputeViews decodes the picture read from r and scales it for each definition.
func ComputeViews(ctx context.Context, r io.Reader, filename string, defs []ViewDefinition) ([]View, ImageInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, ImageInfo{}, errors.Trace(err)
	}
	img, format, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, ImageInfo{}, err
	}
	b := img.Bounds()
	info := ImageInfo{Width: b.Dx(), Height: b.Dy(), Format: format}

	views := make([]View, 0, len(defs))
	for _, def := range defs {
		if err := ctx.Err(); err != nil {
			return nil, info, errors.Trace(err)
		}
		enc := def.Format
		if enc == "" {
			enc = encodingFor(format)
		}
		scaled := Resize(img, def.MaxSize)
		content, err := encode(scaled, enc)
		if err != nil {
			return nil, info, errors.Annotatef(err, "view %s", def.Title)
		}
		sb := scaled.Bounds()
		views = append(views, View{
			Title:       def.Title,
			Description: def.Description,
			Tag:         def.Tag,
			Width:       sb.Dx(),
			Height:      sb.Dy(),
			Filename:    viewFilename(def.Title, filename, enc),
			MimeType:    MimeType(enc),
			Content:     content,
		})
	}
	return views, info, nil
}

// Thumbnail returns the thumbnail view blob of a picture document, nil for other documents
// or pictures whose views are not computed yet.
func Thumbnail(doc *model.Document) *model.Blob {
	if doc == nil || !doc.HasFacet(model.FacetPicture) {
		return nil
	}
	v, err := doc.PropertyValue(PropViews)
	if err != nil {
		return nil
	}
	list, _ := v.([]any)
	for _, e := range list {
		view, _ := e.(map[string]any)
		if view["tag"] == "thumbnail" || view["title"] == "Thumbnail" {
			b, _ := view["content"].(*model.Blob)
			return b
		}
	}
	return nil
}
