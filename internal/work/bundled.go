package work

import (
	"context"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"ecm/internal/blob"
	"ecm/internal/convert"
	"ecm/internal/imaging"
	"ecm/internal/model"
	"ecm/internal/repository"
	"ecm/internal/schema"
)

// Categories of the bundled work.
const (
	CategoryFulltextExtractor = "fulltextExtractor"
	CategoryPictureViews      = "pictureViewsGeneration"
	CategoryBlobGC            = "blobGC"
)

const updateAttempts = 3

// Env holds the services bundled work runs against.
type Env struct {
	Repository string
	Store      repository.DocumentStore
	Types      *schema.Registry
	Blobs      *blob.Manager
	Converters *convert.Registry
	Views      []imaging.ViewDefinition
	Marker     blob.Marker
}

// RegisterFactories lets m rebuild bundled work scheduled before a restart.
func (e *Env) RegisterFactories(m *Manager) {
	m.RegisterFactory(CategoryFulltextExtractor, func(d Descriptor) (Work, error) {
		return &FulltextExtractorWork{desc: d, env: e}, nil
	})
	m.RegisterFactory(CategoryPictureViews, func(d Descriptor) (Work, error) {
		return &PictureViewsWork{desc: d, env: e}, nil
	})
	m.RegisterFactory(CategoryBlobGC, func(d Descriptor) (Work, error) {
		return &BlobGCWork{desc: d, env: e}, nil
	})
}

// update loads the document, applies mutate and saves it, reloading on concurrent updates.
// A document removed meanwhile is not an error.
func (e *Env) update(ctx context.Context, docID string, mutate func(doc *model.Document) (bool, error)) error {
	for attempt := 1; ; attempt++ {
		doc, err := e.Store.Get(ctx, docID)
		if errors.Is(err, errors.NotFound) {
			return nil
		}
		if err != nil {
			return errors.Trace(err)
		}
		if err := e.Types.Bind(doc); err != nil {
			return errors.Trace(err)
		}
		changed, err := mutate(doc)
		if err != nil || !changed {
			return err
		}
		err = e.Store.Update(ctx, doc)
		if errors.Is(err, repository.ErrConcurrentUpdate) && attempt < updateAttempts {
			continue
		}
		if errors.Is(err, errors.NotFound) {
			return nil
		}
		return errors.Trace(err)
	}
}

// FulltextExtractorWork converts the blobs of a document to text and stores it as the
// document's binary fulltext.
type FulltextExtractorWork struct {
	desc Descriptor
	env  *Env
}

// NewFulltextExtractorWork returns the extraction work of a document. Its id is stable so
// repeated saves coalesce while it is scheduled.
func NewFulltextExtractorWork(env *Env, docID string) *FulltextExtractorWork {
	return &FulltextExtractorWork{
		desc: Descriptor{
			ID:         "fulltext:" + env.Repository + ":" + docID,
			Category:   CategoryFulltextExtractor,
			Title:      "Fulltext extraction",
			Repository: env.Repository,
			DocID:      docID,
		},
		env: env,
	}
}

func (w *FulltextExtractorWork) Descriptor() *Descriptor { return &w.desc }

func (w *FulltextExtractorWork) Run(ctx context.Context, wc *Context) error {
	return w.env.update(ctx, w.desc.DocID, func(doc *model.Document) (bool, error) {
		var parts []string
		for _, b := range blob.Blobs(doc.Properties.Map()) {
			if !w.env.Converters.CanConvert(b.MimeType) {
				continue
			}
			text, err := w.extract(ctx, b)
			if err != nil {
				wc.Log.Warn("fulltext extraction failed", zap.String("blob", b.Filename), zap.String("doc_id", doc.ID), zap.Error(err))
				continue
			}
			if text = strings.TrimSpace(text); text != "" {
				parts = append(parts, text)
			}
		}
		text := strings.Join(parts, "\n")
		if text == doc.Fulltext {
			return false, nil
		}
		doc.Fulltext = text
		return true, nil
	})
}

func (w *FulltextExtractorWork) extract(ctx context.Context, b *model.Blob) (string, error) {
	rc, err := w.env.Blobs.Read(ctx, b)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	return w.env.Converters.ToText(ctx, b.MimeType, rc)
}

// PictureViewsWork computes the views of a picture document from its main blob.
type PictureViewsWork struct {
	desc Descriptor
	env  *Env
}

// NewPictureViewsWork returns the views computation of the blob at xpath of a document.
func NewPictureViewsWork(env *Env, docID, xpath string) *PictureViewsWork {
	if xpath == "" {
		xpath = model.PropContent
	}
	return &PictureViewsWork{
		desc: Descriptor{
			ID:         "pictureViews:" + env.Repository + ":" + docID,
			Category:   CategoryPictureViews,
			Title:      "Picture views generation",
			Repository: env.Repository,
			DocID:      docID,
			Params:     map[string]string{"xpath": xpath},
		},
		env: env,
	}
}

func (w *PictureViewsWork) Descriptor() *Descriptor { return &w.desc }

func (w *PictureViewsWork) Run(ctx context.Context, wc *Context) error {
	xpath := w.desc.Param("xpath")
	if xpath == "" {
		xpath = model.PropContent
	}
	defs := w.env.Views
	if len(defs) == 0 {
		defs = imaging.DefaultViews()
	}
	return w.env.update(ctx, w.desc.DocID, func(doc *model.Document) (bool, error) {
		v, err := doc.PropertyValue(xpath)
		if err != nil {
			return false, errors.Trace(err)
		}
		src, _ := v.(*model.Blob)
		if src == nil {
			return true, doc.SetPropertyValue(imaging.PropViews, nil)
		}
		rc, err := w.env.Blobs.Read(ctx, src)
		if err != nil {
			return false, errors.Trace(err)
		}
		defer rc.Close()
		views, info, err := imaging.ComputeViews(ctx, rc, src.Filename, defs)
		if err != nil {
			return false, errors.Annotatef(err, "computing views of %s", doc.ID)
		}
		props := make([]any, 0, len(views))
		for _, view := range views {
			saved, err := w.env.Blobs.Save(ctx, view.Blob())
			if err != nil {
				return false, errors.Trace(err)
			}
			props = append(props, view.Property(saved))
		}
		wc.Log.Debug("picture views computed", zap.String("doc_id", doc.ID), zap.Int("views", len(props)))
		if err := doc.SetPropertyValue(imaging.PropViews, props); err != nil {
			return false, err
		}
		return true, doc.SetPropertyValue(imaging.PropInfo, map[string]any{
			"width":  int64(info.Width),
			"height": int64(info.Height),
			"format": info.Format,
		})
	})
}

// BlobGCWork garbage collects the binaries of the repository.
type BlobGCWork struct {
	desc Descriptor
	env  *Env
}

// NewBlobGCWork returns a collection run; binaries are only deleted when del is true.
func NewBlobGCWork(env *Env, del bool) *BlobGCWork {
	return &BlobGCWork{
		desc: Descriptor{
			ID:         "blobGC:" + env.Repository,
			Category:   CategoryBlobGC,
			Title:      "Binaries garbage collection",
			Repository: env.Repository,
			Params:     map[string]string{"delete": strconv.FormatBool(del)},
		},
		env: env,
	}
}

func (w *BlobGCWork) Descriptor() *Descriptor { return &w.desc }

func (w *BlobGCWork) Run(ctx context.Context, wc *Context) error {
	del, _ := strconv.ParseBool(w.desc.Param("delete"))
	st, err := w.env.Blobs.GarbageCollect(ctx, w.env.Marker, del)
	if err != nil {
		return err
	}
	d := wc.Descriptor()
	if d.Params == nil {
		d.Params = map[string]string{}
	}
	d.Params["numBinaries"] = strconv.FormatInt(st.NumBinaries, 10)
	d.Params["numBinariesGC"] = strconv.FormatInt(st.NumBinariesGC, 10)
	d.Params["sizeBinariesGC"] = strconv.FormatInt(st.SizeBinariesGC, 10)
	return nil
}
