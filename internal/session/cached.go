package session

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"ecm/internal/cache"
	"ecm/internal/logging"
	"ecm/internal/model"
	"ecm/internal/repository"
)

// cachedStore serves Get from a document cache and invalidates entries on writes. Cache
// failures are logged and fall through to the store.
type cachedStore struct {
	repository.DocumentStore
	cache cache.Cache
	log   *zap.Logger
}

type cachedDocument struct {
	Doc      *model.Document `json:"doc"`
	Fulltext string          `json:"fulltext,omitempty"`
}

func newCachedStore(store repository.DocumentStore, c cache.Cache, log *zap.Logger) *cachedStore {
	return &cachedStore{DocumentStore: store, cache: c, log: log.With(zap.String("cache", c.Name()))}
}

func (s *cachedStore) Get(ctx context.Context, id string) (*model.Document, error) {
	data, ok, err := s.cache.Get(ctx, id)
	if err != nil {
		s.log.Warn("document cache read failed", logging.Event("cache_get"), zap.String("doc_id", id), logging.ErrorMessage(err))
	}
	if ok {
		var c cachedDocument
		if err := json.Unmarshal(data, &c); err == nil && c.Doc != nil {
			c.Doc.ID = id
			c.Doc.Fulltext = c.Fulltext
			c.Doc.ContextData = map[string]any{}
			return c.Doc, nil
		}
	}

	doc, err := s.DocumentStore.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(cachedDocument{Doc: doc, Fulltext: doc.Fulltext}); err == nil {
		if err := s.cache.Put(ctx, id, data); err != nil {
			s.log.Warn("document cache write failed", logging.Event("cache_put"), zap.String("doc_id", id), logging.ErrorMessage(err))
		}
	}
	return doc, nil
}

func (s *cachedStore) Update(ctx context.Context, doc *model.Document) error {
	err := s.DocumentStore.Update(ctx, doc)
	s.invalidate(ctx, doc.ID)
	return err
}

func (s *cachedStore) Delete(ctx context.Context, ids ...string) error {
	err := s.DocumentStore.Delete(ctx, ids...)
	s.invalidate(ctx, ids...)
	return err
}

func (s *cachedStore) invalidate(ctx context.Context, ids ...string) {
	if err := s.cache.Invalidate(ctx, ids...); err != nil {
		s.log.Warn("document cache invalidation failed", logging.Event("cache_invalidate"), logging.ErrorMessage(err))
	}
}
