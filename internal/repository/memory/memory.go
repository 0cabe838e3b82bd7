// Package memory is a DocumentStore kept in process memory, for tests and embedded use.
package memory

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"ecm/internal/model"
	"ecm/internal/nxql"
	"ecm/internal/repository"
)

// Store is a map-backed DocumentStore. Stored documents are copies, never shared with callers.
type Store struct {
	mu    sync.RWMutex
	docs  map[string]*model.Document
	paths map[string]string
	types nxql.TypeChecker
}

var _ repository.DocumentStore = (*Store)(nil)

// New returns an empty store. types resolves FROM clauses against subtypes and may be nil.
func New(types nxql.TypeChecker) *Store {
	return &Store{
		docs:  map[string]*model.Document{},
		paths: map[string]string{},
		types: types,
	}
}

func stored(doc *model.Document) *model.Document {
	c := doc.Clone()
	c.SessionID = ""
	c.ContextData = nil
	if c.Properties == nil {
		c.Properties = model.NewProperties(nil)
	}
	c.Properties.ClearDirty()
	return c
}

func (s *Store) Create(_ context.Context, doc *model.Document) error {
	if doc.ID == "" {
		return errors.NotValidf("empty document id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; ok {
		return errors.AlreadyExistsf("document %s", doc.ID)
	}
	if !doc.IsVersion {
		if _, ok := s.paths[doc.Path]; ok {
			return errors.AlreadyExistsf("document at %s", doc.Path)
		}
		s.paths[doc.Path] = doc.ID
	}
	s.docs[doc.ID] = stored(doc)
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, errors.NotFoundf("document %s", id)
	}
	return d.Clone(), nil
}

func (s *Store) GetByPath(ctx context.Context, path string) (*model.Document, error) {
	s.mu.RLock()
	id, ok := s.paths[path]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.NotFoundf("document at %s", path)
	}
	return s.Get(ctx, id)
}

func (s *Store) Update(_ context.Context, doc *model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.docs[doc.ID]
	if !ok {
		return errors.NotFoundf("document %s", doc.ID)
	}
	if old.ChangeToken != doc.ChangeToken {
		return errors.Annotatef(repository.ErrConcurrentUpdate, "document %s", doc.ID)
	}
	if !old.IsVersion && old.Path != doc.Path {
		if owner, taken := s.paths[doc.Path]; taken && owner != doc.ID {
			return errors.AlreadyExistsf("document at %s", doc.Path)
		}
		delete(s.paths, old.Path)
		s.paths[doc.Path] = doc.ID
	}
	doc.ChangeToken++
	s.docs[doc.ID] = stored(doc)
	return nil
}

func (s *Store) Delete(_ context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		d, ok := s.docs[id]
		if !ok {
			continue
		}
		if !d.IsVersion && s.paths[d.Path] == id {
			delete(s.paths, d.Path)
		}
		delete(s.docs, id)
	}
	return nil
}

func (s *Store) Query(_ context.Context, q *nxql.Query, pq repository.PageQuery) (*repository.PageResult[*model.Document], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*model.Document, 0, len(s.docs))
	for _, d := range s.docs {
		all = append(all, d)
	}
	res, err := repository.Select(all, q, pq, s.types, s.ancestors)
	if err != nil {
		return nil, err
	}
	for i, d := range res.Items {
		res.Items[i] = d.Clone()
	}
	return res, nil
}

// ancestors walks parent ids; callers hold the read lock.
func (s *Store) ancestors(doc *model.Document) []string {
	var out []string
	seen := map[string]bool{}
	for id := doc.ParentID; id != "" && !seen[id]; {
		seen[id] = true
		out = append(out, id)
		p, ok := s.docs[id]
		if !ok {
			break
		}
		id = p.ParentID
	}
	return out
}

func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}

// Len returns the number of stored documents, versions included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
