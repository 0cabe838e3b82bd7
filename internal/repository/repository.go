package repository

import (
	"context"
	"sort"

	"github.com/juju/errors"

	"ecm/internal/model"
	"ecm/internal/nxql"
)

// ErrConcurrentUpdate is returned by Update when the stored change token moved on.
const ErrConcurrentUpdate = errors.ConstError("concurrent update")

// DocumentStore persists documents. Implementations hold no business logic: security,
// events and versioning rules live in the session.
type DocumentStore interface {
	// Create inserts a new document. doc.ID must be set; a duplicate id or live path is AlreadyExists.
	Create(ctx context.Context, doc *model.Document) error

	// Get returns a document by id, NotFound when missing.
	Get(ctx context.Context, id string) (*model.Document, error)

	// GetByPath returns the live (non version) document at path, NotFound when missing.
	GetByPath(ctx context.Context, path string) (*model.Document, error)

	// Update replaces a stored document. doc.ChangeToken must match the stored one and is
	// incremented on success; otherwise ErrConcurrentUpdate is returned.
	Update(ctx context.Context, doc *model.Document) error

	// Delete removes documents by id. Missing ids are ignored.
	Delete(ctx context.Context, ids ...string) error

	// Query returns the documents matching q, ordered by its ORDER BY clause, within the page.
	Query(ctx context.Context, q *nxql.Query, pq PageQuery) (*PageResult[*model.Document], error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Schema is the type information backends use to translate queries.
type Schema interface {
	nxql.TypeChecker
	// Subtypes returns ancestor and every type inheriting from it.
	Subtypes(ancestor string) []string
	// IsScalarString reports whether xpath holds a single string value.
	IsScalarString(xpath string) bool
}

// PageQuery holds limit/offset pagination parameters. A zero limit means no limit.
type PageQuery struct {
	Limit  int
	Offset int
}

// PageResult is a generic pagination result wrapper.
// T is typically a model type.
type PageResult[T any] struct {
	Items []T
	Total int
}

// Paginate cuts the page out of the full result list.
func Paginate[T any](items []T, pq PageQuery) *PageResult[T] {
	total := len(items)
	start := pq.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if pq.Limit > 0 && start+pq.Limit < total {
		end = start + pq.Limit
	}
	return &PageResult[T]{Items: items[start:end], Total: total}
}

// AncestorFunc returns the ids of the ancestors of a document, nearest first.
type AncestorFunc func(doc *model.Document) []string

type candidate struct {
	nxql.Values
	doc       *model.Document
	ancestors AncestorFunc
}

func (c *candidate) Field(name string) []any {
	if name == nxql.ECMAncestorID && c.ancestors != nil {
		ids := c.ancestors(c.doc)
		out := make([]any, len(ids))
		for i, id := range ids {
			out[i] = id
		}
		return out
	}
	return c.Values.Field(name)
}

// Select evaluates q against in-memory candidates: filter, sort and paginate. Candidates
// without an ORDER BY keep their creation order.
func Select(docs []*model.Document, q *nxql.Query, pq PageQuery, types nxql.TypeChecker, ancestors AncestorFunc) (*PageResult[*model.Document], error) {
	out := make([]*model.Document, 0, len(docs))
	for _, d := range docs {
		ok, err := nxql.Match(q, &candidate{Values: nxql.DocumentValues(d), doc: d, ancestors: ancestors}, types)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	nxql.SortDocuments(out, q.OrderBy)
	return Paginate(out, pq), nil
}
