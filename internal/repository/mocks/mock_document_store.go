package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"ecm/internal/model"
	"ecm/internal/nxql"
	"ecm/internal/repository"
)

type MockDocumentStore struct {
	mock.Mock
}

var _ repository.DocumentStore = (*MockDocumentStore)(nil)

func (m *MockDocumentStore) Create(ctx context.Context, doc *model.Document) error {
	args := m.Called(ctx, doc)
	return args.Error(0)
}

func (m *MockDocumentStore) Get(ctx context.Context, id string) (*model.Document, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Document), args.Error(1)
}

func (m *MockDocumentStore) GetByPath(ctx context.Context, path string) (*model.Document, error) {
	args := m.Called(ctx, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Document), args.Error(1)
}

func (m *MockDocumentStore) Update(ctx context.Context, doc *model.Document) error {
	args := m.Called(ctx, doc)
	return args.Error(0)
}

func (m *MockDocumentStore) Delete(ctx context.Context, ids ...string) error {
	args := m.Called(ctx, ids)
	return args.Error(0)
}

func (m *MockDocumentStore) Query(ctx context.Context, q *nxql.Query, pq repository.PageQuery) (*repository.PageResult[*model.Document], error) {
	args := m.Called(ctx, q, pq)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.PageResult[*model.Document]), args.Error(1)
}

func (m *MockDocumentStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockDocumentStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
