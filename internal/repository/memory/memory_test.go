package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecm/internal/model"
	"ecm/internal/repository"
	"ecm/internal/repository/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) repository.DocumentStore {
		return New(nil)
	})
}

func TestStore_CopiesDocuments(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	tr := storetest.Populate(t, s)

	require.NoError(t, tr.File1.Properties.Set(model.PropTitle, "changed after create"))
	got, err := s.Get(ctx, "file1")
	require.NoError(t, err)
	assert.Equal(t, "Budget 2024", got.Properties.String(model.PropTitle))

	require.NoError(t, got.Properties.Set(model.PropTitle, "changed after get"))
	again, err := s.Get(ctx, "file1")
	require.NoError(t, err)
	assert.Equal(t, "Budget 2024", again.Properties.String(model.PropTitle))
	assert.Equal(t, 6, s.Len())
}

func TestStore_CreateRequiresID(t *testing.T) {
	s := New(nil)
	err := s.Create(context.Background(), storetest.Doc("", nil, "", "Root", "", 0))
	assert.Error(t, err)
}
