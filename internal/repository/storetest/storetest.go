// Package storetest holds the behavior every repository.DocumentStore must share.
package storetest

import (
	"context"
	"path"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecm/internal/model"
	"ecm/internal/nxql"
	"ecm/internal/repository"
	"ecm/internal/security"
)

var epoch = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

// Doc builds a live document under parent (nil for the root).
func Doc(id string, parent *model.Document, name, docType, title string, n int) *model.Document {
	p, parentID := "/", ""
	if parent != nil {
		p, parentID = path.Join(parent.Path, name), parent.ID
	}
	d := &model.Document{
		ID:             id,
		Repository:     "test",
		ParentID:       parentID,
		Name:           name,
		Path:           p,
		Type:           docType,
		LifeCycleState: "project",
		Properties:     model.NewProperties(nil),
		Created:        epoch.Add(time.Duration(n) * time.Minute),
		Modified:       epoch.Add(time.Duration(n) * time.Minute),
	}
	if title != "" {
		_ = d.Properties.Set(model.PropTitle, title)
	}
	if docType == "Folder" || docType == "Root" {
		d.Facets = []string{model.FacetFolderish}
	}
	return d
}

// Tree is the fixture created by Populate.
type Tree struct {
	Root, Folder, Sub, File1, File2, Note *model.Document
}

// Populate creates /, /folder, /folder/sub, /folder/file1, /folder/sub/file2 and /note.
func Populate(t *testing.T, s repository.DocumentStore) Tree {
	t.Helper()
	ctx := context.Background()
	var tr Tree
	tr.Root = Doc("root", nil, "", "Root", "", 0)
	tr.Folder = Doc("folder", tr.Root, "folder", "Folder", "Folder", 1)
	tr.Sub = Doc("sub", tr.Folder, "sub", "Folder", "Sub", 2)
	tr.File1 = Doc("file1", tr.Folder, "file1", "File", "Budget 2024", 3)
	tr.File2 = Doc("file2", tr.Sub, "file2", "File", "annual report", 4)
	tr.Note = Doc("note", tr.Root, "note", "Note", "Zebra", 5)

	_ = tr.File1.Properties.Set("dc:subjects", []string{"finance", "2024"})
	tr.File1.Fulltext = "quarterly budget spreadsheet"
	tr.File2.Fulltext = "annual report of the board"
	tr.File2.LifeCycleState = "approved"
	tr.File1.ACP = security.NewACP()
	tr.File1.ACP.AddACE(security.LocalACL, security.NewACE("bob", security.Read, true))

	for _, d := range []*model.Document{tr.Root, tr.Folder, tr.Sub, tr.File1, tr.File2, tr.Note} {
		require.NoError(t, s.Create(ctx, d), d.ID)
	}
	return tr
}

func ids(docs []*model.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

// Run exercises a fresh store returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) repository.DocumentStore) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		tr := Populate(t, s)

		got, err := s.Get(ctx, "file1")
		require.NoError(t, err)
		assert.Equal(t, "/folder/file1", got.Path)
		assert.Equal(t, "folder", got.ParentID)
		assert.Equal(t, "File", got.Type)
		assert.Equal(t, "Budget 2024", got.Properties.String(model.PropTitle))
		subjects, err := got.Properties.Get("dc:subjects")
		require.NoError(t, err)
		assert.Equal(t, []any{"finance", "2024"}, subjects)
		assert.False(t, got.IsDirty())
		assert.True(t, tr.File1.Created.Equal(got.Created))
		assert.Equal(t, "quarterly budget spreadsheet", got.Fulltext)
		require.NotNil(t, got.ACP)
		assert.Equal(t, security.Grant, got.ACP.AccessFor(time.Now(), "bob", security.Read))

		byPath, err := s.GetByPath(ctx, "/folder/sub/file2")
		require.NoError(t, err)
		assert.Equal(t, "file2", byPath.ID)

		root, err := s.GetByPath(ctx, "/")
		require.NoError(t, err)
		assert.Equal(t, "root", root.ID)
	})

	t.Run("not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "missing")
		assert.True(t, errors.Is(err, errors.NotFound), "%v", err)
		_, err = s.GetByPath(ctx, "/missing")
		assert.True(t, errors.Is(err, errors.NotFound), "%v", err)
	})

	t.Run("duplicates", func(t *testing.T) {
		s := newStore(t)
		tr := Populate(t, s)
		err := s.Create(ctx, tr.File1)
		assert.True(t, errors.Is(err, errors.AlreadyExists), "%v", err)

		samePath := Doc("other", tr.Folder, "file1", "File", "", 9)
		err = s.Create(ctx, samePath)
		assert.True(t, errors.Is(err, errors.AlreadyExists), "%v", err)

		version := Doc("v1", tr.Folder, "file1", "File", "", 9)
		version.IsVersion = true
		version.VersionSeriesID = "file1"
		assert.NoError(t, s.Create(ctx, version))
	})

	t.Run("update with change token", func(t *testing.T) {
		s := newStore(t)
		Populate(t, s)

		a, err := s.Get(ctx, "file1")
		require.NoError(t, err)
		b, err := s.Get(ctx, "file1")
		require.NoError(t, err)

		require.NoError(t, a.Properties.Set(model.PropTitle, "first"))
		require.NoError(t, s.Update(ctx, a))
		assert.Equal(t, b.ChangeToken+1, a.ChangeToken)

		require.NoError(t, b.Properties.Set(model.PropTitle, "second"))
		err = s.Update(ctx, b)
		assert.True(t, errors.Is(err, repository.ErrConcurrentUpdate), "%v", err)

		got, err := s.Get(ctx, "file1")
		require.NoError(t, err)
		assert.Equal(t, "first", got.Properties.String(model.PropTitle))
		assert.Equal(t, a.ChangeToken, got.ChangeToken)

		missing := Doc("ghost", nil, "ghost", "File", "", 0)
		err = s.Update(ctx, missing)
		assert.True(t, errors.Is(err, errors.NotFound), "%v", err)
	})

	t.Run("move", func(t *testing.T) {
		s := newStore(t)
		Populate(t, s)

		d, err := s.Get(ctx, "note")
		require.NoError(t, err)
		d.ParentID = "folder"
		d.Path = "/folder/note"
		require.NoError(t, s.Update(ctx, d))

		got, err := s.GetByPath(ctx, "/folder/note")
		require.NoError(t, err)
		assert.Equal(t, "note", got.ID)
		_, err = s.GetByPath(ctx, "/note")
		assert.True(t, errors.Is(err, errors.NotFound))
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		Populate(t, s)
		require.NoError(t, s.Delete(ctx, "file2", "sub", "unknown"))
		_, err := s.Get(ctx, "sub")
		assert.True(t, errors.Is(err, errors.NotFound))
		_, err = s.GetByPath(ctx, "/folder/sub/file2")
		assert.True(t, errors.Is(err, errors.NotFound))
		_, err = s.Get(ctx, "file1")
		assert.NoError(t, err)
	})

	t.Run("query", func(t *testing.T) {
		s := newStore(t)
		Populate(t, s)

		tests := []struct {
			name  string
			query string
			want  []string
		}{
			{"by type", "SELECT * FROM File", []string{"file1", "file2"}},
			{"all", "SELECT * FROM Document", []string{"root", "folder", "sub", "file1", "file2", "note"}},
			{"children", "SELECT * FROM Document WHERE ecm:parentId = 'folder'", []string{"sub", "file1"}},
			{"path prefix", "SELECT * FROM Document WHERE ecm:path STARTSWITH '/folder'", []string{"sub", "file1", "file2"}},
			{"ancestor", "SELECT * FROM File WHERE ecm:ancestorId = 'folder'", []string{"file1", "file2"}},
			{"title like", "SELECT * FROM Document WHERE dc:title LIKE 'Budget%'", []string{"file1"}},
			{"title ilike", "SELECT * FROM Document WHERE dc:title ILIKE 'ANNUAL%'", []string{"file2"}},
			{"list element", "SELECT * FROM Document WHERE dc:subjects = 'finance'", []string{"file1"}},
			{"state in", "SELECT * FROM File WHERE ecm:currentLifeCycleState IN ('approved', 'deleted')", []string{"file2"}},
			{"not equal", "SELECT * FROM File WHERE ecm:currentLifeCycleState <> 'approved'", []string{"file1"}},
			{"or", "SELECT * FROM Document WHERE ecm:name = 'note' OR ecm:name = 'sub'", []string{"sub", "note"}},
			{"not", "SELECT * FROM Folder WHERE NOT ecm:name = 'sub'", []string{"folder"}},
			{"null", "SELECT * FROM Document WHERE dc:title IS NULL", []string{"root"}},
			{"fulltext", "SELECT * FROM Document WHERE ecm:fulltext = 'budget'", []string{"file1"}},
			{"facet", "SELECT * FROM Document WHERE ecm:mixinType = 'Folderish' AND ecm:path <> '/'", []string{"folder", "sub"}},
			{"order desc", "SELECT * FROM Document WHERE dc:title IS NOT NULL ORDER BY dc:title DESC", []string{"file2", "note", "sub", "folder", "file1"}},
			{"order by column", "SELECT * FROM File ORDER BY ecm:name DESC", []string{"file2", "file1"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				res, err := s.Query(ctx, nxql.MustParse(tt.query), repository.PageQuery{})
				require.NoError(t, err)
				assert.Equal(t, tt.want, ids(res.Items))
				assert.Equal(t, len(tt.want), res.Total)
			})
		}
	})

	t.Run("query page", func(t *testing.T) {
		s := newStore(t)
		Populate(t, s)

		res, err := s.Query(ctx, nxql.MustParse("SELECT * FROM Document ORDER BY ecm:path"), repository.PageQuery{Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 6, res.Total)
		assert.Equal(t, []string{"folder", "file1"}, ids(res.Items))

		res, err = s.Query(ctx, nxql.MustParse("SELECT * FROM Document"), repository.PageQuery{Limit: 5, Offset: 10})
		require.NoError(t, err)
		assert.Equal(t, 6, res.Total)
		assert.Empty(t, res.Items)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(ctx))
	})
}
