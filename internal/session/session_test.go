package session

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecm/internal/blob"
	"ecm/internal/cache"
	"ecm/internal/event"
	"ecm/internal/imaging"
	"ecm/internal/lifecycle"
	"ecm/internal/model"
	"ecm/internal/repository"
	"ecm/internal/repository/memory"
	"ecm/internal/schema"
	"ecm/internal/security"
	"ecm/internal/storage"
	"ecm/internal/versioning"
	"ecm/internal/work"
)

var epoch = time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	repo   *Repository
	store  *memory.Store
	clock  *testclock.Clock
	admin  *Session
	mu     sync.Mutex
	events []string
}

func newFixture(t *testing.T, configure ...func(*Config)) *fixture {
	t.Helper()
	types := schema.Default()
	f := &fixture{store: memory.New(types), clock: testclock.NewClock(epoch)}
	cfg := Config{
		Name:  "default",
		Store: f.store,
		Types: types,
		Blobs: blob.NewManager(storage.NewMemory("test"), nil),
		Clock: f.clock,
	}
	for _, c := range configure {
		c(&cfg)
	}
	repo, err := NewRepository(cfg)
	require.NoError(t, err)
	require.NoError(t, repo.Init(context.Background()))
	require.NoError(t, repo.Events().AddListener("recorder", event.ListenerFunc(func(_ context.Context, ev *event.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, ev.Name)
		return nil
	})))
	f.repo = repo
	f.admin = repo.Open(security.User("Administrator", security.AdministratorsGroup))
	return f
}

func (f *fixture) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.events
	f.events = nil
	return out
}

func create(t *testing.T, s *Session, parentPath, name, docType, title string) *model.Document {
	t.Helper()
	ctx := context.Background()
	doc, err := s.CreateDocumentModel(ctx, parentPath, name, docType)
	require.NoError(t, err)
	if title != "" {
		require.NoError(t, doc.SetPropertyValue(model.PropTitle, title))
	}
	doc, err = s.CreateDocument(ctx, doc)
	require.NoError(t, err)
	return doc
}

func grant(t *testing.T, s *Session, doc *model.Document, user, permission string) {
	t.Helper()
	acp := security.NewACP()
	acp.AddACE(security.LocalACL, security.NewACE(user, permission, true))
	require.NoError(t, s.SetACP(context.Background(), doc.Ref(), acp, false))
}

func TestRepository_Init(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root, err := f.admin.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/", root.Path)
	assert.Equal(t, "Root", root.Type)
	assert.True(t, root.IsFolder())

	require.NoError(t, f.repo.Init(ctx))
	res, err := f.admin.Query(ctx, "SELECT * FROM Root", repository.PageQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)

	_, err = NewRepository(Config{})
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestSession_CreateDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ws := create(t, f.admin, "/", "ws", "Workspace", "Workspace")
	f.recorded()

	doc := create(t, f.admin, "/ws", "", "File", "Quarterly Report")
	assert.Equal(t, []string{event.EmptyDocumentModelCreated, event.AboutToCreate, event.DocumentCreated}, f.recorded())
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, "Quarterly-Report", doc.Name)
	assert.Equal(t, "/ws/Quarterly-Report", doc.Path)
	assert.Equal(t, ws.ID, doc.ParentID)
	assert.Equal(t, lifecycle.StateProject, doc.LifeCycleState)
	assert.Equal(t, "0.0", doc.VersionLabel())
	assert.True(t, doc.IsCheckedOut())
	assert.Equal(t, "Administrator", doc.Properties.String(model.PropCreator))
	assert.Equal(t, "Administrator", doc.Properties.String(model.PropLastContributor))
	assert.False(t, doc.IsDirty())

	got, err := f.admin.GetDocument(ctx, model.PathRef("/ws/Quarterly-Report"))
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
	assert.Equal(t, "Quarterly Report", got.Title())
	created, err := got.PropertyValue(model.PropCreated)
	require.NoError(t, err)
	assert.Equal(t, epoch, created.(time.Time).UTC())

	t.Run("unnamed under root", func(t *testing.T) {
		m, err := f.admin.CreateDocumentModel(ctx, "/", "", "Note")
		require.NoError(t, err)
		assert.Equal(t, "/", m.ParentPath())

		top := create(t, f.admin, "/", "", "Note", "Release Notes")
		assert.Equal(t, "/Release-Notes", top.Path)
		assert.Equal(t, "/", top.ParentPath())
		root, err := f.admin.Root(ctx)
		require.NoError(t, err)
		assert.Equal(t, root.ID, top.ParentID)
	})

	t.Run("duplicate name gets a suffix", func(t *testing.T) {
		a := create(t, f.admin, "/ws", "report", "Note", "")
		b := create(t, f.admin, "/ws", "report", "Note", "")
		assert.Equal(t, "report", a.Name)
		assert.Equal(t, "report."+strconv.FormatInt(epoch.UnixMilli(), 10), b.Name)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := f.admin.CreateDocumentModel(ctx, "/ws", "a/b", "File")
		assert.True(t, errors.Is(err, errors.NotValid), "%v", err)

		_, err = f.admin.CreateDocumentModel(ctx, "/ws", "x", "NoSuchType")
		assert.True(t, errors.Is(err, errors.NotFound), "%v", err)

		m, err := f.admin.CreateDocumentModel(ctx, doc.Path, "child", "Note")
		require.NoError(t, err)
		_, err = f.admin.CreateDocument(ctx, m)
		assert.True(t, errors.Is(err, errors.NotValid), "%v", err)

		_, err = f.admin.CreateDocument(ctx, doc)
		assert.True(t, errors.Is(err, errors.AlreadyExists), "%v", err)
	})

	t.Run("pre-operation listener aborts", func(t *testing.T) {
		require.NoError(t, f.repo.Events().AddListener("veto", event.ListenerFunc(func(_ context.Context, ev *event.Event) error {
			if ev.Doc.Title() == "forbidden" {
				return errors.New("vetoed")
			}
			return nil
		}), event.AboutToCreate))
		defer f.repo.Events().RemoveListener("veto")

		m, err := f.admin.CreateDocumentModel(ctx, "/ws", "vetoed", "Note")
		require.NoError(t, err)
		require.NoError(t, m.SetPropertyValue(model.PropTitle, "forbidden"))
		_, err = f.admin.CreateDocument(ctx, m)
		require.Error(t, err)
		exists, err := f.admin.Exists(ctx, model.PathRef("/ws/vetoed"))
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestSession_Security(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ws := create(t, f.admin, "/", "ws", "Workspace", "")
	private := create(t, f.admin, "/ws", "private", "Folder", "")
	create(t, f.admin, "/ws/private", "secret", "Note", "")
	create(t, f.admin, "/ws", "public", "Note", "")

	acp := security.NewACP()
	acp.BlockInheritance(security.LocalACL, "Administrator")
	require.NoError(t, f.admin.SetACP(ctx, private.Ref(), acp, true))

	bob := f.repo.Open(security.User("bob", MembersGroup))

	_, err := bob.GetDocument(ctx, model.PathRef("/ws/public"))
	require.NoError(t, err)
	_, err = bob.GetDocument(ctx, model.PathRef("/ws/private/secret"))
	assert.True(t, errors.Is(err, errors.Forbidden), "%v", err)

	m, err := bob.CreateDocumentModel(ctx, "/ws", "mine", "Note")
	require.NoError(t, err)
	_, err = bob.CreateDocument(ctx, m)
	assert.True(t, errors.Is(err, errors.Forbidden), "%v", err)
	m.ID = ""

	grant(t, f.admin, ws, "bob", security.ReadWrite)
	ok, err := bob.HasPermission(ctx, ws.Ref(), security.AddChildren)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = bob.CreateDocument(ctx, m)
	require.NoError(t, err)

	res, err := bob.Query(ctx, "SELECT * FROM Note", repository.PageQuery{})
	require.NoError(t, err)
	names := []string{}
	for _, d := range res.Items {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"public", "mine"}, names)

	children, err := bob.GetChildren(ctx, ws.Ref())
	require.NoError(t, err)
	assert.Len(t, children, 2)

	parents, err := bob.GetParentDocuments(ctx, model.PathRef("/ws/private/secret"))
	require.NoError(t, err)
	paths := []string{}
	for _, d := range parents {
		paths = append(paths, d.Path)
	}
	assert.Equal(t, []string{"/", "/ws"}, paths)

	merged, err := f.admin.GetACP(ctx, ws.Ref())
	require.NoError(t, err)
	require.NotNil(t, merged.ACL(security.InheritedACL))
	assert.Equal(t, "bob", merged.ACL(security.LocalACL).ACEs[0].Username)

	err = bob.SetACP(ctx, ws.Ref(), security.NewACP(), true)
	assert.True(t, errors.Is(err, errors.Forbidden), "%v", err)

	_, err = bob.Query(ctx, "SELECT * FROM", repository.PageQuery{})
	assert.True(t, errors.Is(err, errors.NotValid), "%v", err)
}

func TestSession_SaveDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	create(t, f.admin, "/", "ws", "Workspace", "")
	doc := create(t, f.admin, "/ws", "note", "Note", "Draft")
	f.recorded()

	f.clock.Advance(time.Minute)
	require.NoError(t, doc.SetPropertyValue(model.PropDescription, "first cut"))
	saved, err := f.admin.SaveDocument(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, []string{event.BeforeDocumentModification, event.DocumentModified}, f.recorded())
	assert.Equal(t, int64(1), saved.ChangeToken)
	assert.Equal(t, "first cut", saved.Properties.String(model.PropDescription))
	assert.Equal(t, "Draft", saved.Title())
	modified, err := saved.PropertyValue(model.PropModified)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Minute), modified.(time.Time).UTC())

	t.Run("nothing dirty", func(t *testing.T) {
		again, err := f.admin.SaveDocument(ctx, saved)
		require.NoError(t, err)
		assert.Equal(t, int64(1), again.ChangeToken)
		assert.Empty(t, f.recorded())
	})

	t.Run("stale change token", func(t *testing.T) {
		stale, err := f.admin.GetDocument(ctx, doc.Ref())
		require.NoError(t, err)
		stale.PutContextData(UserChangeToken, int64(0))
		require.NoError(t, stale.SetPropertyValue(model.PropDescription, "late"))
		_, err = f.admin.SaveDocument(ctx, stale)
		assert.True(t, errors.Is(err, repository.ErrConcurrentUpdate), "%v", err)
	})

	t.Run("concurrent sessions merge dirty properties", func(t *testing.T) {
		a, err := f.admin.GetDocument(ctx, doc.Ref())
		require.NoError(t, err)
		b, err := f.admin.GetDocument(ctx, doc.Ref())
		require.NoError(t, err)
		require.NoError(t, a.SetPropertyValue(model.PropTitle, "Final"))
		require.NoError(t, b.SetPropertyValue(model.PropDescription, "reviewed"))
		_, err = f.admin.SaveDocument(ctx, a)
		require.NoError(t, err)
		_, err = f.admin.SaveDocument(ctx, b)
		require.NoError(t, err)

		got, err := f.admin.GetDocument(ctx, doc.Ref())
		require.NoError(t, err)
		assert.Equal(t, "Final", got.Title())
		assert.Equal(t, "reviewed", got.Properties.String(model.PropDescription))
	})

	t.Run("unsaved", func(t *testing.T) {
		m, err := f.admin.CreateDocumentModel(ctx, "/ws", "x", "Note")
		require.NoError(t, err)
		_, err = f.admin.SaveDocument(ctx, m)
		assert.True(t, errors.Is(err, errors.NotValid), "%v", err)
	})

	t.Run("reader cannot save", func(t *testing.T) {
		bob := f.repo.Open(security.User("bob", MembersGroup))
		d, err := bob.GetDocument(ctx, doc.Ref())
		require.NoError(t, err)
		require.NoError(t, d.SetPropertyValue(model.PropTitle, "hijacked"))
		_, err = bob.SaveDocument(ctx, d)
		assert.True(t, errors.Is(err, errors.Forbidden), "%v", err)
	})

	t.Run("dynamic facet", func(t *testing.T) {
		d, err := f.admin.GetDocument(ctx, doc.Ref())
		require.NoError(t, err)
		added, err := f.admin.AddFacet(d, model.FacetCollectionMember)
		require.NoError(t, err)
		assert.True(t, added)
		require.NoError(t, d.SetPropertyValue("collectionMember:collectionIds", []any{"c1"}))
		_, err = f.admin.SaveDocument(ctx, d)
		require.NoError(t, err)

		got, err := f.admin.GetDocument(ctx, doc.Ref())
		require.NoError(t, err)
		assert.True(t, got.HasFacet(model.FacetCollectionMember))
		ids, err := got.PropertyValue("collectionMember:collectionIds")
		require.NoError(t, err)
		assert.Equal(t, []any{"c1"}, ids)

		removed, err := f.admin.RemoveFacet(got, model.FacetVersionable)
		require.NoError(t, err)
		assert.False(t, removed)
	})
}

func TestSession_Versioning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	create(t, f.admin, "/", "ws", "Workspace", "")
	doc := create(t, f.admin, "/ws", "file", "File", "v1")
	f.recorded()

	v1, err := f.admin.CheckIn(ctx, doc.Ref(), versioning.Minor, "first")
	require.NoError(t, err)
	assert.Equal(t, []string{event.AboutToCheckIn, event.DocumentCheckedIn}, f.recorded())

	live, err := f.admin.GetDocument(ctx, doc.Ref())
	require.NoError(t, err)
	assert.True(t, live.IsCheckedIn)
	assert.Equal(t, "0.1", live.VersionLabel())
	assert.Equal(t, v1.Value, live.BaseVersionID)

	again, err := f.admin.CheckIn(ctx, doc.Ref(), versioning.Major, "")
	require.NoError(t, err)
	assert.Equal(t, v1, again)

	version, err := f.admin.GetDocument(ctx, v1)
	require.NoError(t, err)
	assert.True(t, version.IsVersion)
	assert.Empty(t, version.ParentID)
	assert.Empty(t, version.Path)
	assert.Equal(t, doc.ID, version.VersionSeriesID)
	assert.Equal(t, "first", version.VersionDescription)
	assert.True(t, version.IsLatestVersion)

	require.NoError(t, version.SetPropertyValue(model.PropTitle, "rewrite history"))
	_, err = f.admin.SaveDocument(ctx, version)
	assert.True(t, errors.Is(err, errors.NotValid), "%v", err)

	require.NoError(t, live.SetPropertyValue(model.PropTitle, "v2"))
	live, err = f.admin.SaveDocument(ctx, live)
	require.NoError(t, err)
	assert.Equal(t, []string{event.AboutToCheckOut, event.BeforeDocumentModification, event.DocumentCheckedOut, event.DocumentModified}, f.recorded())
	assert.False(t, live.IsCheckedIn)
	assert.Equal(t, "0.1+", live.VersionLabel())

	v2, err := f.admin.CheckIn(ctx, doc.Ref(), versioning.Major, "release")
	require.NoError(t, err)

	versions, err := f.admin.GetVersions(ctx, doc.Ref())
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "0.1", versions[0].VersionLabel())
	assert.Equal(t, "1.0", versions[1].VersionLabel())
	assert.False(t, versions[0].IsLatestVersion)
	assert.True(t, versions[1].IsLatestVersion)
	assert.True(t, versions[1].IsLatestMajorVersion)
	major, err := versions[1].PropertyValue(model.PropMajorVersion)
	require.NoError(t, err)
	assert.Equal(t, int64(1), major)

	last, err := f.admin.GetLastVersion(ctx, doc.Ref())
	require.NoError(t, err)
	assert.Equal(t, v2.Value, last.ID)

	restored, err := f.admin.RestoreToVersion(ctx, doc.Ref(), v1)
	require.NoError(t, err)
	assert.Equal(t, "v1", restored.Title())
	assert.Equal(t, "0.1", restored.VersionLabel())
	assert.True(t, restored.IsCheckedIn)

	require.NoError(t, f.admin.CheckOut(ctx, doc.Ref()))
	live, err = f.admin.GetDocument(ctx, doc.Ref())
	require.NoError(t, err)
	assert.Equal(t, "0.1+", live.VersionLabel())

	t.Run("auto check in on save", func(t *testing.T) {
		require.NoError(t, live.SetPropertyValue(model.PropTitle, "v3"))
		live.PutContextData(VersioningOptionKey, versioning.Major)
		saved, err := f.admin.SaveDocument(ctx, live)
		require.NoError(t, err)
		// restoring 0.1 made the next major 1.0 again
		assert.Equal(t, "1.0", saved.VersionLabel())
		assert.True(t, saved.IsCheckedIn)
		versions, err := f.admin.GetVersions(ctx, doc.Ref())
		require.NoError(t, err)
		assert.Len(t, versions, 3)
	})

	t.Run("not versionable", func(t *testing.T) {
		_, err := f.admin.CheckIn(ctx, model.PathRef("/ws"), versioning.Minor, "")
		assert.True(t, errors.Is(err, errors.NotValid), "%v", err)
		_, err = f.admin.RestoreToVersion(ctx, doc.Ref(), doc.Ref())
		assert.True(t, errors.Is(err, errors.NotValid), "%v", err)
	})
}

func TestSession_Locks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ws := create(t, f.admin, "/", "ws", "Workspace", "")
	doc := create(t, f.admin, "/ws", "note", "Note", "")
	grant(t, f.admin, ws, "bob", security.ReadWrite)
	grant(t, f.admin, ws, "alice", security.ReadWrite)
	bob := f.repo.Open(security.User("bob"))
	alice := f.repo.Open(security.User("alice"))
	f.recorded()

	locked, err := bob.SetLock(ctx, doc.Ref())
	require.NoError(t, err)
	assert.Equal(t, "bob", locked.LockOwner)
	require.NotNil(t, locked.LockCreated)
	assert.Equal(t, []string{event.DocumentLocked}, f.recorded())

	_, err = bob.SetLock(ctx, doc.Ref())
	require.NoError(t, err)
	_, err = alice.SetLock(ctx, doc.Ref())
	assert.True(t, errors.Is(err, errors.Forbidden), "%v", err)

	d, err := alice.GetDocument(ctx, doc.Ref())
	require.NoError(t, err)
	require.NoError(t, d.SetPropertyValue(model.PropTitle, "mine now"))
	_, err = alice.SaveDocument(ctx, d)
	assert.True(t, errors.Is(err, errors.Forbidden), "%v", err)

	_, err = alice.RemoveLock(ctx, doc.Ref())
	assert.True(t, errors.Is(err, errors.Forbidden), "%v", err)

	unlocked, err := f.admin.RemoveLock(ctx, doc.Ref())
	require.NoError(t, err)
	assert.False(t, unlocked.IsLocked())
	assert.Contains(t, f.recorded(), event.DocumentUnlocked)

	_, err = alice.SaveDocument(ctx, d)
	require.NoError(t, err)
}

func TestSession_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	create(t, f.admin, "/", "ws", "Workspace", "")
	doc := create(t, f.admin, "/ws", "note", "Note", "")

	var seen *event.Event
	require.NoError(t, f.repo.Events().AddListener("transitions", event.ListenerFunc(func(_ context.Context, ev *event.Event) error {
		seen = ev
		return nil
	}), event.LifeCycleTransition))

	transitions, err := f.admin.GetAllowedStateTransitions(ctx, doc.Ref())
	require.NoError(t, err)
	assert.Equal(t, []string{lifecycle.TransitionApprove, lifecycle.TransitionObsolete, lifecycle.TransitionDelete}, transitions)

	got, err := f.admin.FollowTransition(ctx, doc.Ref(), lifecycle.TransitionApprove)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateApproved, got.LifeCycleState)
	require.NotNil(t, seen)
	assert.Equal(t, lifecycle.StateProject, seen.Properties[event.PropFrom])
	assert.Equal(t, lifecycle.StateApproved, seen.Properties[event.PropTo])

	_, err = f.admin.FollowTransition(ctx, doc.Ref(), lifecycle.TransitionApprove)
	assert.True(t, errors.Is(err, errors.NotValid), "%v", err)

	root, err := f.admin.Root(ctx)
	require.NoError(t, err)
	transitions, err = f.admin.GetAllowedStateTransitions(ctx, root.Ref())
	require.NoError(t, err)
	assert.Empty(t, transitions)
}

func TestSession_MoveCopyRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	create(t, f.admin, "/", "ws", "Workspace", "")
	a := create(t, f.admin, "/ws", "a", "Folder", "")
	b := create(t, f.admin, "/ws", "b", "Folder", "")
	child := create(t, f.admin, "/ws/a", "child", "File", "Child")
	create(t, f.admin, "/ws/b", "a", "Note", "")

	t.Run("move", func(t *testing.T) {
		_, err := f.admin.Move(ctx, a.Ref(), model.PathRef("/ws/a"), "")
		assert.True(t, errors.Is(err, errors.NotValid), "%v", err)

		moved, err := f.admin.Move(ctx, a.Ref(), b.Ref(), "")
		require.NoError(t, err)
		assert.Equal(t, "a."+strconv.FormatInt(epoch.UnixMilli(), 10), moved.Name)
		assert.Equal(t, b.ID, moved.ParentID)

		got, err := f.admin.GetDocument(ctx, child.Ref())
		require.NoError(t, err)
		assert.Equal(t, moved.Path+"/child", got.Path)

		exists, err := f.admin.Exists(ctx, model.PathRef("/ws/a/child"))
		require.NoError(t, err)
		assert.False(t, exists)

		moved, err = f.admin.Move(ctx, a.Ref(), model.PathRef("/ws"), "a")
		require.NoError(t, err)
		assert.Equal(t, "/ws/a", moved.Path)
	})

	t.Run("copy", func(t *testing.T) {
		f.recorded()
		c, err := f.admin.Copy(ctx, a.Ref(), model.PathRef("/ws"), "copy")
		require.NoError(t, err)
		assert.Contains(t, f.recorded(), event.DocumentCreatedByCopy)
		assert.NotEqual(t, a.ID, c.ID)
		assert.Equal(t, "/ws/copy", c.Path)

		copied, err := f.admin.GetDocument(ctx, model.PathRef("/ws/copy/child"))
		require.NoError(t, err)
		assert.NotEqual(t, child.ID, copied.ID)
		assert.Equal(t, c.ID, copied.ParentID)
		assert.Equal(t, "Child", copied.Title())
		assert.Equal(t, "0.0", copied.VersionLabel())
	})

	t.Run("remove", func(t *testing.T) {
		version, err := f.admin.CheckIn(ctx, child.Ref(), versioning.Minor, "")
		require.NoError(t, err)

		root, err := f.admin.Root(ctx)
		require.NoError(t, err)
		assert.True(t, errors.Is(f.admin.RemoveDocument(ctx, root.Ref()), errors.NotValid))

		bob := f.repo.Open(security.User("bob", MembersGroup))
		assert.True(t, errors.Is(bob.RemoveDocument(ctx, a.Ref()), errors.Forbidden))

		f.recorded()
		require.NoError(t, f.admin.RemoveDocument(ctx, a.Ref()))
		assert.Equal(t, []string{event.AboutToRemove, event.DocumentRemoved}, f.recorded())
		for _, ref := range []model.DocumentRef{a.Ref(), child.Ref(), version} {
			exists, err := f.admin.Exists(ctx, ref)
			require.NoError(t, err)
			assert.False(t, exists, ref.String())
		}
		exists, err := f.admin.Exists(ctx, model.PathRef("/ws/copy/child"))
		require.NoError(t, err)
		assert.True(t, exists)
	})
}

func TestSession_DocumentCache(t *testing.T) {
	c := cache.NewMemory("documents", 100, time.Minute)
	f := newFixture(t, func(cfg *Config) { cfg.Cache = c })
	ctx := context.Background()
	create(t, f.admin, "/", "ws", "Workspace", "")
	doc := create(t, f.admin, "/ws", "note", "Note", "Cached")

	_, err := f.admin.GetDocument(ctx, doc.Ref())
	require.NoError(t, err)
	cached, err := c.HasEntry(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, cached)

	got, err := f.admin.GetDocument(ctx, doc.Ref())
	require.NoError(t, err)
	assert.Equal(t, "Cached", got.Title())
	created, err := got.PropertyValue(model.PropCreated)
	require.NoError(t, err)
	assert.Equal(t, epoch, created.(time.Time).UTC())

	require.NoError(t, got.SetPropertyValue(model.PropTitle, "Changed"))
	_, err = f.admin.SaveDocument(ctx, got)
	require.NoError(t, err)
	cached, err = c.HasEntry(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, cached)

	got, err = f.admin.GetDocument(ctx, doc.Ref())
	require.NoError(t, err)
	assert.Equal(t, "Changed", got.Title())
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 80, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestSession_BlobsAndWork(t *testing.T) {
	m := work.NewManager(work.NewMemoryQueuing(), nil, work.WithPollInterval(10*time.Millisecond))
	f := newFixture(t, func(cfg *Config) { cfg.Works = m })
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.Shutdown(c))
	}()
	await := func() {
		c, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		require.NoError(t, m.AwaitCompletion(c))
	}

	create(t, f.admin, "/", "ws", "Workspace", "")
	file, err := f.admin.CreateDocumentModel(ctx, "/ws", "figures", "File")
	require.NoError(t, err)
	require.NoError(t, file.SetPropertyValue(model.PropContent, model.NewBlob([]byte("quarterly figures"), "figures.txt", "text/plain")))
	file, err = f.admin.CreateDocument(ctx, file)
	require.NoError(t, err)

	v, err := file.PropertyValue(model.PropContent)
	require.NoError(t, err)
	saved := v.(*model.Blob)
	assert.True(t, saved.IsSaved())
	assert.Nil(t, saved.Data)

	pic, err := f.admin.CreateDocumentModel(ctx, "/ws", "photo", "Picture")
	require.NoError(t, err)
	require.NoError(t, pic.SetPropertyValue(model.PropContent, model.NewBlob(pngBytes(t, 320, 200), "photo.png", "image/png")))
	pic, err = f.admin.CreateDocument(ctx, pic)
	require.NoError(t, err)

	await()

	res, err := f.admin.Query(ctx, "SELECT * FROM Document WHERE ecm:fulltext = 'quarterly'", repository.PageQuery{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, file.ID, res.Items[0].ID)
	assert.Contains(t, res.Items[0].Fulltext, "quarterly figures")

	pic, err = f.admin.GetDocument(ctx, pic.Ref())
	require.NoError(t, err)
	views, err := pic.PropertyValue(imaging.PropViews)
	require.NoError(t, err)
	assert.Len(t, views, len(imaging.DefaultViews()))
	thumb := imaging.Thumbnail(pic)
	require.NotNil(t, thumb)
	assert.True(t, thumb.IsSaved())

	status, err := f.repo.Blobs().GarbageCollect(ctx, f.repo, true)
	require.NoError(t, err)
	assert.Zero(t, status.NumBinariesGC)
	assert.GreaterOrEqual(t, status.NumBinaries, int64(3))

	require.NoError(t, f.admin.RemoveDocument(ctx, file.Ref()))
	status, err = f.repo.Blobs().GarbageCollect(ctx, f.repo, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.NumBinariesGC)
}
