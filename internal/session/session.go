package session

import (
	"context"
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"ecm/internal/blob"
	"ecm/internal/event"
	"ecm/internal/logging"
	"ecm/internal/model"
	"ecm/internal/nxql"
	"ecm/internal/repository"
	"ecm/internal/security"
	"ecm/internal/versioning"
	"ecm/internal/work"
)

// Context data keys honored by SaveDocument.
const (
	// UserChangeToken holds the change token the caller read; a different stored token
	// fails the save with ErrConcurrentUpdate.
	UserChangeToken = "userChangeToken"
	// DisableAutoCheckOut in a document's context data saves it without checking it out.
	DisableAutoCheckOut = "disableAutoCheckOut"
	// VersioningOptionKey holds a versioning.Option applied by checking in after the save.
	VersioningOptionKey = "versioningOption"
	// CheckinComment is the description of the version created by VersioningOptionKey.
	CheckinComment = "checkinComment"
)

const (
	maxDepth     = 256
	saveAttempts = 3
)

// Session is the view of a repository for one principal. It is safe for concurrent use.
type Session struct {
	repo      *Repository
	principal security.Principal
	id        string
}

// ID returns the session id carried by attached documents.
func (s *Session) ID() string { return s.id }

// Principal returns the user the session acts for.
func (s *Session) Principal() security.Principal { return s.principal }

// Repository returns the repository the session is opened on.
func (s *Session) Repository() *Repository { return s.repo }

func (s *Session) now() time.Time {
	return s.repo.clock.Now().UTC()
}

// fetch loads a document without security checks.
func (s *Session) fetch(ctx context.Context, ref model.DocumentRef) (*model.Document, error) {
	var (
		doc *model.Document
		err error
	)
	switch ref.Kind {
	case model.IDRefKind:
		doc, err = s.repo.store.Get(ctx, ref.Value)
	case model.PathRefKind:
		doc, err = s.repo.store.GetByPath(ctx, ref.Value)
	default:
		return nil, errors.NotValidf("empty document reference")
	}
	if err != nil {
		return nil, err
	}
	return s.attach(doc)
}

func (s *Session) attach(doc *model.Document) (*model.Document, error) {
	if err := s.repo.types.Bind(doc); err != nil {
		return nil, errors.Trace(err)
	}
	doc.SessionID = s.id
	if doc.ContextData == nil {
		doc.ContextData = map[string]any{}
	}
	return doc, nil
}

// ancestors returns the parents of doc, nearest first, without binding them.
func (s *Session) ancestors(ctx context.Context, doc *model.Document) ([]*model.Document, error) {
	var out []*model.Document
	for id := doc.ParentID; id != ""; {
		if len(out) > maxDepth {
			return nil, errors.NotValidf("hierarchy of %s deeper than %d", doc.ID, maxDepth)
		}
		p, err := s.repo.store.Get(ctx, id)
		if err != nil {
			return nil, errors.Annotatef(err, "ancestor of %s", doc.ID)
		}
		out = append(out, p)
		id = p.ParentID
	}
	return out, nil
}

// chain returns the ACPs deciding the permissions of doc. Versions follow their live document.
func (s *Session) chain(ctx context.Context, doc *model.Document) ([]*security.ACP, error) {
	target := doc
	if doc.IsVersion && doc.VersionSeriesID != "" {
		live, err := s.repo.store.Get(ctx, doc.VersionSeriesID)
		switch {
		case err == nil:
			target = live
		case !errors.Is(err, errors.NotFound):
			return nil, errors.Trace(err)
		}
	}
	parents, err := s.ancestors(ctx, target)
	if err != nil {
		return nil, err
	}
	acps := make([]*security.ACP, 0, len(parents)+1)
	acps = append(acps, target.ACP)
	for _, p := range parents {
		acps = append(acps, p.ACP)
	}
	return acps, nil
}

func (s *Session) allowed(ctx context.Context, doc *model.Document, permission string) (bool, error) {
	if s.principal.IsAdministrator() {
		return true, nil
	}
	acps, err := s.chain(ctx, doc)
	if err != nil {
		return false, err
	}
	return s.repo.checker.Check(s.principal, permission, acps...), nil
}

func (s *Session) check(ctx context.Context, doc *model.Document, permission string) error {
	ok, err := s.allowed(ctx, doc, permission)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Forbiddenf("privilege %q on %s for %s", permission, doc.ID, s.principal.Name)
	}
	return nil
}

func (s *Session) checkLock(doc *model.Document) error {
	if doc.IsLocked() && doc.LockOwner != s.principal.Name && !s.principal.IsAdministrator() {
		return errors.Forbiddenf("document %s locked by %s", doc.ID, doc.LockOwner)
	}
	return nil
}

func (s *Session) newEvent(name string, doc *model.Document) *event.Event {
	ev := event.New(name, doc, s.principal)
	ev.Repository = s.repo.name
	ev.SessionID = s.id
	ev.Time = s.now()
	return ev
}

func (s *Session) fire(ctx context.Context, ev *event.Event) error {
	return s.repo.events.Fire(ctx, ev)
}

// notify fires an event fired after the operation; it never fails the operation.
func (s *Session) notify(ctx context.Context, name string, doc *model.Document, props map[string]any) {
	ev := s.newEvent(name, doc)
	for k, v := range props {
		ev.With(k, v)
	}
	if err := s.fire(ctx, ev); err != nil {
		s.repo.log.Warn("event dispatch failed", logging.Event(name), zap.String("doc_id", doc.ID), logging.ErrorMessage(err))
	}
}

// Root returns the root document.
func (s *Session) Root(ctx context.Context) (*model.Document, error) {
	return s.GetDocument(ctx, model.PathRef("/"))
}

// GetDocument returns a document the principal can read.
func (s *Session) GetDocument(ctx context.Context, ref model.DocumentRef) (*model.Document, error) {
	doc, err := s.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, doc, security.Read); err != nil {
		return nil, err
	}
	return doc, nil
}

// Exists reports whether ref designates a document, readable or not.
func (s *Session) Exists(ctx context.Context, ref model.DocumentRef) (bool, error) {
	_, err := s.fetch(ctx, ref)
	if errors.Is(err, errors.NotFound) {
		return false, nil
	}
	return err == nil, err
}

// HasPermission reports whether the principal holds permission on the document.
func (s *Session) HasPermission(ctx context.Context, ref model.DocumentRef, permission string) (bool, error) {
	doc, err := s.fetch(ctx, ref)
	if err != nil {
		return false, err
	}
	return s.allowed(ctx, doc, permission)
}

// GetChildren returns the readable live children of a folder, oldest first.
func (s *Session) GetChildren(ctx context.Context, ref model.DocumentRef) ([]*model.Document, error) {
	parent, err := s.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, parent, security.ReadChildren); err != nil {
		return nil, err
	}
	children, err := s.children(ctx, parent.ID)
	if err != nil {
		return nil, err
	}
	out := children[:0]
	for _, c := range children {
		ok, err := s.allowed(ctx, c, security.Read)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Session) query(ctx context.Context, where string) ([]*model.Document, error) {
	q, err := nxql.Parse("SELECT * FROM Document WHERE " + where)
	if err != nil {
		return nil, errors.Trace(err)
	}
	res, err := s.repo.store.Query(ctx, q, repository.PageQuery{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, d := range res.Items {
		if _, err := s.attach(d); err != nil {
			return nil, err
		}
	}
	return res.Items, nil
}

func (s *Session) children(ctx context.Context, parentID string) ([]*model.Document, error) {
	docs, err := s.query(ctx, nxql.ECMParentID+" = "+nxql.EscapeString(parentID)+" AND "+nxql.ECMIsVersion+" = 0")
	if err != nil {
		return nil, err
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if !docs[i].Created.Equal(docs[j].Created) {
			return docs[i].Created.Before(docs[j].Created)
		}
		return docs[i].Name < docs[j].Name
	})
	return docs, nil
}

// descendants returns the live documents below doc, shallowest first.
func (s *Session) descendants(ctx context.Context, doc *model.Document) ([]*model.Document, error) {
	docs, err := s.query(ctx, nxql.ECMAncestorID+" = "+nxql.EscapeString(doc.ID)+" AND "+nxql.ECMIsVersion+" = 0")
	if err != nil {
		return nil, err
	}
	sort.SliceStable(docs, func(i, j int) bool { return len(docs[i].Path) < len(docs[j].Path) })
	return docs, nil
}

// GetParentDocuments returns the readable documents from the root down to the document itself.
func (s *Session) GetParentDocuments(ctx context.Context, ref model.DocumentRef) ([]*model.Document, error) {
	doc, err := s.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	parents, err := s.ancestors(ctx, doc)
	if err != nil {
		return nil, err
	}
	line := []*model.Document{doc}
	for _, p := range parents {
		line = append([]*model.Document{p}, line...)
	}
	out := make([]*model.Document, 0, len(line))
	for _, d := range line {
		ok, err := s.allowed(ctx, d, security.Read)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if _, err := s.attach(d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Query runs an NXQL query and returns the page of readable results.
func (s *Session) Query(ctx context.Context, query string, pq repository.PageQuery) (*repository.PageResult[*model.Document], error) {
	q, err := nxql.Parse(query)
	if err != nil {
		return nil, errors.NewNotValid(err, "query")
	}
	res, err := s.repo.store.Query(ctx, q, repository.PageQuery{})
	if err != nil {
		return nil, errors.Annotate(err, "query")
	}
	readable := make([]*model.Document, 0, len(res.Items))
	for _, d := range res.Items {
		ok, err := s.allowed(ctx, d, security.Read)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if _, err := s.attach(d); err != nil {
			return nil, err
		}
		readable = append(readable, d)
	}
	return repository.Paginate(readable, pq), nil
}

// CreateDocumentModel returns an unsaved document of docType under parentPath, with the
// facets and schemas of its type.
func (s *Session) CreateDocumentModel(ctx context.Context, parentPath, name, docType string) (*model.Document, error) {
	if _, err := s.repo.types.Type(docType); err != nil {
		return nil, err
	}
	doc, err := model.NewDocument(parentPath, name, docType)
	if err != nil {
		return nil, err
	}
	doc.Repository = s.repo.name
	doc.Facets = s.repo.types.Facets(docType)
	if err := s.repo.types.Bind(doc); err != nil {
		return nil, errors.Trace(err)
	}
	if err := s.fire(ctx, s.newEvent(event.EmptyDocumentModelCreated, doc)); err != nil {
		return nil, err
	}
	doc.SessionID = s.id
	return doc, nil
}

// freeName returns name, suffixed with the current time in milliseconds when a live child
// of parentID other than self already uses it.
func (s *Session) freeName(ctx context.Context, parentPath, name, self string) (string, error) {
	existing, err := s.repo.store.GetByPath(ctx, path.Join(parentPath, name))
	switch {
	case errors.Is(err, errors.NotFound):
		return name, nil
	case err != nil:
		return "", errors.Trace(err)
	case existing.ID == self:
		return name, nil
	}
	return name + "." + strconv.FormatInt(s.now().UnixMilli(), 10), nil
}

func (s *Session) folder(ctx context.Context, ref model.DocumentRef) (*model.Document, error) {
	parent, err := s.fetch(ctx, ref)
	if err != nil {
		return nil, errors.Annotate(err, "parent")
	}
	if !parent.IsFolder() {
		return nil, errors.NotValidf("parent %s is not a folder", parent.Path)
	}
	return parent, nil
}

// CreateDocument saves a document built with CreateDocumentModel. An empty name is derived
// from the title; a name taken by a sibling gets a numeric suffix. New documents start in
// the initial lifecycle state, checked out at version 0.0.
func (s *Session) CreateDocument(ctx context.Context, doc *model.Document) (*model.Document, error) {
	if doc.ID != "" {
		return nil, errors.AlreadyExistsf("document %s", doc.ID)
	}
	if err := model.ValidateName(doc.Name); err != nil {
		return nil, err
	}
	if _, err := s.repo.types.Type(doc.Type); err != nil {
		return nil, err
	}
	parentPath := doc.ParentPath()
	if parentPath == "" {
		return nil, errors.NotValidf("document without parent")
	}
	parent, err := s.folder(ctx, model.PathRef(parentPath))
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, parent, security.AddChildren); err != nil {
		return nil, err
	}

	for _, f := range s.repo.types.Facets(doc.Type) {
		doc.AddFacet(f)
	}
	if err := s.repo.types.Bind(doc); err != nil {
		return nil, errors.Trace(err)
	}
	policyName := s.repo.types.LifeCyclePolicy(doc.Type)
	policy, err := s.repo.types.Lifecycles().Policy(policyName)
	if err != nil {
		return nil, errors.Trace(err)
	}

	now := s.now()
	doc.ID = uuid.NewString()
	doc.Repository = s.repo.name
	doc.ParentID = parent.ID
	doc.LifeCyclePolicy = policy.Name
	doc.LifeCycleState = policy.Initial()
	doc.MajorVersion, doc.MinorVersion = 0, 0
	doc.IsVersion, doc.IsCheckedIn = false, false
	doc.VersionSeriesID, doc.BaseVersionID = "", ""
	doc.LockOwner, doc.LockCreated = "", nil
	doc.Created, doc.Modified = now, now
	doc.ChangeToken = 0
	doc.SessionID = s.id

	if err := s.fire(ctx, s.newEvent(event.AboutToCreate, doc)); err != nil {
		doc.ID = ""
		return nil, err
	}
	name := doc.Name
	if name == "" {
		name = s.repo.segments.GenerateFor(doc)
	}
	if name, err = s.freeName(ctx, parent.Path, name, ""); err != nil {
		doc.ID = ""
		return nil, err
	}
	doc.Name = name
	doc.Path = path.Join(parent.Path, name)

	if err := s.saveBlobs(ctx, doc, doc.Properties.Names()); err != nil {
		doc.ID = ""
		return nil, err
	}
	dirty := doc.Properties.DirtyMap()
	if err := s.repo.store.Create(ctx, doc); err != nil {
		doc.ID = ""
		return nil, errors.Annotatef(err, "creating %s", doc.Path)
	}
	doc.Properties.ClearDirty()

	s.notify(ctx, event.DocumentCreated, doc, nil)
	s.scheduleWork(ctx, doc, dirty)
	return doc, nil
}

// saveBlobs writes the unsaved blobs of the named properties to the blob manager.
func (s *Session) saveBlobs(ctx context.Context, doc *model.Document, names []string) error {
	for _, name := range names {
		v, err := doc.Properties.Get(name)
		if err != nil {
			return errors.Trace(err)
		}
		saved, changed, err := s.saveValue(ctx, v)
		if err != nil {
			return errors.Annotatef(err, "property %s of %s", name, doc.Path)
		}
		if changed {
			if err := doc.Properties.Set(name, saved); err != nil {
				return errors.Trace(err)
			}
		}
	}
	return nil
}

func (s *Session) saveValue(ctx context.Context, v any) (any, bool, error) {
	switch t := v.(type) {
	case *model.Blob:
		if t == nil || t.IsSaved() {
			return v, false, nil
		}
		saved, err := s.repo.blobs.Save(ctx, t)
		return saved, err == nil, err
	case map[string]any:
		changed := false
		out := make(map[string]any, len(t))
		for k, e := range t {
			c, ch, err := s.saveValue(ctx, e)
			if err != nil {
				return nil, false, err
			}
			out[k] = c
			changed = changed || ch
		}
		return out, changed, nil
	case []any:
		changed := false
		out := make([]any, len(t))
		for i, e := range t {
			c, ch, err := s.saveValue(ctx, e)
			if err != nil {
				return nil, false, err
			}
			out[i] = c
			changed = changed || ch
		}
		return out, changed, nil
	}
	return v, false, nil
}

// scheduleWork queues the fulltext extraction when blobs changed and the picture views
// when the main blob of a picture changed.
func (s *Session) scheduleWork(ctx context.Context, doc *model.Document, dirty map[string]any) {
	w := s.repo.works
	if w == nil || doc.IsVersion {
		return
	}
	if len(blob.Blobs(dirty)) > 0 {
		s.schedule(ctx, work.NewFulltextExtractorWork(s.repo.env, doc.ID))
	}
	if _, ok := dirty[model.PropContent]; ok && doc.HasFacet(model.FacetPicture) {
		s.schedule(ctx, work.NewPictureViewsWork(s.repo.env, doc.ID, ""))
	}
}

func (s *Session) schedule(ctx context.Context, w work.Work) {
	if _, err := s.repo.works.Schedule(ctx, w, work.IfNotScheduled); err != nil {
		d := w.Descriptor()
		s.repo.log.Error("scheduling work failed", logging.Event("work_schedule"), zap.String("category", d.Category),
			zap.String("doc_id", d.DocID), logging.ErrorMessage(err))
	}
}

// SaveDocument writes the changed properties and facets of doc. A checked in document is
// checked out first. The saved document is returned.
func (s *Session) SaveDocument(ctx context.Context, doc *model.Document) (*model.Document, error) {
	if doc.ID == "" {
		return nil, errors.NotValidf("saving a document that was never created")
	}
	for attempt := 1; ; attempt++ {
		saved, err := s.save(ctx, doc)
		if errors.Is(err, repository.ErrConcurrentUpdate) && attempt < saveAttempts {
			if _, pinned := doc.ContextData[UserChangeToken]; !pinned {
				continue
			}
		}
		if err != nil {
			return nil, err
		}
		return s.autoCheckIn(ctx, doc, saved)
	}
}

func (s *Session) save(ctx context.Context, doc *model.Document) (*model.Document, error) {
	stored, err := s.fetch(ctx, model.IDRef(doc.ID))
	if err != nil {
		return nil, err
	}
	if stored.IsVersion {
		return nil, errors.NotValidf("modifying version %s", stored.ID)
	}
	if err := s.check(ctx, stored, security.WriteProperties); err != nil {
		return nil, err
	}
	if err := s.checkLock(stored); err != nil {
		return nil, err
	}
	if v, ok := doc.ContextData[UserChangeToken]; ok {
		if token, ok := v.(int64); ok && token != stored.ChangeToken {
			return nil, errors.Annotatef(repository.ErrConcurrentUpdate, "document %s", doc.ID)
		}
	}

	facetsChanged := !sameFacets(stored.Facets, doc.Facets)
	if !doc.IsDirty() && !facetsChanged {
		return stored, nil
	}
	if facetsChanged {
		stored.Facets = append([]string(nil), doc.Facets...)
		if err := s.repo.types.Bind(stored); err != nil {
			return nil, errors.Trace(err)
		}
	}
	for name, v := range doc.Properties.DirtyMap() {
		if err := stored.Properties.Set(name, v); err != nil {
			return nil, errors.Annotatef(err, "document %s", doc.ID)
		}
	}
	for k, v := range doc.ContextData {
		stored.PutContextData(k, v)
	}

	checkedOut := false
	if skip, _ := stored.ContextData[DisableAutoCheckOut].(bool); stored.IsCheckedIn && !skip {
		if err := s.fire(ctx, s.newEvent(event.AboutToCheckOut, stored)); err != nil {
			return nil, err
		}
		stored.IsCheckedIn = false
		checkedOut = true
	}
	if err := s.fire(ctx, s.newEvent(event.BeforeDocumentModification, stored)); err != nil {
		return nil, err
	}
	if err := s.saveBlobs(ctx, stored, stored.Properties.DirtyNames()); err != nil {
		return nil, err
	}
	dirty := stored.Properties.DirtyMap()
	stored.Modified = s.now()
	if err := s.repo.store.Update(ctx, stored); err != nil {
		return nil, errors.Annotatef(err, "saving %s", stored.Path)
	}
	stored.Properties.ClearDirty()

	if checkedOut {
		s.notify(ctx, event.DocumentCheckedOut, stored, nil)
	}
	s.notify(ctx, event.DocumentModified, stored, nil)
	s.scheduleWork(ctx, stored, dirty)
	return stored, nil
}

func (s *Session) autoCheckIn(ctx context.Context, doc, saved *model.Document) (*model.Document, error) {
	opt, _ := doc.ContextData[VersioningOptionKey].(versioning.Option)
	if opt == versioning.None || !saved.IsVersionable() {
		return saved, nil
	}
	comment, _ := doc.ContextData[CheckinComment].(string)
	if _, err := s.CheckIn(ctx, model.IDRef(saved.ID), opt, comment); err != nil {
		return nil, err
	}
	return s.fetch(ctx, model.IDRef(saved.ID))
}

func sameFacets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, f := range a {
		seen[f] = true
	}
	for _, f := range b {
		if !seen[f] {
			return false
		}
	}
	return true
}

// AddFacet adds a dynamic facet to doc and binds the schemas it brings. The change is
// persisted by SaveDocument.
func (s *Session) AddFacet(doc *model.Document, facet string) (bool, error) {
	if !doc.AddFacet(facet) {
		return false, nil
	}
	return true, errors.Trace(s.repo.types.Bind(doc))
}

// RemoveFacet removes a dynamic facet from doc. Static facets of the type stay.
func (s *Session) RemoveFacet(doc *model.Document, facet string) (bool, error) {
	if s.repo.types.HasFacet(doc.Type, facet) || !doc.RemoveFacet(facet) {
		return false, nil
	}
	return true, errors.Trace(s.repo.types.Bind(doc))
}

// RemoveDocument deletes a document with its descendants and their versions.
func (s *Session) RemoveDocument(ctx context.Context, ref model.DocumentRef) error {
	doc, err := s.fetch(ctx, ref)
	if err != nil {
		return err
	}
	if doc.Path == "/" && !doc.IsVersion {
		return errors.NotValidf("removing the root")
	}
	if err := s.check(ctx, doc, security.Remove); err != nil {
		return err
	}
	if doc.ParentID != "" {
		parent, err := s.fetch(ctx, model.IDRef(doc.ParentID))
		if err != nil {
			return err
		}
		if err := s.check(ctx, parent, security.RemoveChildren); err != nil {
			return err
		}
	}
	if err := s.checkLock(doc); err != nil {
		return err
	}
	if err := s.fire(ctx, s.newEvent(event.AboutToRemove, doc)); err != nil {
		return err
	}

	ids := []string{doc.ID}
	if !doc.IsVersion {
		below, err := s.descendants(ctx, doc)
		if err != nil {
			return err
		}
		for _, d := range below {
			ids = append(ids, d.ID)
		}
		versions, err := s.versionsOf(ctx, ids)
		if err != nil {
			return err
		}
		for _, v := range versions {
			ids = append(ids, v.ID)
		}
	}
	if err := s.repo.store.Delete(ctx, ids...); err != nil {
		return errors.Annotatef(err, "removing %s", doc.Path)
	}
	s.notify(ctx, event.DocumentRemoved, doc, nil)
	return nil
}
