package session

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"ecm/internal/event"
	"ecm/internal/model"
	"ecm/internal/security"
)

func isUnder(p, ancestor string) bool {
	return p == ancestor || strings.HasPrefix(p, strings.TrimSuffix(ancestor, "/")+"/")
}

// Move moves a document, with its subtree, into dest under name (the current name when empty).
func (s *Session) Move(ctx context.Context, src, dest model.DocumentRef, name string) (*model.Document, error) {
	doc, err := s.fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	if doc.IsVersion || doc.ParentID == "" {
		return nil, errors.NotValidf("moving %s", src)
	}
	target, err := s.folder(ctx, dest)
	if err != nil {
		return nil, err
	}
	if isUnder(target.Path, doc.Path) {
		return nil, errors.NotValidf("moving %s under itself", doc.Path)
	}
	if name == "" {
		name = doc.Name
	}
	if err := model.ValidateName(name); err != nil {
		return nil, err
	}
	parent, err := s.fetch(ctx, model.IDRef(doc.ParentID))
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, parent, security.RemoveChildren); err != nil {
		return nil, err
	}
	if err := s.check(ctx, target, security.AddChildren); err != nil {
		return nil, err
	}
	if err := s.checkLock(doc); err != nil {
		return nil, err
	}
	if name, err = s.freeName(ctx, target.Path, name, doc.ID); err != nil {
		return nil, err
	}
	about := s.newEvent(event.AboutToMove, doc).With(event.PropDestination, target.ID)
	if err := s.fire(ctx, about); err != nil {
		return nil, err
	}

	below, err := s.descendants(ctx, doc)
	if err != nil {
		return nil, err
	}
	oldPath, oldParent := doc.Path, doc.ParentID
	doc.ParentID = target.ID
	doc.Name = name
	doc.Path = path.Join(target.Path, name)
	doc.Modified = s.now()
	if err := s.repo.store.Update(ctx, doc); err != nil {
		return nil, errors.Annotatef(err, "moving %s", oldPath)
	}
	for _, d := range below {
		d.Path = doc.Path + strings.TrimPrefix(d.Path, oldPath)
		if err := s.repo.store.Update(ctx, d); err != nil {
			return nil, errors.Annotatef(err, "moving %s", d.ID)
		}
	}
	s.notify(ctx, event.DocumentMoved, doc, map[string]any{
		event.PropSource:      oldParent,
		event.PropDestination: target.ID,
	})
	return doc, nil
}

// Copy copies a document, with its subtree, into dest under name (the current name when
// empty). Copies get new ids and are live checked out documents even when src is a version.
func (s *Session) Copy(ctx context.Context, src, dest model.DocumentRef, name string) (*model.Document, error) {
	doc, err := s.fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, doc, security.Read); err != nil {
		return nil, err
	}
	if !doc.IsVersion && doc.ParentID == "" {
		return nil, errors.NotValidf("copying the root")
	}
	target, err := s.folder(ctx, dest)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, target, security.AddChildren); err != nil {
		return nil, err
	}
	if name == "" {
		name = doc.Name
	}
	if err := model.ValidateName(name); err != nil {
		return nil, err
	}
	if name, err = s.freeName(ctx, target.Path, name, ""); err != nil {
		return nil, err
	}
	about := s.newEvent(event.AboutToCopy, doc).With(event.PropDestination, target.ID)
	if err := s.fire(ctx, about); err != nil {
		return nil, err
	}

	var below []*model.Document
	if !doc.IsVersion {
		if below, err = s.descendants(ctx, doc); err != nil {
			return nil, err
		}
	}
	now := s.now()
	root, err := s.copyOf(doc, target.ID, path.Join(target.Path, name), now)
	if err != nil {
		return nil, err
	}
	root.Name = name
	if err := s.repo.store.Create(ctx, root); err != nil {
		return nil, errors.Annotatef(err, "copying %s", doc.ID)
	}
	ids := map[string]string{doc.ID: root.ID}
	for _, d := range below {
		parentID, ok := ids[d.ParentID]
		if !ok {
			continue
		}
		c, err := s.copyOf(d, parentID, root.Path+strings.TrimPrefix(d.Path, doc.Path), now)
		if err != nil {
			return nil, err
		}
		if err := s.repo.store.Create(ctx, c); err != nil {
			return nil, errors.Annotatef(err, "copying %s", d.ID)
		}
		ids[d.ID] = c.ID
	}
	s.notify(ctx, event.DocumentCreatedByCopy, root, map[string]any{event.PropSource: doc.ID})
	return root, nil
}

func (s *Session) copyOf(doc *model.Document, parentID, p string, now time.Time) (*model.Document, error) {
	c := doc.Clone()
	c.ID = uuid.NewString()
	c.ParentID = parentID
	c.Path = p
	c.Name = path.Base(p)
	c.IsVersion, c.IsCheckedIn = false, false
	c.VersionSeriesID, c.BaseVersionID = "", ""
	c.IsLatestVersion, c.IsLatestMajorVersion = false, false
	c.VersionCreated, c.VersionDescription = nil, ""
	c.MajorVersion, c.MinorVersion = 0, 0
	c.LockOwner, c.LockCreated = "", nil
	c.Created, c.Modified = now, now
	c.ChangeToken = 0
	c.SessionID = s.id
	if err := setVersionProperties(c); err != nil {
		return nil, err
	}
	c.Properties.ClearDirty()
	return c, nil
}
