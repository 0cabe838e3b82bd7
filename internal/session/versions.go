package session

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"ecm/internal/event"
	"ecm/internal/model"
	"ecm/internal/nxql"
	"ecm/internal/security"
	"ecm/internal/versioning"
)

// versionsOf returns the versions of the given live documents.
func (s *Session) versionsOf(ctx context.Context, liveIDs []string) ([]*model.Document, error) {
	if len(liveIDs) == 0 {
		return nil, nil
	}
	quoted := make([]string, len(liveIDs))
	for i, id := range liveIDs {
		quoted[i] = nxql.EscapeString(id)
	}
	return s.query(ctx, nxql.ECMVersionVersionableID+" IN ("+strings.Join(quoted, ", ")+") AND "+nxql.ECMIsVersion+" = 1")
}

func sortVersions(versions []*model.Document) {
	sort.SliceStable(versions, func(i, j int) bool {
		a, b := versions[i], versions[j]
		if a.MajorVersion != b.MajorVersion {
			return a.MajorVersion < b.MajorVersion
		}
		return a.MinorVersion < b.MinorVersion
	})
}

// setVersionProperties mirrors the version numbers into the uid schema when the type has it.
func setVersionProperties(doc *model.Document) error {
	if !doc.Properties.Known(model.PropMajorVersion) {
		return nil
	}
	if err := doc.Properties.Set(model.PropMajorVersion, doc.MajorVersion); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(doc.Properties.Set(model.PropMinorVersion, doc.MinorVersion))
}

func (s *Session) versionable(ctx context.Context, ref model.DocumentRef) (*model.Document, error) {
	doc, err := s.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	if doc.IsVersion {
		return nil, errors.NotValidf("version %s cannot be checked in or out", doc.ID)
	}
	if !doc.IsVersionable() {
		return nil, errors.NotValidf("document %s is not versionable", doc.Path)
	}
	if err := s.check(ctx, doc, security.WriteVersion); err != nil {
		return nil, err
	}
	if err := s.checkLock(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// CheckIn snapshots the document into an immutable version numbered according to opt
// (None counts as Minor) and returns the version reference. Checking in a checked in
// document returns its base version.
func (s *Session) CheckIn(ctx context.Context, ref model.DocumentRef, opt versioning.Option, description string) (model.DocumentRef, error) {
	doc, err := s.versionable(ctx, ref)
	if err != nil {
		return model.DocumentRef{}, err
	}
	if doc.IsCheckedIn && doc.BaseVersionID != "" {
		return model.IDRef(doc.BaseVersionID), nil
	}
	if opt == versioning.None {
		opt = versioning.Minor
	}
	if err := s.fire(ctx, s.newEvent(event.AboutToCheckIn, doc)); err != nil {
		return model.DocumentRef{}, err
	}

	previous, err := s.versionsOf(ctx, []string{doc.ID})
	if err != nil {
		return model.DocumentRef{}, err
	}

	now := s.now()
	doc.MajorVersion, doc.MinorVersion = versioning.Increment(doc.MajorVersion, doc.MinorVersion, opt)
	if err := setVersionProperties(doc); err != nil {
		return model.DocumentRef{}, err
	}

	version := doc.Clone()
	version.ID = uuid.NewString()
	version.ParentID, version.Path = "", ""
	version.IsVersion, version.IsCheckedIn = true, true
	version.VersionSeriesID = doc.ID
	version.BaseVersionID = ""
	version.IsLatestVersion = true
	version.IsLatestMajorVersion = version.MinorVersion == 0
	version.VersionCreated = &now
	version.VersionDescription = description
	version.ACP = nil
	version.LockOwner, version.LockCreated = "", nil
	version.Created, version.Modified = now, now
	version.ChangeToken = 0
	version.Properties.ClearDirty()
	if err := s.repo.store.Create(ctx, version); err != nil {
		return model.DocumentRef{}, errors.Annotatef(err, "creating version of %s", doc.Path)
	}

	for _, p := range previous {
		changed := false
		if p.IsLatestVersion {
			p.IsLatestVersion, changed = false, true
		}
		if version.IsLatestMajorVersion && p.IsLatestMajorVersion {
			p.IsLatestMajorVersion, changed = false, true
		}
		if changed {
			if err := s.repo.store.Update(ctx, p); err != nil {
				return model.DocumentRef{}, errors.Annotatef(err, "updating version %s", p.ID)
			}
		}
	}

	doc.IsCheckedIn = true
	doc.BaseVersionID = version.ID
	if err := s.repo.store.Update(ctx, doc); err != nil {
		return model.DocumentRef{}, errors.Annotatef(err, "checking in %s", doc.Path)
	}
	doc.Properties.ClearDirty()

	s.notify(ctx, event.DocumentCheckedIn, doc, map[string]any{
		event.PropVersionID:    version.ID,
		event.PropVersionLabel: version.VersionLabel(),
	})
	return model.IDRef(version.ID), nil
}

// CheckOut makes a checked in document modifiable again.
func (s *Session) CheckOut(ctx context.Context, ref model.DocumentRef) error {
	doc, err := s.versionable(ctx, ref)
	if err != nil {
		return err
	}
	if !doc.IsCheckedIn {
		return nil
	}
	if err := s.fire(ctx, s.newEvent(event.AboutToCheckOut, doc)); err != nil {
		return err
	}
	doc.IsCheckedIn = false
	if err := s.repo.store.Update(ctx, doc); err != nil {
		return errors.Annotatef(err, "checking out %s", doc.Path)
	}
	s.notify(ctx, event.DocumentCheckedOut, doc, nil)
	return nil
}

// live returns the live document of a version, or doc itself.
func (s *Session) live(ctx context.Context, doc *model.Document) (*model.Document, error) {
	if !doc.IsVersion {
		return doc, nil
	}
	return s.fetch(ctx, model.IDRef(doc.VersionSeriesID))
}

// GetVersions returns the versions of a document, oldest first.
func (s *Session) GetVersions(ctx context.Context, ref model.DocumentRef) ([]*model.Document, error) {
	doc, err := s.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	live, err := s.live(ctx, doc)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, live, security.ReadVersion); err != nil {
		return nil, err
	}
	versions, err := s.versionsOf(ctx, []string{live.ID})
	if err != nil {
		return nil, err
	}
	sortVersions(versions)
	return versions, nil
}

// GetLastVersion returns the latest version of a document.
func (s *Session) GetLastVersion(ctx context.Context, ref model.DocumentRef) (*model.Document, error) {
	versions, err := s.GetVersions(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, errors.NotFoundf("version of %s", ref)
	}
	for _, v := range versions {
		if v.IsLatestVersion {
			return v, nil
		}
	}
	return versions[len(versions)-1], nil
}

// RestoreToVersion replaces the properties of a live document with those of one of its
// versions. The document ends up checked in on that version.
func (s *Session) RestoreToVersion(ctx context.Context, ref, versionRef model.DocumentRef) (*model.Document, error) {
	doc, err := s.versionable(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, doc, security.WriteProperties); err != nil {
		return nil, err
	}
	version, err := s.fetch(ctx, versionRef)
	if err != nil {
		return nil, err
	}
	if !version.IsVersion || version.VersionSeriesID != doc.ID {
		return nil, errors.NotValidf("%s is not a version of %s", versionRef, doc.Path)
	}
	before := s.newEvent(event.BeforeRestoringDocument, doc).
		With(event.PropVersionID, version.ID).
		With(event.PropVersionLabel, version.VersionLabel())
	if err := s.fire(ctx, before); err != nil {
		return nil, err
	}

	doc.Properties = version.Properties.Clone()
	doc.Facets = append([]string(nil), version.Facets...)
	if err := s.repo.types.Bind(doc); err != nil {
		return nil, errors.Trace(err)
	}
	doc.Fulltext = version.Fulltext
	doc.MajorVersion, doc.MinorVersion = version.MajorVersion, version.MinorVersion
	doc.IsCheckedIn = true
	doc.BaseVersionID = version.ID
	doc.Modified = s.now()
	if err := s.repo.store.Update(ctx, doc); err != nil {
		return nil, errors.Annotatef(err, "restoring %s", doc.Path)
	}
	doc.Properties.ClearDirty()
	s.notify(ctx, event.DocumentRestored, doc, map[string]any{
		event.PropVersionID:    version.ID,
		event.PropVersionLabel: version.VersionLabel(),
	})
	return doc, nil
}
