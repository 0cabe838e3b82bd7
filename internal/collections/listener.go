package collections

import (
	"context"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"ecm/internal/event"
	"ecm/internal/logging"
	"ecm/internal/model"
	"ecm/internal/security"
	"ecm/internal/session"
)

// ListenerName is the name the membership listener is registered under.
const ListenerName = "collectionsListener"

// Register keeps membership consistent when collections or members are copied, checked in
// or removed in repo.
func (m *Manager) Register(repo *session.Repository) error {
	l := &listener{manager: m, repo: repo}
	return repo.Events().AddListener(ListenerName, l,
		event.DocumentCreatedByCopy, event.DocumentCheckedIn, event.DocumentRemoved)
}

type listener struct {
	manager *Manager
	repo    *session.Repository
}

func (l *listener) HandleEvent(ctx context.Context, ev *event.Event) error {
	if ev.Doc == nil {
		return nil
	}
	sys := l.repo.Open(security.System())
	switch ev.Name {
	case event.DocumentCreatedByCopy:
		return l.duplicated(ctx, sys, ev.Doc.ID)
	case event.DocumentCheckedIn:
		id, _ := ev.Properties[event.PropVersionID].(string)
		if id == "" {
			return nil
		}
		return l.duplicated(ctx, sys, id)
	case event.DocumentRemoved:
		return l.removed(ctx, sys, ev.Doc)
	}
	return nil
}

// duplicated handles a copy or a version: a duplicated collection gets the members of its
// source, a duplicated member belongs to no collection.
func (l *listener) duplicated(ctx context.Context, sys *session.Session, id string) error {
	m := l.manager
	doc, err := sys.GetDocument(ctx, model.IDRef(id))
	if err != nil {
		return err
	}
	switch {
	case m.IsCollection(doc):
		m.log.Debug("collection duplicated", logging.Event("collection_copy"), zap.String("collection_id", doc.ID))
		for _, member := range ids(doc, PropDocumentIDs) {
			if err := m.updateMember(ctx, sys, member, func(d *model.Document) (bool, error) {
				if _, err := sys.AddFacet(d, model.FacetCollectionMember); err != nil {
					return false, err
				}
				current := ids(d, PropCollectionIDs)
				if indexOf(current, doc.ID) >= 0 {
					return false, nil
				}
				return true, d.SetPropertyValue(PropCollectionIDs, toList(append(current, doc.ID)))
			}); err != nil {
				return err
			}
		}
	case m.IsCollected(doc) || doc.HasFacet(model.FacetCollectionMember):
		return m.updateMember(ctx, sys, doc.ID, func(d *model.Document) (bool, error) {
			// dropping the facet drops the collectionMember schema values
			return sys.RemoveFacet(d, model.FacetCollectionMember)
		})
	}
	return nil
}

// removed cleans the references to a removed collection or member.
func (l *listener) removed(ctx context.Context, sys *session.Session, doc *model.Document) error {
	m := l.manager
	var (
		refs  []string
		xpath string
	)
	switch {
	case m.IsCollection(doc):
		refs, xpath = ids(doc, PropDocumentIDs), PropCollectionIDs
	case m.IsCollected(doc):
		refs, xpath = ids(doc, PropCollectionIDs), PropDocumentIDs
	default:
		return nil
	}
	var errs []error
	for _, id := range refs {
		if err := m.updateMember(ctx, sys, id, func(d *model.Document) (bool, error) {
			return without(d, xpath, doc.ID)
		}); err != nil {
			m.log.Error("cleaning collection reference failed", logging.Event("collection_cleanup"),
				zap.String("doc_id", id), zap.String("removed_id", doc.ID), logging.ErrorMessage(err))
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Annotatef(errs[0], "cleaning %d references to %s", len(errs), doc.ID)
	}
	return nil
}
