// Package collections groups documents into user collections. Membership is recorded on
// both sides: the collection lists its members and every member lists its collections.
package collections

import (
	"context"
	"path"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"ecm/internal/event"
	"ecm/internal/logging"
	"ecm/internal/model"
	"ecm/internal/repository"
	"ecm/internal/security"
	"ecm/internal/session"
)

const (
	PropDocumentIDs   = "collection:documentIds"
	PropCollectionIDs = "collectionMember:collectionIds"

	// CollectionType is the document type created by AddToNewCollection.
	CollectionType = "Collection"
	// DefaultRoot holds one folder of collections per user.
	DefaultRoot = "/Collections"
)

// Manager implements the collection operations on top of sessions.
type Manager struct {
	root string
	log  *zap.Logger
}

// NewManager returns a manager creating new collections under root/<username>.
func NewManager(root string, log *zap.Logger) *Manager {
	if root == "" {
		root = DefaultRoot
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{root: path.Clean(root), log: log.With(logging.Component("collections"))}
}

// IsCollection reports whether doc is a collection.
func (m *Manager) IsCollection(doc *model.Document) bool {
	return doc.HasFacet(model.FacetCollection)
}

// IsCollectable reports whether doc may be added to a collection.
func (m *Manager) IsCollectable(doc *model.Document) bool {
	return !doc.HasFacet(model.FacetNotCollectionMember)
}

// IsCollected reports whether doc belongs to at least one collection.
func (m *Manager) IsCollected(doc *model.Document) bool {
	return len(ids(doc, PropCollectionIDs)) > 0
}

// IsInCollection reports whether doc is a member of collection.
func (m *Manager) IsInCollection(collection, doc *model.Document) bool {
	return indexOf(ids(collection, PropDocumentIDs), doc.ID) >= 0
}

// CanAddToCollection reports whether collection is a collection the session may modify.
func (m *Manager) CanAddToCollection(ctx context.Context, s *session.Session, collection *model.Document) (bool, error) {
	if !m.IsCollection(collection) {
		return false, nil
	}
	return s.HasPermission(ctx, collection.Ref(), security.WriteProperties)
}

func (m *Manager) writableCollection(ctx context.Context, s *session.Session, ref model.DocumentRef) (*model.Document, error) {
	collection, err := s.GetDocument(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !m.IsCollection(collection) {
		return nil, errors.NotValidf("%s is not a collection", collection.Path)
	}
	ok, err := m.CanAddToCollection(ctx, s, collection)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Forbiddenf("modifying collection %s", collection.ID)
	}
	return collection, nil
}

// AddToCollection adds a document to a collection. Adding a member twice is a no-op.
func (m *Manager) AddToCollection(ctx context.Context, s *session.Session, collectionRef, docRef model.DocumentRef) error {
	collection, err := m.writableCollection(ctx, s, collectionRef)
	if err != nil {
		return err
	}
	doc, err := s.GetDocument(ctx, docRef)
	if err != nil {
		return err
	}
	if !m.IsCollectable(doc) {
		return errors.NotValidf("document %s cannot be added to a collection", doc.ID)
	}
	if m.IsInCollection(collection, doc) {
		return nil
	}

	members := append(ids(collection, PropDocumentIDs), doc.ID)
	if err := collection.SetPropertyValue(PropDocumentIDs, toList(members)); err != nil {
		return errors.Trace(err)
	}
	if _, err := s.SaveDocument(ctx, collection); err != nil {
		return errors.Annotatef(err, "adding %s to collection %s", doc.ID, collection.ID)
	}

	sys := system(s)
	if err := m.updateMember(ctx, sys, doc.ID, func(member *model.Document) (bool, error) {
		if _, err := sys.AddFacet(member, model.FacetCollectionMember); err != nil {
			return false, err
		}
		current := ids(member, PropCollectionIDs)
		if indexOf(current, collection.ID) >= 0 {
			return false, nil
		}
		return true, member.SetPropertyValue(PropCollectionIDs, toList(append(current, collection.ID)))
	}); err != nil {
		return err
	}
	m.log.Debug("document added to collection", logging.Event("collection_add"),
		zap.String("doc_id", doc.ID), zap.String("collection_id", collection.ID))
	return m.fire(ctx, s, event.AddedToCollection, doc, collection.ID)
}

// AddToNewCollection creates a collection in the user's collections folder and adds the
// document to it.
func (m *Manager) AddToNewCollection(ctx context.Context, s *session.Session, title, description string, docRef model.DocumentRef) (*model.Document, error) {
	collection, err := m.CreateCollection(ctx, s, title, description, "")
	if err != nil {
		return nil, err
	}
	if err := m.AddToCollection(ctx, s, collection.Ref(), docRef); err != nil {
		return nil, err
	}
	return s.GetDocument(ctx, collection.Ref())
}

// CreateCollection creates an empty collection under parentPath, or in the user's
// collections folder when parentPath is empty.
func (m *Manager) CreateCollection(ctx context.Context, s *session.Session, title, description, parentPath string) (*model.Document, error) {
	if parentPath == "" {
		folder, err := m.UserCollections(ctx, s)
		if err != nil {
			return nil, err
		}
		parentPath = folder.Path
	}
	doc, err := s.CreateDocumentModel(ctx, parentPath, "", CollectionType)
	if err != nil {
		return nil, err
	}
	if err := doc.SetPropertyValue(model.PropTitle, title); err != nil {
		return nil, errors.Trace(err)
	}
	if description != "" {
		if err := doc.SetPropertyValue(model.PropDescription, description); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return s.CreateDocument(ctx, doc)
}

// UserCollections returns the folder holding the collections of the session user, creating
// it when missing. Only the user and administrators can access it.
func (m *Manager) UserCollections(ctx context.Context, s *session.Session) (*model.Document, error) {
	sys := system(s)
	root, err := m.ensureFolder(ctx, sys, m.root, nil)
	if err != nil {
		return nil, err
	}
	user := s.Principal().Name
	acp := security.NewACP()
	acp.BlockInheritance(security.LocalACL, user)
	acp.AddACE(security.LocalACL, security.NewACE(security.AdministratorsGroup, security.Everything, true))
	return m.ensureFolder(ctx, sys, path.Join(root.Path, user), acp)
}

func (m *Manager) ensureFolder(ctx context.Context, sys *session.Session, p string, acp *security.ACP) (*model.Document, error) {
	doc, err := sys.GetDocument(ctx, model.PathRef(p))
	if err == nil || !errors.Is(err, errors.NotFound) {
		return doc, err
	}
	doc, err = sys.CreateDocumentModel(ctx, path.Dir(p), path.Base(p), "Folder")
	if err != nil {
		return nil, err
	}
	if err := doc.SetPropertyValue(model.PropTitle, path.Base(p)); err != nil {
		return nil, errors.Trace(err)
	}
	if doc, err = sys.CreateDocument(ctx, doc); err != nil {
		return nil, errors.Annotatef(err, "creating collections folder %s", p)
	}
	if acp != nil {
		if err := sys.SetACP(ctx, doc.Ref(), acp, true); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// RemoveFromCollection removes a document from a collection.
func (m *Manager) RemoveFromCollection(ctx context.Context, s *session.Session, collectionRef, docRef model.DocumentRef) error {
	collection, err := m.writableCollection(ctx, s, collectionRef)
	if err != nil {
		return err
	}
	doc, err := s.GetDocument(ctx, docRef)
	if err != nil {
		return err
	}
	members := ids(collection, PropDocumentIDs)
	i := indexOf(members, doc.ID)
	if i < 0 {
		m.log.Warn("document is not a member of the collection", logging.Event("collection_remove"),
			zap.String("doc_id", doc.ID), zap.String("collection_id", collection.ID))
		return nil
	}
	if err := collection.SetPropertyValue(PropDocumentIDs, toList(append(members[:i], members[i+1:]...))); err != nil {
		return errors.Trace(err)
	}
	if _, err := s.SaveDocument(ctx, collection); err != nil {
		return errors.Annotatef(err, "removing %s from collection %s", doc.ID, collection.ID)
	}
	if err := m.updateMember(ctx, system(s), doc.ID, func(member *model.Document) (bool, error) {
		return without(member, PropCollectionIDs, collection.ID)
	}); err != nil {
		return err
	}
	return m.fire(ctx, s, event.RemovedFromCollection, doc, collection.ID)
}

// Members returns the page of the collection members readable by the session, in the order
// they were added.
func (m *Manager) Members(ctx context.Context, s *session.Session, collectionRef model.DocumentRef, pq repository.PageQuery) (*repository.PageResult[*model.Document], error) {
	collection, err := s.GetDocument(ctx, collectionRef)
	if err != nil {
		return nil, err
	}
	if !m.IsCollection(collection) {
		return nil, errors.NotValidf("%s is not a collection", collection.Path)
	}
	return repository.Paginate(m.visible(ctx, s, ids(collection, PropDocumentIDs)), pq), nil
}

// VisibleCollections returns the collections of a document readable by the session.
func (m *Manager) VisibleCollections(ctx context.Context, s *session.Session, docRef model.DocumentRef) ([]*model.Document, error) {
	doc, err := s.GetDocument(ctx, docRef)
	if err != nil {
		return nil, err
	}
	return m.visible(ctx, s, ids(doc, PropCollectionIDs)), nil
}

func (m *Manager) visible(ctx context.Context, s *session.Session, docIDs []string) []*model.Document {
	out := make([]*model.Document, 0, len(docIDs))
	for _, id := range docIDs {
		d, err := s.GetDocument(ctx, model.IDRef(id))
		if err != nil {
			if !errors.Is(err, errors.NotFound) && !errors.Is(err, errors.Forbidden) {
				m.log.Warn("skipping unreadable document", zap.String("doc_id", id), logging.ErrorMessage(err))
			}
			continue
		}
		out = append(out, d)
	}
	return out
}

// updateMember applies mutate to a document as the system user, without touching its
// dublincore metadata. Versions are written directly since they cannot be saved.
func (m *Manager) updateMember(ctx context.Context, sys *session.Session, id string, mutate func(doc *model.Document) (bool, error)) error {
	doc, err := sys.GetDocument(ctx, model.IDRef(id))
	if errors.Is(err, errors.NotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	changed, err := mutate(doc)
	if err != nil {
		return errors.Annotatef(err, "document %s", id)
	}
	if !changed {
		return nil
	}
	if doc.IsVersion {
		return errors.Annotatef(sys.Repository().Store().Update(ctx, doc), "updating version %s", id)
	}
	doc.PutContextData(session.DisableDublinCoreListener, true)
	doc.PutContextData(session.DisableAutoCheckOut, true)
	_, err = sys.SaveDocument(ctx, doc)
	return errors.Annotatef(err, "updating %s", id)
}

func (m *Manager) fire(ctx context.Context, s *session.Session, name string, doc *model.Document, collectionID string) error {
	ev := event.New(name, doc, s.Principal()).With(event.PropCollection, collectionID)
	ev.Category = event.CategoryCollection
	ev.Repository = s.Repository().Name()
	ev.SessionID = s.ID()
	return s.Repository().Events().Fire(ctx, ev)
}

func system(s *session.Session) *session.Session {
	return s.Repository().Open(security.System())
}

// ids reads a list of ids property, nil when the document lacks it.
func ids(doc *model.Document, xpath string) []string {
	v, err := doc.PropertyValue(xpath)
	if err != nil {
		return nil
	}
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func without(doc *model.Document, xpath, id string) (bool, error) {
	current := ids(doc, xpath)
	i := indexOf(current, id)
	if i < 0 {
		return false, nil
	}
	return true, doc.SetPropertyValue(xpath, toList(append(current[:i], current[i+1:]...)))
}

func toList(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
