package model

import (
	"path"
	"strings"
	"time"

	"github.com/juju/errors"

	"ecm/internal/security"
	"ecm/internal/versioning"
)

// Facet names.
const (
	FacetFolderish           = "Folderish"
	FacetVersionable         = "Versionable"
	FacetOrderable           = "Orderable"
	FacetCollection          = "Collection"
	FacetNotCollectionMember = "NotCollectionMember"
	FacetCollectionMember    = "CollectionMember"
	FacetPicture             = "Picture"
	FacetCommentable         = "Commentable"
	FacetHiddenInNavigation  = "HiddenInNavigation"
)

// Well-known property names.
const (
	PropTitle           = "dc:title"
	PropDescription     = "dc:description"
	PropCreator         = "dc:creator"
	PropCreated         = "dc:created"
	PropModified        = "dc:modified"
	PropLastContributor = "dc:lastContributor"
	PropContributors    = "dc:contributors"
	PropContent         = "file:content"
	PropFiles           = "files:files"
	PropMajorVersion    = "uid:major_version"
	PropMinorVersion    = "uid:minor_version"
)

// Document is a repository document: identity, hierarchy, type, state, security and
// schema properties. SessionID is set while the document is attached to a session.
type Document struct {
	ID              string   `json:"uid"`
	Repository      string   `json:"repository"`
	ParentID        string   `json:"parentRef,omitempty"`
	Name            string   `json:"name"`
	Path            string   `json:"path"`
	Type            string   `json:"type"`
	Facets          []string `json:"facets,omitempty"`
	LifeCycleState  string   `json:"state,omitempty"`
	LifeCyclePolicy string   `json:"lifeCyclePolicy,omitempty"`

	MajorVersion         int64      `json:"majorVersion"`
	MinorVersion         int64      `json:"minorVersion"`
	IsVersion            bool       `json:"isVersion"`
	IsCheckedIn          bool       `json:"isCheckedIn"`
	VersionSeriesID      string     `json:"versionSeriesId,omitempty"`
	BaseVersionID        string     `json:"baseVersionId,omitempty"`
	IsLatestVersion      bool       `json:"isLatestVersion"`
	IsLatestMajorVersion bool       `json:"isLatestMajorVersion"`
	VersionCreated       *time.Time `json:"versionCreated,omitempty"`
	VersionDescription   string     `json:"versionDescription,omitempty"`

	LockOwner   string     `json:"lockOwner,omitempty"`
	LockCreated *time.Time `json:"lockCreated,omitempty"`

	ACP        *security.ACP `json:"acp,omitempty"`
	Properties *Properties   `json:"properties"`
	Fulltext   string        `json:"-"`

	Created     time.Time `json:"created"`
	Modified    time.Time `json:"lastModified"`
	ChangeToken int64     `json:"changeToken"`

	SessionID   string         `json:"-"`
	ContextData map[string]any `json:"-"`

	// parentPath is the target folder of an unsaved model created without a name.
	parentPath string
}

// ValidateName rejects names that cannot be a path segment.
func ValidateName(name string) error {
	if strings.Contains(name, "/") {
		return errors.NotValidf("document name %q containing '/'", name)
	}
	return nil
}

// NewDocument returns an unsaved document model to be created under parentPath.
func NewDocument(parentPath, name, docType string) (*Document, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	root := parentPath == "" && name == ""
	if parentPath == "" {
		parentPath = "/"
	}
	doc := &Document{
		Name:        name,
		Path:        parentPath,
		Type:        docType,
		Properties:  NewProperties(nil),
		ContextData: map[string]any{},
	}
	if name != "" {
		doc.Path = path.Join(parentPath, name)
	} else if !root {
		doc.parentPath = parentPath
	}
	return doc, nil
}

// Ref returns an id reference when the document is saved, a path reference otherwise.
func (d *Document) Ref() DocumentRef {
	if d.ID != "" {
		return IDRef(d.ID)
	}
	return PathRef(d.Path)
}

// ParentPath returns the path of the parent folder.
func (d *Document) ParentPath() string {
	if d.Name == "" && d.parentPath != "" {
		return d.parentPath
	}
	if d.Path == "/" || d.Path == "" {
		return ""
	}
	return path.Dir(d.Path)
}

// HasFacet reports whether the document carries facet.
func (d *Document) HasFacet(facet string) bool {
	for _, f := range d.Facets {
		if f == facet {
			return true
		}
	}
	return false
}

// AddFacet adds a dynamic facet, returning false if already present.
func (d *Document) AddFacet(facet string) bool {
	if d.HasFacet(facet) {
		return false
	}
	d.Facets = append(d.Facets, facet)
	return true
}

// RemoveFacet removes a dynamic facet, returning false if absent.
func (d *Document) RemoveFacet(facet string) bool {
	for i, f := range d.Facets {
		if f == facet {
			d.Facets = append(d.Facets[:i:i], d.Facets[i+1:]...)
			return true
		}
	}
	return false
}

// IsFolder reports whether the document can hold children.
func (d *Document) IsFolder() bool {
	return d.HasFacet(FacetFolderish)
}

// IsVersionable reports whether the document may be checked in.
func (d *Document) IsVersionable() bool {
	return d.HasFacet(FacetVersionable)
}

// IsCheckedOut is the opposite of IsCheckedIn for live documents.
func (d *Document) IsCheckedOut() bool {
	return !d.IsVersion && !d.IsCheckedIn
}

// IsLocked reports whether someone holds the lock.
func (d *Document) IsLocked() bool {
	return d.LockOwner != ""
}

// VersionLabel returns major.minor, with a "+" for a modified checked out document.
func (d *Document) VersionLabel() string {
	return versioning.Label(d.MajorVersion, d.MinorVersion, d.IsCheckedOut(), d.BaseVersionID != "")
}

// Title returns dc:title, falling back to the name.
func (d *Document) Title() string {
	if t := d.Properties.String(PropTitle); t != "" {
		return t
	}
	return d.Name
}

// PropertyValue returns the value at xpath.
func (d *Document) PropertyValue(xpath string) (any, error) {
	return d.Properties.Get(xpath)
}

// SetPropertyValue assigns the value at xpath.
func (d *Document) SetPropertyValue(xpath string, v any) error {
	return d.Properties.Set(xpath, v)
}

// IsDirty reports whether properties changed since the document was loaded or saved.
func (d *Document) IsDirty() bool {
	return d.Properties.IsDirty()
}

// Detach disconnects the document from its session.
func (d *Document) Detach() {
	d.SessionID = ""
}

// Attach connects a detached document to sessionID.
func (d *Document) Attach(sessionID string) error {
	if d.SessionID != "" {
		return errors.NewNotValid(nil, "Cannot attach a document that is already attached")
	}
	d.SessionID = sessionID
	return nil
}

// PutContextData stores a transient value that is never persisted.
func (d *Document) PutContextData(key string, v any) {
	if d.ContextData == nil {
		d.ContextData = map[string]any{}
	}
	d.ContextData[key] = v
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	c := *d
	c.Facets = append([]string(nil), d.Facets...)
	c.ACP = d.ACP.Clone()
	if d.Properties != nil {
		c.Properties = d.Properties.Clone()
	}
	if d.VersionCreated != nil {
		t := *d.VersionCreated
		c.VersionCreated = &t
	}
	if d.LockCreated != nil {
		t := *d.LockCreated
		c.LockCreated = &t
	}
	c.ContextData = make(map[string]any, len(d.ContextData))
	for k, v := range d.ContextData {
		c.ContextData[k] = v
	}
	return &c
}
