package model

import "strings"

// RefKind tells how a DocumentRef designates its document.
type RefKind int

const (
	IDRefKind RefKind = iota + 1
	PathRefKind
)

// DocumentRef designates a document by id or by path.
type DocumentRef struct {
	Kind  RefKind
	Value string
}

// IDRef references a document by id.
func IDRef(id string) DocumentRef {
	return DocumentRef{Kind: IDRefKind, Value: id}
}

// PathRef references a document by absolute path.
func PathRef(path string) DocumentRef {
	if path == "" || !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return DocumentRef{Kind: PathRefKind, Value: path}
}

// IsZero reports whether the reference is unset.
func (r DocumentRef) IsZero() bool {
	return r.Kind == 0
}

func (r DocumentRef) String() string {
	if r.Kind == PathRefKind {
		return r.Value
	}
	return "id:" + r.Value
}
