package model

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"strconv"

	"github.com/juju/errors"
)

// Blob sub-field names usable in xpaths such as file:content/name.
const (
	BlobName     = "name"
	BlobMimeType = "mime-type"
	BlobEncoding = "encoding"
	BlobDigest   = "digest"
	BlobLength   = "length"
	BlobData     = "data"
)

// Blob is binary content referenced by a document property. Data is only set until the
// blob manager saves it, after which Key identifies the stored binary.
type Blob struct {
	Filename string `json:"name" bson:"name"`
	MimeType string `json:"mime-type" bson:"mime-type"`
	Encoding string `json:"encoding,omitempty" bson:"encoding,omitempty"`
	Digest   string `json:"digest" bson:"digest"`
	Length   int64  `json:"length" bson:"length"`
	Key      string `json:"data" bson:"data"`
	Data     []byte `json:"-" bson:"-"`
}

// NewBlob returns an unsaved blob holding data.
func NewBlob(data []byte, filename, mimeType string) *Blob {
	sum := md5.Sum(data)
	return &Blob{
		Filename: filename,
		MimeType: mimeType,
		Digest:   hex.EncodeToString(sum[:]),
		Length:   int64(len(data)),
		Data:     data,
	}
}

// IsSaved reports whether the binary lives in the blob store.
func (b *Blob) IsSaved() bool {
	return b != nil && b.Key != ""
}

// Equal compares metadata and inline content.
func (b *Blob) Equal(o *Blob) bool {
	if b == nil || o == nil {
		return b == o
	}
	return b.Filename == o.Filename &&
		b.MimeType == o.MimeType &&
		b.Encoding == o.Encoding &&
		b.Digest == o.Digest &&
		b.Length == o.Length &&
		b.Key == o.Key &&
		bytes.Equal(b.Data, o.Data)
}

// Clone copies the blob including inline data.
func (b *Blob) Clone() *Blob {
	if b == nil {
		return nil
	}
	c := *b
	if b.Data != nil {
		c.Data = append([]byte(nil), b.Data...)
	}
	return &c
}

// Field returns a sub-field value.
func (b *Blob) Field(name string) (any, error) {
	switch name {
	case BlobName:
		return b.Filename, nil
	case BlobMimeType:
		return b.MimeType, nil
	case BlobEncoding:
		return b.Encoding, nil
	case BlobDigest:
		return b.Digest, nil
	case BlobLength:
		return b.Length, nil
	case BlobData:
		return b.Key, nil
	}
	return nil, errors.NotFoundf("blob field %q", name)
}

// SetField updates a sub-field. Content is not writable this way.
func (b *Blob) SetField(name string, v any) error {
	s, isString := v.(string)
	switch name {
	case BlobName, BlobMimeType, BlobEncoding, BlobDigest:
		if !isString && v != nil {
			return errors.NotValidf("blob field %q value %T", name, v)
		}
		switch name {
		case BlobName:
			b.Filename = s
		case BlobMimeType:
			b.MimeType = s
		case BlobEncoding:
			b.Encoding = s
		default:
			b.Digest = s
		}
		return nil
	case BlobLength:
		switch n := v.(type) {
		case int64:
			b.Length = n
		case int:
			b.Length = int64(n)
		case int32:
			b.Length = int64(n)
		case float64:
			b.Length = int64(n)
		case string:
			l, err := strconv.ParseInt(n, 10, 64)
			if err != nil {
				return errors.NotValidf("blob length %q", n)
			}
			b.Length = l
		default:
			return errors.NotValidf("blob length value %T", v)
		}
		return nil
	case BlobData:
		return errors.NotSupportedf("setting blob content through a property path")
	}
	return errors.NotFoundf("blob field %q", name)
}

// Map is the storage form of a saved blob.
func (b *Blob) Map() map[string]any {
	m := map[string]any{
		BlobName:     b.Filename,
		BlobMimeType: b.MimeType,
		BlobDigest:   b.Digest,
		BlobLength:   b.Length,
		BlobData:     b.Key,
	}
	if b.Encoding != "" {
		m[BlobEncoding] = b.Encoding
	}
	return m
}

// BlobFromMap rebuilds a blob from its storage form.
func BlobFromMap(m map[string]any) (*Blob, error) {
	b := &Blob{}
	for k, v := range m {
		if k == BlobData {
			s, _ := v.(string)
			b.Key = s
			continue
		}
		if err := b.SetField(k, v); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return b, nil
}
