// Package convert extracts plain text from binaries, mainly to feed the fulltext index.
package convert

import (
	"context"
	"io"
	"mime"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"
)

// Converter turns content into plain text.
type Converter interface {
	ToText(ctx context.Context, r io.Reader) (string, error)
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(ctx context.Context, r io.Reader) (string, error)

func (f ConverterFunc) ToText(ctx context.Context, r io.Reader) (string, error) {
	return f(ctx, r)
}

// Registry selects a converter by source mime type.
type Registry struct {
	mu         sync.RWMutex
	converters map[string]Converter
}

// NewRegistry returns a registry knowing plain text, HTML, JSON and XML.
func NewRegistry() *Registry {
	r := &Registry{converters: map[string]Converter{}}
	r.Register(Passthrough, "text/plain", "application/json", "text/xml", "application/xml", "text/csv", "text/markdown")
	r.Register(HTML, "text/html", "application/xhtml+xml")
	return r
}

// Register binds c to mime types, replacing previous bindings.
func (r *Registry) Register(c Converter, mimeTypes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range mimeTypes {
		r.converters[normalize(m)] = c
	}
}

// MimeTypes returns the supported source types, sorted.
func (r *Registry) MimeTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.converters))
	for m := range r.converters {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func normalize(mimeType string) string {
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// CanConvert reports whether mimeType has a converter.
func (r *Registry) CanConvert(mimeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.converters[normalize(mimeType)]
	return ok
}

// ToText converts content of mimeType, NotSupported when no converter handles it.
func (r *Registry) ToText(ctx context.Context, mimeType string, content io.Reader) (string, error) {
	r.mu.RLock()
	c, ok := r.converters[normalize(mimeType)]
	r.mu.RUnlock()
	if !ok {
		return "", errors.NotSupportedf("conversion of %q to text", mimeType)
	}
	text, err := c.ToText(ctx, content)
	if err != nil {
		return "", errors.Annotatef(err, "converting %s", mimeType)
	}
	return text, nil
}

// Passthrough returns the content unchanged.
var Passthrough = ConverterFunc(func(_ context.Context, r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(b), nil
})
