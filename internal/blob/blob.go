// Package blob stores document binaries in object storage, content addressed by MD5 digest,
// and garbage collects the ones no document references anymore.
package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"ecm/internal/logging"
	"ecm/internal/model"
	"ecm/internal/storage"
)

// Prefix is the object key prefix of every binary.
const Prefix = "blobs/"

// ErrGCInProgress is returned when a collection is started while another one runs.
const ErrGCInProgress = errors.ConstError("binaries garbage collection already in progress")

// Status summarizes a garbage collection run.
type Status struct {
	NumBinaries    int64     `json:"numBinaries"`
	SizeBinaries   int64     `json:"sizeBinaries"`
	NumBinariesGC  int64     `json:"numBinariesGC"`
	SizeBinariesGC int64     `json:"sizeBinariesGC"`
	GCDuration     int64     `json:"gcDuration"`
	Deleted        bool      `json:"deleted"`
	Started        time.Time `json:"started"`
}

// Marker reports the binaries still referenced by calling mark for each of their keys.
type Marker interface {
	MarkReferencedBinaries(ctx context.Context, mark func(key string)) error
}

// MarkerFunc adapts a function to Marker.
type MarkerFunc func(ctx context.Context, mark func(key string)) error

func (f MarkerFunc) MarkReferencedBinaries(ctx context.Context, mark func(key string)) error {
	return f(ctx, mark)
}

// Manager writes and reads binaries. It is safe for concurrent use.
type Manager struct {
	store storage.Storage
	log   *zap.Logger

	mu     sync.Mutex
	marked map[string]bool
	status Status
}

// NewManager returns a manager storing binaries in st.
func NewManager(st storage.Storage, log *zap.Logger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{store: st, log: log.With(logging.Component("blob"))}
}

func objectKey(digest string) string {
	return Prefix + digest
}

// Write stores the content of r and returns b completed with its digest, length and key.
// Identical content is stored once.
func (m *Manager) Write(ctx context.Context, b *model.Blob, r io.Reader) (*model.Blob, error) {
	if b == nil {
		return nil, errors.NotValidf("nil blob")
	}
	tmp, err := os.CreateTemp("", "ecm-blob-*")
	if err != nil {
		return nil, errors.Annotate(err, "spooling blob")
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		return nil, errors.Annotate(err, "reading blob content")
	}
	digest := hex.EncodeToString(h.Sum(nil))
	key := objectKey(digest)

	if _, err := m.store.Stat(ctx, key); err == nil {
		m.log.Debug("blob already stored", logging.Event("blob_dedup"), zap.String("digest", digest))
	} else if !errors.Is(err, errors.NotFound) {
		return nil, errors.Trace(err)
	} else {
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return nil, errors.Trace(err)
		}
		ct := b.MimeType
		if ct == "" {
			ct = "application/octet-stream"
		}
		if _, err := m.store.Put(ctx, key, tmp, storage.PutObjectOptions{Size: n, ContentType: ct}); err != nil {
			return nil, errors.Annotatef(err, "storing blob %s", digest)
		}
	}

	saved := b.Clone()
	saved.Digest = digest
	saved.Length = n
	saved.Key = digest
	saved.Data = nil
	m.mark(digest)
	return saved, nil
}

// Save writes the inline content of an unsaved blob. Saved blobs are returned as is.
func (m *Manager) Save(ctx context.Context, b *model.Blob) (*model.Blob, error) {
	if b.IsSaved() && b.Data == nil {
		return b, nil
	}
	return m.Write(ctx, b, bytes.NewReader(b.Data))
}

// Read returns the content of b. Unsaved blobs are read from their inline data.
func (m *Manager) Read(ctx context.Context, b *model.Blob) (io.ReadCloser, error) {
	if b == nil {
		return nil, errors.NotValidf("nil blob")
	}
	if !b.IsSaved() {
		return io.NopCloser(bytes.NewReader(b.Data)), nil
	}
	rc, _, err := m.store.Get(ctx, objectKey(b.Key))
	if err != nil {
		return nil, errors.Trace(err)
	}
	return rc, nil
}

// URI returns a time limited download URL for a saved blob.
func (m *Manager) URI(ctx context.Context, b *model.Blob, expiry time.Duration) (string, error) {
	if !b.IsSaved() {
		return "", errors.NotValidf("unsaved blob %q", b.Filename)
	}
	return m.store.PresignGet(ctx, objectKey(b.Key), expiry)
}

// IsGCInProgress reports whether a garbage collection is running.
func (m *Manager) IsGCInProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marked != nil
}

// MarkReferenced records key as in use by the running garbage collection. It is a no-op otherwise.
func (m *Manager) MarkReferenced(key string) {
	m.mark(key)
}

func (m *Manager) mark(key string) {
	m.mu.Lock()
	if m.marked != nil {
		m.marked[key] = true
	}
	m.mu.Unlock()
}

// Status returns the result of the last garbage collection.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// GarbageCollect marks the binaries reported by marker then sweeps the others, deleting them when
// del is true. Binaries written while the collection runs are kept.
func (m *Manager) GarbageCollect(ctx context.Context, marker Marker, del bool) (Status, error) {
	start := time.Now()
	m.mu.Lock()
	if m.marked != nil {
		m.mu.Unlock()
		return Status{}, ErrGCInProgress
	}
	m.marked = map[string]bool{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.marked = nil
		m.mu.Unlock()
	}()

	log := m.log.With(logging.Event("blob_gc"))
	log.Info("binaries garbage collection started", zap.Bool("delete", del))

	if err := marker.MarkReferencedBinaries(ctx, m.MarkReferenced); err != nil {
		log.Error("marking binaries failed", logging.Status("failed"), logging.ErrorMessage(err))
		return Status{}, errors.Annotate(err, "marking binaries")
	}
	objects, err := m.store.List(ctx, Prefix)
	if err != nil {
		return Status{}, errors.Annotate(err, "listing binaries")
	}

	st := Status{Started: start, Deleted: del}
	for _, obj := range objects {
		key := obj.Key[len(Prefix):]
		m.mu.Lock()
		used := m.marked[key]
		m.mu.Unlock()
		if used {
			st.NumBinaries++
			st.SizeBinaries += obj.Size
			continue
		}
		st.NumBinariesGC++
		st.SizeBinariesGC += obj.Size
		if del {
			if err := m.store.Delete(ctx, obj.Key); err != nil {
				return st, errors.Annotatef(err, "deleting binary %s", key)
			}
		}
	}
	st.GCDuration = time.Since(start).Milliseconds()

	m.mu.Lock()
	m.status = st
	m.mu.Unlock()
	log.Info("binaries garbage collection done",
		logging.Status("success"),
		logging.Duration(start),
		zap.Int64("kept", st.NumBinaries),
		zap.Int64("garbage", st.NumBinariesGC),
	)
	return st, nil
}

// Blobs returns the blobs found in property values, depth first.
func Blobs(values map[string]any) []*model.Blob {
	var out []*model.Blob
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case *model.Blob:
			if t != nil {
				out = append(out, t)
			}
		case map[string]any:
			for _, k := range sortedKeys(t) {
				walk(t[k])
			}
		case []any:
			for _, e := range t {
				walk(e)
			}
		}
	}
	for _, k := range sortedKeys(values) {
		walk(values[k])
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
