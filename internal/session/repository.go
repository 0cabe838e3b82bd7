// Package session implements the document operations of a principal on a repository:
// security checks, events, versioning, locks and lifecycle on top of a DocumentStore.
package session

import (
	"context"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"ecm/internal/blob"
	"ecm/internal/cache"
	"ecm/internal/convert"
	"ecm/internal/event"
	"ecm/internal/imaging"
	"ecm/internal/logging"
	"ecm/internal/model"
	"ecm/internal/nxql"
	"ecm/internal/pathsegment"
	"ecm/internal/repository"
	"ecm/internal/schema"
	"ecm/internal/security"
	"ecm/internal/work"
)

// Groups granted on the root of a new repository.
const (
	MembersGroup = "members"
)

// Config lists the services a repository runs on. Store, Types and Blobs are required.
type Config struct {
	Name       string
	Store      repository.DocumentStore
	Types      *schema.Registry
	Blobs      *blob.Manager
	Events     *event.Service
	Cache      cache.Cache
	Works      *work.Manager
	Converters *convert.Registry
	Views      []imaging.ViewDefinition
	Clock      clock.Clock
	Log        *zap.Logger
}

// Repository is a named document repository. Sessions opened on it share its services.
type Repository struct {
	name     string
	store    repository.DocumentStore
	types    *schema.Registry
	blobs    *blob.Manager
	events   *event.Service
	works    *work.Manager
	env      *work.Env
	checker  *security.Checker
	segments *pathsegment.Service
	clock    clock.Clock
	log      *zap.Logger
}

// NewRepository wires a repository. The built-in listeners are registered on cfg.Events
// and the bundled work factories on cfg.Works.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Store == nil || cfg.Types == nil || cfg.Blobs == nil {
		return nil, errors.NotValidf("repository without store, types or blob manager")
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Log == nil {
		cfg.Log = logging.Nop()
	}
	if cfg.Events == nil {
		cfg.Events = event.NewService(cfg.Log)
	}
	if cfg.Converters == nil {
		cfg.Converters = convert.NewRegistry()
	}
	if cfg.Views == nil {
		cfg.Views = imaging.DefaultViews()
	}
	log := cfg.Log.With(logging.Component("repository"), zap.String("repository", cfg.Name))

	store := cfg.Store
	if cfg.Cache != nil {
		store = newCachedStore(store, cfg.Cache, log)
	}
	r := &Repository{
		name:     cfg.Name,
		store:    store,
		types:    cfg.Types,
		blobs:    cfg.Blobs,
		events:   cfg.Events,
		works:    cfg.Works,
		checker:  security.NewChecker(cfg.Clock),
		segments: pathsegment.New(0),
		clock:    cfg.Clock,
		log:      log,
	}
	r.env = &work.Env{
		Repository: r.name,
		Store:      store,
		Types:      r.types,
		Blobs:      r.blobs,
		Converters: cfg.Converters,
		Views:      cfg.Views,
		Marker:     r,
	}
	if err := r.events.AddListener(dublinCoreListenerName, &dublinCoreListener{clock: r.clock}, event.AboutToCreate, event.BeforeDocumentModification); err != nil {
		return nil, errors.Trace(err)
	}
	if r.works != nil {
		r.env.RegisterFactories(r.works)
		r.events.SetScheduler(r.works)
		r.events.RegisterWorkFactory(r.works)
	}
	return r, nil
}

// Name returns the repository name.
func (r *Repository) Name() string { return r.name }

// Store returns the document store, behind the document cache when one is configured.
func (r *Repository) Store() repository.DocumentStore { return r.store }

// Types returns the type registry.
func (r *Repository) Types() *schema.Registry { return r.types }

// Blobs returns the blob manager.
func (r *Repository) Blobs() *blob.Manager { return r.blobs }

// Events returns the event service.
func (r *Repository) Events() *event.Service { return r.events }

// WorkEnv returns the environment of the bundled work.
func (r *Repository) WorkEnv() *work.Env { return r.env }

// Init creates the root document of an empty repository.
func (r *Repository) Init(ctx context.Context) error {
	_, err := r.store.GetByPath(ctx, "/")
	if err == nil {
		return nil
	}
	if !errors.Is(err, errors.NotFound) {
		return errors.Annotate(err, "looking up root")
	}
	root, err := model.NewDocument("", "", "Root")
	if err != nil {
		return errors.Trace(err)
	}
	root.ID = uuid.NewString()
	root.Repository = r.name
	root.Facets = r.types.Facets("Root")
	root.LifeCyclePolicy = r.types.LifeCyclePolicy("Root")
	root.ACP = security.NewACP()
	root.ACP.AddACE(security.LocalACL, security.NewACE(security.AdministratorsGroup, security.Everything, true))
	root.ACP.AddACE(security.LocalACL, security.NewACE(MembersGroup, security.Read, true))
	now := r.clock.Now().UTC()
	root.Created, root.Modified = now, now
	if err := r.store.Create(ctx, root); err != nil {
		return errors.Annotate(err, "creating root")
	}
	r.log.Info("repository initialized", logging.Event("repository_init"), zap.String("root_id", root.ID))
	return nil
}

// Open starts a session for p.
func (r *Repository) Open(p security.Principal) *Session {
	return &Session{repo: r, principal: p, id: uuid.NewString()}
}

// MarkReferencedBinaries calls mark with the key of every blob referenced by a document,
// versions included.
func (r *Repository) MarkReferencedBinaries(ctx context.Context, mark func(key string)) error {
	res, err := r.store.Query(ctx, nxql.MustParse("SELECT * FROM Document"), repository.PageQuery{})
	if err != nil {
		return errors.Annotate(err, "listing documents")
	}
	for _, doc := range res.Items {
		if err := r.types.Bind(doc); err != nil {
			return errors.Trace(err)
		}
		for _, b := range blob.Blobs(doc.Properties.Map()) {
			if b.IsSaved() {
				mark(b.Key)
			}
		}
	}
	return nil
}

// Ping checks the store.
func (r *Repository) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}
