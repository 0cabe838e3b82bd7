// Package server wires the configured backends into a running repository and its
// HTTP status surface.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ecm/internal/audit"
	"ecm/internal/blob"
	"ecm/internal/cache"
	"ecm/internal/collections"
	"ecm/internal/config"
	"ecm/internal/database"
	"ecm/internal/database/migration"
	"ecm/internal/event"
	"ecm/internal/http/handler"
	"ecm/internal/http/middleware"
	"ecm/internal/logging"
	"ecm/internal/repository"
	"ecm/internal/repository/memory"
	"ecm/internal/repository/mongostore"
	"ecm/internal/repository/sqlstore"
	"ecm/internal/schema"
	"ecm/internal/session"
	"ecm/internal/storage"
	"ecm/internal/work"
)

const auditListenerName = "auditListener"

// Server owns every service of one repository.
type Server struct {
	cfg      *config.AppConfig
	log      *zap.Logger
	registry *prometheus.Registry

	db      *sql.DB
	redis   *redis.Client
	store   repository.DocumentStore
	repo    *session.Repository
	works   *work.Manager
	audit   audit.Store
	colls   *collections.Manager
	app     *fiber.App
	started atomic.Bool
}

// New connects the backends selected by cfg. SQL schemas are migrated and Mongo indexes
// created. Nothing runs until Start.
func New(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) (_ *Server, err error) {
	if log == nil {
		log = logging.Nop()
	}
	s := &Server{
		cfg:      cfg,
		log:      log.With(logging.Component("server")),
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			_ = s.close()
		}
	}()
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	types, err := loadTypes(cfg.Repository.TypesFile)
	if err != nil {
		return nil, err
	}
	if err := s.openStore(ctx, types); err != nil {
		return nil, err
	}
	if cfg.Redis.Addr != "" {
		s.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return nil, errors.Annotatef(err, "connecting to redis at %s", cfg.Redis.Addr)
		}
	}

	objects, err := openStorage(cfg.MinIO)
	if err != nil {
		return nil, err
	}
	blobs := blob.NewManager(objects, log)

	docCache, err := s.openCache()
	if err != nil {
		return nil, err
	}
	if s.works, err = s.openWorks(); err != nil {
		return nil, err
	}

	events := event.NewService(log)
	s.repo, err = session.NewRepository(session.Config{
		Name:   cfg.Repository.Name,
		Store:  s.store,
		Types:  types,
		Blobs:  blobs,
		Events: events,
		Cache:  docCache,
		Works:  s.works,
		Log:    log,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	if s.db != nil {
		s.audit = audit.NewSQLStore(s.db, dialectOf(cfg.Repository.Backend))
	} else {
		s.audit = audit.NewMemoryStore()
	}
	if err := events.AddListener(auditListenerName, audit.NewListener(s.audit, log)); err != nil {
		return nil, errors.Trace(err)
	}
	s.colls = collections.NewManager(collections.DefaultRoot, log)
	if err := s.colls.Register(s.repo); err != nil {
		return nil, errors.Trace(err)
	}

	if s.app, err = s.newApp(); err != nil {
		return nil, err
	}
	return s, nil
}

func loadTypes(path string) (*schema.Registry, error) {
	if path == "" {
		return schema.Default(), nil
	}
	types, err := schema.LoadFile(path)
	return types, errors.Annotatef(err, "loading types from %s", path)
}

func dialectOf(backend string) database.Dialect {
	if backend == config.BackendPostgres {
		return database.Postgres
	}
	return database.SQLite
}

func (s *Server) openStore(ctx context.Context, types *schema.Registry) error {
	cfg := s.cfg
	switch cfg.Repository.Backend {
	case config.BackendMemory:
		s.store = memory.New(types)
	case config.BackendPostgres, config.BackendSQLite:
		db, err := OpenDatabase(cfg)
		if err != nil {
			return err
		}
		s.db = db
		dialect := dialectOf(cfg.Repository.Backend)
		if err := migration.EnsureMigrated(ctx, db, dialect, s.log, cfg.Database.Host); err != nil {
			return errors.Annotate(err, "migrating database")
		}
		s.store = sqlstore.New(db, dialect, types)
	case config.BackendMongoDB:
		client, err := mongostore.Connect(ctx, cfg.Mongo.URI, time.Duration(cfg.Mongo.TimeoutSec)*time.Second)
		if err != nil {
			return errors.Annotate(err, "connecting to mongodb")
		}
		st := mongostore.New(client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection), types)
		s.store = st
		if err := st.EnsureIndexes(ctx); err != nil {
			return errors.Annotate(err, "creating mongodb indexes")
		}
	default:
		return errors.NotValidf("repository backend %q", cfg.Repository.Backend)
	}
	return nil
}

// OpenDatabase opens the SQL database of the postgres and sqlite backends.
func OpenDatabase(cfg *config.AppConfig) (*sql.DB, error) {
	switch cfg.Repository.Backend {
	case config.BackendPostgres:
		db, err := database.NewPostgres(cfg.Database)
		return db, errors.Annotate(err, "connecting to postgres")
	case config.BackendSQLite:
		db, err := database.NewSQLite(cfg.Database.SQLitePath)
		return db, errors.Annotate(err, "opening sqlite")
	}
	return nil, errors.NotSupportedf("sql database for backend %q", cfg.Repository.Backend)
}

func openStorage(cfg config.MinIOConfig) (storage.Storage, error) {
	if cfg.Endpoint == "" {
		return storage.NewMemory(cfg.Bucket), nil
	}
	st, err := storage.NewMinIO(cfg)
	return st, errors.Annotate(err, "connecting to object storage")
}

func (s *Server) openCache() (cache.Cache, error) {
	ttl := time.Duration(s.cfg.Cache.TTLSec) * time.Second
	var c cache.Cache
	if s.redis != nil {
		c = cache.NewRedis(s.redis, s.cfg.Redis.Namespace, "documents", ttl)
	} else {
		c = cache.NewMemory("documents", s.cfg.Cache.MaxEntries, ttl)
	}
	metrics, err := cache.NewMetrics(s.registry)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return cache.Instrument(c, metrics), nil
}

func (s *Server) openWorks() (*work.Manager, error) {
	var q work.Queuing
	switch s.cfg.Work.Queuing {
	case "", "memory":
		q = work.NewMemoryQueuing()
	case "redis":
		if s.redis == nil {
			return nil, errors.NotValidf("redis work queuing without REDIS_ADDR")
		}
		q = work.NewRedisQueuing(s.redis, s.cfg.Redis.Namespace)
	default:
		return nil, errors.NotValidf("work queuing %q", s.cfg.Work.Queuing)
	}
	metrics, err := work.NewMetrics(s.registry)
	if err != nil {
		return nil, errors.Trace(err)
	}
	m := work.NewManager(q, s.log, work.WithMetrics(metrics))
	for _, d := range work.DefaultQueues(s.cfg.Work.DefaultThreads) {
		if err := m.RegisterQueue(d); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return m, nil
}

func (s *Server) newApp() (*fiber.App, error) {
	app := fiber.New(fiber.Config{
		ErrorHandler:          handler.ErrorHandler(),
		DisableStartupMessage: true,
	})
	metrics, err := middleware.NewPrometheusMiddleware(s.registry)
	if err != nil {
		return nil, errors.Trace(err)
	}
	app.Use(otelfiber.Middleware())
	app.Use(middleware.RequestID())
	app.Use(middleware.Logger(s.log))
	app.Use(metrics.Handler())
	handler.RegisterRoutes(app, s, s.cfg.StatusKey, s.registry)
	return app, nil
}

// Repository returns the wired repository.
func (s *Server) Repository() *session.Repository { return s.repo }

// Works returns the work manager.
func (s *Server) Works() *work.Manager { return s.works }

// Audit returns the audit store.
func (s *Server) Audit() audit.Store { return s.audit }

// Collections returns the collection manager.
func (s *Server) Collections() *collections.Manager { return s.colls }

// App returns the HTTP application.
func (s *Server) App() *fiber.App { return s.app }

// Start creates the root if needed and launches the work queues.
func (s *Server) Start(ctx context.Context) error {
	start := time.Now()
	if err := s.repo.Init(ctx); err != nil {
		return errors.Annotate(err, "initializing repository")
	}
	if err := s.works.Start(ctx); err != nil {
		return errors.Annotate(err, "starting work manager")
	}
	s.started.Store(true)
	s.log.Info("server started", logging.Event("server_start"), logging.Status("success"),
		zap.String("backend", s.cfg.Repository.Backend), logging.Duration(start))
	return nil
}

// Serve blocks serving HTTP on addr until Shutdown.
func (s *Server) Serve(addr string) error {
	return s.app.Listen(addr)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ln net.Listener) error {
	return s.app.Listener(ln)
}

// IsStarted reports whether Start completed.
func (s *Server) IsStarted() bool { return s.started.Load() }

// Ping checks the document store.
func (s *Server) Ping(ctx context.Context) error { return s.repo.Ping(ctx) }

// StatusMessage summarizes the health of each component, one per line.
func (s *Server) StatusMessage(ctx context.Context) (bool, string) {
	ok := s.IsStarted()
	var lines []string
	report := func(name string, err error) {
		if err != nil {
			ok = false
			lines = append(lines, fmt.Sprintf("%s: %v", name, err))
			return
		}
		lines = append(lines, name+": ok")
	}
	if !s.IsStarted() {
		lines = append(lines, "server: starting")
	}
	report("repository "+s.repo.Name()+" ("+s.cfg.Repository.Backend+")", s.repo.Ping(ctx))
	if s.redis != nil {
		report("redis", s.redis.Ping(ctx).Err())
	}
	for _, id := range s.works.QueueIDs() {
		scheduled, err := s.works.QueueSize(ctx, id, work.StateScheduled)
		if err != nil {
			report("queue "+id, err)
			continue
		}
		running, _ := s.works.QueueSize(ctx, id, work.StateRunning)
		lines = append(lines, fmt.Sprintf("queue %s: %d scheduled, %d running", id, scheduled, running))
	}
	gc := s.repo.Blobs().Status()
	lines = append(lines, fmt.Sprintf("binaries: %d (%d bytes), gc in progress: %t",
		gc.NumBinaries, gc.SizeBinaries, s.repo.Blobs().IsGCInProgress()))
	return ok, strings.Join(lines, "\n")
}

// GarbageCollectBinaries runs the blob garbage collector, deleting unreferenced binaries
// only when del is set.
func (s *Server) GarbageCollectBinaries(ctx context.Context, del bool) (blob.Status, error) {
	return s.repo.Blobs().GarbageCollect(ctx, s.repo, del)
}

// Shutdown stops HTTP, drains the work queues and closes the backends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.started.Store(false)
	var errs []error
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, errors.Annotate(err, "stopping http"))
	}
	if err := s.works.Shutdown(ctx); err != nil {
		errs = append(errs, errors.Annotate(err, "stopping work manager"))
	}
	if err := s.close(); err != nil {
		errs = append(errs, err)
	}
	s.log.Info("server stopped", logging.Event("server_stop"))
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// close releases the backends. Closing the store closes its database or client.
func (s *Server) close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if s.store != nil {
		keep(s.store.Close())
	} else if s.db != nil {
		keep(s.db.Close())
	}
	if s.redis != nil {
		keep(s.redis.Close())
	}
	return first
}
