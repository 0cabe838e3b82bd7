// Package mongostore keeps each document as one MongoDB document.
package mongostore

import (
	"context"
	"time"

	"github.com/juju/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"ecm/internal/model"
	"ecm/internal/nxql"
	"ecm/internal/repository"
	"ecm/internal/security"
)

// Connect opens a connection and returns the client. Caller should call client.Disconnect(ctx).
func Connect(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Annotate(err, "mongo connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Annotate(err, "mongo ping")
	}
	return client, nil
}

type record struct {
	ID                   string         `bson:"_id"`
	Repository           string         `bson:"repository,omitempty"`
	ParentID             string         `bson:"parentId,omitempty"`
	Name                 string         `bson:"name"`
	Path                 string         `bson:"path"`
	Type                 string         `bson:"type"`
	Facets               []string       `bson:"facets,omitempty"`
	LifeCycleState       string         `bson:"state,omitempty"`
	LifeCyclePolicy      string         `bson:"policy,omitempty"`
	MajorVersion         int64          `bson:"major"`
	MinorVersion         int64          `bson:"minor"`
	IsVersion            bool           `bson:"isVersion"`
	IsCheckedIn          bool           `bson:"isCheckedIn"`
	VersionSeriesID      string         `bson:"versionSeriesId,omitempty"`
	BaseVersionID        string         `bson:"baseVersionId,omitempty"`
	IsLatestVersion      bool           `bson:"isLatestVersion"`
	IsLatestMajorVersion bool           `bson:"isLatestMajorVersion"`
	VersionCreated       *time.Time     `bson:"versionCreated,omitempty"`
	VersionDescription   string         `bson:"versionDescription,omitempty"`
	LockOwner            string         `bson:"lockOwner,omitempty"`
	LockCreated          *time.Time     `bson:"lockCreated,omitempty"`
	ACP                  *security.ACP  `bson:"acp,omitempty"`
	Properties           map[string]any `bson:"properties"`
	Fulltext             string         `bson:"fulltext,omitempty"`
	Created              time.Time      `bson:"created"`
	Modified             time.Time      `bson:"modified"`
	ChangeToken          int64          `bson:"changeToken"`
}

func toRecord(d *model.Document, token int64) *record {
	props := map[string]any{}
	if d.Properties != nil {
		props = d.Properties.Map()
	}
	return &record{
		ID: d.ID, Repository: d.Repository, ParentID: d.ParentID, Name: d.Name, Path: d.Path, Type: d.Type,
		Facets: d.Facets, LifeCycleState: d.LifeCycleState, LifeCyclePolicy: d.LifeCyclePolicy,
		MajorVersion: d.MajorVersion, MinorVersion: d.MinorVersion, IsVersion: d.IsVersion, IsCheckedIn: d.IsCheckedIn,
		VersionSeriesID: d.VersionSeriesID, BaseVersionID: d.BaseVersionID, IsLatestVersion: d.IsLatestVersion,
		IsLatestMajorVersion: d.IsLatestMajorVersion, VersionCreated: d.VersionCreated,
		VersionDescription: d.VersionDescription, LockOwner: d.LockOwner, LockCreated: d.LockCreated,
		ACP: d.ACP, Properties: props, Fulltext: d.Fulltext, Created: d.Created, Modified: d.Modified,
		ChangeToken: token,
	}
}

func (r *record) document() (*model.Document, error) {
	props := model.NewProperties(nil)
	values, _ := normalizeBSON(primitive.M(r.Properties)).(map[string]any)
	if err := props.Load(values); err != nil {
		return nil, errors.Annotatef(err, "decoding document %s", r.ID)
	}
	utc := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		u := t.UTC()
		return &u
	}
	return &model.Document{
		ID: r.ID, Repository: r.Repository, ParentID: r.ParentID, Name: r.Name, Path: r.Path, Type: r.Type,
		Facets: r.Facets, LifeCycleState: r.LifeCycleState, LifeCyclePolicy: r.LifeCyclePolicy,
		MajorVersion: r.MajorVersion, MinorVersion: r.MinorVersion, IsVersion: r.IsVersion, IsCheckedIn: r.IsCheckedIn,
		VersionSeriesID: r.VersionSeriesID, BaseVersionID: r.BaseVersionID, IsLatestVersion: r.IsLatestVersion,
		IsLatestMajorVersion: r.IsLatestMajorVersion, VersionCreated: utc(r.VersionCreated),
		VersionDescription: r.VersionDescription, LockOwner: r.LockOwner, LockCreated: utc(r.LockCreated),
		ACP: r.ACP, Properties: props, Fulltext: r.Fulltext, Created: r.Created.UTC(), Modified: r.Modified.UTC(),
		ChangeToken: r.ChangeToken, ContextData: map[string]any{},
	}, nil
}

// normalizeBSON turns decoded BSON containers and dates into plain Go values.
func normalizeBSON(v any) any {
	switch x := v.(type) {
	case primitive.D:
		m := make(map[string]any, len(x))
		for _, e := range x {
			m[e.Key] = normalizeBSON(e.Value)
		}
		return m
	case primitive.M:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = normalizeBSON(e)
		}
		return m
	case map[string]any:
		return normalizeBSON(primitive.M(x))
	case primitive.A:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeBSON(e)
		}
		return out
	case []any:
		return normalizeBSON(primitive.A(x))
	case primitive.DateTime:
		return x.Time().UTC()
	case int32:
		return int64(x)
	}
	return v
}

// Store is a MongoDB implementation of repository.DocumentStore.
type Store struct {
	coll   *mongo.Collection
	schema repository.Schema
}

var _ repository.DocumentStore = (*Store)(nil)

// New wraps a collection. Call EnsureIndexes once before use.
func New(coll *mongo.Collection, schema repository.Schema) *Store {
	return &Store{coll: coll, schema: schema}
}

// EnsureIndexes creates the lookup indexes, including the unique path of live documents.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "path", Value: 1}},
			Options: options.Index().SetName("path_live").SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "isVersion", Value: false}}),
		},
		{Keys: bson.D{{Key: "parentId", Value: 1}}, Options: options.Index().SetName("parent")},
		{Keys: bson.D{{Key: "versionSeriesId", Value: 1}}, Options: options.Index().SetName("version_series")},
		{Keys: bson.D{{Key: "type", Value: 1}}, Options: options.Index().SetName("type")},
	})
	return errors.Annotate(err, "creating indexes")
}

func (s *Store) Create(ctx context.Context, doc *model.Document) error {
	if doc.ID == "" {
		return errors.NotValidf("empty document id")
	}
	_, err := s.coll.InsertOne(ctx, toRecord(doc, doc.ChangeToken))
	if mongo.IsDuplicateKeyError(err) {
		return errors.AlreadyExistsf("document %s at %s", doc.ID, doc.Path)
	}
	return errors.Annotatef(err, "inserting document %s", doc.ID)
}

func (s *Store) findOne(ctx context.Context, filter bson.D, what string) (*model.Document, error) {
	var r record
	err := s.coll.FindOne(ctx, filter).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.NotFoundf("%s", what)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return r.document()
}

func (s *Store) Get(ctx context.Context, id string) (*model.Document, error) {
	return s.findOne(ctx, bson.D{{Key: "_id", Value: id}}, "document "+id)
}

func (s *Store) GetByPath(ctx context.Context, path string) (*model.Document, error) {
	return s.findOne(ctx, bson.D{{Key: "path", Value: path}, {Key: "isVersion", Value: false}}, "document at "+path)
}

func (s *Store) Update(ctx context.Context, doc *model.Document) error {
	filter := bson.D{{Key: "_id", Value: doc.ID}, {Key: "changeToken", Value: doc.ChangeToken}}
	res, err := s.coll.ReplaceOne(ctx, filter, toRecord(doc, doc.ChangeToken+1))
	if mongo.IsDuplicateKeyError(err) {
		return errors.AlreadyExistsf("document at %s", doc.Path)
	}
	if err != nil {
		return errors.Annotatef(err, "updating document %s", doc.ID)
	}
	if res.MatchedCount == 0 {
		n, err := s.coll.CountDocuments(ctx, bson.D{{Key: "_id", Value: doc.ID}})
		if err != nil {
			return errors.Trace(err)
		}
		if n == 0 {
			return errors.NotFoundf("document %s", doc.ID)
		}
		return errors.Annotatef(repository.ErrConcurrentUpdate, "document %s", doc.ID)
	}
	doc.ChangeToken++
	return nil
}

func (s *Store) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.coll.DeleteMany(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
	return errors.Annotate(err, "deleting documents")
}

func (s *Store) Query(ctx context.Context, q *nxql.Query, pq repository.PageQuery) (*repository.PageResult[*model.Document], error) {
	t := &translator{schema: s.schema, pathOf: func(id string) (string, bool) {
		d, err := s.Get(ctx, id)
		if err != nil || d.IsVersion {
			return "", false
		}
		return d.Path, true
	}}
	filter, exact := t.filter(q)
	sort, sortable := sortSpec(q.OrderBy)

	if !exact || !sortable || pq.Limit <= 0 {
		docs, err := s.find(ctx, filter, options.Find())
		if err != nil {
			return nil, err
		}
		return repository.Select(docs, q, pq, s.schema, s.ancestors(ctx))
	}

	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, errors.Annotate(err, "counting documents")
	}
	opts := options.Find().SetSort(sort).SetLimit(int64(pq.Limit)).SetSkip(int64(max(pq.Offset, 0)))
	docs, err := s.find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	return &repository.PageResult[*model.Document]{Items: docs, Total: int(total)}, nil
}

func (s *Store) find(ctx context.Context, filter bson.D, opts *options.FindOptions) ([]*model.Document, error) {
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Annotate(err, "querying documents")
	}
	defer cur.Close(ctx)

	out := []*model.Document{}
	for cur.Next(ctx) {
		var r record
		if err := cur.Decode(&r); err != nil {
			return nil, errors.Trace(err)
		}
		d, err := r.document()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, errors.Trace(cur.Err())
}

func (s *Store) ancestors(ctx context.Context) repository.AncestorFunc {
	return func(doc *model.Document) []string {
		var out []string
		seen := map[string]bool{}
		for id := doc.ParentID; id != "" && !seen[id]; {
			seen[id] = true
			out = append(out, id)
			p, err := s.Get(ctx, id)
			if err != nil {
				break
			}
			id = p.ParentID
		}
		return out
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, nil)
}

// Close disconnects the underlying client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.coll.Database().Client().Disconnect(ctx)
}
