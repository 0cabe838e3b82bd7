// Package sqlstore keeps documents in a SQL table: indexed columns for the system fields
// and a JSON column holding the whole document.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"path"
	"strings"

	"github.com/juju/errors"

	"ecm/internal/database"
	"ecm/internal/model"
	"ecm/internal/nxql"
	"ecm/internal/repository"
)

// Store is a PostgreSQL or SQLite implementation of repository.DocumentStore.
// It uses database/sql with parameterized queries and contains no business logic.
type Store struct {
	db      *sql.DB
	dialect database.Dialect
	schema  repository.Schema
}

var _ repository.DocumentStore = (*Store)(nil)

// New wraps an opened and migrated database. schema may be nil, in which case FROM clauses
// match type names literally and property predicates are evaluated in memory.
func New(db *sql.DB, dialect database.Dialect, schema repository.Schema) *Store {
	return &Store{db: db, dialect: dialect, schema: schema}
}

const columns = "id, fulltext, change_token, data"

func (s *Store) ph(n int) string {
	return s.dialect.Placeholder(n)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func encode(doc *model.Document, token int64) ([]byte, error) {
	c := *doc
	c.ChangeToken = token
	c.SessionID = ""
	if c.Properties == nil {
		c.Properties = model.NewProperties(nil)
	}
	return json.Marshal(&c)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*model.Document, error) {
	var (
		id       string
		fulltext sql.NullString
		token    int64
		data     []byte
	)
	if err := row.Scan(&id, &fulltext, &token, &data); err != nil {
		return nil, err
	}
	var d model.Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, errors.Annotatef(err, "decoding document %s", id)
	}
	if d.Properties == nil {
		d.Properties = model.NewProperties(nil)
	}
	d.ID = id
	d.Fulltext = fulltext.String
	d.ChangeToken = token
	d.ContextData = map[string]any{}
	return &d, nil
}

// Create inserts a new document row.
func (s *Store) Create(ctx context.Context, doc *model.Document) error {
	if doc.ID == "" {
		return errors.NotValidf("empty document id")
	}
	data, err := encode(doc, doc.ChangeToken)
	if err != nil {
		return errors.Trace(err)
	}

	exists := "SELECT COUNT(*) FROM documents WHERE id = " + s.ph(1)
	args := []any{doc.ID}
	if !doc.IsVersion {
		exists += " OR (path = " + s.ph(2) + " AND NOT is_version)"
		args = append(args, doc.Path)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, exists, args...).Scan(&n); err != nil {
		return errors.Annotatef(err, "checking document %s", doc.ID)
	}
	if n > 0 {
		return errors.AlreadyExistsf("document %s at %s", doc.ID, doc.Path)
	}

	q := `INSERT INTO documents (id, parent_id, name, path, type, is_version, is_checked_in, version_series_id,
  is_latest_version, lifecycle_state, lock_owner, fulltext, change_token, created, modified, data)
VALUES (` + s.placeholders(1, 16) + `)`
	_, err = s.db.ExecContext(ctx, q,
		doc.ID,
		nullString(doc.ParentID),
		doc.Name,
		doc.Path,
		doc.Type,
		doc.IsVersion,
		doc.IsCheckedIn,
		nullString(doc.VersionSeriesID),
		doc.IsLatestVersion,
		nullString(doc.LifeCycleState),
		nullString(doc.LockOwner),
		nullString(doc.Fulltext),
		doc.ChangeToken,
		s.dialect.Time(doc.Created),
		s.dialect.Time(doc.Modified),
		string(data),
	)
	return errors.Annotatef(err, "inserting document %s", doc.ID)
}

func (s *Store) placeholders(from, to int) string {
	ph := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		ph = append(ph, s.ph(i))
	}
	return strings.Join(ph, ", ")
}

// Get fetches a single document by its ID.
func (s *Store) Get(ctx context.Context, id string) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+columns+" FROM documents WHERE id = "+s.ph(1), id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf("document %s", id)
	}
	return d, errors.Trace(err)
}

// GetByPath fetches the live document at path.
func (s *Store) GetByPath(ctx context.Context, p string) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+columns+" FROM documents WHERE path = "+s.ph(1)+" AND NOT is_version", p)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf("document at %s", p)
	}
	return d, errors.Trace(err)
}

// Update rewrites the row when its change token still matches.
func (s *Store) Update(ctx context.Context, doc *model.Document) error {
	data, err := encode(doc, doc.ChangeToken+1)
	if err != nil {
		return errors.Trace(err)
	}
	q := `UPDATE documents SET parent_id = ` + s.ph(1) + `, name = ` + s.ph(2) + `, path = ` + s.ph(3) +
		`, is_checked_in = ` + s.ph(4) + `, version_series_id = ` + s.ph(5) + `, is_latest_version = ` + s.ph(6) +
		`, lifecycle_state = ` + s.ph(7) + `, lock_owner = ` + s.ph(8) + `, fulltext = ` + s.ph(9) +
		`, modified = ` + s.ph(10) + `, data = ` + s.ph(11) + `, change_token = change_token + 1` +
		` WHERE id = ` + s.ph(12) + ` AND change_token = ` + s.ph(13)
	res, err := s.db.ExecContext(ctx, q,
		nullString(doc.ParentID),
		doc.Name,
		doc.Path,
		doc.IsCheckedIn,
		nullString(doc.VersionSeriesID),
		doc.IsLatestVersion,
		nullString(doc.LifeCycleState),
		nullString(doc.LockOwner),
		nullString(doc.Fulltext),
		s.dialect.Time(doc.Modified),
		string(data),
		doc.ID,
		doc.ChangeToken,
	)
	if err != nil {
		return errors.Annotatef(err, "updating document %s", doc.ID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Trace(err)
	}
	if affected == 0 {
		var n int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE id = "+s.ph(1), doc.ID).Scan(&n); err != nil {
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

// Delete removes rows by ID. Missing rows are ignored.
func (s *Store) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id IN ("+s.placeholders(1, len(ids))+")", args...)
	return errors.Annotate(err, "deleting documents")
}

// Query runs the translatable part of q in SQL. When everything translates, counting
// and paging happen in the database; otherwise the candidates are evaluated in memory.
func (s *Store) Query(ctx context.Context, q *nxql.Query, pq repository.PageQuery) (*repository.PageResult[*model.Document], error) {
	t := &translator{dialect: s.dialect, schema: s.schema}
	var conds []string
	from, exact := t.from(q.From)
	if from != "" {
		conds = append(conds, from)
	}
	if q.Where != nil {
		w, ok := t.where(q.Where)
		exact = exact && ok
		if w != sqlTrue {
			conds = append(conds, w)
		}
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	order, sortable := t.orderBy(q.OrderBy)

	if !exact || !sortable || pq.Limit <= 0 {
		docs, err := s.fetch(ctx, "SELECT "+columns+" FROM documents"+where, t.args)
		if err != nil {
			return nil, err
		}
		return repository.Select(docs, q, pq, s.schema, s.ancestors(ctx))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents"+where, t.args...).Scan(&total); err != nil {
		return nil, errors.Annotate(err, "counting documents")
	}
	n := len(t.args)
	page := "SELECT " + columns + " FROM documents" + where + " ORDER BY " + order +
		" LIMIT " + s.ph(n+1) + " OFFSET " + s.ph(n+2)
	docs, err := s.fetch(ctx, page, append(t.args, pq.Limit, max(pq.Offset, 0)))
	if err != nil {
		return nil, err
	}
	return &repository.PageResult[*model.Document]{Items: docs, Total: total}, nil
}

func (s *Store) fetch(ctx context.Context, q string, args []any) ([]*model.Document, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Annotate(err, "querying documents")
	}
	defer rows.Close()

	docs := make([]*model.Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		docs = append(docs, d)
	}
	return docs, errors.Trace(rows.Err())
}

// ancestors resolves ancestor ids from the path prefixes of a live document.
func (s *Store) ancestors(ctx context.Context) repository.AncestorFunc {
	return func(doc *model.Document) []string {
		if doc.Path == "" || doc.Path == "/" {
			return nil
		}
		var paths []any
		for p := path.Dir(doc.Path); ; p = path.Dir(p) {
			paths = append(paths, p)
			if p == "/" {
				break
			}
		}
		q := "SELECT id, path FROM documents WHERE NOT is_version AND path IN (" + s.placeholders(1, len(paths)) + ")"
		rows, err := s.db.QueryContext(ctx, q, paths...)
		if err != nil {
			return nil
		}
		defer rows.Close()
		byPath := map[string]string{}
		for rows.Next() {
			var id, p string
			if rows.Scan(&id, &p) == nil {
				byPath[p] = id
			}
		}
		out := make([]string, 0, len(paths))
		for _, p := range paths {
			if id, ok := byPath[p.(string)]; ok {
				out = append(out, id)
			}
		}
		return out
	}
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}
