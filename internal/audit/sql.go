package audit

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/juju/errors"

	"ecm/internal/database"
	"ecm/internal/repository"
)

// SQLStore writes entries to the audit_log table.
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(db *sql.DB, dialect database.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// Add inserts the entries in a single transaction.
func (s *SQLStore) Add(ctx context.Context, entries ...*LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Annotate(err, "begin audit transaction")
	}
	defer func() { _ = tx.Rollback() }()

	ph := s.dialect.Placeholder
	q := `INSERT INTO audit_log (id, event_id, event_date, doc_uuid, doc_path, doc_type, doc_lifecycle, category,
  principal, comment, repository, extended)
VALUES (` + ph(1) + `, ` + ph(2) + `, ` + ph(3) + `, ` + ph(4) + `, ` + ph(5) + `, ` + ph(6) + `, ` + ph(7) + `, ` +
		ph(8) + `, ` + ph(9) + `, ` + ph(10) + `, ` + ph(11) + `, ` + ph(12) + `)`
	for _, e := range entries {
		var extended any
		if len(e.Extended) > 0 {
			b, err := json.Marshal(e.Extended)
			if err != nil {
				return errors.Annotatef(err, "encoding audit entry %s", e.ID)
			}
			extended = string(b)
		}
		_, err := tx.ExecContext(ctx, q,
			e.ID,
			e.EventID,
			s.dialect.Time(e.EventDate),
			nullString(e.DocUUID),
			nullString(e.DocPath),
			nullString(e.DocType),
			nullString(e.DocLifeCycle),
			nullString(e.Category),
			nullString(e.Principal),
			nullString(e.Comment),
			nullString(e.Repository),
			extended,
		)
		if err != nil {
			return errors.Annotatef(err, "inserting audit entry %s", e.ID)
		}
	}
	return errors.Annotate(tx.Commit(), "commit audit entries")
}

func (s *SQLStore) ByDocument(ctx context.Context, docUUID string, pq repository.PageQuery) (*repository.PageResult[*LogEntry], error) {
	ph := s.dialect.Placeholder
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_log WHERE doc_uuid = "+ph(1), docUUID).Scan(&total); err != nil {
		return nil, errors.Annotatef(err, "counting audit entries of %s", docUUID)
	}

	q := `SELECT id, event_id, event_date, doc_uuid, doc_path, doc_type, doc_lifecycle, category, principal, comment,
  repository, extended
FROM audit_log WHERE doc_uuid = ` + ph(1) + ` ORDER BY event_date, id`
	args := []any{docUUID}
	if pq.Limit > 0 {
		q += " LIMIT " + ph(2) + " OFFSET " + ph(3)
		args = append(args, pq.Limit, pq.Offset)
	} else if pq.Offset > 0 {
		q += " OFFSET " + ph(2)
		args = append(args, pq.Offset)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Annotatef(err, "listing audit entries of %s", docUUID)
	}
	defer rows.Close()

	items := []*LogEntry{}
	for rows.Next() {
		var (
			e                                           LogEntry
			date                                        database.Timestamp
			uuid, path, typ, lc, cat, who, comment, rep sql.NullString
			extended                                    []byte
		)
		if err := rows.Scan(&e.ID, &e.EventID, &date, &uuid, &path, &typ, &lc, &cat, &who, &comment, &rep, &extended); err != nil {
			return nil, errors.Annotate(err, "scanning audit entry")
		}
		e.EventDate = date.Time
		e.DocUUID, e.DocPath, e.DocType, e.DocLifeCycle = uuid.String, path.String, typ.String, lc.String
		e.Category, e.Principal, e.Comment, e.Repository = cat.String, who.String, comment.String, rep.String
		if len(extended) > 0 {
			if err := json.Unmarshal(extended, &e.Extended); err != nil {
				return nil, errors.Annotatef(err, "decoding audit entry %s", e.ID)
			}
		}
		items = append(items, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	return &repository.PageResult[*LogEntry]{Items: items, Total: total}, nil
}

func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_log").Scan(&n); err != nil {
		return 0, errors.Annotate(err, "counting audit entries")
	}
	return n, nil
}
