package migration

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ecm/internal/database"
	"ecm/internal/logging"
)

type migrationStep struct {
	Name string
	SQL  string
}

func steps(d database.Dialect) []migrationStep {
	jsonType, boolType, tsType := "JSONB", "BOOLEAN", "TIMESTAMPTZ"
	if d == database.SQLite {
		jsonType, boolType, tsType = "TEXT", "INTEGER", "INTEGER"
	}
	return []migrationStep{
		{
			Name: "create_table_documents",
			SQL: `CREATE TABLE IF NOT EXISTS documents (
  id                TEXT    PRIMARY KEY,
  parent_id         TEXT,
  name              TEXT    NOT NULL,
  path              TEXT    NOT NULL,
  type              TEXT    NOT NULL,
  is_version        ` + boolType + ` NOT NULL DEFAULT FALSE,
  is_checked_in     ` + boolType + ` NOT NULL DEFAULT FALSE,
  version_series_id TEXT,
  is_latest_version ` + boolType + ` NOT NULL DEFAULT FALSE,
  lifecycle_state   TEXT,
  lock_owner        TEXT,
  fulltext          TEXT,
  change_token      BIGINT  NOT NULL DEFAULT 0,
  created           ` + tsType + ` NOT NULL,
  modified          ` + tsType + ` NOT NULL,
  data              ` + jsonType + ` NOT NULL
);`,
		},
		{
			Name: "create_index_documents_path",
			SQL:  `CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_path ON documents (path) WHERE NOT is_version;`,
		},
		{
			Name: "create_index_documents_parent_id",
			SQL:  `CREATE INDEX IF NOT EXISTS idx_documents_parent_id ON documents (parent_id);`,
		},
		{
			Name: "create_index_documents_version_series_id",
			SQL:  `CREATE INDEX IF NOT EXISTS idx_documents_version_series_id ON documents (version_series_id);`,
		},
		{
			Name: "create_index_documents_type",
			SQL:  `CREATE INDEX IF NOT EXISTS idx_documents_type ON documents (type);`,
		},
		{
			Name: "create_table_audit_log",
			SQL: `CREATE TABLE IF NOT EXISTS audit_log (
  id            TEXT PRIMARY KEY,
  event_id      TEXT NOT NULL,
  event_date    ` + tsType + ` NOT NULL,
  doc_uuid      TEXT,
  doc_path      TEXT,
  doc_type      TEXT,
  doc_lifecycle TEXT,
  category      TEXT,
  principal     TEXT,
  comment       TEXT,
  repository    TEXT,
  extended      ` + jsonType + `
);`,
		},
		{
			Name: "create_index_audit_log_doc_uuid",
			SQL:  `CREATE INDEX IF NOT EXISTS idx_audit_log_doc_uuid ON audit_log (doc_uuid, event_date);`,
		},
	}
}

func sentinelQuery(d database.Dialect) string {
	if d == database.SQLite {
		return "SELECT COUNT(*) > 0 FROM sqlite_master WHERE type = 'table' AND name = 'documents'"
	}
	return "SELECT to_regclass('public.documents') IS NOT NULL"
}

// EnsureMigrated checks if the 'documents' table exists and runs migrations if it doesn't.
func EnsureMigrated(ctx context.Context, db *sql.DB, d database.Dialect, log *zap.Logger, dbHost string) error {
	start := time.Now()
	log = log.With(logging.Component("database"), zap.String("db_host", dbHost), zap.String("dialect", d.String()))

	log.Info("checking schema", logging.Event("db_migration_check"), logging.Status("starting"))

	var exists bool
	if err := db.QueryRowContext(ctx, sentinelQuery(d)).Scan(&exists); err != nil {
		err = fmt.Errorf("failed to check sentinel table: %w", err)
		log.Error("migration failed", logging.Event("db_migration_failed"), logging.Status("error"),
			logging.ErrorMessage(err), logging.Duration(start))
		return err
	}

	if exists {
		log.Info("schema already exists, skipping migration", logging.Event("db_migration_skip"),
			logging.Status("success"), logging.Duration(start))
		return nil
	}

	log.Info("migrating schema", logging.Event("db_migration_start"), logging.Status("in_progress"))

	for _, step := range steps(d) {
		stepStart := time.Now()
		if _, err := db.ExecContext(ctx, step.SQL); err != nil {
			log.Error("migration failed", logging.Event("db_migration_failed"), logging.Status("error"),
				zap.String("migration_step", step.Name), logging.ErrorMessage(err), logging.Duration(start),
				zap.Int64("step_duration_ms", time.Since(stepStart).Milliseconds()))
			return fmt.Errorf("migration step %s failed: %w", step.Name, err)
		}
		log.Info("migration step applied", logging.Event("db_migration_step"), logging.Status("success"),
			zap.String("migration_step", step.Name),
			zap.Int64("step_duration_ms", time.Since(stepStart).Milliseconds()))
	}

	log.Info("schema migrated", logging.Event("db_migration_success"), logging.Status("success"),
		logging.Duration(start))
	return nil
}
