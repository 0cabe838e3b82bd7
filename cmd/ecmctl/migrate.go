package main

import (
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"ecm/internal/config"
	"ecm/internal/database"
	"ecm/internal/database/migration"
	"ecm/internal/logging"
	"ecm/internal/repository/mongostore"
	"ecm/internal/schema"
	"ecm/internal/server"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the storage schema",
		Long: `Create or upgrade the storage schema: SQL tables for the postgres and sqlite
backends, indexes for the mongodb backend.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			log := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.Location)
			defer func() { _ = log.Sync() }()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			switch cfg.Repository.Backend {
			case config.BackendMemory:
				fmt.Fprintln(out, "memory backend: nothing to migrate")
				return nil
			case config.BackendMongoDB:
				client, err := mongostore.Connect(ctx, cfg.Mongo.URI, time.Duration(cfg.Mongo.TimeoutSec)*time.Second)
				if err != nil {
					return errors.Annotate(err, "connecting to mongodb")
				}
				st := mongostore.New(client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection), schema.Default())
				defer st.Close()
				if err := st.EnsureIndexes(ctx); err != nil {
					return err
				}
				fmt.Fprintf(out, "mongodb indexes ensured on %s.%s\n", cfg.Mongo.Database, cfg.Mongo.Collection)
				return nil
			}

			db, err := server.OpenDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			dialect := database.SQLite
			if cfg.Repository.Backend == config.BackendPostgres {
				dialect = database.Postgres
			}
			if err := migration.EnsureMigrated(ctx, db, dialect, log, cfg.Database.Host); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s schema is up to date\n", dialect)
			return nil
		},
	}
}
