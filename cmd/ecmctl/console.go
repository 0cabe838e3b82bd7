package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ecm/internal/logging"
	tracing "ecm/internal/otel"
	"ecm/internal/server"
)

const shutdownTimeout = 30 * time.Second

func newConsoleCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Run the server in the foreground",
		Long: `Run the server in the foreground until interrupted.

The HTTP status probe answers as soon as the port is bound; /status?info=started turns
true once the repository is initialized and the work queues are running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConsole(cmd, opts)
		},
	}
}

func runConsole(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := opts.config()
	if err != nil {
		return err
	}
	log := logging.New(cmd.OutOrStdout(), cfg.LogLevel, cfg.Location)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, log)
	if err != nil {
		return errors.Annotate(err, "initializing tracing")
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(c)
	}()

	srv, err := server.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = removePID(cfg.PIDFile, os.Getpid()) }()

	served := make(chan error, 1)
	go func() { served <- srv.Serve(":" + cfg.Port) }()

	if err := srv.Start(ctx); err != nil {
		shutdown(srv, log)
		return err
	}
	log.Info("listening", logging.Event("http_listen"), zap.String("port", cfg.Port), zap.Int("pid", os.Getpid()))

	select {
	case <-ctx.Done():
		log.Info("shutting down", logging.Event("server_signal"))
	case err := <-served:
		shutdown(srv, log)
		return errors.Annotate(err, "serving http")
	}
	shutdown(srv, log)
	return nil
}

func shutdown(srv *server.Server, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown failed", logging.Event("server_stop"), logging.ErrorMessage(err))
	}
}
