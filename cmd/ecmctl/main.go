// Command ecmctl runs and controls an ecm repository server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"

	"ecm/internal/config"
)

// Exit codes.
const (
	exitOK         = 0
	exitError      = 1
	exitNotRunning = 3
)

// exitCodeError carries a specific exit code. An empty message prints nothing.
type exitCodeError struct {
	code int
	msg  string
}

func (e *exitCodeError) Error() string { return e.msg }

type rootOptions struct {
	configFile string
}

func (o *rootOptions) config() (*config.AppConfig, error) {
	if o.configFile == "" {
		return config.Load(), nil
	}
	return config.LoadFile(o.configFile)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "ecmctl",
		Short: "Run and control the ecm content repository",
		Long: `Run and control the ecm content repository.

Configuration comes from the environment (a .env file in the working directory is
loaded first) or from the file given with --config, environment variables winning.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", os.Getenv("ECM_CONF"), "configuration file (properties, yaml, toml or json)")

	root.AddCommand(
		newConsoleCmd(opts),
		newStartCmd(opts),
		newStopCmd(opts),
		newStatusCmd(opts),
		newMigrateCmd(opts),
		newGCCmd(opts),
		newShowConfCmd(opts),
	)
	return root
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ec *exitCodeError
	if errors.As(err, &ec) {
		if ec.msg != "" {
			fmt.Fprintln(stderr, ec.msg)
		}
		return ec.code
	}
	fmt.Fprintln(stderr, "error:", err)
	return exitError
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
