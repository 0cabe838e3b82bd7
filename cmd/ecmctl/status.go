package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var summary bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the server is running",
		Long: `Report whether the server is running. Exits with 3 when it is not.

With --summary the component summary is fetched using STATUS_KEY.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			pid, err := runningPID(cfg.PIDFile)
			if err != nil {
				return err
			}
			if pid == 0 {
				return &exitCodeError{code: exitNotRunning, msg: "ecm is not running"}
			}
			out := cmd.OutOrStdout()
			started, err := probeStarted(cfg, 5*time.Second)
			switch {
			case err != nil:
				fmt.Fprintf(out, "ecm is running with PID %d but does not answer: %v\n", pid, err)
			case started:
				fmt.Fprintf(out, "ecm is running with PID %d and started\n", pid)
			default:
				fmt.Fprintf(out, "ecm is running with PID %d and starting\n", pid)
			}
			if !summary {
				return nil
			}
			code, body, err := probe(statusURL(cfg, url.Values{
				"info": {"summary"},
				"key":  {cfg.StatusKey},
			}), 5*time.Second)
			if err != nil {
				return err
			}
			if code != fiber.StatusOK {
				return &exitCodeError{code: exitError, msg: fmt.Sprintf("summary refused with status %d", code)}
			}
			ok, msg, _ := strings.Cut(body, "\n")
			fmt.Fprintln(out, msg)
			if ok != "true" {
				return &exitCodeError{code: exitError}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&summary, "summary", false, "print the component summary")
	return cmd
}
