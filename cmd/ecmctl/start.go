package main

import (
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"ecm/internal/config"
)

type startOptions struct {
	logFile string
	wait    time.Duration
}

func newStartCmd(opts *rootOptions) *cobra.Command {
	so := &startOptions{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the server in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(cmd, opts, so)
		},
	}
	cmd.Flags().StringVar(&so.logFile, "log", "ecm.log", "file receiving the server output")
	cmd.Flags().DurationVar(&so.wait, "wait", time.Minute, "how long to wait for the server to be started")
	return cmd
}

func runStart(cmd *cobra.Command, opts *rootOptions, so *startOptions) error {
	cfg, err := opts.config()
	if err != nil {
		return err
	}
	pid, err := runningPID(cfg.PIDFile)
	if err != nil {
		return err
	}
	if pid != 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "ecm is already running with PID %d\n", pid)
		return nil
	}

	out, err := os.OpenFile(so.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Annotatef(err, "opening log file %s", so.logFile)
	}
	defer out.Close()

	exe, err := os.Executable()
	if err != nil {
		return errors.Annotate(err, "locating ecmctl")
	}
	args := []string{"console"}
	if opts.configFile != "" {
		abs, err := filepath.Abs(opts.configFile)
		if err != nil {
			return errors.Trace(err)
		}
		args = append(args, "--config", abs)
	}
	child := exec.Command(exe, args...)
	child.Stdout, child.Stderr = out, out
	if err := child.Start(); err != nil {
		return errors.Annotate(err, "spawning server")
	}
	if err := writePID(cfg.PIDFile, child.Process.Pid); err != nil {
		_ = child.Process.Kill()
		return err
	}
	exited := make(chan error, 1)
	go func() { exited <- child.Wait() }()

	fmt.Fprintf(cmd.OutOrStdout(), "Starting ecm with PID %d (output in %s)\n", child.Process.Pid, so.logFile)
	deadline := time.Now().Add(so.wait)
	for time.Now().Before(deadline) {
		select {
		case err := <-exited:
			_ = removePID(cfg.PIDFile, child.Process.Pid)
			return errors.Errorf("server exited during startup (%v), see %s", err, so.logFile)
		case <-time.After(500 * time.Millisecond):
		}
		if started, err := probeStarted(cfg, time.Second); err == nil && started {
			fmt.Fprintln(cmd.OutOrStdout(), "Server started")
			return nil
		}
	}
	return errors.Errorf("server not started after %s, see %s", so.wait, so.logFile)
}

// statusURL addresses the local status probe on the configured port.
func statusURL(cfg *config.AppConfig, query url.Values) string {
	u := url.URL{
		Scheme:   "http",
		Host:     "127.0.0.1:" + cfg.Port,
		Path:     "/status",
		RawQuery: query.Encode(),
	}
	return u.String()
}

func probe(target string, timeout time.Duration) (int, string, error) {
	agent := fiber.Get(target).Timeout(timeout)
	code, body, errs := agent.String()
	if len(errs) > 0 {
		return 0, "", errs[0]
	}
	return code, body, nil
}

func probeStarted(cfg *config.AppConfig, timeout time.Duration) (bool, error) {
	code, body, err := probe(statusURL(cfg, url.Values{"info": {"started"}}), timeout)
	if err != nil {
		return false, err
	}
	if code != fiber.StatusOK {
		return false, errors.Errorf("status probe answered %d", code)
	}
	return strings.TrimSpace(body) == "true", nil
}
