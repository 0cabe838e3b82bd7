package main

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/cobra"
)

func newStopCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a server started in the background",
		Long: `Stop a server started in the background: SIGTERM, then SIGKILL once the
timeout expires.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			return stopServer(cmd, cfg.PIDFile, timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "how long to wait before killing the server")
	return cmd
}

func stopServer(cmd *cobra.Command, pidFile string, timeout time.Duration) error {
	pid, err := runningPID(pidFile)
	if err != nil {
		return err
	}
	if pid == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "ecm is not running")
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return errors.Annotatef(err, "finding process %d", pid)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stopping ecm (PID %d)\n", pid)
	if err := p.Signal(syscall.SIGTERM); err != nil {
		return errors.Annotatef(err, "signaling process %d", pid)
	}
	if !waitExit(pid, timeout) {
		fmt.Fprintf(cmd.OutOrStdout(), "ecm did not stop within %s, killing it\n", timeout)
		if err := p.Kill(); err != nil {
			return errors.Annotatef(err, "killing process %d", pid)
		}
		waitExit(pid, 5*time.Second)
	}
	if err := removePID(pidFile, pid); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "ecm stopped")
	return nil
}

func waitExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for alive(pid) {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(200 * time.Millisecond)
	}
	return true
}
