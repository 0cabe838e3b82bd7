package main

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/juju/errors"
)

// readPID returns 0 without error when the file does not exist.
func readPID(path string) (int, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Annotatef(err, "reading pid file %s", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, errors.NotValidf("pid file %s content %q", path, strings.TrimSpace(string(b)))
	}
	return pid, nil
}

func writePID(path string, pid int) error {
	return errors.Annotatef(os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644), "writing pid file %s", path)
}

// removePID deletes the pid file if it still names pid.
func removePID(path string, pid int) error {
	current, err := readPID(path)
	if err != nil || current != pid {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Annotatef(err, "removing pid file %s", path)
	}
	return nil
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// runningPID returns the pid of a live server, or 0. A stale pid file is removed.
func runningPID(path string) (int, error) {
	pid, err := readPID(path)
	if err != nil || pid == 0 {
		return 0, err
	}
	if alive(pid) {
		return pid, nil
	}
	return 0, removePID(path, pid)
}
