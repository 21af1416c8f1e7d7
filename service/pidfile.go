package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// stopPollInterval paces the wait for a stopping process to exit.
var stopPollInterval = 100 * time.Millisecond

// PidfilePath locates the pidfile of the named service under |dir|.
func PidfilePath(dir, name string) string {
	return filepath.Join(dir, name+".pid")
}

// ReadPidfile returns the recorded PID of the named service.
func ReadPidfile(dir, name string) (int, error) {
	var raw, err = os.ReadFile(PidfilePath(dir, name))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("malformed pidfile %s: %w", PidfilePath(dir, name), err)
	}
	return pid, nil
}

// Alive reports whether |pid| names a live process.
func Alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// StartDetached launches |bin| with |args| as a session leader and records
// its PID. A service already recorded as running is an error.
func StartDetached(dir, name, bin string, args ...string) (int, error) {
	if pid, err := ReadPidfile(dir, name); err == nil && Alive(pid) {
		return 0, fmt.Errorf("%s is already running with pid %d", name, pid)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating run directory: %w", err)
	}

	var cmd = exec.Command(bin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout, cmd.Stderr = nil, nil
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting %s: %w", name, err)
	}
	var pid = cmd.Process.Pid

	// Reap the child when it exits, so stopped services never linger as
	// zombies of a long-lived fabricctl.
	go func() { _ = cmd.Wait() }()

	if err := os.WriteFile(PidfilePath(dir, name), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		_ = cmd.Process.Kill()
		return 0, fmt.Errorf("writing pidfile: %w", err)
	}
	log.WithFields(log.Fields{
		"service": name,
		"pid":     pid,
	}).Info("started service")
	return pid, nil
}

// StopDetached terminates the recorded process with SIGTERM and waits up to
// |timeout| for it to exit. The pidfile is removed on success.
func StopDetached(dir, name string, timeout time.Duration) error {
	var pid, err = ReadPidfile(dir, name)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s is not running", name)
		}
		return err
	}
	if !Alive(pid) {
		_ = os.Remove(PidfilePath(dir, name))
		return fmt.Errorf("%s is not running (stale pidfile removed)", name)
	}

	if err = syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signalling %s (pid %d): %w", name, pid, err)
	}
	var deadline = time.Now().Add(timeout)
	for Alive(pid) {
		if time.Now().After(deadline) {
			return fmt.Errorf("%s (pid %d) did not exit within %s", name, pid, timeout)
		}
		time.Sleep(stopPollInterval)
	}
	_ = os.Remove(PidfilePath(dir, name))
	log.WithFields(log.Fields{
		"service": name,
		"pid":     pid,
	}).Info("stopped service")
	return nil
}
