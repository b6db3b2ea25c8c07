package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/gofrs/flock"
)

// instanceLock guards against two daemons sharing one state directory.
type instanceLock struct {
	fl      *flock.Flock
	pidPath string
}

// acquireLock takes an exclusive, non-blocking lock on a file inside
// stateDir and records the current PID alongside it.
func acquireLock(stateDir string) (*instanceLock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, err
	}

	fl := flock.New(filepath.Join(stateDir, "flasharrd.lock"))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring instance lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another flasharrd instance already holds the lock in %s", stateDir)
	}

	pidPath := filepath.Join(stateDir, "flasharrd.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("writing pid file: %w", err)
	}

	return &instanceLock{fl: fl, pidPath: pidPath}, nil
}

// release drops the lock and removes the PID file.
func (l *instanceLock) release() {
	if l == nil {
		return
	}
	if err := os.Remove(l.pidPath); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: removing pid file: %v\n", err)
	}
	if err := l.fl.Unlock(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: releasing instance lock: %v\n", err)
	}
}

// readPID returns the PID recorded in stateDir, or 0 if none is found.
func readPID(stateDir string) int {
	data, err := os.ReadFile(filepath.Join(stateDir, "flasharrd.pid"))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0
	}
	return pid
}

// processRunning reports whether pid names a live process, using the
// conventional signal-0 existence probe.
func processRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
