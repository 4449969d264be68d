// Package process answers liveness questions about other processes on the
// local host. Port discovery files record the pid of their owner, and a file
// whose owner is gone is stale.
package process

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/askcontinue/askcontinue-core/exec"
	"github.com/askcontinue/askcontinue-core/logger"
)

const tasklistTimeout = 5 * time.Second

// Alive reports whether a process with the given pid is running.
// Non-positive pids are never alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pid == os.Getpid() {
		return true
	}

	switch runtime.GOOS {
	case "windows":
		return aliveWindows(pid)
	default:
		return aliveUnix(pid)
	}
}

// aliveUnix probes with signal 0, which performs the permission and existence
// checks without delivering anything. EPERM means the process exists but
// belongs to someone else.
func aliveUnix(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// aliveWindows asks tasklist for the pid. A failing tasklist is treated as
// "alive" so that a broken probe never deletes a live server's port file.
func aliveWindows(pid int) bool {
	ctx, cancel := context.WithTimeout(context.Background(), tasklistTimeout)
	defer cancel()
	output, err := exec.Default().Output(ctx, "tasklist", "/FI", "PID eq "+strconv.Itoa(pid), "/FO", "CSV", "/NH")
	if err != nil {
		logger.WithComponent("process").Debug("tasklist failed", "pid", pid, "error", err)
		return true
	}
	return tasklistHasPID(string(output), pid)
}

// tasklistHasPID scans CSV tasklist output ("image","pid",...) for pid.
func tasklistHasPID(output string, pid int) bool {
	for line := range strings.SplitSeq(output, "\n") {
		fields := strings.Split(line, ",")
		if len(fields) < 2 {
			continue
		}
		// Remove quotes from PID field
		got, err := strconv.Atoi(strings.Trim(strings.TrimSpace(fields[1]), "\""))
		if err == nil && got == pid {
			return true
		}
	}
	return false
}
