//go:build !windows

package procutil

import (
	"os"
	"syscall"
)

// TerminateByPID asks the process identified by pid to shut down with
// SIGTERM.
func TerminateByPID(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

// IsProcessAlive reports whether a process with the given pid exists.
// Signal 0 probes without delivering anything.
func IsProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
