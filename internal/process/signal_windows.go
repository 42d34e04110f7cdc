//go:build windows

package process

import (
	"os"
	"syscall"
)

// signalGroup terminates pid; Windows has no POSIX signals so every
// non-zero signal maps to TerminateProcess.
func signalGroup(pid int, sig syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if sig == 0 {
		return nil
	}
	return p.Kill()
}
