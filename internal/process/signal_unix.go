//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// signalGroup signals the process group led by pid, falling back to the
// single process when pid does not lead a group.
func signalGroup(pid int, sig syscall.Signal) error {
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid == pid {
		if err := syscall.Kill(-pid, sig); err == nil || !errors.Is(err, syscall.ESRCH) {
			return err
		}
	}
	err := syscall.Kill(pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		// already gone
		return nil
	}
	return err
}
