//go:build !linux && !windows

package osproc

import (
	"errors"

	"golang.org/x/sys/unix"
)

func groupHasLiveMembers(pgid int) bool {
	err := unix.Kill(-pgid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// PidAlive reports whether pid names a process that can still be signalled.
func PidAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
