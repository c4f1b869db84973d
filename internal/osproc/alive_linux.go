//go:build linux

package osproc

import (
	"errors"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// groupHasLiveMembers reports whether a process group still contains a
// member that is not a zombie. Zombies only wait for their parent to reap
// them and hold no resources worth terminating.
func groupHasLiveMembers(pgid int) bool {
	if err := unix.Kill(-pgid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	procs, err := procfs.AllProcs()
	if err != nil {
		return true
	}
	for _, proc := range procs {
		stat, err := proc.Stat()
		if err != nil {
			continue
		}
		if stat.PGRP == pgid && !exitedState(stat.State) {
			return true
		}
	}
	return false
}

// PidAlive reports whether pid names a running, non-zombie process.
func PidAlive(pid int) bool {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return false
	}
	stat, err := proc.Stat()
	if err != nil {
		return false
	}
	return !exitedState(stat.State)
}

func exitedState(state string) bool {
	return state == "Z" || state == "X" || state == "x"
}
