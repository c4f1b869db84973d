//go:build !windows

package osproc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

type sysState struct{}

var unixSignals = map[Signal]unix.Signal{
	SignalHUP:  unix.SIGHUP,
	SignalINT:  unix.SIGINT,
	SignalQUIT: unix.SIGQUIT,
	SignalTERM: unix.SIGTERM,
	SignalKILL: unix.SIGKILL,
	SignalUSR1: unix.SIGUSR1,
	SignalUSR2: unix.SIGUSR2,
}

func configureCommand(cmd *exec.Cmd, req Request) error {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if req.User != "" {
		cred, err := LookupCredential(req.User)
		if err != nil {
			return &StartError{Kind: FailureInvalidRequest, Path: req.Path, Err: err}
		}
		attr.Credential = cred
	}
	cmd.SysProcAttr = attr
	return nil
}

// LookupCredential resolves "name", "uid" or "uid:gid" into the credential
// a child should run with. It returns nil when the target is the current
// user.
func LookupCredential(spec string) (*syscall.Credential, error) {
	spec = strings.TrimSpace(spec)
	var (
		uid, gid uint64
		groups   []uint32
	)
	if name, group, ok := strings.Cut(spec, ":"); ok {
		u, err := strconv.ParseUint(name, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid user %q", spec)
		}
		g, err := strconv.ParseUint(group, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid group in %q", spec)
		}
		uid, gid = u, g
	} else {
		var (
			u   *user.User
			err error
		)
		if _, numErr := strconv.ParseUint(spec, 10, 32); numErr == nil {
			u, err = user.LookupId(spec)
		} else {
			u, err = user.Lookup(spec)
		}
		if err != nil {
			return nil, fmt.Errorf("lookup user %q: %w", spec, err)
		}
		if uid, err = strconv.ParseUint(u.Uid, 10, 32); err != nil {
			return nil, fmt.Errorf("user %q has non-numeric uid %q", spec, u.Uid)
		}
		if gid, err = strconv.ParseUint(u.Gid, 10, 32); err != nil {
			return nil, fmt.Errorf("user %q has non-numeric gid %q", spec, u.Gid)
		}
		if ids, err := u.GroupIds(); err == nil {
			for _, id := range ids {
				if g, err := strconv.ParseUint(id, 10, 32); err == nil {
					groups = append(groups, uint32(g))
				}
			}
		}
	}
	if int(uid) == os.Geteuid() && int(gid) == os.Getegid() {
		return nil, nil
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid), Groups: groups}, nil
}

func (p *Process) attach(Request) error { return nil }

func (p *Process) release() error { return nil }

func (p *Process) signalGroup(sig Signal) error {
	s, ok := unixSignals[sig]
	if !ok {
		return fmt.Errorf("%s: %w", sig, ErrUnsupportedSignal)
	}
	if err := unix.Kill(-p.pid, s); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrGroupGone
		}
		return fmt.Errorf("signal group %d with %s: %w", p.pid, sig, err)
	}
	return nil
}

func (p *Process) killGroup() error {
	return p.signalGroup(SignalKILL)
}

func (p *Process) groupAlive() bool {
	return groupHasLiveMembers(p.pid)
}

func exitCodeOf(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

func isResourceError(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ENOMEM) ||
		errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE)
}
