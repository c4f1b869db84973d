// Package osproc starts processes in their own OS-level group (a POSIX
// process group or a Windows job object) so that a process and everything
// it spawns can be signalled and terminated as one unit.
package osproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// FailureKind classifies why a start attempt failed.
type FailureKind string

const (
	FailureMissingBinary     FailureKind = "missing_binary"
	FailurePermissionDenied  FailureKind = "permission_denied"
	FailureResourceExhausted FailureKind = "resource_exhausted"
	FailureInvalidRequest    FailureKind = "invalid_request"
)

// StartError is returned by Start when no process was created.
type StartError struct {
	Kind FailureKind
	Path string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s: %s: %v", e.Path, e.Kind, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

var (
	// ErrGroupGone is returned when signalling a group with no live members.
	ErrGroupGone = errors.New("process group has exited")
	// ErrUnsupportedSignal is returned for signals the platform cannot deliver.
	ErrUnsupportedSignal = errors.New("signal not supported on this platform")
	// ErrStillAlive is returned when a group survives a force kill.
	ErrStillAlive = errors.New("process group still alive after force kill")
)

// Signal names a signal deliverable to a process group.
type Signal string

const (
	SignalHUP  Signal = "hup"
	SignalINT  Signal = "int"
	SignalQUIT Signal = "quit"
	SignalTERM Signal = "term"
	SignalKILL Signal = "kill"
	SignalUSR1 Signal = "usr1"
	SignalUSR2 Signal = "usr2"
)

// ParseSignal accepts names with or without the SIG prefix.
func ParseSignal(raw string) (Signal, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = strings.TrimPrefix(name, "sig")
	switch s := Signal(name); s {
	case SignalHUP, SignalINT, SignalQUIT, SignalTERM, SignalKILL, SignalUSR1, SignalUSR2:
		return s, nil
	}
	return "", fmt.Errorf("unknown signal %q", raw)
}

// Outcome reports which path Terminate took.
type Outcome string

const (
	OutcomeTerminated  Outcome = "terminated"
	OutcomeForceKilled Outcome = "force_killed"
)

// Request describes a process to start.
type Request struct {
	Path string
	Args []string
	// Env entries override the inherited environment by key.
	Env  []string
	Dir  string
	User string
	// Output receives combined stdout and stderr. Nil discards output.
	Output io.Writer
}

// Process is a started process and its group.
type Process struct {
	cmd  *exec.Cmd
	pid  int
	sys  sysState
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

// Start launches req in a new process group.
func Start(req Request) (*Process, error) {
	if strings.TrimSpace(req.Path) == "" {
		return nil, &StartError{Kind: FailureInvalidRequest, Path: req.Path, Err: errors.New("executable path is empty")}
	}
	if req.Dir != "" {
		info, err := os.Stat(req.Dir)
		if err != nil {
			return nil, &StartError{Kind: FailureInvalidRequest, Path: req.Path, Err: fmt.Errorf("working directory: %w", err)}
		}
		if !info.IsDir() {
			return nil, &StartError{Kind: FailureInvalidRequest, Path: req.Path, Err: fmt.Errorf("working directory %s is not a directory", req.Dir)}
		}
	}

	cmd := exec.Command(req.Path, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = MergeEnv(os.Environ(), req.Env)
	if err := configureCommand(cmd, req); err != nil {
		return nil, err
	}

	var reader, writer *os.File
	if req.Output != nil {
		var err error
		reader, writer, err = os.Pipe()
		if err != nil {
			return nil, &StartError{Kind: FailureResourceExhausted, Path: req.Path, Err: fmt.Errorf("output pipe: %w", err)}
		}
		cmd.Stdout = writer
		cmd.Stderr = writer
	}

	if err := cmd.Start(); err != nil {
		if reader != nil {
			reader.Close()
			writer.Close()
		}
		return nil, classifyStartError(req.Path, err)
	}
	if writer != nil {
		writer.Close()
	}

	p := &Process{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}
	if err := p.attach(req); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		if reader != nil {
			reader.Close()
		}
		return nil, &StartError{Kind: FailureResourceExhausted, Path: req.Path, Err: err}
	}

	if reader != nil {
		go func() {
			defer reader.Close()
			_, _ = io.Copy(req.Output, reader)
		}()
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	code := exitCodeOf(p.cmd.ProcessState)
	p.mu.Lock()
	p.exitCode = code
	p.waitErr = err
	p.mu.Unlock()
	close(p.done)
}

// Pid returns the leader's pid, which is also the process group id on POSIX.
func (p *Process) Pid() int { return p.pid }

// Done is closed once the leader has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode returns the leader's exit code. Signalled processes report
// 128 plus the signal number. Only meaningful after Done is closed.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Exited reports whether the leader has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Signal delivers sig to every member of the group.
func (p *Process) Signal(sig Signal) error {
	return p.signalGroup(sig)
}

// Kill force-kills every member of the group.
func (p *Process) Kill() error {
	return p.killGroup()
}

// GroupAlive reports whether any member of the group is still running.
func (p *Process) GroupAlive() bool {
	return p.groupAlive()
}

// Release frees OS resources held for the group. The group must be gone.
func (p *Process) Release() error {
	return p.release()
}

const pollInterval = 25 * time.Millisecond

// KillWait bounds how long Terminate waits for a group to vanish after a
// force kill.
var KillWait = 5 * time.Second

// Terminate asks the whole group to stop, waits up to grace for every
// member to exit and force-kills whatever is left.
func Terminate(ctx context.Context, p *Process, grace time.Duration) (Outcome, error) {
	if !p.GroupAlive() {
		return OutcomeTerminated, nil
	}
	if grace > 0 {
		err := p.Signal(SignalTERM)
		switch {
		case err == nil:
			if waitGone(ctx, p, grace) {
				return OutcomeTerminated, nil
			}
		case errors.Is(err, ErrGroupGone):
			return OutcomeTerminated, nil
		}
	}
	if err := p.Kill(); err != nil && !errors.Is(err, ErrGroupGone) {
		return OutcomeForceKilled, fmt.Errorf("force kill group %d: %w", p.pid, err)
	}
	if !waitGone(context.WithoutCancel(ctx), p, KillWait) {
		return OutcomeForceKilled, fmt.Errorf("group %d: %w", p.pid, ErrStillAlive)
	}
	return OutcomeForceKilled, nil
}

func waitGone(ctx context.Context, p *Process, limit time.Duration) bool {
	timer := time.NewTimer(limit)
	defer timer.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if !p.GroupAlive() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return !p.GroupAlive()
		case <-ticker.C:
		}
	}
}

// MergeEnv overlays KEY=VALUE overrides onto base.
func MergeEnv(base, overrides []string) []string {
	if len(overrides) == 0 {
		return append([]string(nil), base...)
	}
	index := make(map[string]int, len(base))
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if i, ok := index[key]; ok {
			out[i] = kv
			continue
		}
		index[key] = len(out)
		out = append(out, kv)
	}
	for _, kv := range overrides {
		key, _, _ := strings.Cut(kv, "=")
		if i, ok := index[key]; ok {
			out[i] = kv
			continue
		}
		index[key] = len(out)
		out = append(out, kv)
	}
	return out
}

func classifyStartError(path string, err error) error {
	var startErr *StartError
	if errors.As(err, &startErr) {
		return startErr
	}
	kind := FailureInvalidRequest
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		kind = FailureMissingBinary
	case errors.Is(err, fs.ErrPermission):
		kind = FailurePermissionDenied
	case isResourceError(err):
		kind = FailureResourceExhausted
	}
	return &StartError{Kind: kind, Path: path, Err: err}
}
