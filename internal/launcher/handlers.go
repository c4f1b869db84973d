package launcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/ipc"
	"github.com/Paintersrp/warden/internal/osproc"
	"github.com/Paintersrp/warden/internal/proctable"
)

// Spawn starts a process group for unit and records its handle. The handle
// exists only if the start succeeded.
func (l *Launcher) Spawn(req ipc.SpawnRequest) (ipc.SpawnResponse, error) {
	if !config.ValidUnitName(req.Unit) || req.Unit == supervisorUnit {
		return ipc.SpawnResponse{}, &ipc.LaunchError{Kind: osproc.FailureInvalidRequest, Message: fmt.Sprintf("invalid unit %q", req.Unit)}
	}
	if req.Kind != proctable.KindMain && req.Kind != proctable.KindHook {
		return ipc.SpawnResponse{}, &ipc.LaunchError{Kind: osproc.FailureInvalidRequest, Message: fmt.Sprintf("invalid process kind %q", req.Kind)}
	}
	out, err := l.logs.writer(req.Unit)
	if err != nil {
		return ipc.SpawnResponse{}, &ipc.LaunchError{Kind: osproc.FailureResourceExhausted, Message: err.Error()}
	}
	proc, err := osproc.Start(osproc.Request{
		Path:   req.Path,
		Args:   req.Args,
		Env:    req.Env,
		Dir:    req.Dir,
		User:   req.User,
		Output: out,
	})
	if err != nil {
		l.log.Warn().Err(err).Str("unit", req.Unit).Str("kind", string(req.Kind)).Msg("spawn failed")
		return ipc.SpawnResponse{}, err
	}
	command := strings.TrimSpace(strings.Join(append([]string{req.Path}, req.Args...), " "))
	id := l.table.Insert(proc.Pid(), req.Unit, req.Kind, command, proc)
	l.watch(id, proc)
	l.log.Info().
		Str("unit", req.Unit).
		Str("kind", string(req.Kind)).
		Str("handle", id.String()).
		Int("pid", proc.Pid()).
		Msg("spawned")
	return ipc.SpawnResponse{Handle: id, Pid: proc.Pid()}, nil
}

// Signal delivers sig to every member of the handle's group.
func (l *Launcher) Signal(unit string, req ipc.SignalRequest) error {
	sig, err := osproc.ParseSignal(string(req.Signal))
	if err != nil {
		return fmt.Errorf("%w: %v", ipc.ErrInvalidRequest, err)
	}
	unlock, h, err := l.acquire(unit, req.Handle)
	if err != nil {
		return err
	}
	defer unlock()
	if err := h.Group.Signal(sig); err != nil {
		if errors.Is(err, osproc.ErrGroupGone) {
			return fmt.Errorf("%s: %w", req.Handle, proctable.ErrNoSuchProcess)
		}
		return err
	}
	return nil
}

// Terminate stops the handle's whole group, escalating to a force kill
// after grace, and forgets the handle once nothing in the group is alive.
func (l *Launcher) Terminate(ctx context.Context, unit string, req ipc.TerminateRequest) (ipc.TerminateResponse, error) {
	unlock, h, err := l.acquire(unit, req.Handle)
	if err != nil {
		return ipc.TerminateResponse{}, err
	}
	defer unlock()

	outcome, err := osproc.Terminate(ctx, h.Group, req.Grace())
	if err != nil {
		return ipc.TerminateResponse{}, err
	}
	if _, ok := l.table.Remove(req.Handle); ok {
		_ = h.Group.Release()
	}
	l.log.Info().
		Str("unit", h.Unit).
		Str("handle", req.Handle.String()).
		Str("outcome", string(outcome)).
		Msg("terminated")
	return ipc.TerminateResponse{Outcome: outcome}, nil
}

// Status reports whether the handle's leader is running. Unknown handles
// report StateUnknown.
func (l *Launcher) Status(unit string, req ipc.StatusRequest) ipc.StatusResponse {
	h, err := l.table.Get(req.Handle)
	if err != nil || h.Unit != unit {
		return ipc.StatusResponse{State: ipc.StateUnknown}
	}
	if h.Alive {
		return ipc.StatusResponse{State: ipc.StateRunning}
	}
	return ipc.StatusResponse{State: ipc.StateExited, ExitCode: h.ExitCode}
}

// acquire locks the handle for exclusive use. Handles of other units are
// reported as missing.
func (l *Launcher) acquire(unit string, id proctable.HandleID) (func(), proctable.Handle[*osproc.Process], error) {
	unlock, err := l.table.Lock(id)
	if err != nil {
		return nil, proctable.Handle[*osproc.Process]{}, fmt.Errorf("%s: %w", id, err)
	}
	h, err := l.table.Get(id)
	if err != nil || h.Unit != unit || h.Kind == proctable.KindSupervisor {
		unlock()
		return nil, proctable.Handle[*osproc.Process]{}, fmt.Errorf("%s: %w", id, proctable.ErrNoSuchProcess)
	}
	return unlock, h, nil
}

// session serves one supervisor connection.
type session struct {
	l       *Launcher
	pid     int
	ready   chan ipc.SupervisorReady
	exiting chan struct{}
}

func newSession(l *Launcher, pid int) *session {
	return &session{
		l:       l,
		pid:     pid,
		ready:   make(chan ipc.SupervisorReady, 1),
		exiting: make(chan struct{}),
	}
}

func (s *session) announcedExit() bool {
	select {
	case <-s.exiting:
		return true
	default:
		return false
	}
}

func (s *session) HandleIPC(ctx context.Context, msg *ipc.Message) (any, error) {
	switch msg.Op {
	case ipc.OpSpawn:
		var req ipc.SpawnRequest
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		if req.Unit != msg.Correlation {
			return nil, &ipc.LaunchError{Kind: osproc.FailureInvalidRequest, Message: "unit does not match correlation id"}
		}
		return s.l.Spawn(req)
	case ipc.OpSignal:
		var req ipc.SignalRequest
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		return nil, s.l.Signal(msg.Correlation, req)
	case ipc.OpTerminate:
		var req ipc.TerminateRequest
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		return s.l.Terminate(ctx, msg.Correlation, req)
	case ipc.OpStatus:
		var req ipc.StatusRequest
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		return s.l.Status(msg.Correlation, req), nil
	case ipc.OpSupervisorReady:
		var req ipc.SupervisorReady
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		select {
		case s.ready <- req:
		default:
		}
		return nil, nil
	case ipc.OpSupervisorExiting:
		var req ipc.SupervisorExiting
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		if !s.announcedExit() {
			s.l.log.Info().Str("reason", req.Reason).Msg("supervisor announced exit")
			close(s.exiting)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%s: %w", msg.Op, ipc.ErrUnsupported)
	}
}
