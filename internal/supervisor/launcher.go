package supervisor

import (
	"context"
	"os"
	"time"

	"github.com/Paintersrp/warden/internal/ipc"
	"github.com/Paintersrp/warden/internal/osproc"
	"github.com/Paintersrp/warden/internal/proctable"
)

// Launcher is the privileged side as seen by the supervisor. Every call is
// correlated with the unit it acts for.
type Launcher interface {
	Spawn(ctx context.Context, req ipc.SpawnRequest) (ipc.SpawnResponse, error)
	Signal(ctx context.Context, unit string, handle proctable.HandleID, sig osproc.Signal) error
	Terminate(ctx context.Context, unit string, handle proctable.HandleID, grace time.Duration) (osproc.Outcome, error)
	Status(ctx context.Context, unit string, handle proctable.HandleID) (ipc.StatusResponse, error)
	Exiting(ctx context.Context, reason string) error
}

// IPCLauncher talks to the launcher over an IPC peer.
type IPCLauncher struct {
	peer *ipc.Peer
}

// NewIPCLauncher wraps peer. The caller runs the peer.
func NewIPCLauncher(peer *ipc.Peer) *IPCLauncher {
	return &IPCLauncher{peer: peer}
}

// Ready announces the supervisor. It must be the first call on the channel.
func (l *IPCLauncher) Ready(ctx context.Context, version string) error {
	ready := ipc.SupervisorReady{
		Pid:      os.Getpid(),
		Version:  version,
		Instance: os.Getenv(ipc.EnvInstance),
	}
	return l.peer.Call(ctx, ipc.OpSupervisorReady, ipc.ControlCorrelation, ready, nil)
}

func (l *IPCLauncher) Spawn(ctx context.Context, req ipc.SpawnRequest) (ipc.SpawnResponse, error) {
	var resp ipc.SpawnResponse
	err := l.peer.Call(ctx, ipc.OpSpawn, req.Unit, req, &resp)
	return resp, err
}

func (l *IPCLauncher) Signal(ctx context.Context, unit string, handle proctable.HandleID, sig osproc.Signal) error {
	return l.peer.Call(ctx, ipc.OpSignal, unit, ipc.SignalRequest{Handle: handle, Signal: sig}, nil)
}

func (l *IPCLauncher) Terminate(ctx context.Context, unit string, handle proctable.HandleID, grace time.Duration) (osproc.Outcome, error) {
	var resp ipc.TerminateResponse
	req := ipc.TerminateRequest{Handle: handle, GraceMS: grace.Milliseconds()}
	if err := l.peer.Call(ctx, ipc.OpTerminate, unit, req, &resp); err != nil {
		return "", err
	}
	return resp.Outcome, nil
}

func (l *IPCLauncher) Status(ctx context.Context, unit string, handle proctable.HandleID) (ipc.StatusResponse, error) {
	var resp ipc.StatusResponse
	err := l.peer.Call(ctx, ipc.OpStatus, unit, ipc.StatusRequest{Handle: handle}, &resp)
	return resp, err
}

func (l *IPCLauncher) Exiting(ctx context.Context, reason string) error {
	return l.peer.Call(ctx, ipc.OpSupervisorExiting, ipc.ControlCorrelation, ipc.SupervisorExiting{Reason: reason}, nil)
}
