package supervisor

import (
	"errors"
	"fmt"

	"github.com/Paintersrp/warden/internal/ipc"
)

var (
	// ErrLaunchFailure and ErrNoSuchProcess come back from the launcher.
	ErrLaunchFailure = ipc.ErrLaunchFailure
	ErrNoSuchProcess = ipc.ErrNoSuchProcess
	// ErrIPCDisconnected is returned once the launcher channel is gone.
	ErrIPCDisconnected = ipc.ErrDisconnected

	ErrHookTimeout     = errors.New("hook timed out")
	ErrHookFailure     = errors.New("hook failed")
	ErrProcessVanished = errors.New("process exited unexpectedly")
	ErrShutdownTimeout = errors.New("shutdown timed out")
	ErrStartTimeout    = errors.New("unit did not become alive in time")

	ErrSignatureInvalid = errors.New("artifact signature invalid")
	ErrUntrusted        = errors.New("artifact untrusted")
	ErrArtifactNotFound = errors.New("artifact not found")

	ErrUnknownUnit  = errors.New("unknown unit")
	ErrUnitExists   = errors.New("unit already loaded")
	ErrShuttingDown = errors.New("supervisor is shutting down")
	ErrNotRunning   = errors.New("unit is not running")
)

// HookError reports a hook that exited non-zero.
type HookError struct {
	Hook     string
	ExitCode int
}

func (e *HookError) Error() string {
	return fmt.Sprintf("hook %s exited with code %d", e.Hook, e.ExitCode)
}

func (e *HookError) Unwrap() error { return ErrHookFailure }
