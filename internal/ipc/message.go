package ipc

import (
	"fmt"
	"time"

	"github.com/Paintersrp/warden/internal/osproc"
	"github.com/Paintersrp/warden/internal/proctable"
)

// Op tags the purpose of a frame.
type Op uint16

const (
	OpSpawn Op = iota + 1
	OpSignal
	OpTerminate
	OpStatus
	OpSupervisorReady
	OpShutdown
	OpSupervisorExiting
	OpProcessExited
)

var opNames = map[Op]string{
	OpSpawn:             "spawn",
	OpSignal:            "signal",
	OpTerminate:         "terminate",
	OpStatus:            "status",
	OpSupervisorReady:   "supervisor_ready",
	OpShutdown:          "shutdown",
	OpSupervisorExiting: "supervisor_exiting",
	OpProcessExited:     "process_exited",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint16(o))
}

// ControlCorrelation tags traffic that is not owned by a unit.
const ControlCorrelation = "warden"

// EnvInstance carries the instance id the launcher assigns to a supervisor.
// The supervisor echoes it back in SupervisorReady.
const EnvInstance = "WARDEN_INSTANCE"

// SpawnRequest asks the launcher to start a process in a new group.
type SpawnRequest struct {
	Unit string         `json:"unit"`
	Kind proctable.Kind `json:"kind"`
	Path string         `json:"path"`
	Args []string       `json:"args,omitempty"`
	Env  []string       `json:"env,omitempty"`
	Dir  string         `json:"dir,omitempty"`
	User string         `json:"user,omitempty"`
}

// SpawnResponse identifies the new group.
type SpawnResponse struct {
	Handle proctable.HandleID `json:"handle"`
	Pid    int                `json:"pid"`
}

// SignalRequest delivers a signal to every member of a group.
type SignalRequest struct {
	Handle proctable.HandleID `json:"handle"`
	Signal osproc.Signal      `json:"signal"`
}

// TerminateRequest stops a group, force-killing it after Grace.
type TerminateRequest struct {
	Handle  proctable.HandleID `json:"handle"`
	GraceMS int64              `json:"grace_ms"`
}

// Grace returns the grace period as a duration.
func (r TerminateRequest) Grace() time.Duration {
	return time.Duration(r.GraceMS) * time.Millisecond
}

// TerminateResponse reports how the group ended.
type TerminateResponse struct {
	Outcome osproc.Outcome `json:"outcome"`
}

// StatusRequest asks for the state of a group leader.
type StatusRequest struct {
	Handle proctable.HandleID `json:"handle"`
}

// ProcessState is the launcher's view of a handle.
type ProcessState string

const (
	StateRunning ProcessState = "running"
	StateExited  ProcessState = "exited"
	StateUnknown ProcessState = "unknown"
)

// StatusResponse describes a handle. ExitCode is set for StateExited.
type StatusResponse struct {
	State    ProcessState `json:"state"`
	ExitCode int          `json:"exit_code,omitempty"`
}

// SupervisorReady is the first message the supervisor sends.
type SupervisorReady struct {
	Pid      int    `json:"pid"`
	Version  string `json:"version"`
	Instance string `json:"instance"`
}

// ShutdownRequest asks the supervisor to stop every unit and exit.
type ShutdownRequest struct {
	Reason string `json:"reason"`
}

// SupervisorExiting announces an orderly supervisor exit.
type SupervisorExiting struct {
	Reason string `json:"reason"`
}

// ProcessExited tells the supervisor a group leader has exited.
type ProcessExited struct {
	Handle   proctable.HandleID `json:"handle"`
	Unit     string             `json:"unit"`
	Kind     proctable.Kind     `json:"kind"`
	Pid      int                `json:"pid"`
	ExitCode int                `json:"exit_code"`
	At       time.Time          `json:"at"`
}

// Ack is the empty success response.
type Ack struct{}
