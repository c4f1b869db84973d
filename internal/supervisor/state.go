package supervisor

import (
	"time"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/proctable"
)

// State is the actual lifecycle state of a unit.
type State string

const (
	StateLoaded   State = "loaded"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Health is the last health check verdict of a running unit.
type Health string

const (
	HealthUnknown  Health = "unknown"
	HealthOK       Health = "ok"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)

// healthFromExit maps a health_check hook exit code to a verdict.
func healthFromExit(code int) Health {
	switch code {
	case 0:
		return HealthOK
	case 1:
		return HealthWarning
	case 2:
		return HealthCritical
	default:
		return HealthUnknown
	}
}

// UnitStatus is a point-in-time snapshot of one unit.
type UnitStatus struct {
	Name           string              `json:"name"`
	State          State               `json:"state"`
	Desired        config.DesiredState `json:"desired"`
	Health         Health              `json:"health"`
	Handle         proctable.HandleID  `json:"handle,omitempty"`
	Pid            int                 `json:"pid,omitempty"`
	RestartPending bool                `json:"restart_pending"`
	NextRestart    time.Time           `json:"next_restart,omitempty"`
	Failures       int                 `json:"failures"`
	MaxAttempts    int                 `json:"max_attempts"`
	LastExit       *int                `json:"last_exit,omitempty"`
	LastError      string              `json:"last_error,omitempty"`
	Since          time.Time           `json:"since"`
	Events         []Event             `json:"events,omitempty"`
}

// Terminal reports whether the unit stays where it is until an operator acts.
func (s UnitStatus) Terminal() bool {
	switch s.State {
	case StateLoaded, StateStopped:
		return true
	case StateFailed:
		return !s.RestartPending
	}
	return false
}

func (s UnitStatus) clone() UnitStatus {
	cp := s
	if s.LastExit != nil {
		code := *s.LastExit
		cp.LastExit = &code
	}
	cp.Events = append([]Event(nil), s.Events...)
	return cp
}
