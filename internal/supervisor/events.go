package supervisor

import (
	"time"
)

// EventType captures unit lifecycle notifications.
type EventType string

const (
	EventTypeLoaded           EventType = "loaded"
	EventTypeStarting         EventType = "starting"
	EventTypeRunning          EventType = "running"
	EventTypeStopping         EventType = "stopping"
	EventTypeStopped          EventType = "stopped"
	EventTypeCrashed          EventType = "crashed"
	EventTypeFailed           EventType = "failed"
	EventTypeRestartScheduled EventType = "restart_scheduled"
	EventTypeHealth           EventType = "health"
	EventTypeHook             EventType = "hook"
	EventTypeReconfigured     EventType = "reconfigured"
	EventTypeUnloaded         EventType = "unloaded"
)

// Event is one entry of a unit's history.
type Event struct {
	Timestamp time.Time     `json:"timestamp"`
	Unit      string        `json:"unit"`
	Type      EventType     `json:"type"`
	Message   string        `json:"message,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Delay     time.Duration `json:"delay,omitempty"`
	Error     string        `json:"error,omitempty"`
}

const (
	ReasonOperatorStart  = "operator_start"
	ReasonOperatorStop   = "operator_stop"
	ReasonInitialStart   = "initial_start"
	ReasonRestart        = "restart"
	ReasonStartFailure   = "start_failure"
	ReasonProcessExit    = "process_exit"
	ReasonHookFailure    = "hook_failure"
	ReasonRetriesExhaust = "retries_exhausted"
	ReasonStopFailed     = "stop_failed"
	ReasonConfigChanged  = "config_changed"
	ReasonSpecChanged    = "spec_changed"
	ReasonShutdown       = "shutdown"
	ReasonStable         = "stable"
)

// historyLimit is the number of events kept per unit.
const historyLimit = 20

type history struct {
	events []Event
}

func (h *history) add(evt Event) {
	if len(h.events) == historyLimit {
		copy(h.events, h.events[1:])
		h.events = h.events[:historyLimit-1]
	}
	h.events = append(h.events, evt)
}

func (h *history) list() []Event {
	return append([]Event(nil), h.events...)
}

// sendEvent never blocks; a full channel drops the event.
func sendEvent(events chan<- Event, evt Event) {
	if events == nil {
		return
	}
	select {
	case events <- evt:
	default:
	}
}
