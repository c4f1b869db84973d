package tui

import (
	"testing"
	"time"

	"github.com/Paintersrp/warden/internal/supervisor"
)

func TestFormatEventMessage(t *testing.T) {
	tests := []struct {
		name string
		evt  supervisor.Event
		want string
	}{
		{
			name: "message only",
			evt:  supervisor.Event{Message: "pre_start ok"},
			want: "pre_start ok",
		},
		{
			name: "error only",
			evt:  supervisor.Event{Error: "exit code 3"},
			want: "exit code 3",
		},
		{
			name: "message and error",
			evt:  supervisor.Event{Message: "start failed", Error: "missing binary"},
			want: "start failed: missing binary",
		},
		{
			name: "error and reason",
			evt:  supervisor.Event{Error: "exit code 1", Reason: supervisor.ReasonProcessExit},
			want: "exit code 1 (process_exit)",
		},
		{
			name: "reason only",
			evt:  supervisor.Event{Reason: supervisor.ReasonOperatorStop},
			want: "operator_stop",
		},
		{
			name: "scheduled restart",
			evt:  supervisor.Event{Reason: supervisor.ReasonProcessExit, Message: "crashed", Delay: 2 * time.Second},
			want: "crashed (process_exit) after 2s",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatEventMessage(tt.evt); got != tt.want {
				t.Fatalf("formatEventMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatState(t *testing.T) {
	tests := []struct {
		st   supervisor.UnitStatus
		want string
	}{
		{supervisor.UnitStatus{State: supervisor.StateRunning}, "Running"},
		{supervisor.UnitStatus{State: supervisor.StateFailed, RestartPending: true}, "Backoff"},
		{supervisor.UnitStatus{State: supervisor.StateFailed}, "Failed"},
		{supervisor.UnitStatus{}, "-"},
	}
	for _, tt := range tests {
		if got := formatState(tt.st); got != tt.want {
			t.Fatalf("formatState(%+v) = %q, want %q", tt.st, got, tt.want)
		}
	}
}
