// Package api defines the operator control surface of a running
// supervisor.
package api

import (
	stdcontext "context"
	"errors"
	"time"

	"github.com/Paintersrp/warden/internal/supervisor"
)

var (
	// ErrInvalidSpec is returned for service documents that fail to parse
	// or validate.
	ErrInvalidSpec = errors.New("invalid service spec")
	// ErrInvalidRequest is returned for malformed request bodies.
	ErrInvalidRequest = errors.New("invalid request")
)

// StatusReport describes every loaded unit.
type StatusReport struct {
	Instance    string                  `json:"instance"`
	Version     string                  `json:"version"`
	GeneratedAt time.Time               `json:"generated_at"`
	Units       []supervisor.UnitStatus `json:"units"`
}

// LoadRequest submits a service document in its YAML form.
type LoadRequest struct {
	Document string `json:"document"`
	// Source names where the document came from, for error messages.
	Source string `json:"source,omitempty"`
	// Replace updates an already loaded unit instead of failing.
	Replace bool `json:"replace,omitempty"`
}

// StopRequest tunes a stop. An empty Grace uses the unit's grace_period.
type StopRequest struct {
	Grace string `json:"grace,omitempty"`
}

// SignalRequest names the signal to deliver, e.g. "hup" or "SIGUSR1".
type SignalRequest struct {
	Signal string `json:"signal"`
}

// ShutdownRequest asks the supervisor to stop every unit and exit.
type ShutdownRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ShutdownResult acknowledges a shutdown request.
type ShutdownResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
}

// Controller exposes supervisor operations to control servers.
type Controller interface {
	Status(stdcontext.Context) (*StatusReport, error)
	Unit(stdcontext.Context, string) (*supervisor.UnitStatus, error)
	Load(stdcontext.Context, LoadRequest) (*supervisor.UnitStatus, error)
	Start(stdcontext.Context, string) (*supervisor.UnitStatus, error)
	Stop(stdcontext.Context, string, time.Duration) (*supervisor.UnitStatus, error)
	Signal(stdcontext.Context, string, string) (*supervisor.UnitStatus, error)
	Unload(stdcontext.Context, string) error
	Shutdown(stdcontext.Context, string) (*ShutdownResult, error)
}
