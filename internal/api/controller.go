package api

import (
	stdcontext "context"
	"fmt"
	"time"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/osproc"
	"github.com/Paintersrp/warden/internal/supervisor"
)

// SupervisorController serves the control surface from a Supervisor.
type SupervisorController struct {
	Supervisor *supervisor.Supervisor
	Instance   string
	Version    string
}

// NewSupervisorController wraps sup.
func NewSupervisorController(sup *supervisor.Supervisor, instance, version string) *SupervisorController {
	return &SupervisorController{Supervisor: sup, Instance: instance, Version: version}
}

// Status returns every loaded unit.
func (c *SupervisorController) Status(ctx stdcontext.Context) (*StatusReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &StatusReport{
		Instance:    c.Instance,
		Version:     c.Version,
		GeneratedAt: time.Now(),
		Units:       c.Supervisor.Status(),
	}, nil
}

// Unit returns one unit.
func (c *SupervisorController) Unit(_ stdcontext.Context, name string) (*supervisor.UnitStatus, error) {
	st, err := c.Supervisor.Unit(name)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Load parses the submitted document and loads the unit it describes.
func (c *SupervisorController) Load(ctx stdcontext.Context, req LoadRequest) (*supervisor.UnitStatus, error) {
	source := req.Source
	if source == "" {
		source = "request"
	}
	spec, err := config.ParseService([]byte(req.Document), config.ParseOptions{Source: source})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	spec.Source = ""

	var st supervisor.UnitStatus
	if req.Replace {
		st, err = c.Supervisor.Apply(ctx, spec)
	} else {
		st, err = c.Supervisor.Load(ctx, spec)
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Start asks a unit to run.
func (c *SupervisorController) Start(ctx stdcontext.Context, name string) (*supervisor.UnitStatus, error) {
	st, err := c.Supervisor.Start(ctx, name)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Stop brings a unit to rest.
func (c *SupervisorController) Stop(ctx stdcontext.Context, name string, grace time.Duration) (*supervisor.UnitStatus, error) {
	st, err := c.Supervisor.Stop(ctx, name, grace)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Signal delivers a named signal to a running unit.
func (c *SupervisorController) Signal(ctx stdcontext.Context, name, signal string) (*supervisor.UnitStatus, error) {
	sig, err := osproc.ParseSignal(signal)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	st, err := c.Supervisor.Signal(ctx, name, sig)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Unload stops and forgets a unit.
func (c *SupervisorController) Unload(ctx stdcontext.Context, name string) error {
	return c.Supervisor.Unload(ctx, name)
}

// Shutdown requests an orderly exit. It returns before units are stopped.
func (c *SupervisorController) Shutdown(_ stdcontext.Context, reason string) (*ShutdownResult, error) {
	if reason == "" {
		reason = "operator"
	}
	c.Supervisor.HandleExternalStop(reason)
	return &ShutdownResult{Accepted: true, Reason: c.Supervisor.StopReason()}, nil
}

var _ Controller = (*SupervisorController)(nil)
