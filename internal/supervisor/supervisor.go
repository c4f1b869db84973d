package supervisor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/ipc"
	"github.com/Paintersrp/warden/internal/osproc"
	"github.com/Paintersrp/warden/internal/probe"
)

// Resolver maps a spec to the executable its main process runs.
type Resolver interface {
	Resolve(ctx context.Context, spec *config.ServiceSpec) (string, error)
}

// Artifact is an executable awaiting verification.
type Artifact struct {
	Unit   string
	Path   string
	Digest string
}

// Verifier accepts or rejects an artifact before its unit may leave Loaded.
type Verifier interface {
	Verify(ctx context.Context, artifact Artifact) error
}

// ConfigSource provides per-unit configuration snapshots.
type ConfigSource interface {
	// Snapshot returns nil when the unit has no configuration.
	Snapshot(ctx context.Context, unit string) (map[string]any, error)
	// Subscribe emits the names of units whose configuration changed.
	Subscribe(ctx context.Context) <-chan string
}

// Renderer writes a snapshot where the unit's processes can read it and
// returns the path.
type Renderer interface {
	Render(unit string, snapshot map[string]any) (string, error)
}

// Options wires a Supervisor to its collaborators. Launcher is required.
type Options struct {
	Launcher Launcher
	Resolver Resolver
	Verifier Verifier
	Configs  ConfigSource
	Renderer Renderer
	// Events receives every unit event. Sends never block.
	Events chan<- Event
	Logger zerolog.Logger
}

// Supervisor owns the units of one supervision instance.
type Supervisor struct {
	opts   Options
	log    zerolog.Logger
	router *exitRouter
	hooks  *hookRunner

	mu      sync.RWMutex
	units   map[string]*unit
	specs   map[string]*config.ServiceSpec
	closing bool

	stopOnce   sync.Once
	stopCh     chan struct{}
	stopReason atomic.Value
}

// New creates a Supervisor without units.
func New(opts Options) *Supervisor {
	log := opts.Logger.With().Str("component", "supervisor").Logger()
	router := newExitRouter()
	return &Supervisor{
		opts:   opts,
		log:    log,
		router: router,
		hooks:  &hookRunner{launcher: opts.Launcher, router: router, log: log},
		units:  make(map[string]*unit),
		specs:  make(map[string]*config.ServiceSpec),
		stopCh: make(chan struct{}),
	}
}

// prepare normalises spec and resolves and verifies its executable.
func (s *Supervisor) prepare(ctx context.Context, spec *config.ServiceSpec) (*config.ServiceSpec, string, probe.Prober, error) {
	if spec == nil {
		return nil, "", nil, errors.New("nil service spec")
	}
	spec = spec.Clone()
	spec.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return nil, "", nil, fmt.Errorf("unit %s: %w", spec.Name, err)
	}
	prober, err := probe.New(spec.Health)
	if err != nil {
		return nil, "", nil, fmt.Errorf("unit %s: health: %w", spec.Name, err)
	}

	exe := spec.Executable()
	if s.opts.Resolver != nil {
		exe, err = s.opts.Resolver.Resolve(ctx, spec)
		if err != nil {
			return nil, "", nil, fmt.Errorf("unit %s: %w", spec.Name, err)
		}
	}
	if s.opts.Verifier != nil {
		artifact := Artifact{Unit: spec.Name, Path: exe}
		if spec.Artifact != nil {
			artifact.Digest = spec.Artifact.Digest
		}
		if err := s.opts.Verifier.Verify(ctx, artifact); err != nil {
			return nil, "", nil, fmt.Errorf("unit %s: %w", spec.Name, err)
		}
	}
	return spec, exe, prober, nil
}

// Load registers a unit and starts it when its desired state is running.
// The artifact is verified first; a rejected unit is never registered.
func (s *Supervisor) Load(ctx context.Context, spec *config.ServiceSpec) (UnitStatus, error) {
	spec, exe, prober, err := s.prepare(ctx, spec)
	if err != nil {
		return UnitStatus{}, err
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return UnitStatus{}, ErrShuttingDown
	}
	if _, ok := s.units[spec.Name]; ok {
		s.mu.Unlock()
		return UnitStatus{}, fmt.Errorf("%s: %w", spec.Name, ErrUnitExists)
	}
	u := newUnit(s, spec, exe, prober)
	s.units[spec.Name] = u
	s.specs[spec.Name] = spec
	s.mu.Unlock()

	go u.run()

	if spec.Desired == config.DesiredRunning {
		return u.send(ctx, command{kind: cmdStart, reason: ReasonInitialStart})
	}
	return u.status(), nil
}

func (s *Supervisor) lookup(name string) (*unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.units[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownUnit)
	}
	return u, nil
}

// Start asks a unit to run. It resets the failure counter and returns once
// the unit is Starting; it does not wait for Running.
func (s *Supervisor) Start(ctx context.Context, name string) (UnitStatus, error) {
	u, err := s.lookup(name)
	if err != nil {
		return UnitStatus{}, err
	}
	if s.shuttingDown() {
		return u.status(), ErrShuttingDown
	}
	return u.send(ctx, command{kind: cmdStart, reason: ReasonOperatorStart})
}

// Stop brings a unit to rest and returns its final status. A zero grace
// uses the unit's grace_period. Stopping a unit at rest is a no-op.
func (s *Supervisor) Stop(ctx context.Context, name string, grace time.Duration) (UnitStatus, error) {
	u, err := s.lookup(name)
	if err != nil {
		return UnitStatus{}, err
	}
	return u.send(ctx, command{kind: cmdStop, reason: ReasonOperatorStop, grace: grace})
}

// Signal delivers sig to the process group of a running unit. It does not
// change the unit's state; an exit it causes is handled like any other.
func (s *Supervisor) Signal(ctx context.Context, name string, sig osproc.Signal) (UnitStatus, error) {
	u, err := s.lookup(name)
	if err != nil {
		return UnitStatus{}, err
	}
	st := u.status()
	if st.State != StateRunning || st.Handle == 0 {
		return st, fmt.Errorf("%s is %s: %w", name, st.State, ErrNotRunning)
	}
	if err := s.opts.Launcher.Signal(ctx, name, st.Handle, sig); err != nil {
		return u.status(), fmt.Errorf("signal %s: %w", name, err)
	}
	s.log.Info().Str("unit", name).Str("signal", string(sig)).Int("pid", st.Pid).Msg("signal delivered")
	return u.status(), nil
}

// Unload stops a unit and forgets it once its processes are reaped.
func (s *Supervisor) Unload(ctx context.Context, name string) error {
	u, err := s.lookup(name)
	if err != nil {
		return err
	}
	if _, err := u.send(ctx, command{kind: cmdUnload, reason: ReasonOperatorStop}); err != nil {
		return err
	}
	s.mu.Lock()
	if s.units[name] == u {
		delete(s.units, name)
		delete(s.specs, name)
	}
	s.mu.Unlock()
	return nil
}

// Apply loads spec, or updates the loaded unit of the same name when the
// spec differs. It is what the spec directory watcher calls.
func (s *Supervisor) Apply(ctx context.Context, spec *config.ServiceSpec) (UnitStatus, error) {
	if spec == nil {
		return UnitStatus{}, errors.New("nil service spec")
	}
	s.mu.RLock()
	u, loaded := s.units[spec.Name]
	current := s.specs[spec.Name]
	s.mu.RUnlock()
	if !loaded {
		return s.Load(ctx, spec)
	}

	next, exe, prober, err := s.prepare(ctx, spec)
	if err != nil {
		return u.status(), err
	}
	if reflect.DeepEqual(sanitize(current), sanitize(next)) {
		return u.status(), nil
	}
	if s.shuttingDown() {
		return u.status(), ErrShuttingDown
	}
	s.mu.Lock()
	s.specs[spec.Name] = next
	s.mu.Unlock()
	return u.send(ctx, command{kind: cmdUpdate, spec: next, exe: exe, prober: prober})
}

// sanitize drops fields that do not affect how the unit runs.
func sanitize(spec *config.ServiceSpec) *config.ServiceSpec {
	if spec == nil {
		return nil
	}
	cp := spec.Clone()
	cp.Source = ""
	return cp
}

// Remove unloads name if it is loaded.
func (s *Supervisor) Remove(ctx context.Context, name string) error {
	err := s.Unload(ctx, name)
	if errors.Is(err, ErrUnknownUnit) {
		return nil
	}
	return err
}

// Status returns every unit, sorted by name.
func (s *Supervisor) Status() []UnitStatus {
	s.mu.RLock()
	units := make([]*unit, 0, len(s.units))
	for _, u := range s.units {
		units = append(units, u)
	}
	s.mu.RUnlock()

	out := make([]UnitStatus, 0, len(units))
	for _, u := range units {
		out = append(out, u.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Unit returns the status of one unit.
func (s *Supervisor) Unit(name string) (UnitStatus, error) {
	u, err := s.lookup(name)
	if err != nil {
		return UnitStatus{}, err
	}
	return u.status(), nil
}

// Reconfigure re-renders the configuration of name and applies it.
func (s *Supervisor) Reconfigure(ctx context.Context, name string) (UnitStatus, error) {
	u, err := s.lookup(name)
	if err != nil {
		return UnitStatus{}, err
	}
	return u.send(ctx, command{kind: cmdReconfigure})
}

// WatchConfigs reconfigures units as their configuration changes, until
// ctx ends.
func (s *Supervisor) WatchConfigs(ctx context.Context) {
	if s.opts.Configs == nil {
		return
	}
	for name := range s.opts.Configs.Subscribe(ctx) {
		if _, err := s.Reconfigure(ctx, name); err != nil && !errors.Is(err, ErrUnknownUnit) {
			s.log.Warn().Err(err).Str("unit", name).Msg("reconfigure failed")
		}
	}
}

func (s *Supervisor) render(ctx context.Context, name string) (string, error) {
	if s.opts.Configs == nil || s.opts.Renderer == nil {
		return "", nil
	}
	snapshot, err := s.opts.Configs.Snapshot(ctx, name)
	if err != nil {
		return "", err
	}
	if snapshot == nil {
		return "", nil
	}
	return s.opts.Renderer.Render(name, snapshot)
}

// OnExitNotification routes a ProcessExited message to the waiting unit or
// hook.
func (s *Supervisor) OnExitNotification(ev ipc.ProcessExited) {
	s.log.Debug().
		Str("unit", ev.Unit).
		Stringer("handle", ev.Handle).
		Str("kind", string(ev.Kind)).
		Int("exit_code", ev.ExitCode).
		Msg("process exited")
	s.router.deliver(ev)
}

// HandleExternalStop requests an orderly shutdown. Only the first reason is
// kept.
func (s *Supervisor) HandleExternalStop(reason string) {
	s.stopOnce.Do(func() {
		s.stopReason.Store(reason)
		s.log.Info().Str("reason", reason).Msg("stop requested")
		close(s.stopCh)
	})
}

// StopRequested is closed once HandleExternalStop has been called.
func (s *Supervisor) StopRequested() <-chan struct{} { return s.stopCh }

// StopReason returns the reason passed to HandleExternalStop.
func (s *Supervisor) StopReason() string {
	reason, _ := s.stopReason.Load().(string)
	return reason
}

func (s *Supervisor) shuttingDown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closing
}

// HandleIPC serves requests and notifications from the launcher.
func (s *Supervisor) HandleIPC(_ context.Context, msg *ipc.Message) (any, error) {
	switch msg.Op {
	case ipc.OpProcessExited:
		var ev ipc.ProcessExited
		if err := msg.Decode(&ev); err != nil {
			return nil, err
		}
		s.OnExitNotification(ev)
		return ipc.Ack{}, nil
	case ipc.OpShutdown:
		var req ipc.ShutdownRequest
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		reason := req.Reason
		if reason == "" {
			reason = "launcher"
		}
		s.HandleExternalStop(reason)
		return ipc.Ack{}, nil
	default:
		return nil, fmt.Errorf("%s: %w", msg.Op, ipc.ErrUnsupported)
	}
}
