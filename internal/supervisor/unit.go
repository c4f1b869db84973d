package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/ipc"
	"github.com/Paintersrp/warden/internal/metrics"
	"github.com/Paintersrp/warden/internal/osproc"
	"github.com/Paintersrp/warden/internal/probe"
	"github.com/Paintersrp/warden/internal/proctable"
)

const (
	// spawnTimeout bounds a Spawn call to the launcher.
	spawnTimeout = 30 * time.Second
	// terminateSlack is added to the grace period when waiting for a
	// Terminate call, covering the force kill.
	terminateSlack = 10 * time.Second
)

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdUnload
	cmdUpdate
	cmdReconfigure
)

type command struct {
	kind   commandKind
	reason string
	grace  time.Duration
	spec   *config.ServiceSpec
	exe    string
	prober probe.Prober
	reply  chan UnitStatus
}

type startResult struct {
	handle     proctable.HandleID
	pid        int
	exited     <-chan ipc.ProcessExited
	configPath string
	err        error
}

type stopResult struct {
	outcome osproc.Outcome
	err     error
}

// unit drives one service. Every field below the channels is owned by the
// run goroutine; readers use the published snapshot.
type unit struct {
	name string
	sup  *Supervisor
	log  zerolog.Logger

	cmds       chan command
	startDone  chan startResult
	stopDone   chan stopResult
	reconfDone chan error
	healthCh   chan Health
	done       chan struct{}
	snapshot   atomic.Pointer[UnitStatus]

	spec       *config.ServiceSpec
	exe        string
	policy     restartPolicy
	prober     probe.Prober
	st         UnitStatus
	hist       history
	configPath string

	exited       <-chan ipc.ProcessExited
	startCancel  context.CancelFunc
	healthCancel context.CancelFunc
	healthDone   chan struct{}
	reconfCancel context.CancelFunc
	backoff      *time.Timer
	backoffC     <-chan time.Time
	stable       *time.Timer
	stableC      <-chan time.Time

	stopHandle     proctable.HandleID
	stopGrace      time.Duration
	stopReason     string
	stopWaiters    []chan UnitStatus
	startAfterStop string
	unloading      bool
	unloadWaiters  []chan UnitStatus
	finished       bool
}

func newUnit(sup *Supervisor, spec *config.ServiceSpec, exe string, prober probe.Prober) *unit {
	u := &unit{
		name:       spec.Name,
		sup:        sup,
		log:        sup.log.With().Str("unit", spec.Name).Logger(),
		cmds:       make(chan command),
		startDone:  make(chan startResult, 1),
		stopDone:   make(chan stopResult, 1),
		reconfDone: make(chan error, 1),
		healthCh:   make(chan Health, 1),
		done:       make(chan struct{}),
		spec:       spec,
		exe:        exe,
		policy:     derivePolicy(spec),
		prober:     prober,
	}
	u.st = UnitStatus{
		Name:        spec.Name,
		Desired:     spec.Desired,
		Health:      HealthUnknown,
		MaxAttempts: u.policy.maxAttempts,
	}
	u.setState(StateLoaded, Event{Type: EventTypeLoaded, Message: joinCommand(append([]string{exe}, spec.Args()...))})
	u.publish()
	return u
}

func (u *unit) status() UnitStatus {
	return u.snapshot.Load().clone()
}

// send hands cmd to the driver and waits for its reply.
func (u *unit) send(ctx context.Context, cmd command) (UnitStatus, error) {
	cmd.reply = make(chan UnitStatus, 1)
	select {
	case u.cmds <- cmd:
	case <-u.done:
		return u.status(), fmt.Errorf("%s: %w", u.name, ErrUnknownUnit)
	case <-ctx.Done():
		return u.status(), ctx.Err()
	}
	select {
	case st := <-cmd.reply:
		return st, nil
	case <-ctx.Done():
		return u.status(), ctx.Err()
	}
}

func (u *unit) run() {
	defer close(u.done)
	for !u.finished {
		select {
		case cmd := <-u.cmds:
			u.handle(cmd)
		case res := <-u.startDone:
			u.onStarted(res)
		case res := <-u.stopDone:
			u.onStopped(res)
		case ev := <-u.exited:
			u.onExit(ev)
		case err := <-u.reconfDone:
			u.onReconfigured(err)
		case h := <-u.healthCh:
			u.onHealth(h)
		case <-u.backoffC:
			u.onBackoff()
		case <-u.stableC:
			u.onStable()
		}
		u.publish()
	}
}

func (u *unit) publish() {
	snap := u.st.clone()
	snap.Events = u.hist.list()
	u.snapshot.Store(&snap)
}

func (u *unit) reply(ch chan UnitStatus) {
	if ch == nil {
		return
	}
	u.publish()
	ch <- u.status()
}

func (u *unit) handle(cmd command) {
	switch cmd.kind {
	case cmdStart:
		u.st.Desired = config.DesiredRunning
		switch u.st.State {
		case StateStarting, StateRunning:
		case StateStopping:
			u.startAfterStop = cmd.reason
		default:
			u.cancelBackoff()
			u.st.Failures = 0
			u.beginStart(cmd.reason)
		}
		u.reply(cmd.reply)
	case cmdStop:
		u.st.Desired = config.DesiredStopped
		u.startAfterStop = ""
		u.requestStop(cmd.grace, cmd.reason, cmd.reply)
	case cmdUnload:
		u.unloading = true
		u.st.Desired = config.DesiredStopped
		u.startAfterStop = ""
		u.unloadWaiters = append(u.unloadWaiters, cmd.reply)
		u.requestStop(0, cmd.reason, nil)
		if u.st.State != StateStopping {
			u.finishUnload()
		}
	case cmdUpdate:
		u.update(cmd.spec, cmd.exe, cmd.prober)
		u.reply(cmd.reply)
	case cmdReconfigure:
		u.reconfigure()
		u.reply(cmd.reply)
	}
}

// setState moves the unit to state and records evt.
func (u *unit) setState(state State, evt Event) {
	if u.st.State != state {
		u.st.State = state
		u.st.Since = time.Now()
		metrics.SetUnitState(u.name, string(state))
	}
	u.record(evt)
}

func (u *unit) record(evt Event) {
	if evt.Type == "" {
		return
	}
	evt.Unit = u.name
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	u.hist.add(evt)
	sendEvent(u.sup.opts.Events, evt)

	entry := u.log.Info()
	if evt.Error != "" {
		entry = u.log.Warn().Str("error", evt.Error)
	}
	if evt.Reason != "" {
		entry = entry.Str("reason", evt.Reason)
	}
	if evt.Attempt > 0 {
		entry = entry.Int("attempt", evt.Attempt)
	}
	if evt.Delay > 0 {
		entry = entry.Dur("delay", evt.Delay)
	}
	entry.Str("state", string(u.st.State)).Msg(string(evt.Type))
}

// beginStart launches the start sequence in the background.
func (u *unit) beginStart(reason string) {
	u.st.RestartPending = false
	u.st.NextRestart = time.Time{}
	u.st.Health = HealthUnknown
	u.setState(StateStarting, Event{
		Type:    EventTypeStarting,
		Reason:  reason,
		Attempt: u.st.Failures + 1,
		Message: joinCommand(append([]string{u.exe}, u.spec.Args()...)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	u.startCancel = cancel
	spec, exe, prober := u.spec, u.exe, u.prober
	go func() {
		u.startDone <- u.startSequence(ctx, spec, exe, prober)
	}()
}

// startSequence renders config, runs pre_start, spawns the main process and
// waits until it is alive. On failure the main group is already reaped,
// except when ctx was cancelled: the handle is then left to the stop path.
func (u *unit) startSequence(ctx context.Context, spec *config.ServiceSpec, exe string, prober probe.Prober) (res startResult) {
	configPath, err := u.sup.render(ctx, u.name)
	if err != nil {
		res.err = fmt.Errorf("render config: %w", err)
		return res
	}
	res.configPath = configPath
	call := hookCall{unit: u.name, spec: spec, configPath: configPath}

	if err := u.sup.hooks.run(ctx, call, HookPreStart, spec.Hooks.PreStart); err != nil {
		res.err = err
		return res
	}
	if err := ctx.Err(); err != nil {
		res.err = err
		return res
	}

	env := append(spec.EnvList(), EnvUnit+"="+u.name)
	if configPath != "" {
		env = append(env, EnvServiceConfig+"="+configPath)
	}
	spawnCtx, cancelSpawn := context.WithTimeout(context.WithoutCancel(ctx), spawnTimeout)
	resp, err := u.sup.opts.Launcher.Spawn(spawnCtx, ipc.SpawnRequest{
		Unit: u.name,
		Kind: proctable.KindMain,
		Path: exe,
		Args: spec.Args(),
		Env:  env,
		Dir:  spec.Workdir,
		User: spec.RunAs,
	})
	cancelSpawn()
	if err != nil {
		res.err = err
		return res
	}
	res.handle, res.pid = resp.Handle, resp.Pid
	res.exited = u.sup.router.await(resp.Handle)

	if err := u.awaitAlive(ctx, spec, prober, &res); err != nil {
		res.err = err
		if ctx.Err() == nil {
			u.discard(res.handle)
			res.handle, res.pid, res.exited = 0, 0, nil
		}
	}
	return res
}

// awaitAlive waits for the launcher to report the main process running and,
// when a probe is configured, for the probe to pass, all within the start
// timeout.
func (u *unit) awaitAlive(ctx context.Context, spec *config.ServiceSpec, prober probe.Prober, res *startResult) error {
	timeout := spec.Timeouts.Start.Duration
	if timeout <= 0 {
		timeout = config.DefaultStartTimeout
	}
	aliveCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status, err := u.sup.opts.Launcher.Status(aliveCtx, u.name, res.handle)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("status: %w", err)
	}
	switch status.State {
	case ipc.StateExited:
		return fmt.Errorf("%w: exit code %d during start", ErrProcessVanished, status.ExitCode)
	case ipc.StateUnknown:
		return fmt.Errorf("%w: handle %s unknown to launcher", ErrProcessVanished, res.handle)
	}
	if prober == nil {
		return nil
	}

	ready := make(chan error, 1)
	go func() {
		ready <- probe.WaitReady(aliveCtx, prober, probe.SettingsFor(spec.Health))
	}()
	select {
	case ev := <-res.exited:
		cancel()
		<-ready
		return fmt.Errorf("%w: exit code %d during start", ErrProcessVanished, ev.ExitCode)
	case err := <-ready:
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w within %s: %v", ErrStartTimeout, timeout, err)
	}
}

// discard force-terminates a group and forgets its exit.
func (u *unit) discard(handle proctable.HandleID) {
	if handle == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), terminateSlack)
	defer cancel()
	outcome, err := u.sup.opts.Launcher.Terminate(ctx, u.name, handle, 0)
	u.sup.router.forget(handle)
	switch {
	case err == nil:
		metrics.ObserveTermination(string(outcome))
	case !errors.Is(err, ErrNoSuchProcess):
		u.log.Error().Err(err).Stringer("handle", handle).Msg("reap main group")
	}
}

func (u *unit) onStarted(res startResult) {
	if u.startCancel != nil {
		u.startCancel()
		u.startCancel = nil
	}
	if res.configPath != "" {
		u.configPath = res.configPath
	}
	if u.st.State == StateStopping {
		u.launchStop(res.handle)
		return
	}
	if res.err != nil {
		u.onFailure(res.err, ReasonStartFailure)
		return
	}
	u.st.Handle, u.st.Pid = res.handle, res.pid
	u.exited = res.exited
	u.setState(StateRunning, Event{Type: EventTypeRunning, Message: fmt.Sprintf("pid %d", res.pid)})
	u.armStable()
	u.startHealth()
}

func (u *unit) onExit(ev ipc.ProcessExited) {
	u.exited = nil
	code := ev.ExitCode
	u.st.LastExit = &code
	u.abandonRunning()
	u.onFailure(fmt.Errorf("%w: exit code %d", ErrProcessVanished, code), ReasonProcessExit)
}

// abandonRunning tears down everything tied to the current main process
// without the stop path.
func (u *unit) abandonRunning() {
	u.exited = nil
	u.cancelReconfigure()
	u.disarmStable()
	if done := u.stopHealth(); done != nil {
		<-done
	}
	u.discard(u.st.Handle)
	u.st.Handle, u.st.Pid = 0, 0
}

// onFailure counts a failure and schedules a restart or gives up.
func (u *unit) onFailure(err error, reason string) {
	u.st.Failures++
	u.st.LastError = err.Error()
	u.st.Health = HealthUnknown
	u.record(Event{Type: EventTypeCrashed, Reason: reason, Attempt: u.st.Failures, Error: err.Error()})

	if u.policy.exhausted(u.st.Failures) {
		u.st.RestartPending = false
		u.st.NextRestart = time.Time{}
		u.setState(StateFailed, Event{
			Type:    EventTypeFailed,
			Reason:  ReasonRetriesExhaust,
			Attempt: u.st.Failures,
			Error:   err.Error(),
		})
		return
	}

	delay := u.policy.delay(u.st.Failures)
	u.st.RestartPending = true
	u.st.NextRestart = time.Now().Add(delay)
	u.setState(StateFailed, Event{
		Type:    EventTypeRestartScheduled,
		Reason:  reason,
		Attempt: u.st.Failures,
		Delay:   delay,
	})
	u.backoff = time.NewTimer(delay)
	u.backoffC = u.backoff.C
}

func (u *unit) onBackoff() {
	u.backoff, u.backoffC = nil, nil
	if u.st.State != StateFailed || !u.st.RestartPending {
		return
	}
	metrics.IncUnitRestart(u.name)
	u.beginStart(ReasonRestart)
}

func (u *unit) cancelBackoff() {
	if u.backoff != nil {
		u.backoff.Stop()
	}
	u.backoff, u.backoffC = nil, nil
	u.st.RestartPending = false
	u.st.NextRestart = time.Time{}
}

func (u *unit) armStable() {
	u.disarmStable()
	if u.policy.stableAfter <= 0 {
		u.st.Failures = 0
		return
	}
	u.stable = time.NewTimer(u.policy.stableAfter)
	u.stableC = u.stable.C
}

func (u *unit) disarmStable() {
	if u.stable != nil {
		u.stable.Stop()
	}
	u.stable, u.stableC = nil, nil
}

func (u *unit) onStable() {
	u.stable, u.stableC = nil, nil
	if u.st.State == StateRunning && u.st.Failures > 0 {
		u.log.Info().Int("failures", u.st.Failures).Dur("stable_after", u.policy.stableAfter).Msg("failure counter reset")
		u.st.Failures = 0
	}
}

// requestStop moves the unit towards Stopped. reply receives the status once
// the unit is at rest.
func (u *unit) requestStop(grace time.Duration, reason string, reply chan UnitStatus) {
	if reason == "" {
		reason = ReasonOperatorStop
	}
	switch u.st.State {
	case StateRunning:
		u.stopGrace, u.stopReason = grace, reason
		u.stopWaiters = append(u.stopWaiters, reply)
		u.setState(StateStopping, Event{Type: EventTypeStopping, Reason: reason})
		u.launchStop(u.st.Handle)
	case StateStarting:
		u.stopGrace, u.stopReason = grace, reason
		u.stopWaiters = append(u.stopWaiters, reply)
		u.setState(StateStopping, Event{Type: EventTypeStopping, Reason: reason})
		if u.startCancel != nil {
			u.startCancel()
		}
	case StateStopping:
		u.stopWaiters = append(u.stopWaiters, reply)
	case StateFailed:
		if u.st.RestartPending {
			// Nothing is running during backoff, so Stopping has no
			// post_stop or terminate work and completes immediately.
			u.cancelBackoff()
			u.setState(StateStopping, Event{Type: EventTypeStopping, Reason: reason})
			u.setState(StateStopped, Event{Type: EventTypeStopped, Reason: reason, Message: "pending restart cancelled"})
		}
		u.reply(reply)
	default:
		u.reply(reply)
	}
}

// launchStop runs post_stop and terminates handle in the background.
func (u *unit) launchStop(handle proctable.HandleID) {
	u.exited = nil
	u.stopHandle = handle
	u.cancelReconfigure()
	u.disarmStable()
	healthDone := u.stopHealth()

	spec := u.spec
	grace := u.stopGrace
	if grace <= 0 {
		grace = spec.GracePeriod.Duration
	}
	call := hookCall{unit: u.name, spec: spec, configPath: u.configPath}
	go func() {
		u.stopDone <- u.stopSequence(call, handle, grace, healthDone)
	}()
}

func (u *unit) stopSequence(call hookCall, handle proctable.HandleID, grace time.Duration, healthDone <-chan struct{}) stopResult {
	if healthDone != nil {
		<-healthDone
	}
	stopTimeout := call.spec.Timeouts.Stop.Duration
	if stopTimeout <= 0 {
		stopTimeout = config.DefaultStopTimeout
	}
	hookCtx, cancelHook := context.WithTimeout(context.Background(), stopTimeout)
	err := u.sup.hooks.run(hookCtx, call, HookPostStop, call.spec.Hooks.PostStop)
	cancelHook()
	if err != nil {
		u.log.Warn().Err(err).Msg("post_stop hook failed")
	}

	if handle == 0 {
		return stopResult{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace+terminateSlack)
	defer cancel()
	outcome, err := u.sup.opts.Launcher.Terminate(ctx, u.name, handle, grace)
	switch {
	case errors.Is(err, ErrNoSuchProcess):
		return stopResult{outcome: osproc.OutcomeTerminated}
	case err != nil:
		return stopResult{err: fmt.Errorf("terminate %s: %w", handle, err)}
	}
	metrics.ObserveTermination(string(outcome))
	return stopResult{outcome: outcome}
}

func (u *unit) onStopped(res stopResult) {
	u.sup.router.forget(u.stopHandle)
	u.stopHandle = 0
	u.st.Handle, u.st.Pid = 0, 0
	u.st.Health = HealthUnknown
	metrics.SetUnitHealthy(u.name, false)

	if res.err != nil {
		u.st.LastError = res.err.Error()
		u.st.RestartPending = false
		u.setState(StateFailed, Event{Type: EventTypeFailed, Reason: ReasonStopFailed, Error: res.err.Error()})
	} else {
		msg := ""
		if res.outcome != "" {
			msg = string(res.outcome)
		}
		u.setState(StateStopped, Event{Type: EventTypeStopped, Reason: u.stopReason, Message: msg})
	}

	waiters := u.stopWaiters
	u.stopWaiters = nil
	u.stopGrace, u.stopReason = 0, ""
	for _, ch := range waiters {
		u.reply(ch)
	}

	if u.unloading {
		u.finishUnload()
		return
	}
	if reason := u.startAfterStop; reason != "" {
		u.startAfterStop = ""
		u.beginStart(reason)
	}
}

func (u *unit) finishUnload() {
	u.cancelBackoff()
	u.disarmStable()
	u.record(Event{Type: EventTypeUnloaded})
	metrics.ResetUnit(u.name)
	u.finished = true
	waiters := u.unloadWaiters
	u.unloadWaiters = nil
	for _, ch := range waiters {
		u.reply(ch)
	}
}

// update swaps in a new spec. A started unit restarts to pick it up.
func (u *unit) update(spec *config.ServiceSpec, exe string, prober probe.Prober) {
	u.spec = spec
	u.exe = exe
	u.prober = prober
	u.policy = derivePolicy(spec)
	u.st.MaxAttempts = u.policy.maxAttempts

	switch spec.Desired {
	case config.DesiredStopped:
		u.st.Desired = config.DesiredStopped
		u.startAfterStop = ""
		u.requestStop(0, ReasonSpecChanged, nil)
	default:
		u.st.Desired = config.DesiredRunning
		switch u.st.State {
		case StateRunning, StateStarting:
			u.startAfterStop = ReasonSpecChanged
			u.requestStop(0, ReasonSpecChanged, nil)
		case StateStopping:
			u.startAfterStop = ReasonSpecChanged
		default:
			u.cancelBackoff()
			u.st.Failures = 0
			u.beginStart(ReasonSpecChanged)
		}
	}
}

// reconfigure applies a config change: the reconfigure hook runs against the
// re-rendered config, or the unit restarts when it has none.
func (u *unit) reconfigure() {
	if u.st.State != StateRunning {
		return
	}
	hook := u.spec.Hooks.Reconfigure
	if hook == nil {
		u.startAfterStop = ReasonConfigChanged
		u.requestStop(0, ReasonConfigChanged, nil)
		return
	}
	u.cancelReconfigure()
	ctx, cancel := context.WithCancel(context.Background())
	u.reconfCancel = cancel
	spec := u.spec
	go func() {
		path, err := u.sup.render(ctx, u.name)
		if err == nil {
			err = u.sup.hooks.run(ctx, hookCall{unit: u.name, spec: spec, configPath: path}, HookReconfigure, hook)
		}
		select {
		case u.reconfDone <- err:
		case <-ctx.Done():
		}
	}()
}

func (u *unit) cancelReconfigure() {
	if u.reconfCancel != nil {
		u.reconfCancel()
		u.reconfCancel = nil
	}
}

func (u *unit) onReconfigured(err error) {
	u.reconfCancel = nil
	if u.st.State != StateRunning {
		return
	}
	if err == nil {
		u.record(Event{Type: EventTypeReconfigured, Reason: ReasonConfigChanged})
		return
	}
	u.abandonRunning()
	u.onFailure(err, ReasonHookFailure)
}

// startHealth begins periodic checks of the running unit.
func (u *unit) startHealth() {
	spec := u.spec
	hook := spec.Hooks.HealthCheck
	if u.prober == nil && hook == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	u.healthCancel, u.healthDone = cancel, done

	report := func(h Health) bool {
		select {
		case u.healthCh <- h:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if u.prober != nil {
		events := probe.Watch(ctx, u.prober, probe.SettingsFor(spec.Health), nil)
		go func() {
			defer close(done)
			for ev := range events {
				metrics.ObserveProbeLatency(u.name, ev.Latency)
				h := HealthCritical
				if ev.Status == probe.StatusReady {
					h = HealthOK
				}
				if !report(h) {
					return
				}
			}
		}()
		return
	}

	interval := config.DefaultHealthInterval
	if spec.Health != nil && spec.Health.Interval.Duration > 0 {
		interval = spec.Health.Interval.Duration
	}
	call := hookCall{unit: u.name, spec: spec, configPath: u.configPath}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			h := u.sup.hooks.health(ctx, call, hook)
			if ctx.Err() != nil || !report(h) {
				return
			}
		}
	}()
}

// stopHealth cancels the health checker and returns a channel closed once
// it, and any hook it was running, is gone.
func (u *unit) stopHealth() <-chan struct{} {
	if u.healthCancel == nil {
		return nil
	}
	u.healthCancel()
	done := u.healthDone
	u.healthCancel, u.healthDone = nil, nil
	return done
}

func (u *unit) onHealth(h Health) {
	if u.st.State != StateRunning || u.st.Health == h {
		return
	}
	u.st.Health = h
	metrics.SetUnitHealthy(u.name, h == HealthOK)
	u.record(Event{Type: EventTypeHealth, Message: string(h)})
}
