package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/ipc"
	"github.com/Paintersrp/warden/internal/osproc"
	"github.com/Paintersrp/warden/internal/proctable"
)

func TestLoadStartsDesiredRunningUnit(t *testing.T) {
	sup, fl := newTestSupervisor(t, nil)

	st, err := sup.Load(context.Background(), testSpec("web", "serve"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.State != StateStarting && st.State != StateRunning {
		t.Fatalf("expected unit to be starting, got %s", st.State)
	}
	st = waitUnit(t, sup, "web", "running", inState(StateRunning))
	if st.Handle == 0 || st.Pid == 0 {
		t.Fatalf("running unit without handle: %+v", st)
	}
	if got := fl.live("web"); got != 1 {
		t.Fatalf("expected one live group, got %d", got)
	}
	if _, err := sup.Load(context.Background(), testSpec("web", "serve")); !errors.Is(err, ErrUnitExists) {
		t.Fatalf("expected ErrUnitExists, got %v", err)
	}
}

func TestLoadDesiredStoppedStaysLoaded(t *testing.T) {
	sup, fl := newTestSupervisor(t, nil)
	spec := testSpec("batch", "serve")
	spec.Desired = config.DesiredStopped

	st, err := sup.Load(context.Background(), spec)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.State != StateLoaded {
		t.Fatalf("expected loaded, got %s", st.State)
	}
	if n := fl.count("spawn"); n != 0 {
		t.Fatalf("expected no spawn, got %d", n)
	}
}

func TestCrashRestartsWithBackoffUntilExhausted(t *testing.T) {
	sup, fl := newTestSupervisor(t, nil)
	if _, err := sup.Load(context.Background(), testSpec("web", "crash")); err != nil {
		t.Fatalf("load: %v", err)
	}

	st := waitUnit(t, sup, "web", "terminal failure", func(st UnitStatus) bool {
		return st.State == StateFailed && !st.RestartPending
	})
	if st.Failures != 3 {
		t.Fatalf("expected 3 failures, got %d", st.Failures)
	}
	if n := fl.count("spawn web main"); n != 3 {
		t.Fatalf("expected exactly 3 spawns, got %d", n)
	}

	scheduled := eventsOf(st, EventTypeRestartScheduled)
	if len(scheduled) != 2 {
		t.Fatalf("expected 2 scheduled restarts, got %d", len(scheduled))
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	for i, evt := range scheduled {
		if evt.Delay != want[i] {
			t.Fatalf("restart %d: expected delay %s, got %s", i+1, want[i], evt.Delay)
		}
	}

	failed := eventsOf(st, EventTypeFailed)
	if len(failed) != 1 || failed[0].Reason != ReasonRetriesExhaust {
		t.Fatalf("expected one retries_exhausted event, got %+v", failed)
	}
	if fl.tracked("web") != 0 {
		t.Fatalf("failed unit left handles behind")
	}

	// Terminal: nothing else happens.
	time.Sleep(100 * time.Millisecond)
	if n := fl.count("spawn web main"); n != 3 {
		t.Fatalf("terminal unit was restarted: %d spawns", n)
	}
}

func TestMaxAttemptsZeroFailsOnFirstFailure(t *testing.T) {
	sup, fl := newTestSupervisor(t, nil)
	spec := testSpec("web", "crash")
	zero := 0
	spec.Restart.MaxAttempts = &zero
	if _, err := sup.Load(context.Background(), spec); err != nil {
		t.Fatalf("load: %v", err)
	}
	st := waitUnit(t, sup, "web", "failed", func(st UnitStatus) bool {
		return st.State == StateFailed && !st.RestartPending
	})
	if st.Failures != 1 || fl.count("spawn web main") != 1 {
		t.Fatalf("expected a single attempt, got failures=%d spawns=%d", st.Failures, fl.count("spawn web main"))
	}
}

func TestSpawnFailureCountsAgainstPolicy(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)
	if _, err := sup.Load(context.Background(), testSpec("web", "fail-spawn")); err != nil {
		t.Fatalf("load: %v", err)
	}
	st := waitUnit(t, sup, "web", "failed", func(st UnitStatus) bool {
		return st.State == StateFailed && !st.RestartPending
	})
	if !strings.Contains(st.LastError, "missing_binary") {
		t.Fatalf("expected launch failure in last error, got %q", st.LastError)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	sup, fl := newTestSupervisor(t, nil)
	ctx := context.Background()
	if _, err := sup.Load(ctx, testSpec("web", "serve")); err != nil {
		t.Fatalf("load: %v", err)
	}
	waitUnit(t, sup, "web", "running", inState(StateRunning))

	st, err := sup.Stop(ctx, "web", 0)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st.State != StateStopped {
		t.Fatalf("expected stopped, got %s", st.State)
	}
	if fl.live("web") != 0 || fl.tracked("web") != 0 {
		t.Fatalf("stopped unit still has groups")
	}
	terminates := fl.count("terminate web")

	for i := 0; i < 3; i++ {
		st, err = sup.Stop(ctx, "web", 0)
		if err != nil || st.State != StateStopped {
			t.Fatalf("repeated stop: state=%s err=%v", st.State, err)
		}
	}
	if got := fl.count("terminate web"); got != terminates {
		t.Fatalf("repeated stop issued %d more terminates", got-terminates)
	}

	// A stop never restarts the unit.
	time.Sleep(50 * time.Millisecond)
	if st, _ := sup.Unit("web"); st.State != StateStopped {
		t.Fatalf("unit left stopped state: %s", st.State)
	}
}

func TestStopDuringBackoffCancelsRestart(t *testing.T) {
	sup, fl := newTestSupervisor(t, nil)
	spec := testSpec("web", "crash")
	spec.Restart.Initial = config.D(time.Hour)
	spec.Restart.Max = config.D(time.Hour)
	if _, err := sup.Load(context.Background(), spec); err != nil {
		t.Fatalf("load: %v", err)
	}
	waitUnit(t, sup, "web", "restart pending", func(st UnitStatus) bool { return st.RestartPending })

	start := time.Now()
	st, err := sup.Stop(context.Background(), "web", 0)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("stop waited for the backoff: %s", elapsed)
	}
	if st.State != StateStopped || st.RestartPending {
		t.Fatalf("expected stopped without pending restart, got %s pending=%v", st.State, st.RestartPending)
	}
	if n := fl.count("spawn web main"); n != 1 {
		t.Fatalf("expected a single spawn, got %d", n)
	}
	if n := len(st.Events); n < 2 || st.Events[n-2].Type != EventTypeStopping || st.Events[n-1].Type != EventTypeStopped {
		t.Fatalf("expected stopping then stopped as the last events, got %+v", st.Events)
	}
}

func TestSignalReachesRunningUnitOnly(t *testing.T) {
	sup, fl := newTestSupervisor(t, nil)
	if _, err := sup.Load(context.Background(), testSpec("web", "serve")); err != nil {
		t.Fatalf("load: %v", err)
	}
	st := waitUnit(t, sup, "web", "running", inState(StateRunning))

	got, err := sup.Signal(context.Background(), "web", osproc.SignalHUP)
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if got.State != StateRunning || got.Handle != st.Handle {
		t.Fatalf("signal changed the unit: %+v", got)
	}
	if n := fl.count(fmt.Sprintf("signal web %s hup", st.Handle)); n != 1 {
		t.Fatalf("expected one signal call, got %v", fl.history())
	}

	if _, err := sup.Stop(context.Background(), "web", 0); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := sup.Signal(context.Background(), "web", osproc.SignalHUP); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if _, err := sup.Signal(context.Background(), "ghost", osproc.SignalHUP); !errors.Is(err, ErrUnknownUnit) {
		t.Fatalf("expected ErrUnknownUnit, got %v", err)
	}
}

func TestStopTerminalFailedIsNoop(t *testing.T) {
	sup, fl := newTestSupervisor(t, nil)
	spec := testSpec("web", "crash")
	zero := 0
	spec.Restart.MaxAttempts = &zero
	if _, err := sup.Load(context.Background(), spec); err != nil {
		t.Fatalf("load: %v", err)
	}
	waitUnit(t, sup, "web", "failed", func(st UnitStatus) bool { return st.State == StateFailed && !st.RestartPending })
	calls := len(fl.history())

	st, err := sup.Stop(context.Background(), "web", 0)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st.State != StateFailed {
		t.Fatalf("expected failed to be kept, got %s", st.State)
	}
	if len(fl.history()) != calls {
		t.Fatalf("stop of a failed unit reached the launcher: %v", fl.history()[calls:])
	}
}

func TestUnitsAreIsolated(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	if _, err := sup.Load(ctx, testSpec("db", "serve")); err != nil {
		t.Fatalf("load db: %v", err)
	}
	db := waitUnit(t, sup, "db", "running", inState(StateRunning))

	if _, err := sup.Load(ctx, testSpec("web", "crash")); err != nil {
		t.Fatalf("load web: %v", err)
	}
	waitUnit(t, sup, "web", "failed", func(st UnitStatus) bool { return st.State == StateFailed && !st.RestartPending })

	after, _ := sup.Unit("db")
	if after.State != StateRunning || after.Handle != db.Handle || after.Failures != 0 {
		t.Fatalf("db disturbed by web failures: %+v", after)
	}
}

func TestOperatorStartResetsCounter(t *testing.T) {
	sup, fl := newTestSupervisor(t, nil)
	ctx := context.Background()
	if _, err := sup.Load(ctx, testSpec("web", "crash")); err != nil {
		t.Fatalf("load: %v", err)
	}
	waitUnit(t, sup, "web", "failed", func(st UnitStatus) bool { return st.State == StateFailed && !st.RestartPending })

	st, err := sup.Start(ctx, "web")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if st.Failures != 0 {
		t.Fatalf("expected counter reset, got %d", st.Failures)
	}
	waitUnit(t, sup, "web", "failed again", func(st UnitStatus) bool {
		return st.State == StateFailed && !st.RestartPending && st.Failures == 3
	})
	if n := fl.count("spawn web main"); n != 6 {
		t.Fatalf("expected a fresh budget of 3 attempts, got %d spawns", n)
	}
}

func TestCounterResetsAfterStableRun(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)
	spec := testSpec("web", "crash-once")
	spec.Restart.StableAfter = config.D(30 * time.Millisecond)
	if _, err := sup.Load(context.Background(), spec); err != nil {
		t.Fatalf("load: %v", err)
	}
	waitUnit(t, sup, "web", "running after one failure", func(st UnitStatus) bool {
		return st.State == StateRunning && st.Failures == 1
	})
	waitUnit(t, sup, "web", "counter reset", func(st UnitStatus) bool {
		return st.State == StateRunning && st.Failures == 0
	})
}

func TestUnexpectedExitWhileRunningIsCounted(t *testing.T) {
	sup, fl := newTestSupervisor(t, nil)
	if _, err := sup.Load(context.Background(), testSpec("web", "serve")); err != nil {
		t.Fatalf("load: %v", err)
	}
	st := waitUnit(t, sup, "web", "running", inState(StateRunning))

	sup.OnExitNotification(ipc.ProcessExited{Handle: st.Handle, Unit: "web", Kind: proctable.KindMain, ExitCode: 9})
	st = waitUnit(t, sup, "web", "restarted", func(s UnitStatus) bool {
		return s.State == StateRunning && s.Handle != st.Handle
	})
	if st.Failures != 1 || st.LastExit == nil || *st.LastExit != 9 {
		t.Fatalf("expected one counted failure with exit 9, got failures=%d last=%v", st.Failures, st.LastExit)
	}
	if n := fl.count("spawn web main"); n != 2 {
		t.Fatalf("expected a respawn, got %d spawns", n)
	}
}

func TestPreStartHookFailureFailsStart(t *testing.T) {
	sup, fl := newTestSupervisor(t, nil)
	spec := testSpec("web", "serve")
	zero := 0
	spec.Restart.MaxAttempts = &zero
	spec.Hooks.PreStart = &config.HookSpec{Command: []string{"exit", "3"}}

	if _, err := sup.Load(context.Background(), spec); err != nil {
		t.Fatalf("load: %v", err)
	}
	st := waitUnit(t, sup, "web", "failed", func(st UnitStatus) bool { return st.State == StateFailed && !st.RestartPending })
	if !strings.Contains(st.LastError, "pre_start exited with code 3") {
		t.Fatalf("unexpected error %q", st.LastError)
	}
	if n := fl.count("spawn web main"); n != 0 {
		t.Fatalf("main spawned after failed pre_start")
	}
	if fl.tracked("web") != 0 {
		t.Fatalf("hook group not reaped")
	}
}

func TestHookTimeoutTerminatesHookGroup(t *testing.T) {
	sup, fl := newTestSupervisor(t, nil)
	spec := testSpec("web", "serve")
	zero := 0
	spec.Restart.MaxAttempts = &zero
	spec.Hooks.PreStart = &config.HookSpec{Command: []string{"hang"}, Timeout: config.D(50 * time.Millisecond)}

	if _, err := sup.Load(context.Background(), spec); err != nil {
		t.Fatalf("load: %v", err)
	}
	st := waitUnit(t, sup, "web", "failed", func(st UnitStatus) bool { return st.State == StateFailed && !st.RestartPending })
	if !strings.Contains(st.LastError, ErrHookTimeout.Error()) {
		t.Fatalf("expected hook timeout, got %q", st.LastError)
	}
	if fl.count("terminate web hook hang") != 1 {
		t.Fatalf("hook group not terminated: %v", fl.history())
	}
	if fl.tracked("web") != 0 {
		t.Fatalf("handles left behind: %d", fl.tracked("web"))
	}
}

func TestStopRunsPostStopBeforeTerminate(t *testing.T) {
	sup, fl := newTestSupervisor(t, nil)
	spec := testSpec("web", "serve")
	spec.Hooks.PostStop = &config.HookSpec{Command: []string{"exit", "0"}}
	if _, err := sup.Load(context.Background(), spec); err != nil {
		t.Fatalf("load: %v", err)
	}
	waitUnit(t, sup, "web", "running", inState(StateRunning))

	if _, err := sup.Stop(context.Background(), "web", 0); err != nil {
		t.Fatalf("stop: %v", err)
	}
	hook, main := -1, -1
	for i, call := range fl.history() {
		switch call {
		case "spawn web hook exit":
			hook = i
		case "terminate web main serve":
			main = i
		}
	}
	if hook < 0 || main < 0 || hook > main {
		t.Fatalf("expected post_stop before terminate, got %v", fl.history())
	}
}

func TestStopWhileStartingReapsMain(t *testing.T) {
	sup, fl := newTestSupervisor(t, nil)
	spec := testSpec("web", "serve")
	spec.Hooks.PreStart = &config.HookSpec{Command: []string{"hang"}, Timeout: config.D(time.Minute)}
	if _, err := sup.Load(context.Background(), spec); err != nil {
		t.Fatalf("load: %v", err)
	}
	waitUnit(t, sup, "web", "starting", inState(StateStarting))

	st, err := sup.Stop(context.Background(), "web", 0)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st.State != StateStopped {
		t.Fatalf("expected stopped, got %s", st.State)
	}
	if fl.tracked("web") != 0 {
		t.Fatalf("groups left behind: %v", fl.history())
	}
	if n := fl.count("spawn web main"); n != 0 {
		t.Fatalf("main spawned despite stop")
	}
}

func TestHealthHookSetsHealth(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)
	spec := testSpec("web", "serve")
	spec.Hooks.HealthCheck = &config.HookSpec{Command: []string{"exit", "1"}}
	spec.Health = &config.HealthSpec{Interval: config.D(10 * time.Millisecond)}
	if _, err := sup.Load(context.Background(), spec); err != nil {
		t.Fatalf("load: %v", err)
	}
	st := waitUnit(t, sup, "web", "warning health", func(st UnitStatus) bool { return st.Health == HealthWarning })
	if st.State != StateRunning || st.Failures != 0 {
		t.Fatalf("health must not affect lifecycle: %+v", st)
	}
}

func TestHealthFromExit(t *testing.T) {
	cases := map[int]Health{0: HealthOK, 1: HealthWarning, 2: HealthCritical, 3: HealthUnknown, -1: HealthUnknown}
	for code, want := range cases {
		if got := healthFromExit(code); got != want {
			t.Fatalf("exit %d: expected %s, got %s", code, want, got)
		}
	}
}

func TestUnloadStopsAndForgets(t *testing.T) {
	sup, fl := newTestSupervisor(t, nil)
	ctx := context.Background()
	if _, err := sup.Load(ctx, testSpec("web", "serve")); err != nil {
		t.Fatalf("load: %v", err)
	}
	waitUnit(t, sup, "web", "running", inState(StateRunning))

	if err := sup.Unload(ctx, "web"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if _, err := sup.Unit("web"); !errors.Is(err, ErrUnknownUnit) {
		t.Fatalf("expected unknown unit after unload, got %v", err)
	}
	if fl.tracked("web") != 0 {
		t.Fatalf("unload left groups behind")
	}
	if err := sup.Unload(ctx, "web"); !errors.Is(err, ErrUnknownUnit) {
		t.Fatalf("expected ErrUnknownUnit, got %v", err)
	}
	if _, err := sup.Load(ctx, testSpec("web", "serve")); err != nil {
		t.Fatalf("reload after unload: %v", err)
	}
}

type rejectVerifier struct{ err error }

func (v rejectVerifier) Verify(context.Context, Artifact) error { return v.err }

func TestVerifierRejectionPreventsLoad(t *testing.T) {
	sup, fl := newTestSupervisor(t, func(o *Options) {
		o.Verifier = rejectVerifier{err: ErrSignatureInvalid}
	})
	_, err := sup.Load(context.Background(), testSpec("web", "serve"))
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
	if len(sup.Status()) != 0 || fl.count("spawn") != 0 {
		t.Fatalf("rejected unit was registered or spawned")
	}
}

func TestApplyRestartsOnChangeOnly(t *testing.T) {
	sup, fl := newTestSupervisor(t, nil)
	ctx := context.Background()
	if _, err := sup.Apply(ctx, testSpec("web", "serve")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	first := waitUnit(t, sup, "web", "running", inState(StateRunning))

	if _, err := sup.Apply(ctx, testSpec("web", "serve")); err != nil {
		t.Fatalf("apply same: %v", err)
	}
	if n := fl.count("spawn web main"); n != 1 {
		t.Fatalf("unchanged spec restarted the unit")
	}

	changed := testSpec("web", "serve", "--port", "8080")
	if _, err := sup.Apply(ctx, changed); err != nil {
		t.Fatalf("apply changed: %v", err)
	}
	waitUnit(t, sup, "web", "restarted", func(st UnitStatus) bool {
		return st.State == StateRunning && st.Handle != first.Handle
	})
	if fl.tracked("web") != 1 {
		t.Fatalf("old group not reaped on restart")
	}

	if err := sup.Remove(ctx, "web"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := sup.Remove(ctx, "web"); err != nil {
		t.Fatalf("remove twice: %v", err)
	}
}

func TestApplySwapsHealthProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	sup, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	if _, err := sup.Apply(ctx, testSpec("web", "serve")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	first := waitUnit(t, sup, "web", "running", inState(StateRunning))
	if first.Health == HealthOK {
		t.Fatalf("unit without a probe reported healthy")
	}

	probed := testSpec("web", "serve")
	probed.Health = &config.HealthSpec{
		Interval: config.D(20 * time.Millisecond),
		Timeout:  config.D(200 * time.Millisecond),
		TCP:      &config.TCPProbeSpec{Address: ln.Addr().String()},
	}
	if _, err := sup.Apply(ctx, probed); err != nil {
		t.Fatalf("apply probed: %v", err)
	}
	waitUnit(t, sup, "web", "healthy after update", func(st UnitStatus) bool {
		return st.State == StateRunning && st.Handle != first.Handle && st.Health == HealthOK
	})

	broken := testSpec("web", "serve")
	broken.Health = &config.HealthSpec{HTTP: &config.HTTPProbeSpec{}}
	if _, err := sup.Apply(ctx, broken); err == nil {
		t.Fatalf("expected an invalid probe to be rejected")
	}
}

type staticConfigs struct {
	changes chan string
}

func (c staticConfigs) Snapshot(_ context.Context, unit string) (map[string]any, error) {
	return map[string]any{"unit": unit}, nil
}

func (c staticConfigs) Subscribe(context.Context) <-chan string { return c.changes }

type recordingRenderer struct {
	renders chan string
}

func (r recordingRenderer) Render(unit string, _ map[string]any) (string, error) {
	select {
	case r.renders <- unit:
	default:
	}
	return "/tmp/" + unit + "/user.toml", nil
}

func TestReconfigureRunsHookOrRestarts(t *testing.T) {
	changes := make(chan string, 4)
	renders := make(chan string, 16)
	sup, fl := newTestSupervisor(t, func(o *Options) {
		o.Configs = staticConfigs{changes: changes}
		o.Renderer = recordingRenderer{renders: renders}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer close(changes)
	go sup.WatchConfigs(ctx)

	hooked := testSpec("api", "serve")
	hooked.Hooks.Reconfigure = &config.HookSpec{Command: []string{"exit", "0"}}
	if _, err := sup.Load(ctx, hooked); err != nil {
		t.Fatalf("load api: %v", err)
	}
	if _, err := sup.Load(ctx, testSpec("web", "serve")); err != nil {
		t.Fatalf("load web: %v", err)
	}
	api := waitUnit(t, sup, "api", "running", inState(StateRunning))
	web := waitUnit(t, sup, "web", "running", inState(StateRunning))

	changes <- "api"
	changes <- "web"

	waitUnit(t, sup, "api", "reconfigured", func(st UnitStatus) bool {
		return len(eventsOf(st, EventTypeReconfigured)) == 1
	})
	if st, _ := sup.Unit("api"); st.Handle != api.Handle {
		t.Fatalf("unit with a reconfigure hook was restarted")
	}
	waitUnit(t, sup, "web", "restarted", func(st UnitStatus) bool {
		return st.State == StateRunning && st.Handle != web.Handle
	})
	if fl.count("spawn api hook exit") != 1 {
		t.Fatalf("reconfigure hook not run: %v", fl.history())
	}
}

func TestShutdownStopsEveryUnitAndAnnouncesExit(t *testing.T) {
	sup, fl := newTestSupervisor(t, nil)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		if _, err := sup.Load(ctx, testSpec(name, "serve")); err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
	}
	spec := testSpec("d", "crash")
	spec.Restart.Initial = config.D(time.Hour)
	spec.Restart.Max = config.D(time.Hour)
	if _, err := sup.Load(ctx, spec); err != nil {
		t.Fatalf("load d: %v", err)
	}
	for _, name := range []string{"a", "b", "c"} {
		waitUnit(t, sup, name, "running", inState(StateRunning))
	}
	waitUnit(t, sup, "d", "backoff", func(st UnitStatus) bool { return st.RestartPending })

	shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx, "test"); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, st := range sup.Status() {
		if st.State != StateStopped {
			t.Fatalf("unit %s not stopped: %s", st.Name, st.State)
		}
		if fl.tracked(st.Name) != 0 {
			t.Fatalf("unit %s left groups behind", st.Name)
		}
	}
	if exiting := fl.exitReasons(); len(exiting) == 0 || exiting[0] != "test" {
		t.Fatalf("exit not announced: %v", exiting)
	}
	if _, err := sup.Load(ctx, testSpec("late", "serve")); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
	if _, err := sup.Start(ctx, "a"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown on start, got %v", err)
	}
}

func TestHandleIPCShutdownRequestsStop(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)
	payload := []byte(`{"reason":"service manager"}`)
	if _, err := sup.HandleIPC(context.Background(), &ipc.Message{Op: ipc.OpShutdown, Payload: payload}); err != nil {
		t.Fatalf("handle shutdown: %v", err)
	}
	select {
	case <-sup.StopRequested():
	case <-time.After(time.Second):
		t.Fatal("stop not requested")
	}
	if sup.StopReason() != "service manager" {
		t.Fatalf("unexpected reason %q", sup.StopReason())
	}
	if _, err := sup.HandleIPC(context.Background(), &ipc.Message{Op: ipc.OpSpawn}); !errors.Is(err, ipc.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}
