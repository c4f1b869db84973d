package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/ipc"
	"github.com/Paintersrp/warden/internal/osproc"
	"github.com/Paintersrp/warden/internal/proctable"
)

// fakeLauncher runs scripted processes. The program name decides what a
// process does:
//
//	serve       runs until terminated
//	crash       exits 1 right after spawning
//	crash-once  exits 1 the first time a unit spawns it, then serves
//	exit N      exits with code N
//	hang        never exits on its own
//	fail-spawn  is rejected as a missing binary
type fakeLauncher struct {
	mu      sync.Mutex
	next    proctable.HandleID
	procs   map[proctable.HandleID]*fakeProc
	crashed map[string]bool
	calls   []string
	exiting []string
	notify  func(ipc.ProcessExited)
}

type fakeProc struct {
	unit    string
	kind    proctable.Kind
	program string
	exited  bool
	code    int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		procs:   make(map[proctable.HandleID]*fakeProc),
		crashed: make(map[string]bool),
	}
}

func (f *fakeLauncher) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeLauncher) Spawn(_ context.Context, req ipc.SpawnRequest) (ipc.SpawnResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("spawn %s %s %s", req.Unit, req.Kind, req.Path)
	if req.Path == "fail-spawn" {
		return ipc.SpawnResponse{}, &ipc.LaunchError{Kind: osproc.FailureMissingBinary, Message: req.Path + ": not found"}
	}
	f.next++
	id := f.next
	proc := &fakeProc{unit: req.Unit, kind: req.Kind, program: req.Path}
	f.procs[id] = proc

	switch req.Path {
	case "crash":
		f.exitLater(id, 1)
	case "crash-once":
		if !f.crashed[req.Unit] {
			f.crashed[req.Unit] = true
			f.exitLater(id, 1)
		}
	case "exit":
		code := 0
		if len(req.Args) > 0 {
			code, _ = strconv.Atoi(req.Args[0])
		}
		f.exitLater(id, code)
	}
	return ipc.SpawnResponse{Handle: id, Pid: 1000 + int(id)}, nil
}

// exitLater marks id exited and notifies from another goroutine, the way a
// launcher watcher does.
func (f *fakeLauncher) exitLater(id proctable.HandleID, code int) {
	proc := f.procs[id]
	proc.exited, proc.code = true, code
	ev := ipc.ProcessExited{Handle: id, Unit: proc.unit, Kind: proc.kind, ExitCode: code, At: time.Now()}
	notify := f.notify
	go func() {
		time.Sleep(2 * time.Millisecond)
		if notify != nil {
			notify(ev)
		}
	}()
}

func (f *fakeLauncher) lookup(unit string, handle proctable.HandleID) (*fakeProc, error) {
	proc, ok := f.procs[handle]
	if !ok || proc.unit != unit {
		return nil, fmt.Errorf("%s: %w", handle, ipc.ErrNoSuchProcess)
	}
	return proc, nil
}

func (f *fakeLauncher) Signal(_ context.Context, unit string, handle proctable.HandleID, sig osproc.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("signal %s %s %s", unit, handle, sig)
	proc, err := f.lookup(unit, handle)
	if err != nil {
		return err
	}
	if proc.exited {
		return fmt.Errorf("%s: %w", handle, ipc.ErrNoSuchProcess)
	}
	return nil
}

func (f *fakeLauncher) Terminate(_ context.Context, unit string, handle proctable.HandleID, grace time.Duration) (osproc.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	proc, err := f.lookup(unit, handle)
	if err != nil {
		return "", err
	}
	f.record("terminate %s %s %s", unit, proc.kind, proc.program)
	if !proc.exited {
		f.exitLater(handle, -1)
	}
	delete(f.procs, handle)
	return osproc.OutcomeTerminated, nil
}

func (f *fakeLauncher) Status(_ context.Context, unit string, handle proctable.HandleID) (ipc.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	proc, err := f.lookup(unit, handle)
	if err != nil {
		return ipc.StatusResponse{State: ipc.StateUnknown}, nil
	}
	if proc.exited {
		return ipc.StatusResponse{State: ipc.StateExited, ExitCode: proc.code}, nil
	}
	return ipc.StatusResponse{State: ipc.StateRunning}, nil
}

func (f *fakeLauncher) Exiting(_ context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exiting = append(f.exiting, reason)
	return nil
}

// live counts tracked groups of unit that have not exited.
func (f *fakeLauncher) live(unit string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, proc := range f.procs {
		if proc.unit == unit && !proc.exited {
			n++
		}
	}
	return n
}

// tracked counts every handle of unit still in the table.
func (f *fakeLauncher) tracked(unit string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, proc := range f.procs {
		if proc.unit == unit {
			n++
		}
	}
	return n
}

func (f *fakeLauncher) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if len(call) >= len(prefix) && call[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakeLauncher) exitReasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.exiting...)
}

func (f *fakeLauncher) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestSupervisor(t *testing.T, mutate func(*Options)) (*Supervisor, *fakeLauncher) {
	t.Helper()
	fl := newFakeLauncher()
	opts := Options{Launcher: fl, Logger: zerolog.Nop()}
	if mutate != nil {
		mutate(&opts)
	}
	sup := New(opts)
	fl.notify = sup.OnExitNotification
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx, "test cleanup")
	})
	return sup, fl
}

func testSpec(name string, command ...string) *config.ServiceSpec {
	max := 3
	return &config.ServiceSpec{
		Name:    name,
		Command: command,
		Restart: &config.RestartPolicy{
			MaxAttempts: &max,
			Initial:     config.D(10 * time.Millisecond),
			Max:         config.D(40 * time.Millisecond),
			Factor:      2,
			StableAfter: config.D(time.Hour),
		},
		GracePeriod: config.D(50 * time.Millisecond),
		Timeouts: config.TimeoutSpec{
			Start: config.D(time.Second),
			Stop:  config.D(time.Second),
			Hook:  config.D(time.Second),
		},
	}
}

func waitUnit(t *testing.T, sup *Supervisor, name string, what string, cond func(UnitStatus) bool) UnitStatus {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last UnitStatus
	for time.Now().Before(deadline) {
		st, err := sup.Unit(name)
		if err == nil {
			last = st
			if cond(st) {
				return st
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("unit %s: timed out waiting for %s; last state %s (failures=%d, error=%q)", name, what, last.State, last.Failures, last.LastError)
	return last
}

func inState(state State) func(UnitStatus) bool {
	return func(st UnitStatus) bool { return st.State == state }
}

func eventsOf(st UnitStatus, typ EventType) []Event {
	var out []Event
	for _, evt := range st.Events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}
