//go:build !windows

package launcher

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/ipc"
	"github.com/Paintersrp/warden/internal/supervisor"
)

const envHTTPAddr = "WARDEN_TEST_HTTP_ADDR"

// fakeHTTPServer is the main process of the end-to-end unit.
func fakeHTTPServer(addr string) int {
	appendPid(os.Getenv(envFakePidFile), os.Getpid())
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		return 1
	}
	return 0
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// connect joins a launcher and a supervisor over an in-memory channel.
func connect(t *testing.T, l *Launcher) (*supervisor.Supervisor, *session) {
	t.Helper()
	launcherConn, supervisorConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	lpeer := ipc.NewPeer(launcherConn, ipc.WithLogger(zerolog.Nop()))
	sess := newSession(l, os.Getpid())
	l.peer.Store(lpeer)
	go func() { _ = lpeer.Run(ctx, sess) }()

	speer := ipc.NewPeer(supervisorConn, ipc.WithLogger(zerolog.Nop()))
	sup := supervisor.New(supervisor.Options{
		Launcher: supervisor.NewIPCLauncher(speer),
		Logger:   zerolog.Nop(),
	})
	go func() { _ = speer.Run(ctx, sup) }()

	t.Cleanup(func() {
		cancel()
		lpeer.Close()
		speer.Close()
	})
	return sup, sess
}

func TestEndToEndStopLeavesNothingBehind(t *testing.T) {
	l := newTestLauncher(t)
	sup, sess := connect(t, l)
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "pids")
	addr := freeAddr(t)

	spec := &config.ServiceSpec{
		Name:    "web",
		Command: []string{os.Args[0]},
		Env: map[string]string{
			envHTTPAddr:    addr,
			envFakePidFile: pidFile,
		},
		Hooks: config.HooksSpec{
			// The hook's interpreter leaves a child running after it exits.
			PreStart: &config.HookSpec{Command: []string{
				"/bin/sh", "-c", `echo $$ >> "$` + envFakePidFile + `"; sh -c 'sleep 60' & echo $! >> "$` + envFakePidFile + `"`,
			}},
		},
		Health: &config.HealthSpec{
			Interval: config.D(50 * time.Millisecond),
			Timeout:  config.D(time.Second),
			HTTP:     &config.HTTPProbeSpec{URL: "http://" + addr + "/"},
		},
		Timeouts:    config.TimeoutSpec{Start: config.D(10 * time.Second)},
		GracePeriod: config.D(time.Second),
	}

	ctx := context.Background()
	_, err := sup.Load(ctx, spec)
	require.NoError(t, err)

	var st supervisor.UnitStatus
	require.Eventually(t, func() bool {
		st, err = sup.Unit("web")
		return err == nil && st.State == supervisor.StateRunning && st.Health == supervisor.HealthOK
	}, 15*time.Second, 20*time.Millisecond, "unit running and healthy")

	pids := readPids(t, pidFile, 3)
	require.Len(t, l.Handles(), 1, "only the main group stays tracked once the hook is reaped")

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	require.NoError(t, sup.Shutdown(shutdownCtx, "test"))

	st, err = sup.Unit("web")
	require.NoError(t, err)
	require.Equal(t, supervisor.StateStopped, st.State)
	require.True(t, sess.announcedExit())
	require.Empty(t, l.Handles())
	requireAllGone(t, pids)
}

func TestEndToEndCrashIsRestartedThenFails(t *testing.T) {
	l := newTestLauncher(t)
	sup, _ := connect(t, l)

	two := 2
	spec := &config.ServiceSpec{
		Name:    "flaky",
		Command: []string{"/bin/sh", "-c", "sleep 0.2; exit 7"},
		Restart: &config.RestartPolicy{
			MaxAttempts: &two,
			Initial:     config.D(10 * time.Millisecond),
			Max:         config.D(10 * time.Millisecond),
		},
	}
	_, err := sup.Load(context.Background(), spec)
	require.NoError(t, err)

	var st supervisor.UnitStatus
	require.Eventually(t, func() bool {
		st, err = sup.Unit("flaky")
		return err == nil && st.State == supervisor.StateFailed && !st.RestartPending
	}, 10*time.Second, 20*time.Millisecond, "unit failed")
	require.NotNil(t, st.LastExit)
	require.Equal(t, 7, *st.LastExit)
	require.Equal(t, 2, st.Failures)
	require.Empty(t, l.Handles())
}
