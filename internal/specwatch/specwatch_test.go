package specwatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/supervisor"
)

type recordingApplier struct {
	mu      sync.Mutex
	applied []string
	removed []string
}

func (r *recordingApplier) Apply(_ context.Context, spec *config.ServiceSpec) (supervisor.UnitStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, spec.Name+":"+spec.Command[0])
	return supervisor.UnitStatus{Name: spec.Name, State: supervisor.StateStarting}, nil
}

func (r *recordingApplier) Remove(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, name)
	return nil
}

func (r *recordingApplier) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.applied...), append([]string(nil), r.removed...)
}

func writeSpec(t *testing.T, dir, file, name, cmd string) {
	t.Helper()
	doc := "name: " + name + "\ncommand: [\"" + cmd + "\"]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(doc), 0o644))
}

func TestLoadAllAppliesValidSpecs(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "web.yaml", "web", "/bin/web")
	writeSpec(t, dir, "db.yml", "db", "/bin/db")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("command: 5\n"), 0o644))

	target := &recordingApplier{}
	w := &Watcher{Dir: dir, Target: target, Logger: zerolog.Nop()}
	require.NoError(t, w.LoadAll(context.Background()))

	applied, _ := target.snapshot()
	require.Equal(t, []string{"db:/bin/db", "web:/bin/web"}, applied)
}

func TestRunFollowsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "web.yaml", "web", "/bin/web")

	target := &recordingApplier{}
	w := &Watcher{Dir: dir, Target: target, Debounce: 20 * time.Millisecond, Logger: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.LoadAll(ctx))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	writeSpec(t, dir, "web.yaml", "web", "/bin/web2")
	require.Eventually(t, func() bool {
		applied, _ := target.snapshot()
		return len(applied) == 2 && applied[1] == "web:/bin/web2"
	}, 5*time.Second, 10*time.Millisecond)

	writeSpec(t, dir, "web.yaml", "site", "/bin/site")
	require.Eventually(t, func() bool {
		applied, removed := target.snapshot()
		return len(applied) == 3 && len(removed) == 1 && removed[0] == "web"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "web.yaml")))
	require.Eventually(t, func() bool {
		_, removed := target.snapshot()
		return len(removed) == 2 && removed[1] == "site"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
