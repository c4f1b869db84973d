// Package launcher is the privileged half of warden. It owns every process
// group started on behalf of the supervisor, runs the supervisor as its
// only direct child and tears down whatever the supervisor leaves behind.
package launcher

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/ipc"
	"github.com/Paintersrp/warden/internal/osproc"
	"github.com/Paintersrp/warden/internal/proctable"
)

var (
	// ErrSupervisorCrashLoop is returned by Run once the supervisor has
	// crashed more often than MaxRespawns allows.
	ErrSupervisorCrashLoop = errors.New("supervisor crash loop")
	// ErrShutdownTimeout is logged when the supervisor outlives the
	// shutdown deadline and has to be killed.
	ErrShutdownTimeout = errors.New("shutdown timed out")
	// ErrSupervisorCrashed describes an unexpected supervisor exit.
	ErrSupervisorCrashed = errors.New("supervisor crashed")
)

// supervisorUnit labels the supervisor's own handle.
const supervisorUnit = ipc.ControlCorrelation

// stableSession is how long a supervisor must stay up before earlier
// crashes stop counting towards MaxRespawns.
const stableSession = time.Minute

// Config controls a Launcher.
type Config struct {
	// Executable is re-executed as the supervisor.
	Executable string
	// SupervisorArgs defaults to "supervisor --ipc <SocketPath>".
	SupervisorArgs []string
	SupervisorEnv  []string
	SupervisorUser string
	// SupervisorOutput receives the supervisor's stdout and stderr.
	SupervisorOutput io.Writer

	SocketPath string
	LogDir     string
	Logs       config.LogRotation

	// MaxRespawns < 0 respawns forever.
	MaxRespawns       int
	RespawnBackoff    time.Duration
	RespawnBackoffMax time.Duration
	ReadyTimeout      time.Duration
	ShutdownTimeout   time.Duration
	SweepGrace        time.Duration

	Logger zerolog.Logger
}

// ConfigFromHost derives launcher settings from the host configuration.
func ConfigFromHost(host *config.Host, executable, hostPath string) Config {
	args := []string{"supervisor", "--ipc", host.SocketPath}
	if hostPath != "" {
		args = append(args, "--config", hostPath)
	}
	maxRespawns := config.DefaultMaxRespawns
	if host.Launcher.MaxRespawns != nil {
		maxRespawns = *host.Launcher.MaxRespawns
	}
	return Config{
		Executable:        executable,
		SupervisorArgs:    args,
		SupervisorUser:    host.SupervisorUser,
		SupervisorOutput:  os.Stderr,
		SocketPath:        host.SocketPath,
		LogDir:            host.LogDir,
		Logs:              host.Logs,
		MaxRespawns:       maxRespawns,
		RespawnBackoff:    host.Launcher.RespawnBackoff.Duration,
		RespawnBackoffMax: 30 * host.Launcher.RespawnBackoff.Duration,
		ReadyTimeout:      host.Launcher.ReadyTimeout.Duration,
		ShutdownTimeout:   host.Launcher.ShutdownTimeout.Duration,
		SweepGrace:        host.Launcher.SweepGrace.Duration,
	}
}

func (c *Config) applyDefaults() {
	if len(c.SupervisorArgs) == 0 {
		c.SupervisorArgs = []string{"supervisor", "--ipc", c.SocketPath}
	}
	if c.SupervisorOutput == nil {
		c.SupervisorOutput = io.Discard
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(os.TempDir(), "warden", "logs")
	}
	if c.RespawnBackoff <= 0 {
		c.RespawnBackoff = config.DefaultRespawnBackoff
	}
	if c.RespawnBackoffMax < c.RespawnBackoff {
		c.RespawnBackoffMax = c.RespawnBackoff
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = config.DefaultReadyTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = config.DefaultShutdownTimeout
	}
	if c.SweepGrace <= 0 {
		c.SweepGrace = config.DefaultSweepGrace
	}
}

// Launcher spawns and tracks process groups for the supervisor.
type Launcher struct {
	cfg   Config
	log   zerolog.Logger
	table *proctable.Table[*osproc.Process]
	logs  *unitLogs

	// peer is the channel to the current supervisor; nil between sessions.
	peer atomic.Pointer[ipc.Peer]

	stopOnce   sync.Once
	stopCh     chan struct{}
	stopReason atomic.Value

	watchers sync.WaitGroup
}

// New constructs a Launcher.
func New(cfg Config) *Launcher {
	cfg.applyDefaults()
	return &Launcher{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "launcher").Logger(),
		table:  proctable.New[*osproc.Process](),
		logs:   newUnitLogs(cfg.LogDir, cfg.Logs),
		stopCh: make(chan struct{}),
	}
}

// Handles returns a snapshot of every tracked process group.
func (l *Launcher) Handles() []proctable.Info {
	snap := l.table.Snapshot()
	out := make([]proctable.Info, 0, len(snap))
	for _, h := range snap {
		out = append(out, h.Info())
	}
	return out
}

// HandleExternalStop requests an orderly shutdown of the whole instance.
// It is safe to call more than once and from any goroutine.
func (l *Launcher) HandleExternalStop(reason string) {
	l.stopOnce.Do(func() {
		if reason == "" {
			reason = "external stop"
		}
		l.stopReason.Store(reason)
		close(l.stopCh)
	})
}

func (l *Launcher) stopping() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

func (l *Launcher) reason() string {
	if v, ok := l.stopReason.Load().(string); ok {
		return v
	}
	return "external stop"
}

// watch marks the handle exited once its leader is reaped and tells the
// current supervisor about it.
func (l *Launcher) watch(id proctable.HandleID, proc *osproc.Process) {
	l.watchers.Add(1)
	go func() {
		defer l.watchers.Done()
		<-proc.Done()
		h, err := l.table.MarkExited(id, proc.ExitCode())
		if err != nil {
			return
		}
		l.log.Debug().
			Str("unit", h.Unit).
			Str("handle", id.String()).
			Int("pid", h.Pid).
			Int("exit_code", h.ExitCode).
			Msg("process exited")
		if h.Kind == proctable.KindSupervisor {
			return
		}
		peer := l.peer.Load()
		if peer == nil {
			return
		}
		err = peer.Notify(ipc.OpProcessExited, h.Unit, ipc.ProcessExited{
			Handle:   id,
			Unit:     h.Unit,
			Kind:     h.Kind,
			Pid:      h.Pid,
			ExitCode: h.ExitCode,
			At:       h.ExitedAt,
		})
		if err != nil {
			l.log.Debug().Err(err).Str("handle", id.String()).Msg("exit notification not delivered")
		}
	}()
}

// sweep terminates every tracked group concurrently and clears the table.
func (l *Launcher) sweep(ctx context.Context) int {
	handles := l.table.Snapshot()
	if len(handles) == 0 {
		return 0
	}
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h proctable.Handle[*osproc.Process]) {
			defer wg.Done()
			l.reap(ctx, h.ID, l.cfg.SweepGrace)
		}(h)
	}
	wg.Wait()
	l.log.Info().Int("handles", len(handles)).Msg("sweep complete")
	return len(handles)
}

// reap terminates one group and forgets its handle once the group is gone.
func (l *Launcher) reap(ctx context.Context, id proctable.HandleID, grace time.Duration) (osproc.Outcome, error) {
	unlock, err := l.table.Lock(id)
	if err != nil {
		return "", err
	}
	defer unlock()
	h, err := l.table.Get(id)
	if err != nil {
		return "", err
	}
	outcome, err := osproc.Terminate(ctx, h.Group, grace)
	logger := l.log.With().Str("unit", h.Unit).Str("handle", id.String()).Int("pid", h.Pid).Logger()
	if err != nil {
		logger.Error().Err(err).Msg("terminate failed")
		return outcome, err
	}
	if _, ok := l.table.Remove(id); ok {
		if relErr := h.Group.Release(); relErr != nil {
			logger.Debug().Err(relErr).Msg("release group")
		}
	}
	logger.Debug().Str("outcome", string(outcome)).Msg("group terminated")
	return outcome, nil
}
