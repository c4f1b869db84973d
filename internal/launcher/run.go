package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/Paintersrp/warden/internal/ipc"
	"github.com/Paintersrp/warden/internal/osproc"
	"github.com/Paintersrp/warden/internal/proctable"
)

// sessionResult describes how one supervisor lifetime ended.
type sessionResult struct {
	// orderly is set when the supervisor announced its exit first.
	orderly bool
	err     error
	uptime  time.Duration
}

// Run supervises the supervisor until an orderly exit, an external stop or
// a crash loop. Every tracked process group is swept after each supervisor
// lifetime, whatever the reason it ended.
func (l *Launcher) Run(ctx context.Context) error {
	owner, err := socketOwner(l.cfg.SupervisorUser)
	if err != nil {
		return err
	}
	ln, err := ipc.Listen(l.cfg.SocketPath, owner)
	if err != nil {
		return err
	}
	quit := make(chan struct{})
	conns := make(chan net.Conn)
	acceptDone := make(chan struct{})
	go l.accept(ln, conns, quit, acceptDone)
	defer func() {
		close(quit)
		ln.Close()
		<-acceptDone
		l.watchers.Wait()
		if err := l.logs.Close(); err != nil {
			l.log.Warn().Err(err).Msg("close unit logs")
		}
	}()

	l.log.Info().Str("socket", l.cfg.SocketPath).Msg("launcher started")
	crashes := 0
	for {
		res := l.session(ctx, conns)
		swept := l.sweep(context.Background())

		if res.orderly {
			l.log.Info().Int("swept", swept).Msg("supervisor exited cleanly")
			return nil
		}
		if l.stopping() || ctx.Err() != nil {
			if res.err != nil {
				l.log.Warn().Err(res.err).Int("swept", swept).Msg("supervisor did not exit cleanly during shutdown")
			}
			return nil
		}

		if res.uptime >= stableSession {
			crashes = 0
		}
		crashes++
		if l.cfg.MaxRespawns >= 0 && crashes > l.cfg.MaxRespawns {
			return fmt.Errorf("%w: %d consecutive failures, last: %v", ErrSupervisorCrashLoop, crashes, res.err)
		}
		delay := l.respawnDelay(crashes)
		l.log.Warn().
			Err(res.err).
			Int("attempt", crashes).
			Int("swept", swept).
			Dur("backoff", delay).
			Msg("supervisor crashed, respawning")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-l.stopCh:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

// respawnDelay is RespawnBackoff doubled per consecutive crash, capped at
// RespawnBackoffMax.
func (l *Launcher) respawnDelay(attempt int) time.Duration {
	delay := l.cfg.RespawnBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= l.cfg.RespawnBackoffMax {
			return l.cfg.RespawnBackoffMax
		}
	}
	return delay
}

func (l *Launcher) accept(ln net.Listener, conns chan<- net.Conn, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		select {
		case conns <- conn:
		case <-quit:
			conn.Close()
			return
		}
	}
}

// session runs one supervisor from spawn to exit.
func (l *Launcher) session(ctx context.Context, conns <-chan net.Conn) sessionResult {
	started := time.Now()
	instance := uuid.NewString()
	env := append(append([]string(nil), l.cfg.SupervisorEnv...), ipc.EnvInstance+"="+instance)
	proc, err := osproc.Start(osproc.Request{
		Path:   l.cfg.Executable,
		Args:   l.cfg.SupervisorArgs,
		Env:    env,
		User:   l.cfg.SupervisorUser,
		Output: l.cfg.SupervisorOutput,
	})
	if err != nil {
		return sessionResult{err: fmt.Errorf("%w: start: %v", ErrSupervisorCrashed, err)}
	}
	id := l.table.Insert(proc.Pid(), supervisorUnit, proctable.KindSupervisor, l.cfg.Executable, proc)
	l.watch(id, proc)
	defer func() {
		if _, err := l.reap(context.Background(), id, 0); err != nil && !errors.Is(err, proctable.ErrNoSuchProcess) {
			l.log.Error().Err(err).Msg("supervisor group survived")
		}
	}()
	logger := l.log.With().Int("supervisor_pid", proc.Pid()).Str("instance", instance).Logger()
	logger.Info().Msg("supervisor spawned")

	result := func(err error) sessionResult {
		return sessionResult{err: err, uptime: time.Since(started)}
	}

	readyDeadline := time.NewTimer(l.cfg.ReadyTimeout)
	defer readyDeadline.Stop()

	conn, err := l.awaitConn(ctx, proc, conns, readyDeadline.C)
	if err != nil {
		if errors.Is(err, errStopRequested) {
			l.killSupervisor(proc)
			return result(nil)
		}
		l.killSupervisor(proc)
		return result(fmt.Errorf("%w: %v", ErrSupervisorCrashed, err))
	}

	peer := ipc.NewPeer(conn, ipc.WithLogger(logger))
	sess := newSession(l, proc.Pid())
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = peer.Run(runCtx, sess)
	}()
	l.peer.Store(peer)
	defer func() {
		l.peer.CompareAndSwap(peer, nil)
		peer.Close()
		cancelRun()
		<-runDone
	}()

	select {
	case ready := <-sess.ready:
		if ready.Instance != instance {
			l.killSupervisor(proc)
			return result(fmt.Errorf("%w: ready from unexpected instance %q", ErrSupervisorCrashed, ready.Instance))
		}
		logger.Info().Str("version", ready.Version).Msg("supervisor ready")
	case <-proc.Done():
		return result(fmt.Errorf("%w: exit code %d before ready", ErrSupervisorCrashed, proc.ExitCode()))
	case <-peer.Done():
		l.killSupervisor(proc)
		return result(fmt.Errorf("%w: disconnected before ready", ErrSupervisorCrashed))
	case <-readyDeadline.C:
		l.killSupervisor(proc)
		return result(fmt.Errorf("%w: not ready within %s", ErrSupervisorCrashed, l.cfg.ReadyTimeout))
	case <-l.stopCh:
		return l.shutdown(proc, peer, sess, started)
	case <-ctx.Done():
		l.HandleExternalStop("context cancelled")
		return l.shutdown(proc, peer, sess, started)
	}

	select {
	case <-proc.Done():
	case <-peer.Done():
		l.awaitExit(proc, l.cfg.SweepGrace)
	case <-l.stopCh:
		return l.shutdown(proc, peer, sess, started)
	case <-ctx.Done():
		l.HandleExternalStop("context cancelled")
		return l.shutdown(proc, peer, sess, started)
	}
	return l.outcome(proc, sess, started)
}

var errStopRequested = errors.New("stop requested")

func (l *Launcher) awaitConn(ctx context.Context, proc *osproc.Process, conns <-chan net.Conn, deadline <-chan time.Time) (net.Conn, error) {
	for {
		select {
		case conn := <-conns:
			pid, err := ipc.PeerPID(conn)
			if err == nil && pid != proc.Pid() {
				l.log.Warn().Int("peer_pid", pid).Msg("rejecting connection from unexpected process")
				conn.Close()
				continue
			}
			return conn, nil
		case <-proc.Done():
			return nil, fmt.Errorf("exited with code %d before connecting", proc.ExitCode())
		case <-deadline:
			return nil, fmt.Errorf("no connection within %s", l.cfg.ReadyTimeout)
		case <-l.stopCh:
			return nil, errStopRequested
		case <-ctx.Done():
			l.HandleExternalStop("context cancelled")
			return nil, errStopRequested
		}
	}
}

// awaitExit gives the supervisor limit to exit on its own, then kills it.
func (l *Launcher) awaitExit(proc *osproc.Process, limit time.Duration) bool {
	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case <-proc.Done():
		return true
	case <-timer.C:
		l.killSupervisor(proc)
		return false
	}
}

func (l *Launcher) killSupervisor(proc *osproc.Process) {
	if _, err := osproc.Terminate(context.Background(), proc, 0); err != nil {
		l.log.Error().Err(err).Int("pid", proc.Pid()).Msg("kill supervisor")
	}
	<-proc.Done()
}

func (l *Launcher) outcome(proc *osproc.Process, sess *session, started time.Time) sessionResult {
	<-proc.Done()
	res := sessionResult{uptime: time.Since(started)}
	if sess.announcedExit() {
		res.orderly = true
		return res
	}
	res.err = fmt.Errorf("%w: exit code %d", ErrSupervisorCrashed, proc.ExitCode())
	return res
}
