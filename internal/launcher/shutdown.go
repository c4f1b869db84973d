package launcher

import (
	"context"
	"time"

	"github.com/Paintersrp/warden/internal/ipc"
	"github.com/Paintersrp/warden/internal/osproc"
)

// shutdownAckTimeout bounds the wait for the supervisor to acknowledge a
// Shutdown request. The shutdown itself runs under ShutdownTimeout.
const shutdownAckTimeout = 5 * time.Second

// shutdown asks the supervisor to stop every unit and exit, and kills it
// if it is still running after ShutdownTimeout.
func (l *Launcher) shutdown(proc *osproc.Process, peer *ipc.Peer, sess *session, started time.Time) sessionResult {
	reason := l.reason()
	l.log.Info().Str("reason", reason).Dur("timeout", l.cfg.ShutdownTimeout).Msg("shutting down")

	if !sess.announcedExit() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownAckTimeout)
		err := peer.Call(ctx, ipc.OpShutdown, ipc.ControlCorrelation, ipc.ShutdownRequest{Reason: reason}, nil)
		cancel()
		if err != nil {
			l.log.Warn().Err(err).Msg("supervisor did not acknowledge shutdown")
		}
	}

	timer := time.NewTimer(l.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-proc.Done():
	case <-timer.C:
		l.log.Error().Err(ErrShutdownTimeout).Int("pid", proc.Pid()).Msg("supervisor still running, killing")
		l.killSupervisor(proc)
	}
	return l.outcome(proc, sess, started)
}
