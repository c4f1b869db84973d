package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// exitAnnounceTimeout bounds the SupervisorExiting call.
const exitAnnounceTimeout = 5 * time.Second

// Shutdown stops every unit concurrently, waits until each is at rest and
// then announces the exit to the launcher. New loads and starts are refused
// from the first call on. When ctx ends first ErrShutdownTimeout is
// returned; the exit is announced anyway since the launcher sweeps whatever
// is left.
func (s *Supervisor) Shutdown(ctx context.Context, reason string) error {
	if reason == "" {
		reason = ReasonShutdown
	}
	s.mu.Lock()
	s.closing = true
	units := make([]*unit, 0, len(s.units))
	for _, u := range s.units {
		units = append(units, u)
	}
	s.mu.Unlock()

	s.log.Info().Int("units", len(units)).Str("reason", reason).Msg("stopping all units")

	var wg sync.WaitGroup
	for _, u := range units {
		wg.Add(1)
		go func(u *unit) {
			defer wg.Done()
			st, err := u.send(ctx, command{kind: cmdStop, reason: ReasonShutdown})
			if err != nil {
				u.log.Warn().Err(err).Str("state", string(st.State)).Msg("unit did not stop")
			}
		}(u)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var result error
	select {
	case <-done:
	case <-ctx.Done():
		result = fmt.Errorf("%w: %v", ErrShutdownTimeout, ctx.Err())
		s.log.Error().Err(result).Msg("units still stopping")
	}

	exitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exitAnnounceTimeout)
	defer cancel()
	if err := s.opts.Launcher.Exiting(exitCtx, reason); err != nil {
		s.log.Warn().Err(err).Msg("announce exit")
		if result == nil {
			result = err
		}
	}
	return result
}
