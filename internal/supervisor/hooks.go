package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/ipc"
	"github.com/Paintersrp/warden/internal/logging"
	"github.com/Paintersrp/warden/internal/metrics"
	"github.com/Paintersrp/warden/internal/proctable"
)

// Hook phases.
const (
	HookPreStart    = "pre_start"
	HookPostStop    = "post_stop"
	HookHealthCheck = "health_check"
	HookReconfigure = "reconfigure"
)

// Environment passed to unit processes.
const (
	EnvUnit          = "WARDEN_UNIT"
	EnvHook          = "WARDEN_HOOK"
	EnvServiceConfig = "WARDEN_SERVICE_CONFIG"
)

// hookKillWait bounds the force-kill of a hook group once its budget is
// spent.
const hookKillWait = 10 * time.Second

type hookOutcome string

const (
	hookOK      hookOutcome = "ok"
	hookFailed  hookOutcome = "failed"
	hookTimeout hookOutcome = "timeout"
)

// hookRunner runs lifecycle hooks as launcher-spawned process groups.
type hookRunner struct {
	launcher Launcher
	router   *exitRouter
	log      zerolog.Logger
}

// hookCall describes the unit a hook runs for.
type hookCall struct {
	unit       string
	spec       *config.ServiceSpec
	configPath string
}

func (c hookCall) env(phase string) []string {
	env := c.spec.EnvList()
	env = append(env, EnvUnit+"="+c.unit, EnvHook+"="+phase)
	if c.configPath != "" {
		env = append(env, EnvServiceConfig+"="+c.configPath)
	}
	return env
}

// exitCode runs hook to completion within its timeout and returns the
// exit code of its leader. The hook's process group is always reaped
// before returning, including whatever the hook left behind.
func (r *hookRunner) exitCode(ctx context.Context, call hookCall, phase string, hook *config.HookSpec) (int, error) {
	timeout := hook.Timeout.Duration
	if timeout <= 0 {
		timeout = config.DefaultHookTimeout
	}
	log := r.log.With().Str("unit", call.unit).Str("hook", phase).Logger()

	// A spawn that reached the launcher must be reaped, so it is not
	// abandoned when ctx ends mid-call.
	spawnCtx, cancelSpawn := context.WithTimeout(context.WithoutCancel(ctx), hookKillWait)
	resp, err := r.launcher.Spawn(spawnCtx, ipc.SpawnRequest{
		Unit: call.unit,
		Kind: proctable.KindHook,
		Path: hook.Command[0],
		Args: append([]string(nil), hook.Command[1:]...),
		Env:  call.env(phase),
		Dir:  call.spec.Workdir,
		User: call.spec.RunAs,
	})
	cancelSpawn()
	if err != nil {
		return -1, fmt.Errorf("hook %s: %w", phase, err)
	}
	exited := r.router.await(resp.Handle)
	log = log.With().Stringer("handle", resp.Handle).Int("pid", resp.Pid).Logger()
	log.Debug().Strs("command", logging.RedactArgs(hook.Command)).Dur("timeout", timeout).Msg("hook started")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-exited:
		r.reap(call.unit, resp.Handle, log)
		log.Debug().Int("exit_code", ev.ExitCode).Msg("hook exited")
		return ev.ExitCode, nil
	case <-timer.C:
		r.router.forget(resp.Handle)
		r.reap(call.unit, resp.Handle, log)
		log.Warn().Dur("timeout", timeout).Msg("hook timed out")
		return -1, fmt.Errorf("hook %s after %s: %w", phase, timeout, ErrHookTimeout)
	case <-ctx.Done():
		r.router.forget(resp.Handle)
		r.reap(call.unit, resp.Handle, log)
		return -1, ctx.Err()
	}
}

// run executes a hook whose non-zero exit is a failure.
func (r *hookRunner) run(ctx context.Context, call hookCall, phase string, hook *config.HookSpec) error {
	if hook == nil || len(hook.Command) == 0 {
		return nil
	}
	code, err := r.exitCode(ctx, call, phase, hook)
	switch {
	case err == nil && code == 0:
		metrics.ObserveHook(call.unit, phase, string(hookOK))
		return nil
	case err == nil:
		metrics.ObserveHook(call.unit, phase, string(hookFailed))
		return &HookError{Hook: phase, ExitCode: code}
	case errors.Is(err, ErrHookTimeout):
		metrics.ObserveHook(call.unit, phase, string(hookTimeout))
		return err
	case errors.Is(err, context.Canceled):
		return err
	default:
		metrics.ObserveHook(call.unit, phase, string(hookFailed))
		return err
	}
}

// health runs the health_check hook and maps its exit code to a verdict.
func (r *hookRunner) health(ctx context.Context, call hookCall, hook *config.HookSpec) Health {
	code, err := r.exitCode(ctx, call, HookHealthCheck, hook)
	if err != nil {
		outcome := hookFailed
		if errors.Is(err, ErrHookTimeout) {
			outcome = hookTimeout
		}
		if ctx.Err() == nil {
			metrics.ObserveHook(call.unit, HookHealthCheck, string(outcome))
		}
		return HealthUnknown
	}
	outcome := hookOK
	if code != 0 {
		outcome = hookFailed
	}
	metrics.ObserveHook(call.unit, HookHealthCheck, string(outcome))
	return healthFromExit(code)
}

// reap force-terminates the hook group. Grandchildren the hook left behind
// die with it.
func (r *hookRunner) reap(unit string, handle proctable.HandleID, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), hookKillWait)
	defer cancel()
	if _, err := r.launcher.Terminate(ctx, unit, handle, 0); err != nil && !errors.Is(err, ErrNoSuchProcess) {
		log.Error().Err(err).Msg("reap hook group")
	}
}

// joinCommand renders cmd for events with credential values masked.
func joinCommand(cmd []string) string {
	parts := make([]string, len(cmd))
	for i, part := range logging.RedactArgs(cmd) {
		if strings.ContainsAny(part, " \t\n\"") {
			part = fmt.Sprintf("%q", part)
		}
		parts[i] = part
	}
	return strings.Join(parts, " ")
}
