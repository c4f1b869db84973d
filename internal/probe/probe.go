// Package probe runs the HTTP and TCP health checks declared for a unit.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Paintersrp/warden/internal/config"
)

// Status is the outcome a watcher reports for a unit.
type Status string

const (
	// StatusUnknown is the state before the first probe completes. It is
	// never emitted.
	StatusUnknown Status = "unknown"
	StatusReady   Status = "ready"
	StatusUnready Status = "unready"
)

// Event describes a transition emitted by Watch.
type Event struct {
	Status  Status
	Reason  string
	Err     error
	At      time.Time
	Latency time.Duration
}

// Prober runs one health check attempt.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Settings controls the cadence of Watch and WaitReady.
type Settings struct {
	Interval time.Duration
	Timeout  time.Duration
	// FailureThreshold consecutive failures flip a ready unit to unready.
	FailureThreshold int
}

// SettingsFor derives probe settings from a health spec.
func SettingsFor(spec *config.HealthSpec) Settings {
	if spec == nil {
		return Settings{}
	}
	return Settings{
		Interval:         spec.Interval.Duration,
		Timeout:          spec.Timeout.Duration,
		FailureThreshold: 1,
	}
}

// New builds the prober for spec. It returns nil, nil when spec declares no
// probe. When both an HTTP and a TCP probe are declared, either passing is
// enough.
func New(spec *config.HealthSpec) (Prober, error) {
	if spec == nil {
		return nil, nil
	}
	var probes []namedProber
	if spec.HTTP != nil {
		if spec.HTTP.URL == "" {
			return nil, errors.New("probe: http probe requires a url")
		}
		probes = append(probes, namedProber{name: "http", probe: newHTTPProber(spec.HTTP)})
	}
	if spec.TCP != nil {
		if spec.TCP.Address == "" {
			return nil, errors.New("probe: tcp probe requires an address")
		}
		probes = append(probes, namedProber{name: "tcp", probe: newTCPProber(spec.TCP)})
	}
	switch len(probes) {
	case 0:
		return nil, nil
	case 1:
		return probes[0].probe, nil
	default:
		return anyProber(probes), nil
	}
}

// Watch probes until ctx ends and emits every ready/unready transition. The
// channel is closed once ctx is cancelled.
func Watch(ctx context.Context, prober Prober, settings Settings, nowFn func() time.Time) <-chan Event {
	events := make(chan Event, 1)
	if nowFn == nil {
		nowFn = time.Now
	}
	go func() {
		defer close(events)
		if prober == nil {
			return
		}
		failureAllowed := settings.FailureThreshold
		if failureAllowed <= 0 {
			failureAllowed = 1
		}

		failures := 0
		status := StatusUnknown
		for {
			started := nowFn()
			err := attempt(ctx, prober, settings.Timeout)
			if ctx.Err() != nil {
				return
			}
			latency := nowFn().Sub(started)

			if err == nil {
				failures = 0
				if status != StatusReady {
					status = StatusReady
					if !sendEvent(ctx, events, Event{Status: StatusReady, At: nowFn(), Latency: latency}) {
						return
					}
				}
			} else {
				failures++
				if failures >= failureAllowed && status != StatusUnready {
					status = StatusUnready
					event := Event{Status: StatusUnready, Reason: err.Error(), Err: err, At: nowFn(), Latency: latency}
					if !sendEvent(ctx, events, event) {
						return
					}
				}
			}

			if !sleep(ctx, settings.Interval) {
				return
			}
		}
	}()
	return events
}

// WaitReady probes until the first success or until ctx ends. The last
// probe error is returned alongside the context error.
func WaitReady(ctx context.Context, prober Prober, settings Settings) error {
	if prober == nil {
		return nil
	}
	interval := settings.Interval
	if interval <= 0 || interval > time.Second {
		interval = 100 * time.Millisecond
	}
	var lastErr error
	for {
		err := attempt(ctx, prober, settings.Timeout)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			if lastErr == nil {
				lastErr = err
			}
			return fmt.Errorf("%w: last probe error: %v", ctx.Err(), lastErr)
		}
		lastErr = err
		if !sleep(ctx, interval) {
			return fmt.Errorf("%w: last probe error: %v", ctx.Err(), lastErr)
		}
	}
}

func attempt(ctx context.Context, prober Prober, timeout time.Duration) error {
	attemptCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()
	err := prober.Probe(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timeout after %s", timeout)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func sendEvent(ctx context.Context, events chan<- Event, event Event) bool {
	select {
	case <-ctx.Done():
		return false
	case events <- event:
		return true
	}
}

type namedProber struct {
	name  string
	probe Prober
}

// anyProber passes as soon as one of its probes passes.
type anyProber []namedProber

func (a anyProber) Probe(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		name string
		err  error
	}
	results := make(chan result, len(a))
	for _, p := range a {
		go func(p namedProber) {
			results <- result{name: p.name, err: p.probe.Probe(ctx)}
		}(p)
	}
	var errs []error
	for range a {
		res := <-results
		if res.err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", res.name, res.err))
	}
	return errors.Join(errs...)
}
