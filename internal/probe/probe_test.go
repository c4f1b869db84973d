package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Paintersrp/warden/internal/config"
)

func TestWatchHTTPTransitions(t *testing.T) {
	var healthy atomic.Bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != userAgent {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	spec := &config.HealthSpec{
		Interval: config.D(15 * time.Millisecond),
		Timeout:  config.D(200 * time.Millisecond),
		HTTP:     &config.HTTPProbeSpec{URL: server.URL},
	}
	prober, err := New(spec)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events := Watch(ctx, prober, SettingsFor(spec), nil)
	unready := expectEvent(t, events, StatusUnready, time.Second)
	if !strings.HasPrefix(unready.Reason, "status=503") {
		t.Fatalf("expected http status reason, got %q", unready.Reason)
	}

	healthy.Store(true)
	ready := expectEvent(t, events, StatusReady, time.Second)
	if ready.Err != nil || ready.Reason != "" {
		t.Fatalf("expected clean ready event, got %+v", ready)
	}

	ensureNoEvent(t, events, 60*time.Millisecond)

	healthy.Store(false)
	expectEvent(t, events, StatusUnready, time.Second)
}

func TestHTTPExpectStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	t.Cleanup(server.Close)

	plain, _ := New(&config.HealthSpec{HTTP: &config.HTTPProbeSpec{URL: server.URL}})
	if err := plain.Probe(context.Background()); err == nil {
		t.Fatalf("expected 418 to fail without expect_status")
	}
	expecting, _ := New(&config.HealthSpec{HTTP: &config.HTTPProbeSpec{URL: server.URL, ExpectStatus: []int{http.StatusTeapot}}})
	if err := expecting.Probe(context.Background()); err != nil {
		t.Fatalf("expected 418 to pass with expect_status, got %v", err)
	}
}

func TestWatchTCPClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	spec := &config.HealthSpec{
		Interval: config.D(10 * time.Millisecond),
		Timeout:  config.D(50 * time.Millisecond),
		TCP:      &config.TCPProbeSpec{Address: addr},
	}
	prober, err := New(spec)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	events := Watch(ctx, prober, SettingsFor(spec), nil)
	event := expectEvent(t, events, StatusUnready, time.Second)
	if !strings.Contains(event.Reason, "dial") {
		t.Fatalf("expected dial failure, got %q", event.Reason)
	}
	ensureNoEvent(t, events, 50*time.Millisecond)
}

func TestWatchTimeoutAndCancellation(t *testing.T) {
	hang := ProberFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	t.Run("timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		start := time.Now()
		events := Watch(ctx, hang, Settings{Timeout: 50 * time.Millisecond}, nil)
		event := expectEvent(t, events, StatusUnready, time.Second)
		if !strings.Contains(event.Reason, "timeout") {
			t.Fatalf("expected timeout reason, got %q", event.Reason)
		}
		if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
			t.Fatalf("probe exceeded timeout budget: %v", elapsed)
		}
	})

	t.Run("cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		events := Watch(ctx, hang, Settings{Interval: 10 * time.Millisecond, Timeout: 500 * time.Millisecond}, nil)
		cancel()
		select {
		case _, ok := <-events:
			if ok {
				t.Fatalf("expected channel to close after cancellation")
			}
		case <-time.After(200 * time.Millisecond):
			t.Fatalf("watcher did not close on cancellation")
		}
	})
}

func TestWaitReady(t *testing.T) {
	var calls atomic.Int32
	flaky := ProberFunc(func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := WaitReady(ctx, flaky, Settings{Interval: 5 * time.Millisecond}); err != nil {
		t.Fatalf("WaitReady returned error: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}

	never := ProberFunc(func(context.Context) error { return errors.New("connection refused") })
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shortCancel()
	err := WaitReady(shortCtx, never, Settings{Interval: 5 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected last probe error in %v", err)
	}
}

func TestNewWithoutProbes(t *testing.T) {
	prober, err := New(&config.HealthSpec{Interval: config.D(time.Second)})
	if err != nil || prober != nil {
		t.Fatalf("expected nil prober, got %v, %v", prober, err)
	}
	if _, err := New(&config.HealthSpec{TCP: &config.TCPProbeSpec{}}); err == nil {
		t.Fatalf("expected error for empty tcp address")
	}
}

func TestAnyProberPassesWhenOnePasses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	prober, err := New(&config.HealthSpec{
		HTTP: &config.HTTPProbeSpec{URL: server.URL},
		TCP:  &config.TCPProbeSpec{Address: "127.0.0.1:1"},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := prober.Probe(context.Background()); err != nil {
		t.Fatalf("expected http probe to carry the check, got %v", err)
	}
}

func expectEvent(t *testing.T, events <-chan Event, status Status, timeout time.Duration) Event {
	t.Helper()
	select {
	case event, ok := <-events:
		if !ok {
			t.Fatalf("events channel closed while waiting for %s", status)
		}
		if event.Status != status {
			t.Fatalf("expected status %s, got %s", status, event.Status)
		}
		return event
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for status %s", status)
	}
	return Event{}
}

func ensureNoEvent(t *testing.T, events <-chan Event, duration time.Duration) {
	t.Helper()
	select {
	case event, ok := <-events:
		if ok {
			t.Fatalf("unexpected event %s during quiet period", event.Status)
		}
		t.Fatalf("events channel closed unexpectedly")
	case <-time.After(duration):
	}
}
