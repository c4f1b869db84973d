package httpapi

import (
	stdcontext "context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Paintersrp/warden/internal/api"
	"github.com/Paintersrp/warden/internal/supervisor"
)

func TestClientRoundTrip(t *testing.T) {
	var stopped time.Duration
	ctrl := &mockController{
		statusFn: func(stdcontext.Context) (*api.StatusReport, error) {
			return &api.StatusReport{Units: []supervisor.UnitStatus{{Name: "web", State: supervisor.StateRunning, Failures: 2}}}, nil
		},
		stopFn: func(_ stdcontext.Context, name string, grace time.Duration) (*supervisor.UnitStatus, error) {
			stopped = grace
			return &supervisor.UnitStatus{Name: name, State: supervisor.StateStopped}, nil
		},
		unloadFn: func(_ stdcontext.Context, name string) error {
			return fmt.Errorf("%s: %w", name, supervisor.ErrUnknownUnit)
		},
	}
	server := newTestServer(t, ctrl)
	ts := httptest.NewServer(server.srv.Handler)
	defer ts.Close()

	client, err := NewClient(ts.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := stdcontext.Background()

	report, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(report.Units) != 1 || report.Units[0].Failures != 2 {
		t.Fatalf("unexpected report %+v", report)
	}

	st, err := client.Stop(ctx, "web", 2*time.Second)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st.State != supervisor.StateStopped || stopped != 2*time.Second {
		t.Fatalf("unexpected stop result %+v grace=%s", st, stopped)
	}

	st, err = client.Start(ctx, "web")
	if err != nil || st.Name != "web" {
		t.Fatalf("start: %+v %v", st, err)
	}

	err = client.Unload(ctx, "db")
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Code != "unknown_unit" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}

	res, err := client.Shutdown(ctx, "test")
	if err != nil || !res.Accepted || res.Reason != "test" {
		t.Fatalf("shutdown: %+v %v", res, err)
	}
}

func TestNewClientAddresses(t *testing.T) {
	c, err := NewClient(":9631")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if c.base.String() != "http://127.0.0.1:9631" {
		t.Fatalf("unexpected base %s", c.base)
	}
	if _, err := NewClient(" "); err == nil {
		t.Fatalf("expected error for empty address")
	}
}
