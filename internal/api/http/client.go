package httpapi

import (
	"bytes"
	stdcontext "context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Paintersrp/warden/internal/api"
	"github.com/Paintersrp/warden/internal/supervisor"
)

// Error is a non-2xx response from the API.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("api: %s: %s", e.Code, e.Message)
}

// Client calls a supervisor's control API.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient targets addr, either host:port or a full URL.
func NewClient(addr string) (*Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("api address is required")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + normalizeAddr(addr)
	}
	base, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse api address: %w", err)
	}
	return &Client{base: base, http: &http.Client{Timeout: 2 * time.Minute}}, nil
}

// Status returns every loaded unit.
func (c *Client) Status(ctx stdcontext.Context) (*api.StatusReport, error) {
	var out api.StatusReport
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type unitEnvelope struct {
	Unit supervisor.UnitStatus `json:"unit"`
}

// Unit returns one unit.
func (c *Client) Unit(ctx stdcontext.Context, name string) (*supervisor.UnitStatus, error) {
	var out unitEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/v1/units/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out.Unit, nil
}

// Load submits a service document.
func (c *Client) Load(ctx stdcontext.Context, req api.LoadRequest) (*supervisor.UnitStatus, error) {
	var out unitEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/v1/units", req, &out); err != nil {
		return nil, err
	}
	return &out.Unit, nil
}

// Start asks a unit to run.
func (c *Client) Start(ctx stdcontext.Context, name string) (*supervisor.UnitStatus, error) {
	var out unitEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/v1/units/"+url.PathEscape(name)+"/start", nil, &out); err != nil {
		return nil, err
	}
	return &out.Unit, nil
}

// Stop brings a unit to rest. A zero grace uses the unit's grace_period.
func (c *Client) Stop(ctx stdcontext.Context, name string, grace time.Duration) (*supervisor.UnitStatus, error) {
	req := api.StopRequest{}
	if grace > 0 {
		req.Grace = grace.String()
	}
	var out unitEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/v1/units/"+url.PathEscape(name)+"/stop", req, &out); err != nil {
		return nil, err
	}
	return &out.Unit, nil
}

// Signal delivers a named signal to a running unit.
func (c *Client) Signal(ctx stdcontext.Context, name, signal string) (*supervisor.UnitStatus, error) {
	var out unitEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/v1/units/"+url.PathEscape(name)+"/signal", api.SignalRequest{Signal: signal}, &out); err != nil {
		return nil, err
	}
	return &out.Unit, nil
}

// Unload stops and forgets a unit.
func (c *Client) Unload(ctx stdcontext.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/units/"+url.PathEscape(name), nil, nil)
}

// Shutdown asks the supervisor to stop every unit and exit.
func (c *Client) Shutdown(ctx stdcontext.Context, reason string) (*api.ShutdownResult, error) {
	var out struct {
		Shutdown api.ShutdownResult `json:"shutdown"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/shutdown", api.ShutdownRequest{Reason: reason}, &out); err != nil {
		return nil, err
	}
	return &out.Shutdown, nil
}

func (c *Client) do(ctx stdcontext.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	target := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb errorBody
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err := json.Unmarshal(data, &eb); err != nil || eb.Code == "" {
			return &Error{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode), Message: strings.TrimSpace(string(data))}
		}
		return &Error{Status: resp.StatusCode, Code: eb.Code, Message: eb.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
