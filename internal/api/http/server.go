package httpapi

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Paintersrp/warden/internal/api"
	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/ipc"
	"github.com/Paintersrp/warden/internal/metrics"
	"github.com/Paintersrp/warden/internal/supervisor"
)

const (
	defaultReadHeader      = 5 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	maxBodyBytes           = 1 << 20
)

// Config controls construction of the API server.
type Config struct {
	Addr              string
	Controller        api.Controller
	Listener          net.Listener
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Logger            zerolog.Logger
}

// Server exposes supervisor controls and metrics over HTTP.
type Server struct {
	ctrl            api.Controller
	srv             *http.Server
	listener        net.Listener
	shutdownTimeout time.Duration
	log             zerolog.Logger
}

// NewServer constructs a Server with sane defaults.
func NewServer(cfg Config) (*Server, error) {
	if isNilController(cfg.Controller) {
		return nil, fmt.Errorf("controller is required (got %T)", cfg.Controller)
	}
	router := mux.NewRouter()
	srv := &http.Server{
		Addr:              normalizeAddr(cfg.Addr),
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	if srv.ReadHeaderTimeout == 0 {
		srv.ReadHeaderTimeout = defaultReadHeader
	}
	server := &Server{
		ctrl:            cfg.Controller,
		srv:             srv,
		listener:        cfg.Listener,
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             cfg.Logger.With().Str("component", "api").Logger(),
	}
	if server.shutdownTimeout == 0 {
		server.shutdownTimeout = defaultShutdownTimeout
	}
	server.registerRoutes(router)
	return server, nil
}

func isNilController(ctrl api.Controller) bool {
	if ctrl == nil {
		return true
	}
	v := reflect.ValueOf(ctrl)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// Run starts serving until the provided context is cancelled.
func (s *Server) Run(ctx stdcontext.Context) error {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	errCh := make(chan error, 1)
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), s.shutdownTimeout)
			defer cancel()
			_ = s.srv.Shutdown(shutdownCtx)
		case <-stop:
		}
	}()

	go func() {
		var err error
		if s.listener != nil {
			err = s.srv.Serve(s.listener)
		} else {
			err = s.srv.ListenAndServe()
		}
		errCh <- err
	}()
	s.log.Info().Str("addr", s.Addr()).Msg("api listening")

	err := <-errCh
	close(stop)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.srv.Addr
}

func (s *Server) registerRoutes(r *mux.Router) {
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/units", s.handleLoad).Methods(http.MethodPost)
	v1.HandleFunc("/units/{unit}", s.handleUnit).Methods(http.MethodGet)
	v1.HandleFunc("/units/{unit}", s.handleUnload).Methods(http.MethodDelete)
	v1.HandleFunc("/units/{unit}/start", s.handleStart).Methods(http.MethodPost)
	v1.HandleFunc("/units/{unit}/stop", s.handleStop).Methods(http.MethodPost)
	v1.HandleFunc("/units/{unit}/signal", s.handleSignal).Methods(http.MethodPost)
	v1.HandleFunc("/shutdown", s.handleShutdown).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	// Only the root router gets fallbacks: a NotFoundHandler on the
	// subrouter would turn method mismatches into 404s.
	r.MethodNotAllowedHandler = http.HandlerFunc(s.methodNotAllowed)
	r.NotFoundHandler = http.HandlerFunc(s.notFound)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.ctrl.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUnit(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["unit"]
	st, err := s.ctrl.Unit(r.Context(), name)
	if err != nil {
		s.writeErrorWithDetails(w, err, map[string]any{"unit": name})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"unit": st})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req api.LoadRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Document) == "" {
		s.writeError(w, fmt.Errorf("%w: document is required", api.ErrInvalidRequest))
		return
	}
	st, err := s.ctrl.Load(r.Context(), req)
	if err != nil {
		s.writeErrorWithDetails(w, err, map[string]any{"source": req.Source})
		return
	}
	s.log.Info().Str("unit", st.Name).Str("state", string(st.State)).Msg("unit loaded via api")
	s.writeJSON(w, http.StatusCreated, map[string]any{"unit": st})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["unit"]
	st, err := s.ctrl.Start(r.Context(), name)
	if err != nil {
		s.writeErrorWithDetails(w, err, map[string]any{"unit": name})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"unit": st})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["unit"]
	var req api.StopRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	var grace time.Duration
	if req.Grace != "" {
		d, err := time.ParseDuration(req.Grace)
		if err != nil || d < 0 {
			s.writeError(w, fmt.Errorf("%w: invalid grace %q", api.ErrInvalidRequest, req.Grace))
			return
		}
		grace = d
	}
	st, err := s.ctrl.Stop(r.Context(), name, grace)
	if err != nil {
		s.writeErrorWithDetails(w, err, map[string]any{"unit": name})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"unit": st})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["unit"]
	var req api.SignalRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Signal) == "" {
		s.writeError(w, fmt.Errorf("%w: signal is required", api.ErrInvalidRequest))
		return
	}
	st, err := s.ctrl.Signal(r.Context(), name, req.Signal)
	if err != nil {
		s.writeErrorWithDetails(w, err, map[string]any{"unit": name, "signal": req.Signal})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"unit": st})
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["unit"]
	if err := s.ctrl.Unload(r.Context(), name); err != nil {
		s.writeErrorWithDetails(w, err, map[string]any{"unit": name})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"unloaded": name})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var req api.ShutdownRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.ctrl.Shutdown(r.Context(), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"shutdown": result})
}

// decodeBody reads an optional JSON body into v.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", api.ErrInvalidRequest, err)
	}
	return nil
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusMethodNotAllowed, errorBody{
		Code:    "method_not_allowed",
		Message: fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path),
	})
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusNotFound, errorBody{
		Code:    "not_found",
		Message: fmt.Sprintf("no route for %s", r.URL.Path),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeErrorWithDetails(w, err, nil)
}

func (s *Server) writeErrorWithDetails(w http.ResponseWriter, err error, extra map[string]any) {
	status, code := classifyError(err)
	details := map[string]any{
		"timestamp": time.Now().UTC(),
	}
	for k, v := range extra {
		if v != "" {
			details[k] = v
		}
	}
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("code", code).Msg("api request failed")
	}
	s.writeJSON(w, status, errorBody{
		Code:    code,
		Message: err.Error(),
		Details: details,
	})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, stdcontext.Canceled):
		return 499, "context_canceled"
	case errors.Is(err, stdcontext.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, supervisor.ErrUnknownUnit):
		return http.StatusNotFound, "unknown_unit"
	case errors.Is(err, supervisor.ErrUnitExists):
		return http.StatusConflict, "unit_exists"
	case errors.Is(err, supervisor.ErrNotRunning):
		return http.StatusConflict, "not_running"
	case errors.Is(err, supervisor.ErrNoSuchProcess):
		return http.StatusConflict, "no_such_process"
	case errors.Is(err, ipc.ErrUnsupported):
		return http.StatusUnprocessableEntity, "unsupported"
	case errors.Is(err, supervisor.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, supervisor.ErrSignatureInvalid):
		return http.StatusUnprocessableEntity, "signature_invalid"
	case errors.Is(err, supervisor.ErrUntrusted):
		return http.StatusForbidden, "untrusted"
	case errors.Is(err, supervisor.ErrArtifactNotFound):
		return http.StatusUnprocessableEntity, "artifact_not_found"
	case errors.Is(err, api.ErrInvalidSpec):
		return http.StatusBadRequest, "invalid_spec"
	case errors.Is(err, api.ErrInvalidRequest), errors.Is(err, ipc.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, supervisor.ErrIPCDisconnected):
		return http.StatusBadGateway, "launcher_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func normalizeAddr(addr string) string {
	if strings.TrimSpace(addr) == "" {
		return config.DefaultAPIAddr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
