package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// D builds an explicitly set Duration.
func D(d time.Duration) Duration {
	return Duration{Duration: d, explicit: true}
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// DesiredState is the operator-requested state of a unit at load time.
type DesiredState string

const (
	DesiredRunning DesiredState = "running"
	DesiredStopped DesiredState = "stopped"
)

// ServiceSpec mirrors a <spec_dir>/<name>.yaml document.
type ServiceSpec struct {
	Name        string            `yaml:"name" json:"name"`
	Command     []string          `yaml:"command" json:"command"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	EnvFile     string            `yaml:"env_file,omitempty" json:"env_file,omitempty"`
	Workdir     string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	RunAs       string            `yaml:"run_as,omitempty" json:"run_as,omitempty"`
	Desired     DesiredState      `yaml:"desired,omitempty" json:"desired,omitempty"`
	Artifact    *ArtifactSpec     `yaml:"artifact,omitempty" json:"artifact,omitempty"`
	Ports       []string          `yaml:"ports,omitempty" json:"ports,omitempty"`
	Hooks       HooksSpec         `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	Health      *HealthSpec       `yaml:"health,omitempty" json:"health,omitempty"`
	Restart     *RestartPolicy    `yaml:"restart,omitempty" json:"restart,omitempty"`
	Timeouts    TimeoutSpec       `yaml:"timeouts,omitempty" json:"timeouts,omitempty"`
	GracePeriod Duration          `yaml:"grace_period,omitempty" json:"grace_period,omitempty"`

	// Source is the file the spec was read from, empty for API submissions.
	Source string `yaml:"-" json:"-"`
}

// ArtifactSpec pins the executable a unit runs.
type ArtifactSpec struct {
	Path   string `yaml:"path" json:"path"`
	Digest string `yaml:"digest,omitempty" json:"digest,omitempty"`
}

// HookSpec describes one lifecycle hook command.
type HookSpec struct {
	Command []string `yaml:"command" json:"command"`
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// HooksSpec groups the optional lifecycle hooks of a unit.
type HooksSpec struct {
	PreStart    *HookSpec `yaml:"pre_start,omitempty" json:"pre_start,omitempty"`
	PostStop    *HookSpec `yaml:"post_stop,omitempty" json:"post_stop,omitempty"`
	HealthCheck *HookSpec `yaml:"health_check,omitempty" json:"health_check,omitempty"`
	Reconfigure *HookSpec `yaml:"reconfigure,omitempty" json:"reconfigure,omitempty"`
}

// HealthSpec configures the periodic health check of a running unit.
type HealthSpec struct {
	Interval Duration       `yaml:"interval,omitempty" json:"interval,omitempty"`
	Timeout  Duration       `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	HTTP     *HTTPProbeSpec `yaml:"http,omitempty" json:"http,omitempty"`
	TCP      *TCPProbeSpec  `yaml:"tcp,omitempty" json:"tcp,omitempty"`
}

// HTTPProbeSpec defines an HTTP probe.
type HTTPProbeSpec struct {
	URL          string `yaml:"url" json:"url"`
	ExpectStatus []int  `yaml:"expect_status,omitempty" json:"expect_status,omitempty"`
}

// TCPProbeSpec defines a TCP probe.
type TCPProbeSpec struct {
	Address string `yaml:"address" json:"address"`
}

// RestartPolicy defines restart behaviour for a unit. A negative
// MaxAttempts means restart forever.
type RestartPolicy struct {
	MaxAttempts *int     `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	Initial     Duration `yaml:"initial,omitempty" json:"initial,omitempty"`
	Max         Duration `yaml:"max,omitempty" json:"max,omitempty"`
	Factor      float64  `yaml:"factor,omitempty" json:"factor,omitempty"`
	StableAfter Duration `yaml:"stable_after,omitempty" json:"stable_after,omitempty"`
}

// TimeoutSpec bounds the phases of a unit's lifecycle.
type TimeoutSpec struct {
	Start Duration `yaml:"start,omitempty" json:"start,omitempty"`
	Stop  Duration `yaml:"stop,omitempty" json:"stop,omitempty"`
	Hook  Duration `yaml:"hook,omitempty" json:"hook,omitempty"`
}

const (
	DefaultMaxAttempts    = 5
	DefaultRestartInitial = time.Second
	DefaultRestartMax     = time.Minute
	DefaultRestartFactor  = 2.0
	DefaultStableAfter    = 30 * time.Second
	DefaultStartTimeout   = 30 * time.Second
	DefaultStopTimeout    = 30 * time.Second
	DefaultHookTimeout    = 30 * time.Second
	DefaultGracePeriod    = 10 * time.Second
	DefaultHealthInterval = 10 * time.Second
	DefaultHealthTimeout  = 2 * time.Second

	// reservedUnitName doubles as the IPC correlation id of control traffic.
	reservedUnitName = "warden"
)

var unitNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,62}$`)

// ValidUnitName reports whether name is a well-formed unit name. Such a name
// is always safe to use as a single path element.
func ValidUnitName(name string) bool {
	return unitNamePattern.MatchString(name)
}

// ApplyDefaults fills every unset field with its default.
func (s *ServiceSpec) ApplyDefaults() {
	s.Name = strings.TrimSpace(s.Name)
	if s.Desired == "" {
		s.Desired = DesiredRunning
	}
	if s.Restart == nil {
		s.Restart = &RestartPolicy{}
	}
	if s.Restart.MaxAttempts == nil {
		max := DefaultMaxAttempts
		s.Restart.MaxAttempts = &max
	}
	if !s.Restart.Initial.IsSet() {
		s.Restart.Initial = D(DefaultRestartInitial)
	}
	if !s.Restart.Max.IsSet() {
		s.Restart.Max = D(DefaultRestartMax)
	}
	if s.Restart.Factor == 0 {
		s.Restart.Factor = DefaultRestartFactor
	}
	if !s.Restart.StableAfter.IsSet() {
		s.Restart.StableAfter = D(DefaultStableAfter)
	}
	if !s.Timeouts.Start.IsSet() {
		s.Timeouts.Start = D(DefaultStartTimeout)
	}
	if !s.Timeouts.Stop.IsSet() {
		s.Timeouts.Stop = D(DefaultStopTimeout)
	}
	if !s.Timeouts.Hook.IsSet() {
		s.Timeouts.Hook = D(DefaultHookTimeout)
	}
	if !s.GracePeriod.IsSet() {
		s.GracePeriod = D(DefaultGracePeriod)
	}
	for _, hook := range s.Hooks.all() {
		if hook != nil && !hook.Timeout.IsSet() {
			hook.Timeout = s.Timeouts.Hook
		}
	}
	if s.Health != nil {
		if !s.Health.Interval.IsSet() {
			s.Health.Interval = D(DefaultHealthInterval)
		}
		if !s.Health.Timeout.IsSet() {
			s.Health.Timeout = D(DefaultHealthTimeout)
		}
	}
}

// Validate enforces the semantic rules the schema cannot express.
func (s *ServiceSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%s: is required", fieldPath("name"))
	}
	if !ValidUnitName(s.Name) {
		return fmt.Errorf("%s: invalid unit name %q (lowercase letters, digits, '.', '_' and '-')", fieldPath("name"), s.Name)
	}
	if s.Name == reservedUnitName {
		return fmt.Errorf("%s: %q is reserved", fieldPath("name"), s.Name)
	}
	if len(s.Command) == 0 && (s.Artifact == nil || strings.TrimSpace(s.Artifact.Path) == "") {
		return fmt.Errorf("%s: must contain at least one entry", fieldPath("command"))
	}
	if len(s.Command) > 0 && strings.TrimSpace(s.Command[0]) == "" {
		return fmt.Errorf("%s: executable must be non-empty", fieldPath("command[0]"))
	}
	switch s.Desired {
	case DesiredRunning, DesiredStopped:
	default:
		return fmt.Errorf("%s: invalid value %q (expected one of: running, stopped)", fieldPath("desired"), s.Desired)
	}
	if s.Artifact != nil {
		if strings.TrimSpace(s.Artifact.Path) == "" {
			return fmt.Errorf("%s: is required", fieldPath("artifact", "path"))
		}
		if s.Artifact.Digest != "" {
			if _, err := ParseDigest(s.Artifact.Digest); err != nil {
				return fmt.Errorf("%s: %w", fieldPath("artifact", "digest"), err)
			}
		}
	}
	for name, hook := range s.Hooks.named() {
		if hook == nil {
			continue
		}
		if len(hook.Command) == 0 || strings.TrimSpace(hook.Command[0]) == "" {
			return fmt.Errorf("%s: must contain at least one entry", fieldPath("hooks", name, "command"))
		}
		if hook.Timeout.Duration <= 0 {
			return fmt.Errorf("%s: must be greater than zero", fieldPath("hooks", name, "timeout"))
		}
	}
	if s.Health != nil {
		if err := validateHealth(s.Health, s.Hooks.HealthCheck != nil); err != nil {
			return err
		}
	}
	if r := s.Restart; r != nil {
		if r.Initial.Duration <= 0 {
			return fmt.Errorf("%s: must be greater than zero", fieldPath("restart", "initial"))
		}
		if r.Max.Duration < r.Initial.Duration {
			return fmt.Errorf("%s: must be greater than or equal to restart.initial", fieldPath("restart", "max"))
		}
		if r.Factor < 1 {
			return fmt.Errorf("%s: must be at least 1", fieldPath("restart", "factor"))
		}
		if r.StableAfter.Duration < 0 {
			return fmt.Errorf("%s: must be non-negative", fieldPath("restart", "stable_after"))
		}
	}
	for name, d := range map[string]Duration{
		"start": s.Timeouts.Start,
		"stop":  s.Timeouts.Stop,
		"hook":  s.Timeouts.Hook,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("%s: must be greater than zero", fieldPath("timeouts", name))
		}
	}
	if s.GracePeriod.Duration < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("grace_period"))
	}
	for i, port := range s.Ports {
		if err := validatePort(port); err != nil {
			return fmt.Errorf("%s: %w", fieldPath(fmt.Sprintf("ports[%d]", i)), err)
		}
	}
	return nil
}

func validateHealth(h *HealthSpec, hasHook bool) error {
	probes := 0
	if h.HTTP != nil {
		probes++
		if strings.TrimSpace(h.HTTP.URL) == "" {
			return fmt.Errorf("%s: is required", fieldPath("health", "http", "url"))
		}
	}
	if h.TCP != nil {
		probes++
		if strings.TrimSpace(h.TCP.Address) == "" {
			return fmt.Errorf("%s: is required", fieldPath("health", "tcp", "address"))
		}
	}
	if probes > 1 {
		return fmt.Errorf("%s: only one of http or tcp may be configured", fieldPath("health"))
	}
	if probes == 0 && !hasHook {
		return fmt.Errorf("%s: probe configuration or hooks.health_check is required", fieldPath("health"))
	}
	if h.Interval.Duration <= 0 {
		return fmt.Errorf("%s: must be greater than zero", fieldPath("health", "interval"))
	}
	if h.Timeout.Duration <= 0 {
		return fmt.Errorf("%s: must be greater than zero", fieldPath("health", "timeout"))
	}
	return nil
}

func validatePort(spec string) error {
	mappings, err := nat.ParsePortSpec(spec)
	if err != nil {
		return fmt.Errorf("invalid port mapping %q: %w", spec, err)
	}
	if len(mappings) == 0 {
		return fmt.Errorf("invalid port mapping %q: no port definitions found", spec)
	}
	for _, mapping := range mappings {
		start, end, err := mapping.Port.Range()
		if err != nil {
			return fmt.Errorf("invalid port mapping %q: %w", spec, err)
		}
		if start == 0 || end == 0 {
			return fmt.Errorf("invalid port mapping %q: port must be in range 1-65535", spec)
		}
	}
	return nil
}

// Executable returns the program the unit's main process runs. An artifact
// path takes precedence over command[0].
func (s *ServiceSpec) Executable() string {
	if s.Artifact != nil && strings.TrimSpace(s.Artifact.Path) != "" {
		return s.Artifact.Path
	}
	if len(s.Command) == 0 {
		return ""
	}
	return s.Command[0]
}

// Args returns the arguments passed to Executable.
func (s *ServiceSpec) Args() []string {
	if s.Artifact != nil && strings.TrimSpace(s.Artifact.Path) != "" {
		return append([]string(nil), s.Command...)
	}
	if len(s.Command) <= 1 {
		return nil
	}
	return append([]string(nil), s.Command[1:]...)
}

// EnvList renders the environment as sorted KEY=VALUE pairs.
func (s *ServiceSpec) EnvList() []string {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+s.Env[k])
	}
	return out
}

func (h *HooksSpec) all() []*HookSpec {
	return []*HookSpec{h.PreStart, h.PostStop, h.HealthCheck, h.Reconfigure}
}

func (h *HooksSpec) named() map[string]*HookSpec {
	return map[string]*HookSpec{
		"pre_start":    h.PreStart,
		"post_stop":    h.PostStop,
		"health_check": h.HealthCheck,
		"reconfigure":  h.Reconfigure,
	}
}

// Clone creates a deep copy of the spec.
func (s *ServiceSpec) Clone() *ServiceSpec {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Command != nil {
		cp.Command = append([]string(nil), s.Command...)
	}
	if s.Env != nil {
		cp.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			cp.Env[k] = v
		}
	}
	if s.Ports != nil {
		cp.Ports = append([]string(nil), s.Ports...)
	}
	if s.Artifact != nil {
		a := *s.Artifact
		cp.Artifact = &a
	}
	cp.Hooks = HooksSpec{
		PreStart:    s.Hooks.PreStart.Clone(),
		PostStop:    s.Hooks.PostStop.Clone(),
		HealthCheck: s.Hooks.HealthCheck.Clone(),
		Reconfigure: s.Hooks.Reconfigure.Clone(),
	}
	if s.Health != nil {
		cp.Health = s.Health.Clone()
	}
	if s.Restart != nil {
		cp.Restart = s.Restart.Clone()
	}
	return &cp
}

// Clone creates a deep copy of the hook.
func (h *HookSpec) Clone() *HookSpec {
	if h == nil {
		return nil
	}
	cp := *h
	cp.Command = append([]string(nil), h.Command...)
	return &cp
}

// Clone creates a deep copy of the health configuration.
func (h *HealthSpec) Clone() *HealthSpec {
	if h == nil {
		return nil
	}
	cp := *h
	if h.HTTP != nil {
		cp.HTTP = &HTTPProbeSpec{
			URL:          h.HTTP.URL,
			ExpectStatus: append([]int(nil), h.HTTP.ExpectStatus...),
		}
	}
	if h.TCP != nil {
		cp.TCP = &TCPProbeSpec{Address: h.TCP.Address}
	}
	return &cp
}

// Clone creates a deep copy of the restart policy.
func (r *RestartPolicy) Clone() *RestartPolicy {
	if r == nil {
		return nil
	}
	cp := *r
	if r.MaxAttempts != nil {
		max := *r.MaxAttempts
		cp.MaxAttempts = &max
	}
	return &cp
}

// Host mirrors warden.yaml, the configuration of one supervision instance.
type Host struct {
	DataDir         string       `yaml:"data_dir"`
	SpecDir         string       `yaml:"spec_dir"`
	ConfigDir       string       `yaml:"config_dir"`
	LogDir          string       `yaml:"log_dir"`
	SocketPath      string       `yaml:"socket_path"`
	APIAddr         string       `yaml:"api_addr"`
	MetricsAddr     string       `yaml:"metrics_addr"`
	SupervisorUser  string       `yaml:"supervisor_user"`
	RequireVerified bool         `yaml:"require_verified"`
	Launcher        LauncherSpec `yaml:"launcher"`
	Logs            LogRotation  `yaml:"logs"`
}

// LauncherSpec tunes the privileged launcher loop.
type LauncherSpec struct {
	MaxRespawns     *int     `yaml:"max_respawns"`
	RespawnBackoff  Duration `yaml:"respawn_backoff"`
	ReadyTimeout    Duration `yaml:"ready_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	SweepGrace      Duration `yaml:"sweep_grace"`
}

// LogRotation configures per-unit log files.
type LogRotation struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

const (
	DefaultAPIAddr         = "127.0.0.1:9631"
	DefaultMaxRespawns     = 5
	DefaultRespawnBackoff  = time.Second
	DefaultReadyTimeout    = 15 * time.Second
	DefaultShutdownTimeout = time.Minute
	DefaultSweepGrace      = 5 * time.Second
)

// DefaultDataDir returns the platform data directory.
func DefaultDataDir() string {
	if runtime.GOOS == "windows" {
		return `C:\ProgramData\warden`
	}
	return "/var/lib/warden"
}

// DefaultSocketPath returns the launcher IPC endpoint for dataDir.
func DefaultSocketPath(dataDir string) string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\warden`
	}
	return filepath.Join(dataDir, "warden.sock")
}

// DefaultHost returns a host configuration with every default applied.
func DefaultHost() *Host {
	h := &Host{}
	h.ApplyDefaults()
	return h
}

// ApplyDefaults fills every unset field with its default.
func (h *Host) ApplyDefaults() {
	if h.DataDir == "" {
		h.DataDir = DefaultDataDir()
	}
	if h.SpecDir == "" {
		h.SpecDir = filepath.Join(h.DataDir, "specs")
	}
	if h.ConfigDir == "" {
		h.ConfigDir = filepath.Join(h.DataDir, "config")
	}
	if h.LogDir == "" {
		h.LogDir = filepath.Join(h.DataDir, "logs")
	}
	if h.SocketPath == "" {
		h.SocketPath = DefaultSocketPath(h.DataDir)
	}
	if h.APIAddr == "" {
		h.APIAddr = DefaultAPIAddr
	}
	if h.Launcher.MaxRespawns == nil {
		max := DefaultMaxRespawns
		h.Launcher.MaxRespawns = &max
	}
	if !h.Launcher.RespawnBackoff.IsSet() {
		h.Launcher.RespawnBackoff = D(DefaultRespawnBackoff)
	}
	if !h.Launcher.ReadyTimeout.IsSet() {
		h.Launcher.ReadyTimeout = D(DefaultReadyTimeout)
	}
	if !h.Launcher.ShutdownTimeout.IsSet() {
		h.Launcher.ShutdownTimeout = D(DefaultShutdownTimeout)
	}
	if !h.Launcher.SweepGrace.IsSet() {
		h.Launcher.SweepGrace = D(DefaultSweepGrace)
	}
	if h.Logs.MaxSizeMB == 0 {
		h.Logs.MaxSizeMB = 10
	}
	if h.Logs.MaxBackups == 0 {
		h.Logs.MaxBackups = 5
	}
	if h.Logs.MaxAgeDays == 0 {
		h.Logs.MaxAgeDays = 28
	}
}

// Validate enforces host configuration invariants.
func (h *Host) Validate() error {
	for name, dir := range map[string]string{
		"data_dir":   h.DataDir,
		"spec_dir":   h.SpecDir,
		"config_dir": h.ConfigDir,
		"log_dir":    h.LogDir,
	} {
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("%s: must be an absolute path", fieldPath(name))
		}
	}
	if strings.TrimSpace(h.SocketPath) == "" {
		return fmt.Errorf("%s: is required", fieldPath("socket_path"))
	}
	if h.Launcher.MaxRespawns != nil && *h.Launcher.MaxRespawns < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("launcher", "max_respawns"))
	}
	for name, d := range map[string]Duration{
		"respawn_backoff":  h.Launcher.RespawnBackoff,
		"ready_timeout":    h.Launcher.ReadyTimeout,
		"shutdown_timeout": h.Launcher.ShutdownTimeout,
		"sweep_grace":      h.Launcher.SweepGrace,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("%s: must be greater than zero", fieldPath("launcher", name))
		}
	}
	if h.Logs.MaxSizeMB < 0 || h.Logs.MaxBackups < 0 || h.Logs.MaxAgeDays < 0 {
		return fmt.Errorf("%s: values must be non-negative", fieldPath("logs"))
	}
	return nil
}

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}
