package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadServiceResolvesEnvAndDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "app", "vars.env"), "TOKEN=${FILE_SECRET}\nexport MODE='prod'\n# comment\nPASSWORD=from-file # trailing\n")
	t.Setenv("FILE_SECRET", "alpha")
	t.Setenv("API_PASSWORD", "s3cr3t")

	path := filepath.Join(dir, "web.yaml")
	writeFile(t, path, `command: ["/usr/bin/python3", "-m", "http.server", "8080"]
workdir: ./app
env:
  PASSWORD: ${API_PASSWORD}
  PORT: 8080
env_file: ./app/vars.env
ports: ["8080/tcp"]
hooks:
  pre_start:
    command: ["/bin/sh", "-c", "echo preparing"]
health:
  http:
    url: http://127.0.0.1:8080/
restart:
  max_attempts: 3
  initial: 500ms
`)

	spec, err := LoadService(path)
	if err != nil {
		t.Fatalf("LoadService returned error: %v", err)
	}
	if spec.Name != "web" {
		t.Fatalf("expected name derived from file, got %q", spec.Name)
	}
	if got, want := spec.Workdir, filepath.Join(dir, "app"); got != want {
		t.Fatalf("workdir mismatch: got %q want %q", got, want)
	}
	if got := spec.Env["TOKEN"]; got != "alpha" {
		t.Fatalf("env file expansion mismatch: got %q", got)
	}
	if got := spec.Env["PASSWORD"]; got != "s3cr3t" {
		t.Fatalf("inline env should override env file: got %q", got)
	}
	if got := spec.Env["MODE"]; got != "prod" {
		t.Fatalf("single quoted value mismatch: got %q", got)
	}
	if got := spec.Env["PORT"]; got != "8080" {
		t.Fatalf("numeric env value mismatch: got %q", got)
	}
	if spec.Desired != DesiredRunning {
		t.Fatalf("expected desired default running, got %q", spec.Desired)
	}
	if *spec.Restart.MaxAttempts != 3 {
		t.Fatalf("max attempts mismatch: %d", *spec.Restart.MaxAttempts)
	}
	if spec.Restart.Initial.Duration != 500*time.Millisecond {
		t.Fatalf("initial backoff mismatch: %v", spec.Restart.Initial.Duration)
	}
	if spec.Restart.Max.Duration != DefaultRestartMax || spec.Restart.Factor != DefaultRestartFactor {
		t.Fatalf("restart defaults not applied: %+v", spec.Restart)
	}
	if spec.Hooks.PreStart.Timeout.Duration != DefaultHookTimeout {
		t.Fatalf("hook timeout should inherit timeouts.hook, got %v", spec.Hooks.PreStart.Timeout.Duration)
	}
	if spec.Health.Interval.Duration != DefaultHealthInterval {
		t.Fatalf("health interval default mismatch: %v", spec.Health.Interval.Duration)
	}
	if spec.Source != path {
		t.Fatalf("source not recorded: %q", spec.Source)
	}
	if got := spec.Executable(); got != "/usr/bin/python3" {
		t.Fatalf("executable mismatch: %q", got)
	}
	if got := strings.Join(spec.Args(), " "); got != "-m http.server 8080" {
		t.Fatalf("args mismatch: %q", got)
	}
}

func TestParseServiceRejectsUnknownFields(t *testing.T) {
	_, err := ParseService([]byte("name: web\ncommand: [/bin/true]\nimage: nginx\n"), ParseOptions{})
	if err == nil {
		t.Fatalf("expected schema error")
	}
	if !strings.Contains(err.Error(), "schema validation failed") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseServiceSchemaErrorsNameLocation(t *testing.T) {
	_, err := ParseService([]byte("name: web\ncommand: [/bin/true]\nrestart:\n  initial: soon\n"), ParseOptions{})
	if err == nil {
		t.Fatalf("expected schema error")
	}
	if !strings.Contains(err.Error(), "restart.initial") {
		t.Fatalf("expected error to name restart.initial, got %v", err)
	}
}

func TestParseServiceValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{name: "missing name", doc: "command: [/bin/true]\n", want: "name: is required"},
		{name: "bad name", doc: "name: Web Server\ncommand: [/bin/true]\n", want: "invalid unit name"},
		{name: "reserved name", doc: "name: warden\ncommand: [/bin/true]\n", want: "is reserved"},
		{name: "missing command", doc: "name: web\n", want: "command: must contain at least one entry"},
		{name: "health without probe", doc: "name: web\ncommand: [/bin/true]\nhealth:\n  interval: 1s\n", want: "probe configuration"},
		{name: "two probes", doc: "name: web\ncommand: [/bin/true]\nhealth:\n  http: {url: http://x}\n  tcp: {address: x:1}\n", want: "only one of http or tcp"},
		{name: "max below initial", doc: "name: web\ncommand: [/bin/true]\nrestart:\n  initial: 10s\n  max: 1s\n", want: "restart.max"},
		{name: "bad port", doc: "name: web\ncommand: [/bin/true]\nports: [\"0\"]\n", want: "ports[0]"},
		{name: "bad digest", doc: "name: web\nartifact:\n  path: /opt/web\n  digest: md5:abc\n", want: "artifact.digest"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseService([]byte(tc.doc), ParseOptions{})
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("unexpected error: got %q want substring %q", err, tc.want)
			}
		})
	}
}

func TestParseServiceHealthHookOnly(t *testing.T) {
	spec, err := ParseService([]byte(`name: worker
command: [/bin/sleep, "60"]
hooks:
  health_check:
    command: [/bin/sh, -c, "exit 0"]
    timeout: 2s
health:
  interval: 5s
`), ParseOptions{})
	if err != nil {
		t.Fatalf("ParseService returned error: %v", err)
	}
	if spec.Hooks.HealthCheck.Timeout.Duration != 2*time.Second {
		t.Fatalf("explicit hook timeout lost: %v", spec.Hooks.HealthCheck.Timeout.Duration)
	}
}

func TestLoadSpecDirReportsBrokenFilesAndKeepsOthers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.yaml"), "command: [/bin/true]\n")
	writeFile(t, filepath.Join(dir, "a.yml"), "command: [/bin/true]\n")
	writeFile(t, filepath.Join(dir, "broken.yaml"), "command: [/bin/true]\nunknown: 1\n")
	writeFile(t, filepath.Join(dir, "dup.yaml"), "name: a\ncommand: [/bin/true]\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	writeFile(t, filepath.Join(dir, ".hidden.yaml"), "ignored")

	specs, err := LoadSpecDir(dir)
	if err == nil {
		t.Fatalf("expected joined error for broken and duplicate files")
	}
	if !strings.Contains(err.Error(), "broken.yaml") || !strings.Contains(err.Error(), "already declared") {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(specs) != 2 || specs[0].Name != "a" || specs[1].Name != "b" {
		names := make([]string, 0, len(specs))
		for _, s := range specs {
			names = append(names, s.Name)
		}
		t.Fatalf("unexpected specs: %v", names)
	}
}

func TestLoadSpecDirMissingDirectory(t *testing.T) {
	specs, err := LoadSpecDir(filepath.Join(t.TempDir(), "absent"))
	if err != nil || len(specs) != 0 {
		t.Fatalf("expected empty result, got %v, %v", specs, err)
	}
}

func TestLoadHostAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	t.Setenv("WARDEN_TEST_DATA", filepath.Join(dir, "data"))
	writeFile(t, path, `data_dir: ${WARDEN_TEST_DATA}
supervisor_user: nobody
launcher:
  max_respawns: 2
  shutdown_timeout: 20s
logs:
  max_size_mb: 1
`)

	host, err := LoadHost(path, false)
	if err != nil {
		t.Fatalf("LoadHost returned error: %v", err)
	}
	data := filepath.Join(dir, "data")
	if host.DataDir != data {
		t.Fatalf("data dir mismatch: %q", host.DataDir)
	}
	if host.SpecDir != filepath.Join(data, "specs") || host.LogDir != filepath.Join(data, "logs") {
		t.Fatalf("derived dirs mismatch: spec=%q log=%q", host.SpecDir, host.LogDir)
	}
	if *host.Launcher.MaxRespawns != 2 {
		t.Fatalf("max respawns mismatch: %d", *host.Launcher.MaxRespawns)
	}
	if host.Launcher.ShutdownTimeout.Duration != 20*time.Second {
		t.Fatalf("shutdown timeout mismatch: %v", host.Launcher.ShutdownTimeout.Duration)
	}
	if host.Launcher.ReadyTimeout.Duration != DefaultReadyTimeout {
		t.Fatalf("ready timeout default missing: %v", host.Launcher.ReadyTimeout.Duration)
	}
	if host.APIAddr != DefaultAPIAddr {
		t.Fatalf("api addr default missing: %q", host.APIAddr)
	}
	if host.Logs.MaxSizeMB != 1 || host.Logs.MaxBackups != 5 {
		t.Fatalf("log rotation mismatch: %+v", host.Logs)
	}
}

func TestLoadHostMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	if _, err := LoadHost(path, false); err == nil {
		t.Fatalf("expected error for missing file")
	}
	host, err := LoadHost(path, true)
	if err != nil {
		t.Fatalf("LoadHost(allowMissing) returned error: %v", err)
	}
	if host.DataDir != DefaultDataDir() {
		t.Fatalf("expected default data dir, got %q", host.DataDir)
	}
}

func TestLoadHostRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	writeFile(t, path, "data_dir: /srv/warden\nlaunchr: {}\n")
	if _, err := LoadHost(path, false); err == nil || !strings.Contains(err.Error(), "launchr") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestFieldFromPointer(t *testing.T) {
	cases := map[string]string{
		"":                           "spec",
		"/":                          "spec",
		"/name":                      "name",
		"/hooks/pre_start/command/0": "hooks.pre_start.command[0]",
		"/env/a~1b":                  "env.a/b",
	}
	for in, want := range cases {
		if got := fieldFromPointer(in); got != want {
			t.Fatalf("fieldFromPointer(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSchemaErrorsNameTheField(t *testing.T) {
	_, err := ParseService([]byte("name: web\ncommand: [/bin/true]\nrestart:\n  max_attempts: many\n"), ParseOptions{})
	if err == nil {
		t.Fatalf("expected schema error")
	}
	if !strings.Contains(err.Error(), "- restart.max_attempts:") {
		t.Fatalf("expected field path in error, got %q", err)
	}
}

func TestSchemaAcceptsNumericFields(t *testing.T) {
	doc := "name: web\ncommand: [/bin/true]\nrestart:\n  max_attempts: 3\n  factor: 1.5\n"
	spec, err := ParseService([]byte(doc), ParseOptions{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if spec.Restart.MaxAttempts == nil || *spec.Restart.MaxAttempts != 3 {
		t.Fatalf("unexpected max_attempts %+v", spec.Restart.MaxAttempts)
	}

	_, err = ParseService([]byte("name: web\ncommand: [/bin/true]\nrestart:\n  max_attempts: 2.5\n"), ParseOptions{})
	if err == nil || !strings.Contains(err.Error(), "- restart.max_attempts:") {
		t.Fatalf("expected integer violation, got %v", err)
	}
}
