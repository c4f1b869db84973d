package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the default host configuration path.
const EnvConfigPath = "WARDEN_CONFIG"

// DefaultHostPath returns the host configuration path honouring WARDEN_CONFIG.
func DefaultHostPath() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return filepath.Join(DefaultDataDir(), "warden.yaml")
}

// LoadHost reads warden.yaml. A missing file yields the defaults when
// allowMissing is set.
func LoadHost(path string, allowMissing bool) (*Host, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		if allowMissing && errors.Is(err, fs.ErrNotExist) {
			return DefaultHost(), nil
		}
		return nil, fmt.Errorf("open config file: %w", err)
	}

	var host Host
	if len(bytes.TrimSpace(data)) > 0 {
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&host); err != nil {
			return nil, fmt.Errorf("%s: decode: %w", absPath, err)
		}
	}
	base := filepath.Dir(absPath)
	for _, field := range []*string{&host.DataDir, &host.SpecDir, &host.ConfigDir, &host.LogDir} {
		if *field == "" {
			continue
		}
		*field = resolveDir(base, os.ExpandEnv(*field))
	}
	host.SocketPath = os.ExpandEnv(host.SocketPath)
	host.SupervisorUser = os.ExpandEnv(host.SupervisorUser)

	host.ApplyDefaults()
	if err := host.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return &host, nil
}

// ParseOptions control how a service document is interpreted.
type ParseOptions struct {
	// BaseDir anchors relative workdir and env_file paths.
	BaseDir string
	// DefaultName is used when the document omits name.
	DefaultName string
	// Source is recorded on the parsed spec.
	Source string
}

// ParseService decodes, schema-checks, defaults and validates one service
// document.
func ParseService(data []byte, opts ParseOptions) (*ServiceSpec, error) {
	label := opts.Source
	if label == "" {
		label = "service spec"
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%s: document is empty", label)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", label, err)
	}
	if err := validateAgainstSchema(raw); err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var spec ServiceSpec
	if err := decoder.Decode(&spec); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", label, err)
	}
	if strings.TrimSpace(spec.Name) == "" {
		spec.Name = opts.DefaultName
	}
	spec.Source = opts.Source

	if err := resolveServicePaths(&spec, opts.BaseDir); err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	spec.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	return &spec, nil
}

// LoadService reads a service spec file. The file's base name is the unit
// name unless the document sets one.
func LoadService(path string) (*ServiceSpec, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve spec path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open spec file: %w", err)
	}
	return ParseService(data, ParseOptions{
		BaseDir:     filepath.Dir(absPath),
		DefaultName: UnitNameFromPath(absPath),
		Source:      absPath,
	})
}

// LoadSpecDir loads every spec file in dir. A missing directory is empty.
// Files that fail to load are reported in the joined error while the rest
// are still returned.
func LoadSpecDir(dir string) ([]*ServiceSpec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read spec dir: %w", err)
	}
	var (
		specs []*ServiceSpec
		errs  []error
		seen  = map[string]string{}
	)
	for _, entry := range entries {
		if entry.IsDir() || !IsSpecFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		spec, err := LoadService(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, dup := seen[spec.Name]; dup {
			errs = append(errs, fmt.Errorf("%s: unit %q already declared in %s", path, spec.Name, prev))
			continue
		}
		seen[spec.Name] = path
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs, errors.Join(errs...)
}

// IsSpecFile reports whether name looks like a service spec document.
func IsSpecFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// UnitNameFromPath derives the default unit name from a spec file path.
func UnitNameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func resolveServicePaths(spec *ServiceSpec, baseDir string) error {
	if spec.Workdir != "" {
		spec.Workdir = resolveDir(baseDir, os.ExpandEnv(spec.Workdir))
	}
	if spec.Artifact != nil {
		spec.Artifact.Path = os.ExpandEnv(spec.Artifact.Path)
	}

	var inlineEnv map[string]string
	if len(spec.Env) > 0 {
		inlineEnv = make(map[string]string, len(spec.Env))
		for k, v := range spec.Env {
			inlineEnv[k] = os.ExpandEnv(v)
		}
	}
	var fileEnv map[string]string
	if spec.EnvFile != "" {
		expanded := os.ExpandEnv(spec.EnvFile)
		if !filepath.IsAbs(expanded) && baseDir != "" {
			expanded = filepath.Clean(filepath.Join(baseDir, expanded))
		}
		spec.EnvFile = expanded
		var err error
		fileEnv, err = loadEnvFile(expanded)
		if err != nil {
			return fmt.Errorf("%s: %w", fieldPath("env_file"), err)
		}
	}

	merged := make(map[string]string, len(fileEnv)+len(inlineEnv))
	for k, v := range fileEnv {
		merged[k] = v
	}
	for k, v := range inlineEnv {
		merged[k] = v
	}
	if len(merged) == 0 {
		merged = nil
	}
	spec.Env = merged
	return nil
}

func resolveDir(base, dir string) string {
	if dir == "" || filepath.IsAbs(dir) || base == "" {
		return filepath.Clean(dir)
	}
	return filepath.Clean(filepath.Join(base, dir))
}

func loadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	values := make(map[string]string)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("load env file %q: invalid line %d", path, lineNo)
		}
		value = strings.TrimSpace(value)
		switch {
		case strings.HasPrefix(value, `"`):
			unquoted, err := strconv.Unquote(value)
			if err != nil {
				return nil, fmt.Errorf("load env file %q: unmatched quote on line %d", path, lineNo)
			}
			value = unquoted
		case strings.HasPrefix(value, "'"):
			if len(value) < 2 || !strings.HasSuffix(value, "'") {
				return nil, fmt.Errorf("load env file %q: unmatched quote on line %d", path, lineNo)
			}
			value = value[1 : len(value)-1]
		default:
			if idx := strings.IndexByte(value, '#'); idx >= 0 {
				value = strings.TrimSpace(value[:idx])
			}
		}
		values[key] = os.ExpandEnv(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	return values, nil
}
