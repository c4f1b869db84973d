package collab

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// RenderedConfigName is the file a unit's configuration is rendered to.
const RenderedConfigName = "user.toml"

// TOMLRenderer writes snapshots to <DataDir>/svc/<unit>/config/user.toml.
type TOMLRenderer struct {
	DataDir string
}

// Path returns where the configuration of unit is rendered.
func (r TOMLRenderer) Path(unit string) string {
	return filepath.Join(r.DataDir, "svc", unit, "config", RenderedConfigName)
}

// Render encodes snapshot as TOML and replaces the unit's rendered file
// atomically.
func (r TOMLRenderer) Render(unit string, snapshot map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(snapshot); err != nil {
		return "", fmt.Errorf("encode config for %s: %w", unit, err)
	}
	path := r.Path(unit)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".user-*.toml")
	if err != nil {
		return "", fmt.Errorf("render config for %s: %w", unit, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("render config for %s: %w", unit, err)
	}
	if err := tmp.Chmod(0o640); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("render config for %s: %w", unit, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("render config for %s: %w", unit, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("render config for %s: %w", unit, err)
	}
	return path, nil
}
