// Package collab provides the local implementations of the Supervisor's
// collaborators: artifact resolution and verification, per-unit
// configuration snapshots and their rendering.
package collab

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/supervisor"
)

// LocalResolver finds unit executables on the local filesystem. Paths with
// a separator are taken as they are; bare names are looked up in PATH.
type LocalResolver struct {
	// Dirs are searched before PATH for bare names.
	Dirs []string
}

// Resolve returns the absolute path of the unit's executable.
func (r LocalResolver) Resolve(_ context.Context, spec *config.ServiceSpec) (string, error) {
	exe := strings.TrimSpace(spec.Executable())
	if exe == "" {
		return "", fmt.Errorf("no executable: %w", supervisor.ErrArtifactNotFound)
	}
	if strings.ContainsRune(exe, filepath.Separator) || strings.ContainsRune(exe, '/') {
		if !filepath.IsAbs(exe) && spec.Workdir != "" {
			exe = filepath.Join(spec.Workdir, exe)
		}
		return checkExecutable(exe)
	}
	for _, dir := range r.Dirs {
		if path, err := checkExecutable(filepath.Join(dir, exe)); err == nil {
			return path, nil
		}
	}
	path, err := exec.LookPath(exe)
	if err != nil {
		return "", fmt.Errorf("%s: %w", exe, supervisor.ErrArtifactNotFound)
	}
	return filepath.Abs(path)
}

func checkExecutable(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, supervisor.ErrArtifactNotFound)
	}
	info, err := os.Stat(abs)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("%s: %w", abs, supervisor.ErrArtifactNotFound)
	case err != nil:
		return "", fmt.Errorf("%s: %w: %v", abs, supervisor.ErrArtifactNotFound, err)
	case info.IsDir():
		return "", fmt.Errorf("%s is a directory: %w", abs, supervisor.ErrArtifactNotFound)
	}
	return abs, nil
}
