package collab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/watch"
)

// DirConfigSource serves per-unit configuration snapshots from
// <dir>/<unit>.yaml.
type DirConfigSource struct {
	Dir    string
	Logger zerolog.Logger
}

// Snapshot decodes the unit's configuration file. A missing file yields a
// nil snapshot.
func (s *DirConfigSource) Snapshot(_ context.Context, unit string) (map[string]any, error) {
	path, err := s.find(unit)
	if err != nil || path == "" {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	snapshot := map[string]any{}
	if len(bytes.TrimSpace(data)) == 0 {
		return snapshot, nil
	}
	if err := yaml.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return snapshot, nil
}

func (s *DirConfigSource) find(unit string) (string, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(s.Dir, unit+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("stat config %s: %w", path, err)
		}
	}
	return "", nil
}

// Subscribe emits the unit name of every configuration file that changes,
// including removals. The channel closes when ctx ends.
func (s *DirConfigSource) Subscribe(ctx context.Context) <-chan string {
	out := make(chan string)
	changes, err := watch.Dir(ctx, s.Dir, watch.Options{Filter: config.IsSpecFile, Logger: s.Logger})
	if err != nil {
		s.Logger.Error().Err(err).Str("dir", s.Dir).Msg("config directory not watched")
		close(out)
		return out
	}
	go func() {
		defer close(out)
		for c := range changes {
			unit := config.UnitNameFromPath(c.Path)
			if strings.TrimSpace(unit) == "" {
				continue
			}
			select {
			case out <- unit:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
