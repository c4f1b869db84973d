// Package specwatch keeps the loaded units in step with the spec directory.
package specwatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/supervisor"
	"github.com/Paintersrp/warden/internal/watch"
)

// Applier is the part of the Supervisor a spec directory drives.
type Applier interface {
	Apply(ctx context.Context, spec *config.ServiceSpec) (supervisor.UnitStatus, error)
	Remove(ctx context.Context, name string) error
}

// Watcher loads every spec in Dir and then follows the directory: created
// and changed files are applied, removed files unload their unit.
type Watcher struct {
	Dir      string
	Target   Applier
	Debounce time.Duration
	Logger   zerolog.Logger

	mu    sync.Mutex
	units map[string]string // spec path -> unit name
}

// LoadAll applies every spec currently in Dir. Files that fail to parse are
// logged and skipped.
func (w *Watcher) LoadAll(ctx context.Context) error {
	specs, loadErr := config.LoadSpecDir(w.Dir)
	if loadErr != nil {
		w.Logger.Warn().Err(loadErr).Str("dir", w.Dir).Msg("some specs failed to load")
	}
	var errs []error
	for _, spec := range specs {
		if err := w.apply(ctx, spec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run follows Dir until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	dir, err := filepath.Abs(w.Dir)
	if err != nil {
		return err
	}
	changes, err := watch.Dir(ctx, dir, watch.Options{
		Filter:   config.IsSpecFile,
		Debounce: w.Debounce,
		Logger:   w.Logger,
	})
	if err != nil {
		return err
	}
	for c := range changes {
		w.handle(ctx, c)
	}
	return ctx.Err()
}

func (w *Watcher) handle(ctx context.Context, c watch.Change) {
	log := w.Logger.With().Str("spec", c.Path).Logger()
	if c.Removed {
		name := w.forget(c.Path)
		if name == "" {
			return
		}
		if err := w.Target.Remove(ctx, name); err != nil {
			log.Error().Err(err).Str("unit", name).Msg("unload removed spec")
			return
		}
		log.Info().Str("unit", name).Msg("spec removed, unit unloaded")
		return
	}

	spec, err := config.LoadService(c.Path)
	if err != nil {
		log.Error().Err(err).Msg("spec rejected")
		return
	}
	if prev := w.lookup(c.Path); prev != "" && prev != spec.Name {
		if err := w.Target.Remove(ctx, prev); err != nil {
			log.Error().Err(err).Str("unit", prev).Msg("unload renamed unit")
		}
	}
	if err := w.apply(ctx, spec); err != nil {
		log.Error().Err(err).Msg("apply spec")
	}
}

func (w *Watcher) apply(ctx context.Context, spec *config.ServiceSpec) error {
	st, err := w.Target.Apply(ctx, spec)
	if err != nil {
		return err
	}
	if spec.Source != "" {
		w.remember(spec.Source, spec.Name)
	}
	w.Logger.Info().Str("unit", spec.Name).Str("state", string(st.State)).Msg("spec applied")
	return nil
}

func (w *Watcher) remember(path, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.units == nil {
		w.units = make(map[string]string)
	}
	w.units[filepath.Clean(path)] = name
}

func (w *Watcher) lookup(path string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.units[filepath.Clean(path)]
}

func (w *Watcher) forget(path string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	path = filepath.Clean(path)
	name := w.units[path]
	delete(w.units, path)
	return name
}
