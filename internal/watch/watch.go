// Package watch reports debounced file changes in a directory.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long a file must stay quiet before its change is
// reported.
const DefaultDebounce = 250 * time.Millisecond

// Change is a settled change to one file.
type Change struct {
	Path string
	// Removed is set when the file no longer exists.
	Removed bool
}

// Options tune a directory watch.
type Options struct {
	// Filter selects the base names to report. Nil reports every file.
	Filter   func(name string) bool
	Debounce time.Duration
	Logger   zerolog.Logger
}

// Dir watches dir, which is created when missing, and emits a Change per
// file once events for it have settled. The channel closes when ctx ends.
func Dir(ctx context.Context, dir string, opts Options) (<-chan Change, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	log := opts.Logger.With().Str("component", "watch").Str("dir", dir).Logger()

	out := make(chan Change)
	go func() {
		defer close(out)
		defer w.Close()

		var (
			mu      sync.Mutex
			timers  = make(map[string]*time.Timer)
			settled = make(chan string)
		)
		defer func() {
			mu.Lock()
			for _, t := range timers {
				t.Stop()
			}
			mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op == fsnotify.Chmod {
					continue
				}
				name := filepath.Base(ev.Name)
				if opts.Filter != nil && !opts.Filter(name) {
					continue
				}
				path := ev.Name
				mu.Lock()
				if t, ok := timers[path]; ok {
					t.Reset(opts.Debounce)
				} else {
					timers[path] = time.AfterFunc(opts.Debounce, func() {
						select {
						case settled <- path:
						case <-ctx.Done():
						}
					})
				}
				mu.Unlock()
			case path := <-settled:
				mu.Lock()
				delete(timers, path)
				mu.Unlock()
				_, err := os.Stat(path)
				change := Change{Path: path, Removed: errors.Is(err, os.ErrNotExist)}
				log.Debug().Str("path", path).Bool("removed", change.Removed).Msg("file changed")
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("watch error")
			}
		}
	}()
	return out, nil
}
