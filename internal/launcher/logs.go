package launcher

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/lumberjack"

	"github.com/Paintersrp/warden/internal/config"
)

// unitLogs hands out one rotated log file per unit, shared by the unit's
// main process and its hooks.
type unitLogs struct {
	dir      string
	rotation config.LogRotation

	mu      sync.Mutex
	writers map[string]*lumberjack.Logger
}

func newUnitLogs(dir string, rotation config.LogRotation) *unitLogs {
	return &unitLogs{
		dir:      dir,
		rotation: rotation,
		writers:  make(map[string]*lumberjack.Logger),
	}
}

// path returns <dir>/<unit>.log.
func (u *unitLogs) path(unit string) string {
	return filepath.Join(u.dir, unit+".log")
}

func (u *unitLogs) writer(unit string) (io.Writer, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if w, ok := u.writers[unit]; ok {
		return w, nil
	}
	if err := os.MkdirAll(u.dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	w := &lumberjack.Logger{
		Filename:   u.path(unit),
		MaxSize:    u.rotation.MaxSizeMB,
		MaxBackups: u.rotation.MaxBackups,
		MaxAge:     u.rotation.MaxAgeDays,
		Compress:   u.rotation.Compress,
	}
	u.writers[unit] = w
	return w, nil
}

func (u *unitLogs) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	var firstErr error
	for unit, w := range u.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s log: %w", unit, err)
		}
		delete(u.writers, unit)
	}
	return firstErr
}
