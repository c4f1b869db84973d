// Package proctable tracks the OS process groups the launcher has spawned.
//
// The table is owned by the launcher. Handles are opaque to the supervisor
// which only ever sees their IDs.
package proctable

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNoSuchProcess is returned for handles the table does not know.
var ErrNoSuchProcess = errors.New("no such process")

// HandleID identifies one spawned process group.
type HandleID uint64

// String renders the id as h-<n>.
func (id HandleID) String() string {
	return "h-" + strconv.FormatUint(uint64(id), 10)
}

// MarshalText implements encoding.TextMarshaler.
func (id HandleID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *HandleID) UnmarshalText(text []byte) error {
	parsed, err := ParseHandleID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseHandleID parses the h-<n> form produced by String.
func ParseHandleID(raw string) (HandleID, error) {
	digits, ok := strings.CutPrefix(strings.TrimSpace(raw), "h-")
	if !ok {
		return 0, fmt.Errorf("invalid handle id %q", raw)
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid handle id %q", raw)
	}
	return HandleID(n), nil
}

// Kind classifies what a handle was spawned for.
type Kind string

const (
	KindMain       Kind = "main"
	KindHook       Kind = "hook"
	KindSupervisor Kind = "supervisor"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindMain, KindHook, KindSupervisor:
		return true
	}
	return false
}

// Handle is the bookkeeping record for one process group. Group is the
// launcher's OS-level reference and never leaves the launcher process.
type Handle[G any] struct {
	ID        HandleID
	Pid       int
	Unit      string
	Kind      Kind
	Command   string
	CreatedAt time.Time

	Alive    bool
	ExitCode int
	ExitedAt time.Time

	Group G
}

// Info is a copy of a handle's public attributes.
type Info struct {
	ID        HandleID  `json:"id"`
	Pid       int       `json:"pid"`
	Unit      string    `json:"unit"`
	Kind      Kind      `json:"kind"`
	Command   string    `json:"command"`
	CreatedAt time.Time `json:"created_at"`
	Alive     bool      `json:"alive"`
	ExitCode  int       `json:"exit_code"`
	ExitedAt  time.Time `json:"exited_at,omitempty"`
}

// entry.op serializes operations on one handle; handle fields are guarded
// by Table.mu.
type entry[G any] struct {
	op     sync.Mutex
	handle Handle[G]
}

// Table is a concurrency-safe map of handles. Operations on one handle can
// be serialized with Lock while other handles proceed independently.
type Table[G any] struct {
	mu      sync.RWMutex
	next    HandleID
	entries map[HandleID]*entry[G]
	now     func() time.Time
}

// New constructs an empty table.
func New[G any]() *Table[G] {
	return &Table[G]{
		entries: make(map[HandleID]*entry[G]),
		now:     time.Now,
	}
}

// Insert records a freshly started process group and assigns its id.
func (t *Table[G]) Insert(pid int, unit string, kind Kind, command string, group G) HandleID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	id := t.next
	t.entries[id] = &entry[G]{handle: Handle[G]{
		ID:        id,
		Pid:       pid,
		Unit:      unit,
		Kind:      kind,
		Command:   command,
		CreatedAt: t.now(),
		Alive:     true,
		Group:     group,
	}}
	return id
}

func (t *Table[G]) lookup(id HandleID) (*entry[G], error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNoSuchProcess)
	}
	return e, nil
}

// Get returns a copy of the handle.
func (t *Table[G]) Get(id HandleID) (Handle[G], error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return Handle[G]{}, fmt.Errorf("%s: %w", id, ErrNoSuchProcess)
	}
	return e.handle, nil
}

// Lock serializes callers working on one handle. The returned function
// releases the lock. It fails when the handle is unknown or was removed
// while waiting.
func (t *Table[G]) Lock(id HandleID) (func(), error) {
	e, err := t.lookup(id)
	if err != nil {
		return nil, err
	}
	e.op.Lock()
	if _, err := t.lookup(id); err != nil {
		e.op.Unlock()
		return nil, err
	}
	return e.op.Unlock, nil
}

// MarkExited records the leader's exit status. It does not take the
// per-handle lock held by Lock callers.
func (t *Table[G]) MarkExited(id HandleID, code int) (Handle[G], error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return Handle[G]{}, fmt.Errorf("%s: %w", id, ErrNoSuchProcess)
	}
	if e.handle.Alive {
		e.handle.Alive = false
		e.handle.ExitCode = code
		e.handle.ExitedAt = t.now()
	}
	return e.handle, nil
}

// Remove drops a handle once its whole group is confirmed gone.
func (t *Table[G]) Remove(id HandleID) (Handle[G], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return Handle[G]{}, false
	}
	delete(t.entries, id)
	return e.handle, true
}

// Snapshot returns all handles ordered by id.
func (t *Table[G]) Snapshot() []Handle[G] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Handle[G], 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.handle)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tracked handles.
func (t *Table[G]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Info returns the public attributes of h.
func (h Handle[G]) Info() Info {
	return Info{
		ID:        h.ID,
		Pid:       h.Pid,
		Unit:      h.Unit,
		Kind:      h.Kind,
		Command:   h.Command,
		CreatedAt: h.CreatedAt,
		Alive:     h.Alive,
		ExitCode:  h.ExitCode,
		ExitedAt:  h.ExitedAt,
	}
}
