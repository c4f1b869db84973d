package supervisor

import (
	"sync"
	"time"

	"github.com/Paintersrp/warden/internal/ipc"
	"github.com/Paintersrp/warden/internal/proctable"
)

// earlyTTL bounds how long an exit nobody awaits is kept.
const earlyTTL = time.Minute

// exitRouter hands ProcessExited notifications to whoever waits on the
// handle. A notification can overtake the Spawn response, so exits for
// handles nobody awaits yet are kept until await, forget or earlyTTL.
type exitRouter struct {
	mu      sync.Mutex
	now     func() time.Time
	waiters map[proctable.HandleID]chan ipc.ProcessExited
	early   map[proctable.HandleID]earlyExit
}

type earlyExit struct {
	ev       ipc.ProcessExited
	received time.Time
}

func newExitRouter() *exitRouter {
	return &exitRouter{
		now:     time.Now,
		waiters: make(map[proctable.HandleID]chan ipc.ProcessExited),
		early:   make(map[proctable.HandleID]earlyExit),
	}
}

func (r *exitRouter) deliver(ev ipc.ProcessExited) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.waiters[ev.Handle]; ok {
		delete(r.waiters, ev.Handle)
		ch <- ev
		return
	}
	now := r.now()
	for id, e := range r.early {
		if now.Sub(e.received) > earlyTTL {
			delete(r.early, id)
		}
	}
	r.early[ev.Handle] = earlyExit{ev: ev, received: now}
}

// await returns a channel that receives the exit of handle exactly once.
func (r *exitRouter) await(handle proctable.HandleID) <-chan ipc.ProcessExited {
	ch := make(chan ipc.ProcessExited, 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.early[handle]; ok {
		delete(r.early, handle)
		ch <- e.ev
		return ch
	}
	r.waiters[handle] = ch
	return ch
}

func (r *exitRouter) forget(handle proctable.HandleID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiters, handle)
	delete(r.early, handle)
}

func (r *exitRouter) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters) + len(r.early)
}
