// Package extthread implements the extension thread and environment
// proxy: the single cooperative run loop an extension group owns,
// and the env-proxy outer threads use to reach it.
package extthread

import (
	"sync"
	"sync/atomic"

	"github.com/dataflowrt/core/tenerr"
)

// Group is the single OS-thread run loop an extension group owns. The
// caller runs Group.Run on the dedicated goroutine/thread;
// everything else (Enqueue, EnvProxy.Notify) schedules work onto it from
// any other goroutine.
type Group struct {
	inbox   chan func()
	ticket  *ticketQueue
	stopped chan struct{}

	mu       sync.Mutex
	draining bool
	closed   bool
	proxies  int32
}

// NewGroup constructs a Group whose inbox can hold queueSize pending tasks
// before Enqueue/Notify block; a non-positive queueSize defaults to 256.
func NewGroup(queueSize int) *Group {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Group{
		inbox:   make(chan func(), queueSize),
		ticket:  newTicketQueue(),
		stopped: make(chan struct{}),
	}
}

// Run drains the inbox until Stop closes it, executing every queued task on
// the calling goroutine. It returns once the inbox is closed and drained,
// which is the thread's actual exit point.
func (g *Group) Run() {
	defer close(g.stopped)
	for fn := range g.inbox {
		fn()
	}
}

// Enqueue schedules fn to run on the group's thread. It is the scheduler's
// own privileged path -- used for lifecycle calls and local message
// delivery -- and, unlike EnvProxy.Notify, is never rejected for draining,
// so on_stop/on_deinit can still be dispatched during shutdown.
func (g *Group) Enqueue(fn func()) error {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return tenerr.TenIsClosedf("extension group is closed")
	}
	g.inbox <- fn
	return nil
}

// BeginDraining flips the group into draining mode: from this point on,
// EnvProxy.Notify fails new calls with TenIsClosed. Tasks already queued are unaffected.
func (g *Group) BeginDraining() {
	g.mu.Lock()
	g.draining = true
	g.mu.Unlock()
}

func (g *Group) isDraining() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.draining
}

// NewEnvProxy creates an outer-thread handle onto g. The proxy holds a
// strong handle keeping Stop from closing the inbox until Destroy is
// called.
func (g *Group) NewEnvProxy() *EnvProxy {
	atomic.AddInt32(&g.proxies, 1)
	return &EnvProxy{g: g}
}

// Stop closes the inbox and waits for Run to drain it, once every
// outstanding EnvProxy has been destroyed.
func (g *Group) Stop() error {
	g.mu.Lock()
	if atomic.LoadInt32(&g.proxies) > 0 {
		n := g.proxies
		g.mu.Unlock()
		return tenerr.InvalidArgumentf("cannot stop group: %d env-proxy handle(s) still outstanding", n)
	}
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()
	close(g.inbox)
	<-g.stopped
	return nil
}
