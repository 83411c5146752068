package extthread

import (
	"sync"
	"sync/atomic"

	"github.com/dataflowrt/core/tenerr"
)

// EnvProxy is the outer-thread handle onto a Group. Notify enqueues a
// closure onto the extension thread; acquire/
// release-lock-mode let the holding outer thread treat a burst of
// notifications as atomic relative to every other proxy of the same group.
type EnvProxy struct {
	g *Group

	mu        sync.Mutex
	holding   bool
	destroyed bool
}

// Notify enqueues fn to run on the group's thread. It
// fails with TenIsClosed once the proxy is destroyed or the group has
// begun draining.
func (p *EnvProxy) Notify(fn func()) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return tenerr.TenIsClosedf("env-proxy already destroyed")
	}
	holding := p.holding
	p.mu.Unlock()

	if p.g.isDraining() {
		return tenerr.TenIsClosedf("extension group is draining")
	}

	if !holding {
		p.g.ticket.acquire()
		defer p.g.ticket.release()
	}
	return p.g.Enqueue(fn)
}

// AcquireLockMode blocks until no other proxy of the same group is holding
// lock mode, then grants this proxy exclusive access to the group's
// notification slot until ReleaseLockMode is called. Grants
// are strictly FIFO across contending proxies (ticketQueue).
func (p *EnvProxy) AcquireLockMode() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return tenerr.TenIsClosedf("env-proxy already destroyed")
	}
	p.mu.Unlock()

	p.g.ticket.acquire()

	p.mu.Lock()
	p.holding = true
	p.mu.Unlock()
	return nil
}

// ReleaseLockMode ends a lock-mode section begun by AcquireLockMode.
func (p *EnvProxy) ReleaseLockMode() error {
	p.mu.Lock()
	if !p.holding {
		p.mu.Unlock()
		return tenerr.InvalidArgumentf("release_lock_mode without a matching acquire_lock_mode")
	}
	p.holding = false
	p.mu.Unlock()

	p.g.ticket.release()
	return nil
}

// Destroy releases the proxy's strong handle on the group. Sending via Notify after
// Destroy is rejected; sending via the raw channel this proxy wraps
// after destruction would be undefined, which this package sidesteps by
// exposing no channel at all.
func (p *EnvProxy) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	holding := p.holding
	p.holding = false
	p.mu.Unlock()

	if holding {
		p.g.ticket.release()
	}
	atomic.AddInt32(&p.g.proxies, -1)
}
