// Package graph implements the graph engine: the
// per-graph extension registry, connection table, message-conversion
// application, and in-graph routing between extension threads (and, for
// destinations outside the graph's app, hand-off to the remote layer).
package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dataflowrt/core/extension"
	"github.com/dataflowrt/core/extthread"
	"github.com/dataflowrt/core/msg"
	"github.com/dataflowrt/core/telemetry"
	"github.com/dataflowrt/core/tenerr"
	"github.com/dataflowrt/core/timer"
	"github.com/dataflowrt/core/value"
)

// RemoteSender hands a message addressed outside this graph's own app to
// the remote layer, which this package treats as an
// abstract collaborator so it stays unit-testable without a real network
// connection.
type RemoteSender interface {
	SendRemote(m *msg.Message) error
}

// Node is one graph node's static declaration: the addon
// type is recorded for diagnostics but instantiating the addon itself is
// out of scope; callers pass an already-constructed Handler.
type Node struct {
	Name    string
	Addon   string
	Group   string
	Handler extension.Handler
	Decl    extension.Decl
}

type localNode struct {
	instance *extension.Instance
	group    *extthread.Group
}

// Engine owns one graph instance's extension set, connection table, and
// in-graph routing. It implements extension.Dispatcher, so
// every Instance it registers routes outbound messages back through it.
type Engine struct {
	GraphID string
	AppURI  string

	conns   *ConnectionTable
	remote  RemoteSender
	timers  *timer.Service
	log     telemetry.Logger
	metrics telemetry.Metrics

	mu     sync.RWMutex
	nodes  map[string]*localNode
	groups map[string]*extthread.Group

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithRemote sets the collaborator used for destinations outside this
// graph's own app.
func WithRemote(r RemoteSender) Option { return func(e *Engine) { e.remote = r } }

// WithTelemetry sets the logger/metrics facets used for routing
// diagnostics.
func WithTelemetry(log telemetry.Logger, metrics telemetry.Metrics) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

// NewEngine constructs an Engine for one graph instance.
func NewEngine(graphID, appURI string, opts ...Option) *Engine {
	e := &Engine{
		GraphID: graphID,
		AppURI:  appURI,
		conns:   NewConnectionTable(),
		log:     telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		nodes:   make(map[string]*localNode),
		groups:  make(map[string]*extthread.Group),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.timers = timer.NewService(e.log)
	return e
}

// AddNode instantiates n's extension and assigns it to its declared
// group's run loop, starting the group's thread the first time any node
// names it.
func (e *Engine) AddNode(n Node) (*extension.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[n.Name]; exists {
		return nil, tenerr.InvalidArgumentf("graph %s already has a node named %q", e.GraphID, n.Name)
	}
	grp, ok := e.groups[n.Group]
	if !ok {
		grp = extthread.NewGroup(0)
		e.groups[n.Group] = grp
		go grp.Run()
	}

	decl := n.Decl
	decl.Name = n.Name
	decl.Group = n.Group
	decl.Addon = n.Addon
	decl.Locator = msg.Locator{AppURI: e.AppURI, GraphID: e.GraphID, Group: n.Group, Extension: n.Name}
	inst := extension.New(decl, n.Handler, e, e.log, e.metrics)
	e.nodes[n.Name] = &localNode{instance: inst, group: grp}
	return inst, nil
}

// Connect registers a connection in the graph's connection table.
// Invariant: every locator used in a connection must name
// a node AddNode has already registered, or be an explicit anchor outside
// this app; Connect does not enforce this itself since the destination may
// legitimately be remote -- callers wanting the stricter "every locator
// resolves to a declared node" check do so against AddNode's registry at
// graph-build time.
func (e *Engine) Connect(c Connection) { e.conns.Add(c) }

// Node returns the Instance registered under name, if any.
func (e *Engine) Node(name string) (*extension.Instance, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n, ok := e.nodes[name]
	if !ok {
		return nil, false
	}
	return n.instance, true
}

// Route is the extension.Dispatcher implementation every node's Instance
// sends outbound messages through. It implements the routing algorithm:
// resolve destinations, convert, fan out, deliver.
func (e *Engine) Route(m *msg.Message) error {
	e.metrics.MessageRouted(context.Background(), m.Kind.String())

	// A cmd_timer is addressed to the runtime itself, not to another
	// extension; the engine answers it with an OK result and a stream of
	// cmd_timeouts back to the sender.
	if m.Kind == msg.KindCmdTimer {
		return e.timers.Handle(m, func(out *msg.Message) error {
			return e.deliverOne(out, out.Dests[0])
		})
	}

	dests := m.Dests
	wasUnresolved := len(dests) == 0

	if wasUnresolved {
		resolved, ok := e.conns.Lookup(m.Source, m.Kind, m.Name)
		if !ok {
			return e.dropUnrouted(m)
		}
		if m.Kind.IsCommand() {
			if delta := len(resolved) - 1; delta != 0 {
				if src, ok := e.lookupLocal(m.Source); ok {
					src.instance.Table().IncrementExpected(m.CmdID, delta)
				}
			}
		}
		return e.fanOut(m, resolved)
	}

	// Destinations were already chosen by the sender; deliver without conversion.
	plain := make([]Destination, len(dests))
	for i, d := range dests {
		plain[i] = Destination{Locator: d}
	}
	return e.fanOut(m, plain)
}

// dropUnrouted handles the no-matching-connection branch: commands
// get a synthesized error result, any other kind is dropped with a warning.
func (e *Engine) dropUnrouted(m *msg.Message) error {
	if !m.Kind.IsCommand() {
		e.log.Warn(context.Background(), "dropping message with no matching connection", "name", m.Name, "source", m.Source.String())
		return nil
	}
	result := msg.CreateResult(msg.StatusError, m)
	result.Detail = value.String(fmt.Sprintf("no connection for cmd %q from %s", m.Name, m.Source.String()))
	return e.deliverOne(result, m.Source)
}

// fanOut delivers m to each destination, cloning per destination when there
// is more than one and applying that destination's conversion rules.
func (e *Engine) fanOut(m *msg.Message, dests []Destination) error {
	var firstErr error
	multi := len(dests) > 1
	for _, d := range dests {
		target := m
		// Clone for every destination of a multi-destination fan-out, and
		// also whenever conversion rules
		// will rewrite the bag: the original was sealed on send, so rules
		// always operate on a fresh unsealed view.
		if multi || len(d.Conversions) > 0 {
			target = m.Clone()
		}
		for _, rule := range d.Conversions {
			if err := rule.apply(target); err != nil {
				e.log.Error(context.Background(), "message conversion failed", "cause", err, "path", rule.Path)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}
		if err := e.deliverOne(target, d.Locator); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// deliverOne enqueues target onto the destination's extension thread if it
// names a local node, or hands it to the remote layer otherwise. Local
// delivery goes through the destination group's
// Enqueue rather than a direct Instance.Dispatch call: this is the
// loop-safety trampoline, bounding stack depth when
// a cyclic graph's synchronous handler immediately sends another message
// on the same thread.
func (e *Engine) deliverOne(target *msg.Message, to msg.Locator) error {
	resolved := to.ResolveAgainst(msg.Locator{AppURI: e.AppURI, GraphID: e.GraphID})
	// Each delivered handle names exactly its own destination; the remote
	// layer and any further hop route by Dests[0].
	target.Dests = []msg.Locator{resolved}

	if resolved.AppURI != "" && resolved.AppURI != e.AppURI {
		if e.remote == nil {
			return tenerr.ConnectionFailedf("message addressed to remote app %q but no remote sender is configured", resolved.AppURI)
		}
		return e.remote.SendRemote(target)
	}
	if resolved.GraphID != "" && resolved.GraphID != e.GraphID {
		if e.remote == nil {
			return tenerr.GraphNotFoundf("message addressed to graph %q, not this engine's graph %q", resolved.GraphID, e.GraphID)
		}
		return e.remote.SendRemote(target)
	}

	node, ok := e.lookupLocal(resolved)
	if !ok {
		return tenerr.ExtensionInvalidf("no extension named %q in graph %s", resolved.Extension, e.GraphID)
	}
	return node.group.Enqueue(func() { node.instance.Dispatch(target) })
}

func (e *Engine) lookupLocal(l msg.Locator) (*localNode, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n, ok := e.nodes[l.Extension]
	return n, ok
}

// StartPathTimeoutSweep runs a background sweep of every registered node's
// path table every interval, the configured path_check_interval. Call
// Stop to end it.
func (e *Engine) StartPathTimeoutSweep(interval, timeout time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	e.sweepCancel = cancel
	e.sweepDone = make(chan struct{})
	go func() {
		defer close(e.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.mu.RLock()
				nodes := make([]*localNode, 0, len(e.nodes))
				for _, n := range e.nodes {
					nodes = append(nodes, n)
				}
				e.mu.RUnlock()
				for _, n := range nodes {
					n.instance.Table().Sweep(timeout)
				}
			}
		}
	}()
}

// CancelTimersFor disables every running timer owned by the named
// extension, used when that extension enters Stopping.
func (e *Engine) CancelTimersFor(name string) {
	e.mu.RLock()
	n, ok := e.nodes[name]
	e.mu.RUnlock()
	if !ok {
		return
	}
	e.timers.CancelOwnedBy(msg.Locator{
		AppURI: e.AppURI, GraphID: e.GraphID,
		Group: n.instance.Decl().Group, Extension: name,
	})
}

// EnqueueOn schedules fn onto the named extension's group thread, so
// lifecycle calls run where handlers run and never race a handler already
// executing there.
func (e *Engine) EnqueueOn(name string, fn func()) error {
	e.mu.RLock()
	n, ok := e.nodes[name]
	e.mu.RUnlock()
	if !ok {
		return tenerr.ExtensionInvalidf("no extension named %q in graph %s", name, e.GraphID)
	}
	return n.group.Enqueue(fn)
}

// NodeNames lists the registered extensions in arbitrary order.
func (e *Engine) NodeNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.nodes))
	for name := range e.nodes {
		names = append(names, name)
	}
	return names
}

// Stop ends the background path-timeout sweep (if started), disables the
// timer service, and closes every registered group's run loop. Node
// instances must already be Deinited; Stop does not drive their lifecycle.
func (e *Engine) Stop() error {
	e.timers.Close()
	if e.sweepCancel != nil {
		e.sweepCancel()
		<-e.sweepDone
	}
	e.mu.RLock()
	groups := make([]*extthread.Group, 0, len(e.groups))
	for _, g := range e.groups {
		groups = append(groups, g)
	}
	e.mu.RUnlock()
	for _, g := range groups {
		if err := g.Stop(); err != nil {
			return err
		}
	}
	return nil
}
