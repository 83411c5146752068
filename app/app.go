// Package app implements the app and remote layer: a
// process-level object owning a set of graph engines, a registry of known
// addon types, and a pool of remote connections, plus connection migration
// between the app's I/O layer and a graph engine's own thread.
package app

import (
	"context"
	"net"
	"sync"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	"github.com/dataflowrt/core/codec"
	"github.com/dataflowrt/core/graph"
	"github.com/dataflowrt/core/msg"
	"github.com/dataflowrt/core/pathtable"
	"github.com/dataflowrt/core/telemetry"
	"github.com/dataflowrt/core/tenerr"
	"github.com/dataflowrt/core/value"
)

// ControlHandler processes an inbound control-plane command (start_graph,
// stop_graph, close_app) and returns the result to send
// back on the originating connection, or nil for no reply.
type ControlHandler func(ctx context.Context, m *msg.Message) *msg.Message

// Dialer opens an outbound stream to a remote app_uri. The default dials
// the URI's host:port over TCP; tests substitute an in-memory net.Pipe.
type Dialer func(ctx context.Context, appURI string) (net.Conn, error)

// App is one process's runtime: its graph engines, addon registry, and the
// pool of remote peer connections those engines' out-of-app traffic flows
// through. App implements graph.RemoteSender, so every Engine it owns is
// constructed with graph.WithRemote(app).
type App struct {
	URI string

	addons *AddonRegistry
	codec  codec.Codec
	dial   Dialer

	acceptLimiter *rate.Limiter
	readRate      rate.Limit
	readBurst     int

	log     telemetry.Logger
	metrics telemetry.Metrics

	// controlTable correlates app-originated control commands (the
	// start_graph fan-out to remote apps) with their results, the same
	// mechanism an extension's path table uses for its own commands.
	controlTable *pathtable.Table

	mu       sync.RWMutex
	control  ControlHandler
	engines  map[string]*graph.Engine
	conns    map[string]*RemoteConnection // keyed by peer app_uri, outbound reuse
	byConnID map[uint64]*RemoteConnection // accepted connections, keyed by their connSourceURI id

	listener net.Listener
	health   *grpc.Server
	acceptWg sync.WaitGroup
}

// Option configures an App at construction time.
type Option func(*App)

// WithAddonRegistry sets the addon registry; defaults to an empty one.
func WithAddonRegistry(r *AddonRegistry) Option { return func(a *App) { a.addons = r } }

// WithCodec sets the wire codec used to encode/decode remote messages.
func WithCodec(c codec.Codec) Option { return func(a *App) { a.codec = c } }

// WithDialer overrides how outbound remote connections are opened.
func WithDialer(d Dialer) Option { return func(a *App) { a.dial = d } }

// WithAcceptRateLimit bounds how fast inbound connections are accepted.
func WithAcceptRateLimit(r rate.Limit, burst int) Option {
	return func(a *App) { a.acceptLimiter = rate.NewLimiter(r, burst) }
}

// WithReadRateLimit bounds how fast frames are read off each accepted
// connection, independent of the accept rate above.
func WithReadRateLimit(r rate.Limit, burst int) Option {
	return func(a *App) { a.readRate = r; a.readBurst = burst }
}

// WithAppTelemetry sets the logger/metrics facets used for app-level
// diagnostics (connection migration outcomes, dial failures, ...).
func WithAppTelemetry(log telemetry.Logger, metrics telemetry.Metrics) Option {
	return func(a *App) {
		if log != nil {
			a.log = log
		}
		if metrics != nil {
			a.metrics = metrics
		}
	}
}

func defaultDialer(ctx context.Context, appURI string) (net.Conn, error) {
	host, err := hostPortOf(appURI)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", host)
}

// New constructs an App addressed by uri.
func New(uri string, opts ...Option) *App {
	a := &App{
		URI:     uri,
		addons:  NewAddonRegistry(),
		codec:   codec.JSON{},
		dial:    defaultDialer,
		log:     telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		engines:  make(map[string]*graph.Engine),
		conns:    make(map[string]*RemoteConnection),
		byConnID: make(map[uint64]*RemoteConnection),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.controlTable = pathtable.New(a.log, a.metrics)
	return a
}

// Addons returns the app's addon registry.
func (a *App) Addons() *AddonRegistry { return a.addons }

// SetControlHandler installs the processor for inbound control-plane
// commands. The control package installs itself here; with no handler set,
// inbound control commands are answered with an error result.
func (a *App) SetControlHandler(h ControlHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.control = h
}

// ControlTable exposes the app-level path table tracking the app's own
// outstanding control commands, so the controller's sweep can time them
// out the same way extension path entries time out.
func (a *App) ControlTable() *pathtable.Table { return a.controlTable }

// SendControl issues an app-originated control command to a remote peer
// and registers handler for its result, mirroring an extension's send_cmd
// but keyed in the app's own control table.
func (a *App) SendControl(m *msg.Message, handler pathtable.ResultHandler) error {
	if len(m.Dests) == 0 {
		return tenerr.InvalidArgumentf("control send with no destination")
	}
	if m.CmdID == "" {
		m.CmdID = m.ID
	}
	if m.Source.IsEmpty() {
		m.Source = msg.Locator{AppURI: a.URI}
	}
	if err := a.controlTable.Insert(m, 1, handler); err != nil {
		return err
	}
	m.Seal()
	if err := a.SendRemote(m); err != nil {
		a.controlTable.Cancel(m.CmdID)
		return err
	}
	return nil
}

// ServeHealth exposes grpc.health.v1.Health on its own listener so a
// process supervisor can probe liveness independently of the framed
// message protocol.
func (a *App) ServeHealth(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return tenerr.Wrap(tenerr.ConnectionFailed, err, "health listener on %s", addr)
	}
	srv := grpc.NewServer()
	registerHealth(srv)
	a.mu.Lock()
	a.health = srv
	a.mu.Unlock()
	go func() { _ = srv.Serve(ln) }()
	return nil
}

// AddEngine registers a graph engine under its own graph id. Callers
// construct the Engine with graph.WithRemote(a) so its out-of-app traffic
// reaches this App.
func (a *App) AddEngine(e *graph.Engine) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.engines[e.GraphID] = e
}

// Engine returns the engine registered under graphID, if any.
func (a *App) Engine(graphID string) (*graph.Engine, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.engines[graphID]
	return e, ok
}

// RemoveEngine drops a stopped graph's engine from the registry. It does
// not itself Stop the engine; callers do that first.
func (a *App) RemoveEngine(graphID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.engines, graphID)
}

// SendRemote implements graph.RemoteSender: it looks up or dials a
// connection to the message's destination app and sends it. A dial
// failure is reported as ConnectionFailed, carrying the remote URI,
// exactly as the destination's engine reports it back to the command's
// sender.
func (a *App) SendRemote(m *msg.Message) error {
	if len(m.Dests) == 0 {
		return tenerr.InvalidArgumentf("remote send with no destination")
	}
	peerURI := m.Dests[0].AppURI

	if id, ok := connIDFromSourceURI(peerURI); ok {
		a.mu.RLock()
		rc, found := a.byConnID[id]
		a.mu.RUnlock()
		if !found {
			return tenerr.ConnectionFailedf("originating connection for %s is gone", peerURI)
		}
		return rc.Send(m)
	}

	rc, err := a.connectionFor(context.Background(), peerURI)
	if err != nil {
		return tenerr.Wrap(tenerr.ConnectionFailed, err, "opening connection to %s", peerURI)
	}
	return rc.Send(m)
}

// connectionFor returns the pooled outbound connection to peerURI, dialing
// and starting its read loop the first time it is needed.
func (a *App) connectionFor(ctx context.Context, peerURI string) (*RemoteConnection, error) {
	a.mu.RLock()
	rc, ok := a.conns[peerURI]
	a.mu.RUnlock()
	if ok {
		return rc, nil
	}

	conn, err := a.dial(ctx, peerURI)
	if err != nil {
		return nil, err
	}
	rc = newRemoteConnection(conn, a.codec, a.log, a.perConnReadLimiter(), peerURI)

	a.mu.Lock()
	a.conns[peerURI] = rc
	a.mu.Unlock()

	a.acceptWg.Add(1)
	go a.pumpOutbound(rc)
	return rc, nil
}

func (a *App) perConnReadLimiter() *rate.Limiter {
	if a.readRate == 0 {
		return nil
	}
	return rate.NewLimiter(a.readRate, a.readBurst)
}

// Listen accepts remote connections on addr and migrates each to its
// target engine as their first inbound message arrives.
func (a *App) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return tenerr.Wrap(tenerr.ConnectionFailed, err, "listening on %s", addr)
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	a.acceptWg.Add(1)
	go a.acceptLoop(ln)
	return nil
}

func (a *App) acceptLoop(ln net.Listener) {
	defer a.acceptWg.Done()
	ctx := context.Background()
	for {
		if a.acceptLimiter != nil {
			if err := a.acceptLimiter.Wait(ctx); err != nil {
				return
			}
		}
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		rc := newRemoteConnection(conn, a.codec, a.log, a.perConnReadLimiter(), "")
		a.mu.Lock()
		a.byConnID[rc.id] = rc
		a.mu.Unlock()
		a.acceptWg.Add(1)
		go a.pump(rc)
	}
}

// pump runs one accepted connection's read loop until it errors or is
// closed, dispatching each inbound frame through the migration state
// machine.
func (a *App) pump(rc *RemoteConnection) {
	defer func() {
		a.mu.Lock()
		delete(a.byConnID, rc.id)
		a.mu.Unlock()
		a.acceptWg.Done()
	}()
	ctx := context.Background()
	for {
		m, err := rc.recv(ctx)
		if err != nil {
			return
		}
		if m.Source.IsEmpty() {
			m.Source = msg.Locator{AppURI: rc.sourceURI()}
		}
		a.handleInbound(rc, m)
	}
}

// pumpOutbound runs a self-dialed connection's read loop. Migration's
// single-graph binding only applies to connections a peer opened to us;
// a connection we dialed already has a known purpose, and
// replies on it (typically cmd_results) are routed straight to whichever
// local graph their destination names.
func (a *App) pumpOutbound(rc *RemoteConnection) {
	defer a.acceptWg.Done()
	ctx := context.Background()
	for {
		m, err := rc.recv(ctx)
		if err != nil {
			return
		}
		if m.Kind == msg.KindCmdResult && a.controlTable.Has(m.CmdID) {
			a.controlTable.HandleResult(m)
			continue
		}
		a.routeInbound(m, inboundGraphID(m))
	}
}

// handleControlCmd runs the installed ControlHandler and replies on the
// originating connection.
func (a *App) handleControlCmd(rc *RemoteConnection, m *msg.Message) {
	a.mu.RLock()
	h := a.control
	a.mu.RUnlock()

	var result *msg.Message
	if h == nil {
		result = msg.CreateResult(msg.StatusError, m)
		result.Detail = value.String("this app does not accept control commands")
	} else {
		result = h(context.Background(), m)
	}
	if result == nil {
		return
	}
	if err := rc.Send(result); err != nil {
		a.log.Error(context.Background(), "failed to send control result", "cause", err)
	}
}

// handleInbound implements the connection migration protocol.
// Control-plane commands and results for the app's own outstanding control
// commands are intercepted ahead of graph-id resolution: they address the
// app, not any engine.
func (a *App) handleInbound(rc *RemoteConnection, m *msg.Message) {
	switch m.Kind {
	case msg.KindCmdStartGraph, msg.KindCmdStopGraph, msg.KindCmdCloseApp:
		a.handleControlCmd(rc, m)
		return
	case msg.KindCmdResult:
		if a.controlTable.Has(m.CmdID) {
			a.controlTable.HandleResult(m)
			return
		}
	}

	targetGraph := inboundGraphID(m)

	if graphID, isMigrated := rc.migratedGraph(); isMigrated && graphID != "" {
		if targetGraph != graphID {
			a.metrics.ConnectionMigrated(context.Background(), "rejected")
			a.replyGraphNotFound(rc, m, targetGraph)
			return
		}
		a.routeInbound(m, graphID)
		return
	}

	e, ok := a.Engine(targetGraph)
	if !ok {
		a.metrics.ConnectionMigrated(context.Background(), "graph_not_found")
		a.replyGraphNotFound(rc, m, targetGraph)
		return
	}
	rc.migrateTo(targetGraph)
	a.metrics.ConnectionMigrated(context.Background(), "migrated")
	if err := e.Route(m); err != nil {
		a.log.Warn(context.Background(), "routing inbound migrated message failed", "graph_id", targetGraph, "cause", err)
	}
}

func (a *App) routeInbound(m *msg.Message, graphID string) {
	e, ok := a.Engine(graphID)
	if !ok {
		return
	}
	if err := e.Route(m); err != nil {
		a.log.Warn(context.Background(), "routing inbound message failed", "graph_id", graphID, "cause", err)
	}
}

// replyGraphNotFound answers an unresolvable command over the connection it
// arrived on, since its sender is a remote peer, not a local extension.
// Non-command kinds with no matching graph are dropped.
func (a *App) replyGraphNotFound(rc *RemoteConnection, m *msg.Message, targetGraph string) {
	if !m.Kind.IsCommand() {
		a.log.Warn(context.Background(), "dropping inbound message for unknown graph", "graph_id", targetGraph)
		return
	}
	result := msg.CreateResult(msg.StatusError, m)
	result.Detail = value.String("Graph not found.")
	if err := rc.Send(result); err != nil {
		a.log.Error(context.Background(), "failed to send graph-not-found result", "cause", err)
	}
}

// inboundGraphID reads the target graph-id an inbound message names, via
// its first (and for app-addressed traffic, only meaningful) destination.
func inboundGraphID(m *msg.Message) string {
	if len(m.Dests) == 0 {
		return ""
	}
	return m.Dests[0].GraphID
}

// Close stops accepting new connections and closes every pooled outbound
// connection. Engines themselves are stopped by the caller, not here.
func (a *App) Close() error {
	a.controlTable.Close()
	a.mu.Lock()
	ln := a.listener
	health := a.health
	conns := make([]*RemoteConnection, 0, len(a.conns)+len(a.byConnID))
	for _, rc := range a.conns {
		conns = append(conns, rc)
	}
	for _, rc := range a.byConnID {
		conns = append(conns, rc)
	}
	a.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	if health != nil {
		health.Stop()
	}
	for _, rc := range conns {
		_ = rc.Close()
	}
	a.acceptWg.Wait()
	return nil
}

var _ graph.RemoteSender = (*App)(nil)
