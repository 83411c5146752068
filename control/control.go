// Package control implements the start_graph/stop_graph control
// protocol: graph instantiation from a serialized spec, the
// multi-remote fan-out with rollback, predefined graphs with singleton
// locking, close_app orderly shutdown, and the app-level path sweep.
package control

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dataflowrt/core/app"
	"github.com/dataflowrt/core/config"
	"github.com/dataflowrt/core/extension"
	"github.com/dataflowrt/core/graph"
	"github.com/dataflowrt/core/msg"
	"github.com/dataflowrt/core/telemetry"
	"github.com/dataflowrt/core/tenerr"
	"github.com/dataflowrt/core/value"
)

const (
	// graphJSONProperty carries the serialized graph on a start_graph
	// command.
	graphJSONProperty = "graph_json"
	// graphIDProperty carries the caller-supplied graph id on start_graph
	// (predefined graphs) and the target graph id on stop_graph.
	graphIDProperty = "graph_id"
)

// runningGraph is the controller's bookkeeping for one started graph.
type runningGraph struct {
	engine  *graph.Engine
	release func() // singleton lock release, if held
	remotes []string
}

// Controller owns graph lifecycle for one App: it installs itself as the
// app's control handler and is the only component that starts or stops
// engines.
type Controller struct {
	app        *app.App
	lock       SingletonLock
	audit      Sink
	log        telemetry.Logger
	metrics    telemetry.Metrics
	predefined []config.PredefinedGraph

	checkInterval time.Duration
	pathTimeout   time.Duration
	remoteTimeout time.Duration
	oneLoop       bool
	longRunning   bool

	mu      sync.Mutex
	graphs  map[string]*runningGraph
	closing bool

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}

	doneOnce sync.Once
	done     chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithSingletonLock sets the lock guarding singleton predefined graphs;
// defaults to the in-process lock.
func WithSingletonLock(l SingletonLock) Option { return func(c *Controller) { c.lock = l } }

// WithAuditSink sets the start/stop outcome ledger; defaults to a no-op.
func WithAuditSink(s Sink) Option { return func(c *Controller) { c.audit = s } }

// WithPathSweep sets the path-table sweep cadence and entry lifetime,
// the path_check_interval / path_timeout configuration pair.
func WithPathSweep(interval, timeout time.Duration) Option {
	return func(c *Controller) { c.checkInterval = interval; c.pathTimeout = timeout }
}

// WithRemoteTimeout bounds how long a start_graph waits for each remote
// app's acknowledgement.
func WithRemoteTimeout(d time.Duration) Option { return func(c *Controller) { c.remoteTimeout = d } }

// WithOneEventLoopPerEngine gives each engine its own sweep goroutine
// instead of the controller's shared one.
func WithOneEventLoopPerEngine(on bool) Option { return func(c *Controller) { c.oneLoop = on } }

// WithLongRunningMode keeps the app alive after its last graph ends.
func WithLongRunningMode(on bool) Option { return func(c *Controller) { c.longRunning = on } }

// WithPredefinedGraphs declares the graphs startable by name.
func WithPredefinedGraphs(graphs []config.PredefinedGraph) Option {
	return func(c *Controller) { c.predefined = graphs }
}

// WithControlTelemetry sets the logger/metrics facets.
func WithControlTelemetry(log telemetry.Logger, metrics telemetry.Metrics) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// New constructs a Controller over a and installs it as a's control
// handler. The shared path sweep starts immediately unless
// one_event_loop_per_engine is set.
func New(a *app.App, opts ...Option) *Controller {
	c := &Controller{
		app:           a,
		lock:          NewLocalSingletonLock(),
		audit:         NoopSink{},
		log:           telemetry.NewNoopLogger(),
		metrics:       telemetry.NewNoopMetrics(),
		checkInterval: time.Duration(config.DefaultPathCheckIntervalUs) * time.Microsecond,
		pathTimeout:   time.Duration(config.DefaultPathTimeoutUs) * time.Microsecond,
		remoteTimeout: 30 * time.Second,
		graphs:        make(map[string]*runningGraph),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	a.SetControlHandler(c.HandleControl)
	if !c.oneLoop {
		c.startSharedSweep()
	}
	return c
}

// Done is closed once the app should exit: after close_app completes, or
// when the last graph ends and long_running_mode is off.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) signalDone() { c.doneOnce.Do(func() { close(c.done) }) }

// StartOptions parameterize StartGraph beyond the graph description
// itself.
type StartOptions struct {
	// GraphID is the caller-supplied id; empty means the app chooses one.
	GraphID string
	// Singleton guards the start with the controller's singleton lock,
	// keyed by GraphID.
	Singleton bool
}

// StartGraphByName starts a predefined graph. The predefined name
// doubles as the caller-supplied graph id.
func (c *Controller) StartGraphByName(ctx context.Context, name string) (string, error) {
	var found *config.PredefinedGraph
	for i := range c.predefined {
		if c.predefined[i].Name == name {
			found = &c.predefined[i]
			break
		}
	}
	if found == nil {
		return "", tenerr.GraphNotFoundf("no predefined graph named %q", name)
	}
	return c.StartGraph(ctx, found.Spec, StartOptions{GraphID: name, Singleton: found.Singleton})
}

// AutoStart starts every predefined graph marked auto_start, at app boot.
func (c *Controller) AutoStart(ctx context.Context) error {
	for _, g := range c.predefined {
		if !g.AutoStart {
			continue
		}
		if _, err := c.StartGraphByName(ctx, g.Name); err != nil {
			return err
		}
	}
	return nil
}

// StartGraph implements start_graph: choose or
// accept a graph id, instantiate local nodes via the addon registry, fan
// the remote subsets out to their apps, and roll everything back if any
// remote fails. On success the chosen graph id is returned (the result's
// detail property on the wire).
func (c *Controller) StartGraph(ctx context.Context, spec graph.Spec, opts StartOptions) (string, error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return "", tenerr.TenIsClosedf("app is closing; start_graph rejected")
	}
	c.mu.Unlock()

	graphID := opts.GraphID
	if graphID == "" {
		graphID = uuid.NewString()
	}
	if err := spec.Validate(c.app.URI); err != nil {
		return "", err
	}
	if _, exists := c.app.Engine(graphID); exists {
		if opts.Singleton {
			return "", tenerr.InvalidArgumentf("singleton graph %q is already running", graphID)
		}
		return "", tenerr.InvalidArgumentf("graph %q is already running", graphID)
	}

	release := func() {}
	if opts.Singleton {
		var err error
		release, err = c.lock.Acquire(ctx, graphID)
		if err != nil {
			c.recordAudit(ctx, graphID, "start_graph", "rejected", err.Error(), nil)
			return "", err
		}
	}

	start := time.Now()
	engine, err := c.buildLocalEngine(graphID, spec.SubsetFor(c.app.URI, c.app.URI))
	if err != nil {
		release()
		c.recordAudit(ctx, graphID, "start_graph", "failed", err.Error(), nil)
		return "", err
	}

	remotes := spec.RemoteApps(c.app.URI)
	var started []string
	for _, uri := range remotes {
		subset := spec.SubsetFor(uri, c.app.URI)
		if err := c.ForwardSubgraph(ctx, graphID, uri, subset); err != nil {
			// Any remote failure aborts the whole graph: roll back the
			// remotes that already acknowledged, then the local engine.
			for _, ok := range started {
				c.RollbackRemoteGraph(ctx, graphID, ok)
			}
			c.teardownLocal(graphID, engine)
			release()
			c.recordAudit(ctx, graphID, "start_graph", "failed", err.Error(), started)
			return "", err
		}
		started = append(started, uri)
	}

	if c.oneLoop {
		engine.StartPathTimeoutSweep(c.checkInterval, c.pathTimeout)
	}
	c.app.AddEngine(engine)
	c.mu.Lock()
	c.graphs[graphID] = &runningGraph{engine: engine, release: release, remotes: started}
	c.mu.Unlock()

	c.metrics.GraphStarted(ctx, time.Since(start))
	c.recordAudit(ctx, graphID, "start_graph", "ok", "", started)
	return graphID, nil
}

// buildLocalEngine instantiates the local subset: nodes through the addon
// registry, connections into the engine table, then the lifecycle of every
// node up to Running, honoring init_after ordering.
func (c *Controller) buildLocalEngine(graphID string, local graph.Spec) (*graph.Engine, error) {
	engine := graph.NewEngine(graphID, c.app.URI,
		graph.WithRemote(c.app),
		graph.WithTelemetry(c.log, c.metrics),
	)

	instances := make(map[string]*extension.Instance, len(local.Nodes))
	for _, n := range local.Nodes {
		props := value.Object()
		if n.Property != nil {
			v, err := value.FromJSON(map[string]any(n.Property))
			if err != nil {
				c.abandonEngine(engine)
				return nil, tenerr.Wrap(tenerr.InvalidArgument, err, "node %q property bag", n.Name)
			}
			props = v
		}
		handler, err := c.app.Addons().Instantiate(n.Addon, props)
		if err != nil {
			c.abandonEngine(engine)
			return nil, err
		}
		inst, err := engine.AddNode(graph.Node{
			Name:    n.Name,
			Addon:   n.Addon,
			Group:   n.Group,
			Handler: handler,
			Decl:    extension.Decl{InitAfter: n.InitAfter},
		})
		if err != nil {
			c.abandonEngine(engine)
			return nil, err
		}
		if n.Property != nil {
			raw, jerr := json.Marshal(n.Property)
			if jerr != nil {
				c.abandonEngine(engine)
				return nil, tenerr.Wrap(tenerr.InvalidArgument, jerr, "encoding node %q property", n.Name)
			}
			if err := inst.Env().InitPropertyFromJSON(raw); err != nil {
				c.abandonEngine(engine)
				return nil, err
			}
		}
		instances[n.Name] = inst
	}

	if err := engine.ApplyConnections(local); err != nil {
		c.abandonEngine(engine)
		return nil, err
	}

	order, err := initOrder(local.Nodes)
	if err != nil {
		c.abandonEngine(engine)
		return nil, err
	}
	for _, name := range order {
		inst := instances[name]
		if err := c.driveTo(engine, name, inst.Configure, func(s extension.State) bool { return s >= extension.StateInited }); err != nil {
			c.abandonEngine(engine)
			return nil, err
		}
	}
	for _, name := range order {
		inst := instances[name]
		if err := c.driveTo(engine, name, inst.Start, func(s extension.State) bool { return s >= extension.StateRunning }); err != nil {
			c.abandonEngine(engine)
			return nil, err
		}
	}
	return engine, nil
}

// driveTo enqueues a lifecycle call onto the extension's group thread and
// waits for the target state. Handlers may complete asynchronously, so the
// wait polls rather than assuming the enqueued call lands the transition.
func (c *Controller) driveTo(e *graph.Engine, name string, call func() error, reached func(extension.State) bool) error {
	inst, ok := e.Node(name)
	if !ok {
		return tenerr.ExtensionInvalidf("no extension named %q in graph %s", name, e.GraphID)
	}
	errCh := make(chan error, 1)
	if err := e.EnqueueOn(name, func() { errCh <- call() }); err != nil {
		return err
	}
	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-time.After(lifecycleTimeout):
		return tenerr.InvalidArgumentf("extension %q lifecycle call never ran", name)
	}
	deadline := time.Now().Add(lifecycleTimeout)
	for time.Now().Before(deadline) {
		if reached(inst.State()) {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return tenerr.InvalidArgumentf("extension %q stuck in state %s", name, inst.State())
}

const lifecycleTimeout = 10 * time.Second

// initOrder topologically sorts nodes by their init_after declarations,
// reporting a cycle as a startup error rather than deadlocking.
func initOrder(nodes []graph.NodeSpec) ([]string, error) {
	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string)
	for _, n := range nodes {
		indegree[n.Name] += 0
		for _, dep := range n.InitAfter {
			indegree[n.Name]++
			dependents[dep] = append(dependents[dep], n.Name)
		}
	}
	// Seed in declaration order so graphs without init_after keep it.
	var queue, order []string
	for _, n := range nodes {
		if indegree[n.Name] == 0 {
			queue = append(queue, n.Name)
		}
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, d := range dependents[name] {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if len(order) != len(nodes) {
		return nil, tenerr.InvalidArgumentf("init_after declarations form a cycle")
	}
	return order, nil
}

// abandonEngine tears down a half-built engine whose nodes may not have
// completed any lifecycle; best effort, errors ignored.
func (c *Controller) abandonEngine(e *graph.Engine) {
	go func() { _ = e.Stop() }()
}

// ForwardSubgraph sends the graph subset relevant to one remote app and
// waits for its acknowledgement. A connection
// failure is reported with the "Failed to connect to <uri>" detail the
// sender sees.
func (c *Controller) ForwardSubgraph(ctx context.Context, graphID, appURI string, subset graph.Spec) error {
	doc, err := subset.Marshal()
	if err != nil {
		return err
	}
	cmd := msg.Create(msg.KindCmdStartGraph, "start_graph")
	cmd.Dests = []msg.Locator{{AppURI: appURI}}
	if err := cmd.SetProperty(graphJSONProperty, value.String(string(doc))); err != nil {
		return err
	}
	if err := cmd.SetProperty(graphIDProperty, value.String(graphID)); err != nil {
		return err
	}

	resultCh := make(chan *msg.Message, 1)
	if err := c.app.SendControl(cmd, func(result *msg.Message, completed bool) {
		select {
		case resultCh <- result:
		default:
		}
	}); err != nil {
		if kind, ok := tenerr.KindOf(err); ok && kind == tenerr.ConnectionFailed {
			return tenerr.Wrap(tenerr.ConnectionFailed, err, "Failed to connect to %s", appURI)
		}
		return err
	}

	select {
	case <-ctx.Done():
		return tenerr.Wrap(tenerr.ConnectionFailed, ctx.Err(), "start_graph to %s", appURI)
	case <-time.After(c.remoteTimeout):
		return tenerr.ConnectionFailedf("start_graph to %s timed out", appURI)
	case result := <-resultCh:
		if result.StatusCode != msg.StatusOK {
			detail := "remote start_graph failed"
			if s, err := result.Detail.AsString(); err == nil {
				detail = s
			}
			return tenerr.ConnectionFailedf("start_graph rejected by %s: %s", appURI, detail)
		}
		return nil
	}
}

// RollbackRemoteGraph sends stop_graph to a remote that had already
// acknowledged a start we are now aborting. Best effort: the remote's
// answer (or its absence) is logged, not propagated.
func (c *Controller) RollbackRemoteGraph(ctx context.Context, graphID, appURI string) {
	cmd := msg.Create(msg.KindCmdStopGraph, "stop_graph")
	cmd.Dests = []msg.Locator{{AppURI: appURI}}
	if err := cmd.SetProperty(graphIDProperty, value.String(graphID)); err != nil {
		return
	}
	if err := c.app.SendControl(cmd, func(result *msg.Message, completed bool) {}); err != nil {
		c.log.Warn(ctx, "rollback stop_graph failed", "graph_id", graphID, "app_uri", appURI, "cause", err)
	}
}

// StopGraph implements stop_graph: every extension is
// signalled to stop, their deinit acknowledged, then the engine exits and
// is dropped from the app. Remote participants of the same graph receive
// their own stop_graph.
func (c *Controller) StopGraph(ctx context.Context, graphID string) error {
	start := time.Now()
	c.mu.Lock()
	rg, ok := c.graphs[graphID]
	if ok {
		delete(c.graphs, graphID)
	}
	remaining := len(c.graphs)
	closing := c.closing
	c.mu.Unlock()
	if !ok {
		return tenerr.GraphNotFoundf("no running graph %q", graphID)
	}

	for _, uri := range rg.remotes {
		c.RollbackRemoteGraph(ctx, graphID, uri)
	}

	e := rg.engine
	var firstErr error
	names := e.NodeNames()
	for _, name := range names {
		e.CancelTimersFor(name)
	}
	for _, name := range names {
		inst, found := e.Node(name)
		if !found {
			continue
		}
		if err := c.driveTo(e, name, inst.Stop, func(s extension.State) bool { return s >= extension.StateDeinited }); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, name := range names {
		if inst, found := e.Node(name); found {
			_ = inst.Destroy()
		}
	}
	if err := e.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	c.app.RemoveEngine(graphID)
	rg.release()

	outcome := "ok"
	detail := ""
	if firstErr != nil {
		outcome = "failed"
		detail = firstErr.Error()
	}
	c.metrics.GraphStopped(ctx, time.Since(start))
	c.recordAudit(ctx, graphID, "stop_graph", outcome, detail, rg.remotes)

	if remaining == 0 && !c.longRunning && !closing {
		c.signalDone()
	}
	return firstErr
}

// CloseApp implements the close_app command: reject new
// start_graph requests, stop every running graph, close the app's
// listeners and connections, then signal exit.
func (c *Controller) CloseApp(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	ids := make([]string, 0, len(c.graphs))
	for id := range c.graphs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := c.StopGraph(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.stopSharedSweep()
	if err := c.app.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	c.signalDone()
	return firstErr
}

// HandleControl is the app.ControlHandler implementation: it decodes the
// wire form of each control command and answers with a result whose detail
// carries the chosen graph id (start_graph) or the error text.
func (c *Controller) HandleControl(ctx context.Context, m *msg.Message) *msg.Message {
	fail := func(err error) *msg.Message {
		result := msg.CreateResult(msg.StatusError, m)
		result.Detail = value.String(err.Error())
		return result
	}
	switch m.Kind {
	case msg.KindCmdStartGraph:
		docV, err := m.GetProperty(graphJSONProperty)
		if err != nil {
			return fail(tenerr.InvalidArgumentf("start_graph carries no %s", graphJSONProperty))
		}
		doc, err := docV.AsString()
		if err != nil {
			return fail(err)
		}
		spec, err := graph.ParseSpec([]byte(doc))
		if err != nil {
			return fail(err)
		}
		var opts StartOptions
		if idV, err := m.GetProperty(graphIDProperty); err == nil {
			if id, err := idV.AsString(); err == nil {
				opts.GraphID = id
			}
		}
		graphID, err := c.StartGraph(ctx, spec, opts)
		if err != nil {
			return fail(err)
		}
		result := msg.CreateResult(msg.StatusOK, m)
		result.Detail = value.String(graphID)
		return result

	case msg.KindCmdStopGraph:
		idV, err := m.GetProperty(graphIDProperty)
		if err != nil {
			return fail(tenerr.InvalidArgumentf("stop_graph carries no %s", graphIDProperty))
		}
		id, err := idV.AsString()
		if err != nil {
			return fail(err)
		}
		if err := c.StopGraph(ctx, id); err != nil {
			return fail(err)
		}
		return msg.CreateResult(msg.StatusOK, m)

	case msg.KindCmdCloseApp:
		go func() { _ = c.CloseApp(context.Background()) }()
		return msg.CreateResult(msg.StatusOK, m)

	default:
		return fail(tenerr.InvalidArgumentf("unexpected control command kind %s", m.Kind))
	}
}

// teardownLocal undoes buildLocalEngine for a start aborted by a remote
// failure.
func (c *Controller) teardownLocal(graphID string, e *graph.Engine) {
	for _, name := range e.NodeNames() {
		inst, ok := e.Node(name)
		if !ok {
			continue
		}
		_ = c.driveTo(e, name, inst.Stop, func(s extension.State) bool { return s >= extension.StateDeinited })
		_ = inst.Destroy()
	}
	_ = e.Stop()
	c.app.RemoveEngine(graphID)
}

// startSharedSweep runs one sweep loop over every engine's path tables and
// the app's control table, for the default
// shared-event-loop configuration.
func (c *Controller) startSharedSweep() {
	ctx, cancel := context.WithCancel(context.Background())
	c.sweepCancel = cancel
	c.sweepDone = make(chan struct{})
	go func() {
		defer close(c.sweepDone)
		ticker := time.NewTicker(c.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.app.ControlTable().Sweep(c.pathTimeout)
				c.mu.Lock()
				engines := make([]*graph.Engine, 0, len(c.graphs))
				for _, rg := range c.graphs {
					engines = append(engines, rg.engine)
				}
				c.mu.Unlock()
				for _, e := range engines {
					for _, name := range e.NodeNames() {
						if inst, ok := e.Node(name); ok {
							inst.Table().Sweep(c.pathTimeout)
						}
					}
				}
			}
		}
	}()
}

func (c *Controller) stopSharedSweep() {
	if c.sweepCancel != nil {
		c.sweepCancel()
		<-c.sweepDone
		c.sweepCancel = nil
	}
}

func (c *Controller) recordAudit(ctx context.Context, graphID, op, outcome, detail string, remotes []string) {
	rec := Record{GraphID: graphID, Operation: op, Outcome: outcome, Detail: detail, RemoteApps: remotes, At: time.Now().UTC()}
	if err := c.audit.Record(ctx, rec); err != nil {
		c.log.Warn(ctx, "audit record failed", "graph_id", graphID, "op", op, "cause", err)
	}
}

