package extension

import (
	"context"
	"sync"

	"github.com/dataflowrt/core/msg"
	"github.com/dataflowrt/core/pathtable"
	"github.com/dataflowrt/core/telemetry"
	"github.com/dataflowrt/core/tenerr"
	"github.com/dataflowrt/core/value"
)

// Dispatcher is the abstract collaborator an Instance routes accepted
// messages through; the graph engine and extension thread
// provide the concrete implementation. Kept as a narrow interface so this
// package is unit-testable without either of them.
type Dispatcher interface {
	// Route hands an already-sealed, already-validated message to the
	// runtime for delivery. A non-nil error means the message was
	// rejected and ownership remains with the caller.
	Route(m *msg.Message) error
}

// Instance is one extension's lifecycle, property store, and path table.
// All lifecycle/dispatch methods are meant to be called from the single
// thread the owning extension group runs on; property
// access from the Env is internally synchronized because on_*_done and
// property writes may legitimately arrive from an outer thread via the
// env-proxy's notify, ahead of extthread existing to
// marshal that for us.
type Instance struct {
	decl       Decl
	handler    Handler
	dispatcher Dispatcher
	table      *pathtable.Table
	log        telemetry.Logger
	metrics    telemetry.Metrics

	mu       sync.Mutex
	state    State
	awaiting phase
	props    value.Value // always KindObject; the extension's own property store
	inbox    []*msg.Message
}

// New constructs an Instance in StateCreated. dispatcher may be nil for
// tests that only exercise lifecycle/property behavior.
func New(decl Decl, handler Handler, dispatcher Dispatcher, log telemetry.Logger, metrics telemetry.Metrics) *Instance {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Instance{
		decl:       decl,
		handler:    handler,
		dispatcher: dispatcher,
		table:      pathtable.New(log, metrics),
		log:        log,
		metrics:    metrics,
		props:      value.Object(),
	}
}

// State returns the extension's current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Table exposes the instance's path table, e.g. for a background sweep
// goroutine or for tests asserting on outstanding entries.
func (i *Instance) Table() *pathtable.Table { return i.table }

// Decl returns the instance's static declaration.
func (i *Instance) Decl() Decl { return i.decl }

func (i *Instance) env() *Env { return &Env{inst: i} }

// Env returns the instance's environment handle. Handlers receive one as
// an argument on every callback; this accessor exists for callers (tests,
// the graph engine's own bootstrapping) that need to act on an extension's
// behalf before any callback has run.
func (i *Instance) Env() *Env { return i.env() }

// begin transitions into an in-progress state and calls the user handler,
// enforcing that the previous phase's done call (if any was outstanding)
// already arrived.
func (i *Instance) begin(from, to State, p phase, call func(env *Env)) error {
	i.mu.Lock()
	if i.state != from {
		i.mu.Unlock()
		return tenerr.InvalidArgumentf("cannot enter %s from %s (expected %s)", to, i.state, from)
	}
	i.state = to
	i.awaiting = p
	i.mu.Unlock()

	call(i.env())
	return nil
}

// Configure begins the configure phase (Created -> Configuring), invoking
// handler.OnConfigure. The handler signals completion via Env.OnConfigureDone.
func (i *Instance) Configure() error {
	return i.begin(StateCreated, StateConfiguring, phaseConfigure, i.handler.OnConfigure)
}

// Start begins the start phase (Inited -> Starting), invoking handler.OnStart.
func (i *Instance) Start() error {
	return i.begin(StateInited, StateStarting, phaseStart, i.handler.OnStart)
}

// Stop begins the stop phase (Running -> Stopping), invoking handler.OnStop.
func (i *Instance) Stop() error {
	return i.begin(StateRunning, StateStopping, phaseStop, i.handler.OnStop)
}

// completePhase validates that p is the phase currently awaited, clears
// it, and returns a fatal-misuse error otherwise.
func (i *Instance) completePhase(p phase) error {
	i.mu.Lock()
	if i.awaiting != p {
		i.mu.Unlock()
		return tenerr.InvalidArgumentf("on_%s_done called without a matching in-flight on_%s (fatal misuse)", p, p)
	}
	i.awaiting = ""
	i.mu.Unlock()
	return nil
}

// onConfigureDone moves Configuring straight into on_init.
func (i *Instance) onConfigureDone() error {
	if err := i.completePhase(phaseConfigure); err != nil {
		return err
	}
	i.mu.Lock()
	i.awaiting = phaseInit
	i.mu.Unlock()
	i.handler.OnInit(i.env())
	return nil
}

func (i *Instance) onInitDone() error {
	if err := i.completePhase(phaseInit); err != nil {
		return err
	}
	i.mu.Lock()
	i.state = StateInited
	buffered := i.inbox
	i.inbox = nil
	i.mu.Unlock()

	for _, m := range buffered {
		i.dispatchNow(m)
	}
	return nil
}

func (i *Instance) onStartDone() error {
	if err := i.completePhase(phaseStart); err != nil {
		return err
	}
	i.mu.Lock()
	i.state = StateRunning
	i.mu.Unlock()
	return nil
}

// onStopDone moves Stopping into on_deinit, mirroring onConfigureDone's
// fused-phase pattern.
func (i *Instance) onStopDone() error {
	if err := i.completePhase(phaseStop); err != nil {
		return err
	}
	i.table.Close()
	i.mu.Lock()
	i.awaiting = phaseDeinit
	i.mu.Unlock()
	i.handler.OnDeinit(i.env())
	return nil
}

func (i *Instance) onDeinitDone() error {
	if err := i.completePhase(phaseDeinit); err != nil {
		return err
	}
	i.mu.Lock()
	i.state = StateDeinited
	i.mu.Unlock()
	return nil
}

// Destroy transitions Deinited -> Destroyed. No handler is invoked; this
// is the runtime's own bookkeeping step, releasing the instance for GC.
func (i *Instance) Destroy() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateDeinited {
		return tenerr.InvalidArgumentf("cannot destroy extension %q from state %s", i.decl.Name, i.state)
	}
	i.state = StateDestroyed
	return nil
}

// Dispatch delivers an inbound message to the extension. Before Inited it
// is buffered, not dispatched; after Deinited it is
// rejected with TenIsClosed, with a best-effort error result for commands.
func (i *Instance) Dispatch(m *msg.Message) error {
	i.mu.Lock()
	state := i.state
	if state < StateInited {
		i.inbox = append(i.inbox, m)
		i.mu.Unlock()
		return nil
	}
	i.mu.Unlock()

	if state >= StateDeinited {
		err := tenerr.TenIsClosedf("extension %q is %s", i.decl.Name, state)
		i.failIngress(m, err)
		return err
	}

	i.dispatchNow(m)
	return nil
}

func (i *Instance) dispatchNow(m *msg.Message) {
	if i.decl.Schema != nil {
		if err := i.decl.Schema.Check(m.Properties()); err != nil {
			i.failIngress(m, err)
			return
		}
	}

	env := i.env()
	switch m.Kind {
	case msg.KindCmd, msg.KindCmdStartGraph, msg.KindCmdStopGraph, msg.KindCmdCloseApp, msg.KindCmdTimer, msg.KindCmdTimeout:
		i.handler.OnCmd(env, m)
	case msg.KindCmdResult:
		i.table.HandleResult(m)
	case msg.KindData:
		i.handler.OnData(env, m)
	case msg.KindAudioFrame:
		i.handler.OnAudioFrame(env, m)
	case msg.KindVideoFrame:
		i.handler.OnVideoFrame(env, m)
	}
}

// failIngress reports an ingress-time rejection: commands get a
// synthesized error result delivered back via the dispatcher; any other
// kind is dropped with a warning log.
func (i *Instance) failIngress(m *msg.Message, cause error) {
	if !m.Kind.IsCommand() {
		i.log.Warn(context.Background(), "dropping message rejected at ingress", "name", m.Name, "cause", cause)
		return
	}
	result := msg.CreateResult(msg.StatusError, m)
	result.Detail = errorDetail(cause)
	result.Dests = []msg.Locator{m.Source}
	if i.dispatcher != nil {
		if err := i.dispatcher.Route(result); err != nil {
			i.log.Error(context.Background(), "failed to route ingress-rejection result", "cause", err)
		}
	}
}
