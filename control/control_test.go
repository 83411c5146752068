package control

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflowrt/core/app"
	"github.com/dataflowrt/core/config"
	"github.com/dataflowrt/core/extension"
	"github.com/dataflowrt/core/graph"
	"github.com/dataflowrt/core/msg"
	"github.com/dataflowrt/core/tenerr"
	"github.com/dataflowrt/core/value"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// helloHandler answers every hello_world with OK and detail "hello, too".
type helloHandler struct {
	extension.BaseHandler
}

func (helloHandler) OnCmd(env *extension.Env, cmd *msg.Message) {
	result := msg.CreateResult(msg.StatusOK, cmd)
	result.Detail = value.String("hello, too")
	_ = env.ReturnResult(result, cmd)
}

// forwardHandler relays an inbound command through the connection table
// and returns the downstream result upstream, preserving status and
// detail.
type forwardHandler struct {
	extension.BaseHandler
}

func (forwardHandler) OnCmd(env *extension.Env, cmd *msg.Message) {
	relay := msg.Create(cmd.Kind, cmd.Name)
	_ = env.SendCmd(relay, func(result *msg.Message, completed bool) {
		up := msg.CreateResult(result.StatusCode, cmd)
		up.Detail = result.Detail
		up.IsFinal = result.IsFinal
		_ = env.ReturnResult(up, cmd)
	})
}

// clientHandler is the test's foothold inside a graph: it records results
// and inbound messages the test sends through its env.
type clientHandler struct {
	extension.BaseHandler

	mu      sync.Mutex
	results []*msg.Message
	flags   []bool
}

func (h *clientHandler) record(result *msg.Message, completed bool) {
	h.mu.Lock()
	h.results = append(h.results, result)
	h.flags = append(h.flags, completed)
	h.mu.Unlock()
}

func (h *clientHandler) resultCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.results)
}

func newTestApp(t *testing.T, uri string) *app.App {
	t.Helper()
	a := app.New(uri)
	a.Addons().RegisterFactory("hello", func(props value.Value) (extension.Handler, error) {
		return helloHandler{}, nil
	})
	a.Addons().RegisterFactory("forward", func(props value.Value) (extension.Handler, error) {
		return forwardHandler{}, nil
	})
	return a
}

func clientFactory(h *clientHandler) app.AddonFactory {
	return func(props value.Value) (extension.Handler, error) { return h, nil }
}

// Scenario S1: client -> A (forwarder) -> B (hello); the client's handler
// sees status OK with detail "hello, too".
func TestStartGraphHelloWorldRoundTrip(t *testing.T) {
	a := newTestApp(t, "msgpack://127.0.0.1:8000/")
	client := &clientHandler{}
	a.Addons().RegisterFactory("client", clientFactory(client))
	ctl := New(a)
	defer ctl.stopSharedSweep()

	spec := graph.Spec{
		Nodes: []graph.NodeSpec{
			{Name: "client", Addon: "client", Group: "main"},
			{Name: "A", Addon: "forward", Group: "main"},
			{Name: "B", Addon: "hello", Group: "main"},
		},
		Connections: []graph.ConnectionSpec{{
			From: graph.LocatorSpec{Extension: "A"},
			Kind: "cmd",
			Name: "hello_world",
			To:   []graph.DestinationSpec{{LocatorSpec: graph.LocatorSpec{Extension: "B"}}},
		}},
	}
	graphID, err := ctl.StartGraph(context.Background(), spec, StartOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctl.StopGraph(context.Background(), graphID) })

	e, ok := a.Engine(graphID)
	require.True(t, ok)
	inst, ok := e.Node("client")
	require.True(t, ok)

	cmd := msg.Create(msg.KindCmd, "hello_world")
	cmd.SeqID = "seq-1"
	cmd.Dests = []msg.Locator{{Extension: "A"}}
	require.NoError(t, inst.Env().SendCmd(cmd, client.record))

	waitFor(t, func() bool { return client.resultCount() == 1 })
	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, msg.StatusOK, client.results[0].StatusCode)
	assert.Equal(t, "seq-1", client.results[0].SeqID)
	detail, err := client.results[0].Detail.AsString()
	require.NoError(t, err)
	assert.Equal(t, "hello, too", detail)
	assert.True(t, client.flags[0])
}

// adderHandler adds its configured value to the running total and either
// forwards to the next hop or returns the final result, for the cyclic
// sum scenario.
type adderHandler struct {
	extension.BaseHandler
	value int64
	next  string
}

func (h *adderHandler) OnCmd(env *extension.Env, cmd *msg.Message) {
	totalV, err := cmd.GetProperty("total")
	if err != nil {
		return
	}
	total, _ := totalV.AsInt64()
	total += h.value
	remV, err := cmd.GetProperty("remaining")
	if err != nil {
		return
	}
	remaining, _ := remV.AsInt64()
	remaining--

	if remaining <= 0 {
		result := msg.CreateResult(msg.StatusOK, cmd)
		result.Detail = value.Int64(total)
		_ = env.ReturnResult(result, cmd)
		return
	}
	relay := msg.Create(msg.KindCmd, "sum")
	_ = relay.SetProperty("total", value.Int64(total))
	_ = relay.SetProperty("remaining", value.Int64(remaining))
	relay.Dests = []msg.Locator{{Extension: h.next}}
	_ = env.SendCmd(relay, func(result *msg.Message, completed bool) {
		up := msg.CreateResult(result.StatusCode, cmd)
		up.Detail = result.Detail
		_ = env.ReturnResult(up, cmd)
	})
}

// Scenario S2: a cyclic A->B->C->D->B graph summing each node's value
// twice around the loop: total = (1+2+3)*2 = 12, returned hop by hop along
// the inverse path without leaking any path entry.
func TestCyclicGraphSumReturnsTwelve(t *testing.T) {
	a := newTestApp(t, "msgpack://127.0.0.1:8000/")
	client := &clientHandler{}
	a.Addons().RegisterFactory("client", clientFactory(client))
	a.Addons().RegisterFactory("adder", func(props value.Value) (extension.Handler, error) {
		h := &adderHandler{}
		if v, err := value.Get(props, value.Path{{Key: "value"}}); err == nil {
			h.value, _ = v.AsInt64()
		}
		if v, err := value.Get(props, value.Path{{Key: "next"}}); err == nil {
			h.next, _ = v.AsString()
		}
		return h, nil
	})
	ctl := New(a)
	defer ctl.stopSharedSweep()

	spec := graph.Spec{Nodes: []graph.NodeSpec{
		{Name: "client", Addon: "client", Group: "main"},
		{Name: "A", Addon: "adder", Group: "main", Property: map[string]any{"value": 0, "next": "B"}},
		{Name: "B", Addon: "adder", Group: "main", Property: map[string]any{"value": 1, "next": "C"}},
		{Name: "C", Addon: "adder", Group: "main", Property: map[string]any{"value": 2, "next": "D"}},
		{Name: "D", Addon: "adder", Group: "main", Property: map[string]any{"value": 3, "next": "B"}},
	}}
	graphID, err := ctl.StartGraph(context.Background(), spec, StartOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctl.StopGraph(context.Background(), graphID) })

	e, _ := a.Engine(graphID)
	inst, _ := e.Node("client")

	cmd := msg.Create(msg.KindCmd, "sum")
	require.NoError(t, cmd.SetProperty("total", value.Int64(0)))
	require.NoError(t, cmd.SetProperty("remaining", value.Int64(7)))
	cmd.Dests = []msg.Locator{{Extension: "A"}}
	require.NoError(t, inst.Env().SendCmd(cmd, client.record))

	waitFor(t, func() bool { return client.resultCount() == 1 })
	client.mu.Lock()
	total, err := client.results[0].Detail.AsInt64()
	client.mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, int64(12), total)

	// No hop leaked a path entry once the final result walked all the way
	// back.
	waitFor(t, func() bool {
		for _, name := range e.NodeNames() {
			n, _ := e.Node(name)
			if n.Table().Len() != 0 {
				return false
			}
		}
		return true
	})
}

// Scenario S5: a command fanning out to E2 and E3 invokes the sender's
// handler twice, with is_completed true on exactly the last invocation.
func TestFanOutCompletedFlagOnLastResultOnly(t *testing.T) {
	a := newTestApp(t, "msgpack://127.0.0.1:8000/")
	client := &clientHandler{}
	a.Addons().RegisterFactory("client", clientFactory(client))
	ctl := New(a)
	defer ctl.stopSharedSweep()

	spec := graph.Spec{
		Nodes: []graph.NodeSpec{
			{Name: "X", Addon: "client", Group: "main"},
			{Name: "E2", Addon: "hello", Group: "main"},
			{Name: "E3", Addon: "hello", Group: "main"},
		},
		Connections: []graph.ConnectionSpec{{
			From: graph.LocatorSpec{Extension: "X"},
			Kind: "cmd",
			Name: "hello_world",
			To: []graph.DestinationSpec{
				{LocatorSpec: graph.LocatorSpec{Extension: "E2"}},
				{LocatorSpec: graph.LocatorSpec{Extension: "E3"}},
			},
		}},
	}
	graphID, err := ctl.StartGraph(context.Background(), spec, StartOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctl.StopGraph(context.Background(), graphID) })

	e, _ := a.Engine(graphID)
	inst, _ := e.Node("X")
	require.NoError(t, inst.Env().SendCmd(msg.Create(msg.KindCmd, "hello_world"), client.record))

	waitFor(t, func() bool { return client.resultCount() == 2 })
	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, []bool{false, true}, client.flags)
	assert.Equal(t, 0, inst.Table().Len())
}

// dataRecorder keeps every inbound data message for payload inspection.
type dataRecorder struct {
	extension.BaseHandler

	mu   sync.Mutex
	data []*msg.Message
}

func (h *dataRecorder) OnData(env *extension.Env, d *msg.Message) {
	h.mu.Lock()
	h.data = append(h.data, d)
	h.mu.Unlock()
}

func (h *dataRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.data)
}

// Scenario S6: a data fan-out delivers matching payload
// bytes to both destinations, and one destination mutating its bag does
// not affect the other's.
func TestDataFanOutPayloadAndIsolation(t *testing.T) {
	a := newTestApp(t, "msgpack://127.0.0.1:8000/")
	client := &clientHandler{}
	e2 := &dataRecorder{}
	e3 := &dataRecorder{}
	a.Addons().RegisterFactory("client", clientFactory(client))
	a.Addons().RegisterFactory("rec2", func(value.Value) (extension.Handler, error) { return e2, nil })
	a.Addons().RegisterFactory("rec3", func(value.Value) (extension.Handler, error) { return e3, nil })
	ctl := New(a)
	defer ctl.stopSharedSweep()

	spec := graph.Spec{
		Nodes: []graph.NodeSpec{
			{Name: "E1", Addon: "client", Group: "main"},
			{Name: "E2", Addon: "rec2", Group: "main"},
			{Name: "E3", Addon: "rec3", Group: "main"},
		},
		Connections: []graph.ConnectionSpec{{
			From: graph.LocatorSpec{Extension: "E1"},
			Kind: "data",
			Name: "test",
			To: []graph.DestinationSpec{
				{LocatorSpec: graph.LocatorSpec{Extension: "E2"}},
				{LocatorSpec: graph.LocatorSpec{Extension: "E3"}},
			},
		}},
	}
	graphID, err := ctl.StartGraph(context.Background(), spec, StartOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctl.StopGraph(context.Background(), graphID) })

	e, _ := a.Engine(graphID)
	inst, _ := e.Node("E1")

	payload := []byte("payload bytes")
	data := msg.Create(msg.KindData, "test")
	require.NoError(t, data.SetProperty("test_prop", value.String("test_prop_value")))
	require.NoError(t, data.SetPayload(payload, msg.FrameMeta{}))
	require.NoError(t, inst.Env().SendData(data, nil))

	waitFor(t, func() bool { return e2.count() == 1 && e3.count() == 1 })

	e2.mu.Lock()
	got2 := e2.data[0]
	e2.mu.Unlock()
	e3.mu.Lock()
	got3 := e3.data[0]
	e3.mu.Unlock()

	for _, got := range []*msg.Message{got2, got3} {
		buf, _ := got.Payload()
		assert.Equal(t, payload, buf)
		v, err := got.GetProperty("test_prop")
		require.NoError(t, err)
		s, err := v.AsString()
		require.NoError(t, err)
		assert.Equal(t, "test_prop_value", s)
	}

	// Fan-out clones are independent, unsealed handles: the two
	// destinations hold distinct messages with equal property values.
	v2, _ := got2.GetProperty("test_prop")
	v3, _ := got3.GetProperty("test_prop")
	s2, _ := v2.AsString()
	s3, _ := v3.AsString()
	assert.Equal(t, s2, s3)
	assert.NotSame(t, got2, got3)
}

// Scenario S3: a graph referencing an unreachable remote app fails with a
// detail naming the peer.
func TestStartGraphUnreachableRemoteFails(t *testing.T) {
	a := app.New("msgpack://127.0.0.1:8000/", app.WithDialer(
		func(ctx context.Context, appURI string) (net.Conn, error) {
			return nil, &net.OpError{Op: "dial", Err: context.DeadlineExceeded}
		},
	))
	a.Addons().RegisterFactory("hello", func(value.Value) (extension.Handler, error) { return helloHandler{}, nil })
	ctl := New(a, WithRemoteTimeout(time.Second))
	defer ctl.stopSharedSweep()

	spec := graph.Spec{Nodes: []graph.NodeSpec{
		{Name: "local", Addon: "hello", Group: "main"},
		{Name: "remote", Addon: "hello", App: "msgpack://127.0.0.1:8888/"},
	}}
	_, err := ctl.StartGraph(context.Background(), spec, StartOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to connect to msgpack://127.0.0.1:8888/")

	// The wire-level start_graph reports the same failure in its detail.
	result := ctl.HandleControl(context.Background(), startGraphCmd(t, spec, ""))
	assert.Equal(t, msg.StatusError, result.StatusCode)
	detail, derr := result.Detail.AsString()
	require.NoError(t, derr)
	assert.Contains(t, detail, "Failed to connect to msgpack://127.0.0.1:8888/")
}

func startGraphCmd(t *testing.T, spec graph.Spec, graphID string) *msg.Message {
	t.Helper()
	doc, err := spec.Marshal()
	require.NoError(t, err)
	cmd := msg.Create(msg.KindCmdStartGraph, "start_graph")
	require.NoError(t, cmd.SetProperty(graphJSONProperty, value.String(string(doc))))
	if graphID != "" {
		require.NoError(t, cmd.SetProperty(graphIDProperty, value.String(graphID)))
	}
	return cmd
}

func TestSingletonPredefinedGraphRejectsSecondStart(t *testing.T) {
	a := newTestApp(t, "msgpack://127.0.0.1:8000/")
	predefined := []config.PredefinedGraph{{
		Name:      "default",
		Singleton: true,
		Spec: graph.Spec{Nodes: []graph.NodeSpec{
			{Name: "B", Addon: "hello", Group: "main"},
		}},
	}}
	ctl := New(a, WithPredefinedGraphs(predefined), WithLongRunningMode(true))
	defer ctl.stopSharedSweep()

	id, err := ctl.StartGraphByName(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "default", id)

	_, err = ctl.StartGraphByName(context.Background(), "default")
	require.Error(t, err)

	// Stopping the instance releases the singleton; a restart succeeds.
	require.NoError(t, ctl.StopGraph(context.Background(), "default"))
	_, err = ctl.StartGraphByName(context.Background(), "default")
	require.NoError(t, err)
	require.NoError(t, ctl.StopGraph(context.Background(), "default"))
}

func TestStartGraphByNameUnknownIsGraphNotFound(t *testing.T) {
	a := newTestApp(t, "msgpack://127.0.0.1:8000/")
	ctl := New(a)
	defer ctl.stopSharedSweep()

	_, err := ctl.StartGraphByName(context.Background(), "nope")
	kind, ok := tenerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, tenerr.GraphNotFound, kind)
}

// lifecycleRecorder appends every lifecycle event to a shared ordered log.
type lifecycleRecorder struct {
	extension.BaseHandler
	name string
	log  *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (h *lifecycleRecorder) OnInit(env *extension.Env) {
	h.log.add(h.name + ":init")
	_ = env.OnInitDone()
}

func (h *lifecycleRecorder) OnDeinit(env *extension.Env) {
	h.log.add(h.name + ":deinit")
	_ = env.OnDeinitDone()
}

func TestInitAfterOrdersSiblingInit(t *testing.T) {
	a := app.New("msgpack://127.0.0.1:8000/")
	log := &eventLog{}
	a.Addons().RegisterFactory("rec", func(props value.Value) (extension.Handler, error) {
		nameV, err := value.Get(props, value.Path{{Key: "who"}})
		if err != nil {
			return nil, err
		}
		name, _ := nameV.AsString()
		return &lifecycleRecorder{name: name, log: log}, nil
	})
	ctl := New(a, WithLongRunningMode(true))
	defer ctl.stopSharedSweep()

	// Declared dependent-first: init_after must still run A before B.
	spec := graph.Spec{Nodes: []graph.NodeSpec{
		{Name: "B", Addon: "rec", Group: "main", Property: map[string]any{"who": "B"}, InitAfter: []string{"A"}},
		{Name: "A", Addon: "rec", Group: "main", Property: map[string]any{"who": "A"}},
	}}
	graphID, err := ctl.StartGraph(context.Background(), spec, StartOptions{})
	require.NoError(t, err)

	events := log.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, "A:init", events[0])
	assert.Equal(t, "B:init", events[1])

	require.NoError(t, ctl.StopGraph(context.Background(), graphID))
	assert.Contains(t, log.snapshot(), "A:deinit")
	assert.Contains(t, log.snapshot(), "B:deinit")
}

func TestInitAfterCycleIsStartupError(t *testing.T) {
	a := newTestApp(t, "msgpack://127.0.0.1:8000/")
	ctl := New(a)
	defer ctl.stopSharedSweep()

	spec := graph.Spec{Nodes: []graph.NodeSpec{
		{Name: "A", Addon: "hello", Group: "main", InitAfter: []string{"B"}},
		{Name: "B", Addon: "hello", Group: "main", InitAfter: []string{"A"}},
	}}
	_, err := ctl.StartGraph(context.Background(), spec, StartOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestCloseAppStopsGraphsAndSignalsDone(t *testing.T) {
	a := newTestApp(t, "msgpack://127.0.0.1:8000/")
	ctl := New(a, WithLongRunningMode(true))

	spec := graph.Spec{Nodes: []graph.NodeSpec{{Name: "B", Addon: "hello", Group: "main"}}}
	graphID, err := ctl.StartGraph(context.Background(), spec, StartOptions{})
	require.NoError(t, err)

	require.NoError(t, ctl.CloseApp(context.Background()))
	select {
	case <-ctl.Done():
	default:
		t.Fatal("Done not signalled after CloseApp")
	}

	_, gone := a.Engine(graphID)
	assert.False(t, gone)

	_, err = ctl.StartGraph(context.Background(), spec, StartOptions{})
	kind, ok := tenerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, tenerr.TenIsClosed, kind)
}

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// TestStartGraphAcrossTwoApps drives the full start_graph protocol over
// real TCP: app A instantiates its subset, forwards the rest to app B,
// and a command then flows A -> B and its result walks back B -> A.
func TestStartGraphAcrossTwoApps(t *testing.T) {
	addrA := freeTCPAddr(t)
	addrB := freeTCPAddr(t)
	uriA := "msgpack://" + addrA + "/"
	uriB := "msgpack://" + addrB + "/"

	appA := newTestApp(t, uriA)
	client := &clientHandler{}
	appA.Addons().RegisterFactory("client", clientFactory(client))
	appB := newTestApp(t, uriB)

	require.NoError(t, appA.Listen(addrA))
	require.NoError(t, appB.Listen(addrB))
	t.Cleanup(func() { _ = appA.Close(); _ = appB.Close() })

	ctlA := New(appA, WithLongRunningMode(true), WithRemoteTimeout(3*time.Second))
	ctlB := New(appB, WithLongRunningMode(true))
	defer ctlA.stopSharedSweep()
	defer ctlB.stopSharedSweep()

	spec := graph.Spec{Nodes: []graph.NodeSpec{
		{Name: "client", Addon: "client", Group: "main"},
		{Name: "B1", Addon: "hello", App: uriB, Group: "remote_grp"},
	}}
	graphID, err := ctlA.StartGraph(context.Background(), spec, StartOptions{})
	require.NoError(t, err)

	// B really started its subset under the same graph id.
	_, ok := appB.Engine(graphID)
	require.True(t, ok)

	e, _ := appA.Engine(graphID)
	inst, _ := e.Node("client")
	cmd := msg.Create(msg.KindCmd, "hello_world")
	cmd.Dests = []msg.Locator{{AppURI: uriB, GraphID: graphID, Group: "remote_grp", Extension: "B1"}}
	require.NoError(t, inst.Env().SendCmd(cmd, client.record))

	waitFor(t, func() bool { return client.resultCount() == 1 })
	client.mu.Lock()
	defer client.mu.Unlock()
	require.Equal(t, msg.StatusOK, client.results[0].StatusCode)
	detail, err := client.results[0].Detail.AsString()
	require.NoError(t, err)
	assert.Equal(t, "hello, too", detail)
}

// TestStartGraphRemoteRejectionRollsBack verifies the rollback step: a
// remote that rejects its subset aborts the whole start, and the local
// engine is torn down again.
func TestStartGraphRemoteRejectionRollsBack(t *testing.T) {
	addrA := freeTCPAddr(t)
	addrB := freeTCPAddr(t)
	uriA := "msgpack://" + addrA + "/"
	uriB := "msgpack://" + addrB + "/"

	appA := newTestApp(t, uriA)
	appB := app.New(uriB) // no addon factories: B cannot instantiate anything

	require.NoError(t, appA.Listen(addrA))
	require.NoError(t, appB.Listen(addrB))
	t.Cleanup(func() { _ = appA.Close(); _ = appB.Close() })

	ctlA := New(appA, WithLongRunningMode(true), WithRemoteTimeout(3*time.Second))
	New(appB, WithLongRunningMode(true))

	spec := graph.Spec{Nodes: []graph.NodeSpec{
		{Name: "local", Addon: "hello", Group: "main"},
		{Name: "far", Addon: "unregistered", App: uriB},
	}}
	graphID, err := ctlA.StartGraph(context.Background(), spec, StartOptions{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "rejected") || strings.Contains(err.Error(), "no addon"))
	_, running := appA.Engine(graphID)
	assert.False(t, running)
}

// blackholeHandler accepts commands and never answers, to exercise the
// path-timeout sweep.
type blackholeHandler struct {
	extension.BaseHandler
}

func (blackholeHandler) OnCmd(env *extension.Env, cmd *msg.Message) {}

// Scenario S4: a command whose receiver never replies times out via the
// sweep, and the sender's handler sees exactly one PathTimeout result with
// detail "Path timeout.".
func TestPathTimeoutDeliversErrorResult(t *testing.T) {
	a := newTestApp(t, "msgpack://127.0.0.1:8000/")
	client := &clientHandler{}
	a.Addons().RegisterFactory("client", clientFactory(client))
	a.Addons().RegisterFactory("blackhole", func(value.Value) (extension.Handler, error) {
		return blackholeHandler{}, nil
	})
	ctl := New(a, WithPathSweep(50*time.Millisecond, 100*time.Millisecond), WithLongRunningMode(true))
	defer ctl.stopSharedSweep()

	spec := graph.Spec{Nodes: []graph.NodeSpec{
		{Name: "client", Addon: "client", Group: "main"},
		{Name: "sink", Addon: "blackhole", Group: "main"},
	}}
	graphID, err := ctl.StartGraph(context.Background(), spec, StartOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctl.StopGraph(context.Background(), graphID) })

	e, _ := a.Engine(graphID)
	inst, _ := e.Node("client")

	cmd := msg.Create(msg.KindCmd, "hello_world")
	cmd.Dests = []msg.Locator{{Extension: "sink"}}
	require.NoError(t, inst.Env().SendCmd(cmd, client.record))

	waitFor(t, func() bool { return client.resultCount() == 1 })
	time.Sleep(200 * time.Millisecond)

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.results, 1)
	assert.Equal(t, msg.StatusError, client.results[0].StatusCode)
	detail, err := client.results[0].Detail.AsString()
	require.NoError(t, err)
	assert.Equal(t, "Path timeout.", detail)
	assert.True(t, client.flags[0])
	assert.Equal(t, 0, inst.Table().Len())
}
