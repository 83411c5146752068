package extension

import (
	"github.com/dataflowrt/core/msg"
	"github.com/dataflowrt/core/pathtable"
	"github.com/dataflowrt/core/tenerr"
	"github.com/dataflowrt/core/value"
)

// Env is the per-extension environment handle (ten_env) a Handler is given
// on every callback. It exposes the lifecycle-advancement, send_*/return_*,
// and property-access operations an extension uses at runtime.
type Env struct {
	inst *Instance
}

// errorDetail renders cause into the schema-free Detail slot a cmd_result
// carries.
func errorDetail(cause error) value.Value { return value.String(cause.Error()) }

func (e *Env) checkOpen() error {
	if st := e.inst.State(); st >= StateDeinited {
		return tenerr.TenIsClosedf("extension %q is %s", e.inst.decl.Name, st)
	}
	return nil
}

// OnConfigureDone signals completion of on_configure, immediately
// triggering on_init (see Instance.onConfigureDone for the fused-phase
// rationale). Calling it without a matching in-flight on_configure is a
// fatal misuse and returns an error instead of panicking.
func (e *Env) OnConfigureDone() error { return e.inst.onConfigureDone() }

// OnInitDone signals completion of on_init, moving the extension to Inited
// and draining any messages buffered while it was not yet ready.
func (e *Env) OnInitDone() error { return e.inst.onInitDone() }

// OnStartDone signals completion of on_start, moving the extension to Running.
func (e *Env) OnStartDone() error { return e.inst.onStartDone() }

// OnStopDone signals completion of on_stop, immediately triggering
// on_deinit and flushing the path table.
func (e *Env) OnStopDone() error { return e.inst.onStopDone() }

// OnDeinitDone signals completion of on_deinit, moving the extension to Deinited.
func (e *Env) OnDeinitDone() error { return e.inst.onDeinitDone() }

// SendCmd issues a new command and registers handler to be invoked on each
// arriving result. The path-table entry is seeded with one
// expected response per already-resolved destination (at least one); the
// graph engine widens it via pathtable.Table.IncrementExpected once
// connection-table resolution determines the true fan-out.
func (e *Env) SendCmd(cmd *msg.Message, handler pathtable.ResultHandler) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if cmd == nil {
		return tenerr.InvalidArgumentf("cmd is nil")
	}
	if !cmd.Kind.IsCommand() {
		return tenerr.InvalidArgumentf("SendCmd requires a command message, got %s", cmd.Kind)
	}
	if err := e.validateEgress(cmd); err != nil {
		return err
	}
	if cmd.CmdID == "" {
		cmd.CmdID = cmd.ID
	}
	if cmd.Source.IsEmpty() {
		cmd.Source = e.inst.decl.Locator
	}
	expected := len(cmd.Dests)
	if expected == 0 {
		expected = 1
	}
	if err := e.inst.table.Insert(cmd, expected, handler); err != nil {
		return err
	}
	cmd.Seal()
	if err := e.route(cmd); err != nil {
		e.inst.table.Cancel(cmd.CmdID)
		return err
	}
	return nil
}

// SendCmdEx issues a command without path-table aggregation, for remote
// fan-out where the caller does not want a single correlated completion.
// Delivery failures that are detected
// synchronously are returned directly; onError, if non-nil, additionally
// receives them (mirroring send_data's optional error callback shape).
func (e *Env) SendCmdEx(cmd *msg.Message, onError func(error)) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if cmd == nil {
		return tenerr.InvalidArgumentf("cmd is nil")
	}
	if err := e.validateEgress(cmd); err != nil {
		return err
	}
	if cmd.CmdID == "" {
		cmd.CmdID = cmd.ID
	}
	if cmd.Source.IsEmpty() {
		cmd.Source = e.inst.decl.Locator
	}
	cmd.Seal()
	if err := e.route(cmd); err != nil {
		if onError != nil {
			onError(err)
		}
		return err
	}
	return nil
}

// ReturnResult pairs result with originating's correlation fields and
// forwards it upstream to originating's source locator.
func (e *Env) ReturnResult(result, originating *msg.Message) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if result == nil || originating == nil {
		return tenerr.InvalidArgumentf("result and originating must both be non-nil")
	}
	result.CmdID = originating.CmdID
	result.SeqID = originating.SeqID
	result.OriginalCmdKind = originating.Kind
	result.Dests = []msg.Locator{originating.Source}
	return e.ReturnResultDirectly(result)
}

// ReturnResultDirectly forwards an already-correlated result, for when the
// extension is already on the backward path.
func (e *Env) ReturnResultDirectly(result *msg.Message) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if result == nil {
		return tenerr.InvalidArgumentf("result is nil")
	}
	if result.Source.IsEmpty() {
		result.Source = e.inst.decl.Locator
	}
	result.Seal()
	return e.route(result)
}

// SendData sends a unidirectional data message. onError, if non-nil, is
// invoked with any synchronously-detected delivery failure in addition to
// it being returned.
func (e *Env) SendData(data *msg.Message, onError func(error)) error {
	return e.sendUnary(data, msg.KindData, onError)
}

// SendAudioFrame sends an audio_frame message.
func (e *Env) SendAudioFrame(frame *msg.Message, onError func(error)) error {
	return e.sendUnary(frame, msg.KindAudioFrame, onError)
}

// SendVideoFrame sends a video_frame message.
func (e *Env) SendVideoFrame(frame *msg.Message, onError func(error)) error {
	return e.sendUnary(frame, msg.KindVideoFrame, onError)
}

func (e *Env) sendUnary(m *msg.Message, want msg.Kind, onError func(error)) error {
	fail := func(err error) error {
		if onError != nil {
			onError(err)
		}
		return err
	}
	if err := e.checkOpen(); err != nil {
		return fail(err)
	}
	if m == nil {
		return fail(tenerr.InvalidArgumentf("message is nil"))
	}
	if m.Kind != want {
		return fail(tenerr.InvalidArgumentf("expected kind %s, got %s", want, m.Kind))
	}
	if err := e.validateEgress(m); err != nil {
		return fail(err)
	}
	if m.Source.IsEmpty() {
		m.Source = e.inst.decl.Locator
	}
	m.Seal()
	if err := e.route(m); err != nil {
		return fail(err)
	}
	return nil
}

func (e *Env) route(m *msg.Message) error {
	if e.inst.dispatcher == nil {
		return tenerr.ConnectionFailedf("extension %q has no dispatcher attached", e.inst.decl.Name)
	}
	return e.inst.dispatcher.Route(m)
}

func (e *Env) validateEgress(m *msg.Message) error {
	if e.inst.decl.Schema == nil {
		return nil
	}
	return e.inst.decl.Schema.Check(m.Properties())
}

// GetProperty reads the extension's own property store (distinct from any
// in-flight message's properties) at path.
func (e *Env) GetProperty(path string) (value.Value, error) {
	p, err := value.ParsePath(path)
	if err != nil {
		return value.Value{}, err
	}
	e.inst.mu.Lock()
	defer e.inst.mu.Unlock()
	return value.Get(e.inst.props, p)
}

// SetProperty writes v at path in the extension's property store. For a
// typed extension (non-nil Decl.Schema) the resulting whole bag is
// validated; a violation leaves the store unchanged and fails with
// SchemaViolation.
func (e *Env) SetProperty(path string, v value.Value) error {
	p, err := value.ParsePath(path)
	if err != nil {
		return err
	}
	e.inst.mu.Lock()
	defer e.inst.mu.Unlock()

	candidate := e.inst.props.Clone()
	if err := value.Set(&candidate, p, v); err != nil {
		return err
	}
	if e.inst.decl.Schema != nil {
		if err := e.inst.decl.Schema.Check(candidate); err != nil {
			return err
		}
	}
	e.inst.props = candidate
	return nil
}

// InitPropertyFromJSON bulk-replaces the property store from a JSON
// document, validating against the schema if one is declared.
func (e *Env) InitPropertyFromJSON(doc []byte) error {
	v, err := value.UnmarshalJSONBytes(doc)
	if err != nil {
		return err
	}
	e.inst.mu.Lock()
	defer e.inst.mu.Unlock()
	if e.inst.decl.Schema != nil {
		if err := e.inst.decl.Schema.Check(v); err != nil {
			return err
		}
	}
	e.inst.props = v
	return nil
}

// GetPropertyToJSON reads the value at path and renders it as JSON text.
func (e *Env) GetPropertyToJSON(path string) ([]byte, error) {
	v, err := e.GetProperty(path)
	if err != nil {
		return nil, err
	}
	return v.MarshalJSON()
}
