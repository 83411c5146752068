// Package extension implements the extension runtime: the
// per-extension lifecycle state machine, handler dispatch, and the
// send_*/return_* operations an extension's environment handle exposes.
package extension

import (
	"github.com/dataflowrt/core/msg"
	"github.com/dataflowrt/core/value"
)

// State is one of the eight lifecycle states an extension moves through.
type State int

const (
	StateCreated State = iota
	StateConfiguring
	StateInited
	StateStarting
	StateRunning
	StateStopping
	StateDeinited
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConfiguring:
		return "configuring"
	case StateInited:
		return "inited"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateDeinited:
		return "deinited"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// phase names the five on_* calls of the lifecycle callback contract,
// used to enforce "exactly one on_*_done per on_*".
type phase string

const (
	phaseConfigure phase = "configure"
	phaseInit      phase = "init"
	phaseStart     phase = "start"
	phaseStop      phase = "stop"
	phaseDeinit    phase = "deinit"
)

// Decl describes an extension instance's static declaration: the parts of
// a graph node relevant to the runtime rather than to addon
// loading, which is out of scope.
type Decl struct {
	Name  string
	Group string
	Addon string

	// Locator is this extension's own address, stamped onto the Source
	// field of every message it originates; assigned by
	// the owning graph engine once the node's (app_uri, graph_id) are
	// known, not by the extension declaration itself.
	Locator msg.Locator

	// Schema is the compiled property-bag predicate for a "typed"
	// extension; nil means untyped, skipping
	// validation entirely.
	Schema *value.Schema

	// InitAfter names sibling extensions (by Decl.Name) in the same
	// group whose on_init must complete before this extension's on_init
	// is invoked. The
	// extension package itself only records the declaration; ordering is
	// enforced by the graph controller, which drives nodes to Inited in
	// init_after order.
	InitAfter []string
}

// Handler is the set of callbacks a concrete extension implements. Each
// on_* method may call the matching Env.On*Done at its own pace -- possibly
// asynchronously, from a goroutine the handler spawns -- to advance the
// lifecycle; the handler is never required to call it before returning.
type Handler interface {
	OnConfigure(env *Env)
	OnInit(env *Env)
	OnStart(env *Env)
	OnStop(env *Env)
	OnDeinit(env *Env)

	OnCmd(env *Env, cmd *msg.Message)
	OnData(env *Env, data *msg.Message)
	OnAudioFrame(env *Env, frame *msg.Message)
	OnVideoFrame(env *Env, frame *msg.Message)
}

// BaseHandler gives every callback a default; a concrete extension
// embeds it and overrides only the handlers it cares about, same as
// BaseHandler-style optional interfaces elsewhere in the ecosystem.
// The default on_* callbacks immediately call their matching On*Done and
// the message callbacks do nothing. An on_* override must call the
// matching On*Done itself.
type BaseHandler struct{}

func (BaseHandler) OnConfigure(env *Env)             { env.OnConfigureDone() }
func (BaseHandler) OnInit(env *Env)                  { env.OnInitDone() }
func (BaseHandler) OnStart(env *Env)                 { env.OnStartDone() }
func (BaseHandler) OnStop(env *Env)                  { env.OnStopDone() }
func (BaseHandler) OnDeinit(env *Env)                { env.OnDeinitDone() }
func (BaseHandler) OnCmd(env *Env, cmd *msg.Message)      {}
func (BaseHandler) OnData(env *Env, data *msg.Message)    {}
func (BaseHandler) OnAudioFrame(env *Env, f *msg.Message) {}
func (BaseHandler) OnVideoFrame(env *Env, f *msg.Message) {}
