package msg

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dataflowrt/core/tenerr"
	"github.com/dataflowrt/core/value"
)

// Kind identifies one of the runtime's message kinds.
type Kind int

const (
	KindCmd Kind = iota
	KindCmdResult
	KindCmdStartGraph
	KindCmdStopGraph
	KindCmdCloseApp
	KindCmdTimer
	KindCmdTimeout
	KindData
	KindAudioFrame
	KindVideoFrame
)

func (k Kind) String() string {
	switch k {
	case KindCmd:
		return "cmd"
	case KindCmdResult:
		return "cmd_result"
	case KindCmdStartGraph:
		return "cmd_start_graph"
	case KindCmdStopGraph:
		return "cmd_stop_graph"
	case KindCmdCloseApp:
		return "cmd_close_app"
	case KindCmdTimer:
		return "cmd_timer"
	case KindCmdTimeout:
		return "cmd_timeout"
	case KindData:
		return "data"
	case KindAudioFrame:
		return "audio_frame"
	case KindVideoFrame:
		return "video_frame"
	default:
		return "unknown"
	}
}

// IsCommand reports whether k is one of the command kinds (request side;
// cmd_result is the response side and is excluded).
func (k Kind) IsCommand() bool {
	switch k {
	case KindCmd, KindCmdStartGraph, KindCmdStopGraph, KindCmdCloseApp, KindCmdTimer, KindCmdTimeout:
		return true
	default:
		return false
	}
}

// StatusCode is the cmd_result status.
type StatusCode int32

const (
	StatusOK    StatusCode = 0
	StatusError StatusCode = 1
)

// FrameMeta carries the kind-specific metadata for
// audio/video frames; it is unused for cmd/cmd_result/data messages.
type FrameMeta struct {
	SampleRate int
	Channels   int
	PixelFormat string
	Width      int
	Height     int
	Timestamp  time.Time
}

// sharedState is the reference-counted body of a Message: user code holds a
// unique owning handle (Message), send_* moves it into the runtime which
// stores the body behind an atomic refcount, and fan-out performs explicit
// deep clones so each destination gets a fresh unique handle.
type sharedState struct {
	refs int32

	mu         sync.RWMutex
	sealed     bool
	properties value.Value // always KindObject

	payload []byte
	frame   FrameMeta
}

// Message is a unique owning handle over a shared, reference-counted body.
// A Message moved into a send_* call must not be mutated by user code
// afterwards; Seal enforces this once the runtime
// accepts it.
type Message struct {
	state *sharedState

	Kind   Kind
	Name   string
	ID     string // opaque unique identifier, assigned on first send
	Source Locator
	Dests  []Locator

	// CmdID correlates a cmd_result with the command that produced it;
	// for a cmd it is the command's own id.
	CmdID string
	// SeqID is an optional client-supplied correlation string preserved
	// across hops.
	SeqID string

	// cmd_result-only fields.
	StatusCode      StatusCode
	IsFinal         bool
	OriginalCmdKind Kind
	Detail          value.Value // schema-free convenience slot for result payloads

	// Timer fields (cmd_timer / cmd_timeout).
	TimerID       uint64
	TimeoutInUs   int64
	Times         int64
}

// Create constructs a new owning Message of the given kind and name, with
// an empty property bag and a freshly assigned message-id.
func Create(kind Kind, name string) *Message {
	return &Message{
		Kind:  kind,
		Name:  name,
		ID:    uuid.NewString(),
		state: &sharedState{refs: 1, properties: value.Object()},
	}
}

// CreateResult constructs a new cmd_result pre-filled with originating's
// correlation fields. The result's destination is left
// empty; callers populate it from the originating command's path entry,
// never by choosing it directly.
func CreateResult(status StatusCode, originating *Message) *Message {
	r := Create(KindCmdResult, originating.Name)
	r.CmdID = originating.CmdID
	r.SeqID = originating.SeqID
	r.StatusCode = status
	r.OriginalCmdKind = originating.Kind
	r.IsFinal = true
	return r
}

// Clone deep-clones m's properties; the shared payload buffer is retained
// by reference since it is treated as immutable once attached. Clone is
// what the graph engine calls once per destination when a message fans
// out to more than one locator.
func (m *Message) Clone() *Message {
	m.state.mu.RLock()
	defer m.state.mu.RUnlock()

	clone := *m
	clone.ID = uuid.NewString()
	clone.Dests = append([]Locator(nil), m.Dests...)
	clone.state = &sharedState{
		refs:       1,
		properties: m.state.properties.Clone(),
		payload:    m.state.payload, // shared, immutable once attached
		frame:      m.state.frame,
	}
	return &clone
}

// retain increments the shared body's refcount. Nothing in the runtime
// calls it: routing clones on fan-out instead of sharing the body.
func (m *Message) retain() { atomic.AddInt32(&m.state.refs, 1) }

// release decrements the shared body's refcount and, when it reaches
// zero, runs the deleter of every Own ptr property via value.ReleaseAll.
// It does not free Go memory explicitly (the GC owns that). Nothing in
// the runtime calls it, so delivering or dropping a message does not run
// any deleter.
func (m *Message) release() {
	if atomic.AddInt32(&m.state.refs, -1) == 0 {
		m.state.mu.Lock()
		defer m.state.mu.Unlock()
		value.ReleaseAll(m.state.properties)
	}
}

// Seal is called by the runtime on accept; further mutation fails with
// an InvalidArgument error.
func (m *Message) Seal() {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	m.state.sealed = true
}

var errSealed = tenerr.InvalidArgumentf("message is sealed")

// GetProperty reads the value at path. Returns a TypeMismatch-flavored
// *tenerr.Error through the caller's subsequent Value.As* call, not here;
// GetProperty itself only reports path-resolution failures.
func (m *Message) GetProperty(path string) (value.Value, error) {
	p, err := value.ParsePath(path)
	if err != nil {
		return value.Value{}, err
	}
	m.state.mu.RLock()
	defer m.state.mu.RUnlock()
	return value.Get(m.state.properties, p)
}

// SetProperty writes v at path, auto-creating intermediate containers.
// Fails with InvalidArgument if the message is sealed.
func (m *Message) SetProperty(path string, v value.Value) error {
	p, err := value.ParsePath(path)
	if err != nil {
		return err
	}
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	if m.state.sealed {
		return errSealed
	}
	return value.Set(&m.state.properties, p, v)
}

// Properties returns a snapshot clone of the full property bag, for
// schema-check and wire-encode call sites that need the whole bag rather
// than one path.
func (m *Message) Properties() value.Value {
	m.state.mu.RLock()
	defer m.state.mu.RUnlock()
	return m.state.properties.Clone()
}

// SetPayload attaches the opaque framed payload for data/audio_frame/
// video_frame messages. The core never interprets buf.
func (m *Message) SetPayload(buf []byte, meta FrameMeta) error {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	if m.state.sealed {
		return errSealed
	}
	m.state.payload = buf
	m.state.frame = meta
	return nil
}

// Payload returns the opaque framed payload and its metadata.
func (m *Message) Payload() ([]byte, FrameMeta) {
	m.state.mu.RLock()
	defer m.state.mu.RUnlock()
	return m.state.payload, m.state.frame
}
