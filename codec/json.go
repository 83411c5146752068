package codec

import (
	"encoding/json"
	"time"

	"github.com/dataflowrt/core/msg"
	"github.com/dataflowrt/core/tenerr"
	"github.com/dataflowrt/core/value"
)

// JSON is the bundled default Codec: a direct JSON projection of a
// Message's wire-relevant fields, with the property bag going through
// value.ToJSON/FromJSON.
type JSON struct{}

type wireLocator struct {
	AppURI    string `json:"app_uri,omitempty"`
	GraphID   string `json:"graph_id,omitempty"`
	Group     string `json:"group,omitempty"`
	Extension string `json:"extension,omitempty"`
}

func toWireLocator(l msg.Locator) wireLocator {
	return wireLocator{AppURI: l.AppURI, GraphID: l.GraphID, Group: l.Group, Extension: l.Extension}
}

func fromWireLocator(w wireLocator) msg.Locator {
	return msg.Locator{AppURI: w.AppURI, GraphID: w.GraphID, Group: w.Group, Extension: w.Extension}
}

type wireFrameMeta struct {
	SampleRate  int       `json:"sample_rate,omitempty"`
	Channels    int       `json:"channels,omitempty"`
	PixelFormat string    `json:"pixel_format,omitempty"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
}

type wireMessage struct {
	Kind   int           `json:"kind"`
	Name   string        `json:"name"`
	ID     string        `json:"id"`
	Source wireLocator   `json:"source,omitempty"`
	Dests  []wireLocator `json:"dests,omitempty"`

	CmdID string `json:"cmd_id,omitempty"`
	SeqID string `json:"seq_id,omitempty"`

	StatusCode      int32 `json:"status_code,omitempty"`
	IsFinal         bool  `json:"is_final,omitempty"`
	OriginalCmdKind int   `json:"original_cmd_type,omitempty"`

	TimerID     uint64 `json:"timer_id,omitempty"`
	TimeoutInUs int64  `json:"timeout_in_us,omitempty"`
	Times       int64  `json:"times,omitempty"`

	Properties json.RawMessage `json:"properties,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`

	Payload   []byte        `json:"payload,omitempty"`
	FrameMeta wireFrameMeta `json:"frame_meta,omitempty"`
}

// Encode implements Codec.
func (JSON) Encode(m *msg.Message) ([]byte, error) {
	propsJSON, err := m.Properties().MarshalJSON()
	if err != nil {
		return nil, tenerr.Wrap(tenerr.InvalidArgument, err, "encoding properties")
	}
	detailJSON, err := m.Detail.MarshalJSON()
	if err != nil {
		return nil, tenerr.Wrap(tenerr.InvalidArgument, err, "encoding detail")
	}

	dests := make([]wireLocator, len(m.Dests))
	for i, d := range m.Dests {
		dests[i] = toWireLocator(d)
	}
	payload, frame := m.Payload()

	w := wireMessage{
		Kind:            int(m.Kind),
		Name:            m.Name,
		ID:              m.ID,
		Source:          toWireLocator(m.Source),
		Dests:           dests,
		CmdID:           m.CmdID,
		SeqID:           m.SeqID,
		StatusCode:      int32(m.StatusCode),
		IsFinal:         m.IsFinal,
		OriginalCmdKind: int(m.OriginalCmdKind),
		TimerID:         m.TimerID,
		TimeoutInUs:     m.TimeoutInUs,
		Times:           m.Times,
		Properties:      propsJSON,
		Detail:          detailJSON,
		Payload:         payload,
		FrameMeta: wireFrameMeta{
			SampleRate:  frame.SampleRate,
			Channels:    frame.Channels,
			PixelFormat: frame.PixelFormat,
			Width:       frame.Width,
			Height:      frame.Height,
			Timestamp:   frame.Timestamp,
		},
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, tenerr.Wrap(tenerr.InvalidArgument, err, "encoding message")
	}
	return b, nil
}

// Decode implements Codec.
func (JSON) Decode(b []byte) (*msg.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, tenerr.Wrap(tenerr.InvalidArgument, err, "decoding message frame")
	}

	m := msg.Create(msg.Kind(w.Kind), w.Name)
	m.ID = w.ID
	m.Source = fromWireLocator(w.Source)
	m.Dests = make([]msg.Locator, len(w.Dests))
	for i, d := range w.Dests {
		m.Dests[i] = fromWireLocator(d)
	}
	m.CmdID = w.CmdID
	m.SeqID = w.SeqID
	m.StatusCode = msg.StatusCode(w.StatusCode)
	m.IsFinal = w.IsFinal
	m.OriginalCmdKind = msg.Kind(w.OriginalCmdKind)
	m.TimerID = w.TimerID
	m.TimeoutInUs = w.TimeoutInUs
	m.Times = w.Times

	if len(w.Properties) > 0 {
		props, err := value.UnmarshalJSONBytes(w.Properties)
		if err != nil {
			return nil, err
		}
		for _, k := range mustKeys(props) {
			v, err := value.Get(props, value.Path{{Key: k}})
			if err != nil {
				return nil, err
			}
			if err := m.SetProperty(k, v); err != nil {
				return nil, err
			}
		}
	}
	if len(w.Detail) > 0 {
		detail, err := value.UnmarshalJSONBytes(w.Detail)
		if err != nil {
			return nil, err
		}
		m.Detail = detail
	}
	if len(w.Payload) > 0 || w.FrameMeta != (wireFrameMeta{}) {
		if err := m.SetPayload(w.Payload, msg.FrameMeta{
			SampleRate:  w.FrameMeta.SampleRate,
			Channels:    w.FrameMeta.Channels,
			PixelFormat: w.FrameMeta.PixelFormat,
			Width:       w.FrameMeta.Width,
			Height:      w.FrameMeta.Height,
			Timestamp:   w.FrameMeta.Timestamp,
		}); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func mustKeys(v value.Value) []string {
	keys, err := v.Keys()
	if err != nil {
		return nil
	}
	return keys
}
