package graph

import (
	"encoding/json"

	"github.com/dataflowrt/core/msg"
	"github.com/dataflowrt/core/tenerr"
	"github.com/dataflowrt/core/value"
)

// Spec is the declarative description of a graph: a node list plus a
// connection list. It is what a start_graph command carries in
// serialized-JSON form and what a predefined-graph config entry embeds,
// so it carries both json and yaml tags.
type Spec struct {
	Nodes       []NodeSpec       `json:"nodes" yaml:"nodes"`
	Connections []ConnectionSpec `json:"connections,omitempty" yaml:"connections,omitempty"`
}

// NodeSpec declares one graph node: (type, name, addon, app_uri, group)
// plus an initial property bag. An empty App means "the app receiving the
// start_graph command".
type NodeSpec struct {
	Type     string         `json:"type,omitempty" yaml:"type,omitempty"`
	Name     string         `json:"name" yaml:"name"`
	Addon    string         `json:"addon" yaml:"addon"`
	App      string         `json:"app,omitempty" yaml:"app,omitempty"`
	Group    string         `json:"extension_group,omitempty" yaml:"extension_group,omitempty"`
	Property map[string]any `json:"property,omitempty" yaml:"property,omitempty"`

	// InitAfter defers this node's on_init until the named sibling nodes
	// of the same group have reached Inited.
	InitAfter []string `json:"init_after,omitempty" yaml:"init_after,omitempty"`
}

// LocatorSpec is the serialized form of a locator tuple. Empty fields mean
// "current", resolved at routing time.
type LocatorSpec struct {
	App       string `json:"app,omitempty" yaml:"app,omitempty"`
	Graph     string `json:"graph,omitempty" yaml:"graph,omitempty"`
	Group     string `json:"extension_group,omitempty" yaml:"extension_group,omitempty"`
	Extension string `json:"extension,omitempty" yaml:"extension,omitempty"`
}

// Locator converts the spec form into the runtime locator.
func (l LocatorSpec) Locator() msg.Locator {
	return msg.Locator{AppURI: l.App, GraphID: l.Graph, Group: l.Group, Extension: l.Extension}
}

// ConversionSpec is the serialized form of one message-conversion
// operation.
type ConversionSpec struct {
	Mode         string `json:"conversion_mode" yaml:"conversion_mode"`
	Path         string `json:"path" yaml:"path"`
	OriginalPath string `json:"original_path,omitempty" yaml:"original_path,omitempty"`
	Value        any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// DestinationSpec is one resolved target of a connection plus its
// conversion rules.
type DestinationSpec struct {
	LocatorSpec `yaml:",inline"`
	Conversions []ConversionSpec `json:"msg_conversions,omitempty" yaml:"msg_conversions,omitempty"`
}

// ConnectionSpec declares (from_locator, message_kind, message_name,
// to_locators, optional conversion rules).
type ConnectionSpec struct {
	From LocatorSpec       `json:"from" yaml:"from"`
	Kind string            `json:"kind" yaml:"kind"`
	Name string            `json:"name" yaml:"name"`
	To   []DestinationSpec `json:"to" yaml:"to"`
}

// ParseSpec decodes a serialized graph JSON document, the payload of a
// start_graph command.
func ParseSpec(doc []byte) (Spec, error) {
	var s Spec
	if err := json.Unmarshal(doc, &s); err != nil {
		return Spec{}, tenerr.Wrap(tenerr.InvalidArgument, err, "parsing graph json")
	}
	return s, nil
}

// Marshal renders the spec into the serialized form start_graph carries on
// the wire. A method rather than a MarshalJSON override so that structs
// embedding Spec (predefined-graph config entries) keep their own fields
// when marshaled.
func (s Spec) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// parseKind maps the wire kind names onto msg.Kind. Only the four routable
// kinds may appear in a connection declaration.
func parseKind(kind string) (msg.Kind, error) {
	switch kind {
	case "cmd":
		return msg.KindCmd, nil
	case "data":
		return msg.KindData, nil
	case "audio_frame":
		return msg.KindAudioFrame, nil
	case "video_frame":
		return msg.KindVideoFrame, nil
	default:
		return 0, tenerr.InvalidArgumentf("unknown connection message kind %q", kind)
	}
}

// Validate enforces the invariant that every connection locator names
// a declared node or anchors an external app address. localURI is the app
// the spec is being validated for; a locator with an App other than
// localURI (and other than empty) is an external anchor and is not checked
// against the node list.
func (s Spec) Validate(localURI string) error {
	byName := make(map[string]NodeSpec, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.Name == "" {
			return tenerr.InvalidArgumentf("graph node with empty name")
		}
		if _, dup := byName[n.Name]; dup {
			return tenerr.InvalidArgumentf("graph declares node %q twice", n.Name)
		}
		byName[n.Name] = n
	}
	for _, n := range s.Nodes {
		for _, dep := range n.InitAfter {
			other, ok := byName[dep]
			if !ok {
				return tenerr.InvalidArgumentf("node %q init_after unknown node %q", n.Name, dep)
			}
			if other.Group != n.Group {
				return tenerr.InvalidArgumentf("node %q init_after %q crosses extension groups", n.Name, dep)
			}
		}
	}
	check := func(l LocatorSpec) error {
		if l.App != "" && l.App != localURI {
			return nil // external anchor, validated by its own app
		}
		if l.Extension == "" {
			return tenerr.InvalidArgumentf("connection locator %v names no extension", l)
		}
		if _, ok := byName[l.Extension]; !ok {
			return tenerr.InvalidArgumentf("connection references undeclared extension %q", l.Extension)
		}
		return nil
	}
	for _, c := range s.Connections {
		if _, err := parseKind(c.Kind); err != nil {
			return err
		}
		if err := check(c.From); err != nil {
			return err
		}
		for _, d := range c.To {
			if err := check(d.LocatorSpec); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoteApps lists every app_uri other than localURI appearing in the
// spec's nodes, in first-appearance order.
func (s Spec) RemoteApps(localURI string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(uri string) {
		if uri == "" || uri == localURI {
			return
		}
		if _, ok := seen[uri]; ok {
			return
		}
		seen[uri] = struct{}{}
		out = append(out, uri)
	}
	for _, n := range s.Nodes {
		add(n.App)
	}
	return out
}

// SubsetFor extracts the graph subset relevant to one app: its own
// nodes, plus every connection originating from one of them. Routing
// decisions are made at the source, so a connection travels with the app
// that owns its From locator.
func (s Spec) SubsetFor(appURI, localURI string) Spec {
	mine := func(app string) bool {
		if appURI == localURI {
			return app == "" || app == localURI
		}
		return app == appURI
	}
	var sub Spec
	for _, n := range s.Nodes {
		if mine(n.App) {
			sub.Nodes = append(sub.Nodes, n)
		}
	}
	for _, c := range s.Connections {
		if mine(c.From.App) {
			sub.Connections = append(sub.Connections, c)
		}
	}
	return sub
}

// connection converts one ConnectionSpec into the engine's runtime form,
// decoding each destination's conversion rules.
func (c ConnectionSpec) connection(graphID, appURI string) (Connection, error) {
	kind, err := parseKind(c.Kind)
	if err != nil {
		return Connection{}, err
	}
	from := c.From.Locator().ResolveAgainst(msg.Locator{AppURI: appURI, GraphID: graphID})
	out := Connection{From: from, Kind: kind, Name: c.Name}
	for _, d := range c.To {
		dest := Destination{Locator: d.Locator()}
		for _, cs := range d.Conversions {
			rule := ConversionRule{
				Mode:         ConversionMode(cs.Mode),
				Path:         cs.Path,
				OriginalPath: cs.OriginalPath,
			}
			if cs.Value != nil {
				v, err := value.FromJSON(cs.Value)
				if err != nil {
					return Connection{}, tenerr.Wrap(tenerr.InvalidArgument, err, "conversion fixed value at %q", cs.Path)
				}
				rule.Value = v
			}
			dest.Conversions = append(dest.Conversions, rule)
		}
		out.To = append(out.To, dest)
	}
	return out, nil
}

// ApplyConnections registers every connection of the spec into the
// engine's connection table; connections are not filtered by the app of
// their From locator. A From
// locator that omits the extension group is completed from the node
// declarations, since the table is keyed by the fully-resolved source
// locator a sending extension stamps onto its messages.
func (e *Engine) ApplyConnections(s Spec) error {
	groupOf := make(map[string]string, len(s.Nodes))
	for _, n := range s.Nodes {
		groupOf[n.Name] = n.Group
	}
	for _, c := range s.Connections {
		conn, err := c.connection(e.GraphID, e.AppURI)
		if err != nil {
			return err
		}
		if conn.From.Group == "" {
			conn.From.Group = groupOf[conn.From.Extension]
		}
		e.Connect(conn)
	}
	return nil
}
