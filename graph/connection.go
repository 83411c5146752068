package graph

import (
	"github.com/dataflowrt/core/msg"
	"github.com/dataflowrt/core/tenerr"
	"github.com/dataflowrt/core/value"
)

// ConversionMode identifies one of the two message-conversion operations.
type ConversionMode string

const (
	// FromOriginal copies the value at OriginalPath to Path (deep-copy).
	FromOriginal ConversionMode = "from_original"
	// FixedValue sets Path to Value.
	FixedValue ConversionMode = "fixed_value"
)

// ConversionRule is one step of a connection's message conversion, applied
// against the outgoing message's property bag to produce the bag delivered
// to one destination. The special Path "name" rewrites the
// message's name instead of a property.
type ConversionRule struct {
	Mode         ConversionMode
	Path         string
	OriginalPath string // FromOriginal only
	Value        value.Value // FixedValue only
}

const namePath = "name"

// apply runs the rule against m in place.
func (r ConversionRule) apply(m *msg.Message) error {
	switch r.Mode {
	case FromOriginal:
		v, err := m.GetProperty(r.OriginalPath)
		if err != nil {
			return tenerr.Wrap(tenerr.InvalidArgument, err, "conversion rule: reading original_path %q", r.OriginalPath)
		}
		return r.set(m, v)
	case FixedValue:
		return r.set(m, r.Value)
	default:
		return tenerr.InvalidArgumentf("unknown conversion_mode %q", r.Mode)
	}
}

func (r ConversionRule) set(m *msg.Message, v value.Value) error {
	if r.Path == namePath {
		s, err := v.AsString()
		if err != nil {
			return tenerr.Wrap(tenerr.InvalidArgument, err, "conversion rule: name rewrite requires a string value")
		}
		m.Name = s
		return nil
	}
	return m.SetProperty(r.Path, v.Clone())
}

// Destination is one resolved target of a connection, with the conversion
// rules (if any) applied only for messages delivered to it.
type Destination struct {
	Locator     msg.Locator
	Conversions []ConversionRule
}

// Connection declares that messages of Kind named Name sent from From are
// additionally routed to To, subject to each destination's own conversion
// rules.
type Connection struct {
	From msg.Locator
	Kind msg.Kind
	Name string
	To   []Destination
}

type connKey struct {
	from msg.Locator
	kind msg.Kind
	name string
}

// ConnectionTable is the index keyed by (source_locator, message_kind,
// message_name).
type ConnectionTable struct {
	byKey map[connKey][]Destination
}

// NewConnectionTable constructs an empty table.
func NewConnectionTable() *ConnectionTable {
	return &ConnectionTable{byKey: make(map[connKey][]Destination)}
}

// Add registers a connection. Declaring the same (From, Kind, Name) twice
// appends destinations rather than replacing the earlier declaration.
func (t *ConnectionTable) Add(c Connection) {
	k := connKey{from: c.From, kind: c.Kind, name: c.Name}
	t.byKey[k] = append(t.byKey[k], c.To...)
}

// Lookup returns the destinations declared for a message with the given
// source locator, kind, and name, and whether any connection matched.
func (t *ConnectionTable) Lookup(from msg.Locator, kind msg.Kind, name string) ([]Destination, bool) {
	dests, ok := t.byKey[connKey{from: from, kind: kind, name: name}]
	return dests, ok
}
